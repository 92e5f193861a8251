package ws

import (
	"sort"
	"sync"
	"time"

	"github.com/hrygo/branchtalk/chat"
	"github.com/hrygo/branchtalk/metrics"
	"github.com/hrygo/branchtalk/wire"
)

type member struct {
	session  *Session
	joinedAt time.Time
}

type room struct {
	members map[string]*member // session ID
	active  *wire.ActiveAIRequest
}

// RoomRegistry is the per-conversation fan-out surface. One room per
// conversation, lazily created on first join and dropped when the last
// session leaves while no AI request is in flight.
type RoomRegistry struct {
	collector *metrics.Collector

	mu    sync.Mutex
	rooms map[string]*room
}

func NewRoomRegistry(collector *metrics.Collector) *RoomRegistry {
	return &RoomRegistry{
		collector: collector,
		rooms:     make(map[string]*room),
	}
}

// Join adds the session to the room, idempotently, and announces the user
// when this is their first session in the room. Returns the room snapshot
// for the room_joined reply.
func (r *RoomRegistry) Join(s *Session, conversationID string) ([]wire.RoomUser, *wire.ActiveAIRequest) {
	r.mu.Lock()
	rm, ok := r.rooms[conversationID]
	if !ok {
		rm = &room{members: make(map[string]*member)}
		r.rooms[conversationID] = rm
	}
	firstForUser := true
	if _, already := rm.members[s.ID]; already {
		firstForUser = false
	} else {
		for _, m := range rm.members {
			if m.session.UserID() == s.UserID() {
				firstForUser = false
				break
			}
		}
		rm.members[s.ID] = &member{session: s, joinedAt: time.Now()}
	}
	users := snapshotUsers(rm)
	active := rm.active
	roomCount := len(r.rooms)
	r.mu.Unlock()

	s.joinedRoom(conversationID)
	r.collector.SetActiveRooms(roomCount)

	if firstForUser {
		r.Broadcast(conversationID, wire.NewUserJoined(conversationID, s.UserID(), s.DisplayName()), s)
	}
	return users, active
}

// Leave removes the session and announces the user's departure when their
// last session left. Leaving a room never joined is a no-op.
func (r *RoomRegistry) Leave(s *Session, conversationID string) {
	r.mu.Lock()
	rm, ok := r.rooms[conversationID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, present := rm.members[s.ID]; !present {
		r.mu.Unlock()
		return
	}
	delete(rm.members, s.ID)
	lastForUser := true
	for _, m := range rm.members {
		if m.session.UserID() == s.UserID() {
			lastForUser = false
			break
		}
	}
	if len(rm.members) == 0 && rm.active == nil {
		delete(r.rooms, conversationID)
	}
	roomCount := len(r.rooms)
	r.mu.Unlock()

	s.leftRoom(conversationID)
	r.collector.SetActiveRooms(roomCount)

	if lastForUser {
		r.Broadcast(conversationID, wire.NewUserLeft(conversationID, s.UserID(), s.DisplayName()), nil)
	}
}

// ActiveUsers lists the room's members deduplicated by user, keeping each
// user's earliest join time, ordered by it.
func (r *RoomRegistry) ActiveUsers(conversationID string) []wire.RoomUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[conversationID]
	if !ok {
		return nil
	}
	return snapshotUsers(rm)
}

func snapshotUsers(rm *room) []wire.RoomUser {
	earliest := make(map[string]wire.RoomUser)
	for _, m := range rm.members {
		userID := m.session.UserID()
		if existing, ok := earliest[userID]; !ok || m.joinedAt.Before(existing.JoinedAt) {
			earliest[userID] = wire.RoomUser{
				UserID:   userID,
				Name:     m.session.DisplayName(),
				JoinedAt: m.joinedAt,
			}
		}
	}
	users := make([]wire.RoomUser, 0, len(earliest))
	for _, u := range earliest {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].JoinedAt.Before(users[j].JoinedAt) })
	return users
}

// StartAIRequest atomically claims the room's single AI slot.
func (r *RoomRegistry) StartAIRequest(conversationID, userID, messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[conversationID]
	if !ok {
		rm = &room{members: make(map[string]*member)}
		r.rooms[conversationID] = rm
	}
	if rm.active != nil {
		return false
	}
	rm.active = &wire.ActiveAIRequest{UserID: userID, MessageID: messageID, StartedAt: time.Now()}
	return true
}

// EndAIRequest releases the slot and broadcasts ai_finished. Releasing an
// idle slot is a no-op.
func (r *RoomRegistry) EndAIRequest(conversationID string) {
	r.mu.Lock()
	rm, ok := r.rooms[conversationID]
	if !ok || rm.active == nil {
		r.mu.Unlock()
		return
	}
	rm.active = nil
	if len(rm.members) == 0 {
		delete(r.rooms, conversationID)
	}
	r.mu.Unlock()

	r.Broadcast(conversationID, wire.NewAIFinished(conversationID), nil)
}

// ActiveAIRequest snapshots the slot, or nil when idle.
func (r *RoomRegistry) ActiveAIRequest(conversationID string) *wire.ActiveAIRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[conversationID]
	if !ok || rm.active == nil {
		return nil
	}
	snapshot := *rm.active
	return &snapshot
}

// Broadcast fans the event to every session in the room except exclude.
// Sessions with a full buffer lose the event; the sweep handles them.
func (r *RoomRegistry) Broadcast(conversationID string, event any, exclude chat.Sender) {
	r.mu.Lock()
	rm, ok := r.rooms[conversationID]
	if !ok {
		r.mu.Unlock()
		return
	}
	targets := make([]*Session, 0, len(rm.members))
	for _, m := range rm.members {
		targets = append(targets, m.session)
	}
	r.mu.Unlock()

	var excludeID string
	if s, ok := exclude.(*Session); ok && s != nil {
		excludeID = s.ID
	}
	for _, s := range targets {
		if s.ID == excludeID {
			continue
		}
		s.Send(event)
	}
}
