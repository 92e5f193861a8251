package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hrygo/branchtalk/metrics"
)

const (
	sweepInterval = 30 * time.Second
	deadAfter     = 90 * time.Second
)

// ConnectionRegistry tracks every live session, indexed by user. It owns the
// heartbeat sweep that reaps sessions whose connection went silent.
type ConnectionRegistry struct {
	collector *metrics.Collector
	rooms     *RoomRegistry

	mu       sync.RWMutex
	byUser   map[string][]*Session
	sessions map[string]*Session

	stop chan struct{}
	once sync.Once
}

func NewConnectionRegistry(rooms *RoomRegistry, collector *metrics.Collector) *ConnectionRegistry {
	r := &ConnectionRegistry{
		collector: collector,
		rooms:     rooms,
		byUser:    make(map[string][]*Session),
		sessions:  make(map[string]*Session),
		stop:      make(chan struct{}),
	}
	go r.sweep()
	return r
}

func (r *ConnectionRegistry) Register(s *Session) {
	r.mu.Lock()
	r.byUser[s.UserID()] = append(r.byUser[s.UserID()], s)
	r.sessions[s.ID] = s
	r.mu.Unlock()
	r.collector.SessionOpened()
	slog.Info("session opened", "session", s.ID, "user", s.UserID())
}

// Unregister removes the session everywhere: user index, every room it
// joined, and the session table. Safe to call more than once.
func (r *ConnectionRegistry) Unregister(s *Session) {
	r.mu.Lock()
	if _, ok := r.sessions[s.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.ID)
	list := r.byUser[s.UserID()]
	for i, candidate := range list {
		if candidate.ID == s.ID {
			r.byUser[s.UserID()] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.byUser[s.UserID()]) == 0 {
		delete(r.byUser, s.UserID())
	}
	r.mu.Unlock()

	for _, conversationID := range s.Rooms() {
		r.rooms.Leave(s, conversationID)
	}
	r.collector.SessionClosed()
	slog.Info("session closed", "session", s.ID, "user", s.UserID())
}

// UserSessions snapshots the user's open sessions.
func (r *ConnectionRegistry) UserSessions(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, len(r.byUser[userID]))
	copy(out, r.byUser[userID])
	return out
}

// CloseAll tears down every session; used on graceful shutdown.
func (r *ConnectionRegistry) CloseAll() {
	r.once.Do(func() { close(r.stop) })

	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		s.CloseGoingAway()
		r.Unregister(s)
	}
}

// sweep reaps sessions that stopped answering pings. The read deadline
// usually gets there first; the sweep covers pumps wedged on a dead peer.
func (r *ConnectionRegistry) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-deadAfter)
			r.mu.RLock()
			var dead []*Session
			for _, s := range r.sessions {
				if s.LastSeen().Before(cutoff) {
					dead = append(dead, s)
				}
			}
			r.mu.RUnlock()
			for _, s := range dead {
				slog.Warn("reaping silent session", "session", s.ID, "user", s.UserID())
				s.Close()
				r.Unregister(s)
			}
		case <-r.stop:
			return
		}
	}
}
