// Package chattest provides in-memory doubles for the chat engine's consumer
// interfaces. Tests across chat subpackages share them instead of standing up
// a database or a provider.
package chattest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/hrygo/branchtalk/chat"
	"github.com/hrygo/branchtalk/chat/model"
	"github.com/hrygo/branchtalk/chat/pricing"
	"github.com/hrygo/branchtalk/store"
	"github.com/hrygo/branchtalk/wire"
)

// MemStore is an in-memory chat.Store. Zero value is not usable; use
// NewMemStore.
type MemStore struct {
	mu sync.Mutex

	Conversations map[string]*store.Conversation
	Participants  map[string]*store.Participant
	Messages      map[string]*store.Message
	Users         map[string]*store.User
	APIKeys       map[string][]*store.APIKey
	Grants        map[string]map[string]float64
	Capabilities  map[string]map[string]bool
	Permissions   map[string]*store.Permission // conversationID+"/"+userID
	UIStates      map[string]*store.UIState    // userID+"/"+conversationID
	Metrics       []*store.UsageMetric

	orders   map[string]int
	versions map[string]uint64
}

func NewMemStore() *MemStore {
	return &MemStore{
		Conversations: make(map[string]*store.Conversation),
		Participants:  make(map[string]*store.Participant),
		Messages:      make(map[string]*store.Message),
		Users:         make(map[string]*store.User),
		APIKeys:       make(map[string][]*store.APIKey),
		Grants:        make(map[string]map[string]float64),
		Capabilities:  make(map[string]map[string]bool),
		Permissions:   make(map[string]*store.Permission),
		UIStates:      make(map[string]*store.UIState),
		orders:        make(map[string]int),
		versions:      make(map[string]uint64),
	}
}

// AddConversation seeds a conversation owned by ownerID with full permissions
// for the owner.
func (m *MemStore) AddConversation(c *store.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Conversations[c.ID] = c
}

func (m *MemStore) AddUser(u *store.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Users[u.ID] = u
}

func (m *MemStore) AddParticipant(p *store.Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Participants[p.ID] = p
}

// SetPermission overrides the default owner-only permission resolution.
func (m *MemStore) SetPermission(conversationID, userID string, p store.Permission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Permissions[conversationID+"/"+userID] = &p
}

func (m *MemStore) SetGrant(userID, currency string, balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Grants[userID] == nil {
		m.Grants[userID] = make(map[string]float64)
	}
	m.Grants[userID][currency] = balance
}

func (m *MemStore) bump(conversationID string) {
	m.versions[conversationID]++
}

func (m *MemStore) GetConversation(_ context.Context, id string) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Conversations[id]
	if !ok {
		return nil, errors.Wrap(store.ErrNotFound, "conversation")
	}
	return c, nil
}

func (m *MemStore) UpdateConversation(_ context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Conversations[update.ID]
	if !ok {
		return nil, errors.Wrap(store.ErrNotFound, "conversation")
	}
	if update.Title != nil {
		c.Title = *update.Title
	}
	if update.Model != nil {
		c.Model = *update.Model
	}
	if update.Settings != nil {
		c.Settings = *update.Settings
	}
	if update.Archived != nil {
		c.Archived = *update.Archived
	}
	if update.UpdatedTs != nil {
		c.UpdatedTs = *update.UpdatedTs
	}
	m.bump(c.ID)
	return c, nil
}

func (m *MemStore) GetConversationMessages(_ context.Context, conversationID string) ([]*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*store.Message, 0)
	for _, msg := range m.Messages {
		if msg.ConversationID == conversationID {
			list = append(list, msg)
		}
	}
	return list, nil
}

func (m *MemStore) GetConversationParticipants(_ context.Context, conversationID string) ([]*store.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*store.Participant, 0)
	for _, p := range m.Participants {
		if p.ConversationID == conversationID {
			list = append(list, p)
		}
	}
	return list, nil
}

func (m *MemStore) GetParticipant(_ context.Context, id string) (*store.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Participants[id]
	if !ok {
		return nil, errors.Wrap(store.ErrNotFound, "participant")
	}
	return p, nil
}

func (m *MemStore) CreateMessage(_ context.Context, create *store.CreateMessage) (*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[create.ConversationID]++
	msg := &store.Message{
		ID:             create.ID,
		ConversationID: create.ConversationID,
		Order:          m.orders[create.ConversationID],
		Branches:       []*store.Branch{create.Branch},
		ActiveBranchID: create.Branch.ID,
	}
	m.Messages[msg.ID] = msg
	m.bump(create.ConversationID)
	return msg, nil
}

func (m *MemStore) GetMessage(_ context.Context, id string) (*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.Messages[id]
	if !ok {
		return nil, errors.Wrap(store.ErrNotFound, "message")
	}
	return msg, nil
}

func (m *MemStore) AddMessageBranch(_ context.Context, messageID string, branch *store.Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.Messages[messageID]
	if !ok {
		return errors.Wrap(store.ErrNotFound, "message")
	}
	msg.Branches = append(msg.Branches, branch)
	m.bump(msg.ConversationID)
	return nil
}

func (m *MemStore) UpdateMessageContent(_ context.Context, messageID, branchID, content string, blocks []store.ContentBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.Messages[messageID]
	if !ok {
		return errors.Wrap(store.ErrNotFound, "message")
	}
	branch := msg.Branch(branchID)
	if branch == nil {
		return errors.Wrap(store.ErrNotFound, "branch")
	}
	branch.Content = content
	branch.ContentBlocks = blocks
	m.bump(msg.ConversationID)
	return nil
}

func (m *MemStore) UpdateMessageBranch(_ context.Context, update *store.UpdateBranch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.Messages[update.MessageID]
	if !ok {
		return errors.Wrap(store.ErrNotFound, "message")
	}
	branch := msg.Branch(update.BranchID)
	if branch == nil {
		return errors.Wrap(store.ErrNotFound, "branch")
	}
	if update.HiddenFromAI != nil {
		branch.HiddenFromAI = *update.HiddenFromAI
	}
	if update.PrivateToUserID != nil {
		branch.PrivateToUserID = *update.PrivateToUserID
	}
	if update.Model != nil {
		branch.Model = *update.Model
	}
	m.bump(msg.ConversationID)
	return nil
}

func (m *MemStore) SetActiveBranch(_ context.Context, messageID, branchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.Messages[messageID]
	if !ok {
		return errors.Wrap(store.ErrNotFound, "message")
	}
	if msg.Branch(branchID) == nil {
		return errors.Wrap(store.ErrNotFound, "branch")
	}
	msg.ActiveBranchID = branchID
	m.bump(msg.ConversationID)
	return nil
}

// DeleteMessageBranch mirrors the production cascade: descendants go with the
// target, empty messages are removed, and the active pointer is repaired.
func (m *MemStore) DeleteMessageBranch(_ context.Context, messageID, branchID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.Messages[messageID]
	if !ok {
		return nil, errors.Wrap(store.ErrNotFound, "message")
	}
	if target.Branch(branchID) == nil {
		return nil, errors.Wrap(store.ErrNotFound, "branch")
	}

	var siblings []*store.Message
	for _, msg := range m.Messages {
		if msg.ConversationID == target.ConversationID {
			siblings = append(siblings, msg)
		}
	}

	doomed := map[string]bool{branchID: true}
	for {
		grew := false
		for _, msg := range siblings {
			for _, b := range msg.Branches {
				if !doomed[b.ID] && doomed[b.ParentBranchID] {
					doomed[b.ID] = true
					grew = true
				}
			}
		}
		if !grew {
			break
		}
	}

	deleted := []string{}
	for _, msg := range siblings {
		var alive []*store.Branch
		for _, b := range msg.Branches {
			if !doomed[b.ID] {
				alive = append(alive, b)
			}
		}
		if len(alive) == len(msg.Branches) {
			continue
		}
		if len(alive) == 0 {
			delete(m.Messages, msg.ID)
			deleted = append(deleted, msg.ID)
			continue
		}
		msg.Branches = alive
		if doomed[msg.ActiveBranchID] {
			msg.ActiveBranchID = alive[len(alive)-1].ID
		}
	}
	m.bump(target.ConversationID)
	return deleted, nil
}

func (m *MemStore) GetUserByID(_ context.Context, id string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, errors.Wrap(store.ErrNotFound, "user")
	}
	return u, nil
}

func (m *MemStore) GetUserAPIKeys(_ context.Context, userID string) ([]*store.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.APIKeys[userID], nil
}

func (m *MemStore) GetUserGrantSummary(_ context.Context, userID string) (*store.GrantSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := &store.GrantSummary{UserID: userID, Balances: make(map[string]float64)}
	for currency, balance := range m.Grants[userID] {
		summary.Balances[currency] = balance
	}
	return summary, nil
}

func (m *MemStore) UserHasActiveGrantCapability(_ context.Context, userID, capability string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Capabilities[userID][capability], nil
}

func (m *MemStore) DebitGrant(_ context.Context, userID, currency string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Grants[userID] == nil {
		m.Grants[userID] = make(map[string]float64)
	}
	m.Grants[userID][currency] -= amount
	return nil
}

func (m *MemStore) CanUserChatInConversation(_ context.Context, conversationID, userID string) (bool, error) {
	return m.permission(conversationID, userID).CanChat, nil
}

func (m *MemStore) CanUserDeleteInConversation(_ context.Context, conversationID, userID string) (bool, error) {
	return m.permission(conversationID, userID).CanDelete, nil
}

func (m *MemStore) permission(conversationID, userID string) store.Permission {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.Permissions[conversationID+"/"+userID]; ok {
		return *p
	}
	if c, ok := m.Conversations[conversationID]; ok && c.OwnerID == userID {
		return store.Permission{CanChat: true, CanDelete: true}
	}
	return store.Permission{}
}

func (m *MemStore) IsUserAgeVerified(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[userID]
	if !ok {
		return false, errors.Wrap(store.ErrNotFound, "user")
	}
	return u.AgeVerified, nil
}

func (m *MemStore) GetUIState(_ context.Context, userID, conversationID string) (*store.UIState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.UIStates[userID+"/"+conversationID]
	if !ok {
		return nil, errors.Wrap(store.ErrNotFound, "ui state")
	}
	return state, nil
}

func (m *MemStore) UpsertUIState(_ context.Context, state *store.UIState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UIStates[state.UserID+"/"+state.ConversationID] = state
	return nil
}

func (m *MemStore) AddMetrics(_ context.Context, metric *store.UsageMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Metrics = append(m.Metrics, metric)
	return nil
}

func (m *MemStore) Version(conversationID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[conversationID]
}

// Sender records everything sent to one session.
type Sender struct {
	User string

	mu     sync.Mutex
	Events []any
}

func NewSender(userID string) *Sender {
	return &Sender{User: userID}
}

func (s *Sender) Send(event any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, event)
	return true
}

func (s *Sender) UserID() string { return s.User }

// Sent snapshots the events delivered so far.
func (s *Sender) Sent() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.Events))
	copy(out, s.Events)
	return out
}

// Rooms records broadcasts and emulates the single-flight AI slot.
type Rooms struct {
	mu     sync.Mutex
	active map[string]*wire.ActiveAIRequest
	events []any
}

func NewRooms() *Rooms {
	return &Rooms{active: make(map[string]*wire.ActiveAIRequest)}
}

func (r *Rooms) StartAIRequest(conversationID, userID, messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[conversationID]; busy {
		return false
	}
	r.active[conversationID] = &wire.ActiveAIRequest{UserID: userID, MessageID: messageID}
	return true
}

func (r *Rooms) EndAIRequest(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, conversationID)
	r.events = append(r.events, wire.NewAIFinished(conversationID))
}

func (r *Rooms) ActiveAIRequest(conversationID string) *wire.ActiveAIRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[conversationID]
}

func (r *Rooms) Broadcast(_ string, event any, _ chat.Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Broadcasts snapshots the events broadcast so far.
func (r *Rooms) Broadcasts() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.events))
	copy(out, r.events)
	return out
}

// Model is a scripted model.Client. Chunks stream in order; Err, when set,
// is returned after the chunks. A blocking model honors ctx cancellation.
type Model struct {
	Chunks []string
	Usage  model.Usage
	Err    error
	Block  bool // wait for ctx cancellation instead of finishing

	mu       sync.Mutex
	Requests []*model.Request
}

func (f *Model) Stream(ctx context.Context, req *model.Request, onChunk func(model.Chunk) error) (*model.Usage, error) {
	f.mu.Lock()
	f.Requests = append(f.Requests, req)
	f.mu.Unlock()

	for _, delta := range f.Chunks {
		if ctx.Err() != nil {
			return &f.Usage, ctx.Err()
		}
		if err := onChunk(model.Chunk{Delta: delta}); err != nil {
			return &f.Usage, err
		}
	}
	if f.Block {
		<-ctx.Done()
		return &f.Usage, ctx.Err()
	}
	if f.Err != nil {
		return &f.Usage, f.Err
	}
	usage := f.Usage
	if err := onChunk(model.Chunk{Done: true, Usage: &usage}); err != nil {
		return &usage, err
	}
	return &usage, nil
}

// RequestCount reports how many streams were started.
func (f *Model) RequestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

// Pricing builds a one-model pricing table.
func Pricing(modelID, provider, currency string) chat.Pricing {
	return pricing.NewTable(map[string]chat.Price{
		modelID: {Provider: provider, Currency: currency, InputPerMTok: 1, OutputPerMTok: 2},
	})
}

// AllowAllFilter passes every text.
type AllowAllFilter struct{}

func (AllowAllFilter) Evaluate(context.Context, string) (chat.Verdict, error) {
	return chat.Verdict{}, nil
}

// BlockFilter blocks any text containing Needle.
type BlockFilter struct {
	Needle string
}

func (f BlockFilter) Evaluate(_ context.Context, text string) (chat.Verdict, error) {
	if f.Needle != "" && strings.Contains(text, f.Needle) {
		return chat.Verdict{Blocked: true, Reason: fmt.Sprintf("matched %q", f.Needle), Categories: []string{"test"}}, nil
	}
	return chat.Verdict{}, nil
}
