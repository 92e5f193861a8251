// Package chat defines the interfaces the conversation engine consumes:
// the durable store, the room fan-out surface, pricing, and content
// filtering. Implementations live elsewhere (store, server/ws, chat/pricing,
// chat/filter); tests substitute doubles that implement these directly.
package chat

import (
	"context"

	"github.com/hrygo/branchtalk/store"
	"github.com/hrygo/branchtalk/wire"
)

// Store is the durable repository consumed by the conversation engine.
// *store.Store satisfies it.
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error)
	GetConversationMessages(ctx context.Context, conversationID string) ([]*store.Message, error)
	GetConversationParticipants(ctx context.Context, conversationID string) ([]*store.Participant, error)
	GetParticipant(ctx context.Context, id string) (*store.Participant, error)

	CreateMessage(ctx context.Context, create *store.CreateMessage) (*store.Message, error)
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	AddMessageBranch(ctx context.Context, messageID string, branch *store.Branch) error
	UpdateMessageContent(ctx context.Context, messageID, branchID, content string, blocks []store.ContentBlock) error
	UpdateMessageBranch(ctx context.Context, update *store.UpdateBranch) error
	SetActiveBranch(ctx context.Context, messageID, branchID string) error
	DeleteMessageBranch(ctx context.Context, messageID, branchID string) ([]string, error)

	GetUserByID(ctx context.Context, id string) (*store.User, error)
	GetUserAPIKeys(ctx context.Context, userID string) ([]*store.APIKey, error)
	GetUserGrantSummary(ctx context.Context, userID string) (*store.GrantSummary, error)
	UserHasActiveGrantCapability(ctx context.Context, userID, capability string) (bool, error)
	DebitGrant(ctx context.Context, userID, currency string, amount float64) error

	CanUserChatInConversation(ctx context.Context, conversationID, userID string) (bool, error)
	CanUserDeleteInConversation(ctx context.Context, conversationID, userID string) (bool, error)
	IsUserAgeVerified(ctx context.Context, userID string) (bool, error)

	GetUIState(ctx context.Context, userID, conversationID string) (*store.UIState, error)
	UpsertUIState(ctx context.Context, state *store.UIState) error
	AddMetrics(ctx context.Context, metric *store.UsageMetric) error

	Version(conversationID string) uint64
}

// Sender delivers one encoded event to a single session. Send must not block
// beyond the session's bounded outbound buffer; it reports delivery as a
// boolean, never an error.
type Sender interface {
	Send(event any) bool
	UserID() string
}

// Rooms is the per-conversation fan-out surface. server/ws.RoomRegistry
// satisfies it.
type Rooms interface {
	// StartAIRequest atomically claims the room's single-flight AI slot.
	StartAIRequest(conversationID, userID, messageID string) bool
	// EndAIRequest releases the slot and broadcasts ai_finished. Releasing a
	// slot that is not held is a no-op.
	EndAIRequest(conversationID string)
	// ActiveAIRequest returns the current slot snapshot, or nil.
	ActiveAIRequest(conversationID string) *wire.ActiveAIRequest
	// Broadcast sends the event to every open session in the room except
	// exclude. Send errors are swallowed.
	Broadcast(conversationID string, event any, exclude Sender)
}

// Price is the per-million-token cost of a model.
type Price struct {
	Provider      string
	Currency      string
	InputPerMTok  float64
	OutputPerMTok float64
}

// Pricing resolves a model identifier to its price. A model with no price is
// not billable and ops must fail with pricing_not_configured.
type Pricing interface {
	Lookup(model string) (Price, bool)
	// ApplicableCurrencies lists the grant currency buckets that can pay for
	// the model, most specific first.
	ApplicableCurrencies(model string) []string
}

// Verdict is a content filter decision.
type Verdict struct {
	Blocked    bool
	Reason     string
	Categories []string
}

// ContentFilter evaluates text blocks. Filter failures are treated as
// non-blocking by callers (fail open) but logged.
type ContentFilter interface {
	Evaluate(ctx context.Context, text string) (Verdict, error)
}

// ModelCapabilities describes what a model supports, as needed by prompt
// composition and responder resolution.
type ModelCapabilities struct {
	Provider        string
	SupportsPrefill bool
}
