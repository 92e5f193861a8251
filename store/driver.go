package store

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by drivers when a requested object does not exist.
var ErrNotFound = errors.New("not found")

// Driver is the database access layer. Implementations live under store/db.
type Driver interface {
	Migrate(ctx context.Context) error
	Close() error

	CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error)

	CreateParticipant(ctx context.Context, create *Participant) (*Participant, error)
	GetParticipant(ctx context.Context, id string) (*Participant, error)
	ListParticipants(ctx context.Context, conversationID string) ([]*Participant, error)

	CreateMessage(ctx context.Context, create *CreateMessage) (*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
	AddMessageBranch(ctx context.Context, messageID string, branch *Branch) error
	UpdateMessageContent(ctx context.Context, messageID, branchID, content string, blocks []ContentBlock) error
	UpdateMessageBranch(ctx context.Context, update *UpdateBranch) error
	SetActiveBranch(ctx context.Context, messageID, branchID string) error
	DeleteBranch(ctx context.Context, messageID, branchID string) error
	DeleteMessage(ctx context.Context, messageID string) error

	CreateUser(ctx context.Context, create *User) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetAccessToken(ctx context.Context, id string) (*AccessToken, error)
	CreateAccessToken(ctx context.Context, create *AccessToken) (*AccessToken, error)
	ListUserAPIKeys(ctx context.Context, userID string) ([]*APIKey, error)
	GetUserGrantSummary(ctx context.Context, userID string) (*GrantSummary, error)
	DebitGrant(ctx context.Context, userID, currency string, amount float64) error
	UserHasCapability(ctx context.Context, userID, capability string) (bool, error)
	GetPermission(ctx context.Context, conversationID, userID string) (*Permission, error)

	GetUIState(ctx context.Context, userID, conversationID string) (*UIState, error)
	UpsertUIState(ctx context.Context, state *UIState) error
	AddUsageMetric(ctx context.Context, metric *UsageMetric) error
}
