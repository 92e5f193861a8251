package wire

import (
	"time"

	"github.com/hrygo/branchtalk/store"
)

// Outbound event types.
const (
	EventConnected               = "connected"
	EventError                   = "error"
	EventPong                    = "pong"
	EventRoomJoined              = "room_joined"
	EventRoomLeft                = "room_left"
	EventUserJoined              = "user_joined"
	EventUserLeft                = "user_left"
	EventUserTyping              = "user_typing"
	EventAIGenerating            = "ai_generating"
	EventAIFinished              = "ai_finished"
	EventMessageCreated          = "message_created"
	EventMessageEdited           = "message_edited"
	EventMessageDeleted          = "message_deleted"
	EventMessageRestored         = "message_restored"
	EventMessageBranchRestored   = "message_branch_restored"
	EventMessageSplit            = "message_split"
	EventBranchVisibilityChanged = "branch_visibility_changed"
	EventStream                  = "stream"
	EventMetricsUpdate           = "metrics_update"
	EventContentBlocked          = "content_blocked"
	EventAIRequestQueued         = "ai_request_queued"
	EventGenerationAborted       = "generation_aborted"
	EventConversationUpdated     = "conversation_updated"
	EventActiveBranchChanged     = "active_branch_changed"
)

// ActiveAIRequest is the room's single-flight slot snapshot.
type ActiveAIRequest struct {
	UserID    string    `json:"userId"`
	MessageID string    `json:"messageId"`
	StartedAt time.Time `json:"startedAt"`
}

// RoomUser is one deduplicated room member.
type RoomUser struct {
	UserID   string    `json:"userId"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
}

type Connected struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

func NewConnected(sessionID, userID string) *Connected {
	return &Connected{Type: EventConnected, SessionID: sessionID, UserID: userID, Timestamp: time.Now().UnixMilli()}
}

type Error struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

func NewError(code, message, suggestion string) *Error {
	return &Error{Type: EventError, Code: code, Message: message, Suggestion: suggestion}
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func NewPong() *Pong {
	return &Pong{Type: EventPong, Timestamp: time.Now().UnixMilli()}
}

type RoomJoined struct {
	Type            string           `json:"type"`
	ConversationID  string           `json:"conversationId"`
	ActiveUsers     []RoomUser       `json:"activeUsers"`
	ActiveAIRequest *ActiveAIRequest `json:"activeAiRequest,omitempty"`
}

func NewRoomJoined(conversationID string, users []RoomUser, active *ActiveAIRequest) *RoomJoined {
	return &RoomJoined{Type: EventRoomJoined, ConversationID: conversationID, ActiveUsers: users, ActiveAIRequest: active}
}

type RoomLeft struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

func NewRoomLeft(conversationID string) *RoomLeft {
	return &RoomLeft{Type: EventRoomLeft, ConversationID: conversationID}
}

type Presence struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Name           string `json:"name,omitempty"`
	IsTyping       bool   `json:"isTyping,omitempty"`
}

func NewUserJoined(conversationID, userID, name string) *Presence {
	return &Presence{Type: EventUserJoined, ConversationID: conversationID, UserID: userID, Name: name}
}

func NewUserLeft(conversationID, userID, name string) *Presence {
	return &Presence{Type: EventUserLeft, ConversationID: conversationID, UserID: userID, Name: name}
}

func NewUserTyping(conversationID, userID, name string, isTyping bool) *Presence {
	return &Presence{Type: EventUserTyping, ConversationID: conversationID, UserID: userID, Name: name, IsTyping: isTyping}
}

type AIGenerating struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	MessageID      string `json:"messageId"`
}

func NewAIGenerating(conversationID, userID, messageID string) *AIGenerating {
	return &AIGenerating{Type: EventAIGenerating, ConversationID: conversationID, UserID: userID, MessageID: messageID}
}

type AIFinished struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

func NewAIFinished(conversationID string) *AIFinished {
	return &AIFinished{Type: EventAIFinished, ConversationID: conversationID}
}

type MessageEvent struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversationId"`
	Message        *store.Message `json:"message,omitempty"`
	MessageID      string         `json:"messageId,omitempty"`
	Branch         *store.Branch  `json:"branch,omitempty"`
	BranchID       string         `json:"branchId,omitempty"`
}

func NewMessageCreated(conversationID string, message *store.Message, branch *store.Branch) *MessageEvent {
	return &MessageEvent{Type: EventMessageCreated, ConversationID: conversationID, Message: message, MessageID: message.ID, Branch: branch, BranchID: branch.ID}
}

func NewMessageEdited(conversationID string, message *store.Message, branch *store.Branch) *MessageEvent {
	return &MessageEvent{Type: EventMessageEdited, ConversationID: conversationID, Message: message, MessageID: message.ID, Branch: branch, BranchID: branch.ID}
}

type MessageDeleted struct {
	Type            string   `json:"type"`
	ConversationID  string   `json:"conversationId"`
	MessageID       string   `json:"messageId"`
	BranchID        string   `json:"branchId"`
	DeletedMessages []string `json:"deletedMessages"`
}

func NewMessageDeleted(conversationID, messageID, branchID string, deletedMessages []string) *MessageDeleted {
	return &MessageDeleted{Type: EventMessageDeleted, ConversationID: conversationID, MessageID: messageID, BranchID: branchID, DeletedMessages: deletedMessages}
}

type BranchVisibilityChanged struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	BranchID       string `json:"branchId"`
	HiddenFromAI   bool   `json:"hiddenFromAi"`
}

func NewBranchVisibilityChanged(conversationID, messageID, branchID string, hidden bool) *BranchVisibilityChanged {
	return &BranchVisibilityChanged{Type: EventBranchVisibilityChanged, ConversationID: conversationID, MessageID: messageID, BranchID: branchID, HiddenFromAI: hidden}
}

// Stream is one generation delta. The terminal frame carries Done plus Usage,
// or Aborted when the generation was cancelled.
type Stream struct {
	Type           string               `json:"type"`
	ConversationID string               `json:"conversationId"`
	MessageID      string               `json:"messageId"`
	BranchID       string               `json:"branchId"`
	Content        string               `json:"content,omitempty"`
	ContentBlocks  []store.ContentBlock `json:"contentBlocks,omitempty"`
	Done           bool                 `json:"done,omitempty"`
	Aborted        bool                 `json:"aborted,omitempty"`
	Usage          *StreamUsage         `json:"usage,omitempty"`
}

type StreamUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

func NewStream(conversationID, messageID, branchID, content string, blocks []store.ContentBlock) *Stream {
	return &Stream{Type: EventStream, ConversationID: conversationID, MessageID: messageID, BranchID: branchID, Content: content, ContentBlocks: blocks}
}

func NewStreamDone(conversationID, messageID, branchID, content string, usage *StreamUsage) *Stream {
	return &Stream{Type: EventStream, ConversationID: conversationID, MessageID: messageID, BranchID: branchID, Content: content, Done: true, Usage: usage}
}

func NewStreamAborted(conversationID, messageID, branchID string) *Stream {
	return &Stream{Type: EventStream, ConversationID: conversationID, MessageID: messageID, BranchID: branchID, Aborted: true, Done: true}
}

type MetricsUpdate struct {
	Type           string             `json:"type"`
	ConversationID string             `json:"conversationId"`
	Metrics        *store.UsageMetric `json:"metrics"`
}

func NewMetricsUpdate(conversationID string, metrics *store.UsageMetric) *MetricsUpdate {
	return &MetricsUpdate{Type: EventMetricsUpdate, ConversationID: conversationID, Metrics: metrics}
}

type ContentBlocked struct {
	Type       string   `json:"type"`
	Reason     string   `json:"reason"`
	Categories []string `json:"categories,omitempty"`
}

func NewContentBlocked(reason string, categories []string) *ContentBlocked {
	return &ContentBlocked{Type: EventContentBlocked, Reason: reason, Categories: categories}
}

type AIRequestQueued struct {
	Type           string           `json:"type"`
	ConversationID string           `json:"conversationId"`
	ActiveRequest  *ActiveAIRequest `json:"activeRequest"`
}

func NewAIRequestQueued(conversationID string, active *ActiveAIRequest) *AIRequestQueued {
	return &AIRequestQueued{Type: EventAIRequestQueued, ConversationID: conversationID, ActiveRequest: active}
}

type GenerationAborted struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Success        bool   `json:"success"`
}

func NewGenerationAborted(conversationID string, success bool) *GenerationAborted {
	return &GenerationAborted{Type: EventGenerationAborted, ConversationID: conversationID, Success: success}
}

type ConversationUpdated struct {
	Type         string              `json:"type"`
	Conversation *store.Conversation `json:"conversation"`
}

func NewConversationUpdated(conversation *store.Conversation) *ConversationUpdated {
	return &ConversationUpdated{Type: EventConversationUpdated, Conversation: conversation}
}

type ActiveBranchChanged struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	BranchID       string `json:"branchId"`
	Detached       bool   `json:"detached,omitempty"`
}

func NewActiveBranchChanged(conversationID, messageID, branchID string, detached bool) *ActiveBranchChanged {
	return &ActiveBranchChanged{Type: EventActiveBranchChanged, ConversationID: conversationID, MessageID: messageID, BranchID: branchID, Detached: detached}
}
