// Package wire defines the websocket frame protocol: the inbound envelope,
// per-type validation, and the typed outbound events.
//
// Every frame is a JSON object carrying a "type" discriminator. Unknown
// fields are ignored; unknown types are rejected by Decode callers.
package wire

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/hrygo/branchtalk/store"
)

// Inbound frame types.
const (
	TypePing                = "ping"
	TypeJoinRoom            = "join_room"
	TypeLeaveRoom           = "leave_room"
	TypeTyping              = "typing"
	TypeAbort               = "abort"
	TypeChat                = "chat"
	TypeContinue            = "continue"
	TypeRegenerate          = "regenerate"
	TypeEdit                = "edit"
	TypeDelete              = "delete"
	TypeUpdateTitle         = "update_title"
	TypeUpdateSettings      = "update_settings"
	TypeSetActiveBranch     = "set_active_branch"
	TypeSetBranchVisibility = "set_branch_visibility"
	TypeMarkRead            = "mark_read"
)

// Envelope is the inbound frame. One flat struct covers every frame type;
// Validate enforces the per-type required fields.
type Envelope struct {
	Type             string             `json:"type"`
	ConversationID   string             `json:"conversationId,omitempty"`
	MessageID        string             `json:"messageId,omitempty"`
	BranchID         string             `json:"branchId,omitempty"`
	ParentBranchID   string             `json:"parentBranchId,omitempty"`
	ParticipantID    string             `json:"participantId,omitempty"`
	ResponderID      string             `json:"responderId,omitempty"`
	Content          string             `json:"content,omitempty"`
	Title            string             `json:"title,omitempty"`
	Attachments      []store.Attachment `json:"attachments,omitempty"`
	Settings         *store.Settings    `json:"settings,omitempty"`
	HiddenFromAI     bool               `json:"hiddenFromAi,omitempty"`
	SkipRegeneration bool               `json:"skipRegeneration,omitempty"`
	IsTyping         bool               `json:"isTyping,omitempty"`
	SamplingBranches int                `json:"samplingBranches,omitempty"`
	ReadBranchIDs    []string           `json:"readBranchIds,omitempty"`
}

// Decode parses an inbound frame. Malformed JSON and missing type are errors;
// the caller answers with a single error event and keeps the session open.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(err, "malformed frame")
	}
	if e.Type == "" {
		return nil, errors.New("missing frame type")
	}
	return &e, nil
}

// Validate checks the required fields for the envelope's type. An unknown
// type is an error.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypePing:
		return nil
	case TypeJoinRoom, TypeLeaveRoom, TypeAbort:
		return e.require(e.ConversationID, "conversationId")
	case TypeTyping:
		return e.require(e.ConversationID, "conversationId")
	case TypeChat:
		if err := e.require(e.ConversationID, "conversationId"); err != nil {
			return err
		}
		return e.require(e.Content, "content")
	case TypeContinue:
		return e.require(e.ConversationID, "conversationId")
	case TypeRegenerate:
		return e.requireAll(map[string]string{
			"conversationId": e.ConversationID,
			"messageId":      e.MessageID,
			"branchId":       e.BranchID,
		})
	case TypeEdit:
		if err := e.requireAll(map[string]string{
			"conversationId": e.ConversationID,
			"messageId":      e.MessageID,
			"branchId":       e.BranchID,
		}); err != nil {
			return err
		}
		return e.require(e.Content, "content")
	case TypeDelete, TypeSetActiveBranch, TypeSetBranchVisibility:
		return e.requireAll(map[string]string{
			"conversationId": e.ConversationID,
			"messageId":      e.MessageID,
			"branchId":       e.BranchID,
		})
	case TypeUpdateTitle:
		if err := e.require(e.ConversationID, "conversationId"); err != nil {
			return err
		}
		return e.require(e.Title, "title")
	case TypeUpdateSettings:
		if err := e.require(e.ConversationID, "conversationId"); err != nil {
			return err
		}
		if e.Settings == nil {
			return errors.New("missing required field settings")
		}
		return nil
	case TypeMarkRead:
		return e.require(e.ConversationID, "conversationId")
	default:
		return errors.Errorf("unknown frame type %q", e.Type)
	}
}

func (e *Envelope) require(value, name string) error {
	if value == "" {
		return errors.Errorf("missing required field %s", name)
	}
	return nil
}

func (e *Envelope) requireAll(fields map[string]string) error {
	// Deterministic order keeps error text stable.
	for _, name := range []string{"conversationId", "messageId", "branchId"} {
		if v, ok := fields[name]; ok && v == "" {
			return errors.Errorf("missing required field %s", name)
		}
	}
	return nil
}
