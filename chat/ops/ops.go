// Package ops orchestrates the conversation-tree operations: chat, continue,
// regenerate, edit, delete, and the smaller conversation patches. Each
// operation is a staged procedure: preflight, content filtering, branch
// placement, persistence, broadcast, and (for AI-producing ops) handoff to
// the generation coordinator.
package ops

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/branchtalk/chat"
	"github.com/hrygo/branchtalk/chat/credit"
	"github.com/hrygo/branchtalk/chat/generate"
	"github.com/hrygo/branchtalk/chat/tree"
	"github.com/hrygo/branchtalk/store"
	"github.com/hrygo/branchtalk/wire"
)

// Ops is the single mutator of the conversation tree.
type Ops struct {
	store       chat.Store
	filter      chat.ContentFilter
	gate        *credit.Gate
	pricing     chat.Pricing
	rooms       chat.Rooms
	coordinator *generate.Coordinator
	projections *tree.Cache

	requireAgeCheck bool
	now             func() time.Time
}

type Config struct {
	Store           chat.Store
	Filter          chat.ContentFilter
	Gate            *credit.Gate
	Pricing         chat.Pricing
	Rooms           chat.Rooms
	Coordinator     *generate.Coordinator
	RequireAgeCheck bool
}

func New(config Config) *Ops {
	return &Ops{
		store:           config.Store,
		filter:          config.Filter,
		gate:            config.Gate,
		pricing:         config.Pricing,
		rooms:           config.Rooms,
		coordinator:     config.Coordinator,
		projections:     tree.NewCache(),
		requireAgeCheck: config.RequireAgeCheck,
		now:             time.Now,
	}
}

// Chat creates a user-role branch and, unless the branch is hidden from AI
// or no responder applies, hands generation off to the coordinator.
func (o *Ops) Chat(ctx context.Context, caller chat.Sender, env *wire.Envelope) error {
	conversation, err := o.preflight(ctx, caller.UserID(), env.ConversationID, false)
	if err != nil {
		return err
	}
	if blocked := o.screen(ctx, caller, env.Content); blocked {
		return nil
	}

	messages, view, path, err := o.project(ctx, caller.UserID(), conversation.ID)
	if err != nil {
		return err
	}

	parent := o.resolveParent(path, view, env.ParentBranchID)
	userBranch := &store.Branch{
		ID:             uuid.NewString(),
		ParentBranchID: parent,
		Content:        env.Content,
		Role:           store.RoleUser,
		ParticipantID:  env.ParticipantID,
		HiddenFromAI:   env.HiddenFromAI,
		CreatedTs:      o.now().Unix(),
		Attachments:    env.Attachments,
	}
	userMessage, _, err := o.placeBranch(ctx, conversation.ID, messages, userBranch)
	if err != nil {
		return o.storeErr(err, "message")
	}
	o.rooms.Broadcast(conversation.ID, wire.NewMessageCreated(conversation.ID, userMessage, userBranch), nil)

	if env.HiddenFromAI {
		return nil
	}

	responder, err := o.chatResponder(ctx, conversation, env.ResponderID)
	if err != nil {
		return err
	}
	if responder == nil {
		// Prefill conversation with no responder named: the user may pick
		// one later via continue.
		return nil
	}

	return o.launch(ctx, caller, conversation, responder, userBranch.ID, env.SamplingBranches, view)
}

// Continue appends a new assistant branch continuing from the chosen point.
func (o *Ops) Continue(ctx context.Context, caller chat.Sender, env *wire.Envelope) error {
	conversation, err := o.preflight(ctx, caller.UserID(), env.ConversationID, false)
	if err != nil {
		return err
	}

	_, view, path, err := o.project(ctx, caller.UserID(), conversation.ID)
	if err != nil {
		return err
	}
	parent := o.resolveParent(path, view, env.ParentBranchID)

	responder, err := o.continueResponder(ctx, conversation, env.ResponderID)
	if err != nil {
		return err
	}

	return o.launch(ctx, caller, conversation, responder, parent, env.SamplingBranches, view)
}

// Regenerate creates sibling alternatives of an existing assistant branch
// and streams fresh generations into them. The original branch is untouched.
func (o *Ops) Regenerate(ctx context.Context, caller chat.Sender, env *wire.Envelope) error {
	conversation, err := o.preflight(ctx, caller.UserID(), env.ConversationID, false)
	if err != nil {
		return err
	}

	message, err := o.store.GetMessage(ctx, env.MessageID)
	if err != nil {
		return o.storeErr(err, "message")
	}
	original := message.Branch(env.BranchID)
	if original == nil {
		return chat.NotFound("branch")
	}
	if original.Role != store.RoleAssistant {
		return chat.InvalidInput("only assistant branches can be regenerated")
	}

	parent := original.ParentBranchID
	if env.ParentBranchID != "" {
		parent = env.ParentBranchID
	}

	responder, err := o.regenerateResponder(ctx, conversation, original)
	if err != nil {
		return err
	}

	_, view, _, err := o.project(ctx, caller.UserID(), conversation.ID)
	if err != nil {
		return err
	}
	return o.launch(ctx, caller, conversation, responder, parent, env.SamplingBranches, view)
}

// Edit creates a sibling of the target branch carrying the new content, then
// regenerates the follow-up unless the target was an assistant turn or the
// caller opted out.
func (o *Ops) Edit(ctx context.Context, caller chat.Sender, env *wire.Envelope) error {
	conversation, err := o.preflight(ctx, caller.UserID(), env.ConversationID, false)
	if err != nil {
		return err
	}
	if blocked := o.screen(ctx, caller, env.Content); blocked {
		return nil
	}

	message, err := o.store.GetMessage(ctx, env.MessageID)
	if err != nil {
		return o.storeErr(err, "message")
	}
	target := message.Branch(env.BranchID)
	if target == nil {
		return chat.NotFound("branch")
	}

	// The follow-up is located on the pre-edit path: the message right after
	// the edited one.
	_, view, prePath, err := o.project(ctx, caller.UserID(), conversation.ID)
	if err != nil {
		return err
	}
	var followUp *store.Message
	for i, m := range prePath {
		if m.ID == message.ID && i+1 < len(prePath) {
			followUp = prePath[i+1]
		}
	}

	edited := &store.Branch{
		ID:             uuid.NewString(),
		ParentBranchID: target.ParentBranchID,
		Content:        env.Content,
		Role:           target.Role,
		ParticipantID:  target.ParticipantID,
		CreatedTs:      o.now().Unix(),
	}
	if err := o.store.AddMessageBranch(ctx, message.ID, edited); err != nil {
		return o.storeErr(err, "message")
	}
	if err := o.store.SetActiveBranch(ctx, message.ID, edited.ID); err != nil {
		return o.storeErr(err, "message")
	}
	updated, err := o.store.GetMessage(ctx, message.ID)
	if err != nil {
		return o.storeErr(err, "message")
	}
	o.rooms.Broadcast(conversation.ID, wire.NewMessageEdited(conversation.ID, updated, edited), nil)

	if target.Role == store.RoleAssistant || env.SkipRegeneration {
		return nil
	}

	responder, err := o.continueResponder(ctx, conversation, env.ResponderID)
	if err != nil {
		return err
	}

	if followUp != nil {
		role := store.Role("")
		if active := followUp.ActiveBranch(); active != nil {
			role = active.Role
		} else if len(followUp.Branches) > 0 {
			role = followUp.Branches[0].Role
		}
		if role == store.RoleAssistant {
			// Re-parent a fresh alternative of the old follow-up at the
			// edited branch.
			return o.launchInto(ctx, caller, conversation, responder, followUp.ID, edited.ID, env.SamplingBranches, view)
		}
	}
	return o.launch(ctx, caller, conversation, responder, edited.ID, env.SamplingBranches, view)
}

// Delete removes a branch, cascading to descendants. The whole message goes
// when its last branch is removed.
func (o *Ops) Delete(ctx context.Context, caller chat.Sender, env *wire.Envelope) error {
	conversation, err := o.preflight(ctx, caller.UserID(), env.ConversationID, true)
	if err != nil {
		return err
	}

	deleted, err := o.store.DeleteMessageBranch(ctx, env.MessageID, env.BranchID)
	if err != nil {
		return o.storeErr(err, "branch")
	}
	o.rooms.Broadcast(conversation.ID, wire.NewMessageDeleted(conversation.ID, env.MessageID, env.BranchID, deleted), nil)
	return nil
}

// UpdateTitle patches the conversation title.
func (o *Ops) UpdateTitle(ctx context.Context, caller chat.Sender, env *wire.Envelope) error {
	if _, err := o.preflight(ctx, caller.UserID(), env.ConversationID, false); err != nil {
		return err
	}
	now := o.now().Unix()
	updated, err := o.store.UpdateConversation(ctx, &store.UpdateConversation{
		ID:        env.ConversationID,
		Title:     &env.Title,
		UpdatedTs: &now,
	})
	if err != nil {
		return o.storeErr(err, "conversation")
	}
	o.rooms.Broadcast(env.ConversationID, wire.NewConversationUpdated(updated), nil)
	return nil
}

// UpdateSettings patches the conversation sampling settings.
func (o *Ops) UpdateSettings(ctx context.Context, caller chat.Sender, env *wire.Envelope) error {
	if _, err := o.preflight(ctx, caller.UserID(), env.ConversationID, false); err != nil {
		return err
	}
	now := o.now().Unix()
	updated, err := o.store.UpdateConversation(ctx, &store.UpdateConversation{
		ID:        env.ConversationID,
		Settings:  env.Settings,
		UpdatedTs: &now,
	})
	if err != nil {
		return o.storeErr(err, "conversation")
	}
	o.rooms.Broadcast(env.ConversationID, wire.NewConversationUpdated(updated), nil)
	return nil
}

// SetActiveBranch switches a message's active branch. Detached viewers only
// move their own override; everyone else moves the shared pointer.
func (o *Ops) SetActiveBranch(ctx context.Context, caller chat.Sender, env *wire.Envelope) error {
	if _, err := o.preflight(ctx, caller.UserID(), env.ConversationID, false); err != nil {
		return err
	}

	state, err := o.store.GetUIState(ctx, caller.UserID(), env.ConversationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return o.storeErr(err, "ui state")
	}
	if state != nil && state.IsDetached {
		if state.DetachedBranches == nil {
			state.DetachedBranches = map[string]string{}
		}
		state.DetachedBranches[env.MessageID] = env.BranchID
		state.UpdatedTs = o.now().Unix()
		if err := o.store.UpsertUIState(ctx, state); err != nil {
			return o.storeErr(err, "ui state")
		}
		caller.Send(wire.NewActiveBranchChanged(env.ConversationID, env.MessageID, env.BranchID, true))
		return nil
	}

	if err := o.store.SetActiveBranch(ctx, env.MessageID, env.BranchID); err != nil {
		return o.storeErr(err, "branch")
	}
	o.rooms.Broadcast(env.ConversationID, wire.NewActiveBranchChanged(env.ConversationID, env.MessageID, env.BranchID, false), nil)
	return nil
}

// SetBranchVisibility toggles a branch's hiddenFromAi flag.
func (o *Ops) SetBranchVisibility(ctx context.Context, caller chat.Sender, env *wire.Envelope) error {
	if _, err := o.preflight(ctx, caller.UserID(), env.ConversationID, false); err != nil {
		return err
	}
	hidden := env.HiddenFromAI
	if err := o.store.UpdateMessageBranch(ctx, &store.UpdateBranch{
		MessageID:    env.MessageID,
		BranchID:     env.BranchID,
		HiddenFromAI: &hidden,
	}); err != nil {
		return o.storeErr(err, "branch")
	}
	o.rooms.Broadcast(env.ConversationID, wire.NewBranchVisibilityChanged(env.ConversationID, env.MessageID, env.BranchID, hidden), nil)
	return nil
}

// MarkRead merges branch ids into the viewer's read set. No broadcast.
func (o *Ops) MarkRead(ctx context.Context, caller chat.Sender, env *wire.Envelope) error {
	state, err := o.store.GetUIState(ctx, caller.UserID(), env.ConversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return o.storeErr(err, "ui state")
		}
		state = &store.UIState{UserID: caller.UserID(), ConversationID: env.ConversationID}
	}
	seen := make(map[string]bool, len(state.ReadBranchIDs))
	for _, id := range state.ReadBranchIDs {
		seen[id] = true
	}
	for _, id := range env.ReadBranchIDs {
		if !seen[id] {
			seen[id] = true
			state.ReadBranchIDs = append(state.ReadBranchIDs, id)
		}
	}
	state.UpdatedTs = o.now().Unix()
	if err := o.store.UpsertUIState(ctx, state); err != nil {
		return o.storeErr(err, "ui state")
	}
	return nil
}

// Abort cancels the caller's in-flight generation on the conversation.
func (o *Ops) Abort(_ context.Context, caller chat.Sender, env *wire.Envelope) error {
	success := o.coordinator.Abort(env.ConversationID, caller.UserID())
	caller.Send(wire.NewGenerationAborted(env.ConversationID, success))
	return nil
}

// preflight verifies existence, authorization, and (when configured) age
// verification. forDelete switches to the delete permission.
func (o *Ops) preflight(ctx context.Context, userID, conversationID string, forDelete bool) (*store.Conversation, error) {
	conversation, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, o.storeErr(err, "conversation")
	}

	var allowed bool
	if forDelete {
		allowed, err = o.store.CanUserDeleteInConversation(ctx, conversationID, userID)
	} else {
		allowed, err = o.store.CanUserChatInConversation(ctx, conversationID, userID)
	}
	if err != nil {
		return nil, o.storeErr(err, "permission")
	}
	if !allowed {
		return nil, chat.PermissionDenied("you are not allowed to do that in this conversation")
	}

	if o.requireAgeCheck && !forDelete {
		verified, err := o.store.IsUserAgeVerified(ctx, userID)
		if err != nil {
			return nil, o.storeErr(err, "user")
		}
		if !verified {
			return nil, chat.PermissionDenied("age verification required")
		}
	}
	return conversation, nil
}

// screen runs the content filter on user-provided text. On a block it
// answers the caller with content_blocked and reports true; no state has
// been mutated at that point.
func (o *Ops) screen(ctx context.Context, caller chat.Sender, text string) bool {
	verdict, err := o.filter.Evaluate(ctx, text)
	if err != nil {
		slog.Warn("input filter failed, passing content through", "error", err)
		return false
	}
	if verdict.Blocked {
		caller.Send(wire.NewContentBlocked(verdict.Reason, verdict.Categories))
		return true
	}
	return false
}

func (o *Ops) storeErr(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return chat.NotFound(what)
	}
	return chat.NewOpError(chat.CodeServerError, "storage failure, please retry", "")
}
