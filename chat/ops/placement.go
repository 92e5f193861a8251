package ops

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/branchtalk/chat"
	"github.com/hrygo/branchtalk/chat/generate"
	"github.com/hrygo/branchtalk/chat/tree"
	"github.com/hrygo/branchtalk/store"
	"github.com/hrygo/branchtalk/wire"
)

// maxSamplingBranches caps the parallel alternatives one request may open.
const maxSamplingBranches = 4

// project loads the conversation's messages and the viewer's detached
// overrides, then resolves the visible path through the projection cache.
func (o *Ops) project(ctx context.Context, userID, conversationID string) ([]*store.Message, tree.View, []*store.Message, error) {
	messages, err := o.store.GetConversationMessages(ctx, conversationID)
	if err != nil {
		return nil, tree.View{}, nil, o.storeErr(err, "conversation")
	}

	view := tree.View{ViewerID: userID}
	state, err := o.store.GetUIState(ctx, userID, conversationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, tree.View{}, nil, o.storeErr(err, "ui state")
	}
	if state != nil && state.IsDetached {
		view.Detached = state.DetachedBranches
	}

	path := o.projections.Project(conversationID, o.store.Version(conversationID), messages, view)
	return messages, view, path, nil
}

// resolveParent picks the attachment point for a new branch: an explicit
// parent wins, otherwise the tip of the viewer's visible path, otherwise the
// tree root.
func (o *Ops) resolveParent(path []*store.Message, view tree.View, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if len(path) == 0 {
		return store.RootParentID
	}
	tip := path[len(path)-1]
	activeID := tip.ActiveBranchID
	if override, ok := view.Detached[tip.ID]; ok && tip.Branch(override) != nil {
		activeID = override
	}
	return activeID
}

// placeBranch attaches a branch to the tree. A message already holding a
// same-role sibling at the same parent absorbs it as an alternative;
// otherwise a new message is created. The new branch becomes active either
// way. Reports whether a message was created.
func (o *Ops) placeBranch(ctx context.Context, conversationID string, messages []*store.Message, branch *store.Branch) (*store.Message, bool, error) {
	for _, m := range messages {
		for _, b := range m.Branches {
			if b.ParentBranchID == branch.ParentBranchID && b.Role == branch.Role {
				if err := o.store.AddMessageBranch(ctx, m.ID, branch); err != nil {
					return nil, false, err
				}
				if err := o.store.SetActiveBranch(ctx, m.ID, branch.ID); err != nil {
					return nil, false, err
				}
				updated, err := o.store.GetMessage(ctx, m.ID)
				return updated, false, err
			}
		}
	}

	created, err := o.store.CreateMessage(ctx, &store.CreateMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Branch:         branch,
	})
	return created, true, err
}

// implicitResponder synthesizes the standard-format assistant from the
// conversation's model.
func implicitResponder(conversation *store.Conversation) *store.Participant {
	return &store.Participant{
		ConversationID: conversation.ID,
		Role:           store.RoleAssistant,
		Model:          conversation.Model,
		IsActive:       true,
	}
}

// chatResponder resolves who answers a chat frame. Standard conversations
// always answer with the implicit assistant. Prefill conversations answer
// with the named responder, or nobody when none is named.
func (o *Ops) chatResponder(ctx context.Context, conversation *store.Conversation, responderID string) (*store.Participant, error) {
	if conversation.Format != store.FormatPrefill {
		return implicitResponder(conversation), nil
	}
	if responderID == "" {
		return nil, nil
	}
	return o.lookupResponder(ctx, conversation, responderID)
}

// continueResponder resolves who speaks on continue and post-edit
// regeneration. Prefill conversations fall back to the first active
// assistant participant when no responder is named.
func (o *Ops) continueResponder(ctx context.Context, conversation *store.Conversation, responderID string) (*store.Participant, error) {
	if conversation.Format != store.FormatPrefill {
		return implicitResponder(conversation), nil
	}
	if responderID != "" {
		return o.lookupResponder(ctx, conversation, responderID)
	}
	participants, err := o.store.GetConversationParticipants(ctx, conversation.ID)
	if err != nil {
		return nil, o.storeErr(err, "participants")
	}
	for _, p := range participants {
		if p.Role == store.RoleAssistant && p.IsActive {
			return p, nil
		}
	}
	return nil, chat.NewOpError(chat.CodeInvalidInput, "no assistant participant to continue with", "name a responderId")
}

// regenerateResponder prefers the original branch's participant, falling
// back to the implicit assistant pinned to the original branch's model.
func (o *Ops) regenerateResponder(ctx context.Context, conversation *store.Conversation, original *store.Branch) (*store.Participant, error) {
	if original.ParticipantID != "" {
		p, err := o.store.GetParticipant(ctx, original.ParticipantID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, o.storeErr(err, "responder")
		}
	}
	responder := implicitResponder(conversation)
	if original.Model != "" {
		responder.Model = original.Model
	}
	return responder, nil
}

func (o *Ops) lookupResponder(ctx context.Context, conversation *store.Conversation, responderID string) (*store.Participant, error) {
	p, err := o.store.GetParticipant(ctx, responderID)
	if err != nil {
		return nil, o.storeErr(err, "responder")
	}
	if p.ConversationID != conversation.ID {
		return nil, chat.NotFound("responder")
	}
	if p.Role != store.RoleAssistant {
		return nil, chat.InvalidInput("responder is not an assistant participant")
	}
	return p, nil
}

// launch places fresh assistant branches at parent and hands the plan to the
// coordinator. The coordinator call rides the session lifetime ctx so a
// connection close cancels the stream.
func (o *Ops) launch(ctx context.Context, caller chat.Sender, conversation *store.Conversation, responder *store.Participant, parent string, sampling int, view tree.View) error {
	return o.launchTargets(ctx, caller, conversation, responder, "", parent, sampling, view)
}

// launchInto is launch pinned to an existing message: the new branches join
// it as siblings instead of opening a new message.
func (o *Ops) launchInto(ctx context.Context, caller chat.Sender, conversation *store.Conversation, responder *store.Participant, messageID, parent string, sampling int, view tree.View) error {
	return o.launchTargets(ctx, caller, conversation, responder, messageID, parent, sampling, view)
}

func (o *Ops) launchTargets(ctx context.Context, caller chat.Sender, conversation *store.Conversation, responder *store.Participant, messageID, parent string, sampling int, view tree.View) error {
	modelID := responder.Model
	if modelID == "" {
		modelID = conversation.Model
	}
	if _, ok := o.pricing.Lookup(modelID); !ok {
		return chat.NewOpError(chat.CodePricingNotConfigured,
			"no pricing is configured for model "+modelID,
			"pick a model with configured pricing")
	}
	allowed, err := o.gate.Allowed(ctx, caller.UserID(), modelID)
	if err != nil {
		return o.storeErr(err, "credits")
	}
	if !allowed {
		return chat.NewOpError(chat.CodeInsufficientCredits,
			"you have no credits left for this model",
			"add an API key or top up your grant balance")
	}

	n := sampling
	if n < 1 {
		n = 1
	}
	if n > maxSamplingBranches {
		n = maxSamplingBranches
	}

	branches := make([]*store.Branch, 0, n)
	for i := 0; i < n; i++ {
		branches = append(branches, &store.Branch{
			ID:             uuid.NewString(),
			ParentBranchID: parent,
			Role:           store.RoleAssistant,
			ParticipantID:  responder.ID,
			Model:          modelID,
			CreatedTs:      o.now().Unix(),
		})
	}

	var message *store.Message
	created := false
	if messageID == "" {
		messages, merr := o.store.GetConversationMessages(ctx, conversation.ID)
		if merr != nil {
			return o.storeErr(merr, "conversation")
		}
		message, created, err = o.placeBranch(ctx, conversation.ID, messages, branches[0])
		if err != nil {
			return o.storeErr(err, "message")
		}
		messageID = message.ID
	} else {
		if err := o.store.AddMessageBranch(ctx, messageID, branches[0]); err != nil {
			return o.storeErr(err, "message")
		}
		if err := o.store.SetActiveBranch(ctx, messageID, branches[0].ID); err != nil {
			return o.storeErr(err, "message")
		}
	}
	for _, branch := range branches[1:] {
		if err := o.store.AddMessageBranch(ctx, messageID, branch); err != nil {
			return o.storeErr(err, "message")
		}
	}
	message, err = o.store.GetMessage(ctx, messageID)
	if err != nil {
		return o.storeErr(err, "message")
	}

	if created {
		o.rooms.Broadcast(conversation.ID, wire.NewMessageCreated(conversation.ID, message, branches[0]), nil)
	} else {
		o.rooms.Broadcast(conversation.ID, wire.NewMessageEdited(conversation.ID, message, branches[0]), nil)
	}

	// Context is the post-mutation visible path truncated before the target
	// message; the empty target branches never feed the provider.
	messages, err := o.store.GetConversationMessages(ctx, conversation.ID)
	if err != nil {
		return o.storeErr(err, "conversation")
	}
	full := o.projections.Project(conversation.ID, o.store.Version(conversation.ID), messages, view)
	path := full
	for i, m := range full {
		if m.ID == messageID {
			path = full[:i]
			break
		}
	}

	targets := make([]generate.Target, 0, len(branches))
	for _, branch := range branches {
		targets = append(targets, generate.Target{Message: message, Branch: branch})
	}

	plan := &generate.Plan{
		Conversation: conversation,
		Responder:    responder,
		Path:         path,
		MessageCount: len(path),
		Targets:      targets,
		Caller:       caller,
	}
	go o.coordinator.Generate(ctx, plan)
	return nil
}
