package ops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/branchtalk/chat"
	"github.com/hrygo/branchtalk/chat/chattest"
	"github.com/hrygo/branchtalk/chat/credit"
	"github.com/hrygo/branchtalk/chat/generate"
	"github.com/hrygo/branchtalk/chat/model"
	"github.com/hrygo/branchtalk/chat/prompt"
	"github.com/hrygo/branchtalk/store"
	"github.com/hrygo/branchtalk/wire"
)

type opsFixture struct {
	store  *chattest.MemStore
	model  *chattest.Model
	rooms  *chattest.Rooms
	caller *chattest.Sender
	ops    *Ops
}

func newOpsFixture(t *testing.T, format store.Format) *opsFixture {
	t.Helper()
	s := chattest.NewMemStore()
	s.AddUser(&store.User{ID: "u1", Username: "alice"})
	s.AddConversation(&store.Conversation{ID: "c1", OwnerID: "u1", Model: "gpt-4o", Format: format})
	s.SetGrant("u1", "openai", 1)

	client := &chattest.Model{Chunks: []string{"Hi"}, Usage: model.Usage{InputTokens: 2, OutputTokens: 1}}
	rooms := chattest.NewRooms()
	pricing := chattest.Pricing("gpt-4o", "openai", "openai")
	filter := chattest.BlockFilter{Needle: "123-45-6789"}
	coordinator := generate.NewCoordinator(s, client, pricing, filter, rooms, nil, prompt.DefaultCLIMode())

	return &opsFixture{
		store:  s,
		model:  client,
		rooms:  rooms,
		caller: chattest.NewSender("u1"),
		ops: New(Config{
			Store:       s,
			Filter:      filter,
			Gate:        credit.NewGate(s, pricing),
			Pricing:     pricing,
			Rooms:       rooms,
			Coordinator: coordinator,
		}),
	}
}

// seedTurn inserts one user turn and returns its message.
func (f *opsFixture) seedTurn(t *testing.T, id, branchID, parent, content string) *store.Message {
	t.Helper()
	msg, err := f.store.CreateMessage(context.Background(), &store.CreateMessage{
		ID:             id,
		ConversationID: "c1",
		Branch:         &store.Branch{ID: branchID, ParentBranchID: parent, Role: store.RoleUser, Content: content, CreatedTs: time.Now().Unix()},
	})
	require.NoError(t, err)
	return msg
}

// seedAssistant inserts one assistant turn.
func (f *opsFixture) seedAssistant(t *testing.T, id, branchID, parent, content string) *store.Message {
	t.Helper()
	msg, err := f.store.CreateMessage(context.Background(), &store.CreateMessage{
		ID:             id,
		ConversationID: "c1",
		Branch:         &store.Branch{ID: branchID, ParentBranchID: parent, Role: store.RoleAssistant, Content: content, Model: "gpt-4o", CreatedTs: time.Now().Unix()},
	})
	require.NoError(t, err)
	return msg
}

// waitGenerated blocks until the coordinator releases the AI slot.
func (f *opsFixture) waitGenerated(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, e := range f.rooms.Broadcasts() {
			if _, ok := e.(*wire.AIFinished); ok {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func (f *opsFixture) assistantMessages(t *testing.T) []*store.Message {
	t.Helper()
	messages, err := f.store.GetConversationMessages(context.Background(), "c1")
	require.NoError(t, err)
	var out []*store.Message
	for _, m := range messages {
		for _, b := range m.Branches {
			if b.Role == store.RoleAssistant {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

func TestChatStandardGeneratesReply(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)

	err := f.ops.Chat(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeChat, ConversationID: "c1", Content: "hello there",
	})
	require.NoError(t, err)
	f.waitGenerated(t)

	assistants := f.assistantMessages(t)
	require.Len(t, assistants, 1)
	assert.Equal(t, "Hi", assistants[0].ActiveBranch().Content)

	// The user branch parents the assistant branch.
	messages, err := f.store.GetConversationMessages(context.Background(), "c1")
	require.NoError(t, err)
	var userBranch *store.Branch
	for _, m := range messages {
		for _, b := range m.Branches {
			if b.Role == store.RoleUser {
				userBranch = b
			}
		}
	}
	require.NotNil(t, userBranch)
	assert.Equal(t, userBranch.ID, assistants[0].ActiveBranch().ParentBranchID)
	assert.Equal(t, "hello there", userBranch.Content)
}

func TestChatHiddenBranchNeverGenerates(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)

	err := f.ops.Chat(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeChat, ConversationID: "c1", Content: "note to self", HiddenFromAI: true,
	})
	require.NoError(t, err)

	assert.Zero(t, f.model.RequestCount())
	assert.Empty(t, f.assistantMessages(t))

	messages, err := f.store.GetConversationMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.True(t, messages[0].ActiveBranch().HiddenFromAI)
}

func TestChatBlockedContentMutatesNothing(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)

	err := f.ops.Chat(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeChat, ConversationID: "c1", Content: "my ssn is 123-45-6789",
	})
	require.NoError(t, err)

	messages, err := f.store.GetConversationMessages(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, messages)

	sent := f.caller.Sent()
	require.Len(t, sent, 1)
	_, ok := sent[0].(*wire.ContentBlocked)
	assert.True(t, ok)
}

func TestChatPrefillWithoutResponderStoresOnly(t *testing.T) {
	f := newOpsFixture(t, store.FormatPrefill)

	err := f.ops.Chat(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeChat, ConversationID: "c1", Content: "anyone?",
	})
	require.NoError(t, err)

	assert.Zero(t, f.model.RequestCount())
	messages, err := f.store.GetConversationMessages(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestChatPricingNotConfigured(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)
	f.store.Conversations["c1"].Model = "mystery-model"

	err := f.ops.Chat(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeChat, ConversationID: "c1", Content: "hello",
	})
	var opErr *chat.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, chat.CodePricingNotConfigured, opErr.Code)

	// The user turn survives even though generation was refused.
	messages, merr := f.store.GetConversationMessages(context.Background(), "c1")
	require.NoError(t, merr)
	assert.Len(t, messages, 1)
}

func TestChatInsufficientCredits(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)
	f.store.SetGrant("u1", "openai", 0)

	err := f.ops.Chat(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeChat, ConversationID: "c1", Content: "hello",
	})
	var opErr *chat.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, chat.CodeInsufficientCredits, opErr.Code)
}

func TestChatPermissionDenied(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)
	stranger := chattest.NewSender("u2")

	err := f.ops.Chat(context.Background(), stranger, &wire.Envelope{
		Type: wire.TypeChat, ConversationID: "c1", Content: "hello",
	})
	var opErr *chat.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, chat.CodePermissionDenied, opErr.Code)
}

func TestChatUnknownConversation(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)

	err := f.ops.Chat(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeChat, ConversationID: "nope", Content: "hello",
	})
	var opErr *chat.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, chat.CodeNotFound, opErr.Code)
}

func TestChatSamplingBranchesShareOneMessage(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)

	err := f.ops.Chat(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeChat, ConversationID: "c1", Content: "hello", SamplingBranches: 3,
	})
	require.NoError(t, err)
	f.waitGenerated(t)

	assistants := f.assistantMessages(t)
	require.Len(t, assistants, 1, "alternatives live on one message")
	assert.Len(t, assistants[0].Branches, 3)
	for _, b := range assistants[0].Branches {
		assert.Equal(t, "Hi", b.Content)
	}
	assert.Equal(t, 3, f.model.RequestCount())
}

func TestChatSamplingClamped(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)

	err := f.ops.Chat(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeChat, ConversationID: "c1", Content: "hello", SamplingBranches: 9,
	})
	require.NoError(t, err)
	f.waitGenerated(t)

	assistants := f.assistantMessages(t)
	require.Len(t, assistants, 1)
	assert.Len(t, assistants[0].Branches, maxSamplingBranches)
}

func TestContinueAppendsAssistantTurn(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)
	f.seedTurn(t, "m1", "b1", store.RootParentID, "tell me more")

	err := f.ops.Continue(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeContinue, ConversationID: "c1",
	})
	require.NoError(t, err)
	f.waitGenerated(t)

	assistants := f.assistantMessages(t)
	require.Len(t, assistants, 1)
	assert.Equal(t, "b1", assistants[0].ActiveBranch().ParentBranchID)
}

func TestContinuePrefillFallsBackToFirstActiveAssistant(t *testing.T) {
	f := newOpsFixture(t, store.FormatPrefill)
	f.store.AddParticipant(&store.Participant{ID: "p-muted", ConversationID: "c1", Name: "Muted", Role: store.RoleAssistant, Model: "gpt-4o", IsActive: false})
	f.store.AddParticipant(&store.Participant{ID: "p-ada", ConversationID: "c1", Name: "Ada", Role: store.RoleAssistant, Model: "gpt-4o", IsActive: true})
	f.seedTurn(t, "m1", "b1", store.RootParentID, "hello Ada")

	err := f.ops.Continue(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeContinue, ConversationID: "c1",
	})
	require.NoError(t, err)
	f.waitGenerated(t)

	assistants := f.assistantMessages(t)
	require.Len(t, assistants, 1)
	assert.Equal(t, "p-ada", assistants[0].ActiveBranch().ParticipantID)
}

func TestContinuePrefillWithoutAssistantFails(t *testing.T) {
	f := newOpsFixture(t, store.FormatPrefill)
	f.seedTurn(t, "m1", "b1", store.RootParentID, "hello")

	err := f.ops.Continue(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeContinue, ConversationID: "c1",
	})
	var opErr *chat.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, chat.CodeInvalidInput, opErr.Code)
}

func TestRegenerateJoinsOriginalMessage(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)
	f.seedTurn(t, "m1", "b1", store.RootParentID, "question")
	f.seedAssistant(t, "m2", "b2", "b1", "old answer")

	err := f.ops.Regenerate(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeRegenerate, ConversationID: "c1", MessageID: "m2", BranchID: "b2",
	})
	require.NoError(t, err)
	f.waitGenerated(t)

	msg, gerr := f.store.GetMessage(context.Background(), "m2")
	require.NoError(t, gerr)
	require.Len(t, msg.Branches, 2, "the fresh alternative joins the original message")
	assert.Equal(t, "old answer", msg.Branch("b2").Content, "the original branch is untouched")
	assert.Equal(t, "Hi", msg.ActiveBranch().Content)
	assert.NotEqual(t, "b2", msg.ActiveBranchID)
}

func TestRegenerateRejectsUserBranch(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)
	f.seedTurn(t, "m1", "b1", store.RootParentID, "question")

	err := f.ops.Regenerate(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeRegenerate, ConversationID: "c1", MessageID: "m1", BranchID: "b1",
	})
	var opErr *chat.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, chat.CodeInvalidInput, opErr.Code)
}

func TestEditUserBranchRegeneratesFollowUp(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)
	f.seedTurn(t, "m1", "b1", store.RootParentID, "original question")
	f.seedAssistant(t, "m2", "b2", "b1", "old answer")

	err := f.ops.Edit(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeEdit, ConversationID: "c1", MessageID: "m1", BranchID: "b1",
		Content: "better question",
	})
	require.NoError(t, err)
	f.waitGenerated(t)

	edited, gerr := f.store.GetMessage(context.Background(), "m1")
	require.NoError(t, gerr)
	require.Len(t, edited.Branches, 2, "editing adds a sibling, never rewrites in place")
	assert.Equal(t, "original question", edited.Branch("b1").Content)
	assert.Equal(t, "better question", edited.ActiveBranch().Content)

	followUp, gerr := f.store.GetMessage(context.Background(), "m2")
	require.NoError(t, gerr)
	require.Len(t, followUp.Branches, 2, "the follow-up gains a fresh alternative")
	fresh := followUp.ActiveBranch()
	assert.Equal(t, edited.ActiveBranchID, fresh.ParentBranchID, "the regeneration parents at the edited branch")
	assert.Equal(t, "Hi", fresh.Content)
}

func TestEditAssistantBranchSkipsRegeneration(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)
	f.seedTurn(t, "m1", "b1", store.RootParentID, "question")
	f.seedAssistant(t, "m2", "b2", "b1", "answer")

	err := f.ops.Edit(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeEdit, ConversationID: "c1", MessageID: "m2", BranchID: "b2",
		Content: "hand-corrected answer",
	})
	require.NoError(t, err)

	assert.Zero(t, f.model.RequestCount())
	msg, gerr := f.store.GetMessage(context.Background(), "m2")
	require.NoError(t, gerr)
	assert.Len(t, msg.Branches, 2)
	assert.Equal(t, "hand-corrected answer", msg.ActiveBranch().Content)
}

func TestEditSkipRegenerationFlag(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)
	f.seedTurn(t, "m1", "b1", store.RootParentID, "question")
	f.seedAssistant(t, "m2", "b2", "b1", "answer")

	err := f.ops.Edit(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeEdit, ConversationID: "c1", MessageID: "m1", BranchID: "b1",
		Content: "reworded question", SkipRegeneration: true,
	})
	require.NoError(t, err)

	assert.Zero(t, f.model.RequestCount())
	followUp, gerr := f.store.GetMessage(context.Background(), "m2")
	require.NoError(t, gerr)
	assert.Len(t, followUp.Branches, 1)
}

func TestDeleteCascades(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)
	f.seedTurn(t, "m1", "b1", store.RootParentID, "root")
	f.seedAssistant(t, "m2", "b2", "b1", "answer")
	f.seedTurn(t, "m3", "b3", "b2", "follow up")

	err := f.ops.Delete(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeDelete, ConversationID: "c1", MessageID: "m2", BranchID: "b2",
	})
	require.NoError(t, err)

	messages, gerr := f.store.GetConversationMessages(context.Background(), "c1")
	require.NoError(t, gerr)
	require.Len(t, messages, 1)
	assert.Equal(t, "m1", messages[0].ID)

	var deleted *wire.MessageDeleted
	for _, e := range f.rooms.Broadcasts() {
		if d, ok := e.(*wire.MessageDeleted); ok {
			deleted = d
		}
	}
	require.NotNil(t, deleted)
	assert.ElementsMatch(t, []string{"m2", "m3"}, deleted.DeletedMessages)
}

func TestDeleteRequiresDeletePermission(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)
	f.seedTurn(t, "m1", "b1", store.RootParentID, "root")
	f.store.SetPermission("c1", "u2", store.Permission{CanChat: true, CanDelete: false})
	guest := chattest.NewSender("u2")

	err := f.ops.Delete(context.Background(), guest, &wire.Envelope{
		Type: wire.TypeDelete, ConversationID: "c1", MessageID: "m1", BranchID: "b1",
	})
	var opErr *chat.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, chat.CodePermissionDenied, opErr.Code)
}

func TestSetActiveBranchDetachedViewer(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)
	msg := f.seedTurn(t, "m1", "b1", store.RootParentID, "root")
	require.NoError(t, f.store.AddMessageBranch(context.Background(), "m1", &store.Branch{
		ID: "b1x", ParentBranchID: store.RootParentID, Role: store.RoleUser, Content: "alt",
	}))
	require.NoError(t, f.store.UpsertUIState(context.Background(), &store.UIState{
		UserID: "u1", ConversationID: "c1", IsDetached: true,
	}))

	err := f.ops.SetActiveBranch(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeSetActiveBranch, ConversationID: "c1", MessageID: "m1", BranchID: "b1x",
	})
	require.NoError(t, err)

	// Shared pointer untouched; only the viewer's override moved.
	assert.Equal(t, "b1", msg.ActiveBranchID)
	state, gerr := f.store.GetUIState(context.Background(), "u1", "c1")
	require.NoError(t, gerr)
	assert.Equal(t, "b1x", state.DetachedBranches["m1"])

	sent := f.caller.Sent()
	require.Len(t, sent, 1)
	changed, ok := sent[0].(*wire.ActiveBranchChanged)
	require.True(t, ok)
	assert.True(t, changed.Detached)
	assert.Empty(t, f.rooms.Broadcasts(), "detached switches are never broadcast")
}

func TestSetActiveBranchShared(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)
	f.seedTurn(t, "m1", "b1", store.RootParentID, "root")
	require.NoError(t, f.store.AddMessageBranch(context.Background(), "m1", &store.Branch{
		ID: "b1x", ParentBranchID: store.RootParentID, Role: store.RoleUser, Content: "alt",
	}))

	err := f.ops.SetActiveBranch(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeSetActiveBranch, ConversationID: "c1", MessageID: "m1", BranchID: "b1x",
	})
	require.NoError(t, err)

	msg, gerr := f.store.GetMessage(context.Background(), "m1")
	require.NoError(t, gerr)
	assert.Equal(t, "b1x", msg.ActiveBranchID)
	require.Len(t, f.rooms.Broadcasts(), 1)
}

func TestSetBranchVisibility(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)
	f.seedTurn(t, "m1", "b1", store.RootParentID, "root")

	err := f.ops.SetBranchVisibility(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeSetBranchVisibility, ConversationID: "c1", MessageID: "m1", BranchID: "b1",
		HiddenFromAI: true,
	})
	require.NoError(t, err)

	msg, gerr := f.store.GetMessage(context.Background(), "m1")
	require.NoError(t, gerr)
	assert.True(t, msg.Branch("b1").HiddenFromAI)
}

func TestMarkReadMergesWithoutDuplicates(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)

	require.NoError(t, f.ops.MarkRead(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeMarkRead, ConversationID: "c1", ReadBranchIDs: []string{"b1", "b2"},
	}))
	require.NoError(t, f.ops.MarkRead(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeMarkRead, ConversationID: "c1", ReadBranchIDs: []string{"b2", "b3"},
	}))

	state, err := f.store.GetUIState(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2", "b3"}, state.ReadBranchIDs)
	assert.Empty(t, f.rooms.Broadcasts())
}

func TestUpdateTitleBroadcasts(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)

	err := f.ops.UpdateTitle(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeUpdateTitle, ConversationID: "c1", Title: "Renamed",
	})
	require.NoError(t, err)

	assert.Equal(t, "Renamed", f.store.Conversations["c1"].Title)
	require.Len(t, f.rooms.Broadcasts(), 1)
	updated, ok := f.rooms.Broadcasts()[0].(*wire.ConversationUpdated)
	require.True(t, ok)
	assert.Equal(t, "Renamed", updated.Conversation.Title)
}

func TestAbortWithoutGeneration(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)

	err := f.ops.Abort(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeAbort, ConversationID: "c1",
	})
	require.NoError(t, err)

	sent := f.caller.Sent()
	require.Len(t, sent, 1)
	aborted, ok := sent[0].(*wire.GenerationAborted)
	require.True(t, ok)
	assert.False(t, aborted.Success)
}

func TestAgeVerificationGate(t *testing.T) {
	f := newOpsFixture(t, store.FormatStandard)
	f.ops.requireAgeCheck = true

	err := f.ops.Chat(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeChat, ConversationID: "c1", Content: "hello",
	})
	var opErr *chat.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, chat.CodePermissionDenied, opErr.Code)

	f.store.Users["u1"].AgeVerified = true
	err = f.ops.Chat(context.Background(), f.caller, &wire.Envelope{
		Type: wire.TypeChat, ConversationID: "c1", Content: "hello",
	})
	require.NoError(t, err)
}
