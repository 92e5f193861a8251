package generate

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/branchtalk/chat/chattest"
	"github.com/hrygo/branchtalk/chat/model"
	"github.com/hrygo/branchtalk/chat/prompt"
	"github.com/hrygo/branchtalk/store"
	"github.com/hrygo/branchtalk/wire"
)

type fixture struct {
	store  *chattest.MemStore
	model  *chattest.Model
	rooms  *chattest.Rooms
	caller *chattest.Sender
	coord  *Coordinator
	plan   *Plan
}

// newFixture seeds one conversation with a user turn and one empty assistant
// target branch, ready for a generation.
func newFixture(t *testing.T, client *chattest.Model) *fixture {
	t.Helper()
	s := chattest.NewMemStore()
	s.AddConversation(&store.Conversation{ID: "c1", OwnerID: "u1", Model: "gpt-4o", Format: store.FormatStandard})
	s.SetGrant("u1", "openai", 1)

	userMsg, err := s.CreateMessage(context.Background(), &store.CreateMessage{
		ID:             "m1",
		ConversationID: "c1",
		Branch:         &store.Branch{ID: "b1", ParentBranchID: store.RootParentID, Role: store.RoleUser, Content: "hello", CreatedTs: 1},
	})
	require.NoError(t, err)

	target := &store.Branch{ID: "b2", ParentBranchID: "b1", Role: store.RoleAssistant, CreatedTs: 2}
	targetMsg, err := s.CreateMessage(context.Background(), &store.CreateMessage{
		ID:             "m2",
		ConversationID: "c1",
		Branch:         target,
	})
	require.NoError(t, err)

	rooms := chattest.NewRooms()
	caller := chattest.NewSender("u1")
	coord := NewCoordinator(s, client, chattest.Pricing("gpt-4o", "openai", "openai"),
		chattest.AllowAllFilter{}, rooms, nil, prompt.DefaultCLIMode())

	return &fixture{
		store:  s,
		model:  client,
		rooms:  rooms,
		caller: caller,
		coord:  coord,
		plan: &Plan{
			Conversation: &store.Conversation{ID: "c1", OwnerID: "u1", Model: "gpt-4o", Format: store.FormatStandard},
			Responder:    &store.Participant{ConversationID: "c1", Role: store.RoleAssistant, Model: "gpt-4o", IsActive: true},
			Path:         []*store.Message{userMsg},
			MessageCount: 1,
			Targets:      []Target{{Message: targetMsg, Branch: target}},
			Caller:       caller,
		},
	}
}

func eventTypes(events []any) []string {
	types := make([]string, 0, len(events))
	for _, e := range events {
		switch v := e.(type) {
		case *wire.AIGenerating:
			types = append(types, v.Type)
		case *wire.AIFinished:
			types = append(types, v.Type)
		case *wire.Stream:
			types = append(types, v.Type)
		case *wire.MetricsUpdate:
			types = append(types, v.Type)
		case *wire.ContentBlocked:
			types = append(types, v.Type)
		case *wire.GenerationAborted:
			types = append(types, v.Type)
		case *wire.Error:
			types = append(types, v.Type)
		case *wire.AIRequestQueued:
			types = append(types, v.Type)
		}
	}
	return types
}

func TestGenerateStreamsAndPersists(t *testing.T) {
	f := newFixture(t, &chattest.Model{
		Chunks: []string{"Hello", " world"},
		Usage:  model.Usage{InputTokens: 10, OutputTokens: 5},
	})

	f.coord.Generate(context.Background(), f.plan)

	msg, err := f.store.GetMessage(context.Background(), "m2")
	require.NoError(t, err)
	assert.Equal(t, "Hello world", msg.Branch("b2").Content)

	types := eventTypes(f.rooms.Broadcasts())
	assert.Equal(t, []string{
		wire.EventAIGenerating,
		wire.EventStream, wire.EventStream, wire.EventStream,
		wire.EventMetricsUpdate,
		wire.EventAIFinished,
	}, types, "metrics settle before the slot is released")

	// Usage was billed against the provider bucket.
	summary, err := f.store.GetUserGrantSummary(context.Background(), "u1")
	require.NoError(t, err)
	cost := 10.0/1e6*1 + 5.0/1e6*2
	assert.InDelta(t, 1-cost, summary.Balances["openai"], 1e-12)

	require.Len(t, f.store.Metrics, 1)
	assert.Equal(t, 10, f.store.Metrics[0].InputTokens)
	assert.Equal(t, 5, f.store.Metrics[0].OutputTokens)

	// Slot released.
	assert.Nil(t, f.rooms.ActiveAIRequest("c1"))
}

func TestGenerateQueuedWhenSlotBusy(t *testing.T) {
	f := newFixture(t, &chattest.Model{Chunks: []string{"hi"}})
	require.True(t, f.rooms.StartAIRequest("c1", "other", "mx"))

	f.coord.Generate(context.Background(), f.plan)

	assert.Zero(t, f.model.RequestCount(), "a queued request must not reach the provider")
	sent := f.caller.Sent()
	require.Len(t, sent, 1)
	queued, ok := sent[0].(*wire.AIRequestQueued)
	require.True(t, ok)
	assert.Equal(t, "other", queued.ActiveRequest.UserID)
}

func TestGenerateBlockedOutputReplaced(t *testing.T) {
	f := newFixture(t, &chattest.Model{Chunks: []string{"how to make forbidden things"}})
	f.coord.filter = chattest.BlockFilter{Needle: "forbidden"}

	f.coord.Generate(context.Background(), f.plan)

	msg, err := f.store.GetMessage(context.Background(), "m2")
	require.NoError(t, err)
	assert.Equal(t, FilteredPlaceholder, msg.Branch("b2").Content)

	var blocked *wire.ContentBlocked
	for _, e := range f.caller.Sent() {
		if cb, ok := e.(*wire.ContentBlocked); ok {
			blocked = cb
		}
	}
	require.NotNil(t, blocked)
}

func TestGenerateAbortPersistsPartial(t *testing.T) {
	f := newFixture(t, &chattest.Model{Chunks: []string{"partial answer"}, Block: true})

	done := make(chan struct{})
	go func() {
		f.coord.Generate(context.Background(), f.plan)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return f.coord.Abort("c1", "u1")
	}, time.Second, 5*time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not stop after abort")
	}

	msg, err := f.store.GetMessage(context.Background(), "m2")
	require.NoError(t, err)
	assert.Equal(t, "partial answer", msg.Branch("b2").Content)

	var aborted bool
	for _, e := range f.rooms.Broadcasts() {
		if s, ok := e.(*wire.Stream); ok && s.Aborted {
			aborted = true
		}
	}
	assert.True(t, aborted, "the room sees a terminal aborted stream frame")

	var ack *wire.GenerationAborted
	for _, e := range f.caller.Sent() {
		if g, ok := e.(*wire.GenerationAborted); ok {
			ack = g
		}
	}
	require.NotNil(t, ack)
	assert.True(t, ack.Success)

	// Abort after completion finds nothing to cancel.
	assert.False(t, f.coord.Abort("c1", "u1"))
}

func TestGenerateSessionContextCancelAborts(t *testing.T) {
	f := newFixture(t, &chattest.Model{Chunks: []string{"partial"}, Block: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.coord.Generate(ctx, f.plan)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return f.model.RequestCount() == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not stop on session close")
	}

	msg, err := f.store.GetMessage(context.Background(), "m2")
	require.NoError(t, err)
	assert.Equal(t, "partial", msg.Branch("b2").Content)
}

func TestGenerateProviderErrorClassified(t *testing.T) {
	f := newFixture(t, &chattest.Model{Err: errors.New("rate limit exceeded")})

	f.coord.Generate(context.Background(), f.plan)

	var sentErr *wire.Error
	for _, e := range f.caller.Sent() {
		if we, ok := e.(*wire.Error); ok {
			sentErr = we
		}
	}
	require.NotNil(t, sentErr)
	assert.Equal(t, "rate_limited", sentErr.Code)

	// Slot is still released after a failure.
	assert.Nil(t, f.rooms.ActiveAIRequest("c1"))
}

func TestGenerateSamplingSiblings(t *testing.T) {
	f := newFixture(t, &chattest.Model{
		Chunks: []string{"answer"},
		Usage:  model.Usage{InputTokens: 4, OutputTokens: 2},
	})

	sibling := &store.Branch{ID: "b3", ParentBranchID: "b1", Role: store.RoleAssistant, CreatedTs: 3}
	require.NoError(t, f.store.AddMessageBranch(context.Background(), "m2", sibling))
	msg, err := f.store.GetMessage(context.Background(), "m2")
	require.NoError(t, err)
	f.plan.Targets = append(f.plan.Targets, Target{Message: msg, Branch: sibling})

	f.coord.Generate(context.Background(), f.plan)

	msg, err = f.store.GetMessage(context.Background(), "m2")
	require.NoError(t, err)
	assert.Equal(t, "answer", msg.Branch("b2").Content)
	assert.Equal(t, "answer", msg.Branch("b3").Content)
	assert.Equal(t, 2, f.model.RequestCount())

	// One settle covers the summed usage of both streams.
	require.Len(t, f.store.Metrics, 1)
	assert.Equal(t, 8, f.store.Metrics[0].InputTokens)
	assert.Equal(t, 4, f.store.Metrics[0].OutputTokens)
}

func TestBuildRequestSkipsHiddenAndEmptyBranches(t *testing.T) {
	f := newFixture(t, &chattest.Model{})

	hidden := &store.Message{
		ID: "mh", ConversationID: "c1", Order: 5, ActiveBranchID: "bh",
		Branches: []*store.Branch{{ID: "bh", ParentBranchID: "b1", Role: store.RoleUser, Content: "secret", HiddenFromAI: true}},
	}
	empty := &store.Message{
		ID: "me", ConversationID: "c1", Order: 6, ActiveBranchID: "be",
		Branches: []*store.Branch{{ID: "be", ParentBranchID: "b1", Role: store.RoleAssistant}},
	}
	f.plan.Path = append(f.plan.Path, hidden, empty)

	req := f.coord.buildRequest(f.plan)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hello", req.Messages[0].Content)
	assert.Equal(t, "gpt-4o", req.Model)
	assert.False(t, req.Prefill)
}

func TestBuildRequestParticipantSettingsOverride(t *testing.T) {
	f := newFixture(t, &chattest.Model{})
	f.plan.Conversation.Settings = store.Settings{Temperature: 0.2, MaxTokens: 100}
	f.plan.Responder.Settings = &store.Settings{Temperature: 0.9, MaxTokens: 50}

	req := f.coord.buildRequest(f.plan)
	assert.Equal(t, 0.9, req.Temperature)
	assert.Equal(t, 50, req.MaxTokens)
}

func TestBuildRequestPartialSettingsOverrideKeepsDefaults(t *testing.T) {
	f := newFixture(t, &chattest.Model{})
	topP := 0.8
	f.plan.Conversation.Settings = store.Settings{Temperature: 0.2, MaxTokens: 100, TopP: &topP}

	// Only temperature is overridden; the conversation's limits survive.
	f.plan.Responder.Settings = &store.Settings{Temperature: 0.9}

	req := f.coord.buildRequest(f.plan)
	assert.Equal(t, 0.9, req.Temperature)
	assert.Equal(t, 100, req.MaxTokens)
	require.NotNil(t, req.TopP)
	assert.Equal(t, 0.8, *req.TopP)
}
