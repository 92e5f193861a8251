package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/branchtalk/chat/chattest"
	"github.com/hrygo/branchtalk/chat/credit"
	"github.com/hrygo/branchtalk/chat/generate"
	"github.com/hrygo/branchtalk/chat/ops"
	"github.com/hrygo/branchtalk/chat/prompt"
	"github.com/hrygo/branchtalk/store"
	"github.com/hrygo/branchtalk/wire"
)

func newTestDispatcher(t *testing.T, aiPerMinute float64, aiBurst int) (*Dispatcher, *chattest.MemStore) {
	t.Helper()
	s := chattest.NewMemStore()
	s.AddUser(&store.User{ID: "u1", Username: "alice"})
	s.AddConversation(&store.Conversation{ID: "c1", OwnerID: "u1", Model: "gpt-4o", Format: store.FormatStandard})
	s.SetGrant("u1", "openai", 1)

	pricing := chattest.Pricing("gpt-4o", "openai", "openai")
	rooms := NewRoomRegistry(nil)
	coordinator := generate.NewCoordinator(s, &chattest.Model{Chunks: []string{"Hi"}}, pricing,
		chattest.AllowAllFilter{}, rooms, nil, prompt.DefaultCLIMode())
	o := ops.New(ops.Config{
		Store:       s,
		Filter:      chattest.AllowAllFilter{},
		Gate:        credit.NewGate(s, pricing),
		Pricing:     pricing,
		Rooms:       rooms,
		Coordinator: coordinator,
	})
	return NewDispatcher(o, rooms, nil, aiPerMinute, aiBurst), s
}

type frame struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

func drainFrames(t *testing.T, s *Session) []frame {
	t.Helper()
	var frames []frame
	for {
		select {
		case data := <-s.send:
			var f frame
			require.NoError(t, json.Unmarshal(data, &f))
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func TestHandleMalformedFrame(t *testing.T) {
	d, _ := newTestDispatcher(t, 10, 3)
	s := testSession("u1", "Alice")

	d.Handle(s, []byte(`{not json`))
	frames := drainFrames(t, s)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.EventError, frames[0].Type)
	assert.Equal(t, "invalid_input", frames[0].Code)
}

func TestHandleMissingRequiredField(t *testing.T) {
	d, _ := newTestDispatcher(t, 10, 3)
	s := testSession("u1", "Alice")

	d.Handle(s, []byte(`{"type":"chat","conversationId":"c1"}`))
	frames := drainFrames(t, s)
	require.Len(t, frames, 1)
	assert.Equal(t, "invalid_input", frames[0].Code)
}

func TestHandleUnknownFrameType(t *testing.T) {
	d, _ := newTestDispatcher(t, 10, 3)
	s := testSession("u1", "Alice")

	d.Handle(s, []byte(`{"type":"teleport"}`))
	frames := drainFrames(t, s)
	require.Len(t, frames, 1)
	assert.Equal(t, "invalid_input", frames[0].Code)
}

func TestHandlePing(t *testing.T) {
	d, _ := newTestDispatcher(t, 10, 3)
	s := testSession("u1", "Alice")

	d.Handle(s, []byte(`{"type":"ping"}`))
	frames := drainFrames(t, s)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.EventPong, frames[0].Type)
}

func TestHandleJoinAndLeaveRoom(t *testing.T) {
	d, _ := newTestDispatcher(t, 10, 3)
	s := testSession("u1", "Alice")

	d.Handle(s, []byte(`{"type":"join_room","conversationId":"c1"}`))
	frames := drainFrames(t, s)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.EventRoomJoined, frames[0].Type)
	assert.Equal(t, []string{"c1"}, s.Rooms())

	d.Handle(s, []byte(`{"type":"leave_room","conversationId":"c1"}`))
	frames = drainFrames(t, s)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.EventRoomLeft, frames[0].Type)
	assert.Empty(t, s.Rooms())
}

func TestHandleTypingBroadcastExcludesSender(t *testing.T) {
	d, _ := newTestDispatcher(t, 10, 3)
	alice := testSession("u1", "Alice")
	bob := testSession("u2", "Bob")
	d.rooms.Join(alice, "c1")
	d.rooms.Join(bob, "c1")
	drainFrames(t, alice)
	drainFrames(t, bob)

	d.Handle(alice, []byte(`{"type":"typing","conversationId":"c1","isTyping":true}`))
	assert.Empty(t, drainFrames(t, alice))
	frames := drainFrames(t, bob)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.EventUserTyping, frames[0].Type)
}

func TestHandleOpErrorMapsToErrorEvent(t *testing.T) {
	d, _ := newTestDispatcher(t, 10, 3)
	s := testSession("u1", "Alice")

	d.Handle(s, []byte(`{"type":"chat","conversationId":"missing","content":"hi"}`))
	frames := drainFrames(t, s)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.EventError, frames[0].Type)
	assert.Equal(t, "not_found", frames[0].Code)
}

func TestHandleRateLimitsAIOps(t *testing.T) {
	d, _ := newTestDispatcher(t, 0.001, 1)
	s := testSession("u1", "Alice")

	// First AI op consumes the burst; it fails downstream but was admitted.
	d.Handle(s, []byte(`{"type":"chat","conversationId":"missing","content":"hi"}`))
	frames := drainFrames(t, s)
	require.Len(t, frames, 1)
	assert.Equal(t, "not_found", frames[0].Code)

	d.Handle(s, []byte(`{"type":"chat","conversationId":"missing","content":"hi"}`))
	frames = drainFrames(t, s)
	require.Len(t, frames, 1)
	assert.Equal(t, "rate_limited", frames[0].Code)

	// Non-AI ops bypass the limiter.
	d.Handle(s, []byte(`{"type":"ping"}`))
	frames = drainFrames(t, s)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.EventPong, frames[0].Type)
}

func TestHandleRateLimiterIsPerUser(t *testing.T) {
	d, _ := newTestDispatcher(t, 0.001, 1)
	alice := testSession("u1", "Alice")
	bob := testSession("u2", "Bob")

	d.Handle(alice, []byte(`{"type":"chat","conversationId":"missing","content":"hi"}`))
	drainFrames(t, alice)
	d.Handle(alice, []byte(`{"type":"chat","conversationId":"missing","content":"hi"}`))
	frames := drainFrames(t, alice)
	require.Len(t, frames, 1)
	assert.Equal(t, "rate_limited", frames[0].Code)

	// A different user still has their burst.
	d.Handle(bob, []byte(`{"type":"chat","conversationId":"missing","content":"hi"}`))
	frames = drainFrames(t, bob)
	require.Len(t, frames, 1)
	assert.Equal(t, "not_found", frames[0].Code)
}

func TestHandleMarkRead(t *testing.T) {
	d, memStore := newTestDispatcher(t, 10, 3)
	s := testSession("u1", "Alice")

	d.Handle(s, []byte(`{"type":"mark_read","conversationId":"c1","readBranchIds":["b1","b2"]}`))
	assert.Empty(t, drainFrames(t, s))

	state := memStore.UIStates["u1/c1"]
	require.NotNil(t, state)
	assert.Equal(t, []string{"b1", "b2"}, state.ReadBranchIDs)
}
