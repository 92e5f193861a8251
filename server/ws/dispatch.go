package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/hrygo/branchtalk/chat"
	"github.com/hrygo/branchtalk/chat/ops"
	"github.com/hrygo/branchtalk/metrics"
	"github.com/hrygo/branchtalk/wire"
)

// Dispatcher routes decoded frames to their handlers. Frames are handled
// serially per session; AI-producing operations hand off to the coordinator
// on their own goroutine, so the read pump never blocks on a stream.
type Dispatcher struct {
	ops       *ops.Ops
	rooms     *RoomRegistry
	collector *metrics.Collector

	aiRate  rate.Limit
	aiBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewDispatcher(o *ops.Ops, rooms *RoomRegistry, collector *metrics.Collector, aiPerMinute float64, aiBurst int) *Dispatcher {
	if aiPerMinute <= 0 {
		aiPerMinute = 10
	}
	if aiBurst <= 0 {
		aiBurst = 3
	}
	return &Dispatcher{
		ops:       o,
		rooms:     rooms,
		collector: collector,
		aiRate:    rate.Limit(aiPerMinute / 60),
		aiBurst:   aiBurst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Handle processes one inbound frame. Malformed frames answer with a single
// error event; the session stays open.
func (d *Dispatcher) Handle(s *Session, raw []byte) {
	env, err := wire.Decode(raw)
	if err != nil {
		s.Send(wire.NewError(chat.CodeInvalidInput, err.Error(), ""))
		return
	}
	d.collector.FrameReceived(env.Type)
	if err := env.Validate(); err != nil {
		s.Send(wire.NewError(chat.CodeInvalidInput, err.Error(), ""))
		return
	}

	// Generations outlive the frame: they ride the session context so a
	// disconnect cancels them.
	ctx := s.Context()

	switch env.Type {
	case wire.TypePing:
		s.Send(wire.NewPong())
		return
	case wire.TypeJoinRoom:
		users, active := d.rooms.Join(s, env.ConversationID)
		s.Send(wire.NewRoomJoined(env.ConversationID, users, active))
		return
	case wire.TypeLeaveRoom:
		d.rooms.Leave(s, env.ConversationID)
		s.Send(wire.NewRoomLeft(env.ConversationID))
		return
	case wire.TypeTyping:
		d.rooms.Broadcast(env.ConversationID,
			wire.NewUserTyping(env.ConversationID, s.UserID(), s.DisplayName(), env.IsTyping), s)
		return
	}

	if isAIOp(env.Type) && !d.limiter(s.UserID()).Allow() {
		s.Send(wire.NewError(chat.CodeRateLimited,
			"you are sending AI requests too quickly", "wait a moment before retrying"))
		return
	}

	err = d.dispatch(ctx, s, env)
	if err == nil {
		return
	}
	var opErr *chat.OpError
	if errors.As(err, &opErr) {
		s.Send(wire.NewError(opErr.Code, opErr.Message, opErr.Suggestion))
		return
	}
	slog.Error("operation failed", "type", env.Type, "user", s.UserID(), "error", err)
	s.Send(wire.NewError(chat.CodeServerError, "something went wrong, please retry", ""))
}

func (d *Dispatcher) dispatch(ctx context.Context, s *Session, env *wire.Envelope) error {
	switch env.Type {
	case wire.TypeAbort:
		return d.ops.Abort(ctx, s, env)
	case wire.TypeChat:
		return d.ops.Chat(ctx, s, env)
	case wire.TypeContinue:
		return d.ops.Continue(ctx, s, env)
	case wire.TypeRegenerate:
		return d.ops.Regenerate(ctx, s, env)
	case wire.TypeEdit:
		return d.ops.Edit(ctx, s, env)
	case wire.TypeDelete:
		return d.ops.Delete(ctx, s, env)
	case wire.TypeUpdateTitle:
		return d.ops.UpdateTitle(ctx, s, env)
	case wire.TypeUpdateSettings:
		return d.ops.UpdateSettings(ctx, s, env)
	case wire.TypeSetActiveBranch:
		return d.ops.SetActiveBranch(ctx, s, env)
	case wire.TypeSetBranchVisibility:
		return d.ops.SetBranchVisibility(ctx, s, env)
	case wire.TypeMarkRead:
		return d.ops.MarkRead(ctx, s, env)
	default:
		return chat.InvalidInput("unknown frame type " + env.Type)
	}
}

func isAIOp(frameType string) bool {
	switch frameType {
	case wire.TypeChat, wire.TypeContinue, wire.TypeRegenerate, wire.TypeEdit:
		return true
	}
	return false
}

func (d *Dispatcher) limiter(userID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[userID]
	if !ok {
		l = rate.NewLimiter(d.aiRate, d.aiBurst)
		d.limiters[userID] = l
	}
	return l
}
