// Package ws implements the realtime session layer: one Session per
// websocket connection, a connection registry multiplexing users across
// sessions, room membership with presence fan-out, and the inbound frame
// dispatcher.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lithammer/shortuuid/v4"

	"github.com/hrygo/branchtalk/store"
)

const (
	// sendBuffer bounds the outbound queue; a session that cannot drain it
	// is considered dead.
	sendBuffer = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second

	maxFrameSize = 1 << 20
)

// Session is one live websocket connection. A user may hold any number of
// sessions at once; events addressed to the user go to every session.
type Session struct {
	ID string

	user *store.User
	conn *websocket.Conn

	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	mu       sync.Mutex
	lastSeen time.Time
	rooms    map[string]bool
}

// NewSession wraps an upgraded connection. ctx is the parent lifetime; the
// session's own context is cancelled on Close, which in turn cancels every
// generation the session started.
func NewSession(ctx context.Context, conn *websocket.Conn, user *store.User) *Session {
	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		ID:       shortuuid.New(),
		user:     user,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		ctx:      sctx,
		cancel:   cancel,
		lastSeen: time.Now(),
		rooms:    make(map[string]bool),
	}
}

func (s *Session) UserID() string { return s.user.ID }

// DisplayName is the presence name shown to other room members.
func (s *Session) DisplayName() string { return s.user.ShortName() }

// Context is cancelled when the connection closes.
func (s *Session) Context() context.Context { return s.ctx }

// Send queues one event without blocking. A full buffer drops the event and
// reports false; the heartbeat sweep will reap the session shortly after.
func (s *Session) Send(event any) bool {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("event marshal failed", "session", s.ID, "error", err)
		return false
	}
	select {
	case s.send <- data:
		return true
	case <-s.ctx.Done():
		return false
	default:
		slog.Warn("outbound buffer full, dropping event", "session", s.ID, "user", s.user.ID)
		return false
	}
}

// Close tears the connection down exactly once.
func (s *Session) Close() {
	s.closeWith(websocket.CloseNormalClosure)
}

// CloseGoingAway closes with 1001; used when the server shuts down.
func (s *Session) CloseGoingAway() {
	s.closeWith(websocket.CloseGoingAway)
}

func (s *Session) closeWith(code int) {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
			_ = s.conn.Close()
		}
	})
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen is the time of the last inbound frame or pong.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) joinedRoom(conversationID string) {
	s.mu.Lock()
	s.rooms[conversationID] = true
	s.mu.Unlock()
}

func (s *Session) leftRoom(conversationID string) {
	s.mu.Lock()
	delete(s.rooms, conversationID)
	s.mu.Unlock()
}

// Rooms snapshots the conversations this session has joined.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

// WritePump drains the send queue onto the wire and keeps the connection
// alive with protocol pings. Runs on its own goroutine per session.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// ReadPump reads frames until the connection dies, invoking handle for each.
// handle runs serially per session; operations that stream spawn their own
// goroutines so the pump stays free to deliver aborts.
func (s *Session) ReadPump(handle func(*Session, []byte)) {
	defer s.Close()

	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("session read failed", "session", s.ID, "error", err)
			}
			return
		}
		s.touch()
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(s, data)
	}
}
