// Package client implements a reconnecting websocket session for talking to
// the realtime endpoint: exponential backoff, outbound buffering while
// offline, application-level keepalive, and room re-join after recovery.
package client

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// State of the session connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

const (
	// maxAttempts bounds reconnect retries; each retry sleeps its
	// backoffSchedule delay first, then the session parks in StateFailed
	// until Wake.
	maxAttempts = 5

	pingInterval = 15 * time.Second
	// deadAfter closes a connection that produced no inbound traffic; the
	// server answers pings, so silence means the link is gone.
	deadAfter = 45 * time.Second

	// settleDelay is how long a freshly recovered connection waits before
	// re-joining the room, letting the server finish the handshake fan-in.
	settleDelay = 250 * time.Millisecond

	writeWait = 10 * time.Second
)

var backoffSchedule = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second,
}

// Config for a Session. OnEvent receives every inbound frame; OnState is
// invoked on every transition. Both may be nil.
type Config struct {
	URL     string // full endpoint including the ?token= credential
	OnEvent func(frame []byte)
	OnState func(State)
	Dialer  *websocket.Dialer
}

// Session is a self-healing client connection. Outbound frames sent while
// offline are buffered and flushed in order on recovery.
type Session struct {
	cfg Config

	mu       sync.Mutex
	wmu      sync.Mutex // serializes writes on the live connection
	state    State
	conn     *websocket.Conn
	pending  [][]byte
	room     string
	attempts int
	closed   bool
	lastRecv time.Time

	wake chan struct{}
	done chan struct{}
}

func New(cfg Config) *Session {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Session{
		cfg:   cfg,
		state: StateDisconnected,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Connect starts the connection loop. It returns immediately; state
// transitions report progress.
func (s *Session) Connect() {
	go s.run()
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send queues one frame. Offline frames are buffered in order and flushed on
// the next recovery.
func (s *Session) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	conn := s.conn
	if s.state != StateConnected || conn == nil {
		s.pending = append(s.pending, data)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.write(conn, data)
}

// JoinRoom joins a conversation room, leaving the previous one first.
// Joining the current room again is a no-op. The room is re-joined
// automatically after every reconnect.
func (s *Session) JoinRoom(conversationID string) error {
	s.mu.Lock()
	previous := s.room
	if previous == conversationID {
		s.mu.Unlock()
		return nil
	}
	s.room = conversationID
	s.mu.Unlock()

	if previous != "" {
		if err := s.Send(map[string]string{"type": "leave_room", "conversationId": previous}); err != nil {
			return err
		}
	}
	return s.Send(map[string]string{"type": "join_room", "conversationId": conversationID})
}

// Wake restarts a failed or backing-off session immediately, resetting the
// backoff. Call it when the application regains foreground attention.
func (s *Session) Wake() {
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close ends the session for good; no reconnect follows.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	close(s.done)
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = conn.Close()
	}
	s.setState(StateDisconnected)
}

func (s *Session) run() {
	for {
		if s.isClosed() {
			return
		}

		s.setState(s.dialState())
		conn, _, err := s.cfg.Dialer.Dial(s.cfg.URL, nil)
		if err != nil {
			if !s.backoff() {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.attempts = 0
		s.lastRecv = time.Now()
		pending := s.pending
		s.pending = nil
		room := s.room
		s.mu.Unlock()
		s.setState(StateConnected)

		for _, data := range pending {
			if err := s.write(conn, data); err != nil {
				break
			}
		}
		if room != "" {
			time.Sleep(settleDelay)
			data, _ := json.Marshal(map[string]string{"type": "join_room", "conversationId": room})
			_ = s.write(conn, data)
		}

		stop := make(chan struct{})
		go s.keepalive(conn, stop)
		s.readLoop(conn)
		close(stop)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		if s.isClosed() {
			return
		}
	}
}

func (s *Session) dialState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts > 0 {
		return StateReconnecting
	}
	return StateConnecting
}

// backoff sleeps per the schedule. Every delay is slept before its retry;
// after maxAttempts failed retries the session parks in StateFailed until
// Wake. Reports false only when the session closed.
func (s *Session) backoff() bool {
	s.mu.Lock()
	s.attempts++
	attempts := s.attempts
	s.mu.Unlock()

	if attempts > maxAttempts {
		s.setState(StateFailed)
		select {
		case <-s.wake:
			return true
		case <-s.done:
			return false
		}
	}

	delay := backoffSchedule[attempts-1]
	slog.Debug("reconnect backoff", "attempt", attempts, "delay", delay)
	select {
	case <-time.After(delay):
		return true
	case <-s.wake:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.lastRecv = time.Now()
		s.mu.Unlock()
		if s.cfg.OnEvent != nil {
			s.cfg.OnEvent(data)
		}
	}
}

// keepalive sends application pings and enforces the dead-man timer: a link
// with no inbound traffic for deadAfter is closed to force a reconnect.
func (s *Session) keepalive(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	ping, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			silent := time.Since(s.lastRecv)
			s.mu.Unlock()
			if silent > deadAfter {
				slog.Warn("connection silent, forcing reconnect", "silent", silent)
				_ = conn.Close()
				return
			}
			if err := s.write(conn, ping); err != nil {
				return
			}
		case <-stop:
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) write(conn *websocket.Conn, data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	if s.cfg.OnState != nil {
		s.cfg.OnState(state)
	}
}
