package client

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectSleepsFullScheduleBeforeFailing(t *testing.T) {
	orig := backoffSchedule
	backoffSchedule = []time.Duration{
		time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond,
	}
	t.Cleanup(func() { backoffSchedule = orig })

	var dials atomic.Int64
	var mu sync.Mutex
	var states []State

	s := New(Config{
		URL: "ws://127.0.0.1:1/ws",
		Dialer: &websocket.Dialer{
			NetDial: func(string, string) (net.Conn, error) {
				dials.Add(1)
				return nil, errors.New("connection refused")
			},
		},
		OnState: func(state State) {
			mu.Lock()
			states = append(states, state)
			mu.Unlock()
		},
	})
	t.Cleanup(s.Close)

	s.Connect()
	require.Eventually(t, func() bool { return s.State() == StateFailed }, 2*time.Second, 5*time.Millisecond)

	// The initial dial plus one retry per schedule entry; the last delay is
	// slept before the session parks.
	assert.Equal(t, int64(1+maxAttempts), dials.Load())

	mu.Lock()
	assert.Contains(t, states, StateConnecting)
	assert.Contains(t, states, StateReconnecting)
	mu.Unlock()

	s.Wake()
	require.Eventually(t, func() bool { return dials.Load() > int64(1+maxAttempts) }, 2*time.Second, 5*time.Millisecond)
}

func TestBackoffScheduleMatchesAttemptBudget(t *testing.T) {
	assert.Len(t, backoffSchedule, maxAttempts)
	assert.Equal(t, 10*time.Second, backoffSchedule[maxAttempts-1])
}
