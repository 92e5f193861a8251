// Package server wires the realtime core together and exposes it over HTTP:
// the websocket endpoint, health, and metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/hrygo/branchtalk/chat/credit"
	"github.com/hrygo/branchtalk/chat/filter"
	"github.com/hrygo/branchtalk/chat/generate"
	"github.com/hrygo/branchtalk/chat/model"
	"github.com/hrygo/branchtalk/chat/ops"
	"github.com/hrygo/branchtalk/chat/pricing"
	"github.com/hrygo/branchtalk/chat/prompt"
	"github.com/hrygo/branchtalk/internal/profile"
	"github.com/hrygo/branchtalk/metrics"
	"github.com/hrygo/branchtalk/server/ws"
	"github.com/hrygo/branchtalk/store"
	"github.com/hrygo/branchtalk/wire"
)

type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
	collector  *metrics.Collector
	rooms      *ws.RoomRegistry
	conns      *ws.ConnectionRegistry
	dispatcher *ws.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	upgrader websocket.Upgrader
}

func NewServer(ctx context.Context, instanceProfile *profile.Profile, storeInstance *store.Store) (*Server, error) {
	serverCtx, cancel := context.WithCancel(ctx)

	collector := metrics.NewCollector()
	rooms := ws.NewRoomRegistry(collector)
	conns := ws.NewConnectionRegistry(rooms, collector)

	priceTable := pricing.Default()
	contentFilter := filter.New(filter.DefaultConfig())
	client := model.NewOpenAIClient(instanceProfile.ModelAPIKey, instanceProfile.ModelBaseURL,
		time.Duration(instanceProfile.ModelTimeout)*time.Second)

	cliMode := prompt.CLIModeConfig{
		Enabled:          instanceProfile.CLIModeEnabled,
		MessageThreshold: instanceProfile.CLIModeThreshold,
	}
	coordinator := generate.NewCoordinator(storeInstance, client, priceTable, contentFilter, rooms, collector, cliMode)
	gate := credit.NewGate(storeInstance, priceTable)

	conversationOps := ops.New(ops.Config{
		Store:           storeInstance,
		Filter:          contentFilter,
		Gate:            gate,
		Pricing:         priceTable,
		Rooms:           rooms,
		Coordinator:     coordinator,
		RequireAgeCheck: instanceProfile.RequireAgeCheck,
	})
	dispatcher := ws.NewDispatcher(conversationOps, rooms, collector,
		float64(instanceProfile.AIRatePerMinute), instanceProfile.AIRateBurst)

	s := &Server{
		Profile:    instanceProfile,
		Store:      storeInstance,
		collector:  collector,
		rooms:      rooms,
		conns:      conns,
		dispatcher: dispatcher,
		ctx:        serverCtx,
		cancel:     cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origins are left to the deployment's reverse proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "Service ready.")
	})
	e.GET("/metrics", echo.WrapHandler(collector.Handler()))
	e.GET("/api/v1/ws", s.handleWebsocket)

	s.echoServer = e
	return s, nil
}

// Start serves in the background and returns immediately; errors after bind
// are logged, matching echo's behavior behind a signal-driven main.
func (s *Server) Start(_ context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	go func() {
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown closes every session, stops the HTTP listener, and releases the
// store.
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	s.cancel()
	s.conns.CloseAll()

	if err := s.echoServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown http server", "error", err)
	}
	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}
	slog.Info("server shutdown complete")
}

// handleWebsocket upgrades, authenticates the ?token= credential, and runs
// the session pumps until the connection dies. A bad token closes the
// upgraded connection with 1008 so clients can tell rejection from outage.
func (s *Server) handleWebsocket(c echo.Context) error {
	user, authErr := s.authenticate(c.Request().Context(), c.QueryParam("token"))

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return errors.Wrap(err, "websocket upgrade")
	}

	if authErr != nil {
		slog.Warn("websocket auth failed", "remote", c.RealIP(), "error", authErr)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"),
			time.Now().Add(10*time.Second))
		_ = conn.Close()
		return nil
	}

	session := ws.NewSession(s.ctx, conn, user)
	s.conns.Register(session)
	go session.WritePump()

	session.Send(wire.NewConnected(session.ID, user.ID))

	session.ReadPump(s.dispatcher.Handle)
	s.conns.Unregister(session)
	return nil
}

// authenticate resolves an "<id>.<secret>" token against its stored bcrypt
// hash.
func (s *Server) authenticate(ctx context.Context, token string) (*store.User, error) {
	id, secret, found := strings.Cut(token, ".")
	if !found || id == "" || secret == "" {
		return nil, errors.New("malformed token")
	}
	accessToken, err := s.Store.GetAccessToken(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "token lookup")
	}
	if bcrypt.CompareHashAndPassword([]byte(accessToken.SecretHash), []byte(secret)) != nil {
		return nil, errors.New("secret mismatch")
	}
	return s.Store.GetUserByID(ctx, accessToken.UserID)
}
