// Package server is the HTTP signalling endpoint for browser clients.
//
// A client POSTs an SDP offer to /api/offer and gets an answer back. Each
// new peer connection starts a bot in its own goroutine. Session events are
// streamed to dashboard subscribers on /ws/events.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-sonicbot/internal/log"
	"github.com/teslashibe/go-sonicbot/pkg/hub"
	"github.com/teslashibe/go-sonicbot/pkg/transport/smallwebrtc"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = "localhost:7860"

const shutdownTimeout = 5 * time.Second

// Launcher runs a bot for peer until it finishes. ctx is cancelled when the
// server shuts down.
type Launcher func(ctx context.Context, peer smallwebrtc.Peer) error

// OfferRequest is the body of POST /api/offer.
type OfferRequest struct {
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
	PCID      string `json:"pc_id,omitempty"`
	RestartPC bool   `json:"restart_pc,omitempty"`
}

// Health is the body of GET /healthz.
type Health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Subscribers int    `json:"subscribers"`
}

// peerConnection is satisfied by *smallwebrtc.Connection.
type peerConnection interface {
	smallwebrtc.Peer
	Initialize(sdp, sdpType string) error
	Renegotiate(sdp, sdpType string, restart bool) error
	Answer() (smallwebrtc.Answer, error)
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithICEServers sets the STUN/TURN URLs handed to new connections.
func WithICEServers(urls ...string) Option {
	return func(s *Server) {
		s.iceServers = urls
	}
}

// WithStaticDir serves a client UI from dir at /.
func WithStaticDir(dir string) Option {
	return func(s *Server) {
		s.staticDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// Server accepts offers and owns the live connections.
type Server struct {
	app        *fiber.App
	addr       string
	iceServers []string
	staticDir  string
	launch     Launcher
	logger     *slog.Logger
	events     *hub.Hub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[string]peerConnection

	newConnection func() peerConnection
}

// New creates a server that starts a bot with launch for every new peer
// connection.
func New(launch Launcher, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:       DefaultAddr,
		iceServers: smallwebrtc.DefaultICEServers,
		launch:     launch,
		events:     hub.New("events"),
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[string]peerConnection),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Component("server")
	}
	s.newConnection = func() peerConnection {
		return smallwebrtc.NewConnection(
			smallwebrtc.WithICEServers(s.iceServers...),
			smallwebrtc.WithLogger(s.logger),
		)
	}

	app := fiber.New(fiber.Config{
		AppName:               "sonicbot",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Post("/offer", s.handleOffer)

	app.Get("/healthz", s.handleHealth)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(func(c *websocket.Conn) {
		s.events.Serve(c)
	}))

	if s.staticDir != "" {
		app.Static("/", s.staticDir)
	}

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Events returns the session event hub.
func (s *Server) Events() *hub.Hub { return s.events }

// Addr returns the listen address.
func (s *Server) Addr() string { return s.addr }

// Connections returns the number of tracked peer connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Run serves until ctx is done, then closes every connection and waits for
// running bots to exit.
func (s *Server) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go s.events.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "url", "http://"+s.addr)
		errCh <- s.app.Listen(s.addr)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		s.logger.Info("shutting down")
		err = s.app.ShutdownWithTimeout(shutdownTimeout)
	}

	s.Shutdown()
	return err
}

// Shutdown closes every connection, cancels running bots and waits for them
// to return.
func (s *Server) Shutdown() {
	s.cancel()

	s.mu.Lock()
	conns := make([]peerConnection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		s.logger.Warn("timed out waiting for bots to stop")
	}
}

func (s *Server) handleOffer(c *fiber.Ctx) error {
	var req OfferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid offer body")
	}
	if req.SDP == "" {
		return fiber.NewError(fiber.StatusBadRequest, "sdp is required")
	}

	if req.PCID != "" {
		if conn := s.lookup(req.PCID); conn != nil {
			s.logger.Info("renegotiating connection", "pc_id", req.PCID, "restart", req.RestartPC)
			if err := conn.Renegotiate(req.SDP, req.Type, req.RestartPC); err != nil {
				return offerError(err)
			}
			s.publish(hub.NewEvent(hub.EventSessionRenegotiated, req.PCID))
			return s.answer(c, conn)
		}
	}

	conn := s.newConnection()
	if err := conn.Initialize(req.SDP, req.Type); err != nil {
		conn.Close()
		return offerError(err)
	}
	s.track(conn)

	s.wg.Add(1)
	go s.run(conn)

	return s.answer(c, conn)
}

func (s *Server) answer(c *fiber.Ctx, conn peerConnection) error {
	answer, err := conn.Answer()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(answer)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(Health{
		Status:      "ok",
		Connections: s.Connections(),
		Subscribers: s.events.ClientCount(),
	})
}

func (s *Server) track(conn peerConnection) {
	id := conn.PCID()

	s.mu.Lock()
	s.conns[id] = conn
	s.mu.Unlock()

	conn.On(smallwebrtc.EventConnected, func() {
		s.publish(hub.NewEvent(hub.EventClientConnected, id))
	})
	conn.On(smallwebrtc.EventDisconnected, func() {
		s.publish(hub.NewEvent(hub.EventClientDisconnected, id))
	})
	conn.On(smallwebrtc.EventClosed, func() {
		s.forget(id)
	})
}

func (s *Server) lookup(id string) peerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[id]
}

func (s *Server) forget(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
	s.logger.Info("connection closed", "pc_id", id)
}

func (s *Server) run(conn peerConnection) {
	defer s.wg.Done()

	id := conn.PCID()
	s.publish(hub.NewEvent(hub.EventSessionStarted, id))

	err := s.launch(s.ctx, conn)

	ev := hub.NewEvent(hub.EventSessionEnded, id)
	if err != nil {
		ev.Error = err.Error()
		s.logger.Error("bot failed", "pc_id", id, "error", err)
	}
	conn.Close()
	s.publish(ev)
}

func (s *Server) publish(ev hub.Event) {
	if err := s.events.Publish(ev); err != nil {
		s.logger.Warn("publishing event", "type", ev.Type, "error", err)
	}
}

func offerError(err error) error {
	return fiber.NewError(fiber.StatusBadRequest, err.Error())
}
