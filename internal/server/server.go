package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/microcosm-cc/bluemonday"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tyrowin/gochat/internal/auth"
	"github.com/Tyrowin/gochat/internal/config"
	"github.com/Tyrowin/gochat/internal/files"
	"github.com/Tyrowin/gochat/internal/metrics"
	"github.com/Tyrowin/gochat/internal/notify"
	"github.com/Tyrowin/gochat/internal/ratelimit"
	"github.com/Tyrowin/gochat/internal/store"
)

// Deps are the collaborators a Server is built from. Files, Mail and
// Gatherer are optional.
type Deps struct {
	Config   *config.Config
	Auth     *auth.Service
	Store    store.Store
	Limiter  ratelimit.Limiter
	Files    *files.Service
	Mail     *notify.Dispatcher
	Metrics  metrics.Recorder
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the connection manager and message router.
type Server struct {
	cfg      *config.Config
	auth     *auth.Service
	store    store.Store
	limiter  ratelimit.Limiter
	files    *files.Service
	mail     *notify.Dispatcher
	metrics  metrics.Recorder
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	hub      *Hub
	routes   map[string]route
	validate *validator.Validate
	policy   *bluemonday.Policy
	upgrader websocket.Upgrader
	started  time.Time
}

// New wires a Server.
func New(d Deps) (*Server, error) {
	if d.Config == nil || d.Auth == nil || d.Store == nil || d.Limiter == nil {
		return nil, errors.New("server: config, auth, store and limiter are required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Noop{}
	}

	s := &Server{
		cfg:      d.Config,
		auth:     d.Auth,
		store:    d.Store,
		limiter:  d.Limiter,
		files:    d.Files,
		mail:     d.Mail,
		metrics:  d.Metrics,
		gatherer: d.Gatherer,
		logger:   d.Logger,
		hub:      NewHub(d.Logger, d.Metrics),
		validate: newValidator(),
		policy:   bluemonday.StrictPolicy(),
		started:  time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	routes, err := s.buildRoutes()
	if err != nil {
		return nil, err
	}
	s.routes = routes
	return s, nil
}

// Hub returns the live presence and room registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Shutdown closes every WebSocket connection and waits for teardown.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.hub.Shutdown(timeout)
}
