// Package http exposes the dashboard and admin API over gorilla/mux.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/voltflux/powermon/internal/auth"
	"github.com/voltflux/powermon/internal/ingest"
	"github.com/voltflux/powermon/internal/persistence"
	"github.com/voltflux/powermon/internal/query"
	"github.com/voltflux/powermon/internal/subscribers"
	"github.com/voltflux/powermon/internal/telemetry"
)

// Config holds HTTP server settings.
type Config struct {
	Host           string        `yaml:"host" env:"HTTP_HOST"`
	Port           int           `yaml:"port" env:"HTTP_PORT"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	LoginRatePerSecond float64 `yaml:"login_rate_per_second"`
	LoginBurst         int     `yaml:"login_burst"`
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8080,
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       15 * time.Second,
		IdleTimeout:        60 * time.Second,
		RequestTimeout:     10 * time.Second,
		LoginRatePerSecond: 1,
		LoginBurst:         5,
	}
}

// Pinger is the health probe over the storage layer.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps bundles everything the API serves.
type Deps struct {
	Auth      *auth.Service
	Devices   *query.DeviceLister
	Engine    *query.Engine
	Repo      *persistence.Repository
	Manager   *ingest.Manager
	Publisher *ingest.PublishService
	Registry  *subscribers.Registry
	Metrics   *telemetry.Metrics
	Pinger    Pinger
}

// Server is the HTTP front of the service.
type Server struct {
	router *mux.Router
	server *http.Server
	config Config

	auth         *auth.Service
	devices      *query.DeviceLister
	engine       *query.Engine
	repo         *persistence.Repository
	manager      *ingest.Manager
	publisher    *ingest.PublishService
	registry     *subscribers.Registry
	metrics      *telemetry.Metrics
	pinger       Pinger
	loginLimiter *loginLimiter
}

// NewServer builds the router and the underlying http.Server.
func NewServer(config Config, deps Deps) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		config:       config,
		auth:         deps.Auth,
		devices:      deps.Devices,
		engine:       deps.Engine,
		repo:         deps.Repo,
		manager:      deps.Manager,
		publisher:    deps.Publisher,
		registry:     deps.Registry,
		metrics:      deps.Metrics,
		pinger:       deps.Pinger,
		loginLimiter: newLoginLimiter(config.LoginRatePerSecond, config.LoginBurst),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	login := s.router.PathPrefix("/v1/auth").Subrouter()
	login.Use(s.loginRateLimitMiddleware)
	login.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/devices", s.handleDeviceList).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/electricity", s.handleElectricity).Methods(http.MethodGet)
	api.HandleFunc("/subscribers", s.handleSubscribers).Methods(http.MethodGet)
	api.HandleFunc("/dead-letters", s.handleDeadLetters).Methods(http.MethodGet)

	admin := api.PathPrefix("/device-admin").Subrouter()
	admin.HandleFunc("/macs", s.handleAdminCreateDevice).Methods(http.MethodPost)
	admin.HandleFunc("/macs", s.handleAdminListDevices).Methods(http.MethodGet)
	admin.HandleFunc("/macs/{mac}", s.handleAdminUpdateDevice).Methods(http.MethodPatch)
	admin.HandleFunc("/macs/{mac}/publish", s.handleAdminPublish).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint")
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("http server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}
