package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/typekcz/loradataserver/internal/core/auth"
	"github.com/typekcz/loradataserver/internal/core/stats"
	"github.com/typekcz/loradataserver/internal/core/topic"
	"github.com/typekcz/loradataserver/internal/shell/api"
	"github.com/typekcz/loradataserver/internal/shell/bus"
	"github.com/typekcz/loradataserver/internal/shell/dbgw"
	"github.com/typekcz/loradataserver/internal/shell/ingest"
	"github.com/typekcz/loradataserver/internal/shell/profile"
	"github.com/typekcz/loradataserver/internal/shell/sandbox"
	"github.com/typekcz/loradataserver/internal/shell/store"
	"github.com/typekcz/loradataserver/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitBusError        = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// Server
// =============================================================================

// Server represents the data server process.
type Server struct {
	config     *Config
	httpServer *http.Server
	gateway    *dbgw.Postgres
	bus        *bus.MQTT
	ingestor   *ingest.Ingestor
	flusher    *workers.StatsFlusher
	logger     *slog.Logger
}

// NewServer connects to Postgres and the broker and wires the components.
func NewServer(ctx context.Context, cfg *Config, logger *slog.Logger) (*Server, error) {
	gw, err := dbgw.Open(ctx, dbgw.Config{
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		TenantMaxOpenConns: cfg.Database.TenantMaxOpenConns,
		RoleSecret:         cfg.Database.RoleSecret,
	}, logger)
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
	}

	if err := gw.Bootstrap(ctx); err != nil {
		gw.Close()
		return nil, &ServerError{Op: "Bootstrap", Err: err, ExitCode: ExitDatabaseError}
	}

	profiles, err := profile.New(profile.Config{
		URL:                cfg.Profile.URL,
		InsecureSkipVerify: cfg.Profile.InsecureSkipVerify,
		Timeout:            cfg.Profile.Timeout,
		CacheTTL:           cfg.Profile.CacheTTL,
		CacheSize:          cfg.Profile.CacheSize,
	}, logger)
	if err != nil {
		gw.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}

	st := store.New(gw, auth.NewChecker(profiles), logger)
	aggregator := stats.NewAggregator()

	mq, err := bus.Dial(ctx, bus.Config{
		URL:      cfg.MQTT.URL,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		QoS:      byte(cfg.MQTT.QoS),
	}, logger)
	if err != nil {
		gw.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitBusError}
	}

	ingestor := ingest.New(ingest.Deps{
		Devices:   st.Devices,
		Datasets:  st.Datasets,
		Sandbox:   sandbox.New(sandbox.Config{Timeout: cfg.Sandbox.Timeout}, logger),
		Downlinks: ingest.NewDownlinker(mq),
		Stats:     aggregator,
	}, ingest.Config{
		Workers:   cfg.Ingest.Workers,
		QueueSize: cfg.Ingest.QueueSize,
	}, logger)

	flusher := workers.NewStatsFlusher(aggregator, st.Devices, workers.StatsFlusherConfig{
		FlushTimeout: cfg.Stats.FlushTimeout,
	}, logger)

	handler := api.NewHandler(map[string]api.Pinger{
		"database": gw,
		"mqtt":     mq,
	}, aggregator, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		gateway:    gw,
		bus:        mq,
		ingestor:   ingestor,
		flusher:    flusher,
		logger:     logger,
	}, nil
}

// Start starts the workers, subscribes to device events and blocks until ctx
// is done or the HTTP server fails.
func (s *Server) Start(ctx context.Context) error {
	s.flusher.Start()

	// The queue is drained on Stop, after ctx is already done.
	if err := s.ingestor.Start(context.WithoutCancel(ctx)); err != nil {
		return &ServerError{Op: "Start", Err: err, ExitCode: ExitConfigError}
	}

	filter := s.config.MQTT.Topic
	if filter == "" {
		filter = topic.Subscription
	}
	if err := s.bus.Subscribe(filter, s.ingestor.Handle); err != nil {
		s.Shutdown(context.Background())
		return &ServerError{Op: "Subscribe", Err: err, ExitCode: ExitBusError}
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{Op: "Start", Err: err, ExitCode: ExitHTTPServerError}
	case <-ctx.Done():
		s.logger.Info("shutdown requested", "cause", context.Cause(ctx))
	}

	return s.Shutdown(context.Background())
}

// Shutdown stops intake first, drains the rx queue, flushes the pending
// stats and closes the database last.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := s.bus.Close(); err != nil {
		s.logger.Error("bus close error", "error", err)
	}

	s.ingestor.Stop()
	s.flusher.Stop()

	if err := s.gateway.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
