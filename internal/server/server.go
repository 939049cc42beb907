// Package server terminates agent TCP connections and runs the
// per-connection protocol handlers.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridwise/gridagent-server/internal/codec"
	"github.com/gridwise/gridagent-server/internal/domain"
	"github.com/gridwise/gridagent-server/internal/metrics"
	"github.com/gridwise/gridagent-server/internal/store"
)

// Config holds the listener and scheduler settings.
type Config struct {
	// ListenAddr is the TCP address agents connect to.
	ListenAddr string

	// PollInterval is the measurement poll period.
	PollInterval time.Duration

	// PollStartupDelay runs between registration and scheduler start.
	PollStartupDelay time.Duration

	// PollStartDelay runs between scheduler start and poll-timer arming.
	PollStartDelay time.Duration

	// TimeSyncInterval is the clock synchronization period. The first
	// sync goes out immediately after the start-up delay.
	TimeSyncInterval time.Duration

	// TimeSyncTolerance is the acceptable drift between the agent clock
	// and the server clock.
	TimeSyncTolerance time.Duration

	// DefaultProtocolVersion is the codec version assumed for a peer
	// before identification resolves its stored version.
	DefaultProtocolVersion uint8

	// OutboundQueueSize bounds the per-connection write queue.
	OutboundQueueSize int

	// WorkQueueSize bounds the per-connection inbound FIFO.
	WorkQueueSize int

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the deployed defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:             ":30001",
		PollInterval:           60 * time.Second,
		PollStartupDelay:       10 * time.Second,
		PollStartDelay:         15 * time.Second,
		TimeSyncInterval:       24 * time.Hour,
		TimeSyncTolerance:      15 * time.Second,
		DefaultProtocolVersion: codec.Version2,
		OutboundQueueSize:      256,
		WorkQueueSize:          64,
		ShutdownTimeout:        30 * time.Second,
	}
}

// Stats tracks server-level counters.
type Stats struct {
	ConnectionsAccepted atomic.Uint64
	ConnectionsClosed   atomic.Uint64
}

// Server owns the listener and the session registry.
type Server struct {
	cfg      Config
	store    store.Store
	registry *Registry
	metrics  *metrics.Registry
	logger   zerolog.Logger
	stats    *Stats

	now          func() time.Time
	onRegister   func(domain.MAC)
	onUnregister func(domain.MAC)

	listener net.Listener
	started  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a server; Run starts it.
func New(cfg Config, st store.Store, metricsReg *metrics.Registry, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		registry: NewRegistry(),
		metrics:  metricsReg,
		logger:   logger.With().Str("component", "server").Logger(),
		stats:    &Stats{},
		now:      time.Now,
	}
}

// Registry exposes the session registry for command routing.
func (s *Server) Registry() *Registry { return s.registry }

// Stats exposes the server counters.
func (s *Server) Stats() *Stats { return s.stats }

// SetRegistrationHooks installs callbacks fired when an agent registers
// and when it unregisters without having been displaced. The command
// ingress binds and unbinds its routing keys here. Must be called
// before Run.
func (s *Server) SetRegistrationHooks(onRegister, onUnregister func(domain.MAC)) {
	s.onRegister = onRegister
	s.onUnregister = onUnregister
}

// Run binds the listener and accepts connections until ctx is done. A
// bind failure is fatal and returned to the caller.
func (s *Server) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Listening for agent connections")

	go func() {
		<-s.ctx.Done()
		ln.Close()
	}()

	for {
		socket, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error().Err(err).Msg("Accept failed")
			continue
		}
		s.handle(socket)
	}
}

func (s *Server) handle(socket net.Conn) {
	s.stats.ConnectionsAccepted.Add(1)
	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ActiveConnections.Inc()

	c := newConn(socket, connDeps{
		cfg:          s.cfg,
		registry:     s.registry,
		store:        s.store,
		metrics:      s.metrics,
		logger:       s.logger,
		now:          s.now,
		onRegister:   s.onRegister,
		onUnregister: s.onUnregister,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.stats.ConnectionsClosed.Add(1)
			s.metrics.ActiveConnections.Dec()
		}()
		c.run(s.ctx)
	}()
}

// Shutdown closes the listener and all connections, waiting up to the
// configured timeout for handlers to finish their teardown.
func (s *Server) Shutdown() error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All connections closed")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		return errors.New("shutdown timed out waiting for connections")
	}
}

// HealthCheck reports listener liveness.
func (s *Server) HealthCheck(ctx context.Context) error {
	if !s.started.Load() || s.listener == nil {
		return errors.New("server not started")
	}
	return nil
}
