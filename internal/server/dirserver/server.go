// Package dirserver is the TCP front of the party directory. It accepts
// world-process connections, dispatches their requests to the directory
// and booking services, and fans committed mutations back out.
package dirserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ravengrove/partymesh/internal/core/domain"
	"github.com/ravengrove/partymesh/internal/core/service"
	"github.com/ravengrove/partymesh/internal/telemetry/metric"
	"github.com/ravengrove/partymesh/internal/wire"
)

// Config holds the directory server configuration.
type Config struct {
	// Addr is the TCP bind address.
	Addr string
	// HelloTimeout bounds the handshake on a fresh connection.
	HelloTimeout time.Duration
	// WriteTimeout bounds each frame write to a world; 0 disables it.
	WriteTimeout time.Duration
	// SearchRatePerSec throttles booking searches per connection; 0
	// disables the limit. Burst is twice the rate.
	SearchRatePerSec float64
	// SweepInterval drives the booking expiry sweep.
	SweepInterval time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:             "127.0.0.1:6121",
		HelloTimeout:     10 * time.Second,
		WriteTimeout:     5 * time.Second,
		SearchRatePerSec: 20,
		SweepInterval:    60 * time.Second,
	}
}

// Server accepts world connections and serves the directory protocol.
type Server struct {
	cfg       Config
	directory *service.Directory
	booking   *service.BookingRegistry
	worlds    *WorldTable
	metrics   *metric.Registry
	logger    *slog.Logger

	ln      net.Listener
	running atomic.Bool
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// New creates a server. The WorldTable must be the same instance wired
// into the directory as its Presence and Notifier. metrics may be nil.
func New(cfg Config, directory *service.Directory, booking *service.BookingRegistry, worlds *WorldTable, metrics *metric.Registry, logger *slog.Logger) *Server {
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		directory: directory,
		booking:   booking,
		worlds:    worlds,
		metrics:   metrics,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.running.Store(true)

	s.wg.Add(1)
	go s.sweepLoop()

	s.logger.Info("directory server listening",
		"addr", ln.Addr().String(), "booking_mode", s.booking.Mode().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.acceptLoop(ctx, ln); err != nil && s.running.Load() {
			s.logger.Error("accept loop failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, for tests with port 0.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown closes the listener and waits for connection handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.running.Store(false)
	close(s.stopCh)

	var firstErr error
	if s.ln != nil {
		if err := s.ln.Close(); err != nil {
			firstErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.directory.Close()
	return firstErr
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(c)
		}()
	}
}

// sweepLoop drives the booking expiry sweep.
func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			removed := s.booking.ExpireSweep(now)
			if s.metrics != nil {
				s.metrics.BookingExpired.Add(float64(removed))
				s.metrics.BookingAdsLive.Set(float64(s.booking.Count()))
			}
		case <-s.stopCh:
			return
		}
	}
}

// handleConn runs the handshake and then the per-connection request loop.
func (s *Server) handleConn(c net.Conn) {
	sess := wire.NewSession(c)
	sess.SetWriteTimeout(s.cfg.WriteTimeout)
	defer sess.Close()

	conn, err := s.handshake(c, sess)
	if err != nil {
		s.logger.Warn("handshake failed", "remote", c.RemoteAddr().String(), "error", err)
		return
	}

	if prev := s.worlds.Attach(conn); prev != nil {
		prev.sess.Close()
	}
	s.logger.Info("world connected",
		"world_id", conn.worldID, "remote", c.RemoteAddr().String())

	// Resync the world's parties before serving its requests.
	for _, p := range s.directory.WorldUp(conn.worldID) {
		s.worlds.PartySnapshot(conn.worldID, p)
	}

	s.serve(conn)

	if s.worlds.Detach(conn) {
		s.directory.WorldDown(conn.worldID)
	}
	s.logger.Info("world disconnected", "world_id", conn.worldID)
}

// handshake reads the Hello frame and acknowledges it. A world without an
// id is assigned a fresh one.
func (s *Server) handshake(c net.Conn, sess *wire.Session) (*worldConn, error) {
	c.SetReadDeadline(time.Now().Add(s.cfg.HelloTimeout))
	msg, err := sess.Receive()
	if err != nil {
		return nil, err
	}
	c.SetReadDeadline(time.Time{})

	if msg.Kind != wire.KindHello {
		return nil, wire.ErrProtocol
	}
	var hello wire.Hello
	if err := hello.Decode(msg.Payload); err != nil {
		return nil, err
	}

	worldID := hello.WorldID
	if worldID == "" {
		if worldID, err = domain.GenerateWorldID(); err != nil {
			return nil, err
		}
	}

	ack := wire.HelloAck{WorldID: worldID, Mode: s.booking.Mode()}
	if err := sess.Send(wire.KindHelloAck, ack.Encode()); err != nil {
		return nil, err
	}

	conn := &worldConn{worldID: worldID, sess: sess}
	if s.cfg.SearchRatePerSec > 0 {
		conn.searchLimiter = rate.NewLimiter(
			rate.Limit(s.cfg.SearchRatePerSec), int(s.cfg.SearchRatePerSec*2))
	}
	return conn, nil
}

// serve reads frames until the session drops.
func (s *Server) serve(conn *worldConn) {
	for {
		msg, err := conn.sess.Receive()
		if err != nil {
			if !errors.Is(err, wire.ErrSessionClosed) && !errors.Is(err, net.ErrClosed) &&
				!errors.Is(err, io.EOF) {
				s.logger.Debug("receive failed", "world_id", conn.worldID, "error", err)
			}
			return
		}
		if s.metrics != nil {
			s.metrics.MessagesReceived.WithLabelValues(msg.Kind.String()).Inc()
		}
		if err := s.dispatch(conn, msg); err != nil {
			s.logger.Warn("dispatch failed",
				"world_id", conn.worldID, "kind", msg.Kind.String(), "error", err)
			return
		}
	}
}
