// Package server implements the TCP acceptor and per-connection handling
// for the line protocol.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"blazekv/internal/command"
	"blazekv/internal/metrics"
)

// Options configures the TCP server.
type Options struct {
	BindAddr       string
	IdleTimeout    time.Duration
	MaxConnections int
}

// Stats are running connection totals.
type Stats struct {
	TotalConnections  uint64
	ActiveConnections int64
}

// Server accepts TCP connections and spawns one handler goroutine per
// connection. Shutdown stops the acceptor, then waits for in-flight
// commands to finish before forcing the remaining connections closed.
type Server struct {
	opts       Options
	dispatcher *command.Dispatcher
	m          *metrics.Metrics
	logger     *zap.Logger

	sem *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup

	totalConnections  atomic.Uint64
	activeConnections atomic.Int64
}

// New builds a server. Metrics may be nil; logger may be nil.
func New(opts Options, dispatcher *command.Dispatcher, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 1024
	}
	return &Server{
		opts:       opts,
		dispatcher: dispatcher,
		m:          m,
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(opts.MaxConnections)),
		conns:      make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds the listener and accepts until ctx is canceled.
// It returns after every connection handler has exited.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.BindAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("tcp server listening", zap.String("addr", listener.Addr().String()))

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", zap.Error(err))
			// Brief pause so a persistent accept failure does not spin.
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if !s.sem.TryAcquire(1) {
			s.logger.Warn("connection limit reached, rejecting",
				zap.String("remote", conn.RemoteAddr().String()))
			conn.Write([]byte("ERROR Server busy\n"))
			conn.Close()
			continue
		}

		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release(conn)
			handler := newConnHandler(s.dispatcher, s.opts.IdleTimeout, s.logger)
			handler.handle(conn)
		}()
	}

	s.wg.Wait()
	s.logger.Info("tcp server stopped")
	return nil
}

// Addr returns the bound address, useful when BindAddr used port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats returns connection totals.
func (s *Server) Stats() Stats {
	return Stats{
		TotalConnections:  s.totalConnections.Load(),
		ActiveConnections: s.activeConnections.Load(),
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	total := s.totalConnections.Add(1)
	active := s.activeConnections.Add(1)
	if s.m != nil {
		s.m.ActiveConnections.Inc()
	}
	s.logger.Debug("connection accepted",
		zap.Uint64("total", total), zap.Int64("active", active))
}

func (s *Server) release(conn net.Conn) {
	conn.Close()

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()

	s.activeConnections.Add(-1)
	if s.m != nil {
		s.m.ActiveConnections.Dec()
	}
	s.sem.Release(1)
}

// shutdown closes the listener, gives in-flight commands a grace window,
// then forces the rest closed so ListenAndServe can return.
func (s *Server) shutdown() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	}
}
