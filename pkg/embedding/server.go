package embedding

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/engramdev/engram/internal/ipc"
	"github.com/engramdev/engram/internal/procrun"
)

// Server is the singleton background process hosting one loaded embedding
// model for many short-lived client processes. It self-terminates after the
// idle grace period once the last client disconnects.
type Server struct {
	provider *LocalProvider
	dataDir  string
	paths    ServerPaths
	grace    time.Duration
	logger   zerolog.Logger

	srv     *ipc.Server
	started time.Time

	mu        sync.Mutex
	clients   int
	connRefs  map[net.Conn]int
	idleTimer *time.Timer
	stopOnce  sync.Once
	done      chan struct{}
}

// NewServer creates a shared embedding server for the given model identity
func NewServer(model string, dimensions int, dataDir string, grace time.Duration, logger zerolog.Logger) *Server {
	return &Server{
		provider: NewLocalProvider(model, dimensions, dataDir, logger),
		dataDir:  dataDir,
		paths:    PathsFor(dataDir),
		grace:    grace,
		logger:   logger,
		connRefs: make(map[net.Conn]int),
		done:     make(chan struct{}),
	}
}

// Run loads the model, binds the socket and serves until the idle timer
// fires with zero clients or ctx is cancelled. Witness files are written on
// startup and removed on exit.
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.dataDir, 0755); err != nil {
		return err
	}

	// Load before accepting: clients poll readiness through the socket
	if _, err := s.provider.load(); err != nil {
		return err
	}

	if err := procrun.WritePIDFile(s.paths.PID); err != nil {
		return err
	}
	defer procrun.RemovePIDFile(s.paths.PID)

	s.srv = ipc.NewServer(s.paths.Socket, s.handle, s.logger)
	s.srv.SetConnHook(s.onConn)

	if err := s.srv.Listen(); err != nil {
		return err
	}
	defer s.srv.Close()

	s.started = time.Now()

	// A server nobody ever joins should still go away
	s.mu.Lock()
	s.armIdleTimerLocked()
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.shutdown("context cancelled")
		case <-s.done:
		}
		s.srv.Close()
	}()

	s.logger.Info().
		Str("model", s.provider.model).
		Int("dimensions", s.provider.dimensions).
		Dur("grace", s.grace).
		Msg("Shared embedding server running")

	err := s.srv.Serve()

	s.logger.Info().Msg("Shared embedding server exiting")
	return err
}

// handle answers one protocol request
func (s *Server) handle(conn net.Conn, req ipc.Request) ipc.Response {
	switch req.Action {
	case ipc.ActionHealth:
		s.mu.Lock()
		clients := s.clients
		s.mu.Unlock()
		return ipc.Response{
			Status:        "ok",
			Clients:       clients,
			UptimeSeconds: time.Since(s.started).Seconds(),
			Dimensions:    s.provider.dimensions,
			Model:         s.provider.model,
		}

	case ipc.ActionConnect:
		s.mu.Lock()
		s.clients++
		s.connRefs[conn]++
		if s.idleTimer != nil {
			s.idleTimer.Stop()
			s.idleTimer = nil
		}
		clients := s.clients
		s.mu.Unlock()
		return ipc.Response{Status: "connected", Clients: clients}

	case ipc.ActionDisconnect:
		s.mu.Lock()
		if s.connRefs[conn] > 0 {
			s.connRefs[conn]--
			s.clients--
		}
		if s.clients == 0 {
			s.armIdleTimerLocked()
		}
		clients := s.clients
		s.mu.Unlock()
		return ipc.Response{Status: "disconnected", Clients: clients}

	case ipc.ActionEmbed:
		// Embed never fails the batch; broken texts come back zeroed
		vectors := s.provider.Embed(context.Background(), req.Texts)
		return ipc.Response{Embeddings: vectors}

	default:
		return ipc.Errorf("unknown_action", "unsupported action: "+req.Action)
	}
}

// onConn reconciles the refcount when a client connection drops without a
// disconnect message
func (s *Server) onConn(conn net.Conn, connected bool) {
	if connected {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if refs := s.connRefs[conn]; refs > 0 {
		s.clients -= refs
		if s.clients < 0 {
			s.clients = 0
		}
	}
	delete(s.connRefs, conn)

	if s.clients == 0 {
		s.armIdleTimerLocked()
	}
}

// armIdleTimerLocked (re)starts the idle-shutdown countdown. Callers hold s.mu.
func (s *Server) armIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}

	s.idleTimer = time.AfterFunc(s.grace, func() {
		s.mu.Lock()
		idle := s.clients == 0
		s.mu.Unlock()

		if idle {
			s.shutdown("idle grace period expired")
		}
	})
}

func (s *Server) shutdown(reason string) {
	s.stopOnce.Do(func() {
		s.logger.Info().Str("reason", reason).Msg("Shutting down shared embedding server")
		close(s.done)
	})
}
