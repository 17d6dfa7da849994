package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Handler processes one request from one connection. Requests on a single
// connection are handled in arrival order; no ordering holds across
// connections.
type Handler func(conn net.Conn, req Request) Response

// ConnHook observes connection open/close, used for client refcounting.
type ConnHook func(conn net.Conn, connected bool)

// Server accepts connections on a unix socket and speaks the line-delimited
// JSON protocol.
type Server struct {
	socketPath string
	handler    Handler
	connHook   ConnHook
	logger     zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer creates a server bound to socketPath
func NewServer(socketPath string, handler Handler, logger zerolog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		logger:     logger,
	}
}

// SetConnHook installs a connection observer. Must be called before Listen.
func (s *Server) SetConnHook(hook ConnHook) {
	s.connHook = hook
}

// Listen binds the socket, replacing any stale socket file.
func (s *Server) Listen() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info().Str("socket", s.socketPath).Msg("IPC server listening")
	return nil
}

// Serve accepts connections until Close. Blocks.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	if listener == nil {
		return errors.New("server is not listening")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}

		go s.serveConn(conn)
	}
}

// serveConn reads requests line by line and answers each in order
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	if s.connHook != nil {
		s.connHook(conn, true)
		defer s.connHook(conn, false)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		var resp Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = Errorf("bad_request", "malformed JSON line")
		} else {
			resp = s.handler(conn, req)
		}

		data, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to marshal response")
			return
		}

		if _, err := conn.Write(append(data, '\n')); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to write response")
			return
		}
	}
}

// Close stops accepting and removes the socket file
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	if rmErr := os.Remove(s.socketPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}

	return err
}
