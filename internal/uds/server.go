package uds

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

// HandlerFunc answers one control command (ping, scan, status, stop).
type HandlerFunc func(req *Request) *Response

// Server listens on a unix socket inside the state dir and dispatches
// control commands to the run that owns it. One request per connection.
type Server struct {
	path    string
	timeout time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	ln      net.Listener
	closing chan struct{}
	wg      sync.WaitGroup
}

func NewServer(socketPath string) *Server {
	return &Server{
		path:     socketPath,
		timeout:  30 * time.Second,
		handlers: make(map[string]HandlerFunc),
		closing:  make(chan struct{}),
	}
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.timeout = d
}

// Handle registers the handler for a command. Unregistered commands are
// rejected with UNKNOWN_COMMAND.
func (s *Server) Handle(command string, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[command] = h
	s.mu.Unlock()
}

// Start binds the socket and begins serving. A stale socket file from a
// crashed run is replaced.
func (s *Server) Start() error {
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.serve()
	return nil
}

// Stop closes the listener, waits for in-flight requests, and removes the
// socket file.
func (s *Server) Stop() error {
	close(s.closing)
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.path)
	return nil
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("control socket accept: %v", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.answer(conn)
		}()
	}
}

// answer reads one framed request, runs its handler, and writes the framed
// response. Handler panics become INTERNAL_ERROR responses instead of
// killing the run.
func (s *Server) answer(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.timeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		log.Printf("control socket read: %v", err)
		return
	}

	resp := func() (resp *Response) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("control handler panic: %v\n%s", r, debug.Stack())
				resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("handler panic: %v", r))
			}
		}()
		return s.dispatch(&req)
	}()

	if err := WriteFrame(conn, resp); err != nil {
		log.Printf("control socket write: %v", err)
	}
}

func (s *Server) dispatch(req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}
	if req.Command == "" {
		return ErrorResponse(ErrCodeUnknownCommand, "empty command")
	}

	s.mu.RLock()
	h, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}
	return h(req)
}
