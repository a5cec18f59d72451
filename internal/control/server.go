// Package control exposes a running orchestrator over a unix domain
// socket so `teamloop pause`, `resume`, and `stop` can reach it from
// another terminal. One JSON command per connection, one JSON response
// back.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mkessler/teamloop/internal/loop"
)

// SocketFileName is the project-relative control socket path
const SocketFileName = ".teamloop/control.sock"

// CommandType enumerates the operations a client can request.
type CommandType string

const (
	CmdPause  CommandType = "pause"
	CmdResume CommandType = "resume"
	CmdStop   CommandType = "stop"
	CmdStatus CommandType = "status"
)

// Command is one request from a control client.
type Command struct {
	Type   CommandType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

// Response is the orchestrator's reply. Status is always populated so
// every command doubles as a status probe.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Status  loop.Status `json:"status"`
	Error   string      `json:"error,omitempty"`
}

// Loop is the slice of the controller the server drives.
type Loop interface {
	Pause(reason string)
	Resume()
	Stop()
	Snapshot() loop.Status
}

// Server listens on the control socket and applies commands to the
// loop controller.
type Server struct {
	socketPath string
	controller Loop

	mu       sync.Mutex
	listener net.Listener
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewServer creates a control server. A stale socket file from a
// crashed instance is removed.
func NewServer(socketPath string, controller Loop) (*Server, error) {
	if controller == nil {
		return nil, fmt.Errorf("loop controller is required")
	}
	if socketPath == "" {
		socketPath = SocketFileName
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}

	return &Server{
		socketPath: socketPath,
		controller: controller,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Start begins accepting control connections in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("control server already running")
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on control socket: %w", err)
	}
	s.listener = listener
	s.running = true

	go s.acceptLoop(ctx)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		// Deadline keeps Accept from blocking past a stop request
		if ul, ok := s.listener.(*net.UnixListener); ok {
			_ = ul.SetDeadline(time.Now().Add(time.Second))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
			}
			fmt.Fprintf(os.Stderr, "warning: control accept failed: %v\n", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	var cmd Command
	if err := json.NewDecoder(conn).Decode(&cmd); err != nil {
		s.reply(conn, Response{
			Success: false,
			Error:   fmt.Sprintf("bad command: %v", err),
		})
		return
	}

	s.reply(conn, s.apply(cmd))
}

func (s *Server) apply(cmd Command) Response {
	switch cmd.Type {
	case CmdPause:
		reason := cmd.Reason
		if reason == "" {
			reason = "paused by operator"
		}
		s.controller.Pause(reason)
		return s.ok("loop paused; in-flight work finishes first")
	case CmdResume:
		s.controller.Resume()
		return s.ok("loop resumed")
	case CmdStop:
		s.controller.Stop()
		return s.ok("stop requested; the current iteration finishes first")
	case CmdStatus:
		return s.ok("ok")
	default:
		return Response{
			Success: false,
			Status:  s.controller.Snapshot(),
			Error:   fmt.Sprintf("unknown command %q", cmd.Type),
		}
	}
}

func (s *Server) ok(msg string) Response {
	return Response{Success: true, Message: msg, Status: s.controller.Snapshot()}
}

func (s *Server) reply(conn net.Conn, resp Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		fmt.Fprintf(os.Stderr, "warning: control reply failed: %v\n", err)
	}
}

// Stop shuts the server down and removes the socket file.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	_ = s.listener.Close()

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		fmt.Fprintf(os.Stderr, "warning: control server shutdown timed out\n")
	}

	_ = os.RemoveAll(s.socketPath)
}
