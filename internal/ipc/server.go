package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
)

// Handler processes control requests and returns responses.
// Implementations should be safe for concurrent use.
type Handler interface {
	// HandleLaunch starts a scenario instance.
	// Returns a LaunchedMessage or ErrorMessage.
	HandleLaunch(ctx context.Context, msg *LaunchMessage) any

	// HandleStop requests a stop of an instance.
	// Returns an AckMessage or ErrorMessage.
	HandleStop(ctx context.Context, msg *StopMessage) any

	// HandleStatus returns an instance snapshot.
	// Returns an InstanceMessage or ErrorMessage.
	HandleStatus(ctx context.Context, msg *StatusMessage) any

	// HandleList returns instance snapshots.
	// Returns an InstancesMessage or ErrorMessage.
	HandleList(ctx context.Context, msg *ListMessage) any

	// HandleWait blocks until an instance is terminal.
	// Returns an InstanceMessage or ErrorMessage.
	HandleWait(ctx context.Context, msg *WaitMessage) any
}

// Server listens for IPC messages on a Unix domain socket.
type Server struct {
	socketPath string
	handler    Handler
	logger     *slog.Logger

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	shutdown bool
}

// NewServer creates a new IPC server on socketPath.
func NewServer(socketPath string, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		logger:     logger.With("component", "ipc-server"),
	}
}

// Path returns the path to the Unix socket.
func (s *Server) Path() string {
	return s.socketPath
}

// Start begins listening for connections.
// This method blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.StartAsync(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Shutdown()
}

// StartAsync starts the server in the background and returns immediately.
// Use Shutdown() to stop the server.
func (s *Server) StartAsync(ctx context.Context) error {
	// Remove a socket left by a previous daemon
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	s.listener = listener

	// Connections outlive a single request (wait), so they get their own
	// context that Shutdown cancels.
	ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("IPC server started", "socket", s.socketPath)
	go s.acceptLoop(ctx)
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.logger.Info("IPC server shutting down")

	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.Error("error closing listener", "error", err)
		}
	}

	s.wg.Wait()

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.logger.Error("error removing socket", "error", err)
	}

	s.logger.Info("IPC server stopped")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()

			if shutdown {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}

			s.logger.Error("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Unblock pending reads on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.logger.Error("read error", "error", err)
			}
			return
		}

		response := s.handleMessage(ctx, line)

		if err := s.sendResponse(conn, response); err != nil {
			s.logger.Error("write error", "error", err)
			return
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, data []byte) any {
	msg, err := ParseMessage(data)
	if err != nil {
		s.logger.Error("parse error", "error", err, "data", string(data))
		return &ErrorMessage{
			Type:    MsgError,
			Message: fmt.Sprintf("failed to parse message: %v", err),
		}
	}

	switch m := msg.(type) {
	case *LaunchMessage:
		s.logger.Debug("handling launch", "scenario", m.Scenario, "inline", m.Source != "")
		return s.handler.HandleLaunch(ctx, m)

	case *StopMessage:
		s.logger.Debug("handling stop", "instance_id", m.InstanceID)
		return s.handler.HandleStop(ctx, m)

	case *StatusMessage:
		return s.handler.HandleStatus(ctx, m)

	case *ListMessage:
		return s.handler.HandleList(ctx, m)

	case *WaitMessage:
		s.logger.Debug("handling wait", "instance_id", m.InstanceID, "timeout", m.Timeout)
		return s.handler.HandleWait(ctx, m)

	default:
		s.logger.Error("unexpected message type", "type", fmt.Sprintf("%T", msg))
		return &ErrorMessage{
			Type:    MsgError,
			Message: fmt.Sprintf("unexpected message type: %T", msg),
		}
	}
}

func (s *Server) sendResponse(conn net.Conn, response any) error {
	data, err := Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	data = append(data, '\n')

	_, err = conn.Write(data)
	return err
}
