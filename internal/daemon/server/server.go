// Package server provides the UNIX socket server for trafficmond.
package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"strconv"
	"sync"

	"go.uber.org/atomic"

	"github.com/shini4i/trafficmon/internal/daemon/protocol"
)

// maxConcurrentClients limits simultaneously connected clients.
const maxConcurrentClients = 32

// RequestHandler is called for each incoming request.
// It should return a response to send back to the client.
type RequestHandler func(req *protocol.Request) *protocol.Response

// Server manages client connections over a UNIX socket.
type Server struct {
	socketPath  string
	socketGroup string
	handler     RequestHandler

	running atomic.Bool

	mu       sync.RWMutex
	listener net.Listener
	clients  map[*Client]struct{}
	starting bool // Guards against TOCTOU race during Start()
}

// NewServer creates a server listening on socketPath. If socketGroup is not
// empty the socket is chowned to that group.
// Panics if handler is nil.
func NewServer(socketPath, socketGroup string, handler RequestHandler) *Server {
	if handler == nil {
		panic("server: NewServer called with nil handler")
	}
	return &Server{
		socketPath:  socketPath,
		socketGroup: socketGroup,
		handler:     handler,
		clients:     make(map[*Client]struct{}),
	}
}

// Start begins listening for connections.
// Returns an error if the server is already running or starting.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running.Load() || s.starting {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.starting = true
	s.mu.Unlock()

	listener, err := s.listen()

	s.mu.Lock()
	s.starting = false
	if err == nil {
		s.listener = listener
		s.running.Store(true)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	slog.Info("Server started", "socket", s.socketPath, "group", s.socketGroup)
	go s.acceptLoop(listener)
	return nil
}

// listen replaces any stale socket file and applies ownership and permissions.
func (s *Server) listen() (net.Listener, error) {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on socket: %w", err)
	}

	fail := func(err error) (net.Listener, error) {
		if closeErr := listener.Close(); closeErr != nil {
			slog.Error("Failed to close listener", "error", closeErr)
		}
		return nil, err
	}
	if err := s.setSocketOwnership(); err != nil {
		return fail(fmt.Errorf("failed to set socket ownership: %w", err))
	}
	// Owner and group may read/write.
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		return fail(fmt.Errorf("failed to set socket permissions: %w", err))
	}
	return listener, nil
}

// setSocketOwnership sets the group ownership of the socket file.
func (s *Server) setSocketOwnership() error {
	if s.socketGroup == "" {
		return nil
	}

	grp, err := user.LookupGroup(s.socketGroup)
	if err != nil {
		return fmt.Errorf("group %q not found: %w", s.socketGroup, err)
	}

	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid %q: %w", grp.Gid, err)
	}

	// -1 keeps the current owner.
	if err := os.Chown(s.socketPath, -1, gid); err != nil {
		return fmt.Errorf("failed to chown socket: %w", err)
	}

	slog.Debug("Socket group ownership set", "group", s.socketGroup, "gid", gid)
	return nil
}

// Stop closes the listener and every client connection, then removes the
// socket file. Stopping a stopped server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running.CompareAndSwap(true, false) {
		s.mu.Unlock()
		return nil
	}
	listener := s.listener
	clients := s.snapshotClientsLocked()
	s.mu.Unlock()

	if err := listener.Close(); err != nil {
		slog.Error("Failed to close listener", "error", err)
	}
	for _, client := range clients {
		if err := client.Close(); err != nil {
			slog.Warn("Failed to close client connection", "error", err)
		}
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove socket file", "path", s.socketPath, "error", err)
	}

	slog.Info("Server stopped")
	return nil
}

// Broadcast sends an event to all connected clients.
func (s *Server) Broadcast(event *protocol.Event) {
	s.mu.RLock()
	clients := s.snapshotClientsLocked()
	s.mu.RUnlock()

	for _, client := range clients {
		if err := client.SendEvent(event); err != nil {
			slog.Warn("Failed to send event to client", "event", event.Name, "error", err)
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) snapshotClientsLocked() []*Client {
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	return clients
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			slog.Error("Accept error", "error", err)
			continue
		}

		client := &Client{conn: conn}
		if !s.addClient(client) {
			slog.Warn("Rejecting client: too many connections", "limit", maxConcurrentClients)
			_ = conn.Close()
			continue
		}
		go s.handleClient(client)
	}
}

func (s *Server) addClient(client *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= maxConcurrentClients {
		return false
	}
	s.clients[client] = struct{}{}
	slog.Debug("Client connected", "clients", len(s.clients))
	return true
}

func (s *Server) removeClient(client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, client)
	slog.Debug("Client disconnected", "clients", len(s.clients))
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Debug("Failed to close client connection", "error", err)
		}
		s.removeClient(client)
	}()

	reader := bufio.NewReaderSize(client.conn, protocol.MaxMessageSize)

	for {
		line, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			slog.Warn("Request exceeds size limit", "limit", protocol.MaxMessageSize)
			resp := protocol.NewErrorResponse("", protocol.ErrCodeMessageTooLarge, "message too large")
			if err := client.SendResponse(resp); err != nil {
				slog.Debug("Failed to send error response", "error", err)
			}
			return
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				slog.Error("Read error", "error", err)
			}
			return
		}

		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			slog.Warn("Invalid request", "error", err)
			resp := protocol.NewErrorResponse("", protocol.ErrCodeInvalidRequest, "invalid JSON")
			if err := client.SendResponse(resp); err != nil {
				slog.Warn("Failed to send error response", "error", err)
			}
			continue
		}

		resp := s.handler(&req)
		if err := client.SendResponse(resp); err != nil {
			slog.Error("Failed to send response", "error", err)
			return
		}
	}
}

// Client represents a connected client.
type Client struct {
	conn net.Conn
	mu   sync.Mutex
}

// SendResponse sends a response to the client.
func (c *Client) SendResponse(resp *protocol.Response) error {
	return c.sendJSON(resp)
}

// SendEvent sends an event to the client.
func (c *Client) SendEvent(event *protocol.Event) error {
	return c.sendJSON(event)
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// sendJSON writes v as a single NDJSON line. Writes are serialized so
// responses and broadcast events never interleave.
func (c *Client) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.conn.Write(data)
	return err
}
