// Package client provides the client for communicating with trafficmond.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shini4i/trafficmon/internal/daemon/protocol"
	"github.com/shini4i/trafficmon/internal/stats"
)

// DefaultTimeout for RPC calls made without a caller deadline.
const DefaultTimeout = 10 * time.Second

var (
	// ErrDaemonNotAvailable is returned when trafficmond is not running.
	ErrDaemonNotAvailable = errors.New("traffic daemon not available")
	// ErrClosed is returned for requests pending when the client is closed.
	ErrClosed = errors.New("client closed")
)

// RemoteError is an error reported by the daemon.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client talks to trafficmond over its UNIX socket. Requests may be issued
// concurrently; responses are matched by request ID.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader

	mu            sync.RWMutex
	onStateChange func(old, new stats.State)
	onSample      func(sample protocol.SampleData)

	// writeMu serializes NDJSON writes to prevent interleaved JSON lines.
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Response

	closeChan chan struct{}
	closeOnce sync.Once
}

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotAvailable, err)
	}

	c := &Client{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		pending:   make(map[string]chan *protocol.Response),
		closeChan: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// IsDaemonAvailableAt checks if the daemon accepts connections at socketPath.
func IsDaemonAvailableAt(socketPath string) bool {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return false
	}
	_ = conn.Close() // only connectivity matters
	return true
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		close(c.closeChan)
		closeErr = c.conn.Close()
	})
	return closeErr
}

// Start asks the daemon to begin monitoring.
func (c *Client) Start(ctx context.Context) (*protocol.StatusResult, error) {
	return c.status(ctx, protocol.CommandStart)
}

// Stop asks the daemon to end monitoring.
func (c *Client) Stop(ctx context.Context) (*protocol.StatusResult, error) {
	return c.status(ctx, protocol.CommandStop)
}

// Status returns the daemon's monitoring state.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResult, error) {
	return c.status(ctx, protocol.CommandStatus)
}

// Bytes returns cumulative bytes since boot for types.
func (c *Client) Bytes(ctx context.Context, types stats.TrafficType) (uint64, error) {
	var result protocol.BytesResult
	if err := c.call(ctx, protocol.CommandBytes, protocol.TrafficParams{Types: uint32(types)}, &result); err != nil {
		return 0, err
	}
	return result.Bytes, nil
}

// Speed returns the speed in KB/s for types since the daemon's previous
// speed query.
func (c *Client) Speed(ctx context.Context, types stats.TrafficType) (uint64, error) {
	var result protocol.SpeedResult
	if err := c.call(ctx, protocol.CommandSpeed, protocol.TrafficParams{Types: uint32(types)}, &result); err != nil {
		return 0, err
	}
	return result.KilobytesPerSecond, nil
}

// OnStateChange registers a callback for monitoring state changes.
// Callbacks run on the read goroutine and must not wait on client calls.
func (c *Client) OnStateChange(callback func(old, new stats.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = callback
}

// OnSample registers a callback for periodic sample events.
func (c *Client) OnSample(callback func(sample protocol.SampleData)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSample = callback
}

func (c *Client) status(ctx context.Context, cmd protocol.Command) (*protocol.StatusResult, error) {
	var result protocol.StatusResult
	if err := c.call(ctx, cmd, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// call sends a request and decodes the result into out.
// A nil ctx gets DefaultTimeout.
func (c *Client) call(ctx context.Context, cmd protocol.Command, params, out any) error {
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
	}

	resp, err := c.sendRequest(ctx, cmd, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", cmd, err)
	}
	return nil
}

func (c *Client) sendRequest(ctx context.Context, cmd protocol.Command, params any) (*protocol.Response, error) {
	id := uuid.New().String()

	req, err := protocol.NewRequest(id, cmd, params)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')

	respChan := make(chan *protocol.Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	_, err = c.conn.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case resp := <-respChan:
		if !resp.Success {
			if resp.Error != nil {
				return nil, &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
			}
			return nil, errors.New("request failed with unknown error")
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeChan:
		return nil, ErrClosed
	}
}

func (c *Client) readLoop() {
	// A dropped connection fails every pending request.
	defer func() { _ = c.Close() }()

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			select {
			case <-c.closeChan:
			default:
				if err != io.EOF && !errors.Is(err, net.ErrClosed) {
					slog.Error("Read error from daemon", "error", err)
				}
			}
			return
		}
		c.handleMessage(line)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg struct {
		Type protocol.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("Invalid message from daemon", "error", err)
		return
	}

	switch msg.Type {
	case protocol.MessageTypeResponse:
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			slog.Warn("Invalid response from daemon", "error", err)
			return
		}
		c.handleResponse(&resp)

	case protocol.MessageTypeEvent:
		var event protocol.Event
		if err := json.Unmarshal(data, &event); err != nil {
			slog.Warn("Invalid event from daemon", "error", err)
			return
		}
		c.handleEvent(&event)

	default:
		slog.Debug("Unknown message type from daemon", "type", msg.Type)
	}
}

func (c *Client) handleResponse(resp *protocol.Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	c.pendingMu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

func (c *Client) handleEvent(event *protocol.Event) {
	switch event.Name {
	case protocol.EventStateChange:
		var data protocol.StateChangeData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			slog.Warn("Invalid state change event", "error", err)
			return
		}
		c.mu.RLock()
		callback := c.onStateChange
		c.mu.RUnlock()

		if callback != nil {
			callback(stats.State(data.From), stats.State(data.To))
		}

	case protocol.EventSample:
		var data protocol.SampleData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			slog.Warn("Invalid sample event", "error", err)
			return
		}
		c.mu.RLock()
		callback := c.onSample
		c.mu.RUnlock()

		if callback != nil {
			callback(data)
		}
	}
}
