package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shini4i/trafficmon/internal/daemon/protocol"
)

// testHandler answers every request with the command name it received.
func testHandler(req *protocol.Request) *protocol.Response {
	resp, err := protocol.NewSuccessResponse(req.ID, map[string]string{"command": string(req.Command)})
	if err != nil {
		panic(fmt.Sprintf("testHandler: NewSuccessResponse failed: %v", err))
	}
	return resp
}

// startServer starts a server on a socket in a fresh temp dir and stops it on cleanup.
func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	server := NewServer(socketPath, "", testHandler)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })
	return server, socketPath
}

func dial(t *testing.T, socketPath string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, bufio.NewReader(conn)
}

func readResponse(t *testing.T, conn net.Conn, reader *bufio.Reader) protocol.Response {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(line, &resp))
	return resp
}

// waitForClientCount polls the server's ClientCount until it matches the expected value
// or the timeout elapses.
func waitForClientCount(t *testing.T, server *Server, expected int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if server.ClientCount() == expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("waitForClientCount: expected %d clients, got %d after %v", expected, server.ClientCount(), timeout)
}

func TestServerStartStop(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	server := NewServer(socketPath, "", testHandler)

	require.NoError(t, server.Start())
	assert.Equal(t, 0, server.ClientCount())

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0660), info.Mode().Perm())

	require.NoError(t, server.Stop())
	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))

	// Second stop is a no-op.
	require.NoError(t, server.Stop())
}

func TestServerDoubleStart(t *testing.T) {
	server, _ := startServer(t)

	err := server.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestServerRestart(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	server := NewServer(socketPath, "", testHandler)

	require.NoError(t, server.Start())
	require.NoError(t, server.Stop())
	require.NoError(t, server.Start())
	defer func() { _ = server.Stop() }()

	conn, reader := dial(t, socketPath)
	_, err := conn.Write([]byte(`{"id":"r1","type":"request","command":"status"}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, "r1", readResponse(t, conn, reader).ID)
}

func TestServerReplacesStaleSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	require.NoError(t, os.WriteFile(socketPath, []byte("stale"), 0600))

	server := NewServer(socketPath, "", testHandler)
	require.NoError(t, server.Start())
	defer func() { _ = server.Stop() }()
}

func TestServerUnknownGroup(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	server := NewServer(socketPath, "trafficmon-no-such-group", testHandler)

	err := server.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket ownership")

	// A failed start leaves the server startable.
	server.socketGroup = ""
	require.NoError(t, server.Start())
	defer func() { _ = server.Stop() }()
}

func TestServerValidRequest(t *testing.T) {
	_, socketPath := startServer(t)
	conn, reader := dial(t, socketPath)

	req, err := protocol.NewRequest("test-1", protocol.CommandStatus, nil)
	require.NoError(t, err)
	data, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)

	resp := readResponse(t, conn, reader)
	assert.Equal(t, "test-1", resp.ID)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `{"command":"status"}`, string(resp.Result))
}

func TestServerPipelinedRequests(t *testing.T) {
	_, socketPath := startServer(t)
	conn, reader := dial(t, socketPath)

	_, err := conn.Write([]byte(
		`{"id":"a","type":"request","command":"bytes"}` + "\n" +
			`{"id":"b","type":"request","command":"speed"}` + "\n"))
	require.NoError(t, err)

	assert.Equal(t, "a", readResponse(t, conn, reader).ID)
	assert.Equal(t, "b", readResponse(t, conn, reader).ID)
}

func TestServerInvalidJSON(t *testing.T) {
	_, socketPath := startServer(t)
	conn, reader := dial(t, socketPath)

	_, err := conn.Write([]byte("not valid json\n"))
	require.NoError(t, err)

	resp := readResponse(t, conn, reader)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrCodeInvalidRequest, resp.Error.Code)

	// The connection stays usable after a bad line.
	_, err = conn.Write([]byte(`{"id":"after","type":"request","command":"status"}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, "after", readResponse(t, conn, reader).ID)
}

func TestServerMaxMessageSize(t *testing.T) {
	_, socketPath := startServer(t)
	conn, reader := dial(t, socketPath)

	// Oversized message without a newline.
	largeData := strings.Repeat("x", protocol.MaxMessageSize+1000)
	_, err := conn.Write([]byte(largeData))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	response, err := reader.ReadBytes('\n')
	if err == nil {
		var resp protocol.Response
		require.NoError(t, json.Unmarshal(response, &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, protocol.ErrCodeMessageTooLarge, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "message too large")
	}
	// If err != nil the server closed the connection, which is also acceptable.
}

func TestServerMaxConcurrentClients(t *testing.T) {
	server, socketPath := startServer(t)

	conns := make([]net.Conn, 0, maxConcurrentClients)
	for i := 0; i < maxConcurrentClients; i++ {
		conn, err := net.Dial("unix", socketPath)
		require.NoError(t, err, "Failed to create connection %d", i)
		conns = append(conns, conn)
	}
	waitForClientCount(t, server, maxConcurrentClients, time.Second)

	extraConn, err := net.Dial("unix", socketPath)
	if err == nil {
		_ = extraConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		buf := make([]byte, 1)
		_, readErr := extraConn.Read(buf)
		assert.Error(t, readErr, "Expected extra connection to be closed")
		_ = extraConn.Close()
	}
	assert.Equal(t, maxConcurrentClients, server.ClientCount())

	for _, conn := range conns {
		_ = conn.Close()
	}
	waitForClientCount(t, server, 0, time.Second)
}

func TestServerBroadcast(t *testing.T) {
	server, socketPath := startServer(t)

	const numClients = 3
	conns := make([]net.Conn, numClients)
	readers := make([]*bufio.Reader, numClients)
	for i := 0; i < numClients; i++ {
		conns[i], readers[i] = dial(t, socketPath)
	}
	waitForClientCount(t, server, numClients, time.Second)

	event, err := protocol.NewEvent(protocol.EventStateChange, protocol.StateChangeData{From: "stopped", To: "running"})
	require.NoError(t, err)
	server.Broadcast(event)

	var wg sync.WaitGroup
	received := make([]protocol.Event, numClients)
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_ = conns[idx].SetReadDeadline(time.Now().Add(2 * time.Second))
			data, err := readers[idx].ReadBytes('\n')
			if err == nil {
				_ = json.Unmarshal(data, &received[idx])
			}
		}(i)
	}
	wg.Wait()

	for i, evt := range received {
		assert.Equal(t, protocol.EventStateChange, evt.Name, "client %d did not receive broadcast", i)
	}
}

func TestServerStopDisconnectsClients(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	server := NewServer(socketPath, "", testHandler)
	require.NoError(t, server.Start())

	conn, reader := dial(t, socketPath)
	waitForClientCount(t, server, 1, time.Second)

	require.NoError(t, server.Stop())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := reader.ReadBytes('\n')
	assert.Error(t, err)
}

func TestNewServerNilHandler(t *testing.T) {
	assert.Panics(t, func() {
		NewServer("/tmp/test.sock", "", nil)
	})
}
