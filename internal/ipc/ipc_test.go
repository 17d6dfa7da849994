package ipc

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEchoServer(t *testing.T, handler Handler) (string, *Server) {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "test.sock")
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	srv := NewServer(socketPath, handler, logger)
	require.NoError(t, srv.Listen())
	go srv.Serve()

	t.Cleanup(func() { srv.Close() })
	return socketPath, srv
}

func TestClientServer_Roundtrip(t *testing.T) {
	socketPath, _ := startEchoServer(t, func(_ net.Conn, req Request) Response {
		return Response{Status: "ok", Model: "test-model", Dimensions: 384}
	})

	resp, err := Roundtrip(socketPath, Request{Action: ActionHealth}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, 384, resp.Dimensions)
}

func TestClient_OrderedRequests(t *testing.T) {
	var n int64
	socketPath, _ := startEchoServer(t, func(_ net.Conn, req Request) Response {
		return Response{Count: int(atomic.AddInt64(&n, 1))}
	})

	client, err := Dial(socketPath, time.Second)
	require.NoError(t, err)
	defer client.Close()

	for i := 1; i <= 5; i++ {
		resp, err := client.Call(Request{Action: ActionCount}, time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, resp.Count)
	}
}

func TestClient_ServerError(t *testing.T) {
	socketPath, _ := startEchoServer(t, func(_ net.Conn, req Request) Response {
		return Errorf("unknown_action", "no such action: "+req.Action)
	})

	resp, err := Roundtrip(socketPath, Request{Action: "bogus"}, time.Second)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "unknown_action", resp.Error)
}

func TestClient_Timeout(t *testing.T) {
	socketPath, _ := startEchoServer(t, func(_ net.Conn, req Request) Response {
		time.Sleep(300 * time.Millisecond)
		return Response{Status: "ok"}
	})

	_, err := Roundtrip(socketPath, Request{Action: ActionHealth}, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestServer_MalformedLine(t *testing.T) {
	socketPath, _ := startEchoServer(t, func(_ net.Conn, req Request) Response {
		return Response{Status: "ok"}
	})

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	line, err := readLine(bufio.NewReader(conn))
	require.NoError(t, err)
	assert.Contains(t, string(line), "bad_request")
}

func TestServer_ConnHook(t *testing.T) {
	var connects, disconnects int64
	socketPath, srv := startEchoServer(t, func(_ net.Conn, req Request) Response {
		return Response{Status: "ok"}
	})
	srv.Close()

	srv2 := NewServer(socketPath, func(_ net.Conn, req Request) Response {
		return Response{Status: "ok"}
	}, zerolog.Nop())
	srv2.SetConnHook(func(_ net.Conn, connected bool) {
		if connected {
			atomic.AddInt64(&connects, 1)
		} else {
			atomic.AddInt64(&disconnects, 1)
		}
	})
	require.NoError(t, srv2.Listen())
	go srv2.Serve()
	defer srv2.Close()

	client, err := Dial(socketPath, time.Second)
	require.NoError(t, err)
	_, err = client.Call(Request{Action: ActionHealth}, time.Second)
	require.NoError(t, err)
	client.Close()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&connects) == 1 && atomic.LoadInt64(&disconnects) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestResponse_ZeroNumericsStayOnWire(t *testing.T) {
	// The protocol is read by non-Go clients too; a disconnect that brings
	// the refcount to zero must still serialize the count.
	data, err := json.Marshal(Response{Status: "disconnected"})
	require.NoError(t, err)

	assert.Contains(t, string(data), `"clients":0`)
	assert.Contains(t, string(data), `"uptime":0`)
	assert.Contains(t, string(data), `"dimensions":0`)
	assert.Contains(t, string(data), `"count":0`)
}

func TestServer_CloseRemovesSocket(t *testing.T) {
	socketPath, srv := startEchoServer(t, func(_ net.Conn, req Request) Response {
		return Response{Status: "ok"}
	})

	require.NoError(t, srv.Close())
	_, err := os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
}
