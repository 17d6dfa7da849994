package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdev/engram/internal/ipc"
	"github.com/engramdev/engram/internal/procrun"
)

// startServer runs a shared server in-process against a temp data directory
func startServer(t *testing.T, model string, dims int, grace time.Duration) (string, context.CancelFunc) {
	t.Helper()

	dataDir := t.TempDir()
	cancel := startServerAt(t, dataDir, model, dims, grace)

	paths := PathsFor(dataDir)
	require.Eventually(t, func() bool {
		_, err := ipc.Roundtrip(paths.Socket, ipc.Request{Action: ipc.ActionHealth}, time.Second)
		return err == nil
	}, 5*time.Second, 25*time.Millisecond, "server did not come up")

	return dataDir, cancel
}

// startServerAt runs a server in dataDir without waiting for readiness
func startServerAt(t *testing.T, dataDir, model string, dims int, grace time.Duration) context.CancelFunc {
	t.Helper()

	srv := NewServer(model, dims, dataDir, grace, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
		}
	})

	return cancel
}

func TestServer_HealthReportsIdentity(t *testing.T) {
	dataDir, _ := startServer(t, "all-MiniLM-L6-v2", 384, time.Minute)

	resp, err := ipc.Roundtrip(PathsFor(dataDir).Socket, ipc.Request{Action: ipc.ActionHealth}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "all-MiniLM-L6-v2", resp.Model)
	assert.Equal(t, 384, resp.Dimensions)
	assert.Equal(t, 0, resp.Clients)
}

func TestServer_ConnectDisconnectRefcount(t *testing.T) {
	dataDir, _ := startServer(t, "all-MiniLM-L6-v2", 64, time.Minute)
	socket := PathsFor(dataDir).Socket

	a, err := ipc.Dial(socket, time.Second)
	require.NoError(t, err)
	defer a.Close()
	b, err := ipc.Dial(socket, time.Second)
	require.NoError(t, err)
	defer b.Close()

	resp, err := a.Call(ipc.Request{Action: ipc.ActionConnect}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Clients)

	resp, err = b.Call(ipc.Request{Action: ipc.ActionConnect}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Clients)

	resp, err = a.Call(ipc.Request{Action: ipc.ActionDisconnect}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Clients)
}

func TestServer_EmbedServesVectors(t *testing.T) {
	dataDir, _ := startServer(t, "all-MiniLM-L6-v2", 96, time.Minute)

	resp, err := ipc.Roundtrip(PathsFor(dataDir).Socket,
		ipc.Request{Action: ipc.ActionEmbed, Texts: []string{"one", "two"}}, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 2)
	assert.Len(t, resp.Embeddings[0], 96)
	assert.False(t, IsZeroVector(resp.Embeddings[0]))
}

func TestServer_IdleShutdownRemovesWitnesses(t *testing.T) {
	dataDir, _ := startServer(t, "all-MiniLM-L6-v2", 32, 150*time.Millisecond)
	paths := PathsFor(dataDir)

	// No client ever connects; the grace period alone should end it
	assert.Eventually(t, func() bool {
		_, pidErr := procrun.ReadPID(paths.PID)
		_, err := ipc.Roundtrip(paths.Socket, ipc.Request{Action: ipc.ActionHealth}, 200*time.Millisecond)
		return pidErr != nil && err != nil
	}, 5*time.Second, 50*time.Millisecond, "server should exit and clean witnesses")
}

func TestServer_ConnectCancelsIdleShutdown(t *testing.T) {
	dataDir, _ := startServer(t, "all-MiniLM-L6-v2", 32, 250*time.Millisecond)
	socket := PathsFor(dataDir).Socket

	client, err := ipc.Dial(socket, time.Second)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Call(ipc.Request{Action: ipc.ActionConnect}, time.Second)
	require.NoError(t, err)

	// Well past the grace period, the server must still answer
	time.Sleep(600 * time.Millisecond)
	resp, err := client.Call(ipc.Request{Action: ipc.ActionHealth}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Clients)
}

func TestSharedClient_JoinsRunningServer(t *testing.T) {
	dataDir, _ := startServer(t, "all-MiniLM-L6-v2", 64, time.Minute)

	c := NewSharedClient("all-MiniLM-L6-v2", 64, dataDir, time.Minute, zerolog.Nop())
	defer c.Close()

	vectors := c.Embed(context.Background(), []string{"hello"})
	require.Len(t, vectors, 1)
	assert.False(t, IsZeroVector(vectors[0]))
	assert.Equal(t, ModeServer, c.Mode())
}

func TestSharedClient_ManyClientsOneServer(t *testing.T) {
	dataDir, _ := startServer(t, "all-MiniLM-L6-v2", 64, time.Minute)

	clients := make([]*SharedClient, 4)
	for i := range clients {
		clients[i] = NewSharedClient("all-MiniLM-L6-v2", 64, dataDir, time.Minute, zerolog.Nop())
		defer clients[i].Close()
		vecs := clients[i].Embed(context.Background(), []string{"shared"})
		require.Len(t, vecs, 1)
		require.Equal(t, ModeServer, clients[i].Mode())
	}

	resp, err := ipc.Roundtrip(PathsFor(dataDir).Socket, ipc.Request{Action: ipc.ActionHealth}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "all-MiniLM-L6-v2", resp.Model)
	assert.Equal(t, 4, resp.Clients)
}

func TestSharedClient_LockLoserJoinsStartersServer(t *testing.T) {
	dataDir := t.TempDir()

	// Simulate a peer mid-start: it holds the starter lock and only brings
	// its server up after a delay. Losing the lock must send this client
	// through the poll-and-join path, not to local fallback.
	lock := procrun.NewDirLock(PathsFor(dataDir).Lock, time.Hour)
	require.True(t, lock.TryAcquire())
	defer lock.Release()

	go func() {
		time.Sleep(250 * time.Millisecond)
		startServerAt(t, dataDir, "all-MiniLM-L6-v2", 64, time.Minute)
	}()

	c := NewSharedClient("all-MiniLM-L6-v2", 64, dataDir, time.Minute, zerolog.Nop())
	defer c.Close()

	vectors := c.Embed(context.Background(), []string{"patient"})
	require.Len(t, vectors, 1)
	assert.False(t, IsZeroVector(vectors[0]))
	assert.Equal(t, ModeServer, c.Mode(), "lock loser should join the peer's server")
}

func TestSharedClient_ServerGoneFallsBackLocal(t *testing.T) {
	dataDir, cancel := startServer(t, "all-MiniLM-L6-v2", 64, time.Minute)

	c := NewSharedClient("all-MiniLM-L6-v2", 64, dataDir, time.Minute, zerolog.Nop())
	defer c.Close()

	require.Len(t, c.Embed(context.Background(), []string{"warm"}), 1)
	require.Equal(t, ModeServer, c.Mode())

	// Kill the server out from under the client
	cancel()
	time.Sleep(200 * time.Millisecond)

	vectors := c.Embed(context.Background(), []string{"after crash"})
	require.Len(t, vectors, 1)
	assert.Equal(t, ModeLocal, c.Mode(), "client must not retry the server")

	// The fallback tier sticks for the client's lifetime
	vectors = c.Embed(context.Background(), []string{"still local"})
	require.Len(t, vectors, 1)
	assert.Equal(t, ModeLocal, c.Mode())
}

func TestSharedClient_IdentityMismatchIsNotJoined(t *testing.T) {
	dataDir, _ := startServer(t, "all-MiniLM-L6-v2", 64, time.Minute)

	// Wrong dimensions: the client must refuse the running server. Spawning
	// a replacement would exec the test binary, so block the starter lock
	// and let acquisition time out into local mode.
	lock := procrun.NewDirLock(PathsFor(dataDir).Lock, time.Hour)
	require.True(t, lock.TryAcquire())
	defer lock.Release()

	c := NewSharedClient("all-MiniLM-L6-v2", 128, dataDir, time.Minute, zerolog.Nop())
	defer c.Close()

	vectors := c.Embed(context.Background(), []string{"mismatch"})
	require.Len(t, vectors, 1)
	assert.Equal(t, ModeLocal, c.Mode())
	assert.Len(t, vectors[0], 128)
}
