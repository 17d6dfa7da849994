package embedding

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/engramdev/engram/internal/ipc"
	"github.com/engramdev/engram/internal/procrun"
)

// Timeouts of the acquisition protocol. Timeouts are the only cancellation
// mechanism; every expiry resolves to local fallback, never to an error the
// caller must handle.
const (
	healthTimeout    = 3 * time.Second
	embedTimeout     = 30 * time.Second
	joinPollInterval = 250 * time.Millisecond
	joinWait         = 5 * time.Second
	startWait        = 15 * time.Second
	lockStaleAfter   = 30 * time.Second
	terminateWait    = 3 * time.Second
)

// Mode is the active tier of a SharedClient
type Mode int

const (
	// ModeUnset means acquisition has not run yet
	ModeUnset Mode = iota
	// ModeServer serves embeds from the shared background process
	ModeServer
	// ModeLocal loads the model in-process after the server was unusable
	ModeLocal
)

func (m Mode) String() string {
	switch m {
	case ModeServer:
		return "server"
	case ModeLocal:
		return "local"
	default:
		return "unset"
	}
}

// ServerPaths groups the witness file locations for one data directory
type ServerPaths struct {
	Socket string
	PID    string
	Lock   string
}

// PathsFor returns the shared server witness paths under dataDir
func PathsFor(dataDir string) ServerPaths {
	return ServerPaths{
		Socket: filepath.Join(dataDir, "embed-server.sock"),
		PID:    filepath.Join(dataDir, "embed-server.pid"),
		Lock:   filepath.Join(dataDir, "embed-server.lock"),
	}
}

// SharedClient prefers a singleton background embedding server over loading
// the model twice. Acquisition runs once; if the server is unusable at any
// point afterwards the client falls back to an in-process model for the
// remainder of its lifetime and does not retry the server.
type SharedClient struct {
	model      string
	dimensions int
	dataDir    string
	grace      time.Duration
	logger     zerolog.Logger
	paths      ServerPaths

	mu    sync.Mutex
	mode  Mode
	conn  *ipc.Client
	local *LocalProvider
}

// NewSharedClient creates a shared-server embedding client for the given
// model identity. Nothing is contacted until Warmup or first use.
func NewSharedClient(model string, dimensions int, dataDir string, grace time.Duration, logger zerolog.Logger) *SharedClient {
	if dimensions == 0 {
		dimensions = 384
	}

	return &SharedClient{
		model:      model,
		dimensions: dimensions,
		dataDir:    dataDir,
		grace:      grace,
		logger:     logger,
		paths:      PathsFor(dataDir),
	}
}

func (c *SharedClient) Dimensions() int {
	return c.dimensions
}

func (c *SharedClient) Name() string {
	return "shared/" + c.model
}

// Mode reports which tier is currently active
func (c *SharedClient) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *SharedClient) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.mode {
	case ModeServer:
		return true
	case ModeLocal:
		return c.local.Ready()
	default:
		return false
	}
}

// Warmup runs server acquisition in the background. Idempotent.
func (c *SharedClient) Warmup() {
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.ensureLocked()
	}()
}

// Embed resolves the provider tier on first use, then embeds the batch.
// Failures degrade to zero vectors.
func (c *SharedClient) Embed(ctx context.Context, texts []string) [][]float32 {
	if len(texts) == 0 {
		return nil
	}

	c.mu.Lock()
	c.ensureLocked()

	if c.mode == ModeServer {
		resp, err := c.conn.Call(ipc.Request{Action: ipc.ActionEmbed, Texts: texts}, embedTimeout)
		if err == nil && len(resp.Embeddings) == len(texts) {
			c.mu.Unlock()
			return resp.Embeddings
		}

		if err == nil {
			err = fmt.Errorf("server returned %d embeddings for %d texts", len(resp.Embeddings), len(texts))
		}
		c.fallBackLocked("embed round-trip failed", err)
	}

	local := c.local
	c.mu.Unlock()

	if local == nil {
		return ZeroVectors(len(texts), c.dimensions)
	}
	return local.Embed(ctx, texts)
}

// Test embeds a probe string and checks a usable vector came back
func (c *SharedClient) Test(ctx context.Context) bool {
	vectors := c.Embed(ctx, []string{"connectivity check"})
	return len(vectors) == 1 && !IsZeroVector(vectors[0])
}

// Close releases the server connection, letting the server arm its idle
// timer once the last client disconnects.
func (c *SharedClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		// Best effort: the server also decrements on connection close
		_, _ = c.conn.Call(ipc.Request{Action: ipc.ActionDisconnect}, healthTimeout)
		c.conn.Close()
		c.conn = nil
	}

	if c.local != nil {
		return c.local.Close()
	}
	return nil
}

// ensureLocked runs the acquisition protocol once. Callers hold c.mu.
func (c *SharedClient) ensureLocked() {
	if c.mode != ModeUnset {
		return
	}

	// Step 1: existing witnesses plus a live, identity-matched server
	if resp := c.probe(); resp != nil {
		if c.identityMatches(resp) {
			if c.join() {
				return
			}
		}
		// Identity mismatch or join failure: contend to restart it below
	}

	lock := procrun.NewDirLock(c.paths.Lock, lockStaleAfter)
	if !lock.TryAcquire() {
		// Another process is starting the server; wait for it
		if c.pollJoin(joinWait) {
			return
		}
		c.fallBackLocked("peer server start timed out", nil)
		return
	}
	defer lock.Release()

	// Re-probe under the lock: the previous holder may have finished
	if resp := c.probe(); resp != nil && c.identityMatches(resp) {
		if c.join() {
			return
		}
	}

	// Terminate a live server with the wrong identity
	if pid, err := procrun.ReadPID(c.paths.PID); err == nil && procrun.Alive(pid) {
		c.logger.Info().Int("pid", pid).Msg("Stopping embedding server with mismatched identity")
		if !procrun.Terminate(pid, 100*time.Millisecond, terminateWait) {
			c.fallBackLocked("mismatched server did not exit", nil)
			return
		}
	}

	// Clean stale witnesses before spawning
	_ = procrun.RemovePIDFile(c.paths.PID)
	_ = os.Remove(c.paths.Socket)

	if err := c.spawn(); err != nil {
		c.fallBackLocked("failed to spawn embedding server", err)
		return
	}

	if c.pollJoin(startWait) {
		return
	}
	c.fallBackLocked("spawned server did not become ready", nil)
}

// probe checks the filesystem witnesses and runs a bounded health probe.
// Returns nil when no live server answers.
func (c *SharedClient) probe() *ipc.Response {
	pid, err := procrun.ReadPID(c.paths.PID)
	if err != nil || !procrun.Alive(pid) {
		return nil
	}

	if _, err := os.Stat(c.paths.Socket); err != nil {
		return nil
	}

	resp, err := ipc.Roundtrip(c.paths.Socket, ipc.Request{Action: ipc.ActionHealth}, healthTimeout)
	if err != nil {
		return nil
	}
	return resp
}

func (c *SharedClient) identityMatches(resp *ipc.Response) bool {
	return resp.Model == c.model && resp.Dimensions == c.dimensions
}

// join opens the persistent connection and registers as a client
func (c *SharedClient) join() bool {
	conn, err := ipc.Dial(c.paths.Socket, healthTimeout)
	if err != nil {
		return false
	}

	if _, err := conn.Call(ipc.Request{Action: ipc.ActionConnect}, healthTimeout); err != nil {
		conn.Close()
		return false
	}

	c.conn = conn
	c.mode = ModeServer
	c.logger.Debug().Str("socket", c.paths.Socket).Msg("Joined shared embedding server")
	return true
}

// pollJoin probes at fixed intervals until an identity-matched server
// answers or the window closes
func (c *SharedClient) pollJoin(window time.Duration) bool {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if resp := c.probe(); resp != nil && c.identityMatches(resp) {
			if c.join() {
				return true
			}
		}
		time.Sleep(joinPollInterval)
	}
	return false
}

// spawn starts a detached, unreferenced server process
func (c *SharedClient) spawn() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable: %w", err)
	}

	cmd := exec.Command(exe, "embed-server",
		"--model", c.model,
		"--dimensions", strconv.Itoa(c.dimensions),
		"--grace-period", strconv.Itoa(int(c.grace.Seconds())),
		"--data-dir", c.dataDir,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start embedding server: %w", err)
	}

	// Unreference so the child outlives us
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("failed to release server process: %w", err)
	}

	c.logger.Info().Str("model", c.model).Int("dimensions", c.dimensions).Msg("Spawned shared embedding server")
	return nil
}

// fallBackLocked switches to the in-process model for the rest of this
// client's lifetime. Callers hold c.mu.
func (c *SharedClient) fallBackLocked(reason string, err error) {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	evt := c.logger.Warn().Str("reason", reason).Str("from", c.mode.String())
	if err != nil {
		evt = evt.Err(err)
	}
	evt.Msg("Falling back to in-process embedding model")

	c.mode = ModeLocal
	if c.local == nil {
		c.local = NewLocalProvider(c.model, c.dimensions, c.dataDir, c.logger)
		c.local.Warmup()
	}
}
