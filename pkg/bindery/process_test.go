//go:build !windows

package bindery

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/bindery/pkg/audit"
	"github.com/odvcencio/bindery/pkg/config"
	"github.com/odvcencio/bindery/pkg/errors"
	"github.com/odvcencio/bindery/pkg/rpc"
	"github.com/odvcencio/bindery/pkg/transport"
)

func workerConfig(t *testing.T) *config.Config {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Worker.Path = self
	cfg.Worker.WorkspaceRoot = t.TempDir()
	cfg.Worker.Env = map[string]string{fakeWorkerEnv: "1"}
	cfg.Security.WorkspaceRoots = []string{cfg.Worker.WorkspaceRoot}
	return cfg
}

func connectedClient(t *testing.T, cfg *config.Config, opts ...Option) *Client {
	t.Helper()
	c := newTestClient(t, cfg, opts...)
	require.NoError(t, c.Initialize(context.Background()))
	return c
}

func waitMode(t *testing.T, c *Client, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Status().Mode == want
	}, 3*time.Second, 5*time.Millisecond, "mode never became %s", want)
}

func TestClient_InitializeAndCall(t *testing.T) {
	c := connectedClient(t, workerConfig(t))

	st := c.Status()
	assert.Equal(t, "connected", st.Mode)
	assert.Equal(t, transport.StatusConnected, st.Connection.Status)
	assert.Equal(t, "9.9.9-test", st.Connection.Version)
	assert.NotZero(t, st.Connection.ProcessID)

	res := c.SendRequest(context.Background(), "echo", map[string]any{"a": 1})
	require.True(t, res.Success, "%+v", res.Error)
	assert.JSONEq(t, `{"a":1}`, string(res.Data))

	recs := c.RecentAudit(1)
	require.Len(t, recs, 1)
	assert.Equal(t, "echo", recs[0].Operation)
	// The version handshake used id 1.
	assert.Equal(t, uint64(2), recs[0].RequestID)
	assert.Equal(t, audit.OutcomeSuccess, recs[0].Result)

	// Initializing a connected client changes nothing.
	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, st.Connection.ProcessID, c.Status().Connection.ProcessID)
}

func TestClient_WorkerResponsesAreSanitized(t *testing.T) {
	c := connectedClient(t, workerConfig(t))

	res := c.SendRequest(context.Background(), "secret", nil)
	require.True(t, res.Success)
	assert.JSONEq(t, `{"user":"ada","password":"[REDACTED]"}`, string(res.Data))
	assert.Equal(t, uint64(1), c.AuditMetrics().Sanitized)
}

func TestClient_BackendError(t *testing.T) {
	c := connectedClient(t, workerConfig(t))

	res := c.SendRequest(context.Background(), "fail", nil)
	require.False(t, res.Success)
	assert.Equal(t, -32000, res.Error.Code)
	assert.Equal(t, "boom", res.Error.Message)
	assert.Equal(t, errors.ErrCodeBackend, res.Error.Kind)
	assert.True(t, errors.IsRetryable(res.Err()))
}

func TestClient_PathOutsideWorkspaceBlocked(t *testing.T) {
	c := connectedClient(t, workerConfig(t))

	res := c.SendRequest(context.Background(), "echo", map[string]any{"path": "/etc/shadow"})
	require.False(t, res.Success)
	assert.Equal(t, errors.ErrCodeThreatDetected, res.Error.Kind)
}

func TestClient_Timeout(t *testing.T) {
	cfg := workerConfig(t)
	cfg.Connection.Timeout = 150 * time.Millisecond
	c := connectedClient(t, cfg)

	res := c.SendRequest(context.Background(), "hang", nil)
	require.False(t, res.Success)
	assert.Equal(t, rpc.CodeTimeout, res.Error.Code)
	assert.Equal(t, "Request timeout", res.Error.Message)
	assert.Equal(t, uint64(1), c.AuditMetrics().ByResult[audit.OutcomeTimeout])
	assert.Zero(t, c.Status().Pending)
}

func TestClient_ConcurrentCallsSettleWithOwnResults(t *testing.T) {
	c := connectedClient(t, workerConfig(t))

	const n = 24
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := c.SendRequest(context.Background(), "echo", map[string]int{"n": i})
			if !assert.True(t, res.Success) {
				return
			}
			var got map[string]int
			require.NoError(t, json.Unmarshal(res.Data, &got))
			assert.Equal(t, i, got["n"])
		}()
	}
	wg.Wait()
	assert.Zero(t, c.Status().Pending)
}

func TestClient_CrashCancelsPendingAndNeedsInitialize(t *testing.T) {
	c := connectedClient(t, workerConfig(t))
	ctx := context.Background()

	hung := make(chan rpc.Result, 1)
	go func() { hung <- c.SendRequest(ctx, "hang", nil) }()
	require.Eventually(t, func() bool { return c.Status().Pending == 1 }, time.Second, time.Millisecond)

	res := c.SendRequest(ctx, "crash", nil)
	require.False(t, res.Success)
	assert.Contains(t, res.Error.Message, "closed")

	select {
	case res := <-hung:
		require.False(t, res.Success)
		assert.Equal(t, rpc.CodeConnectionClosed, res.Error.Code)
		assert.Contains(t, res.Error.Message, "closed")
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not cancelled")
	}

	waitMode(t, c, "exited")
	st := c.Status()
	assert.Equal(t, transport.StatusDisconnected, st.Connection.Status)
	assert.Contains(t, st.Connection.LastError, "exit status 3")

	// No silent mock answers after a crash.
	res = c.SendRequest(ctx, "ping", nil)
	require.False(t, res.Success)
	assert.Equal(t, errors.ErrCodeConnectionClosed, res.Error.Kind)

	require.NoError(t, c.Initialize(ctx))
	assert.Equal(t, "connected", c.Status().Mode)
	assert.True(t, c.SendRequest(ctx, "echo", nil).Success)
}

func TestClient_DisconnectCancelsPendingThenStops(t *testing.T) {
	c := connectedClient(t, workerConfig(t))
	ctx := context.Background()

	hung := make(chan rpc.Result, 1)
	go func() { hung <- c.SendRequest(ctx, "hang", nil) }()
	require.Eventually(t, func() bool { return c.Status().Pending == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.Disconnect(ctx))

	res := <-hung
	require.False(t, res.Success)
	assert.Equal(t, errors.ErrCodeConnectionClosed, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "client disconnecting")

	st := c.Status()
	assert.Equal(t, "idle", st.Mode)
	assert.Equal(t, transport.StatusDisconnected, st.Connection.Status)

	// Idle again: the mock answers.
	res = c.SendRequest(ctx, "ping", nil)
	require.True(t, res.Success)
	assert.Contains(t, string(res.Data), `"mock":true`)

	require.NoError(t, c.Disconnect(ctx))
}

type fixedSampler struct {
	rss uint64
}

func (s fixedSampler) Sample(pid int) (transport.ProcessSample, error) {
	return transport.ProcessSample{PID: pid, RSSBytes: s.rss, SampledAt: time.Now()}, nil
}

func TestClient_MemoryViolationTerminatesAndAudits(t *testing.T) {
	cfg := workerConfig(t)
	cfg.Security.MaxProcessMemory = "1 MiB"
	cfg.Security.MonitorInterval = 20 * time.Millisecond
	cfg.Security.RequireSandbox = true
	c := connectedClient(t, cfg, WithSampler(fixedSampler{rss: 64 << 20}))

	waitMode(t, c, "exited")
	assert.Contains(t, c.Status().Connection.LastError, "memory")

	require.Eventually(t, func() bool {
		for _, rec := range c.RecentAudit(10) {
			if rec.Operation == "process/memory" && rec.Result == audit.OutcomeBlocked {
				return rec.ProcessMetrics != nil && rec.ProcessMetrics.MemoryBytes == 64<<20
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, c.Status().Violations, uint64(1))
}

func TestClient_CloseStopsWorker(t *testing.T) {
	c := connectedClient(t, workerConfig(t))
	pid := c.Status().Connection.ProcessID
	require.NotZero(t, pid)

	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, "disposed", c.Status().Mode)
	assert.Equal(t, transport.StatusDisconnected, c.Status().Connection.Status)
}
