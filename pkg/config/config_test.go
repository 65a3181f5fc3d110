package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/bindery/pkg/errors"
	"github.com/odvcencio/bindery/pkg/security"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "bindery-worker", cfg.Worker.Name)
	assert.Equal(t, []string{"--json-rpc"}, cfg.Worker.Args)
	assert.Equal(t, 5*time.Minute, cfg.Connection.Timeout)
	assert.Equal(t, 3*time.Second, cfg.Connection.GracePeriod)
	assert.Equal(t, int64(security.DefaultMaxRequestBytes), cfg.Security.MaxRequestBytes)
	assert.Equal(t, security.DefaultBlockedMethods, cfg.Security.BlockedMethods)
	assert.Equal(t, 5000, cfg.Audit.MaxRecords)
	assert.Equal(t, 500, cfg.Audit.EvictBlock)
	assert.Equal(t, "high", cfg.Audit.EmitSeverity)
	assert.True(t, cfg.Fallback.IsEnabled())
	assert.Equal(t, 100*time.Millisecond, cfg.Fallback.MinLatency)
	assert.Equal(t, 300*time.Millisecond, cfg.Fallback.MaxLatency)
	require.Len(t, cfg.RateLimit.Rules, 1)
	assert.Equal(t, "default", cfg.RateLimit.Rules[0].ID)

	require.NoError(t, cfg.Validate())
}

func TestNormalizeKeepsSetValues(t *testing.T) {
	cfg := &Config{
		Connection: ConnectionConfig{Timeout: time.Second},
		Audit:      AuditConfig{MaxRecords: 100},
	}
	cfg.Normalize()

	assert.Equal(t, time.Second, cfg.Connection.Timeout)
	assert.Equal(t, 100, cfg.Audit.MaxRecords)
	assert.Equal(t, 10, cfg.Audit.EvictBlock, "evict block follows the configured max")

	again := *cfg
	again.Normalize()
	assert.Equal(t, cfg.Audit, again.Audit, "normalize is idempotent")
}

func TestParse_EmptyDocumentIsDefault(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Connection, cfg.Connection)
}

func TestParse_FullDocument(t *testing.T) {
	doc := `
worker:
  path: /opt/bindery/bin/bindery-worker
  workspace_root: /srv/vault
connection:
  timeout: 90s
security:
  max_request_bytes: 2048
  blocked_methods: [system/exec]
  max_process_memory: 512 MiB
  require_sandbox: true
rate_limit:
  default_rate: 50
  rules:
    - id: writes
      resource_pattern: "tasks/(create|update|delete)"
      priority: 10
      bucket: {capacity: 5, refill_rate: 1, refill_interval: 2s}
      breaker: {threshold: 3, cooldown: 10s}
      actions:
        - {type: alert, threshold_percent: 90}
    - id: reads
      resource_pattern: ".*"
      enabled: false
audit:
  max_records: 200
  emit_severity: MEDIUM
fallback:
  enabled: false
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.Connection.Timeout)
	assert.Equal(t, []string{"/srv/vault"}, cfg.Security.WorkspaceRoots, "workspace root seeds the allowed roots")
	assert.Equal(t, "medium", cfg.Audit.EmitSeverity)
	assert.Equal(t, 20, cfg.Audit.EvictBlock)
	assert.False(t, cfg.Fallback.IsEnabled())

	limit, err := cfg.Security.MemoryLimit()
	require.NoError(t, err)
	assert.Equal(t, uint64(512<<20), limit)

	rules := cfg.RateLimit.LimiterRules()
	require.Len(t, rules, 2)
	assert.True(t, rules[0].Enabled)
	assert.Equal(t, 5, rules[0].Bucket.Capacity)
	assert.Equal(t, 2*time.Second, rules[0].Bucket.RefillInterval)
	assert.False(t, rules[1].Enabled)
	assert.Equal(t, 60, rules[1].Bucket.Capacity, "unset bucket fields take defaults")

	policy := cfg.Security.Policy()
	assert.Equal(t, int64(2048), policy.MaxRequestBytes)
	assert.True(t, policy.SanitizeResponses)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("worker:\n  pathh: /bin/x\n"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigParse))
	assert.Contains(t, err.Error(), "pathh")
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"negative timeout", "connection:\n  timeout: -1s\n", "connection.timeout"},
		{"bad action", "rate_limit:\n  rules:\n    - {id: a, resource_pattern: x, actions: [{type: page}]}\n", "type"},
		{"duplicate rule", "rate_limit:\n  rules:\n    - {id: a, resource_pattern: x}\n    - {id: a, resource_pattern: y}\n", "duplicate id"},
		{"bad pattern", "rate_limit:\n  rules:\n    - {id: a, resource_pattern: \"(\"}\n", "resource_pattern"},
		{"bad memory", "security:\n  max_process_memory: lots\n", "max_process_memory"},
		{"bad severity", "audit:\n  emit_severity: urgent\n", "emit_severity"},
		{"evict over max", "audit:\n  max_records: 10\n  evict_block: 20\n", "evict_block"},
		{"relative root", "security:\n  workspace_roots: [vault]\n", "not absolute"},
		{"bad level", "logging:\n  level: chatty\n", "logging.level"},
		{"inverted latency", "fallback:\n  min_latency: 2s\n  max_latency: 1s\n", "max_latency"},
		{"bad nats url", "events:\n  nats_url: not a url\n", "nats_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeConfigInvalid), err.Error())
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigLoad))
}

func TestLoad_AddsPathToParseErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindery.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nope: 1\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

type reloads struct {
	mu   sync.Mutex
	cfgs []*Config
	errs []error
}

func (r *reloads) record(cfg *Config, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errs = append(r.errs, err)
		return
	}
	r.cfgs = append(r.cfgs, cfg)
}

func (r *reloads) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cfgs), len(r.errs)
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bindery.yaml")
	require.NoError(t, os.WriteFile(path, []byte("connection:\n  timeout: 1s\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	got := &reloads{}
	done := make(chan error, 1)
	go func() { done <- watch(ctx, path, 20*time.Millisecond, got.record) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte("connection:\n  timeout: 2s\n"), 0o600))

	require.Eventually(t, func() bool {
		n, _ := got.counts()
		return n >= 1
	}, 5*time.Second, 10*time.Millisecond)

	got.mu.Lock()
	last := got.cfgs[len(got.cfgs)-1]
	got.mu.Unlock()
	assert.Equal(t, 2*time.Second, last.Connection.Timeout)

	require.NoError(t, os.WriteFile(path, []byte("connection:\n  timeout: banana\n"), 0o600))
	require.Eventually(t, func() bool {
		_, n := got.counts()
		return n >= 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "missing", "bindery.yaml"), func(*Config, error) {})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigLoad))
}
