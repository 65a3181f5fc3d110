// Package config loads the typed bindery configuration from YAML, fills
// defaults with a single total function and validates the result.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/odvcencio/bindery/pkg/ratelimit"
	"github.com/odvcencio/bindery/pkg/security"
	"github.com/odvcencio/bindery/pkg/transport"
)

// Config is the complete client configuration.
type Config struct {
	Worker     WorkerConfig     `yaml:"worker"`
	Connection ConnectionConfig `yaml:"connection"`
	Security   SecurityConfig   `yaml:"security"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Audit      AuditConfig      `yaml:"audit"`
	Events     EventsConfig     `yaml:"events"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
	Fallback   FallbackConfig   `yaml:"fallback"`
}

// WorkerConfig locates and launches the worker process.
type WorkerConfig struct {
	// Path is an explicit executable path; it is tried before SearchDirs
	// and PATH.
	Path          string            `yaml:"path"`
	Name          string            `yaml:"name" validate:"required"`
	Args          []string          `yaml:"args"`
	WorkspaceRoot string            `yaml:"workspace_root"`
	SearchDirs    []string          `yaml:"search_dirs"`
	DeniedDirs    []string          `yaml:"denied_dirs"`
	EnvAllowList  []string          `yaml:"env_allow_list"`
	Env           map[string]string `yaml:"env"`
}

// ConnectionConfig bounds calls and the process lifecycle.
type ConnectionConfig struct {
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	GracePeriod time.Duration `yaml:"grace_period" validate:"gt=0"`
	// MaxRetries and RetryDelay are caller policy for Initialize; calls are
	// never retried automatically.
	MaxRetries int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	RetryDelay time.Duration `yaml:"retry_delay" validate:"gte=0"`
}

// SecurityConfig drives request/response validation and process limits.
type SecurityConfig struct {
	MaxRequestBytes             int64    `yaml:"max_request_bytes" validate:"gt=0"`
	MaxResponseBytes            int64    `yaml:"max_response_bytes" validate:"gt=0"`
	BlockedMethods              []string `yaml:"blocked_methods"`
	WorkspaceRoots              []string `yaml:"workspace_roots"`
	DisableResponseSanitization bool     `yaml:"disable_response_sanitization"`
	// MaxProcessMemory accepts human sizes such as "512 MiB". Empty
	// disables the check.
	MaxProcessMemory  string        `yaml:"max_process_memory"`
	MaxRequestLatency time.Duration `yaml:"max_request_latency" validate:"gte=0"`
	MonitorInterval   time.Duration `yaml:"monitor_interval" validate:"gte=0"`
	RequireSandbox    bool          `yaml:"require_sandbox"`
}

// RateLimitConfig holds the rule set and the global default.
type RateLimitConfig struct {
	// DefaultRate is calls per second for unmatched resources; zero means
	// unlimited.
	DefaultRate  float64      `yaml:"default_rate" validate:"gte=0"`
	DefaultBurst int          `yaml:"default_burst" validate:"gte=0"`
	Rules        []RuleConfig `yaml:"rules" validate:"dive"`
}

// RuleConfig is a rate-limit rule as written in YAML. Enabled defaults to
// true when omitted.
type RuleConfig struct {
	ID              string                  `yaml:"id" validate:"required"`
	ResourcePattern string                  `yaml:"resource_pattern" validate:"required"`
	Bucket          ratelimit.BucketConfig  `yaml:"bucket"`
	Breaker         ratelimit.BreakerConfig `yaml:"breaker"`
	Actions         []ratelimit.Action      `yaml:"actions" validate:"dive"`
	Priority        int                     `yaml:"priority"`
	Enabled         *bool                   `yaml:"enabled"`
}

// AuditConfig sizes the audit ring and selects persistent storage.
type AuditConfig struct {
	MaxRecords int `yaml:"max_records" validate:"gt=0"`
	EvictBlock int `yaml:"evict_block" validate:"gt=0,ltefield=MaxRecords"`
	// EmitSeverity is the minimum severity published as an event.
	EmitSeverity string `yaml:"emit_severity" validate:"oneof=low medium high critical"`
	// SQLitePath enables the persistent store when set.
	SQLitePath string `yaml:"sqlite_path"`
}

// EventsConfig selects the event bus.
type EventsConfig struct {
	// NATSURL selects NATS; empty keeps events in process.
	NATSURL       string        `yaml:"nats_url" validate:"omitempty,url"`
	SubjectPrefix string        `yaml:"subject_prefix" validate:"required"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
}

// TelemetryConfig controls metrics and tracing.
type TelemetryConfig struct {
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	Tracing     bool   `yaml:"tracing"`
	ServiceName string `yaml:"service_name" validate:"required"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	// Dir enables daily log files under the directory.
	Dir string `yaml:"dir"`
}

// FallbackConfig controls offline mock responses.
type FallbackConfig struct {
	Enabled    *bool         `yaml:"enabled"`
	MinLatency time.Duration `yaml:"min_latency" validate:"gte=0"`
	MaxLatency time.Duration `yaml:"max_latency" validate:"gtefield=MinLatency"`
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// DefaultRules is used when no rules are configured: one catch-all rule
// with the stock bucket and breaker.
func DefaultRules() []RuleConfig {
	return []RuleConfig{{
		ID:              "default",
		ResourcePattern: ".*",
		Bucket:          ratelimit.BucketConfig{Capacity: 60, RefillRate: 1, RefillInterval: time.Second},
		Breaker:         ratelimit.BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second},
		Actions:         []ratelimit.Action{{Type: ratelimit.ActionWarn, ThresholdPercent: 80}},
		Enabled:         boolPtr(true),
	}}
}

// Normalize fills every zero field with its default. It never overrides a
// value that was set.
func (c *Config) Normalize() {
	w := &c.Worker
	if w.Name == "" {
		w.Name = "bindery-worker"
	}
	if len(w.Args) == 0 {
		w.Args = []string{"--json-rpc"}
	}
	if w.WorkspaceRoot != "" {
		w.WorkspaceRoot = filepath.Clean(expandHome(w.WorkspaceRoot))
	}
	if w.SearchDirs == nil {
		w.SearchDirs = transport.DefaultSearchDirs()
	}
	if w.DeniedDirs == nil {
		w.DeniedDirs = append([]string(nil), transport.DefaultDeniedDirs...)
	}
	if w.EnvAllowList == nil {
		w.EnvAllowList = append([]string(nil), transport.DefaultEnvAllowList...)
	}

	cn := &c.Connection
	if cn.Timeout == 0 {
		cn.Timeout = 5 * time.Minute
	}
	if cn.GracePeriod == 0 {
		cn.GracePeriod = transport.DefaultGracePeriod
	}
	if cn.MaxRetries == 0 {
		cn.MaxRetries = 3
	}
	if cn.RetryDelay == 0 {
		cn.RetryDelay = time.Second
	}

	s := &c.Security
	if s.MaxRequestBytes == 0 {
		s.MaxRequestBytes = security.DefaultMaxRequestBytes
	}
	if s.MaxResponseBytes == 0 {
		s.MaxResponseBytes = security.DefaultMaxResponseBytes
	}
	if s.BlockedMethods == nil {
		s.BlockedMethods = append([]string(nil), security.DefaultBlockedMethods...)
	}
	if s.WorkspaceRoots == nil && w.WorkspaceRoot != "" {
		s.WorkspaceRoots = []string{w.WorkspaceRoot}
	}
	if s.MonitorInterval == 0 {
		s.MonitorInterval = 5 * time.Second
	}

	if len(c.RateLimit.Rules) == 0 {
		c.RateLimit.Rules = DefaultRules()
	}
	for i := range c.RateLimit.Rules {
		r := &c.RateLimit.Rules[i]
		if r.Enabled == nil {
			r.Enabled = boolPtr(true)
		}
		if r.Bucket.Capacity == 0 {
			r.Bucket.Capacity = 60
		}
		if r.Bucket.RefillRate == 0 {
			r.Bucket.RefillRate = 1
		}
		if r.Bucket.RefillInterval == 0 {
			r.Bucket.RefillInterval = time.Second
		}
		if r.Breaker.Threshold == 0 {
			r.Breaker.Threshold = 5
		}
		if r.Breaker.Cooldown == 0 {
			r.Breaker.Cooldown = 30 * time.Second
		}
	}

	a := &c.Audit
	if a.MaxRecords == 0 {
		a.MaxRecords = 5000
	}
	if a.EvictBlock == 0 {
		a.EvictBlock = max(1, a.MaxRecords/10)
	}
	if a.EmitSeverity == "" {
		a.EmitSeverity = string(security.SeverityHigh)
	}
	a.EmitSeverity = strings.ToLower(a.EmitSeverity)

	e := &c.Events
	if e.SubjectPrefix == "" {
		e.SubjectPrefix = "bindery.events"
	}
	if e.Timeout == 0 {
		e.Timeout = 5 * time.Second
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "bindery"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)

	f := &c.Fallback
	if f.Enabled == nil {
		f.Enabled = boolPtr(true)
	}
	if f.MinLatency == 0 && f.MaxLatency == 0 {
		f.MinLatency = 100 * time.Millisecond
		f.MaxLatency = 300 * time.Millisecond
	}
}

// LimiterRules converts the configured rules for the limiter.
func (r RateLimitConfig) LimiterRules() []ratelimit.Rule {
	out := make([]ratelimit.Rule, 0, len(r.Rules))
	for _, rc := range r.Rules {
		out = append(out, ratelimit.Rule{
			ID:              rc.ID,
			ResourcePattern: rc.ResourcePattern,
			Bucket:          rc.Bucket,
			Breaker:         rc.Breaker,
			Actions:         append([]ratelimit.Action(nil), rc.Actions...),
			Priority:        rc.Priority,
			Enabled:         rc.Enabled == nil || *rc.Enabled,
		})
	}
	return out
}

// Policy converts the security section for the validation pipeline.
func (s SecurityConfig) Policy() security.Policy {
	return security.Policy{
		MaxRequestBytes:   s.MaxRequestBytes,
		MaxResponseBytes:  s.MaxResponseBytes,
		BlockedMethods:    append([]string(nil), s.BlockedMethods...),
		WorkspaceRoots:    append([]string(nil), s.WorkspaceRoots...),
		SanitizeResponses: !s.DisableResponseSanitization,
	}
}

// MemoryLimit parses MaxProcessMemory. Empty means no limit.
func (s SecurityConfig) MemoryLimit() (uint64, error) {
	if strings.TrimSpace(s.MaxProcessMemory) == "" {
		return 0, nil
	}
	return humanize.ParseBytes(s.MaxProcessMemory)
}

// IsEnabled reports whether offline mock responses are allowed.
func (f FallbackConfig) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

func boolPtr(b bool) *bool { return &b }
