// Package bindery is the client facade. It owns one worker process and
// routes every call through request validation, admission control,
// correlation over the worker's stdio, response validation and audit.
package bindery

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/bindery/pkg/audit"
	"github.com/odvcencio/bindery/pkg/bus"
	"github.com/odvcencio/bindery/pkg/config"
	"github.com/odvcencio/bindery/pkg/errors"
	"github.com/odvcencio/bindery/pkg/fallback"
	"github.com/odvcencio/bindery/pkg/jsonrpc"
	"github.com/odvcencio/bindery/pkg/logging"
	"github.com/odvcencio/bindery/pkg/ratelimit"
	"github.com/odvcencio/bindery/pkg/rpc"
	"github.com/odvcencio/bindery/pkg/security"
	"github.com/odvcencio/bindery/pkg/telemetry"
	"github.com/odvcencio/bindery/pkg/transport"
)

// mode is the client's own view of the connection. It is kept apart from
// the transport status so that "never connected" and "shutting down" are
// never confused.
type mode int32

const (
	// modeIdle: no process attached. Calls use the mock fallback when
	// enabled.
	modeIdle mode = iota
	modeConnected
	// modeDisconnecting: Disconnect is in progress; calls fail with
	// CONNECTION_CLOSED.
	modeDisconnecting
	// modeExited: the worker went away without being asked to. Calls fail
	// with CONNECTION_CLOSED until Initialize is called again.
	modeExited
	modeDisposed
)

func (m mode) String() string {
	switch m {
	case modeIdle:
		return "idle"
	case modeConnected:
		return "connected"
	case modeDisconnecting:
		return "disconnecting"
	case modeExited:
		return "exited"
	case modeDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger replaces the logger built from the logging config.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithClock sets the time source for audit records and rate limiting.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.clock = now
	}
}

// WithMetrics shares a metrics set instead of creating a private one.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithTracing sets the span source. The caller keeps ownership.
func WithTracing(t *telemetry.Tracing) Option {
	return func(c *Client) {
		c.tracing = t
	}
}

// WithBus publishes high-severity events on b instead of a bus opened from
// the events config. The caller keeps ownership.
func WithBus(b bus.MessageBus) Option {
	return func(c *Client) {
		c.bus = b
	}
}

// WithAuditLogger adds a security event sink next to the built-in ones.
func WithAuditLogger(l audit.AuditLogger) Option {
	return func(c *Client) {
		c.extraSinks = append(c.extraSinks, l)
	}
}

// WithSampler replaces the platform process sampler.
func WithSampler(s transport.Sampler) Option {
	return func(c *Client) {
		c.sampler = s
	}
}

// WithFallback replaces the built-in mock responder.
func WithFallback(r *fallback.Responder) Option {
	return func(c *Client) {
		c.fallback = r
	}
}

// WithLookPath overrides the PATH lookup used to find the worker.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(c *Client) {
		c.lookPath = fn
	}
}

// Client is the facade over one worker process.
type Client struct {
	id     string
	logger *logging.Logger
	clock  func() time.Time

	cfgMu sync.RWMutex
	cfg   *config.Config

	// lifeMu serializes Initialize, Disconnect and Close.
	lifeMu sync.Mutex
	mode   atomic.Int32

	transport  *transport.Transport
	correlator *rpc.Correlator
	pipeline   *security.Pipeline
	limiter    *ratelimit.Limiter
	audit      *audit.Log
	fallback   *fallback.Responder
	metrics    *telemetry.Metrics
	tracing    *telemetry.Tracing
	bus        bus.MessageBus
	sampler    transport.Sampler
	lookPath   func(string) (string, error)

	extraSinks []audit.AuditLogger
	closers    []io.Closer
}

// New builds a client from cfg. A nil cfg means config.Default(). No
// process is started until Initialize.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	} else {
		cfg = cloneConfig(cfg)
		cfg.Normalize()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		id:  uuid.NewString(),
		cfg: cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = time.Now
	}

	if err := c.initLogger(cfg.Logging); err != nil {
		return nil, err
	}
	c.logger = c.logger.With("client_id", c.id)

	ownMetrics := c.metrics == nil
	if ownMetrics {
		c.metrics = telemetry.NewMetrics(nil)
	}
	if c.tracing == nil {
		if cfg.Telemetry.Tracing {
			tr, err := telemetry.NewTracing(cfg.Telemetry.ServiceName, nil)
			if err != nil {
				c.closeOwned()
				return nil, err
			}
			c.tracing = tr
			c.closers = append(c.closers, closerFunc(func() error {
				return tr.Shutdown(context.Background())
			}))
		} else {
			c.tracing = telemetry.NoopTracing()
		}
	}

	if err := c.initAudit(cfg); err != nil {
		c.closeOwned()
		return nil, err
	}

	limiter, err := ratelimit.NewLimiter(cfg.RateLimit.LimiterRules(), ratelimit.Options{
		DefaultRate:  cfg.RateLimit.DefaultRate,
		DefaultBurst: cfg.RateLimit.DefaultBurst,
		Clock:        ratelimit.Clock(c.clock),
		Logger:       c.logger,
		OnStateChange: func(ruleID string, ev ratelimit.StateChangeEvent) {
			c.metrics.SetBreakerState(ruleID, ev.To)
		},
	})
	if err != nil {
		c.closeOwned()
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid rate limit rules")
	}
	c.limiter = limiter
	c.pipeline = security.NewPipeline(cfg.Security.Policy())

	if c.fallback == nil {
		c.fallback = fallback.New(fallback.Options{
			MinLatency: cfg.Fallback.MinLatency,
			MaxLatency: cfg.Fallback.MaxLatency,
		})
	}

	memLimit, err := cfg.Security.MemoryLimit()
	if err != nil {
		c.closeOwned()
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid max_process_memory")
	}
	if c.sampler == nil {
		c.sampler = transport.DefaultSampler()
	}
	c.transport = transport.New(transport.Options{
		Logger:      c.logger,
		GracePeriod: cfg.Connection.GracePeriod,
		Limits: transport.Limits{
			MaxMemoryBytes:    memLimit,
			MaxRequestLatency: cfg.Security.MaxRequestLatency,
			Interval:          cfg.Security.MonitorInterval,
			RequireSandbox:    cfg.Security.RequireSandbox,
		},
		Sampler:       c.sampler,
		OldestPending: func() time.Duration { return c.correlator.OldestPending() },
	})
	c.correlator = rpc.New(c.transport, rpc.Options{
		Timeout: cfg.Connection.Timeout,
		Logger:  c.logger,
		OnSettle: func(rpc.Settlement) {
			c.metrics.Pending.Set(float64(c.correlator.Pending()))
		},
	})
	c.transport.SetFrameHandler(func(msg *jsonrpc.Message) {
		c.correlator.OnResponse(msg)
	})
	c.transport.OnStatusChange(func(info transport.ConnectionInfo) {
		c.logger.Debug("connection status changed", "status", info.Status, "pid", info.ProcessID)
	})
	c.transport.OnExit(c.handleExit)
	c.transport.OnViolation(c.handleViolation)

	// Process gauges can only be registered once per registry.
	if ownMetrics {
		c.metrics.WatchProcess(c.transport.DroppedFrames, func() uint64 {
			if s, ok := c.transport.LastSample(); ok {
				return s.RSSBytes
			}
			return 0
		})
	}

	c.mode.Store(int32(modeIdle))
	c.logger.Info("client created", "worker", cfg.Worker.Name, "fallback", cfg.Fallback.IsEnabled())
	return c, nil
}

func (c *Client) initLogger(cfg config.LoggingConfig) error {
	if c.logger != nil {
		c.logger = c.logger.Child("client")
		return nil
	}
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid log level")
	}
	var w io.Writer = os.Stderr
	if cfg.Dir != "" {
		f, err := logging.OpenDailyFile(cfg.Dir, "bindery")
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to open log directory").
				WithContext("dir", cfg.Dir)
		}
		c.closers = append(c.closers, f)
		w = f
	}
	c.logger = logging.New(w, "client", level)
	return nil
}

func (c *Client) initAudit(cfg *config.Config) error {
	sinks := audit.MultiLogger{audit.NewSlogSink(c.logger.Child("audit"))}
	if cfg.Audit.SQLitePath != "" {
		store, err := audit.OpenSQLiteStore(cfg.Audit.SQLitePath)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, store)
		sinks = append(sinks, store)
	}
	sinks = append(sinks, c.extraSinks...)

	if c.bus == nil {
		b, err := bus.Open(bus.Config{
			URL:     cfg.Events.NATSURL,
			Name:    cfg.Telemetry.ServiceName,
			Timeout: cfg.Events.Timeout,
		})
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to open event bus").
				WithContext("url", cfg.Events.NATSURL)
		}
		c.bus = b
		c.closers = append(c.closers, b)
	}

	severity, _ := security.ParseSeverity(cfg.Audit.EmitSeverity)
	c.audit = audit.NewLog(audit.Options{
		MaxRecords:   cfg.Audit.MaxRecords,
		EvictBlock:   cfg.Audit.EvictBlock,
		EmitSeverity: severity,
		Logger:       sinks,
		Emitter:      audit.NewBusEmitter(c.bus, cfg.Events.SubjectPrefix),
		Clock:        c.clock,
	})
	return nil
}

// ID returns the client's unique id, used as the rate-limit client id and
// on every log line.
func (c *Client) ID() string {
	return c.id
}

// Config returns the active configuration.
func (c *Client) Config() *config.Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Metrics returns the client's collectors.
func (c *Client) Metrics() *telemetry.Metrics {
	return c.metrics
}

// Bus returns the event bus high-severity findings are published on.
func (c *Client) Bus() bus.MessageBus {
	return c.bus
}

func (c *Client) currentMode() mode {
	return mode(c.mode.Load())
}

func (c *Client) closeOwned() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return stderrors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
