package bindery

import (
	"context"

	"github.com/odvcencio/bindery/pkg/audit"
	"github.com/odvcencio/bindery/pkg/config"
	"github.com/odvcencio/bindery/pkg/errors"
	"github.com/odvcencio/bindery/pkg/ratelimit"
	"github.com/odvcencio/bindery/pkg/transport"
)

// Status is a point-in-time view of the client.
type Status struct {
	ClientID      string                   `json:"client_id"`
	Mode          string                   `json:"mode"`
	Connection    transport.ConnectionInfo `json:"connection"`
	Pending       int                      `json:"pending"`
	DroppedFrames uint64                   `json:"dropped_frames"`
	Violations    uint64                   `json:"violations"`
	Process       *transport.ProcessSample `json:"process,omitempty"`
	RateLimits    []ratelimit.RuleStats    `json:"rate_limits"`
	Fallback      bool                     `json:"fallback"`
}

// Status reports the connection, in-flight calls and limiter state.
func (c *Client) Status() Status {
	st := Status{
		ClientID:      c.id,
		Mode:          c.currentMode().String(),
		Connection:    c.transport.Info(),
		Pending:       c.correlator.Pending(),
		DroppedFrames: c.transport.DroppedFrames(),
		Violations:    c.transport.Violations(),
		RateLimits:    c.limiter.Stats(),
		Fallback:      c.Config().Fallback.IsEnabled(),
	}
	if sample, ok := c.transport.LastSample(); ok {
		st.Process = &sample
	}
	return st
}

// AuditMetrics returns the audit aggregates.
func (c *Client) AuditMetrics() audit.Metrics {
	return c.audit.Metrics()
}

// RecentAudit returns up to n of the newest audit records, oldest first.
func (c *Client) RecentAudit(n int) []audit.Record {
	return c.audit.Recent(n)
}

// ApplyConfig swaps in a new configuration. Rate-limit rules, the security
// policy and the fallback switch take effect at once; rules that did not
// change keep their bucket and breaker state. Worker settings are used by
// the next Initialize. Transport limits, audit, events, logging and
// telemetry settings are fixed when the client is created.
func (c *Client) ApplyConfig(cfg *config.Config) error {
	if c.currentMode() == modeDisposed {
		return errors.New(errors.ErrCodeClientDisposed, "client disposed")
	}
	if cfg == nil {
		return errors.New(errors.ErrCodeConfigInvalid, "nil config")
	}
	cfg = cloneConfig(cfg)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := c.limiter.Replace(cfg.RateLimit.LimiterRules()); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid rate limit rules")
	}
	c.pipeline.SetPolicy(cfg.Security.Policy())

	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()

	c.logger.Info("configuration applied",
		"rules", len(cfg.RateLimit.Rules),
		"blocked_methods", len(cfg.Security.BlockedMethods),
	)
	return nil
}

// WatchConfig applies path every time it changes until ctx ends. Invalid
// files are logged and the previous configuration stays in force.
func (c *Client) WatchConfig(ctx context.Context, path string) error {
	return config.Watch(ctx, path, func(cfg *config.Config, err error) {
		if err != nil {
			c.logger.Warn("config reload failed", "path", path, "error", err)
			return
		}
		if err := c.ApplyConfig(cfg); err != nil {
			c.logger.Warn("config reload rejected", "path", path, "error", err)
		}
	})
}

// cloneConfig copies cfg deeply enough that Normalize cannot reach back
// into the caller's rule slice.
func cloneConfig(cfg *config.Config) *config.Config {
	out := *cfg
	out.RateLimit.Rules = append([]config.RuleConfig(nil), cfg.RateLimit.Rules...)
	return &out
}
