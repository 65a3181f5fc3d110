package bindery

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/odvcencio/bindery/pkg/audit"
	"github.com/odvcencio/bindery/pkg/errors"
	"github.com/odvcencio/bindery/pkg/security"
	"github.com/odvcencio/bindery/pkg/telemetry"
	"github.com/odvcencio/bindery/pkg/transport"
)

// versionTimeout bounds the handshake call made after a successful spawn.
const versionTimeout = 5 * time.Second

// Initialize resolves and starts the worker. It is a no-op when already
// connected and the only way to restart a worker that exited. A failure
// leaves the client usable in its previous mode.
func (c *Client) Initialize(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	switch c.currentMode() {
	case modeDisposed:
		return errors.New(errors.ErrCodeClientDisposed, "client disposed").
			WithUserMessage("Create a new client; this one has been closed.")
	case modeConnected:
		return nil
	}

	ctx, span := c.tracing.StartSpan(ctx, "bindery.Initialize")
	err := c.start(ctx)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	telemetry.EndSpan(span, outcome, err)
	return err
}

func (c *Client) start(ctx context.Context) error {
	w := c.Config().Worker

	path, err := transport.ResolveExecutable(transport.ResolveOptions{
		ExplicitPath: w.Path,
		Name:         w.Name,
		SearchDirs:   w.SearchDirs,
		DeniedDirs:   w.DeniedDirs,
		LookPath:     c.lookPath,
	})
	if err != nil {
		c.logger.Error("worker not found", "name", w.Name, "error", err)
		return err
	}

	c.correlator.Reset()
	err = c.transport.Start(ctx, transport.StartOptions{
		Path: path,
		Args: w.Args,
		Env:  transport.RestrictedEnv(w.EnvAllowList, w.Env),
		Dir:  w.WorkspaceRoot,
	})
	if err != nil {
		return err
	}
	c.mode.Store(int32(modeConnected))
	c.metrics.ProcessStarts.Inc()

	c.handshake(ctx)
	info := c.transport.Info()
	c.logger.Info("worker connected", "pid", info.ProcessID, "path", path, "version", info.Version)
	return nil
}

// handshake asks the worker for its version. Workers that do not answer
// are still usable, so failures are only logged.
func (c *Client) handshake(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	res := c.correlator.Call(ctx, "version", nil)
	if !res.Success {
		c.logger.Warn("version handshake failed", "error", res.Err())
		return
	}
	var payload struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(res.Data, &payload); err != nil || payload.Version == "" {
		c.logger.Debug("version handshake returned no version", "data", string(res.Data))
		return
	}
	c.transport.SetVersion(payload.Version)
}

// Disconnect stops the worker. New calls are rejected from the moment it
// starts, pending calls settle with a connection-closed result, then the
// worker gets SIGTERM and, after the grace period, SIGKILL. Afterwards the
// client is idle again.
func (c *Client) Disconnect(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	switch c.currentMode() {
	case modeDisposed:
		return errors.New(errors.ErrCodeClientDisposed, "client disposed")
	case modeIdle:
		return nil
	}
	err := c.shutdown(ctx, "client disconnecting")
	c.mode.Store(int32(modeIdle))
	return err
}

// Close disconnects and releases everything the client opened. Later calls
// fail with CLIENT_DISPOSED. Close is idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.currentMode() == modeDisposed {
		return nil
	}
	err := c.shutdown(ctx, "client disposed")
	c.mode.Store(int32(modeDisposed))
	c.logger.Info("client closed")
	return stderrors.Join(err, c.closeOwned())
}

func (c *Client) shutdown(ctx context.Context, reason string) error {
	c.mode.Store(int32(modeDisconnecting))
	cancelled := c.correlator.Close(reason)
	c.metrics.Pending.Set(0)
	err := c.transport.Stop(ctx, true)
	c.logger.Info("worker stopped", "reason", reason, "cancelled", cancelled)
	return err
}

func (c *Client) handleExit(ev transport.ExitEvent) {
	reason := "process exited"
	if ev.Reason != "" {
		reason = ev.Reason
	}
	cancelled := c.correlator.CancelAll(reason)
	c.metrics.Pending.Set(0)
	if c.mode.CompareAndSwap(int32(modeConnected), int32(modeExited)) {
		c.logger.Warn("worker exited",
			"pid", ev.ProcessID,
			"exit_code", ev.ExitCode,
			"requested", ev.Requested,
			"cancelled", cancelled,
		)
	}
}

// handleViolation turns a resource limit breach into an audit record.
func (c *Client) handleViolation(v transport.Violation) {
	c.metrics.ObserveViolation(string(v.Kind))

	result := audit.OutcomeError
	if v.Terminated {
		result = audit.OutcomeBlocked
	}
	rec := audit.Record{
		Operation: "process/" + string(v.Kind),
		ProcessID: v.Sample.PID,
		Validation: audit.Validation{
			Passed: !v.Terminated,
			Threats: []security.Threat{{
				Type:        security.ThreatResourceExhaustion,
				Severity:    security.SeverityHigh,
				Description: v.Reason,
				Location:    "process",
				Blocked:     v.Terminated,
			}},
		},
		ProcessMetrics: processMetrics(v.Sample),
		Result:         result,
	}
	c.appendAudit(context.Background(), rec)
}

func processMetrics(s transport.ProcessSample) *audit.ProcessMetrics {
	if s.PID == 0 {
		return nil
	}
	return &audit.ProcessMetrics{
		MemoryBytes: s.RSSBytes,
		CPUSeconds:  s.CPUSeconds,
		Uptime:      s.Uptime,
	}
}

func (c *Client) appendAudit(ctx context.Context, rec audit.Record) {
	stored, err := c.audit.Append(ctx, rec)
	c.metrics.ObserveAudit(string(stored.Result))
	if err != nil {
		c.logger.Warn("audit sink failed", "audit_id", stored.AuditID, "error", err)
	}
}
