package bindery

import (
	"context"
	"encoding/json"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/odvcencio/bindery/pkg/audit"
	"github.com/odvcencio/bindery/pkg/errors"
	"github.com/odvcencio/bindery/pkg/jsonrpc"
	"github.com/odvcencio/bindery/pkg/ratelimit"
	"github.com/odvcencio/bindery/pkg/rpc"
	"github.com/odvcencio/bindery/pkg/security"
	"github.com/odvcencio/bindery/pkg/telemetry"
)

// SendRequest calls method on the worker. Every expected failure is
// reported in the Result, never as a panic or Go error: policy rejections,
// timeouts, closed connections and worker errors alike.
func (c *Client) SendRequest(ctx context.Context, method string, params any) rpc.Result {
	started := c.clock()
	m := c.currentMode()
	ctx, span := c.tracing.StartSpan(ctx, "bindery.SendRequest",
		telemetry.AttrMethod.String(method),
		telemetry.AttrMode.String(m.String()),
	)

	res, rec := c.send(ctx, m, method, params, span.SetAttributes)

	if rec != nil {
		c.appendAudit(ctx, *rec)
	}
	c.metrics.ObserveRequest(method, res.Outcome(), c.clock().Sub(started))
	if rec != nil && rec.RequestID != 0 {
		span.SetAttributes(telemetry.AttrRequestID.Int64(int64(rec.RequestID)))
	}
	telemetry.EndSpan(span, res.Outcome(), res.Err())
	return res
}

// send runs the call pipeline and returns the result with the audit record
// to store, if any.
func (c *Client) send(ctx context.Context, m mode, method string, params any, annotate func(...attribute.KeyValue)) (rpc.Result, *audit.Record) {
	if m == modeDisposed {
		return rpc.Failure(rpc.CodeClientDisposed, errors.ErrCodeClientDisposed, "client disposed"), nil
	}

	raw, err := marshalParams(params)
	if err != nil {
		return rpc.Failure(jsonrpc.InvalidParams, errors.ErrCodeInvalidInput, err.Error()), nil
	}
	annotate(telemetry.AttrPayload.Int(len(raw)))

	reqCheck := c.pipeline.ValidateRequest(security.Request{Method: method, Params: raw})
	c.metrics.ObserveThreats(reqCheck.Threats)
	if len(reqCheck.Threats) > 0 {
		annotate(telemetry.AttrThreats.Int(len(reqCheck.Threats)))
	}
	if !reqCheck.Allowed {
		res := threatResult(reqCheck)
		return res, c.record(method, 0, audit.MergeValidation(reqCheck), audit.OutcomeBlocked)
	}

	decision := c.limiter.Check(ratelimit.Context{
		ResourceID: method,
		Method:     method,
		ClientID:   c.id,
	})
	if decision.RuleID != "" {
		annotate(telemetry.AttrRuleID.String(decision.RuleID))
	}
	if !decision.Allowed {
		c.metrics.ObserveRejection(decision.RuleID, string(decision.Code))
		res := rejectionResult(decision)
		return res, c.record(method, 0, audit.MergeValidation(reqCheck), audit.OutcomeBlocked)
	}

	var (
		res   rpc.Result
		reqID uint64
	)
	switch m {
	case modeConnected:
		var callParams any
		if len(raw) > 0 {
			callParams = raw
		}
		res, reqID = c.correlator.CallWithID(ctx, method, callParams)
	case modeIdle:
		if c.Config().Fallback.IsEnabled() {
			res = c.fallback.Respond(ctx, method, raw)
		} else {
			res = rpc.Failure(rpc.CodeConnectionClosed, errors.ErrCodeConnectionClosed, "not connected")
		}
	default:
		res = rpc.Failure(rpc.CodeConnectionClosed, errors.ErrCodeConnectionClosed, "connection closed: "+m.String())
	}

	validation := audit.MergeValidation(reqCheck)
	if res.Success {
		respCheck := c.pipeline.ValidateResponse(security.Response{Method: method, Result: res.Data})
		c.metrics.ObserveThreats(respCheck.Threats)
		sanitized, applied := c.pipeline.SanitizeResponse(res.Data)
		res.Data = sanitized
		respCheck.SanitizationApplied = applied
		validation = audit.MergeValidation(reqCheck, respCheck)
	}

	if cancelled(res) {
		c.limiter.Release(decision.RuleID)
	} else {
		c.limiter.Record(decision.RuleID, res.Success)
	}
	return res, c.record(method, reqID, validation, outcomeOf(res))
}

func (c *Client) record(method string, reqID uint64, v audit.Validation, outcome audit.Outcome) *audit.Record {
	rec := &audit.Record{
		Operation:  method,
		RequestID:  reqID,
		Validation: v,
		Result:     outcome,
	}
	if sample, ok := c.transport.LastSample(); ok && c.currentMode() == modeConnected {
		rec.ProcessID = sample.PID
		rec.ProcessMetrics = processMetrics(sample)
	}
	return rec
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) > 0 && !json.Valid(p) {
			return nil, errors.New(errors.ErrCodeInvalidInput, "params are not valid JSON")
		}
		return p, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to encode params")
	}
	return raw, nil
}

func threatResult(r security.Result) rpc.Result {
	blocking := r.Blocking()
	descs := make([]string, 0, len(blocking))
	for _, t := range blocking {
		descs = append(descs, string(t.Type)+": "+t.Description)
	}
	res := rpc.Failure(rpc.CodeThreatDetected, errors.ErrCodeThreatDetected,
		"request blocked: "+strings.Join(descs, "; "))
	if data, err := json.Marshal(blocking); err == nil {
		res.Error.Data = data
	}
	return res
}

func rejectionResult(d ratelimit.Decision) rpc.Result {
	code := rpc.CodeRateLimited
	if d.Code == errors.ErrCodeCircuitOpen {
		code = rpc.CodeCircuitOpen
	}
	res := rpc.Failure(code, d.Code, d.Reason)
	data, err := json.Marshal(map[string]any{
		"rule_id":        d.RuleID,
		"retry_after_ms": d.RetryAfter.Milliseconds(),
	})
	if err == nil {
		res.Error.Data = data
	}
	return res
}

// cancelled reports a call the caller gave up on. It says nothing about
// the worker, so it neither closes nor trips the breaker.
func cancelled(res rpc.Result) bool {
	return !res.Success && res.Error != nil && res.Error.Code == rpc.CodeCancelled
}

func outcomeOf(res rpc.Result) audit.Outcome {
	switch res.Outcome() {
	case "success":
		return audit.OutcomeSuccess
	case "timeout":
		return audit.OutcomeTimeout
	case "blocked":
		return audit.OutcomeBlocked
	default:
		return audit.OutcomeError
	}
}
