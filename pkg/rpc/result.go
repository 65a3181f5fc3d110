// Package rpc correlates JSON-RPC requests written to the worker with the
// responses it sends back, one pending entry per request id.
package rpc

import (
	"encoding/json"

	"github.com/odvcencio/bindery/pkg/errors"
)

// Result codes carried in ResultError.Code. Worker errors keep the code the
// worker sent.
const (
	CodeTimeout          = -1
	CodeConnectionClosed = -32000
	CodeThreatDetected   = -32001
	CodeRateLimited      = -32002
	CodeCircuitOpen      = -32003
	CodeWriteFailed      = -32004
	CodeShuttingDown     = -32005
	CodeClientDisposed   = -32006
	CodeCancelled        = -32800
	CodeNotImplemented   = -32601
	CodeInternal         = -32603
)

// Result is the uniform outcome of a call. Expected failures (timeouts,
// policy rejections, worker errors) are results, not Go errors.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ResultError    `json:"error,omitempty"`
}

// ResultError describes a failed call.
type ResultError struct {
	Code    int              `json:"code"`
	Message string           `json:"message"`
	Data    json.RawMessage  `json:"data,omitempty"`
	Kind    errors.ErrorCode `json:"kind,omitempty"`
}

// Success wraps a result payload.
func Success(data json.RawMessage) Result {
	return Result{Success: true, Data: data}
}

// Failure builds a failed result.
func Failure(code int, kind errors.ErrorCode, message string) Result {
	return Result{Error: &ResultError{Code: code, Message: message, Kind: kind}}
}

// TimeoutResult is what a call settles with when its timer fires.
func TimeoutResult() Result {
	return Failure(CodeTimeout, errors.ErrCodeTimeout, "Request timeout")
}

// Err converts a failed result into a structured error; nil on success.
// Retryability follows the error kind.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return errors.New(errors.ErrCodeInternal, "call failed without error detail")
	}
	kind := r.Error.Kind
	if kind == "" {
		kind = errors.ErrCodeBackend
	}
	return errors.New(kind, r.Error.Message).WithContext("code", r.Error.Code)
}

// Outcome is a short label for metrics and audit.
func (r Result) Outcome() string {
	if r.Success {
		return "success"
	}
	if r.Error == nil {
		return "error"
	}
	switch r.Error.Kind {
	case errors.ErrCodeTimeout:
		return "timeout"
	case errors.ErrCodeThreatDetected, errors.ErrCodeRateLimitExceeded, errors.ErrCodeCircuitOpen:
		return "blocked"
	default:
		return "error"
	}
}
