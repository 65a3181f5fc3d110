// Package audit keeps a bounded in-memory record of every call's security
// outcome, maintains running aggregates over it and forwards findings to
// external sinks.
package audit

import (
	"time"

	"github.com/odvcencio/bindery/pkg/security"
)

// Outcome is the final disposition of an audited call.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeBlocked Outcome = "blocked"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

// Validation summarizes the security checks run for one call.
type Validation struct {
	Passed              bool              `json:"passed"`
	Threats             []security.Threat `json:"threats,omitempty"`
	ValidationTime      time.Duration     `json:"validation_time"`
	SanitizationApplied bool              `json:"sanitization_applied"`
}

// ProcessMetrics is the worker's resource use at the time of the call.
type ProcessMetrics struct {
	MemoryBytes uint64        `json:"memory_bytes"`
	CPUSeconds  float64       `json:"cpu_seconds"`
	Uptime      time.Duration `json:"uptime"`
}

// Record is one audit entry.
type Record struct {
	AuditID        string          `json:"audit_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Operation      string          `json:"operation"`
	ProcessID      int             `json:"process_id,omitempty"`
	RequestID      uint64          `json:"request_id,omitempty"`
	Validation     Validation      `json:"validation"`
	ProcessMetrics *ProcessMetrics `json:"process_metrics,omitempty"`
	Result         Outcome         `json:"result"`
}

// HighestSeverity returns the most severe threat on the record.
func (r Record) HighestSeverity() security.Severity {
	var top security.Severity
	for _, t := range r.Validation.Threats {
		if t.Severity.Rank() > top.Rank() {
			top = t.Severity
		}
	}
	return top
}

// MergeValidation combines request and response validation results.
func MergeValidation(results ...security.Result) Validation {
	v := Validation{Passed: true}
	for _, r := range results {
		if !r.Allowed {
			v.Passed = false
		}
		v.Threats = append(v.Threats, r.Threats...)
		v.ValidationTime += r.ValidationTime
		v.SanitizationApplied = v.SanitizationApplied || r.SanitizationApplied
	}
	return v
}
