// Package security scans traffic crossing the worker boundary. Requests are
// checked for size, forbidden methods and injection patterns; responses for
// size and data that looks like leaked credentials.
//
// The pipeline is stateless per call and returns findings as values; callers
// decide what to log, audit or emit.
package security

import (
	"strings"
	"time"
)

// ThreatType classifies a finding.
type ThreatType string

const (
	ThreatResourceExhaustion ThreatType = "resource_exhaustion"
	ThreatUnauthorizedAccess ThreatType = "unauthorized_access"
	ThreatJSONInjection      ThreatType = "json_injection"
	ThreatDataExfiltration   ThreatType = "data_exfiltration"
	ThreatProcessEscape      ThreatType = "process_escape"
)

// Severity of a finding, ordered low to critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity accepts any case; it returns false for unknown names.
func ParseSeverity(v string) (Severity, bool) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	return s, s.Rank() > 0
}

// Threat is a single finding.
type Threat struct {
	Type        ThreatType `json:"type"`
	Severity    Severity   `json:"severity"`
	Description string     `json:"description"`
	Location    string     `json:"location"`
	Blocked     bool       `json:"blocked"`
	Remediation string     `json:"remediation,omitempty"`
}

// Result is the outcome of one validation call.
type Result struct {
	Allowed             bool          `json:"allowed"`
	Threats             []Threat      `json:"threats,omitempty"`
	ValidationTime      time.Duration `json:"validation_time"`
	SanitizationApplied bool          `json:"sanitization_applied"`
}

// Blocking returns the threats that caused a rejection.
func (r Result) Blocking() []Threat {
	var out []Threat
	for _, t := range r.Threats {
		if t.Blocked {
			out = append(out, t)
		}
	}
	return out
}

// HighestSeverity returns the most severe finding, or "" when clean.
func (r Result) HighestSeverity() Severity {
	var top Severity
	for _, t := range r.Threats {
		if t.Severity.Rank() > top.Rank() {
			top = t.Severity
		}
	}
	return top
}

func finish(threats []Threat, started time.Time) Result {
	allowed := true
	for _, t := range threats {
		if t.Blocked {
			allowed = false
			break
		}
	}
	return Result{
		Allowed:        allowed,
		Threats:        threats,
		ValidationTime: time.Since(started),
	}
}
