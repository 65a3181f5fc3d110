package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// ProcessSample is one reading of the worker's resource use.
type ProcessSample struct {
	PID        int           `json:"pid"`
	RSSBytes   uint64        `json:"rss_bytes"`
	CPUSeconds float64       `json:"cpu_seconds"`
	Uptime     time.Duration `json:"uptime"`
	SampledAt  time.Time     `json:"sampled_at"`
}

// Sampler reads resource use for a pid.
type Sampler interface {
	Sample(pid int) (ProcessSample, error)
}

// Limits bound the worker. Zero values disable a check.
type Limits struct {
	MaxMemoryBytes uint64
	// MaxRequestLatency applies to the oldest in-flight request, not to the
	// lifetime of the long-running process.
	MaxRequestLatency time.Duration
	Interval          time.Duration
	// RequireSandbox terminates the worker on a memory violation.
	RequireSandbox bool
}

// ViolationKind names the exceeded limit.
type ViolationKind string

const (
	ViolationMemory  ViolationKind = "memory"
	ViolationLatency ViolationKind = "latency"
)

// Violation reports an exceeded limit.
type Violation struct {
	Kind       ViolationKind
	Reason     string
	Sample     ProcessSample
	Terminated bool
}

func (t *Transport) monitor(ctx context.Context, pid int, done <-chan struct{}) {
	if t.sampler == nil || t.limits.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(t.limits.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			t.checkLimits(pid)
		}
	}
}

func (t *Transport) checkLimits(pid int) {
	sample, err := t.sampler.Sample(pid)
	if err != nil {
		t.logger.Debug("process sample failed", "pid", pid, "error", err)
		return
	}
	t.mu.Lock()
	t.lastSample = sample
	t.hasSample = true
	t.mu.Unlock()

	if limit := t.limits.MaxMemoryBytes; limit > 0 && sample.RSSBytes > limit {
		v := Violation{
			Kind: ViolationMemory,
			Reason: fmt.Sprintf("worker memory %s exceeds limit %s",
				humanize.IBytes(sample.RSSBytes), humanize.IBytes(limit)),
			Sample:     sample,
			Terminated: t.limits.RequireSandbox,
		}
		t.violations.Add(1)
		t.logger.Warn("resource limit exceeded", "kind", v.Kind, "reason", v.Reason, "pid", pid)
		t.notifyViolation(v)
		if v.Terminated {
			go func() {
				if err := t.TerminateForSecurity(v.Reason); err != nil {
					t.logger.Error("security termination failed", "error", err)
				}
			}()
		}
	}

	if limit := t.limits.MaxRequestLatency; limit > 0 && t.oldestPending != nil {
		if age := t.oldestPending(); age > limit {
			v := Violation{
				Kind:   ViolationLatency,
				Reason: fmt.Sprintf("oldest request pending for %s, limit %s", age.Round(time.Millisecond), limit),
				Sample: sample,
			}
			t.violations.Add(1)
			t.logger.Warn("resource limit exceeded", "kind", v.Kind, "reason", v.Reason, "pid", pid)
			t.notifyViolation(v)
		}
	}
}
