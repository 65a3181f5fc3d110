package ratelimit

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/bindery/pkg/errors"
	"github.com/odvcencio/bindery/pkg/logging"
)

func rule(id, pattern string, priority, capacity int) Rule {
	return Rule{
		ID:              id,
		ResourcePattern: pattern,
		Bucket:          BucketConfig{Capacity: capacity, RefillRate: 1, RefillInterval: time.Second},
		Breaker:         BreakerConfig{Threshold: 2, Cooldown: time.Second},
		Priority:        priority,
		Enabled:         true,
	}
}

func TestLimiter_HighestPriorityRuleDecides(t *testing.T) {
	clock := newFakeClock()
	l, err := NewLimiter([]Rule{
		rule("all-tasks", `tasks/.*`, 1, 100),
		rule("task-create", `tasks/create`, 10, 1),
	}, Options{Clock: clock.Now})
	require.NoError(t, err)

	d := l.Check(Context{ResourceID: "tasks/create"})
	assert.True(t, d.Allowed)
	assert.Equal(t, "task-create", d.RuleID)

	d = l.Check(Context{ResourceID: "tasks/create"})
	assert.False(t, d.Allowed)
	assert.Equal(t, "task-create", d.RuleID)
	assert.Equal(t, errors.ErrCodeRateLimitExceeded, d.Code)
	assert.Equal(t, time.Second, d.RetryAfter)

	d = l.Check(Context{ResourceID: "tasks/list"})
	assert.True(t, d.Allowed)
	assert.Equal(t, "all-tasks", d.RuleID)
}

func TestLimiter_PatternsAreAnchored(t *testing.T) {
	l, err := NewLimiter([]Rule{rule("exact", `tasks/list`, 1, 1)}, Options{})
	require.NoError(t, err)

	d := l.Check(Context{ResourceID: "admin/tasks/list/all"})
	assert.True(t, d.Allowed)
	assert.Empty(t, d.RuleID)
}

func TestLimiter_DisabledRulesAreSkipped(t *testing.T) {
	r := rule("off", `.*`, 1, 1)
	r.Enabled = false
	l, err := NewLimiter([]Rule{r}, Options{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Check(Context{ResourceID: "x"}).Allowed)
	}
}

func TestLimiter_GlobalDefaultBucket(t *testing.T) {
	clock := newFakeClock()
	l, err := NewLimiter(nil, Options{DefaultRate: 1, DefaultBurst: 2, Clock: clock.Now})
	require.NoError(t, err)

	assert.True(t, l.Check(Context{ResourceID: "a"}).Allowed)
	assert.True(t, l.Check(Context{ResourceID: "b"}).Allowed)
	d := l.Check(Context{ResourceID: "c"})
	assert.False(t, d.Allowed)
	assert.Empty(t, d.RuleID)
	assert.Equal(t, "global rate limit exceeded", d.Reason)

	clock.Advance(time.Second)
	assert.True(t, l.Check(Context{ResourceID: "c"}).Allowed)
}

func TestLimiter_BreakerOpensOnRecordedFailures(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	l, err := NewLimiter([]Rule{rule("worker", `.*`, 1, 100)}, Options{
		Clock: clock.Now,
		OnStateChange: func(ruleID string, ev StateChangeEvent) {
			transitions = append(transitions, ruleID+":"+ev.To.String())
		},
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		d := l.Check(Context{ResourceID: "tasks/list"})
		require.True(t, d.Allowed)
		l.Record(d.RuleID, false)
	}

	d := l.Check(Context{ResourceID: "tasks/list"})
	assert.False(t, d.Allowed)
	assert.Equal(t, errors.ErrCodeCircuitOpen, d.Code)
	assert.Equal(t, time.Second, d.RetryAfter)

	clock.Advance(time.Second)
	d = l.Check(Context{ResourceID: "tasks/list"})
	require.True(t, d.Allowed)
	l.Record(d.RuleID, true)

	assert.Equal(t, []string{"worker:OPEN", "worker:HALF_OPEN", "worker:CLOSED"}, transitions)
}

func TestLimiter_BucketRejectionReleasesHalfOpenTrial(t *testing.T) {
	clock := newFakeClock()
	r := rule("slow", `.*`, 1, 1)
	r.Bucket.RefillInterval = time.Hour
	r.Breaker = BreakerConfig{Threshold: 1, Cooldown: time.Second}
	l, err := NewLimiter([]Rule{r}, Options{Clock: clock.Now})
	require.NoError(t, err)

	d := l.Check(Context{ResourceID: "x"})
	require.True(t, d.Allowed)
	l.Record(d.RuleID, false)

	clock.Advance(time.Second)
	d = l.Check(Context{ResourceID: "x"})
	assert.Equal(t, errors.ErrCodeRateLimitExceeded, d.Code)

	clock.Advance(time.Hour)
	d = l.Check(Context{ResourceID: "x"})
	assert.True(t, d.Allowed, "trial must still be available after bucket rejection")
}

func TestLimiter_ReleaseReturnsHalfOpenTrial(t *testing.T) {
	clock := newFakeClock()
	r := rule("tasks", `tasks/.*`, 1, 100)
	r.Breaker = BreakerConfig{Threshold: 1, Cooldown: time.Second}
	l, err := NewLimiter([]Rule{r}, Options{Clock: clock.Now})
	require.NoError(t, err)

	d := l.Check(Context{ResourceID: "tasks/archive"})
	require.True(t, d.Allowed)
	l.Record(d.RuleID, false)

	clock.Advance(time.Second)
	d = l.Check(Context{ResourceID: "tasks/list"})
	require.True(t, d.Allowed)
	l.Release(d.RuleID)

	stats := l.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, StateHalfOpen, stats[0].Breaker.State)

	d = l.Check(Context{ResourceID: "tasks/list"})
	assert.True(t, d.Allowed, "released trial is admitted again")
	d = l.Check(Context{ResourceID: "tasks/list"})
	assert.False(t, d.Allowed, "only one trial at a time")

	l.Release("")
	l.Release("missing")
}

func TestLimiter_ActionsFireAtThreshold(t *testing.T) {
	var buf bytes.Buffer
	r := rule("busy", `.*`, 1, 4)
	r.Actions = []Action{
		{Type: ActionWarn, ThresholdPercent: 50},
		{Type: ActionAlert, ThresholdPercent: 100},
	}
	l, err := NewLimiter([]Rule{r}, Options{Clock: newFakeClock().Now, Logger: logging.New(&buf, "test", logging.LevelDebug)})
	require.NoError(t, err)

	assert.Empty(t, l.Check(Context{ResourceID: "x"}).Actions)

	d := l.Check(Context{ResourceID: "x"})
	require.Len(t, d.Actions, 1)
	assert.Equal(t, ActionWarn, d.Actions[0].Type)
	assert.InDelta(t, 50.0, d.Actions[0].Utilization, 0.001)

	l.Check(Context{ResourceID: "x"})
	d = l.Check(Context{ResourceID: "x"})
	require.Len(t, d.Actions, 2)
	assert.Equal(t, ActionAlert, d.Actions[1].Type)

	assert.True(t, strings.Contains(buf.String(), "rate limit alert threshold crossed"))
}

func TestLimiter_ReplaceKeepsStateOfUnchangedRules(t *testing.T) {
	clock := newFakeClock()
	keep := rule("keep", `a`, 1, 1)
	change := rule("change", `b`, 1, 1)
	l, err := NewLimiter([]Rule{keep, change}, Options{Clock: clock.Now})
	require.NoError(t, err)

	require.True(t, l.Check(Context{ResourceID: "a"}).Allowed)
	require.True(t, l.Check(Context{ResourceID: "b"}).Allowed)

	change.Bucket.Capacity = 5
	require.NoError(t, l.Replace([]Rule{keep, change}))

	assert.False(t, l.Check(Context{ResourceID: "a"}).Allowed, "unchanged rule keeps its drained bucket")
	assert.True(t, l.Check(Context{ResourceID: "b"}).Allowed, "changed rule starts with a fresh bucket")
}

func TestLimiter_ReplaceRejectsBadRules(t *testing.T) {
	l, err := NewLimiter(nil, Options{})
	require.NoError(t, err)

	err = l.Replace([]Rule{rule("x", `(`, 1, 1)})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigInvalid))

	err = l.Replace([]Rule{rule("x", `a`, 1, 1), rule("x", `b`, 1, 1)})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigInvalid))

	err = l.Replace([]Rule{rule("", `a`, 1, 1)})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigInvalid))
}

func TestLimiter_RecordIgnoresUnknownRules(t *testing.T) {
	l, err := NewLimiter(nil, Options{})
	require.NoError(t, err)
	l.Record("", false)
	l.Record("missing", false)
	assert.Empty(t, l.Stats())
}

func TestLimiter_Stats(t *testing.T) {
	l, err := NewLimiter([]Rule{rule("low", `.*`, 1, 3), rule("high", `x`, 5, 3)}, Options{Clock: newFakeClock().Now})
	require.NoError(t, err)

	l.Check(Context{ResourceID: "x"})
	l.Check(Context{ResourceID: "y"})
	l.Check(Context{ResourceID: "y"})

	stats := l.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "high", stats[0].RuleID)
	assert.Equal(t, 2, stats[0].Bucket.Tokens)
	assert.Equal(t, "low", stats[1].RuleID)
	assert.Equal(t, uint64(2), stats[1].Bucket.TotalRequests)
	assert.Equal(t, StateClosed, stats[1].Breaker.State)
}
