package ratelimit

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/odvcencio/bindery/pkg/errors"
	"github.com/odvcencio/bindery/pkg/logging"
)

// ActionType names what happens when a rule's bucket crosses a threshold.
type ActionType string

const (
	ActionWarn  ActionType = "warn"
	ActionAlert ActionType = "alert"
)

// Action fires once bucket utilisation reaches ThresholdPercent.
type Action struct {
	Type             ActionType `yaml:"type" validate:"oneof=warn alert"`
	ThresholdPercent float64    `yaml:"threshold_percent" validate:"gte=0,lte=100"`
}

// Rule binds a resource-id pattern to a bucket and a breaker.
type Rule struct {
	ID string `yaml:"id" validate:"required"`
	// ResourcePattern is a regular expression anchored at both ends.
	ResourcePattern string        `yaml:"resource_pattern" validate:"required"`
	Bucket          BucketConfig  `yaml:"bucket"`
	Breaker         BreakerConfig `yaml:"breaker"`
	Actions         []Action      `yaml:"actions" validate:"dive"`
	Priority        int           `yaml:"priority"`
	Enabled         bool          `yaml:"enabled"`
}

// CompilePattern compiles a rule pattern with implicit anchors.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + pattern + ")$")
}

// Context describes the call being admitted.
type Context struct {
	ResourceID string
	Method     string
	ClientID   string
}

// TriggeredAction is an Action whose threshold was crossed by this call.
type TriggeredAction struct {
	Type             ActionType
	ThresholdPercent float64
	Utilization      float64
}

// Decision is the outcome of Check.
type Decision struct {
	Allowed bool
	// RuleID is empty when the global default applied.
	RuleID     string
	Code       errors.ErrorCode
	Reason     string
	RetryAfter time.Duration
	Actions    []TriggeredAction
}

// RuleStats is a per-rule snapshot.
type RuleStats struct {
	RuleID  string
	Bucket  BucketStats
	Breaker BreakerMetrics
}

// Options configures a Limiter.
type Options struct {
	// DefaultRate is the global per-second rate applied when no rule
	// matches. Zero admits unmatched calls without limit.
	DefaultRate  float64
	DefaultBurst int
	Clock        Clock
	Logger       *logging.Logger
	// OnStateChange observes breaker transitions of every rule.
	OnStateChange func(ruleID string, ev StateChangeEvent)
}

type compiledRule struct {
	Rule
	re      *regexp.Regexp
	bucket  *TokenBucket
	breaker *CircuitBreaker
}

// Limiter evaluates rules highest priority first. The rule set is guarded
// by its own lock; buckets and breakers each carry their own, so unrelated
// resource ids never serialize on each other.
type Limiter struct {
	opts   Options
	logger *logging.Logger
	global *rate.Limiter

	mu    sync.RWMutex
	rules []*compiledRule
	byID  map[string]*compiledRule
}

// NewLimiter compiles rules and returns a ready limiter.
func NewLimiter(rules []Rule, opts Options) (*Limiter, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	l := &Limiter{
		opts:   opts,
		logger: logger.Child("ratelimit"),
	}
	if opts.DefaultRate > 0 {
		burst := opts.DefaultBurst
		if burst <= 0 {
			burst = int(opts.DefaultRate)
			if burst < 1 {
				burst = 1
			}
		}
		l.global = rate.NewLimiter(rate.Limit(opts.DefaultRate), burst)
	}
	if err := l.Replace(rules); err != nil {
		return nil, err
	}
	return l, nil
}

// Replace swaps the rule set. Rules whose id and limits are unchanged keep
// their bucket and breaker state.
func (l *Limiter) Replace(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return errors.New(errors.ErrCodeConfigInvalid, "rate limit rule without id")
		}
		if seen[r.ID] {
			return errors.New(errors.ErrCodeConfigInvalid, "duplicate rate limit rule").
				WithContext("rule", r.ID)
		}
		seen[r.ID] = true
	}

	l.mu.RLock()
	previous := l.byID
	l.mu.RUnlock()

	compiled := make([]*compiledRule, 0, len(rules))
	byID := make(map[string]*compiledRule, len(rules))
	for _, r := range rules {
		re, err := CompilePattern(r.ResourcePattern)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid resource pattern").
				WithContext("rule", r.ID)
		}
		cr := &compiledRule{Rule: r, re: re}
		if old, ok := previous[r.ID]; ok && sameLimits(old.Rule, r) {
			cr.bucket = old.bucket
			cr.breaker = old.breaker
		} else {
			ruleID := r.ID
			cr.bucket = NewTokenBucket(r.Bucket, l.opts.Clock)
			cr.breaker = NewCircuitBreaker(r.Breaker, l.opts.Clock, func(ev StateChangeEvent) {
				l.logger.CircuitBreakerStateChange(ruleID, ev.From.String(), ev.To.String())
				if l.opts.OnStateChange != nil {
					l.opts.OnStateChange(ruleID, ev)
				}
			})
		}
		compiled = append(compiled, cr)
		byID[r.ID] = cr
	}

	// Stable so equal priorities keep configuration order.
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority > compiled[j].Priority
	})

	l.mu.Lock()
	l.rules = compiled
	l.byID = byID
	l.mu.Unlock()
	return nil
}

func sameLimits(a, b Rule) bool {
	return a.Bucket == b.Bucket && a.Breaker == b.Breaker && reflect.DeepEqual(a.Actions, b.Actions)
}

// Check admits or rejects one call. The first enabled rule matching the
// resource id decides; its breaker is consulted before its bucket.
func (l *Limiter) Check(ctx Context) Decision {
	rule := l.match(ctx.ResourceID)
	if rule == nil {
		return l.checkGlobal()
	}

	if !rule.breaker.IsRequestAllowed() {
		return Decision{
			RuleID:     rule.ID,
			Code:       errors.ErrCodeCircuitOpen,
			Reason:     fmt.Sprintf("circuit open for rule %s", rule.ID),
			RetryAfter: rule.breaker.RetryAfter(),
		}
	}

	ok, utilization := rule.bucket.take(1)
	if !ok {
		rule.breaker.releaseTrial()
		return Decision{
			RuleID:     rule.ID,
			Code:       errors.ErrCodeRateLimitExceeded,
			Reason:     fmt.Sprintf("rate limit exceeded for rule %s", rule.ID),
			RetryAfter: rule.bucket.cfg.RefillInterval,
		}
	}

	d := Decision{Allowed: true, RuleID: rule.ID}
	for _, a := range rule.Actions {
		if utilization < a.ThresholdPercent {
			continue
		}
		d.Actions = append(d.Actions, TriggeredAction{
			Type:             a.Type,
			ThresholdPercent: a.ThresholdPercent,
			Utilization:      utilization,
		})
		l.fireAction(rule.ID, ctx, a, utilization)
	}
	return d
}

func (l *Limiter) fireAction(ruleID string, ctx Context, a Action, utilization float64) {
	args := []any{
		"rule", ruleID,
		"resource", ctx.ResourceID,
		"threshold_percent", a.ThresholdPercent,
		"utilization_percent", utilization,
	}
	switch a.Type {
	case ActionAlert:
		l.logger.Error("rate limit alert threshold crossed", args...)
	default:
		l.logger.Warn("rate limit warn threshold crossed", args...)
	}
}

func (l *Limiter) checkGlobal() Decision {
	if l.global == nil {
		return Decision{Allowed: true}
	}
	now := l.opts.Clock.now()
	if l.global.AllowN(now, 1) {
		return Decision{Allowed: true}
	}
	return Decision{
		Code:       errors.ErrCodeRateLimitExceeded,
		Reason:     "global rate limit exceeded",
		RetryAfter: time.Duration(float64(time.Second) / float64(l.global.Limit())),
	}
}

func (l *Limiter) match(resourceID string) *compiledRule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.rules {
		if r.Enabled && r.re.MatchString(resourceID) {
			return r
		}
	}
	return nil
}

// Record feeds a call outcome to the breaker of the rule that admitted it.
// Unknown ids, including the empty global id, are ignored.
func (l *Limiter) Record(ruleID string, success bool) {
	if ruleID == "" {
		return
	}
	l.mu.RLock()
	rule := l.byID[ruleID]
	l.mu.RUnlock()
	if rule == nil {
		return
	}
	if success {
		rule.breaker.RecordSuccess()
	} else {
		rule.breaker.RecordFailure()
	}
}

// Release hands back the admission of a call that ended without telling
// anything about the resource, such as a caller cancellation. A half-open
// trial becomes available again and the breaker state is left alone.
func (l *Limiter) Release(ruleID string) {
	if ruleID == "" {
		return
	}
	l.mu.RLock()
	rule := l.byID[ruleID]
	l.mu.RUnlock()
	if rule != nil {
		rule.breaker.releaseTrial()
	}
}

// Stats returns a snapshot per rule in evaluation order.
func (l *Limiter) Stats() []RuleStats {
	l.mu.RLock()
	rules := append([]*compiledRule(nil), l.rules...)
	l.mu.RUnlock()

	out := make([]RuleStats, 0, len(rules))
	for _, r := range rules {
		out = append(out, RuleStats{
			RuleID:  r.ID,
			Bucket:  r.bucket.Stats(),
			Breaker: r.breaker.Metrics(),
		})
	}
	return out
}
