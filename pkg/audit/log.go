package audit

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/bindery/pkg/security"
)

const (
	DefaultMaxRecords = 5000

	// Event names passed to sinks.
	EventSecurityThreat = "security_threat"
	EventHighSeverity   = "security.threat.high"
)

// AuditLogger receives every record that carries at least one threat.
//
//go:generate mockgen -package=audit -destination=mock_sinks_test.go github.com/odvcencio/bindery/pkg/audit AuditLogger,EventEmitter
type AuditLogger interface {
	LogSecurityEvent(ctx context.Context, event string, rec Record) error
}

// EventEmitter receives records whose threats reach the emit severity.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any) error
}

// Options configures a Log. Zero values take defaults.
type Options struct {
	MaxRecords int
	// EvictBlock is how many of the oldest records are dropped at once when
	// the ring is full. Defaults to a tenth of MaxRecords.
	EvictBlock int
	// EmitSeverity is the minimum severity forwarded to the Emitter.
	// Defaults to high.
	EmitSeverity security.Severity
	Logger       AuditLogger
	Emitter      EventEmitter
	Clock        func() time.Time
}

// Metrics are the running aggregates over every appended record,
// including evicted ones.
type Metrics struct {
	TotalRecords      uint64                         `json:"total_records"`
	Retained          int                            `json:"retained"`
	Evicted           uint64                         `json:"evicted"`
	ByResult          map[Outcome]uint64             `json:"by_result"`
	ThreatsByType     map[security.ThreatType]uint64 `json:"threats_by_type"`
	ThreatsBySeverity map[security.Severity]uint64   `json:"threats_by_severity"`
	BlockedThreats    uint64                         `json:"blocked_threats"`
	MitigatedThreats  uint64                         `json:"mitigated_threats"`
	Sanitized         uint64                         `json:"sanitized"`
	AvgValidationTime time.Duration                  `json:"avg_validation_time"`
	LastRecordAt      time.Time                      `json:"last_record_at"`
}

// Log is a bounded append-only audit store.
type Log struct {
	mu         sync.Mutex
	records    []Record
	max        int
	evictBlock int

	total     uint64
	evicted   uint64
	byResult  map[Outcome]uint64
	byType    map[security.ThreatType]uint64
	bySev     map[security.Severity]uint64
	blocked   uint64
	mitigated uint64
	sanitized uint64
	avgNanos  float64
	last      time.Time

	emitSeverity security.Severity
	logger       AuditLogger
	emitter      EventEmitter
	clock        func() time.Time
}

// NewLog creates an empty audit log.
func NewLog(opts Options) *Log {
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = DefaultMaxRecords
	}
	if opts.EvictBlock <= 0 {
		opts.EvictBlock = opts.MaxRecords / 10
	}
	if opts.EvictBlock < 1 {
		opts.EvictBlock = 1
	}
	if opts.EvictBlock > opts.MaxRecords {
		opts.EvictBlock = opts.MaxRecords
	}
	if opts.EmitSeverity == "" {
		opts.EmitSeverity = security.SeverityHigh
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Log{
		records:      make([]Record, 0, opts.MaxRecords),
		max:          opts.MaxRecords,
		evictBlock:   opts.EvictBlock,
		byResult:     make(map[Outcome]uint64),
		byType:       make(map[security.ThreatType]uint64),
		bySev:        make(map[security.Severity]uint64),
		emitSeverity: opts.EmitSeverity,
		logger:       opts.Logger,
		emitter:      opts.Emitter,
		clock:        opts.Clock,
	}
}

// Append stores rec, assigning an ID and timestamp when missing, and
// forwards it to the sinks. The stored record is returned even when a sink
// fails; sink errors are joined into the returned error.
func (l *Log) Append(ctx context.Context, rec Record) (Record, error) {
	if rec.AuditID == "" {
		rec.AuditID = ulid.Make().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.clock()
	}

	l.mu.Lock()
	if len(l.records) >= l.max {
		n := copy(l.records, l.records[l.evictBlock:])
		clear(l.records[n:])
		l.records = l.records[:n]
		l.evicted += uint64(l.evictBlock)
	}
	l.records = append(l.records, rec)
	l.aggregate(rec)
	l.mu.Unlock()

	if len(rec.Validation.Threats) == 0 {
		return rec, nil
	}

	var errs []error
	if l.logger != nil {
		if err := l.logger.LogSecurityEvent(ctx, EventSecurityThreat, rec); err != nil {
			errs = append(errs, err)
		}
	}
	if l.emitter != nil && rec.HighestSeverity().AtLeast(l.emitSeverity) {
		if err := l.emitter.Emit(ctx, EventHighSeverity, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return rec, stderrors.Join(errs...)
}

func (l *Log) aggregate(rec Record) {
	l.total++
	l.byResult[rec.Result]++
	for _, t := range rec.Validation.Threats {
		l.byType[t.Type]++
		l.bySev[t.Severity]++
		if t.Blocked {
			l.blocked++
		} else {
			l.mitigated++
		}
	}
	if rec.Validation.SanitizationApplied {
		l.sanitized++
	}
	l.avgNanos += (float64(rec.Validation.ValidationTime) - l.avgNanos) / float64(l.total)
	l.last = rec.Timestamp
}

// Metrics returns a snapshot of the aggregates.
func (l *Log) Metrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := Metrics{
		TotalRecords:      l.total,
		Retained:          len(l.records),
		Evicted:           l.evicted,
		ByResult:          make(map[Outcome]uint64, len(l.byResult)),
		ThreatsByType:     make(map[security.ThreatType]uint64, len(l.byType)),
		ThreatsBySeverity: make(map[security.Severity]uint64, len(l.bySev)),
		BlockedThreats:    l.blocked,
		MitigatedThreats:  l.mitigated,
		Sanitized:         l.sanitized,
		AvgValidationTime: time.Duration(l.avgNanos),
		LastRecordAt:      l.last,
	}
	for k, v := range l.byResult {
		m.ByResult[k] = v
	}
	for k, v := range l.byType {
		m.ThreatsByType[k] = v
	}
	for k, v := range l.bySev {
		m.ThreatsBySeverity[k] = v
	}
	return m
}

// Recent returns up to n of the newest records, oldest first. n <= 0
// returns everything retained.
func (l *Log) Recent(n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.records) {
		n = len(l.records)
	}
	out := make([]Record, n)
	copy(out, l.records[len(l.records)-n:])
	return out
}

// Len returns the number of retained records.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
