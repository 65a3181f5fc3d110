// Package fallback answers calls with canned data when no worker process
// is attached, so callers keep the same Result contract in offline mode.
package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/odvcencio/bindery/pkg/errors"
	"github.com/odvcencio/bindery/pkg/rpc"
)

const (
	DefaultMinLatency = 100 * time.Millisecond
	DefaultMaxLatency = 300 * time.Millisecond
)

// Handler produces the canned result for one method.
type Handler func(params json.RawMessage) (any, error)

// Options configures a Responder.
type Options struct {
	MinLatency time.Duration
	MaxLatency time.Duration
	// Seed fixes the latency sequence. Zero seeds from the clock.
	Seed uint64
	// Sleep waits out the simulated latency; defaults to a timer that
	// honours ctx. Tests replace it to run instantly.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Responder serves mock results keyed by method name.
type Responder struct {
	min, max time.Duration
	sleep    func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns a Responder with the built-in handlers registered.
func New(opts Options) *Responder {
	if opts.MinLatency < 0 {
		opts.MinLatency = 0
	}
	if opts.MinLatency == 0 && opts.MaxLatency == 0 {
		opts.MinLatency, opts.MaxLatency = DefaultMinLatency, DefaultMaxLatency
	}
	if opts.MaxLatency < opts.MinLatency {
		opts.MaxLatency = opts.MinLatency
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	r := &Responder{
		min:      opts.MinLatency,
		max:      opts.MaxLatency,
		sleep:    opts.Sleep,
		rng:      rand.New(rand.NewPCG(seed, seed>>1|1)),
		handlers: make(map[string]Handler),
	}
	for method, h := range builtins {
		r.handlers[method] = h
	}
	return r
}

// Register adds or replaces the handler for method.
func (r *Responder) Register(method string, h Handler) {
	r.mu.Lock()
	r.handlers[method] = h
	r.mu.Unlock()
}

// Methods lists the methods with a canned response, sorted.
func (r *Responder) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Respond waits a simulated latency and returns the canned result. Unknown
// methods return a NOT_IMPLEMENTED result; nothing is ever returned as a
// Go error.
func (r *Responder) Respond(ctx context.Context, method string, params json.RawMessage) rpc.Result {
	if err := r.sleep(ctx, r.latency()); err != nil {
		return rpc.Failure(rpc.CodeCancelled, errors.ErrCodeTimeout, "request cancelled: "+err.Error())
	}

	r.mu.RLock()
	h, ok := r.handlers[method]
	r.mu.RUnlock()
	if !ok {
		return rpc.Failure(rpc.CodeNotImplemented, errors.ErrCodeNotImplemented,
			fmt.Sprintf("method %q is not implemented in offline mode", method))
	}

	value, err := h(params)
	if err != nil {
		return rpc.Failure(rpc.CodeInternal, errors.GetCode(err), err.Error())
	}
	data, err := json.Marshal(value)
	if err != nil {
		return rpc.Failure(rpc.CodeInternal, errors.ErrCodeInternal, "encode mock result: "+err.Error())
	}
	return rpc.Success(data)
}

func (r *Responder) latency() time.Duration {
	span := r.max - r.min
	if span <= 0 {
		return r.min
	}
	r.rngMu.Lock()
	n := r.rng.Int64N(int64(span) + 1)
	r.rngMu.Unlock()
	return r.min + time.Duration(n)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
