package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/odvcencio/bindery/pkg/errors"
	"github.com/odvcencio/bindery/pkg/jsonrpc"
	"github.com/odvcencio/bindery/pkg/logging"
)

// DefaultTimeout leaves room for workers that call slow external services.
const DefaultTimeout = 5 * time.Minute

// Writer sends one encoded frame. The transport appends the newline.
type Writer interface {
	Write(line []byte) error
}

// Settlement describes how a request finished.
type Settlement struct {
	ID      uint64
	Method  string
	Result  Result
	Elapsed time.Duration
}

// Options configures a Correlator.
type Options struct {
	Timeout time.Duration
	Logger  *logging.Logger
	// OnSettle is called once per request, after its result is delivered.
	OnSettle func(Settlement)
}

type pendingRequest struct {
	id        uint64
	method    string
	ch        chan Result
	timer     *time.Timer
	createdAt time.Time
}

// Correlator tracks in-flight requests. Every request settles exactly once:
// whichever of response, timeout, cancellation or shutdown removes the
// entry from the pending map first delivers the result, and every later
// path finds nothing and does nothing.
type Correlator struct {
	w        Writer
	timeout  time.Duration
	logger   *logging.Logger
	onSettle func(Settlement)

	mu          sync.Mutex
	nextID      uint64
	pending     map[uint64]*pendingRequest
	closing     bool
	closeReason string
}

// New creates a correlator writing through w.
func New(w Writer, opts Options) *Correlator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Correlator{
		w:        w,
		timeout:  opts.Timeout,
		logger:   logger.Child("rpc"),
		onSettle: opts.OnSettle,
		pending:  make(map[uint64]*pendingRequest),
	}
}

// Send writes a request and returns a channel that receives exactly one
// Result. An error is returned only when the request never left: the
// correlator is shutting down, params cannot be encoded, or the write failed.
func (c *Correlator) Send(method string, params any) (<-chan Result, uint64, error) {
	c.mu.Lock()
	if c.closing {
		reason := c.closeReason
		c.mu.Unlock()
		return nil, 0, errors.New(errors.ErrCodeConnectionClosed, "shutting down, connection closed").
			WithContext("reason", reason)
	}
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	msg, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, id, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to encode params").
			WithContext("method", method)
	}
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return nil, id, errors.Wrap(err, errors.ErrCodeProtocol, "failed to encode request").
			WithContext("method", method)
	}

	p := &pendingRequest{
		id:        id,
		method:    method,
		ch:        make(chan Result, 1),
		createdAt: time.Now(),
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, id, errors.New(errors.ErrCodeConnectionClosed, "shutting down, connection closed")
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(c.timeout, func() {
		if c.settle(id, TimeoutResult()) {
			c.logger.Warn("request timed out", "request_id", id, "method", method, "timeout", c.timeout)
		}
	})
	c.mu.Unlock()

	if err := c.w.Write(data); err != nil {
		// Only report the failure if nothing else settled the entry meanwhile.
		if c.take(id) != nil {
			p.timer.Stop()
			return nil, id, errors.Wrap(err, errors.ErrCodeWrite, "failed to write request").
				WithContext("method", method).
				WithContext("request_id", id)
		}
		return p.ch, id, nil
	}

	c.logger.RequestSent(id, method, len(data))
	return p.ch, id, nil
}

// Call sends a request and waits for its result. Cancelling ctx abandons the
// request with a cancelled result; a late response is then dropped.
func (c *Correlator) Call(ctx context.Context, method string, params any) Result {
	res, _ := c.CallWithID(ctx, method, params)
	return res
}

// CallWithID is Call that also reports the request id; zero means the
// request was never assigned one.
func (c *Correlator) CallWithID(ctx context.Context, method string, params any) (Result, uint64) {
	ch, id, err := c.Send(method, params)
	if err != nil {
		return resultFromSendError(err), id
	}
	select {
	case res := <-ch:
		return res, id
	case <-ctx.Done():
		res := Failure(CodeCancelled, errors.ErrCodeTimeout, "Request cancelled: "+ctx.Err().Error())
		if c.settle(id, res) {
			return res, id
		}
		// Settled concurrently; the buffered channel holds the winner.
		return <-ch, id
	}
}

func resultFromSendError(err error) Result {
	switch errors.GetCode(err) {
	case errors.ErrCodeConnectionClosed:
		return Failure(CodeShuttingDown, errors.ErrCodeConnectionClosed, err.Error())
	case errors.ErrCodeWrite:
		return Failure(CodeWriteFailed, errors.ErrCodeWrite, err.Error())
	case errors.ErrCodeInvalidInput:
		return Failure(jsonrpc.InvalidParams, errors.ErrCodeInvalidInput, err.Error())
	default:
		return Failure(CodeInternal, errors.ErrCodeInternal, err.Error())
	}
}

// OnResponse settles the request a response frame belongs to. It reports
// false when no pending request matched, which is logged, not fatal.
func (c *Correlator) OnResponse(msg *jsonrpc.Message) bool {
	if msg == nil || msg.ID == nil {
		c.logger.Debug("response without usable id dropped")
		return false
	}

	var res Result
	if msg.Error != nil {
		res = Result{Error: &ResultError{
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
			Data:    msg.Error.Data,
			Kind:    errors.ErrCodeBackend,
		}}
	} else {
		res = Success(msg.Result)
	}

	if !c.settle(*msg.ID, res) {
		c.logger.Debug("response for unknown request dropped", "request_id", *msg.ID)
		return false
	}
	return true
}

// take removes and returns the pending entry for id, or nil.
func (c *Correlator) take(id uint64) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Correlator) settle(id uint64, res Result) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	c.deliver(p, res)
	return true
}

func (c *Correlator) deliver(p *pendingRequest, res Result) {
	if p.timer != nil {
		p.timer.Stop()
	}
	// The channel is buffered and receives exactly one value, so this never
	// blocks even if the caller stopped listening.
	p.ch <- res

	elapsed := time.Since(p.createdAt)
	c.logger.ResponseReceived(p.id, p.method, res.Success, elapsed)
	if c.onSettle != nil {
		c.onSettle(Settlement{ID: p.id, Method: p.method, Result: res, Elapsed: elapsed})
	}
}

// CancelAll settles every pending request with a connection-closed result
// and returns how many were cancelled.
func (c *Correlator) CancelAll(reason string) int {
	c.mu.Lock()
	victims := make([]*pendingRequest, 0, len(c.pending))
	for id, p := range c.pending {
		victims = append(victims, p)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	msg := "connection closed"
	if reason != "" {
		msg += ": " + reason
	}
	for _, p := range victims {
		c.deliver(p, Failure(CodeConnectionClosed, errors.ErrCodeConnectionClosed, msg))
	}
	if len(victims) > 0 {
		c.logger.Info("cancelled pending requests", "count", len(victims), "reason", reason)
	}
	return len(victims)
}

// Close rejects later sends and cancels everything pending.
func (c *Correlator) Close(reason string) int {
	c.mu.Lock()
	c.closing = true
	c.closeReason = reason
	c.mu.Unlock()
	return c.CancelAll(reason)
}

// Reset prepares the correlator for a new connection: anything still
// pending is cancelled, ids restart at 1 and sends are accepted again.
func (c *Correlator) Reset() {
	c.CancelAll("connection reset")
	c.mu.Lock()
	c.nextID = 0
	c.closing = false
	c.closeReason = ""
	c.mu.Unlock()
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// OldestPending returns the age of the oldest in-flight request, or zero.
func (c *Correlator) OldestPending() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var oldest time.Time
	for _, p := range c.pending {
		if oldest.IsZero() || p.createdAt.Before(oldest) {
			oldest = p.createdAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}
