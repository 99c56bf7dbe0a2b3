// Package receipt implements the per-request lifecycle handle returned to callers.
//
// A Receipt is the awaitable result of one remote call. It starts Pending and
// accepts exactly one terminal transition:
//
//	Pending ──remote reply──────► RemoteResult | RemoteError
//	        ──ResolveNow/RejectNow► ForcedResult | ForcedError
//	        ──timer fired─────────► TimeoutError
//	        ──rsvp=false──────────► SkipRsvp (at construction)
//
// Any later attempt (a late remote reply after a forced resolution, a timer that
// lost the race) is discarded.
package receipt

import (
	"context"
	"sync"
	"time"

	"chan-rpc/message"
)

// Status is the lifecycle state of a request.
type Status string

const (
	Pending      Status = "Pending"
	RemoteResult Status = "RemoteResult"
	RemoteError  Status = "RemoteError"
	ForcedResult Status = "ForcedResult"
	ForcedError  Status = "ForcedError"
	TimeoutError Status = "TimeoutError"
	SkipRsvp     Status = "SkipRsvp"
)

// Callback is the error-first completion callback used instead of awaiting the receipt.
type Callback func(err error, results ...any)

// Info is a snapshot of a receipt.
type Info struct {
	RequestID      string
	RequestedAt    time.Time
	CompletedAt    time.Time // zero while pending
	Status         Status
	RequestPayload *message.Envelope
}

// Receipt is the lifecycle handle of one outgoing request.
type Receipt struct {
	mu          sync.Mutex
	payload     *message.Envelope
	callback    Callback
	status      Status
	requestedAt time.Time
	completedAt time.Time
	timer       *time.Timer
	timerGen    uint64 // Bumped on every UpdateTimeout so a replaced timer cannot fire
	values      []any
	err         error
	done        chan struct{}
	sent        chan struct{}
	sentOnce    sync.Once
}

// New creates a receipt for the given request envelope. When the envelope does
// not ask for a reply the receipt is immediately complete with SkipRsvp.
func New(payload *message.Envelope, callback Callback) *Receipt {
	r := &Receipt{
		payload:     payload,
		callback:    callback,
		status:      Pending,
		requestedAt: time.Now(),
		done:        make(chan struct{}),
		sent:        make(chan struct{}),
	}
	if !payload.Rsvp {
		r.markResolution(SkipRsvp, nil)
	}
	return r
}

// IsPending reports whether the receipt is still waiting for its outcome.
func (r *Receipt) IsPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == Pending
}

// Status returns the current lifecycle state.
func (r *Receipt) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Info returns a snapshot of the receipt.
func (r *Receipt) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Info{
		RequestID:      r.payload.RequestID,
		RequestedAt:    r.requestedAt,
		CompletedAt:    r.completedAt,
		Status:         r.status,
		RequestPayload: r.payload,
	}
}

// ResolveNow completes the request locally with the given values.
// The remote peer is not notified; its eventual reply is discarded.
func (r *Receipt) ResolveNow(results ...any) {
	r.markResolution(ForcedResult, nil, results...)
}

// RejectNow fails the request locally. A nil reason is replaced with a ForcedError.
func (r *Receipt) RejectNow(reason error) {
	if reason == nil {
		reason = &message.RPCError{Code: message.ForcedError, MethodName: r.payload.MethodName}
	}
	r.markResolution(ForcedError, reason)
}

// UpdateTimeout (re)arms the timeout. A previous timer is cancelled; d <= 0 only disarms.
func (r *Receipt) UpdateTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerGen++
	if d <= 0 || r.status != Pending {
		return
	}
	gen := r.timerGen
	r.timer = time.AfterFunc(d, func() { r.timeout(gen) })
}

// timeout checks the generation and transitions under one lock, so an
// UpdateTimeout racing the expiry always wins over the stale timer.
func (r *Receipt) timeout(gen uint64) {
	r.mu.Lock()
	if gen != r.timerGen {
		r.mu.Unlock()
		return
	}
	notify := r.markResolutionLocked(TimeoutError, &message.RPCError{
		Code:       message.RemoteMethodTimeoutError,
		MethodName: r.payload.MethodName,
	})
	r.mu.Unlock()
	notify()
}

// ResponseReceived applies the remote outcome.
func (r *Receipt) ResponseReceived(err error, results ...any) {
	if err != nil {
		r.markResolution(RemoteError, err)
		return
	}
	r.markResolution(RemoteResult, nil, results...)
}

// Done is closed once the receipt reaches a terminal state.
func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the receipt completes or ctx is cancelled. Cancelling ctx
// does not change the receipt's state.
func (r *Receipt) Wait(ctx context.Context) ([]any, error) {
	select {
	case <-r.done:
		return r.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Value waits like Wait and returns the first result value.
func (r *Receipt) Value(ctx context.Context) (any, error) {
	values, err := r.Wait(ctx)
	if err != nil || len(values) == 0 {
		return nil, err
	}
	return values[0], nil
}

// Result returns the outcome without blocking. While pending both results are nil.
func (r *Receipt) Result() ([]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values, r.err
}

// Sent is closed once the request envelope has been handed to the channel adapter.
func (r *Receipt) Sent() <-chan struct{} {
	return r.sent
}

// MarkSent closes the Sent channel. Safe to call more than once.
func (r *Receipt) MarkSent() {
	r.sentOnce.Do(func() { close(r.sent) })
}

func (r *Receipt) markResolution(status Status, err error, results ...any) {
	r.mu.Lock()
	notify := r.markResolutionLocked(status, err, results...)
	r.mu.Unlock()
	notify()
}

// markResolutionLocked applies a terminal transition and returns the callback
// notification to run once r.mu is released.
func (r *Receipt) markResolutionLocked(status Status, err error, results ...any) (notify func()) {
	if r.status != Pending {
		return func() {}
	}
	if status == SkipRsvp {
		r.completedAt = r.requestedAt
	} else {
		r.completedAt = time.Now()
	}
	r.status = status
	r.err = err
	if err == nil {
		r.values = results
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerGen++
	close(r.done)

	cb := r.callback
	return func() {
		if cb == nil {
			return
		}
		if err != nil {
			cb(err)
		} else {
			cb(nil, results...)
		}
	}
}
