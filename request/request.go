// Package request models one outgoing remote call before and while it is in flight.
//
// A Request owns its correlation id, its options and exactly one receipt. The
// wire envelope is built once, the first time the request is sent, so every
// later reference sees the same requestId.
package request

import (
	"errors"
	"sync"
	"time"

	"chan-rpc/message"
	"chan-rpc/receipt"
)

var (
	ErrPayloadNotBuilt = errors.New("request: receipt requested before payload was built")
	ErrAlreadySent     = errors.New("request: already sent")
)

// Opts are per-call options. Nil fields inherit from the less specific level.
type Opts struct {
	Timeout *time.Duration // <= 0 means no timeout
	Rsvp    *bool          // false means fire-and-forget
}

// Defaults applied beneath every other level.
var Defaults = Opts{Timeout: Duration(-1), Rsvp: Bool(true)}

// Duration returns a pointer to d, for building Opts.
func Duration(d time.Duration) *time.Duration { return &d }

// Bool returns a pointer to b, for building Opts.
func Bool(b bool) *bool { return &b }

// Merge layers the given options over o, most specific last.
func (o Opts) Merge(more ...Opts) Opts {
	out := o
	for _, m := range more {
		if m.Timeout != nil {
			out.Timeout = m.Timeout
		}
		if m.Rsvp != nil {
			out.Rsvp = m.Rsvp
		}
	}
	return out
}

// Request is an outgoing remote call.
type Request struct {
	MethodName string
	UserArgs   []any
	RequestID  string

	mu       sync.Mutex
	opts     Opts
	callback receipt.Callback
	payload  *message.Envelope
	receipt  *receipt.Receipt
	wasSent  bool
}

// New creates a request. A trailing receipt.Callback (or func(error, ...any))
// argument is removed from userArgs and becomes the request's completion callback.
func New(methodName string, userArgs []any, opts Opts) *Request {
	r := &Request{
		MethodName: methodName,
		RequestID:  message.NewID(message.RequestIDLength),
		opts:       Defaults.Merge(opts),
	}
	if n := len(userArgs); n > 0 {
		switch cb := userArgs[n-1].(type) {
		case receipt.Callback:
			r.callback = cb
			userArgs = userArgs[:n-1]
		case func(error, ...any):
			r.callback = cb
			userArgs = userArgs[:n-1]
		}
	}
	if userArgs == nil {
		userArgs = []any{}
	}
	r.UserArgs = userArgs
	return r
}

// HasCallback reports whether the request completes through a callback.
func (r *Request) HasCallback() bool {
	return r.callback != nil
}

// IsRsvp reports whether the caller expects a reply.
func (r *Request) IsRsvp() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.opts.Rsvp
}

// Opts returns the effective options.
func (r *Request) Opts() Opts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts
}

// RequestOpts updates options. Rejected once the envelope has been built or sent,
// since the wire payload is immutable from that point.
func (r *Request) RequestOpts(opts Opts) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wasSent || r.payload != nil {
		return ErrAlreadySent
	}
	r.opts = r.opts.Merge(opts)
	return nil
}

// BuildPayload merges the session fields of base with the request fields.
// Only the first call builds; later calls return the same envelope.
func (r *Request) BuildPayload(base message.Envelope) *message.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.payload != nil {
		return r.payload
	}
	env := base
	env.MethodName = r.MethodName
	env.RequestID = r.RequestID
	env.UserArgs = r.UserArgs
	env.Rsvp = *r.opts.Rsvp
	env.RespondingTo = ""
	env.Error = nil
	env.ResolveArgs = nil
	env.TransportMeta = map[string]any{}
	r.payload = &env
	return r.payload
}

// DataForPayload returns the request fields of the envelope without session fields.
func (r *Request) DataForPayload() message.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return message.Envelope{
		MethodName: r.MethodName,
		RequestID:  r.RequestID,
		UserArgs:   r.UserArgs,
		Rsvp:       *r.opts.Rsvp,
	}
}

// Receipt returns the request's lifecycle handle, creating it on first use.
// A configured timeout is armed when the receipt is created.
func (r *Request) Receipt() (*receipt.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.payload == nil {
		return nil, ErrPayloadNotBuilt
	}
	if r.receipt == nil {
		r.receipt = receipt.New(r.payload, r.callback)
		if t := r.opts.Timeout; t != nil && *t > 0 {
			r.receipt.UpdateTimeout(*t)
		}
	}
	return r.receipt, nil
}

// MarkAsSent records that the envelope was handed to the channel adapter.
func (r *Request) MarkAsSent() {
	r.mu.Lock()
	r.wasSent = true
	rc := r.receipt
	r.mu.Unlock()
	if rc != nil {
		rc.MarkSent()
	}
}

// ResponseReceived forwards the remote outcome to the receipt.
func (r *Request) ResponseReceived(err error, results ...any) {
	rc, rerr := r.Receipt()
	if rerr != nil {
		return
	}
	rc.ResponseReceived(err, results...)
}
