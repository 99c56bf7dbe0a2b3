package endpoint

import (
	"context"
	"fmt"

	"chan-rpc/message"
	"chan-rpc/receipt"
	"chan-rpc/request"
)

// Method returns a typed stub for methodName. The stub waits for the first
// result and converts it to R. When ctx ends first the call is rejected
// locally, so its pending entry does not outlive the caller.
//
//	hello := endpoint.Method[string](ep, "hello")
//	greeting, err := hello(ctx, "Bob")
func Method[R any](ep *Endpoint, methodName string, opts ...request.Opts) func(ctx context.Context, args ...any) (R, error) {
	merged := request.Opts{}.Merge(opts...)
	return func(ctx context.Context, args ...any) (R, error) {
		var zero R
		rc, err := ep.MakeRemoteRequest(methodName, args, merged)
		if err != nil {
			return zero, err
		}
		v, err := rc.Value(ctx)
		if err != nil {
			if ctx.Err() != nil {
				rc.RejectNow(ctx.Err())
			}
			return zero, err
		}
		return message.As[R](v)
	}
}

// Notifier returns a fire-and-forget stub for methodName. The returned error
// only reports a missing transport.
func Notifier(ep *Endpoint, methodName string) func(args ...any) error {
	opts := request.Opts{Rsvp: request.Bool(false)}
	return func(args ...any) error {
		_, err := ep.MakeRemoteRequest(methodName, args, opts)
		return err
	}
}

// Remote is a view of the endpoint restricted to known method names.
type Remote struct {
	ep      *Endpoint
	methods map[string]struct{}
}

// RemoteInterface returns a Remote. With no names every method is allowed.
func (ep *Endpoint) RemoteInterface(methodNames ...string) *Remote {
	r := &Remote{ep: ep}
	if len(methodNames) > 0 {
		r.methods = make(map[string]struct{}, len(methodNames))
		for _, name := range methodNames {
			r.methods[name] = struct{}{}
		}
	}
	return r
}

func (r *Remote) Call(methodName string, args ...any) (*receipt.Receipt, error) {
	if r.methods != nil {
		if _, ok := r.methods[methodName]; !ok {
			return nil, fmt.Errorf("endpoint: %q is not part of this remote interface", methodName)
		}
	}
	return r.ep.Call(methodName, args...)
}
