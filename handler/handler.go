// Package handler resolves an incoming method name to the code that answers it.
//
// Resolution order for Dispatch:
//
//	named handler (AddNamedHandler / AddHandlers)  ──► highest priority
//	delegates, in registration order               ──► first one passing its filters wins
//	nothing matched                                ──► MethodNotFound
//
// Handler failures are normalized: a returned *message.RPCError is passed on as
// is, any other error or panic is converted into an RPCError annotated with the
// local endpoint id and the method name.
package handler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"chan-rpc/message"
)

// ShouldRunFunc is a custom delegate filter, called after the built-in filters pass.
type ShouldRunFunc func(methodName string, delegate any, args ...any) bool

type options struct {
	context                    any
	useCallback                bool
	ignoreWithUnderscorePrefix bool
	ignoreInherited            bool
	shouldRun                  ShouldRunFunc
}

func defaultOptions() options {
	return options{ignoreWithUnderscorePrefix: true, ignoreInherited: true}
}

// Option configures a named handler or a delegate.
type Option func(*options)

// WithContext binds v as the receiver. For a named handler fn's first parameter
// receives v (use a method expression such as (*Greeter).Greet); for a delegate
// v replaces the delegate as the method receiver.
func WithContext(v any) Option {
	return func(o *options) { o.context = v }
}

// UseCallback marks handlers that complete through a trailing Done argument.
func UseCallback() Option {
	return func(o *options) { o.useCallback = true }
}

// IgnoreWithUnderscorePrefix controls whether a delegate skips method names
// beginning with "_". Default true.
func IgnoreWithUnderscorePrefix(ignore bool) Option {
	return func(o *options) { o.ignoreWithUnderscorePrefix = ignore }
}

// IgnoreInherited controls whether a delegate skips methods promoted from
// embedded fields. Default true.
func IgnoreInherited(ignore bool) Option {
	return func(o *options) { o.ignoreInherited = ignore }
}

// ShouldRun installs a custom delegate filter.
func ShouldRun(fn ShouldRunFunc) Option {
	return func(o *options) { o.shouldRun = fn }
}

type delegate struct {
	target   any
	typ      reflect.Type
	receiver reflect.Value
	opts     options
}

// Registry holds the named handlers and delegates of one endpoint.
type Registry struct {
	mu        sync.RWMutex
	senderID  string
	named     map[string]*invoker
	delegates []*delegate
}

// NewRegistry creates an empty registry. senderID annotates handler failures.
func NewRegistry(senderID string) *Registry {
	return &Registry{
		senderID: senderID,
		named:    make(map[string]*invoker),
	}
}

// SetSenderID updates the endpoint id used to annotate failures.
func (r *Registry) SetSenderID(senderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senderID = senderID
}

// AddNamedHandler registers fn under methodName. Names starting with "_" are allowed here.
func (r *Registry) AddNamedHandler(methodName string, fn any, opts ...Option) error {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	var receiver reflect.Value
	if o.context != nil {
		receiver = reflect.ValueOf(o.context)
	}
	inv, err := newInvoker(reflect.ValueOf(fn), receiver, o.useCallback)
	if err != nil {
		return fmt.Errorf("%s: %w", methodName, err)
	}
	r.mu.Lock()
	r.named[methodName] = inv
	r.mu.Unlock()
	return nil
}

// AddHandlers registers every entry of fns, skipping keys that start with "_".
func (r *Registry) AddHandlers(fns map[string]any, opts ...Option) error {
	for methodName, fn := range fns {
		if strings.HasPrefix(methodName, "_") {
			continue
		}
		if err := r.AddNamedHandler(methodName, fn, opts...); err != nil {
			return err
		}
	}
	return nil
}

// AddDelegate registers obj as a fallback whose exported methods answer calls.
// A call to "hello" is answered by a method named "hello" or "Hello".
func (r *Registry) AddDelegate(obj any, opts ...Option) error {
	if obj == nil {
		return errors.New("handler: expecting an object containing request handlers")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	d := &delegate{
		target:   obj,
		typ:      reflect.TypeOf(obj),
		receiver: reflect.ValueOf(obj),
		opts:     o,
	}
	if o.context != nil {
		ctxVal := reflect.ValueOf(o.context)
		if !ctxVal.Type().AssignableTo(d.typ) {
			return fmt.Errorf("handler: delegate context %s is not a %s", ctxVal.Type(), d.typ)
		}
		d.receiver = ctxVal
	}
	r.mu.Lock()
	r.delegates = append(r.delegates, d)
	r.mu.Unlock()
	return nil
}

// Dispatch runs the handler resolved for methodName.
func (r *Registry) Dispatch(ctx context.Context, methodName string, args []any) (results []any, err error) {
	if methodName == "" || methodName == "constructor" {
		return nil, &message.RPCError{Code: message.MethodNotFound, MethodName: methodName}
	}
	if args == nil {
		args = []any{}
	}

	inv, err := r.resolve(methodName, args)
	if err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			results = nil
			err = r.annotate(panicError(p), methodName)
		}
	}()
	results, err = inv.Call(ctx, args)
	if err != nil {
		return nil, r.annotate(err, methodName)
	}
	return results, nil
}

func (r *Registry) resolve(methodName string, args []any) (*invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if inv, ok := r.named[methodName]; ok {
		return inv, nil
	}
	for _, d := range r.delegates {
		m, ok := lookupMethod(d.typ, methodName)
		if !ok {
			continue
		}
		if d.opts.ignoreWithUnderscorePrefix && strings.HasPrefix(methodName, "_") {
			continue
		}
		if d.opts.ignoreInherited && isPromoted(d.typ, m.Name) {
			continue
		}
		if d.opts.shouldRun != nil && !d.opts.shouldRun(methodName, d.target, args...) {
			continue
		}
		return newInvoker(m.Func, d.receiver, d.opts.useCallback)
	}
	return nil, &message.RPCError{Code: message.MethodNotFound, MethodName: methodName}
}

// annotate converts a handler failure into a wire error. An *RPCError produced by
// the handler is an explicit rejection and is returned unchanged.
func (r *Registry) annotate(err error, methodName string) error {
	if rpcErr, ok := err.(*message.RPCError); ok {
		return rpcErr
	}
	code := message.CodeOf(err)
	if code == "" {
		code = message.UncaughtError
	}
	r.mu.RLock()
	endpoint := r.senderID
	r.mu.RUnlock()
	return &message.RPCError{
		Code:       code,
		Message:    err.Error(),
		MethodName: methodName,
		Endpoint:   endpoint,
	}
}

func panicError(p any) error {
	if err, ok := p.(error); ok {
		return err
	}
	return fmt.Errorf("%v", p)
}
