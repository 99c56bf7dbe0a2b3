// Package endpoint is the caller-facing side of the engine. An Endpoint owns
// one router, one dispatch registry and the transport they share.
//
//	ep.Call("hello", "Bob") ──► request ──► router ──► transport ─ ─ ► remote endpoint
//	remote endpoint ─ ─ ► transport ──► router ──► middleware ──► handler registry
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"chan-rpc/handler"
	"chan-rpc/message"
	"chan-rpc/middleware"
	"chan-rpc/receipt"
	"chan-rpc/request"
	"chan-rpc/router"
	"chan-rpc/transport"

	"go.uber.org/zap"
)

var ErrConstructionOnly = errors.New("endpoint: option can only be set in New")

type Endpoint struct {
	router     *router.Router
	handlers   *handler.Registry
	transports *transport.Registry
	logger     *zap.Logger

	mu             sync.RWMutex
	allRequestOpts request.Opts
	methodOpts     map[string]request.Opts
}

// New builds an endpoint. Without a transport option the endpoint can
// register handlers but cannot send until UseTransport is called.
func New(opts ...Option) (*Endpoint, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.senderID == "" {
		o.senderID = message.NewID(message.SenderIDLength)
	}
	if o.channel == "" {
		o.channel = message.DefaultChannel
	}
	if o.transports == nil {
		o.transports = transport.DefaultRegistry(nil, o.logger)
	}

	handlers := handler.NewRegistry(o.senderID)
	mws := o.middlewares
	if o.metrics != nil {
		mws = append([]middleware.Middleware{middleware.MetricsMiddleware(o.metrics)}, mws...)
	}
	dispatch := middleware.Chain(mws...)(func(ctx context.Context, call *middleware.Call) ([]any, error) {
		return handlers.Dispatch(ctx, call.MethodName, call.Args)
	})

	ep := &Endpoint{
		router: router.New(router.Config{
			SenderID:           o.senderID,
			Channel:            o.channel,
			OnValidatedRequest: dispatch,
			Logger:             o.logger,
			Metrics:            o.metrics,
			DedupSize:          o.dedupSize,
			DedupTTL:           o.dedupTTL,
		}),
		handlers:       handlers,
		transports:     o.transports,
		logger:         o.logger.With(zap.String("senderId", o.senderID)),
		allRequestOpts: o.allRequestOpts,
		methodOpts:     make(map[string]request.Opts),
	}
	for _, f := range o.filters {
		ep.router.AddPreparseFilter(f)
	}
	if o.transport != nil {
		if err := ep.UseTransport(o.transport); err != nil {
			ep.router.Stop()
			return nil, err
		}
	}
	return ep, nil
}

// Opts applies options after construction: request defaults, additional
// preparse filters and the transport. Any other option yields
// ErrConstructionOnly and nothing is applied.
func (ep *Endpoint) Opts(opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.constructionOnly) > 0 {
		return fmt.Errorf("%w: %s", ErrConstructionOnly, strings.Join(o.constructionOnly, ", "))
	}
	ep.mu.Lock()
	ep.allRequestOpts = ep.allRequestOpts.Merge(o.allRequestOpts)
	ep.mu.Unlock()
	for _, f := range o.filters {
		ep.router.AddPreparseFilter(f)
	}
	if o.transport != nil {
		return ep.UseTransport(o.transport)
	}
	return nil
}

// UseTransport sets the transport from an instance or a shortcut; see
// transport.Registry.Build. A transport already in use is stopped.
func (ep *Endpoint) UseTransport(v any) error {
	t, err := ep.transports.Build(v)
	if err != nil {
		return err
	}
	ep.router.UseTransport(t)
	ep.logger.Debug("transport set", zap.String("type", fmt.Sprintf("%T", t)))
	return nil
}

func (ep *Endpoint) SenderID() string { return ep.router.SenderID() }

func (ep *Endpoint) Channel() string { return ep.router.Channel() }

// AddRequestHandler answers methodName with fn. See handler.Registry for the
// function shapes accepted.
func (ep *Endpoint) AddRequestHandler(methodName string, fn any, opts ...handler.Option) error {
	return ep.handlers.AddNamedHandler(methodName, fn, opts...)
}

// AddRequestHandlers registers each entry of fns; names starting with "_"
// are skipped.
func (ep *Endpoint) AddRequestHandlers(fns map[string]any, opts ...handler.Option) error {
	return ep.handlers.AddHandlers(fns, opts...)
}

// AddRequestHandlerDelegate lets the exported methods of obj answer calls
// that no named handler claims.
func (ep *Endpoint) AddRequestHandlerDelegate(obj any, opts ...handler.Option) error {
	return ep.handlers.AddDelegate(obj, opts...)
}

// SetDefaultRequestOptsForMethod layers opts over the session defaults for
// every call to methodName.
func (ep *Endpoint) SetDefaultRequestOptsForMethod(methodName string, opts request.Opts) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.methodOpts[methodName] = ep.methodOpts[methodName].Merge(opts)
}

// MakeRemoteRequest sends a call. Options resolve, most specific last:
// engine defaults, session defaults, method defaults, opts. A trailing
// receipt.Callback in userArgs receives the outcome.
func (ep *Endpoint) MakeRemoteRequest(methodName string, userArgs []any, opts request.Opts) (*receipt.Receipt, error) {
	ep.mu.RLock()
	merged := ep.allRequestOpts.Merge(ep.methodOpts[methodName], opts)
	ep.mu.RUnlock()
	return ep.router.SendRemoteRequest(request.New(methodName, userArgs, merged))
}

// Call sends methodName with args using the configured defaults.
func (ep *Endpoint) Call(methodName string, args ...any) (*receipt.Receipt, error) {
	return ep.MakeRemoteRequest(methodName, args, request.Opts{})
}

// PendingRequestIDs lists outgoing calls still awaiting a reply.
func (ep *Endpoint) PendingRequestIDs() []string {
	return ep.router.PendingRequestIDs()
}

// Stop stops the transport and waits for running handlers.
func (ep *Endpoint) Stop() {
	ep.router.Stop()
	ep.logger.Debug("endpoint stopped")
}
