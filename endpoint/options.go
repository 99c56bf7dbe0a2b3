package endpoint

import (
	"time"

	"chan-rpc/metrics"
	"chan-rpc/middleware"
	"chan-rpc/request"
	"chan-rpc/router"
	"chan-rpc/transport"

	"go.uber.org/zap"
)

type options struct {
	channel        string
	senderID       string
	allRequestOpts request.Opts
	filters        []router.PreparseFilter
	transport      any
	transports     *transport.Registry
	logger         *zap.Logger
	metrics        *metrics.Collector
	middlewares    []middleware.Middleware
	dedupSize      int
	dedupTTL       time.Duration

	// set when an option that only applies at construction was given
	constructionOnly []string
}

// Option configures an Endpoint. Options marked "New only" are rejected by
// Endpoint.Opts.
type Option func(*options)

// WithChannel sets the logical channel. New only.
func WithChannel(channel string) Option {
	return func(o *options) {
		o.channel = channel
		o.constructionOnly = append(o.constructionOnly, "channel")
	}
}

// WithSenderID fixes the endpoint id instead of a random one. New only.
func WithSenderID(senderID string) Option {
	return func(o *options) {
		o.senderID = senderID
		o.constructionOnly = append(o.constructionOnly, "senderId")
	}
}

// WithAllRequestOpts sets the session-wide request defaults. Later calls
// layer over earlier ones.
func WithAllRequestOpts(opts request.Opts) Option {
	return func(o *options) { o.allRequestOpts = o.allRequestOpts.Merge(opts) }
}

// WithPreparseFilter appends f to the incoming filter chain.
func WithPreparseFilter(f router.PreparseFilter) Option {
	return func(o *options) { o.filters = append(o.filters, f) }
}

// WithTransport sets the transport to use.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithTransportShortcut builds the transport from a registered shortcut: a
// name, a transport.Shortcut or a map with a "type" key.
func WithTransportShortcut(shortcut any) Option {
	return func(o *options) { o.transport = shortcut }
}

// WithTransportRegistry replaces the shortcut registry. New only.
func WithTransportRegistry(r *transport.Registry) Option {
	return func(o *options) {
		o.transports = r
		o.constructionOnly = append(o.constructionOnly, "transportRegistry")
	}
}

// WithLogger sets the logger. New only.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
		o.constructionOnly = append(o.constructionOnly, "logger")
	}
}

// WithMetrics records the endpoint's traffic into c. New only.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = c
		o.constructionOnly = append(o.constructionOnly, "metrics")
	}
}

// WithMiddleware wraps incoming dispatch; the first middleware runs
// outermost. New only.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) {
		o.middlewares = append(o.middlewares, mws...)
		o.constructionOnly = append(o.constructionOnly, "middleware")
	}
}

// WithDedup bounds the set of request ids already dispatched. New only.
func WithDedup(size int, ttl time.Duration) Option {
	return func(o *options) {
		o.dedupSize = size
		o.dedupTTL = ttl
		o.constructionOnly = append(o.constructionOnly, "dedup")
	}
}
