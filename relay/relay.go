// Package relay bridges two transports so endpoints on either side can call
// each other. A relay neither makes nor answers requests; it only forwards.
//
//	left ──listen──► tag relays ──► right.SendMessage
//	right ──listen──► tag relays ──► left.SendMessage
package relay

import (
	"sync"

	"chan-rpc/message"
	"chan-rpc/metrics"
	"chan-rpc/transport"

	"go.uber.org/zap"
)

const idLength = 10

// ShouldRelayFunc vetoes forwarding when it returns false.
type ShouldRelayFunc func(env *message.Envelope) bool

type Opts struct {
	Left  transport.Transport
	Right transport.Transport

	// RelayID is appended to transportMeta.relays on every forwarded envelope.
	// A random id is used when empty.
	RelayID     string
	ShouldRelay ShouldRelayFunc

	Logger  *zap.Logger
	Metrics *metrics.Collector
}

type Relay struct {
	id          string
	left        transport.Transport
	right       transport.Transport
	shouldRelay ShouldRelayFunc
	logger      *zap.Logger
	metrics     *metrics.Collector

	mu      sync.Mutex
	started bool
}

func New(opts Opts) *Relay {
	if opts.RelayID == "" {
		opts.RelayID = message.NewID(idLength)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Relay{
		id:          opts.RelayID,
		left:        opts.Left,
		right:       opts.Right,
		shouldRelay: opts.ShouldRelay,
		logger:      opts.Logger.With(zap.String("relayId", opts.RelayID)),
		metrics:     opts.Metrics,
	}
}

func (r *Relay) ID() string { return r.id }

// Start listens on both sides. Calling it again is a no-op.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.bridge("left", r.left, r.right)
	r.bridge("right", r.right, r.left)
	r.logger.Info("relay started")
}

// StopTransport stops both sides.
func (r *Relay) StopTransport() {
	r.left.StopTransport()
	r.right.StopTransport()
	r.logger.Info("relay stopped")
}

func (r *Relay) bridge(side string, from, to transport.Transport) {
	from.Listen(func(env *message.Envelope) {
		if env == nil {
			return
		}
		if env.HasRelay(r.id) {
			r.drop(env, side, metrics.DropRelayLoop)
			return
		}
		if r.shouldRelay != nil && !r.shouldRelay(env) {
			r.drop(env, side, metrics.DropRelayVeto)
			return
		}
		to.SendMessage(env.WithRelay(r.id))
	})
}

func (r *Relay) drop(env *message.Envelope, side, reason string) {
	r.metrics.Dropped(reason)
	r.logger.Debug("not relaying",
		zap.String("from", side),
		zap.String("reason", reason),
		zap.String("method", env.MethodName),
		zap.String("requestId", env.RequestID),
		zap.String("respondingTo", env.RespondingTo))
}
