// Package router correlates outgoing requests with their responses and feeds
// validated incoming requests to the dispatch registry.
//
//	outgoing: SendRemoteRequest ─► pending[requestId] ─► (next turn) transport.SendMessage
//	incoming: HandleMessage ─► isForUs ─► preparse filters ─┬─► request  ─► dedup ─► dispatch ─► response (rsvp only)
//	                                                        └─► response ─► pending lookup ─► receipt
//
// Protocol noise (foreign protocol, self echo, other channel, duplicates,
// filter rejections, stale replies) is dropped silently.
package router

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"chan-rpc/message"
	"chan-rpc/metrics"
	"chan-rpc/middleware"
	"chan-rpc/receipt"
	"chan-rpc/request"
	"chan-rpc/transport"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	DefaultDedupSize = 10000
	DefaultDedupTTL  = 10 * time.Minute
)

var ErrNoTransport = errors.New("router: rpc transport not set up")

// PreparseFilter inspects an incoming envelope before it is routed.
// Returning (nil, true) keeps the envelope, (replacement, true) substitutes it
// for the remaining filters and routing, and (_, false) drops it without
// consulting later filters.
type PreparseFilter func(env *message.Envelope) (*message.Envelope, bool)

type Config struct {
	SenderID string
	Channel  string

	// OnValidatedRequest answers requests that passed validation. Defaults to
	// rejecting every call with MethodNotFound.
	OnValidatedRequest middleware.HandlerFunc

	Logger  *zap.Logger
	Metrics *metrics.Collector

	// Bounds of the set of already-dispatched request ids.
	DedupSize int
	DedupTTL  time.Duration
}

type Router struct {
	senderID           string
	channel            string
	onValidatedRequest middleware.HandlerFunc
	logger             *zap.Logger
	metrics            *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex // guards everything below
	transport transport.Transport
	pending   map[string]*request.Request
	finished  *expirable.LRU[string, struct{}]
	filters   []PreparseFilter
	stopped   bool
}

func New(cfg Config) *Router {
	if cfg.SenderID == "" {
		cfg.SenderID = message.NewID(message.SenderIDLength)
	}
	if cfg.Channel == "" {
		cfg.Channel = message.DefaultChannel
	}
	if cfg.OnValidatedRequest == nil {
		cfg.OnValidatedRequest = func(ctx context.Context, call *middleware.Call) ([]any, error) {
			return nil, &message.RPCError{Code: message.MethodNotFound, MethodName: call.MethodName}
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = DefaultDedupSize
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		senderID:           cfg.SenderID,
		channel:            cfg.Channel,
		onValidatedRequest: cfg.OnValidatedRequest,
		logger:             cfg.Logger.With(zap.String("senderId", cfg.SenderID), zap.String("channel", cfg.Channel)),
		metrics:            cfg.Metrics,
		ctx:                ctx,
		cancel:             cancel,
		pending:            make(map[string]*request.Request),
		finished:           expirable.NewLRU[string, struct{}](cfg.DedupSize, nil, cfg.DedupTTL),
	}
}

func (r *Router) SenderID() string { return r.senderID }

func (r *Router) Channel() string { return r.channel }

// UseTransport connects the router to t, stopping any transport it replaces.
func (r *Router) UseTransport(t transport.Transport) {
	r.mu.Lock()
	prev := r.transport
	r.transport = t
	r.mu.Unlock()

	if prev != nil && prev != t {
		prev.StopTransport()
	}
	if t == nil {
		return
	}
	if aware, ok := t.(transport.SenderIDAware); ok {
		aware.SetEndpointSenderID(r.senderID)
	}
	t.Listen(r.HandleMessage)
}

func (r *Router) Transport() transport.Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transport
}

// StopTransport tears down the current transport, if any.
func (r *Router) StopTransport() {
	r.mu.Lock()
	t := r.transport
	r.transport = nil
	r.mu.Unlock()
	if t != nil {
		t.StopTransport()
	}
}

// Stop rejects all further incoming traffic, stops the transport, rejects the
// requests still awaiting a reply with TransportClosed and waits for running
// handlers, whose context is cancelled.
func (r *Router) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cancel()
	r.StopTransport()
	r.closeAllPending()
	r.wg.Wait()
}

func (r *Router) closeAllPending() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*request.Request)
	r.mu.Unlock()
	r.metrics.SetPending(0)

	for _, req := range pending {
		req.ResponseReceived(&message.RPCError{
			Code:       message.TransportClosed,
			Message:    "router stopped",
			MethodName: req.MethodName,
			Endpoint:   r.senderID,
		})
	}
}

func (r *Router) AddPreparseFilter(f PreparseFilter) {
	if f == nil {
		return
	}
	r.mu.Lock()
	r.filters = append(r.filters, f)
	r.mu.Unlock()
}

// PendingRequestIDs lists the outgoing requests still awaiting a response.
func (r *Router) PendingRequestIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// SendRemoteRequest registers req, builds its envelope and hands it to the
// transport on a separate goroutine. The receipt is returned before the
// envelope leaves the process.
func (r *Router) SendRemoteRequest(req *request.Request) (*receipt.Receipt, error) {
	r.mu.Lock()
	if r.transport == nil {
		r.mu.Unlock()
		return nil, ErrNoTransport
	}
	rsvp := req.IsRsvp()
	if rsvp {
		r.pending[req.RequestID] = req
	}
	pendingCount := len(r.pending)
	r.mu.Unlock()

	env := req.BuildPayload(r.basePayload())
	rc, err := req.Receipt()
	if err != nil {
		r.forget(req.RequestID)
		return nil, err
	}
	r.metrics.RequestSent(req.MethodName)
	r.metrics.SetPending(pendingCount)
	if rsvp {
		go r.watch(req.RequestID, rc)
	} else {
		r.metrics.RequestSettled(string(rc.Status()))
	}

	go func() {
		t := r.Transport()
		if t == nil {
			req.ResponseReceived(&message.RPCError{
				Code:       message.TransportClosed,
				Message:    ErrNoTransport.Error(),
				MethodName: req.MethodName,
			})
			return
		}
		req.MarkAsSent()
		t.SendMessage(env)
	}()
	return rc, nil
}

// watch releases the pending entry of a request settled locally (timeout or
// forced resolution) so a late reply finds nothing to resolve.
func (r *Router) watch(requestID string, rc *receipt.Receipt) {
	<-rc.Done()
	r.forget(requestID)
	r.metrics.RequestSettled(string(rc.Status()))
}

func (r *Router) forget(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	n := len(r.pending)
	r.mu.Unlock()
	r.metrics.SetPending(n)
}

// HandleMessage is the transport listener.
func (r *Router) HandleMessage(env *message.Envelope) {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		r.drop(env, metrics.DropStopped)
		return
	}
	if reason := r.rejectReason(env); reason != "" {
		r.drop(env, reason)
		return
	}

	env, ok := r.preparse(env)
	if !ok {
		r.drop(env, metrics.DropFilter)
		return
	}

	switch {
	case env.IsRequest():
		r.receiveRequest(env)
	case env.IsResponse():
		r.receiveResponse(env)
	default:
		r.drop(env, metrics.DropProtocol)
	}
}

func (r *Router) rejectReason(env *message.Envelope) string {
	switch {
	case env == nil || env.Protocol != message.Protocol:
		return metrics.DropProtocol
	case env.SenderID == "" || env.SenderID == r.senderID:
		return metrics.DropSelf
	case env.Channel == "" || env.Channel != r.channel:
		return metrics.DropChannel
	}
	return ""
}

func (r *Router) preparse(env *message.Envelope) (*message.Envelope, bool) {
	r.mu.Lock()
	filters := append([]PreparseFilter(nil), r.filters...)
	r.mu.Unlock()

	current := env
	for _, f := range filters {
		next, keep := r.runFilter(f, current)
		if !keep {
			return env, false
		}
		if next != nil {
			current = next
		}
	}
	return current, true
}

func (r *Router) runFilter(f PreparseFilter, env *message.Envelope) (next *message.Envelope, keep bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("preparse filter panicked, invalidating incoming message", zap.Any("panic", p))
			next, keep = nil, false
		}
	}()
	return f(env)
}

func (r *Router) receiveRequest(env *message.Envelope) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if r.finished.Contains(env.RequestID) {
		r.mu.Unlock()
		r.drop(env, metrics.DropDuplicate)
		return
	}
	r.finished.Add(env.RequestID, struct{}{})
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		call := &middleware.Call{
			MethodName: env.MethodName,
			Args:       env.UserArgs,
			Envelope:   env,
		}
		results, err := r.onValidatedRequest(r.ctx, call)
		r.handleRsvp(env, err, results)
	}()
}

func (r *Router) handleRsvp(req *message.Envelope, err error, results []any) {
	if !req.Rsvp {
		if err != nil {
			r.logger.Debug("fire-and-forget request failed", zap.String("method", req.MethodName), zap.Error(err))
		}
		return
	}
	t := r.Transport()
	if t == nil {
		return
	}
	resp := r.basePayload()
	resp.MethodName = req.MethodName
	resp.RespondingTo = req.RequestID
	if err != nil {
		resp.Error = r.toRPCError(err, req.MethodName)
	} else {
		if results == nil {
			results = []any{}
		}
		resp.ResolveArgs = results
	}
	t.SendMessage(&resp)
}

func (r *Router) toRPCError(err error, methodName string) *message.RPCError {
	var rpcErr *message.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	code := message.CodeOf(err)
	if code == "" {
		code = message.UncaughtError
	}
	return &message.RPCError{
		Code:       code,
		Message:    err.Error(),
		MethodName: methodName,
		Endpoint:   r.senderID,
	}
}

func (r *Router) receiveResponse(env *message.Envelope) {
	r.mu.Lock()
	req, ok := r.pending[env.RespondingTo]
	if ok {
		delete(r.pending, env.RespondingTo)
	}
	n := len(r.pending)
	r.mu.Unlock()

	if !ok || !req.IsRsvp() {
		r.drop(env, metrics.DropStaleResponse)
		return
	}
	r.metrics.SetPending(n)

	var err error
	if env.Error != nil {
		err = env.Error
	}
	req.ResponseReceived(err, env.ResolveArgs...)
}

func (r *Router) basePayload() message.Envelope {
	return message.Envelope{
		Protocol:      message.Protocol,
		Channel:       r.channel,
		SenderID:      r.senderID,
		TransportMeta: map[string]any{},
	}
}

func (r *Router) drop(env *message.Envelope, reason string) {
	r.metrics.Dropped(reason)
	if ce := r.logger.Check(zap.DebugLevel, "dropping incoming message"); ce != nil {
		fields := []zap.Field{zap.String("reason", reason)}
		if env != nil {
			fields = append(fields,
				zap.String("from", env.SenderID),
				zap.String("method", env.MethodName),
				zap.String("requestId", env.RequestID),
				zap.String("respondingTo", env.RespondingTo))
		}
		ce.Write(fields...)
	}
}
