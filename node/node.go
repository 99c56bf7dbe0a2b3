// Package node assembles a runnable endpoint from a config file: transport,
// hub discovery, dispatch limits, the JSON-RPC gateway and a metrics listener.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"chan-rpc/config"
	"chan-rpc/endpoint"
	"chan-rpc/gateway"
	"chan-rpc/handler"
	"chan-rpc/message"
	"chan-rpc/metrics"
	"chan-rpc/middleware"
	"chan-rpc/registry"
	"chan-rpc/transport"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultRetryDelay = 50 * time.Millisecond

type Options struct {
	Logger *zap.Logger

	// Registry replaces the etcd registry named by the config.
	Registry registry.Registry
}

type Node struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Collector

	ep       *endpoint.Endpoint
	gateway  *endpoint.Endpoint
	attached *Attached
	registry registry.Registry
	etcd     *registry.EtcdRegistry

	closeOnce sync.Once
}

// New builds the node and attaches its transport. Hubs start accepting only
// once Run is called.
func New(ctx context.Context, cfg config.Config, opts Options) (*Node, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	senderID := cfg.SenderID
	if senderID == "" {
		senderID = message.NewID(message.SenderIDLength)
	}
	n := &Node{
		cfg:      cfg,
		logger:   opts.Logger.With(zap.String("node", senderID)),
		metrics:  metrics.New(senderID),
		registry: opts.Registry,
	}

	if n.registry == nil && cfg.Etcd.Enabled() {
		etcd, err := OpenRegistry(cfg.Etcd, n.logger)
		if err != nil {
			return nil, fmt.Errorf("open etcd registry: %w", err)
		}
		n.etcd = etcd
		n.registry = etcd
	}

	var bus *transport.Bus
	if cfg.Transport.Mode == config.ModeLocal {
		bus = transport.NewBus()
	}
	attached, err := BuildTransport(ctx, cfg.Transport, TransportDeps{
		Channel:  cfg.Channel,
		SenderID: senderID,
		Registry: n.registry,
		TTL:      cfg.Etcd.TTL,
		NSQ:      cfg.NSQ,
		Bus:      bus,
		Logger:   n.logger,
	})
	if err != nil {
		n.closeRegistry()
		return nil, fmt.Errorf("build %s transport: %w", cfg.Transport.Mode, err)
	}
	n.attached = attached

	ep, err := endpoint.New(
		endpoint.WithSenderID(senderID),
		endpoint.WithChannel(cfg.Channel),
		endpoint.WithLogger(n.logger),
		endpoint.WithMetrics(n.metrics),
		endpoint.WithAllRequestOpts(cfg.Requests.Opts()),
		endpoint.WithMiddleware(n.middlewares()...),
		endpoint.WithDedup(cfg.Limits.DedupSize, cfg.Limits.DedupTTL),
		endpoint.WithTransport(attached.Transport),
	)
	if err != nil {
		attached.Close()
		n.closeRegistry()
		return nil, err
	}
	n.ep = ep
	for name, rc := range cfg.Methods {
		ep.SetDefaultRequestOptsForMethod(name, rc.Opts())
	}
	if err := registerBuiltins(ep); err != nil {
		n.Close()
		return nil, err
	}

	// A gateway sharing the node's endpoint could never reach the node's own
	// handlers on a local bus, so it gets a sibling endpoint there.
	n.gateway = ep
	if bus != nil {
		gw, err := endpoint.New(
			endpoint.WithSenderID(senderID+"-gateway"),
			endpoint.WithChannel(cfg.Channel),
			endpoint.WithLogger(n.logger),
			endpoint.WithAllRequestOpts(cfg.Requests.Opts()),
			endpoint.WithTransport(transport.NewLocal(bus, cfg.Transport.EventName)),
		)
		if err != nil {
			n.Close()
			return nil, err
		}
		n.gateway = gw
	}
	return n, nil
}

// middlewares orders dispatch limits: rate limiting outermost, then the
// handler timeout, so retries run inside one deadline and stop with it.
func (n *Node) middlewares() []middleware.Middleware {
	l := n.cfg.Limits
	mws := []middleware.Middleware{middleware.LoggingMiddleware(n.logger)}
	if l.RatePerSecond > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(l.RatePerSecond, l.Burst))
	}
	if l.HandlerTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(l.HandlerTimeout))
	}
	if l.Retries > 0 {
		delay := l.RetryDelay
		if delay <= 0 {
			delay = defaultRetryDelay
		}
		mws = append(mws, middleware.RetryMiddleware(l.Retries, delay, n.logger))
	}
	return mws
}

func registerBuiltins(ep *endpoint.Endpoint) error {
	return ep.AddRequestHandlers(map[string]any{
		"ping": func() string { return "pong" },
		"echo": handler.Func(func(_ context.Context, args []any) ([]any, error) {
			return args, nil
		}),
		"whoami": func() map[string]string {
			return map[string]string{"senderId": ep.SenderID(), "channel": ep.Channel()}
		},
	})
}

func (n *Node) Endpoint() *endpoint.Endpoint { return n.ep }

// Gateway is the endpoint the HTTP gateway calls through.
func (n *Node) Gateway() *endpoint.Endpoint { return n.gateway }

func (n *Node) Metrics() *metrics.Collector { return n.metrics }

// HubAddr is the listening address in listen mode, nil otherwise.
func (n *Node) HubAddr() net.Addr { return n.attached.Addr }

// Run serves the hub, gateway and metrics listeners until ctx ends or one of
// them fails, then closes the node.
func (n *Node) Run(ctx context.Context) error {
	var servers []*http.Server
	if addr := n.cfg.HTTP.GatewayAddr; addr != "" {
		h, err := gateway.NewHandler(n.gateway, gateway.Options{Logger: n.logger})
		if err != nil {
			n.Close()
			return err
		}
		servers = append(servers, &http.Server{Addr: addr, Handler: h})
	}
	if addr := n.cfg.HTTP.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", n.metrics.Handler())
		servers = append(servers, &http.Server{Addr: addr, Handler: mux})
	}

	g, ctx := errgroup.WithContext(ctx)
	if n.attached.Serve != nil {
		g.Go(n.attached.Serve)
	}
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			n.logger.Info("http listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	if n.registry != nil && n.cfg.Transport.Mode == config.ModeDial {
		g.Go(func() error {
			for peers := range n.registry.Watch(ctx, n.cfg.Channel) {
				n.logger.Info("hubs changed", zap.String("channel", n.cfg.Channel), zap.Int("count", len(peers)))
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(sctx); err != nil {
				n.logger.Warn("http shutdown", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}
		n.Close()
		return nil
	})

	n.logger.Info("node started",
		zap.String("channel", n.cfg.Channel),
		zap.String("mode", n.cfg.Transport.Mode))
	return g.Wait()
}

// Close stops the endpoints, the transport and the registry client.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		if n.gateway != nil && n.gateway != n.ep {
			n.gateway.Stop()
		}
		if n.ep != nil {
			n.ep.Stop()
		}
		n.attached.Close()
		n.closeRegistry()
		n.logger.Info("node stopped")
	})
}

func (n *Node) closeRegistry() {
	if n.etcd == nil {
		return
	}
	if err := n.etcd.Close(); err != nil {
		n.logger.Warn("close etcd registry", zap.Error(err))
	}
	n.etcd = nil
}
