package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"chan-rpc/config"
	"chan-rpc/message"
	"chan-rpc/metrics"
	"chan-rpc/registry"
	"chan-rpc/relay"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RelayNode runs a relay between the [relay.left] and [relay.right]
// transports of a config.
type RelayNode struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Collector

	relay       *relay.Relay
	left, right *Attached
	etcd        *registry.EtcdRegistry

	closeOnce sync.Once
}

func NewRelay(ctx context.Context, cfg config.Config, opts Options) (*RelayNode, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	id := cfg.Relay.ID
	if id == "" {
		id = message.NewID(10)
	}
	rn := &RelayNode{
		cfg:     cfg,
		logger:  opts.Logger,
		metrics: metrics.New(id),
	}

	reg := opts.Registry
	if reg == nil && cfg.Etcd.Enabled() {
		etcd, err := OpenRegistry(cfg.Etcd, opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("open etcd registry: %w", err)
		}
		rn.etcd = etcd
		reg = etcd
	}

	deps := func(side string) TransportDeps {
		return TransportDeps{
			Channel:  cfg.Channel,
			SenderID: id + "-" + side,
			Registry: reg,
			TTL:      cfg.Etcd.TTL,
			NSQ:      cfg.NSQ,
			Logger:   opts.Logger.With(zap.String("side", side)),
		}
	}
	var err error
	if rn.left, err = BuildTransport(ctx, cfg.Relay.Left, deps("left")); err != nil {
		rn.Close()
		return nil, fmt.Errorf("relay.left: %w", err)
	}
	if rn.right, err = BuildTransport(ctx, cfg.Relay.Right, deps("right")); err != nil {
		rn.Close()
		return nil, fmt.Errorf("relay.right: %w", err)
	}

	rn.relay = relay.New(relay.Opts{
		Left:    rn.left.Transport,
		Right:   rn.right.Transport,
		RelayID: id,
		Logger:  opts.Logger,
		Metrics: rn.metrics,
	})
	rn.relay.Start()
	return rn, nil
}

func (rn *RelayNode) ID() string { return rn.relay.ID() }

// Sides returns the left and right transports as built.
func (rn *RelayNode) Sides() (left, right *Attached) { return rn.left, rn.right }

func (rn *RelayNode) Metrics() *metrics.Collector { return rn.metrics }

// Run serves hub sides and the metrics listener until ctx ends.
func (rn *RelayNode) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, side := range []*Attached{rn.left, rn.right} {
		if side.Serve != nil {
			g.Go(side.Serve)
		}
	}

	var srv *http.Server
	if addr := rn.cfg.HTTP.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rn.metrics.Handler())
		srv = &http.Server{Addr: addr, Handler: mux}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http %s: %w", addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		if srv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				rn.logger.Warn("http shutdown", zap.Error(err))
			}
		}
		rn.Close()
		return nil
	})
	return g.Wait()
}

func (rn *RelayNode) Close() {
	rn.closeOnce.Do(func() {
		if rn.left != nil {
			rn.left.Close()
		}
		if rn.right != nil {
			rn.right.Close()
		}
		if rn.etcd != nil {
			if err := rn.etcd.Close(); err != nil {
				rn.logger.Warn("close etcd registry", zap.Error(err))
			}
		}
	})
}
