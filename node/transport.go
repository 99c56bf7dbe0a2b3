package node

import (
	"context"
	"fmt"
	"net"
	"time"

	"chan-rpc/codec"
	"chan-rpc/config"
	"chan-rpc/loadbalance"
	"chan-rpc/registry"
	"chan-rpc/transport"

	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// TransportDeps carries what a transport section needs beyond its own keys.
type TransportDeps struct {
	Channel  string
	SenderID string
	Registry registry.Registry // nil without etcd
	TTL      int64
	NSQ      config.NSQConfig
	Bus      *transport.Bus
	Logger   *zap.Logger
}

// Attached is a transport built from config. Serve and Addr are set for
// hubs; Serve runs the accept loop until Close.
type Attached struct {
	Transport transport.Transport
	Addr      net.Addr
	Serve     func() error
	Close     func()
}

// BuildTransport turns one [transport] section into a live transport.
func BuildTransport(ctx context.Context, tc config.TransportConfig, d TransportDeps) (*Attached, error) {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	ct, err := codec.ParseCodecType(tc.Codec)
	if err != nil {
		return nil, err
	}
	so := transport.StreamOptions{Codec: ct, HeartbeatInterval: tc.Heartbeat, Logger: d.Logger}

	switch tc.Mode {
	case config.ModeListen:
		ln, err := net.Listen("tcp", tc.Addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", tc.Addr, err)
		}
		svr := transport.NewServer(transport.ServerOptions{
			Stream:   so,
			Fanout:   tc.Fanout,
			Registry: d.Registry,
			Peer:     registry.Peer{Channel: d.Channel, SenderID: d.SenderID, Weight: 1},
			TTL:      d.TTL,
			Logger:   d.Logger,
		})
		return &Attached{
			Transport: svr,
			Addr:      ln.Addr(),
			Serve:     func() error { return svr.ServeListener(ln) },
			Close: func() {
				if err := svr.Shutdown(shutdownTimeout); err != nil {
					d.Logger.Warn("hub shutdown", zap.Error(err))
				}
				// ServeListener never ran if startup failed before Serve.
				ln.Close()
			},
		}, nil

	case config.ModeDial:
		lb, err := loadbalance.New(tc.Balancer, d.SenderID)
		if err != nil {
			return nil, err
		}
		dctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		s, err := transport.Dial(dctx, transport.DialOptions{
			Addr:     tc.Addr,
			Registry: d.Registry,
			Balancer: lb,
			Channel:  d.Channel,
			Stream:   so,
			Logger:   d.Logger,
		})
		if err != nil {
			return nil, err
		}
		return &Attached{Transport: s, Close: s.StopTransport}, nil

	case config.ModeLocal:
		bus := d.Bus
		if bus == nil {
			bus = transport.NewBus()
		}
		t := transport.NewLocal(bus, tc.EventName)
		return &Attached{Transport: t, Close: t.StopTransport}, nil

	case config.ModeNSQ:
		t, err := transport.NewNSQ(transport.NSQOptions{
			Topic:        d.NSQ.Topic,
			NSQDAddr:     d.NSQ.NSQD,
			LookupdAddrs: d.NSQ.Lookupd,
			Logger:       d.Logger,
		})
		if err != nil {
			return nil, err
		}
		return &Attached{Transport: t, Close: t.StopTransport}, nil
	}
	return nil, fmt.Errorf("unknown transport mode %q", tc.Mode)
}

// OpenRegistry connects to etcd when the config names endpoints.
func OpenRegistry(cfg config.EtcdConfig, logger *zap.Logger) (*registry.EtcdRegistry, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	return registry.NewEtcdRegistry(cfg.Endpoints, cfg.DialTimeout, logger)
}
