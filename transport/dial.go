package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"chan-rpc/codec"
	"chan-rpc/loadbalance"
	"chan-rpc/registry"

	"go.uber.org/zap"
)

type DialOptions struct {
	// Addr connects directly, skipping discovery.
	Addr string

	// Registry and Channel locate hubs when Addr is empty; Balancer picks one
	// (round robin by default).
	Registry registry.Registry
	Balancer loadbalance.Balancer
	Channel  string

	Stream StreamOptions
	Logger *zap.Logger
}

// Dial connects to a hub and returns the stream transport for it. A hub
// discovered through the registry dictates the codec it advertised.
func Dial(ctx context.Context, opts DialOptions) (*Stream, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Stream.Logger == nil {
		opts.Stream.Logger = opts.Logger
	}

	addr := opts.Addr
	if addr == "" {
		peer, err := pickPeer(ctx, opts)
		if err != nil {
			return nil, err
		}
		addr = peer.Addr
		if peer.Codec != "" {
			ct, err := codec.ParseCodecType(peer.Codec)
			if err != nil {
				return nil, fmt.Errorf("peer %s: %w", peer.SenderID, err)
			}
			opts.Stream.Codec = ct
		}
		opts.Logger.Debug("picked hub",
			zap.String("channel", opts.Channel),
			zap.String("hub", peer.SenderID),
			zap.String("addr", addr))
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewStream(conn, opts.Stream), nil
}

func pickPeer(ctx context.Context, opts DialOptions) (*registry.Peer, error) {
	if opts.Registry == nil {
		return nil, errors.New("transport: dial needs an address or a registry")
	}
	peers, err := opts.Registry.Discover(ctx, opts.Channel)
	if err != nil {
		return nil, fmt.Errorf("discover %q: %w", opts.Channel, err)
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("channel %q: %w", opts.Channel, registry.ErrNoPeers)
	}
	bal := opts.Balancer
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	return bal.Pick(peers)
}
