package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix roots every key written by EtcdRegistry.
//
//	Key:   /chan-rpc/{channel}/{senderId}
//	Value: JSON-encoded Peer
//
// Entries are bound to a TTL lease so a crashed hub disappears on its own.
const KeyPrefix = "/chan-rpc/"

type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key -> lease, so Deregister can revoke
}

func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, logger: logger, leases: make(map[string]clientv3.LeaseID)}, nil
}

func peerKey(channel, senderID string) string {
	return KeyPrefix + channel + "/" + senderID
}

func channelPrefix(channel string) string {
	return KeyPrefix + channel + "/"
}

// Register writes peer under a lease of ttl seconds and keeps the lease alive
// until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, peer Peer, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	val, err := json.Marshal(peer)
	if err != nil {
		return err
	}
	key := peerKey(peer.Channel, peer.SenderID)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// The keepalive must outlive the registration call, so it is not bound to ctx.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive ended", zap.String("key", key))
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, channel, senderID string) error {
	key := peerKey(channel, senderID)
	r.mu.Lock()
	leaseID, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}
	if ok {
		// Stops the keepalive goroutine started by Register.
		if _, err := r.client.Revoke(ctx, leaseID); err != nil {
			return err
		}
	}
	return nil
}

// Watch emits the full peer list of channel on every change under its prefix.
// The channel is closed when ctx ends.
func (r *EtcdRegistry) Watch(ctx context.Context, channel string) <-chan []Peer {
	ch := make(chan []Peer, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, channelPrefix(channel), clientv3.WithPrefix()) {
			peers, err := r.Discover(ctx, channel)
			if err != nil {
				r.logger.Warn("discover after watch event failed", zap.String("channel", channel), zap.Error(err))
				continue
			}
			select {
			case ch <- peers:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *EtcdRegistry) Discover(ctx context.Context, channel string) ([]Peer, error) {
	resp, err := r.client.Get(ctx, channelPrefix(channel), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	peers := make([]Peer, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var peer Peer
		if err := json.Unmarshal(kv.Value, &peer); err != nil {
			r.logger.Warn("skipping malformed peer entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
