package loadbalance

import (
	"sync/atomic"

	"chan-rpc/registry"
)

type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(peers []registry.Peer) (*registry.Peer, error) {
	if len(peers) == 0 {
		return nil, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(peers))
	return &peers[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
