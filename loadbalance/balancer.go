// Package loadbalance chooses which hub a dialing endpoint connects to when
// discovery returns several peers for its channel.
//
//   - RoundRobin:      spread endpoints evenly
//   - WeightedRandom:  favour peers advertised with a larger weight
//   - ConsistentHash:  pin an endpoint to the same hub across reconnects
package loadbalance

import (
	"errors"
	"fmt"
	"strings"

	"chan-rpc/registry"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer must be goroutine-safe.
type Balancer interface {
	Pick(peers []registry.Peer) (*registry.Peer, error)
	Name() string
}

// New returns the balancer called name. key feeds ConsistentHash.
func New(name, key string) (Balancer, error) {
	switch strings.ToLower(name) {
	case "", "roundrobin", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weightedrandom", "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistenthash", "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}
