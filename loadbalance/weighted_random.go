package loadbalance

import (
	"math/rand"

	"chan-rpc/registry"
)

// WeightedRandomBalancer picks peers with probability proportional to their
// weight. A peer advertising no weight counts as weight 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(peers []registry.Peer) (*registry.Peer, error) {
	if len(peers) == 0 {
		return nil, ErrNoInstances
	}

	totalWeight := 0
	for _, p := range peers {
		totalWeight += weightOf(p)
	}

	r := rand.Intn(totalWeight)
	for i := range peers {
		r -= weightOf(peers[i])
		if r < 0 {
			return &peers[i], nil
		}
	}
	return &peers[len(peers)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weightOf(p registry.Peer) int {
	if p.Weight <= 0 {
		return 1
	}
	return p.Weight
}
