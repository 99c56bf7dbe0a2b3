package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"chan-rpc/registry"
)

// ConsistentHashBalancer maps a key onto a hash ring of peers, so the same key
// keeps landing on the same hub while membership is stable. Each peer owns
// replicas virtual nodes to even out the ring.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A'
//	                ╲   ╱
type ConsistentHashBalancer struct {
	key      string // used by Pick
	replicas int

	mu         sync.RWMutex
	ring       []uint32
	nodes      map[uint32]registry.Peer
	membership string // sorted sender ids the ring was built from
}

func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: 100,
		nodes:    make(map[uint32]registry.Peer),
	}
}

// Add places a peer on the ring.
func (b *ConsistentHashBalancer) Add(peer registry.Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(peer)
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func (b *ConsistentHashBalancer) addLocked(peer registry.Peer) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", peer.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = peer
	}
}

// PickKey returns the peer owning key on the current ring.
func (b *ConsistentHashBalancer) PickKey(key string) (*registry.Peer, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	peer := b.nodes[b.ring[idx]]
	return &peer, nil
}

// Pick rebuilds the ring when the peer set changed, then picks the balancer key.
func (b *ConsistentHashBalancer) Pick(peers []registry.Peer) (*registry.Peer, error) {
	if len(peers) == 0 {
		return nil, ErrNoInstances
	}
	ids := make([]string, len(peers))
	for i, p := range peers {
		ids[i] = p.SenderID + "@" + p.Addr
	}
	sort.Strings(ids)
	membership := strings.Join(ids, ",")

	b.mu.Lock()
	if membership != b.membership {
		b.ring = b.ring[:0]
		b.nodes = make(map[uint32]registry.Peer, len(peers)*b.replicas)
		for _, p := range peers {
			b.addLocked(p)
		}
		sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
		b.membership = membership
	}
	b.mu.Unlock()
	return b.PickKey(b.key)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
