package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry for single-binary setups and tests.
// TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	peers    map[string]map[string]Peer // channel -> senderId -> peer
	watchers map[string][]chan []Peer
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		peers:    make(map[string]map[string]Peer),
		watchers: make(map[string][]chan []Peer),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, peer Peer, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[peer.Channel] == nil {
		r.peers[peer.Channel] = make(map[string]Peer)
	}
	r.peers[peer.Channel][peer.SenderID] = peer
	r.notifyLocked(peer.Channel)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, channel, senderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers[channel], senderID)
	r.notifyLocked(channel)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, channel string) ([]Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(channel), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, channel string) <-chan []Peer {
	ch := make(chan []Peer, 1)
	r.mu.Lock()
	r.watchers[channel] = append(r.watchers[channel], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[channel]
		for i, w := range ws {
			if w == ch {
				r.watchers[channel] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *MemoryRegistry) listLocked(channel string) []Peer {
	peers := make([]Peer, 0, len(r.peers[channel]))
	for _, p := range r.peers[channel] {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].SenderID < peers[j].SenderID })
	return peers
}

// notifyLocked replaces any unread update so watchers always see the latest list.
func (r *MemoryRegistry) notifyLocked(channel string) {
	peers := r.listLocked(channel)
	for _, w := range r.watchers[channel] {
		select {
		case <-w:
		default:
		}
		w <- peers
	}
}
