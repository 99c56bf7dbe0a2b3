// Package registry lets stream endpoints find each other.
//
// A hub advertises itself as a Peer under its channel; a dialing endpoint
// discovers the peers of the channel it wants to join and picks one.
package registry

import (
	"context"
	"errors"
)

var ErrNoPeers = errors.New("registry: no peers available")

// Peer is one reachable endpoint of a channel.
type Peer struct {
	Channel  string `json:"channel"`
	SenderID string `json:"senderId"`
	Addr     string `json:"addr"`
	Weight   int    `json:"weight,omitempty"` // Weight for load balancing
	Codec    string `json:"codec,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, peer Peer, ttl int64) error
	Deregister(ctx context.Context, channel, senderID string) error
	Discover(ctx context.Context, channel string) ([]Peer, error)
	Watch(ctx context.Context, channel string) <-chan []Peer
}
