// Package transport holds the channel adapter contract and the adapters that
// ship with the engine.
//
// The engine needs three things from a channel: send an envelope, deliver
// received envelopes to one listener, and stop. Everything else (framing,
// discovery, brokers) stays inside the adapter.
package transport

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"chan-rpc/message"
)

var ErrUnknownTransport = errors.New("transport: unknown transport")

// Transport moves envelopes between endpoints.
//
// SendMessage is best effort and never blocks on the remote side. Listen
// installs the only handler, replacing any earlier one. StopTransport is
// idempotent; afterwards no handler fires and SendMessage does nothing.
type Transport interface {
	SendMessage(env *message.Envelope)
	Listen(handler func(env *message.Envelope))
	StopTransport()
}

// SenderIDAware transports learn the id of the endpoint using them.
type SenderIDAware interface {
	SetEndpointSenderID(senderID string)
}

// Factory builds a transport from shortcut options.
type Factory func(opts map[string]any) (Transport, error)

// Shortcut names a registered factory and the options passed to it.
type Shortcut struct {
	Type string         `toml:"type" json:"type"`
	Opts map[string]any `toml:"opts" json:"opts"`
}

// Registry maps shortcut names to factories. Each endpoint gets the registry
// it was given, so registrations never leak between endpoints.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build resolves v into a transport. v may be a Transport (returned as is),
// a shortcut name, a Shortcut, or a map with a "type" (or "transportType") key
// whose remaining entries are the options.
func (r *Registry) Build(v any) (Transport, error) {
	switch val := v.(type) {
	case nil:
		return nil, errors.New("transport: invalid transport options")
	case Transport:
		return val, nil
	case string:
		return r.build(val, nil)
	case Shortcut:
		return r.build(val.Type, val.Opts)
	case *Shortcut:
		return r.build(val.Type, val.Opts)
	case map[string]any:
		name, _ := val["type"].(string)
		if name == "" {
			name, _ = val["transportType"].(string)
		}
		opts := make(map[string]any, len(val))
		for k, o := range val {
			if k != "type" && k != "transportType" {
				opts[k] = o
			}
		}
		return r.build(name, opts)
	}
	return nil, fmt.Errorf("transport: cannot build a transport from %T", v)
}

func (r *Registry) build(name string, opts map[string]any) (Transport, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTransport, name)
	}
	if opts == nil {
		opts = map[string]any{}
	}
	t, err := f(opts)
	if err != nil {
		return nil, fmt.Errorf("transport %q: %w", name, err)
	}
	return t, nil
}

func optString(opts map[string]any, key, def string) string {
	if s, ok := opts[key].(string); ok && s != "" {
		return s
	}
	return def
}
