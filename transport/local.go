package transport

import (
	"sync"

	"chan-rpc/message"
)

// DefaultEventName is the bus topic used when none is given.
const DefaultEventName = "LocalRpcEvent"

// Bus is an in-process publish/subscribe hub. Emit delivers synchronously to
// every subscriber of the event, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]busSub
}

type busSub struct {
	id uint64
	fn func(*message.Envelope)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]busSub)}
}

// On subscribes fn to event and returns a function that removes it.
func (b *Bus) On(event string, fn func(*message.Envelope)) (off func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[event] = append(b.subs[event], busSub{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[event]
		for i, s := range subs {
			if s.id == id {
				b.subs[event] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) Emit(event string, env *message.Envelope) {
	b.mu.RLock()
	subs := append([]busSub(nil), b.subs[event]...)
	b.mu.RUnlock()
	for _, s := range subs {
		s.fn(env)
	}
}

// Local carries envelopes over a Bus. Besides wiring endpoints together in
// one process it works as a typed front for plain in-process events.
type Local struct {
	bus       *Bus
	eventName string

	mu      sync.Mutex
	off     func()
	stopped bool
}

func NewLocal(bus *Bus, eventName string) *Local {
	if eventName == "" {
		eventName = DefaultEventName
	}
	return &Local{bus: bus, eventName: eventName}
}

func (t *Local) Listen(handler func(*message.Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeListenerLocked()
	if t.stopped {
		return
	}
	t.off = t.bus.On(t.eventName, func(env *message.Envelope) {
		t.mu.Lock()
		stopped := t.stopped
		t.mu.Unlock()
		if !stopped {
			handler(env)
		}
	})
}

// SendMessage emits a copy of the envelope so the sender's value is never
// shared with receivers.
func (t *Local) SendMessage(env *message.Envelope) {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return
	}
	t.bus.Emit(t.eventName, env.Clone())
}

func (t *Local) StopTransport() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.removeListenerLocked()
}

func (t *Local) removeListenerLocked() {
	if t.off != nil {
		t.off()
		t.off = nil
	}
}
