// Package message defines the envelope exchanged between two RPC endpoints.
//
// Every request and every response travels as one Envelope. The routing fields
// (protocol, channel, senderId) let a receiving endpoint discard traffic that is
// not addressed to its session; the remaining fields depend on the envelope kind:
//
//   - On request:  RequestID is set, UserArgs holds the call arguments, Rsvp says whether a reply is wanted.
//   - On response: RespondingTo holds the originating RequestID, Error or ResolveArgs holds the outcome.
package message

import "encoding/json"

// Protocol tags every envelope produced by this engine. Envelopes carrying any
// other value are foreign traffic and are ignored.
const Protocol = "WranggleRpc-1"

// DefaultChannel is used when an endpoint is not configured with a channel.
const DefaultChannel = "CommonChannel"

// RelaysKey is the transportMeta key holding the relay trail.
const RelaysKey = "relays"

// Envelope carries a single RPC request or response.
type Envelope struct {
	Protocol      string         `json:"protocol"`
	Channel       string         `json:"channel"`
	SenderID      string         `json:"senderId"`
	MethodName    string         `json:"methodName"`
	TransportMeta map[string]any `json:"transportMeta,omitempty"` // Opaque bag for transports and middleware, preserved end to end

	// Request fields
	RequestID string `json:"requestId,omitempty"`
	UserArgs  []any  `json:"userArgs,omitempty"`
	Rsvp      bool   `json:"rsvp"`

	// Response fields
	RespondingTo string    `json:"respondingTo,omitempty"`
	Error        *RPCError `json:"error,omitempty"`
	ResolveArgs  []any     `json:"resolveArgs,omitempty"`
}

// MarshalJSON writes rsvp on every request, false included. Responses never
// carry it.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	out := struct {
		plain
		Rsvp *bool `json:"rsvp,omitempty"`
	}{plain: plain(e)}
	if e.IsRequest() {
		out.Rsvp = &e.Rsvp
	}
	return json.Marshal(out)
}

// IsRequest reports whether the envelope carries a request.
func (e *Envelope) IsRequest() bool {
	return e != nil && e.RequestID != ""
}

// IsResponse reports whether the envelope carries a response.
func (e *Envelope) IsResponse() bool {
	return e != nil && e.RespondingTo != ""
}

// Clone returns a copy that can be annotated without touching the original.
// TransportMeta and the relay trail are copied; argument values are shared.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.TransportMeta = make(map[string]any, len(e.TransportMeta)+1)
	for k, v := range e.TransportMeta {
		c.TransportMeta[k] = v
	}
	if relays := e.Relays(); relays != nil {
		c.TransportMeta[RelaysKey] = append([]string(nil), relays...)
	}
	return &c
}

// Relays returns the relay ids recorded in transportMeta.
// After a JSON round trip the trail arrives as []any, so both shapes are accepted.
func (e *Envelope) Relays() []string {
	if e == nil || e.TransportMeta == nil {
		return nil
	}
	switch v := e.TransportMeta[RelaysKey].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, id := range v {
			if s, ok := id.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// HasRelay reports whether relayID already forwarded this envelope.
func (e *Envelope) HasRelay(relayID string) bool {
	for _, id := range e.Relays() {
		if id == relayID {
			return true
		}
	}
	return false
}

// WithRelay returns a copy of the envelope with relayID appended to the relay trail.
func (e *Envelope) WithRelay(relayID string) *Envelope {
	c := e.Clone()
	c.TransportMeta[RelaysKey] = append(c.Relays(), relayID)
	return c
}
