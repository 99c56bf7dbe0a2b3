package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"chan-rpc/message"
)

// BinaryCodec packs the routing fields of an envelope as length-prefixed
// strings so a receiver can reject foreign traffic before touching the
// payload. Argument values, transport meta and errors follow as one JSON blob.
//
//	protocol | channel | senderId | methodName | requestId | respondingTo   (uint16 len + bytes each)
//	flags (bit0 rsvp)                                                      (1 byte)
//	payload                                                                (uint32 len + JSON)
type BinaryCodec struct{}

const flagRsvp byte = 1 << 0

type binaryPayload struct {
	TransportMeta map[string]any    `json:"m,omitempty"`
	UserArgs      []any             `json:"u,omitempty"`
	Error         *message.RPCError `json:"e,omitempty"`
	ResolveArgs   []any             `json:"r,omitempty"`
}

var errNotEnvelope = errors.New("BinaryCodec: v must be *message.Envelope")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	env, ok := v.(*message.Envelope)
	if !ok {
		return nil, errNotEnvelope
	}
	payload, err := json.Marshal(binaryPayload{
		TransportMeta: env.TransportMeta,
		UserArgs:      env.UserArgs,
		Error:         env.Error,
		ResolveArgs:   env.ResolveArgs,
	})
	if err != nil {
		return nil, err
	}

	fields := []string{env.Protocol, env.Channel, env.SenderID, env.MethodName, env.RequestID, env.RespondingTo}
	total := 1 + 4 + len(payload)
	for _, f := range fields {
		if len(f) > 0xFFFF {
			return nil, fmt.Errorf("BinaryCodec: field too long (%d bytes)", len(f))
		}
		total += 2 + len(f)
	}

	buf := make([]byte, 0, total)
	for _, f := range fields {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(f)))
		buf = append(buf, f...)
	}
	var flags byte
	if env.Rsvp {
		flags |= flagRsvp
	}
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	env, ok := v.(*message.Envelope)
	if !ok {
		return errNotEnvelope
	}
	r := reader{data: data}
	env.Protocol = r.str()
	env.Channel = r.str()
	env.SenderID = r.str()
	env.MethodName = r.str()
	env.RequestID = r.str()
	env.RespondingTo = r.str()
	flags := r.byte()
	payload := r.bytes()
	if r.err != nil {
		return r.err
	}
	env.Rsvp = flags&flagRsvp != 0

	var p binaryPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("BinaryCodec: payload: %w", err)
		}
	}
	env.TransportMeta = p.TransportMeta
	env.UserArgs = p.UserArgs
	env.Error = p.Error
	env.ResolveArgs = p.ResolveArgs
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

var errShortBuffer = errors.New("BinaryCodec: truncated data")

type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) str() string {
	b := r.take(2)
	if b == nil {
		return ""
	}
	return string(r.take(int(binary.BigEndian.Uint16(b))))
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) bytes() []byte {
	b := r.take(4)
	if b == nil {
		return nil
	}
	return r.take(int(binary.BigEndian.Uint32(b)))
}
