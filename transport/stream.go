package transport

import (
	"net"
	"sync"
	"time"

	"chan-rpc/codec"
	"chan-rpc/message"
	"chan-rpc/protocol"

	"go.uber.org/zap"
)

const DefaultHeartbeatInterval = 30 * time.Second

type StreamOptions struct {
	Codec codec.CodecType

	// HeartbeatInterval between keepalive frames. Zero means the default,
	// negative disables heartbeats.
	HeartbeatInterval time.Duration

	Logger *zap.Logger
}

// Stream carries envelopes over one net.Conn as protocol frames.
//
//	SendMessage ──(sending lock)──► frame ──► conn ──► peer
//	recvLoop    ◄── frame ◄── conn: heartbeats skipped, envelopes handed to the listener
//
// A single goroutine reads, since frame boundaries can only be found by
// reading sequentially. Writers share the sending lock so frames never
// interleave.
type Stream struct {
	conn      net.Conn
	codec     codec.Codec
	logger    *zap.Logger
	heartbeat time.Duration

	sending sync.Mutex
	seq     uint32

	mu      sync.Mutex
	handler func(*message.Envelope)
	stopped bool

	closeOnce sync.Once
	done      chan struct{}
	onClose   func(*Stream) // set before start
}

// NewStream starts the read loop and, unless disabled, the heartbeat loop.
func NewStream(conn net.Conn, opts StreamOptions) *Stream {
	s := newStream(conn, opts)
	s.start()
	return s
}

func newStream(conn net.Conn, opts StreamOptions) *Stream {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Stream{
		conn:      conn,
		codec:     codec.GetCodec(opts.Codec),
		logger:    opts.Logger.With(zap.Stringer("remote", conn.RemoteAddr())),
		heartbeat: opts.HeartbeatInterval,
		done:      make(chan struct{}),
	}
}

func (s *Stream) start() {
	go s.recvLoop()
	if s.heartbeat > 0 {
		go s.heartbeatLoop(s.heartbeat)
	}
}

func (s *Stream) Listen(handler func(*message.Envelope)) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// SendMessage writes env as one frame. Failures close the stream; the
// engine's timeouts cover the lost envelope.
func (s *Stream) SendMessage(env *message.Envelope) {
	if s.isStopped() {
		return
	}
	body, err := s.codec.Encode(env)
	if err != nil {
		s.logger.Warn("encode envelope failed", zap.String("method", env.MethodName), zap.Error(err))
		return
	}
	msgType := protocol.MsgTypeRequest
	if env.IsResponse() {
		msgType = protocol.MsgTypeResponse
	}

	s.sending.Lock()
	s.seq++
	header := protocol.Header{
		CodecType: byte(s.codec.Type()),
		MsgType:   msgType,
		Seq:       s.seq,
	}
	err = protocol.Encode(s.conn, &header, body)
	s.sending.Unlock()

	if err != nil {
		s.logger.Debug("write frame failed", zap.Error(err))
		s.close()
	}
}

func (s *Stream) StopTransport() {
	s.mu.Lock()
	s.stopped = true
	s.handler = nil
	s.mu.Unlock()
	s.close()
}

// Done is closed once the connection is gone, whatever the cause.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Stream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Stream) close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
		close(s.done)
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

func (s *Stream) recvLoop() {
	defer s.close()
	for {
		header, body, err := protocol.Decode(s.conn)
		if err != nil {
			if !s.isStopped() {
				s.logger.Debug("connection closed", zap.Error(err))
			}
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		env := new(message.Envelope)
		cdc := codec.GetCodec(codec.CodecType(header.CodecType))
		if err := cdc.Decode(body, env); err != nil {
			// A malformed envelope is dropped; the frame boundary is still intact.
			s.logger.Debug("dropping undecodable frame", zap.Uint32("seq", header.Seq), zap.Error(err))
			continue
		}

		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	}
}

func (s *Stream) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}
		s.sending.Lock()
		err := protocol.Encode(s.conn, header, nil)
		s.sending.Unlock()
		if err != nil {
			s.close()
			return
		}
	}
}
