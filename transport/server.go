package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"chan-rpc/message"
	"chan-rpc/registry"

	"go.uber.org/zap"
)

type ServerOptions struct {
	Stream StreamOptions

	// Fanout forwards every envelope received from one connection to all other
	// connections, making the hub a shared channel for its clients.
	Fanout bool

	// Registry, when set, advertises the hub as Peer for the lifetime of Serve.
	// An empty Peer.SenderID is filled with the endpoint sender id.
	Registry registry.Registry
	Peer     registry.Peer
	TTL      int64 // seconds, default 10

	Logger *zap.Logger
}

// Server is a transport that accepts stream connections. Envelopes sent
// through it go to every connected stream; envelopes received on any stream
// reach the listener.
//
//	Accept conn ─► Stream (own read loop) ─┬─► listener
//	                                       └─► other streams (Fanout)
type Server struct {
	opts   ServerOptions
	logger *zap.Logger

	listener net.Listener
	ready    chan struct{}
	shutdown atomic.Bool
	wg       sync.WaitGroup // live connections

	mu         sync.Mutex
	streams    map[*Stream]struct{}
	handler    func(*message.Envelope)
	senderID   string
	registered bool
}

func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TTL <= 0 {
		opts.TTL = 10
	}
	if opts.Stream.Logger == nil {
		opts.Stream.Logger = opts.Logger
	}
	return &Server{
		opts:    opts,
		logger:  opts.Logger,
		ready:   make(chan struct{}),
		streams: make(map[*Stream]struct{}),
	}
}

// Serve listens on address and runs the accept loop until Shutdown.
func (svr *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener)
}

// ServeListener runs the accept loop on an existing listener. It returns nil
// after Shutdown.
func (svr *Server) ServeListener(listener net.Listener) error {
	svr.mu.Lock()
	svr.listener = listener
	svr.mu.Unlock()
	close(svr.ready)

	if err := svr.register(); err != nil {
		listener.Close()
		return fmt.Errorf("register hub: %w", err)
	}
	svr.logger.Info("hub listening", zap.Stringer("addr", listener.Addr()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.addConn(conn)
	}
}

// Ready is closed once the server has a listener.
func (svr *Server) Ready() <-chan struct{} {
	return svr.ready
}

// Addr is the listening address, nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Conns reports the number of live connections.
func (svr *Server) Conns() int {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return len(svr.streams)
}

func (svr *Server) SetEndpointSenderID(senderID string) {
	svr.mu.Lock()
	svr.senderID = senderID
	svr.mu.Unlock()
}

func (svr *Server) Listen(handler func(*message.Envelope)) {
	svr.mu.Lock()
	svr.handler = handler
	svr.mu.Unlock()
}

// SendMessage broadcasts env to every connection.
func (svr *Server) SendMessage(env *message.Envelope) {
	if svr.shutdown.Load() {
		return
	}
	for _, s := range svr.snapshot() {
		s.SendMessage(env)
	}
}

func (svr *Server) StopTransport() {
	if err := svr.Shutdown(5 * time.Second); err != nil {
		svr.logger.Warn("hub shutdown", zap.Error(err))
	}
}

// Shutdown leaves discovery first so no new clients arrive, then closes the
// listener and every connection, waiting up to timeout for their read loops.
func (svr *Server) Shutdown(timeout time.Duration) error {
	if !svr.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if err := svr.deregister(); err != nil {
		errs = append(errs, fmt.Errorf("deregister hub: %w", err))
	}

	svr.mu.Lock()
	listener := svr.listener
	svr.handler = nil
	svr.mu.Unlock()
	if listener != nil {
		listener.Close()
	}
	for _, s := range svr.snapshot() {
		s.StopTransport()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		errs = append(errs, errors.New("timeout waiting for connections to close"))
	}
	return errors.Join(errs...)
}

func (svr *Server) addConn(conn net.Conn) {
	s := newStream(conn, svr.opts.Stream)
	s.onClose = svr.removeStream
	s.handler = func(env *message.Envelope) { svr.receive(s, env) }

	svr.wg.Add(1)
	svr.mu.Lock()
	svr.streams[s] = struct{}{}
	svr.mu.Unlock()
	s.start()
	svr.logger.Debug("client connected", zap.Stringer("remote", conn.RemoteAddr()))

	if svr.shutdown.Load() {
		s.StopTransport()
	}
}

func (svr *Server) removeStream(s *Stream) {
	svr.mu.Lock()
	_, ok := svr.streams[s]
	delete(svr.streams, s)
	svr.mu.Unlock()
	if ok {
		svr.logger.Debug("client disconnected", zap.Stringer("remote", s.RemoteAddr()))
		svr.wg.Done()
	}
}

func (svr *Server) receive(from *Stream, env *message.Envelope) {
	if svr.opts.Fanout {
		for _, s := range svr.snapshot() {
			if s != from {
				s.SendMessage(env)
			}
		}
	}
	svr.mu.Lock()
	handler := svr.handler
	svr.mu.Unlock()
	if handler != nil {
		handler(env)
	}
}

func (svr *Server) snapshot() []*Stream {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	out := make([]*Stream, 0, len(svr.streams))
	for s := range svr.streams {
		out = append(out, s)
	}
	return out
}

func (svr *Server) advertisedPeer() registry.Peer {
	peer := svr.opts.Peer
	svr.mu.Lock()
	if peer.SenderID == "" {
		peer.SenderID = svr.senderID
	}
	if peer.Addr == "" && svr.listener != nil {
		peer.Addr = svr.listener.Addr().String()
	}
	svr.mu.Unlock()
	if peer.Codec == "" {
		peer.Codec = svr.opts.Stream.Codec.String()
	}
	return peer
}

func (svr *Server) register() error {
	if svr.opts.Registry == nil {
		return nil
	}
	peer := svr.advertisedPeer()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svr.opts.Registry.Register(ctx, peer, svr.opts.TTL); err != nil {
		return err
	}
	svr.mu.Lock()
	svr.registered = true
	svr.mu.Unlock()
	svr.logger.Info("hub registered", zap.String("channel", peer.Channel), zap.String("addr", peer.Addr))
	return nil
}

func (svr *Server) deregister() error {
	svr.mu.Lock()
	registered := svr.registered
	svr.registered = false
	svr.mu.Unlock()
	if !registered {
		return nil
	}
	peer := svr.advertisedPeer()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return svr.opts.Registry.Deregister(ctx, peer.Channel, peer.SenderID)
}
