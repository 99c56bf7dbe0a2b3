package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"chan-rpc/codec"
	"chan-rpc/message"
	"chan-rpc/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records delivered envelopes.
type collector struct {
	mu   sync.Mutex
	envs []*message.Envelope
	ch   chan *message.Envelope
}

func newCollector() *collector {
	return &collector{ch: make(chan *message.Envelope, 64)}
}

func (c *collector) handle(env *message.Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	c.ch <- env
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func (c *collector) next(t *testing.T) *message.Envelope {
	t.Helper()
	select {
	case env := <-c.ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func (c *collector) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case env := <-c.ch:
		t.Fatalf("unexpected envelope %+v", env)
	case <-time.After(wait):
	}
}

func sampleRequest(method string) *message.Envelope {
	return &message.Envelope{
		Protocol:   message.Protocol,
		Channel:    message.DefaultChannel,
		SenderID:   "sender-1",
		MethodName: method,
		RequestID:  message.NewID(message.RequestIDLength),
		UserArgs:   []any{"Bob"},
		Rsvp:       true,
	}
}

type stubTransport struct{}

func (stubTransport) SendMessage(*message.Envelope)      {}
func (stubTransport) Listen(func(env *message.Envelope)) {}
func (stubTransport) StopTransport()                     {}

func TestRegistryBuild(t *testing.T) {
	r := NewRegistry()
	var got map[string]any
	r.Register("fake", func(opts map[string]any) (Transport, error) {
		got = opts
		return stubTransport{}, nil
	})

	tr, err := r.Build("fake")
	require.NoError(t, err)
	assert.Equal(t, stubTransport{}, tr)
	assert.Empty(t, got)

	_, err = r.Build(Shortcut{Type: "fake", Opts: map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, got)

	_, err = r.Build(&Shortcut{Type: "fake"})
	require.NoError(t, err)

	_, err = r.Build(map[string]any{"transportType": "fake", "eventName": "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"eventName": "x"}, got)

	_, err = r.Build(map[string]any{"type": "fake"})
	require.NoError(t, err)

	direct := NewLocal(NewBus(), "")
	tr, err = r.Build(direct)
	require.NoError(t, err)
	assert.Same(t, direct, tr)

	_, err = r.Build("nope")
	assert.ErrorIs(t, err, ErrUnknownTransport)
	_, err = r.Build(nil)
	assert.Error(t, err)
	_, err = r.Build(42)
	assert.Error(t, err)

	assert.True(t, r.Has("fake"))
	assert.Equal(t, []string{"fake"}, r.Names())
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry(nil, nil)
	assert.Equal(t, []string{"local", "nsq", "tcp", "tcp-hub"}, r.Names())

	tr, err := r.Build(map[string]any{"type": "local", "eventName": "custom"})
	require.NoError(t, err)
	assert.Equal(t, "custom", tr.(*Local).eventName)

	_, err = r.Build("tcp")
	assert.Error(t, err)
	_, err = r.Build(map[string]any{"type": "tcp-hub", "codec": "xml"})
	assert.Error(t, err)
	_, err = r.Build("nsq")
	assert.Error(t, err)
}

func TestDefaultRegistryTCP(t *testing.T) {
	r := DefaultRegistry(nil, nil)
	hubT, err := r.Build(map[string]any{"type": "tcp-hub", "codec": "binary", "heartbeat": "-1s"})
	require.NoError(t, err)
	hub := hubT.(*Server)
	defer hub.StopTransport()

	clientT, err := r.Build(map[string]any{"type": "tcp", "addr": hub.Addr().String(), "codec": "binary", "heartbeat": "-1s"})
	require.NoError(t, err)
	defer clientT.StopTransport()

	received := newCollector()
	hub.Listen(received.handle)
	clientT.SendMessage(sampleRequest("hello"))
	assert.Equal(t, "hello", received.next(t).MethodName)
}

func TestLocalDeliversCopies(t *testing.T) {
	bus := NewBus()
	a, b := NewLocal(bus, ""), NewLocal(bus, "")
	got := newCollector()
	b.Listen(got.handle)

	sent := sampleRequest("hello")
	a.SendMessage(sent)
	env := got.next(t)
	assert.Equal(t, sent.RequestID, env.RequestID)
	assert.NotSame(t, sent, env)
}

func TestLocalEventNamesAreIsolated(t *testing.T) {
	bus := NewBus()
	a, b := NewLocal(bus, "one"), NewLocal(bus, "two")
	got := newCollector()
	b.Listen(got.handle)

	a.SendMessage(sampleRequest("hello"))
	got.none(t, 20*time.Millisecond)
}

func TestLocalListenReplacesHandler(t *testing.T) {
	bus := NewBus()
	a, b := NewLocal(bus, ""), NewLocal(bus, "")
	first, second := newCollector(), newCollector()
	b.Listen(first.handle)
	b.Listen(second.handle)

	a.SendMessage(sampleRequest("hello"))
	second.next(t)
	assert.Equal(t, 0, first.count())
}

func TestLocalStop(t *testing.T) {
	bus := NewBus()
	a, b := NewLocal(bus, ""), NewLocal(bus, "")
	got := newCollector()
	b.Listen(got.handle)

	b.StopTransport()
	b.StopTransport()
	a.SendMessage(sampleRequest("hello"))
	assert.Equal(t, 0, got.count())

	// a stopped transport neither sends nor re-subscribes
	b.Listen(got.handle)
	a.SendMessage(sampleRequest("hello"))
	assert.Equal(t, 0, got.count())

	a.StopTransport()
	c := NewLocal(bus, "")
	c.Listen(got.handle)
	a.SendMessage(sampleRequest("hello"))
	assert.Equal(t, 0, got.count())
}

func TestBusOff(t *testing.T) {
	bus := NewBus()
	got := newCollector()
	off := bus.On("evt", got.handle)
	bus.Emit("evt", sampleRequest("x"))
	off()
	off()
	bus.Emit("evt", sampleRequest("x"))
	assert.Equal(t, 1, got.count())
}

func TestStreamOverPipe(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			c1, c2 := net.Pipe()
			opts := StreamOptions{Codec: ct, HeartbeatInterval: -1}
			left, right := NewStream(c1, opts), NewStream(c2, opts)
			defer left.StopTransport()
			defer right.StopTransport()

			got := newCollector()
			right.Listen(got.handle)

			req := sampleRequest("hello")
			left.SendMessage(req)
			env := got.next(t)
			assert.Equal(t, req.RequestID, env.RequestID)
			assert.Equal(t, []any{"Bob"}, env.UserArgs)
			assert.True(t, env.Rsvp)

			resp := &message.Envelope{
				Protocol:     message.Protocol,
				Channel:      message.DefaultChannel,
				SenderID:     "sender-2",
				MethodName:   "hello",
				RespondingTo: req.RequestID,
				ResolveArgs:  []any{"Hello Bob"},
			}
			back := newCollector()
			left.Listen(back.handle)
			right.SendMessage(resp)
			env = back.next(t)
			assert.Equal(t, req.RequestID, env.RespondingTo)
			assert.Equal(t, []any{"Hello Bob"}, env.ResolveArgs)
		})
	}
}

func TestStreamHeartbeatsAreSkipped(t *testing.T) {
	c1, c2 := net.Pipe()
	left := NewStream(c1, StreamOptions{HeartbeatInterval: 5 * time.Millisecond})
	right := NewStream(c2, StreamOptions{HeartbeatInterval: -1})
	defer left.StopTransport()
	defer right.StopTransport()

	got := newCollector()
	right.Listen(got.handle)
	got.none(t, 30*time.Millisecond)

	left.SendMessage(sampleRequest("hello"))
	assert.Equal(t, "hello", got.next(t).MethodName)
}

func TestStreamClosesWithPeer(t *testing.T) {
	c1, c2 := net.Pipe()
	left := NewStream(c1, StreamOptions{HeartbeatInterval: -1})
	right := NewStream(c2, StreamOptions{HeartbeatInterval: -1})

	left.StopTransport()
	select {
	case <-right.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("remote side did not notice the close")
	}
	// sending on a dead stream is a no-op
	right.SendMessage(sampleRequest("hello"))
	left.SendMessage(sampleRequest("hello"))
}

func startHub(t *testing.T, opts ServerOptions) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	svr := NewServer(opts)
	go svr.ServeListener(ln)
	<-svr.Ready()
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr
}

func dialHub(t *testing.T, svr *Server) *Stream {
	t.Helper()
	s, err := Dial(context.Background(), DialOptions{
		Addr:   svr.Addr().String(),
		Stream: StreamOptions{HeartbeatInterval: -1},
	})
	require.NoError(t, err)
	t.Cleanup(s.StopTransport)
	return s
}

func waitConns(t *testing.T, svr *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return svr.Conns() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestServerBroadcast(t *testing.T) {
	svr := startHub(t, ServerOptions{Stream: StreamOptions{HeartbeatInterval: -1}})
	a, b := dialHub(t, svr), dialHub(t, svr)
	waitConns(t, svr, 2)

	gotA, gotB := newCollector(), newCollector()
	a.Listen(gotA.handle)
	b.Listen(gotB.handle)

	svr.SendMessage(sampleRequest("hello"))
	assert.Equal(t, "hello", gotA.next(t).MethodName)
	assert.Equal(t, "hello", gotB.next(t).MethodName)
}

func TestServerFanout(t *testing.T) {
	svr := startHub(t, ServerOptions{Fanout: true, Stream: StreamOptions{HeartbeatInterval: -1}})
	a, b := dialHub(t, svr), dialHub(t, svr)
	waitConns(t, svr, 2)

	atHub, gotA, gotB := newCollector(), newCollector(), newCollector()
	svr.Listen(atHub.handle)
	a.Listen(gotA.handle)
	b.Listen(gotB.handle)

	a.SendMessage(sampleRequest("hello"))
	assert.Equal(t, "hello", atHub.next(t).MethodName)
	assert.Equal(t, "hello", gotB.next(t).MethodName)
	gotA.none(t, 20*time.Millisecond)
}

func TestServerWithoutFanout(t *testing.T) {
	svr := startHub(t, ServerOptions{Stream: StreamOptions{HeartbeatInterval: -1}})
	a, b := dialHub(t, svr), dialHub(t, svr)
	waitConns(t, svr, 2)

	atHub, gotB := newCollector(), newCollector()
	svr.Listen(atHub.handle)
	b.Listen(gotB.handle)

	a.SendMessage(sampleRequest("hello"))
	atHub.next(t)
	gotB.none(t, 20*time.Millisecond)
}

func TestServerShutdown(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer(ServerOptions{
		Registry: reg,
		Peer:     registry.Peer{Channel: "chan-a"},
		Stream:   StreamOptions{HeartbeatInterval: -1},
	})
	svr.SetEndpointSenderID("hub-1")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(ln) }()
	<-svr.Ready()

	require.Eventually(t, func() bool {
		peers, _ := reg.Discover(context.Background(), "chan-a")
		return len(peers) == 1
	}, 2*time.Second, 5*time.Millisecond)
	peers, _ := reg.Discover(context.Background(), "chan-a")
	assert.Equal(t, "hub-1", peers[0].SenderID)
	assert.Equal(t, ln.Addr().String(), peers[0].Addr)
	assert.Equal(t, "json", peers[0].Codec)

	client := dialHub(t, svr)
	waitConns(t, svr, 1)

	require.NoError(t, svr.Shutdown(2*time.Second))
	assert.NoError(t, <-served)
	assert.Equal(t, 0, svr.Conns())

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client stream still open after shutdown")
	}
	peers, _ = reg.Discover(context.Background(), "chan-a")
	assert.Empty(t, peers)

	// second shutdown is a no-op
	assert.NoError(t, svr.Shutdown(time.Second))
}

func TestDialThroughRegistry(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := startHub(t, ServerOptions{
		Registry: reg,
		Peer:     registry.Peer{Channel: "chan-b", SenderID: "hub-b"},
		Stream:   StreamOptions{Codec: codec.CodecTypeBinary, HeartbeatInterval: -1},
	})
	require.Eventually(t, func() bool {
		peers, _ := reg.Discover(context.Background(), "chan-b")
		return len(peers) == 1
	}, 2*time.Second, 5*time.Millisecond)

	s, err := Dial(context.Background(), DialOptions{
		Registry: reg,
		Channel:  "chan-b",
		Stream:   StreamOptions{HeartbeatInterval: -1},
	})
	require.NoError(t, err)
	defer s.StopTransport()
	assert.Equal(t, codec.CodecTypeBinary, s.codec.Type())

	got := newCollector()
	svr.Listen(got.handle)
	s.SendMessage(sampleRequest("hello"))
	assert.Equal(t, "hello", got.next(t).MethodName)
}

func TestDialErrors(t *testing.T) {
	_, err := Dial(context.Background(), DialOptions{})
	assert.Error(t, err)

	_, err = Dial(context.Background(), DialOptions{Registry: registry.NewMemoryRegistry(), Channel: "empty"})
	assert.ErrorIs(t, err, registry.ErrNoPeers)
}
