package relay

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chan-rpc/message"
	"chan-rpc/metrics"
	"chan-rpc/middleware"
	"chan-rpc/receipt"
	"chan-rpc/request"
	"chan-rpc/router"
	"chan-rpc/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// topology builds A ─ bus1 ─ relay ─ bus2 ─ B, where B answers "sing".
func topology(t *testing.T, shouldRelay ShouldRelayFunc) (*router.Router, *Relay, *metrics.Collector) {
	t.Helper()
	bus1, bus2 := transport.NewBus(), transport.NewBus()

	a := router.New(router.Config{SenderID: "fakeLeft", Logger: zaptest.NewLogger(t)})
	a.UseTransport(transport.NewLocal(bus1, "leftEvent"))
	t.Cleanup(a.Stop)

	b := router.New(router.Config{
		SenderID: "fakeRight",
		Logger:   zaptest.NewLogger(t),
		OnValidatedRequest: func(ctx context.Context, call *middleware.Call) ([]any, error) {
			if call.MethodName != "sing" {
				return nil, &message.RPCError{Code: message.MethodNotFound, MethodName: call.MethodName}
			}
			return []any{fmt.Sprintf("do re me %v", call.Args...)}, nil
		},
	})
	b.UseTransport(transport.NewLocal(bus2, "rightEvent"))
	t.Cleanup(b.Stop)

	c := metrics.New("fakeMiddle")
	r := New(Opts{
		Left:        transport.NewLocal(bus1, "leftEvent"),
		Right:       transport.NewLocal(bus2, "rightEvent"),
		RelayID:     "fakeMiddle",
		ShouldRelay: shouldRelay,
		Logger:      zaptest.NewLogger(t),
		Metrics:     c,
	})
	r.Start()
	r.Start()
	t.Cleanup(r.StopTransport)
	return a, r, c
}

func TestRequestThroughRelay(t *testing.T) {
	a, _, c := topology(t, nil)

	rc, err := a.SendRemoteRequest(request.New("sing", []any{"fa"}, request.Opts{Timeout: request.Duration(2 * time.Second)}))
	require.NoError(t, err)
	results, err := rc.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{"do re me fa"}, results)
	assert.Equal(t, receipt.RemoteResult, rc.Status())

	// each forwarded envelope comes back to the relay on the far bus once
	assertEventuallyMetric(t, c, `chanrpc_router_dropped_total{node="fakeMiddle",reason="relay_loop"} 2`)
}

func TestShouldRelayVeto(t *testing.T) {
	a, _, c := topology(t, func(env *message.Envelope) bool {
		return env.MethodName != "sing"
	})

	rc, err := a.SendRemoteRequest(request.New("sing", nil, request.Opts{Timeout: request.Duration(50 * time.Millisecond)}))
	require.NoError(t, err)
	_, err = rc.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, receipt.TimeoutError, rc.Status())
	assertEventuallyMetric(t, c, `chanrpc_router_dropped_total{node="fakeMiddle",reason="relay_veto"} 1`)
}

func TestForwardTagsRelayID(t *testing.T) {
	bus1, bus2 := transport.NewBus(), transport.NewBus()
	r := New(Opts{Left: transport.NewLocal(bus1, ""), Right: transport.NewLocal(bus2, "")})
	r.Start()
	defer r.StopTransport()
	assert.Len(t, r.ID(), idLength)

	got := make(chan *message.Envelope, 4)
	bus2.On(transport.DefaultEventName, func(env *message.Envelope) { got <- env })

	sent := &message.Envelope{Protocol: message.Protocol, MethodName: "x", RequestID: "r1",
		TransportMeta: map[string]any{message.RelaysKey: []any{"earlier"}}}
	bus1.Emit(transport.DefaultEventName, sent)

	env := <-got
	assert.Equal(t, []string{"earlier", r.ID()}, env.Relays())
	assert.Equal(t, []any{"earlier"}, sent.TransportMeta[message.RelaysKey])

	// an envelope already carrying the id is not forwarded again
	bus1.Emit(transport.DefaultEventName, env)
	select {
	case e := <-got:
		t.Fatalf("unexpected forward %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
}

type stopRecorder struct{ stopped bool }

func (s *stopRecorder) SendMessage(*message.Envelope)  {}
func (s *stopRecorder) Listen(func(*message.Envelope)) {}
func (s *stopRecorder) StopTransport()                 { s.stopped = true }

func TestStopTransportStopsBothSides(t *testing.T) {
	left, right := &stopRecorder{}, &stopRecorder{}
	New(Opts{Left: left, Right: right}).StopTransport()
	assert.True(t, left.stopped)
	assert.True(t, right.stopped)
}

func assertEventuallyMetric(t *testing.T, c *metrics.Collector, line string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		return strings.Contains(rec.Body.String(), line)
	}, time.Second, 5*time.Millisecond, "missing %s", line)
}
