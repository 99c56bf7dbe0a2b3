package gateway

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chan-rpc/endpoint"
	"chan-rpc/transport"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) *httptest.Server {
	t.Helper()
	bus := transport.NewBus()
	front, err := endpoint.New(endpoint.WithSenderID("gateway"), endpoint.WithTransport(transport.NewLocal(bus, "")))
	require.NoError(t, err)
	back, err := endpoint.New(endpoint.WithSenderID("backend"), endpoint.WithTransport(transport.NewLocal(bus, "")))
	require.NoError(t, err)
	t.Cleanup(back.Stop)
	t.Cleanup(front.Stop)

	require.NoError(t, back.AddRequestHandler("hello", func(name string) string { return "Hello " + name }))
	require.NoError(t, back.AddRequestHandler("stall", func() string {
		time.Sleep(200 * time.Millisecond)
		return "late"
	}))

	h, err := NewHandler(front, Options{Timeout: time.Second})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method string, args any, reply any) error {
	t.Helper()
	body, err := json2.EncodeClientRequest(method, args)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return json2.DecodeClientResponse(resp.Body, reply)
}

func TestGatewayCall(t *testing.T) {
	srv := setup(t)
	var reply CallReply
	require.NoError(t, call(t, srv, "Gateway.Call", &CallArgs{Method: "hello", Args: []any{"Bob"}}, &reply))
	assert.Equal(t, []any{"Hello Bob"}, reply.Results)
	assert.Equal(t, "RemoteResult", reply.Status)
	assert.Len(t, reply.RequestID, 12)
}

func TestGatewayRemoteError(t *testing.T) {
	srv := setup(t)
	var reply CallReply
	err := call(t, srv, "Gateway.Call", &CallArgs{Method: "whoAreYou"}, &reply)

	jsonErr, ok := err.(*json2.Error)
	require.True(t, ok, "got %T", err)
	assert.Equal(t, json2.E_SERVER, jsonErr.Code)
	data, ok := jsonErr.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "MethodNotFound", data["errorCode"])
	assert.Equal(t, "whoAreYou", data["methodName"])
}

func TestGatewayTimeout(t *testing.T) {
	srv := setup(t)
	var reply CallReply
	err := call(t, srv, "Gateway.Call", &CallArgs{Method: "stall", Timeout: "20ms"}, &reply)
	jsonErr, ok := err.(*json2.Error)
	require.True(t, ok)
	assert.Equal(t, "RemoteMethodTimeoutError", jsonErr.Data.(map[string]any)["errorCode"])

	assert.Eventually(t, func() bool {
		var pending PendingReply
		return call(t, srv, "Gateway.Pending", &PendingArgs{}, &pending) == nil && len(pending.RequestIDs) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestGatewayNotify(t *testing.T) {
	srv := setup(t)
	var reply CallReply
	require.NoError(t, call(t, srv, "Gateway.Call", &CallArgs{Method: "hello", Args: []any{"x"}, Notify: true}, &reply))
	assert.Equal(t, "SkipRsvp", reply.Status)
	assert.Empty(t, reply.Results)
}

func TestGatewayBadParams(t *testing.T) {
	srv := setup(t)
	var reply CallReply
	err := call(t, srv, "Gateway.Call", &CallArgs{}, &reply)
	jsonErr, ok := err.(*json2.Error)
	require.True(t, ok)
	assert.Equal(t, json2.E_BAD_PARAMS, jsonErr.Code)

	err = call(t, srv, "Gateway.Call", &CallArgs{Method: "hello", Timeout: "soon"}, &reply)
	jsonErr, ok = err.(*json2.Error)
	require.True(t, ok)
	assert.Equal(t, json2.E_BAD_PARAMS, jsonErr.Code)
}
