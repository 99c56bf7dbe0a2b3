package request

import (
	"context"
	"testing"
	"time"

	"chan-rpc/message"
	"chan-rpc/receipt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func basePayload() message.Envelope {
	return message.Envelope{
		Protocol: message.Protocol,
		Channel:  "fakeChannel",
		SenderID: "fakeSender",
	}
}

func TestHoldMethodNameAndArgs(t *testing.T) {
	req := New("someMethod", []any{"a", 2}, Opts{})
	assert.Equal(t, "someMethod", req.MethodName)
	assert.Equal(t, []any{"a", 2}, req.UserArgs)
	assert.False(t, req.HasCallback())
}

func TestDefaultsAndRequestID(t *testing.T) {
	req := New("someMethod", nil, Opts{})
	assert.True(t, req.IsRsvp())
	assert.Equal(t, time.Duration(-1), *req.Opts().Timeout)
	assert.Len(t, req.RequestID, message.RequestIDLength)
	assert.NotNil(t, req.UserArgs)

	other := New("someMethod", nil, Opts{})
	assert.NotEqual(t, req.RequestID, other.RequestID)
}

func TestHonoursRsvpFalse(t *testing.T) {
	req := New("someMethod", nil, Opts{Rsvp: Bool(false)})
	assert.False(t, req.IsRsvp())
	env := req.BuildPayload(basePayload())
	assert.False(t, env.Rsvp)

	rc, err := req.Receipt()
	require.NoError(t, err)
	assert.Equal(t, receipt.SkipRsvp, rc.Status())
}

func TestMergePrecedence(t *testing.T) {
	session := Opts{Timeout: Duration(time.Second)}
	method := Opts{Timeout: Duration(2 * time.Second), Rsvp: Bool(false)}
	call := Opts{Timeout: Duration(3 * time.Second)}

	got := Defaults.Merge(session, method, call)
	assert.Equal(t, 3*time.Second, *got.Timeout)
	assert.False(t, *got.Rsvp)

	got = Defaults.Merge(session)
	assert.Equal(t, time.Second, *got.Timeout)
	assert.True(t, *got.Rsvp)
}

func TestBuildPayloadIsIdempotent(t *testing.T) {
	req := New("someMethod", []any{1}, Opts{})
	first := req.BuildPayload(basePayload())
	other := basePayload()
	other.Channel = "changed"
	second := req.BuildPayload(other)

	assert.Same(t, first, second)
	assert.Equal(t, "fakeChannel", second.Channel)
	assert.Equal(t, req.RequestID, first.RequestID)
	assert.Equal(t, message.Protocol, first.Protocol)
	assert.Equal(t, "fakeSender", first.SenderID)
	assert.True(t, first.Rsvp)
	assert.NotNil(t, first.TransportMeta)
}

func TestDataForPayload(t *testing.T) {
	req := New("someMethod", []any{"x"}, Opts{})
	data := req.DataForPayload()
	assert.Equal(t, "someMethod", data.MethodName)
	assert.Equal(t, req.RequestID, data.RequestID)
	assert.Equal(t, []any{"x"}, data.UserArgs)
	assert.True(t, data.Rsvp)
	assert.Empty(t, data.SenderID)
	assert.Empty(t, data.Channel)
	assert.Empty(t, data.Protocol)
}

func TestReceiptIsIdempotent(t *testing.T) {
	req := New("someMethod", nil, Opts{})
	_, err := req.Receipt()
	assert.ErrorIs(t, err, ErrPayloadNotBuilt)

	req.BuildPayload(basePayload())
	a, err := req.Receipt()
	require.NoError(t, err)
	b, err := req.Receipt()
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestCallbackArgument(t *testing.T) {
	got := make(chan any, 1)
	var cb receipt.Callback = func(err error, results ...any) {
		assert.NoError(t, err)
		got <- results[0]
	}
	req := New("someMethod", []any{"arg", cb}, Opts{})
	assert.True(t, req.HasCallback())
	assert.Equal(t, []any{"arg"}, req.UserArgs)

	req.BuildPayload(basePayload())
	req.ResponseReceived(nil, "done")
	select {
	case v := <-got:
		assert.Equal(t, "done", v)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestPlainFuncCallback(t *testing.T) {
	req := New("someMethod", []any{func(err error, results ...any) {}}, Opts{})
	assert.True(t, req.HasCallback())
	assert.Empty(t, req.UserArgs)
}

func TestTimeoutArmedOnReceipt(t *testing.T) {
	req := New("someMethod", nil, Opts{Timeout: Duration(10 * time.Millisecond)})
	req.BuildPayload(basePayload())
	rc, err := req.Receipt()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = rc.Wait(ctx)
	assert.Equal(t, message.RemoteMethodTimeoutError, message.CodeOf(err))
}

func TestRequestOptsRejectedAfterSend(t *testing.T) {
	req := New("someMethod", nil, Opts{})
	require.NoError(t, req.RequestOpts(Opts{Rsvp: Bool(false)}))
	assert.False(t, req.IsRsvp())

	req.BuildPayload(basePayload())
	req.MarkAsSent()
	assert.ErrorIs(t, req.RequestOpts(Opts{Rsvp: Bool(true)}), ErrAlreadySent)
}
