package receipt

import (
	"context"
	"errors"
	"testing"
	"time"

	"chan-rpc/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakePayload(rsvp bool) *message.Envelope {
	return &message.Envelope{
		Protocol:   message.Protocol,
		Channel:    message.DefaultChannel,
		SenderID:   "fakeSender",
		MethodName: "someMethod",
		RequestID:  "fakeRequestId",
		UserArgs:   []any{"hi"},
		Rsvp:       rsvp,
	}
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStartsPending(t *testing.T) {
	r := New(fakePayload(true), nil)
	assert.True(t, r.IsPending())
	assert.Equal(t, Pending, r.Status())

	info := r.Info()
	assert.Equal(t, "fakeRequestId", info.RequestID)
	assert.Equal(t, Pending, info.Status)
	assert.True(t, info.CompletedAt.IsZero())
	assert.False(t, info.RequestedAt.IsZero())
	assert.Equal(t, "someMethod", info.RequestPayload.MethodName)
}

func TestRemoteResult(t *testing.T) {
	r := New(fakePayload(true), nil)
	r.ResponseReceived(nil, "Hello Bob")

	v, err := r.Value(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "Hello Bob", v)
	assert.Equal(t, RemoteResult, r.Status())
	assert.False(t, r.Info().CompletedAt.IsZero())
}

func TestRemoteError(t *testing.T) {
	r := New(fakePayload(true), nil)
	r.ResponseReceived(&message.RPCError{Code: message.MethodNotFound, MethodName: "someMethod"})

	_, err := r.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Equal(t, message.MethodNotFound, message.CodeOf(err))
	assert.Equal(t, RemoteError, r.Status())
}

func TestResolveNowIgnoresLateReply(t *testing.T) {
	r := New(fakePayload(true), nil)
	r.ResolveNow("forced")
	r.ResponseReceived(nil, "late")
	r.RejectNow(errors.New("also late"))

	v, err := r.Value(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "forced", v)
	assert.Equal(t, ForcedResult, r.Status())
}

func TestRejectNow(t *testing.T) {
	r := New(fakePayload(true), nil)
	r.RejectNow(errors.New("halt"))
	r.ResolveNow("ignored")

	_, err := r.Wait(waitCtx(t))
	assert.EqualError(t, err, "halt")
	assert.Equal(t, ForcedError, r.Status())

	r2 := New(fakePayload(true), nil)
	r2.RejectNow(nil)
	_, err = r2.Wait(waitCtx(t))
	assert.Equal(t, message.ForcedError, message.CodeOf(err))
}

func TestSkipRsvp(t *testing.T) {
	var called bool
	r := New(fakePayload(false), func(err error, results ...any) {
		called = true
		assert.NoError(t, err)
		assert.Empty(t, results)
	})

	assert.True(t, called, "callback fires during construction")
	assert.False(t, r.IsPending())
	assert.Equal(t, SkipRsvp, r.Status())
	info := r.Info()
	assert.Equal(t, info.RequestedAt, info.CompletedAt)

	select {
	case <-r.Done():
	default:
		t.Fatal("expect receipt to be done")
	}

	r.UpdateTimeout(time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, SkipRsvp, r.Status(), "no timer is armed once terminal")
}

func TestTimeout(t *testing.T) {
	r := New(fakePayload(true), nil)
	r.UpdateTimeout(10 * time.Millisecond)

	_, err := r.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Equal(t, message.RemoteMethodTimeoutError, message.CodeOf(err))
	assert.Equal(t, TimeoutError, r.Status())

	r.ResponseReceived(nil, "too late")
	_, err = r.Result()
	assert.Equal(t, message.RemoteMethodTimeoutError, message.CodeOf(err))
}

func TestUpdateTimeoutReplacesTimer(t *testing.T) {
	r := New(fakePayload(true), nil)
	r.UpdateTimeout(10 * time.Millisecond)
	r.UpdateTimeout(200 * time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	require.True(t, r.IsPending(), "first timer must be cancelled")

	r.ResponseReceived(nil, "in time")
	v, err := r.Value(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "in time", v)
}

func TestUpdateTimeoutDisarm(t *testing.T) {
	r := New(fakePayload(true), nil)
	r.UpdateTimeout(10 * time.Millisecond)
	r.UpdateTimeout(0)

	time.Sleep(30 * time.Millisecond)
	assert.True(t, r.IsPending())
}

func TestStaleTimerCannotFire(t *testing.T) {
	r := New(fakePayload(true), nil)
	r.UpdateTimeout(time.Hour)
	r.mu.Lock()
	stale := r.timerGen
	r.mu.Unlock()

	r.UpdateTimeout(time.Hour)
	r.timeout(stale)
	assert.True(t, r.IsPending())

	r.mu.Lock()
	current := r.timerGen
	r.mu.Unlock()
	r.timeout(current)
	assert.Equal(t, TimeoutError, r.Status())
}

func TestCallbackMode(t *testing.T) {
	got := make(chan []any, 1)
	r := New(fakePayload(true), func(err error, results ...any) {
		assert.NoError(t, err)
		got <- results
	})
	r.ResponseReceived(nil, 1, 2)
	r.ResponseReceived(nil, 3)

	select {
	case results := <-got:
		assert.Equal(t, []any{1, 2}, results)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
	assert.Len(t, got, 0, "callback fires once")
}

func TestWaitHonoursContext(t *testing.T) {
	r := New(fakePayload(true), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, r.IsPending(), "cancelling the wait leaves the request pending")
}

func TestMarkSent(t *testing.T) {
	r := New(fakePayload(true), nil)
	r.MarkSent()
	r.MarkSent()
	select {
	case <-r.Sent():
	default:
		t.Fatal("expect sent channel closed")
	}
}
