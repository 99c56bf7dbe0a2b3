package registry

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// etcdEndpoints returns a reachable etcd or skips the test.
func etcdEndpoints(t *testing.T) []string {
	t.Helper()
	endpoints := []string{"localhost:2379"}
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		endpoints = strings.Split(v, ",")
	}
	conn, err := net.DialTimeout("tcp", endpoints[0], 200*time.Millisecond)
	if err != nil {
		t.Skipf("etcd not reachable at %s: %v", endpoints[0], err)
	}
	conn.Close()
	return endpoints
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	channel := "test-" + t.Name()
	p1 := Peer{Channel: channel, SenderID: "hub-1", Addr: "127.0.0.1:8001", Weight: 10}
	p2 := Peer{Channel: channel, SenderID: "hub-2", Addr: "127.0.0.1:8002", Weight: 5}
	require.NoError(t, reg.Register(ctx, p1, 10))
	require.NoError(t, reg.Register(ctx, p2, 10))

	peers, err := reg.Discover(ctx, channel)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Peer{p1, p2}, peers)

	require.NoError(t, reg.Deregister(ctx, channel, p1.SenderID))
	peers, err = reg.Discover(ctx, channel)
	require.NoError(t, err)
	assert.Equal(t, []Peer{p2}, peers)

	require.NoError(t, reg.Deregister(ctx, channel, p2.SenderID))
}

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx, "calc")
	p1 := Peer{Channel: "calc", SenderID: "a", Addr: "127.0.0.1:1"}
	p2 := Peer{Channel: "calc", SenderID: "b", Addr: "127.0.0.1:2"}
	require.NoError(t, reg.Register(ctx, p1, 10))
	require.NoError(t, reg.Register(ctx, p2, 10))
	require.NoError(t, reg.Register(ctx, Peer{Channel: "other", SenderID: "c"}, 10))

	peers, err := reg.Discover(ctx, "calc")
	require.NoError(t, err)
	assert.Equal(t, []Peer{p1, p2}, peers)

	select {
	case latest := <-updates:
		assert.Equal(t, []Peer{p1, p2}, latest)
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	require.NoError(t, reg.Deregister(ctx, "calc", "a"))
	peers, err = reg.Discover(ctx, "calc")
	require.NoError(t, err)
	assert.Equal(t, []Peer{p2}, peers)

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
