package registry

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clustermsg/message"
)

const etcdEndpoint = "127.0.0.1:2379"

// requireEtcd skips registry tests when no local etcd is reachable.
func requireEtcd(t *testing.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", etcdEndpoint, 200*time.Millisecond)
	if err != nil {
		t.Skipf("etcd not available at %s: %v", etcdEndpoint, err)
	}
	_ = conn.Close()
}

func TestRegisterDiscoverDeregister(t *testing.T) {
	requireEtcd(t)

	reg, err := NewNodeRegistry([]string{etcdEndpoint}, "registry-test")
	require.NoError(t, err)
	defer reg.Close()

	addr := message.Address{Host: "127.0.0.1", Port: 5001}
	require.NoError(t, reg.Register(addr, 5))

	members, err := reg.Members()
	require.NoError(t, err)
	assert.Contains(t, members, addr)

	require.NoError(t, reg.Deregister(addr))

	members, err = reg.Members()
	require.NoError(t, err)
	assert.NotContains(t, members, addr)
}

func TestWatchSeesChanges(t *testing.T) {
	requireEtcd(t)

	reg, err := NewNodeRegistry([]string{etcdEndpoint}, "registry-watch-test")
	require.NoError(t, err)
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates := reg.Watch(ctx)

	addr := message.Address{Host: "127.0.0.1", Port: 5002}
	require.NoError(t, reg.Register(addr, 5))
	defer func() { _ = reg.Deregister(addr) }()

	select {
	case members := <-updates:
		assert.Contains(t, members, addr)
	case <-ctx.Done():
		t.Fatal("no watch update received")
	}
}
