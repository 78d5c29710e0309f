package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"clustermsg/codec"
	"clustermsg/message"
)

// pipeChannels builds two started channels over an in-memory pipe, each
// feeding inbound messages to its own collector channel.
func pipeChannels(t *testing.T) (a, b *Channel, fromA, fromB chan message.ProtocolMessage, inactive *atomic.Int32) {
	t.Helper()
	c, _ := codec.ForVersion(codec.V1)
	aEnd, bEnd := net.Pipe()
	a = NewChannel(aEnd, c, 1024, zap.NewNop())
	b = NewChannel(bEnd, c, 1024, zap.NewNop())

	fromA = make(chan message.ProtocolMessage, 256)
	fromB = make(chan message.ProtocolMessage, 256)
	inactive = &atomic.Int32{}
	onInactive := func(*Channel) { inactive.Add(1) }

	a.Start(func(_ *Channel, msg message.ProtocolMessage) { fromB <- msg }, onInactive)
	b.Start(func(_ *Channel, msg message.ProtocolMessage) { fromA <- msg }, onInactive)

	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b, fromA, fromB, inactive
}

func TestChannelDeliversFrames(t *testing.T) {
	a, b, fromA, fromB, _ := pipeChannels(t)

	req := &message.Request{MessageID: 1, Subject: "echo", Payload: []byte{1, 2, 3}}
	require.NoError(t, a.Write(req))

	select {
	case msg := <-fromA:
		assert.Equal(t, req, msg)
	case <-time.After(time.Second):
		t.Fatal("request not delivered")
	}

	reply := &message.Reply{MessageID: 1, Payload: []byte{3, 2, 1}, Status: message.StatusOK}
	require.NoError(t, b.Write(reply))

	select {
	case msg := <-fromB:
		assert.Equal(t, reply, msg)
	case <-time.After(time.Second):
		t.Fatal("reply not delivered")
	}
}

func TestChannelConcurrentWritesDoNotInterleave(t *testing.T) {
	a, _, fromA, _, _ := pipeChannels(t)

	const writers = 8
	const perWriter = 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = a.Write(&message.Request{
					MessageID: uint64(w*perWriter + i),
					Subject:   "load",
					Payload:   make([]byte, 128),
				})
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for i := 0; i < writers*perWriter; i++ {
		select {
		case msg := <-fromA:
			seen[msg.ID()] = true
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d frames arrived", i, writers*perWriter)
		}
	}
	assert.Len(t, seen, writers*perWriter)
}

func TestChannelCloseIsIdempotentAndFiresInactive(t *testing.T) {
	a, b, _, _, inactive := pipeChannels(t)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.False(t, a.Active())

	// Both read loops observe the closed pipe; each fires inactive once.
	assert.Eventually(t, func() bool { return inactive.Load() == 2 }, time.Second, 10*time.Millisecond)
	assert.False(t, b.Active())

	assert.ErrorIs(t, a.Write(&message.Reply{MessageID: 1, Status: message.StatusOK}), ErrConnectionClosed)
}
