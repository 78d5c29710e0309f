package protocol

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clustermsg/codec"
)

func TestPreambleStable(t *testing.T) {
	assert.Equal(t, Preamble("c1"), Preamble("c1"))
	assert.NotEqual(t, Preamble("c1"), Preamble("c2"))
}

func TestHandshakeFrameRoundTrip(t *testing.T) {
	preamble := Preamble("c1")

	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, preamble, codec.V1))
	assert.Equal(t, HandshakeSize, buf.Len())

	version, err := ReadHandshake(&buf, preamble)
	require.NoError(t, err)
	assert.Equal(t, codec.V1, version)
}

func TestHandshakePreambleMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, Preamble("c1"), codec.V1))

	_, err := ReadHandshake(&buf, Preamble("c2"))
	assert.ErrorIs(t, err, ErrPreambleMismatch)
}

func TestNegotiate(t *testing.T) {
	// Peer offers the latest version: picked as-is.
	v, ok := Negotiate(codec.Latest())
	require.True(t, ok)
	assert.Equal(t, codec.Latest(), v)

	// Peer offers a future version: the highest local version wins.
	v, ok = Negotiate(codec.Version(99))
	require.True(t, ok)
	assert.Equal(t, codec.Latest(), v)

	// Peer offers a version below everything local: no common version.
	_, ok = Negotiate(codec.Version(0))
	assert.False(t, ok)
}

func TestClientServerHandshake(t *testing.T) {
	preamble := Preamble("c1")
	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	defer serverEnd.Close()

	type result struct {
		c   codec.Codec
		err error
	}
	serverDone := make(chan result, 1)
	go func() {
		c, err := ServerHandshake(serverEnd, preamble)
		serverDone <- result{c, err}
	}()

	clientSide, err := ClientHandshake(clientEnd, preamble)
	require.NoError(t, err)
	server := <-serverDone
	require.NoError(t, server.err)
	serverSide := server.c

	assert.Equal(t, clientSide.Version(), serverSide.Version())
}

func TestHandshakeWrongClusterCloses(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	defer serverEnd.Close()

	go func() {
		_, _ = ServerHandshake(serverEnd, Preamble("c2"))
		serverEnd.Close()
	}()

	_, err := ClientHandshake(clientEnd, Preamble("c1"))
	assert.Error(t, err)
}
