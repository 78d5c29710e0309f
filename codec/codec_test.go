package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clustermsg/message"
)

func TestVersionRegistry(t *testing.T) {
	assert.Equal(t, V1, Latest())
	assert.Contains(t, Supported(), V1)

	c, ok := ForVersion(V1)
	require.True(t, ok)
	assert.Equal(t, V1, c.Version())

	_, ok = ForVersion(Version(99))
	assert.False(t, ok)
}

func TestV1RequestRoundTrip(t *testing.T) {
	c, _ := ForVersion(V1)
	req := &message.Request{
		MessageID: 42,
		Sender:    message.Address{Host: "10.0.0.1", Port: 5001},
		Subject:   "echo",
		Payload:   []byte{0x01, 0x02, 0x03},
	}

	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf, req))

	decoded, err := c.Decode(&buf)
	require.NoError(t, err)
	got, ok := decoded.(*message.Request)
	require.True(t, ok)
	assert.Equal(t, req, got)
}

func TestV1ReplyRoundTrip(t *testing.T) {
	c, _ := ForVersion(V1)
	for _, status := range []message.Status{
		message.StatusOK,
		message.StatusNoHandler,
		message.StatusHandlerException,
		message.StatusProtocolError,
	} {
		reply := &message.Reply{MessageID: 42, Payload: []byte("pong"), Status: status}

		var buf bytes.Buffer
		require.NoError(t, c.Encode(&buf, reply))

		decoded, err := c.Decode(&buf)
		require.NoError(t, err)
		got, ok := decoded.(*message.Reply)
		require.True(t, ok)
		assert.Equal(t, reply, got)
	}
}

func TestV1EmptyPayload(t *testing.T) {
	c, _ := ForVersion(V1)
	reply := &message.Reply{MessageID: 1, Payload: []byte{}, Status: message.StatusOK}

	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf, reply))

	decoded, err := c.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{}, decoded.(*message.Reply).Payload)
}

func TestV1MultipleFramesOnOneStream(t *testing.T) {
	c, _ := ForVersion(V1)
	var buf bytes.Buffer
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, c.Encode(&buf, &message.Reply{MessageID: i, Status: message.StatusOK}))
	}
	for i := uint64(1); i <= 3; i++ {
		decoded, err := c.Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, i, decoded.ID())
	}
}

func TestV1DecodeTruncatedFrame(t *testing.T) {
	c, _ := ForVersion(V1)
	req := &message.Request{MessageID: 1, Subject: "echo", Payload: []byte("abc")}

	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf, req))
	full := buf.Bytes()

	// Full header but a body cut short inside a declared field.
	_, err := c.Decode(bytes.NewReader(full[:len(full)-2]))
	assert.Error(t, err)
}

func TestV1DecodeCorruptBody(t *testing.T) {
	c, _ := ForVersion(V1)
	// Claims a 10-byte body of tag "request" but carries garbage lengths.
	frame := []byte{0, 0, 0, 10, byte(message.TypeRequest), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	_, err := c.Decode(bytes.NewReader(frame))
	assert.Error(t, err)
}

func TestV1DecodeUnknownTag(t *testing.T) {
	c, _ := ForVersion(V1)
	frame := []byte{0, 0, 0, 1, 0x7f}
	_, err := c.Decode(bytes.NewReader(frame))
	assert.ErrorContains(t, err, "unknown frame tag")
}

func TestV1DecodeOversizedFrame(t *testing.T) {
	c, _ := ForVersion(V1)
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := c.Decode(&buf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestV1DecodeUnknownReplyStatus(t *testing.T) {
	c, _ := ForVersion(V1)
	reply := &message.Reply{MessageID: 1, Status: message.StatusOK}

	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf, reply))
	frame := buf.Bytes()
	frame[4+1+8] = 0x2a // overwrite the status byte

	_, err := c.Decode(bytes.NewReader(frame))
	assert.ErrorContains(t, err, "unknown reply status")
}
