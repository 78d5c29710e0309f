package transport

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"clustermsg/codec"
	"clustermsg/message"
)

// InboundFunc receives every message decoded from a channel.
type InboundFunc func(ch *Channel, msg message.ProtocolMessage)

// InactiveFunc is invoked exactly once when a channel's read loop exits,
// whether from a local Close, a peer disconnect, or a decode failure.
type InactiveFunc func(ch *Channel)

// Channel is one connected socket with the handshake complete and the
// negotiated codec attached. Writes from any goroutine are serialized by a
// mutex so frames never interleave; reads happen on a single loop goroutine.
type Channel struct {
	conn  net.Conn
	codec codec.Codec
	log   *zap.Logger

	writeMu sync.Mutex
	bw      *bufio.Writer

	closed  atomic.Bool
	started atomic.Bool
	inbound InboundFunc
}

// NewChannel wraps a handshaken connection. The channel is inert until
// Start attaches the inbound sink and spawns the read loop.
func NewChannel(conn net.Conn, c codec.Codec, writeBufferSize int, log *zap.Logger) *Channel {
	openChannels.Inc()
	return &Channel{
		conn:  conn,
		codec: c,
		log:   log,
		bw:    bufio.NewWriterSize(conn, writeBufferSize),
	}
}

// Start attaches the inbound sink and spawns the read loop. inactive fires
// exactly once when the loop exits.
func (ch *Channel) Start(inbound InboundFunc, inactive InactiveFunc) {
	if !ch.started.CompareAndSwap(false, true) {
		return
	}
	ch.inbound = inbound
	go ch.readLoop(inactive)
}

// Write encodes and flushes one frame. The entire frame is written under the
// write lock; concurrent writers never interleave bytes on the stream.
func (ch *Channel) Write(msg message.ProtocolMessage) error {
	if ch.closed.Load() {
		return fmt.Errorf("write to %s: %w", ch.RemoteAddr(), ErrConnectionClosed)
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := ch.codec.Encode(ch.bw, msg); err != nil {
		return err
	}
	if err := ch.bw.Flush(); err != nil {
		return err
	}
	framesSent.Inc()
	return nil
}

// readLoop decodes frames sequentially and hands each to the inbound sink.
// A decode error or peer close ends the loop; the channel is closed and the
// inactive hook fires so owners can evict it and fail pending callbacks.
func (ch *Channel) readLoop(inactive InactiveFunc) {
	for {
		msg, err := ch.codec.Decode(ch.conn)
		if err != nil {
			if !ch.closed.Load() {
				ch.log.Debug("channel read failed",
					zap.String("remote", ch.RemoteAddr()),
					zap.Error(err))
			}
			break
		}
		framesReceived.Inc()
		ch.inbound(ch, msg)
	}
	ch.Close()
	if inactive != nil {
		inactive(ch)
	}
}

// Close is idempotent. Closing the socket unblocks the read loop, which
// drives the inactive hook.
func (ch *Channel) Close() error {
	if !ch.closed.CompareAndSwap(false, true) {
		return nil
	}
	openChannels.Dec()
	return ch.conn.Close()
}

// Active reports whether the channel is still usable.
func (ch *Channel) Active() bool {
	return !ch.closed.Load()
}

// RemoteAddr returns the peer's address for logs and map keys.
func (ch *Channel) RemoteAddr() string {
	if addr := ch.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "<unknown>"
}

// configureSocket applies the transport's socket options to a TCP
// connection: 1 MiB kernel buffers, keepalive, and no Nagle delay.
func configureSocket(conn *net.TCPConn) {
	_ = conn.SetReadBuffer(socketBufferSize)
	_ = conn.SetWriteBuffer(socketBufferSize)
	_ = conn.SetKeepAlive(true)
	_ = conn.SetNoDelay(true)
}
