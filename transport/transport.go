// Package transport implements the connection layer of the messaging
// service: framed channels over TCP, the per-connection request/reply
// correlation table with its adaptive timeout monitors, and the per-peer
// channel pool.
//
// A Channel is one connected socket with the handshake already complete and
// a negotiated codec attached. Multiple concurrent requests multiplex over
// one channel: each request registers a callback keyed by its message id,
// and the channel's single read loop routes every inbound reply to the
// matching callback.
//
//	goroutine-1 ──SendAndReceive(id=1)──┐
//	goroutine-2 ──SendAndReceive(id=2)──┼──→ one channel ──→ peer
//	goroutine-3 ──SendAndReceive(id=3)──┘
//
//	readLoop:  ←── reply(id=2) → callbacks[2] → goroutine-2 wakes up
package transport

import (
	"errors"
	"math"
	"time"

	"clustermsg/message"
)

const (
	// PoolSize is the number of channel slots kept per peer address.
	PoolSize = 8
	// ConnectTimeout bounds the TCP connect and the handshake that follows.
	ConnectTimeout = time.Second
	// SweepInterval is the period of the callback timeout sweep.
	SweepInterval = 50 * time.Millisecond

	// MinTimeout is the elapsed time below which the adaptive detector never
	// declares a timeout; MaxTimeout is the hard cap above which it always
	// does.
	MinTimeout = 100 * time.Millisecond
	MaxTimeout = 5000 * time.Millisecond

	// socketBufferSize is applied to SO_RCVBUF and SO_SNDBUF on every
	// connection, dialed or accepted.
	socketBufferSize = 1024 * 1024
	// clientWriteBufferSize and serverWriteBufferSize size the buffered
	// writer of dialed and accepted channels respectively.
	clientWriteBufferSize = 320 * 1024
	serverWriteBufferSize = 8 * 1024

	// Reply-time history parameters: the monitor keeps up to windowSize
	// window maxima, rolling the window after windowUpdateSampleSize replies
	// once windowUpdateInterval has passed. historyExpiry evicts a subject's
	// monitor that long after it was created, whether or not it saw traffic.
	windowSize             = 10
	windowUpdateSampleSize = 100
	windowUpdateInterval   = time.Minute
	historyExpiry          = time.Minute

	// minSamples gates the φ computation. Note: with windowSize 10 the
	// window can never reach 25 samples, so φ always evaluates to 0 and the
	// adaptive path only ever trips on the MaxTimeout cap. Kept as-is to
	// match the deployed behavior.
	minSamples          = 25
	phiFailureThreshold = 12
)

// phiFactor scales elapsed/mean into the φ suspicion value.
var phiFactor = 1.0 / math.Log(10.0)

// Error kinds surfaced by the transport. Callers match them with errors.Is.
var (
	// ErrNoRemoteHandler: the peer (or local dispatcher) had no handler
	// registered for the subject.
	ErrNoRemoteHandler = errors.New("no handler registered for subject")
	// ErrRemoteHandlerFailure: the handler ran and failed.
	ErrRemoteHandlerFailure = errors.New("remote handler failed")
	// ErrProtocol: handshake, codec, or status decode failure.
	ErrProtocol = errors.New("protocol exception")
	// ErrTimeout: a static or adaptive deadline elapsed.
	ErrTimeout = errors.New("request timed out")
	// ErrConnectionClosed: the channel was lost with the request in flight.
	ErrConnectionClosed = errors.New("connection closed")
)

// IsMessagingError reports whether err is an application-level messaging
// outcome rather than a transport fault. Messaging errors and timeouts leave
// the channel open; any other send failure closes it.
func IsMessagingError(err error) bool {
	return errors.Is(err, ErrNoRemoteHandler) ||
		errors.Is(err, ErrRemoteHandlerFailure) ||
		errors.Is(err, ErrProtocol)
}

// Result is the outcome of a pending request: the reply payload or the
// error it resolved with.
type Result struct {
	Value []byte
	Err   error
}

// ServerConnection is the reply side handed to request handlers. Remote
// connections write a reply frame; the loopback connection completes the
// caller's callback directly.
type ServerConnection interface {
	Reply(req *message.Request, status message.Status, payload []byte) error
}
