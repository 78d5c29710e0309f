package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"clustermsg/message"
)

// monitorCacheSize bounds the subject → RequestMonitor cache; entries also
// expire historyExpiry after insertion.
const monitorCacheSize = 1024

// callback is one pending request awaiting its reply.
type callback struct {
	subject string
	timeout time.Duration // 0 = adaptive
	created time.Time
	done    chan Result // buffered; receives exactly one Result
}

func (cb *callback) deliver(res Result) {
	cb.done <- res
}

// Callbacks is the pending-request table shared by the remote and loopback
// client connections: registration before write, completion on reply
// arrival, failure on write error or close, and the periodic timeout sweep.
//
// Exactly-once resolution falls out of the table: whichever party removes
// the id (dispatcher, sweeper, writer, or Close) delivers the result, so a
// reply racing the sweeper resolves first-writer-wins.
type Callbacks struct {
	clock clock.Clock
	log   *zap.Logger

	futures  sync.Map // uint64 → *callback
	monitors *expirable.LRU[string, *RequestMonitor]
	closed   atomic.Bool
}

// NewCallbacks creates an empty table.
func NewCallbacks(clk clock.Clock, log *zap.Logger) *Callbacks {
	return &Callbacks{
		clock:    clk,
		log:      log,
		monitors: expirable.NewLRU[string, *RequestMonitor](monitorCacheSize, nil, historyExpiry),
	}
}

// Register inserts a pending callback for id and returns the channel its
// Result will arrive on. timeout 0 selects the adaptive deadline.
func (c *Callbacks) Register(id uint64, subject string, timeout time.Duration) <-chan Result {
	cb := &callback{
		subject: subject,
		timeout: timeout,
		created: c.clock.Now(),
		done:    make(chan Result, 1),
	}
	c.futures.Store(id, cb)
	return cb.done
}

// complete removes and returns the callback for id, recording its reply
// time into the subject's monitor.
func (c *Callbacks) complete(id uint64) (*callback, bool) {
	v, ok := c.futures.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	cb := v.(*callback)
	c.monitor(cb.subject).AddReplyTime(c.clock.Now().Sub(cb.created))
	return cb, true
}

// fail removes and returns the callback for id without recording a reply
// time.
func (c *Callbacks) fail(id uint64) (*callback, bool) {
	v, ok := c.futures.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	return v.(*callback), true
}

// Fail resolves the callback for id with err, if it is still pending.
func (c *Callbacks) Fail(id uint64, err error) {
	if cb, ok := c.fail(id); ok {
		cb.deliver(Result{Err: err})
	}
}

// Dispatch resolves the pending callback matching an inbound reply. Replies
// without a matching callback are logged and dropped.
func (c *Callbacks) Dispatch(reply *message.Reply) {
	cb, ok := c.complete(reply.MessageID)
	if !ok {
		c.log.Debug("received reply for unknown request",
			zap.Uint64("id", reply.MessageID))
		return
	}
	switch reply.Status {
	case message.StatusOK:
		payload := reply.Payload
		if payload == nil {
			payload = []byte{}
		}
		cb.deliver(Result{Value: payload})
	case message.StatusNoHandler:
		cb.deliver(Result{Err: ErrNoRemoteHandler})
	case message.StatusHandlerException:
		cb.deliver(Result{Err: ErrRemoteHandlerFailure})
	default:
		cb.deliver(Result{Err: ErrProtocol})
	}
}

// TimeoutCallbacks is the sweep pass: fail every pending callback whose
// static timeout elapsed, and every adaptive callback past the hard cap or
// declared dead by its subject's monitor. Adaptive timeouts are recorded
// back into the monitor; static ones are not.
func (c *Callbacks) TimeoutCallbacks() {
	now := c.clock.Now()
	c.futures.Range(func(key, value any) bool {
		id := key.(uint64)
		cb := value.(*callback)
		elapsed := now.Sub(cb.created)

		if cb.timeout > 0 {
			if elapsed > cb.timeout {
				if swept, ok := c.fail(id); ok {
					requestTimeouts.Inc()
					swept.deliver(Result{Err: timeoutError(elapsed)})
				}
			}
		} else if elapsed > MaxTimeout || (elapsed > MinTimeout && c.monitor(cb.subject).IsTimedOut(elapsed)) {
			if swept, ok := c.fail(id); ok {
				c.monitor(swept.subject).AddReplyTime(elapsed)
				requestTimeouts.Inc()
				swept.deliver(Result{Err: timeoutError(elapsed)})
			}
		}
		return true
	})
}

// Close fails every outstanding callback with ErrConnectionClosed. Only the
// first call does work.
func (c *Callbacks) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.futures.Range(func(key, value any) bool {
		if cb, ok := c.fail(key.(uint64)); ok {
			cb.deliver(Result{Err: ErrConnectionClosed})
		}
		return true
	})
}

// monitor returns the subject's RequestMonitor, creating it if missing or
// expired.
func (c *Callbacks) monitor(subject string) *RequestMonitor {
	if m, ok := c.monitors.Get(subject); ok {
		return m
	}
	m := NewRequestMonitor(c.clock)
	c.monitors.Add(subject, m)
	return m
}

func timeoutError(elapsed time.Duration) error {
	return fmt.Errorf("%w in %d ms", ErrTimeout, elapsed.Milliseconds())
}

// ClientConn is the client side of a remote connection: it owns the
// channel's callback table and turns requests into frames.
type ClientConn struct {
	*Callbacks
	ch *Channel
}

// NewClientConn binds a callback table to a channel.
func NewClientConn(ch *Channel, clk clock.Clock, log *zap.Logger) *ClientConn {
	return &ClientConn{
		Callbacks: NewCallbacks(clk, log),
		ch:        ch,
	}
}

// Channel returns the underlying channel.
func (c *ClientConn) Channel() *Channel {
	return c.ch
}

// SendAsync writes a fire-and-forget request frame.
func (c *ClientConn) SendAsync(req *message.Request) error {
	return c.ch.Write(req)
}

// SendAndReceive registers a callback for the request id and then writes the
// frame. A write failure resolves the callback immediately with the write
// error; otherwise the reply dispatcher or the timeout sweep resolves it.
func (c *ClientConn) SendAndReceive(req *message.Request, timeout time.Duration) <-chan Result {
	done := c.Register(req.MessageID, req.Subject, timeout)
	if err := c.ch.Write(req); err != nil {
		c.Fail(req.MessageID, err)
	}
	return done
}
