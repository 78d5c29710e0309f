package messaging

import (
	"time"

	"go.uber.org/zap"

	"clustermsg/message"
	"clustermsg/middleware"
	"clustermsg/transport"
)

// localClientConn is the loopback fast path: self-addressed messages invoke
// the in-process handler directly and never touch a socket. It shares the
// callback machinery with remote connections so loopback requests get the
// same correlation, reply-time recording, and timeout sweeping.
type localClientConn struct {
	*transport.Callbacks
	s *Service
}

func newLocalClientConn(s *Service) *localClientConn {
	return &localClientConn{
		Callbacks: transport.NewCallbacks(s.clock, s.log.Named("loopback")),
		s:         s,
	}
}

// sendAsync invokes the handler with a reply sink that discards. A missing
// handler silently drops the message after a debug log.
func (c *localClientConn) sendAsync(req *message.Request) error {
	v, ok := c.s.handlers.Load(req.Subject)
	if !ok {
		c.s.log.Debug("no handler for subject",
			zap.String("subject", req.Subject),
			zap.String("sender", req.Sender.String()))
		return nil
	}
	c.s.invoke(v.(middleware.HandlerFunc), req, discardServerConn{})
	return nil
}

// sendAndReceive registers a callback and hands the request to the local
// handler; the handler's reply resolves the callback through the same
// status mapping as a remote reply.
func (c *localClientConn) sendAndReceive(req *message.Request, timeout time.Duration) <-chan transport.Result {
	done := c.Register(req.MessageID, req.Subject, timeout)
	conn := &localServerConn{callbacks: c.Callbacks}
	v, ok := c.s.handlers.Load(req.Subject)
	if !ok {
		c.s.log.Debug("no handler for subject",
			zap.String("subject", req.Subject),
			zap.String("sender", req.Sender.String()))
		_ = conn.Reply(req, message.StatusNoHandler, nil)
		return done
	}
	c.s.invoke(v.(middleware.HandlerFunc), req, conn)
	return done
}

// localServerConn is the reply side of a loopback request: replying resolves
// the caller's pending callback instead of writing a frame.
type localServerConn struct {
	callbacks *transport.Callbacks
}

func (c *localServerConn) Reply(req *message.Request, status message.Status, payload []byte) error {
	c.callbacks.Dispatch(&message.Reply{
		MessageID: req.MessageID,
		Payload:   payload,
		Status:    status,
	})
	return nil
}

// discardServerConn swallows replies to loopback fire-and-forget sends.
type discardServerConn struct{}

func (discardServerConn) Reply(*message.Request, message.Status, []byte) error { return nil }
