package transport

import (
	"clustermsg/message"
)

// ServerConn is the server side of a remote connection. It is stateless
// beyond the channel handle: replies carry the request's id and are written
// through the channel's write lock.
type ServerConn struct {
	ch *Channel
}

// NewServerConn wraps a channel for replying.
func NewServerConn(ch *Channel) *ServerConn {
	return &ServerConn{ch: ch}
}

// Reply writes a reply frame echoing the request's id. A nil payload is
// substituted with zero bytes. There is no delivery guarantee beyond the
// channel write succeeding.
func (c *ServerConn) Reply(req *message.Request, status message.Status, payload []byte) error {
	if payload == nil {
		payload = []byte{}
	}
	return c.ch.Write(&message.Reply{
		MessageID: req.MessageID,
		Payload:   payload,
		Status:    status,
	})
}

// Close is idempotent; the channel owner drives the actual socket close.
func (c *ServerConn) Close() {}
