package middleware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"clustermsg/message"
	"clustermsg/transport"
)

// captureConn records replies written by handlers under test.
type captureConn struct {
	replies []message.Reply
}

func (c *captureConn) Reply(req *message.Request, status message.Status, payload []byte) error {
	c.replies = append(c.replies, message.Reply{MessageID: req.MessageID, Payload: payload, Status: status})
	return nil
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(req *message.Request, conn transport.ServerConnection) {
				order = append(order, name)
				next(req, conn)
			}
		}
	}

	handler := func(*message.Request, transport.ServerConnection) {
		order = append(order, "handler")
	}

	Chain(tag("outer"), tag("inner"))(handler)(&message.Request{}, &captureConn{})
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestChainEmpty(t *testing.T) {
	called := false
	Chain()(func(*message.Request, transport.ServerConnection) { called = true })(&message.Request{}, &captureConn{})
	assert.True(t, called)
}

func TestRateLimit(t *testing.T) {
	var handled int
	handler := func(req *message.Request, conn transport.ServerConnection) {
		handled++
		_ = conn.Reply(req, message.StatusOK, nil)
	}

	conn := &captureConn{}
	limited := RateLimit(1, 1)(handler)

	limited(&message.Request{MessageID: 1, Subject: "s"}, conn)
	limited(&message.Request{MessageID: 2, Subject: "s"}, conn)

	assert.Equal(t, 1, handled)
	require.Len(t, conn.replies, 2)
	assert.Equal(t, message.StatusOK, conn.replies[0].Status)
	assert.Equal(t, message.StatusHandlerException, conn.replies[1].Status)
}

func TestLoggingPassesThrough(t *testing.T) {
	conn := &captureConn{}
	handler := func(req *message.Request, c transport.ServerConnection) {
		_ = c.Reply(req, message.StatusOK, []byte("ok"))
	}

	Logging(zap.NewNop())(handler)(&message.Request{MessageID: 1, Subject: "s"}, conn)

	require.Len(t, conn.replies, 1)
	assert.Equal(t, message.StatusOK, conn.replies[0].Status)
}
