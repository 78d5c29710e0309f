// Package middleware provides interceptors for inbound request dispatch.
//
// A Middleware wraps the handler invocation in the onion model:
//
//	Chain(A, B)(handler) → A(B(handler))
//
// so A runs outermost. Middlewares may short-circuit by replying themselves
// and not calling next.
package middleware

import (
	"clustermsg/message"
	"clustermsg/transport"
)

// HandlerFunc processes one inbound request and replies through conn.
type HandlerFunc func(req *message.Request, conn transport.ServerConnection)

// Middleware wraps a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, applied left-to-right outermost
// first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
