package middleware

import (
	"golang.org/x/time/rate"

	"clustermsg/message"
	"clustermsg/transport"
)

// RateLimit applies a token-bucket limit to inbound request dispatch.
// Requests over the limit are not handled; the sender sees a handler
// failure.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(req *message.Request, conn transport.ServerConnection) {
			if !limiter.Allow() {
				_ = conn.Reply(req, message.StatusHandlerException, nil)
				return
			}
			next(req, conn)
		}
	}
}
