package middleware

import (
	"time"

	"go.uber.org/zap"

	"clustermsg/message"
	"clustermsg/transport"
)

// Logging logs every dispatched request with its subject, sender, and
// handling duration.
func Logging(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(req *message.Request, conn transport.ServerConnection) {
			start := time.Now()
			next(req, conn)
			log.Debug("handled request",
				zap.String("subject", req.Subject),
				zap.String("sender", req.Sender.String()),
				zap.Duration("duration", time.Since(start)))
		}
	}
}
