package messaging

import "clustermsg/transport"

// Error kinds surfaced to callers, re-exported from the transport layer so
// facade users match outcomes without importing it.
var (
	ErrNoRemoteHandler      = transport.ErrNoRemoteHandler
	ErrRemoteHandlerFailure = transport.ErrRemoteHandlerFailure
	ErrProtocol             = transport.ErrProtocol
	ErrTimeout              = transport.ErrTimeout
	ErrConnectionClosed     = transport.ErrConnectionClosed
)
