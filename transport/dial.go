package transport

import (
	"crypto/tls"
	"net"
	"time"

	"go.uber.org/zap"

	"clustermsg/message"
	"clustermsg/protocol"
)

// Dialer opens outbound channels: TCP connect with the transport's socket
// options, optional TLS wrap, then the client side of the handshake.
type Dialer struct {
	Preamble int32
	TLS      *tls.Config // nil for plaintext
	Log      *zap.Logger
}

// Dial connects to addr and returns an unstarted channel with the
// negotiated codec attached. The connect timeout covers the handshake
// exchange as well.
func (d *Dialer) Dial(addr message.Address) (*Channel, error) {
	nd := net.Dialer{Timeout: ConnectTimeout}
	conn, err := nd.Dial("tcp", addr.String())
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		configureSocket(tc)
	}
	if d.TLS != nil {
		conn = tls.Client(conn, d.TLS)
	}

	_ = conn.SetDeadline(time.Now().Add(ConnectTimeout))
	c, err := protocol.ClientHandshake(conn, d.Preamble)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return NewChannel(conn, c, clientWriteBufferSize, d.Log), nil
}

// Accept completes an inbound connection: socket options, optional TLS wrap,
// then the server side of the handshake with version negotiation. Returns an
// unstarted channel speaking the negotiated version.
func Accept(conn net.Conn, preamble int32, tlsConf *tls.Config, log *zap.Logger) (*Channel, error) {
	if tc, ok := conn.(*net.TCPConn); ok {
		configureSocket(tc)
	}
	if tlsConf != nil {
		conn = tls.Server(conn, tlsConf)
	}

	_ = conn.SetDeadline(time.Now().Add(ConnectTimeout))
	c, err := protocol.ServerHandshake(conn, preamble)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return NewChannel(conn, c, serverWriteBufferSize, log), nil
}
