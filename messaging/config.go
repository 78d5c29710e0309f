package messaging

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// TLSConfig holds the TLS material locations. When enabled, both sides of
// every connection authenticate each other (mutual TLS) against CAFile.
type TLSConfig struct {
	Enabled  bool
	CertFile string // PEM certificate presented to peers
	KeyFile  string // PEM private key for CertFile
	CAFile   string // PEM pool peers are verified against
}

// Config carries the recognized service options. The zero value binds
// 0.0.0.0 on the node address's port, without TLS.
type Config struct {
	// Port overrides the bind port; 0 uses the node address's port.
	Port int
	// Interfaces lists bind targets; empty binds 0.0.0.0.
	Interfaces []string
	// TLS enables mutual TLS on every connection.
	TLS TLSConfig
	// RegistryEndpoints, when set, are the etcd endpoints the service
	// registers its address with on Start.
	RegistryEndpoints []string
	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

func (c Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c Config) clock() clock.Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return clock.New()
}
