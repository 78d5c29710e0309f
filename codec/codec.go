// Package codec implements the versioned frame codecs for the messaging
// transport.
//
// Each protocol version supplies its own encoder/decoder pair. The version in
// force on a connection is fixed by the handshake; after that every frame on
// the wire is encoded and decoded by the negotiated codec. The codec is
// stateless beyond version selection.
package codec

import (
	"errors"
	"io"

	"clustermsg/message"
)

// Version is a protocol version tag, exchanged as an i16 during the
// handshake. Unknown versions abort the handshake.
type Version int16

const (
	// V1 is the initial frame layout.
	V1 Version = 1
)

// MaxFrameLength bounds a single frame body (10 MiB). Oversized frames are
// treated as protocol errors and close the channel.
const MaxFrameLength uint32 = 10 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameLength.
var ErrFrameTooLarge = errors.New("frame too large")

// Codec encodes and decodes complete length-delimited frames.
type Codec interface {
	// Encode writes msg as one frame. Callers must serialize concurrent
	// writes to the same writer.
	Encode(w io.Writer, msg message.ProtocolMessage) error
	// Decode reads exactly one frame and returns the decoded message.
	Decode(r io.Reader) (message.ProtocolMessage, error)
	// Version reports the frame layout this codec implements.
	Version() Version
}

// supported lists every version this build understands, ascending.
var supported = []Version{V1}

// Supported returns the versions this build understands, ascending.
func Supported() []Version {
	return supported
}

// Latest returns the highest supported version.
func Latest() Version {
	return supported[len(supported)-1]
}

// ForVersion returns the codec for v, or false for an unknown version.
func ForVersion(v Version) (Codec, bool) {
	switch v {
	case V1:
		return v1Codec{}, true
	default:
		return nil, false
	}
}
