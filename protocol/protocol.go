// Package protocol implements the connection handshake.
//
// Immediately after a channel comes up, both sides exchange a single 6-byte
// frame before any data flows:
//
//	0        4        6
//	┌────────┬────────┐
//	│preamble│version │
//	│  int32 │  int16 │
//	└────────┴────────┘
//
// The preamble is a hash of the cluster name; a mismatch means the peer
// belongs to a different cluster and the connection is closed. The version is
// the sender's highest supported protocol version; the server answers with
// the negotiated version (the highest version it supports that is not above
// the client's) and both sides install that version's codec.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/spaolacci/murmur3"

	"clustermsg/codec"
)

// HandshakeSize is the fixed size of the handshake frame.
const HandshakeSize = 6

// ErrPreambleMismatch indicates the peer computed a different cluster
// preamble, i.e. it belongs to a different cluster.
var ErrPreambleMismatch = errors.New("handshake preamble mismatch")

// ErrUnknownVersion indicates the peer selected a protocol version this
// build does not implement.
var ErrUnknownVersion = errors.New("unknown protocol version")

// Preamble hashes a cluster name into the 32-bit handshake preamble.
func Preamble(cluster string) int32 {
	return int32(murmur3.Sum32([]byte(cluster)))
}

// WriteHandshake writes one handshake frame.
func WriteHandshake(w io.Writer, preamble int32, version codec.Version) error {
	var buf [HandshakeSize]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(preamble))
	binary.BigEndian.PutUint16(buf[4:6], uint16(version))
	_, err := w.Write(buf[:])
	return err
}

// ReadHandshake reads one handshake frame and validates the preamble.
func ReadHandshake(r io.Reader, preamble int32) (codec.Version, error) {
	var buf [HandshakeSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	if got := int32(binary.BigEndian.Uint32(buf[0:4])); got != preamble {
		return 0, fmt.Errorf("%w: got %#x, want %#x", ErrPreambleMismatch, got, preamble)
	}
	return codec.Version(int16(binary.BigEndian.Uint16(buf[4:6]))), nil
}

// Negotiate picks the highest locally supported version that does not exceed
// the version offered by the peer. ok is false when no such version exists.
func Negotiate(peer codec.Version) (codec.Version, bool) {
	negotiated := codec.Version(0)
	ok := false
	for _, v := range codec.Supported() {
		if v <= peer && (!ok || v > negotiated) {
			negotiated = v
			ok = true
		}
	}
	return negotiated, ok
}

// ClientHandshake runs the initiator side: offer the latest version, then
// accept the server's choice. Returns the codec for the negotiated version.
func ClientHandshake(rw io.ReadWriter, preamble int32) (codec.Codec, error) {
	if err := WriteHandshake(rw, preamble, codec.Latest()); err != nil {
		return nil, err
	}
	version, err := ReadHandshake(rw, preamble)
	if err != nil {
		return nil, err
	}
	c, ok := codec.ForVersion(version)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	return c, nil
}

// ServerHandshake runs the acceptor side: read the client's offer, negotiate
// down, and answer with the selected version.
func ServerHandshake(rw io.ReadWriter, preamble int32) (codec.Codec, error) {
	offered, err := ReadHandshake(rw, preamble)
	if err != nil {
		return nil, err
	}
	version, ok := Negotiate(offered)
	if !ok {
		return nil, fmt.Errorf("%w: peer offered %d", ErrUnknownVersion, offered)
	}
	if err := WriteHandshake(rw, preamble, version); err != nil {
		return nil, err
	}
	c, _ := codec.ForVersion(version)
	return c, nil
}
