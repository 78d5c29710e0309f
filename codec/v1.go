package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"clustermsg/message"
)

// v1 frame layout. Everything big-endian. The length prefix covers the body
// (tag included), so the reader can recover frame boundaries from the stream:
//
//	0        4    5
//	┌────────┬────┬───────────────┐
//	│ bodyLen│tag │  body ...      │
//	│ uint32 │ u8 │ bodyLen-1 bytes│
//	└────────┴────┴───────────────┘
//
// Request body: id u64, host u16+bytes, port u32, subject u16+bytes,
// payload u32+bytes. Reply body: id u64, status u8, payload u32+bytes.
type v1Codec struct{}

func (v1Codec) Version() Version { return V1 }

func (v1Codec) Encode(w io.Writer, msg message.ProtocolMessage) error {
	switch m := msg.(type) {
	case *message.Request:
		return encodeRequestV1(w, m)
	case *message.Reply:
		return encodeReplyV1(w, m)
	default:
		return fmt.Errorf("unknown message type %T", msg)
	}
}

func encodeRequestV1(w io.Writer, m *message.Request) error {
	total := 1 + 8 + 2 + len(m.Sender.Host) + 4 + 2 + len(m.Subject) + 4 + len(m.Payload)
	if uint32(total) > MaxFrameLength {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+total)

	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	buf[4] = byte(message.TypeRequest)
	offset := 5

	binary.BigEndian.PutUint64(buf[offset:offset+8], m.MessageID)
	offset += 8

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(m.Sender.Host)))
	offset += 2
	copy(buf[offset:], m.Sender.Host)
	offset += len(m.Sender.Host)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(m.Sender.Port))
	offset += 4

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(m.Subject)))
	offset += 2
	copy(buf[offset:], m.Subject)
	offset += len(m.Subject)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(m.Payload)))
	offset += 4
	copy(buf[offset:], m.Payload)

	_, err := w.Write(buf)
	return err
}

func encodeReplyV1(w io.Writer, m *message.Reply) error {
	total := 1 + 8 + 1 + 4 + len(m.Payload)
	if uint32(total) > MaxFrameLength {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+total)

	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	buf[4] = byte(message.TypeReply)
	offset := 5

	binary.BigEndian.PutUint64(buf[offset:offset+8], m.MessageID)
	offset += 8

	buf[offset] = byte(m.Status)
	offset++

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(m.Payload)))
	offset += 4
	copy(buf[offset:], m.Payload)

	_, err := w.Write(buf)
	return err
}

func (v1Codec) Decode(r io.Reader) (message.ProtocolMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	bodyLen := binary.BigEndian.Uint32(lenBuf[:])
	if bodyLen == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if bodyLen > MaxFrameLength {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	switch message.Type(body[0]) {
	case message.TypeRequest:
		return decodeRequestV1(body[1:])
	case message.TypeReply:
		return decodeReplyV1(body[1:])
	default:
		return nil, fmt.Errorf("unknown frame tag: %d", body[0])
	}
}

// reader walks a decoded frame body, tracking a single malformed-frame error
// so each field read does not need its own bounds check at the call site.
type reader struct {
	buf    []byte
	offset int
	err    error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.offset+n > len(r.buf) {
		r.err = fmt.Errorf("truncated frame: need %d bytes at offset %d of %d", n, r.offset, len(r.buf))
		return false
	}
	return true
}

func (r *reader) uint8() byte {
	if !r.need(1) {
		return 0
	}
	b := r.buf[r.offset]
	r.offset++
	return b
}

func (r *reader) uint16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.offset:])
	r.offset += 2
	return v
}

func (r *reader) uint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.offset:])
	r.offset += 4
	return v
}

func (r *reader) uint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.offset:])
	r.offset += 8
	return v
}

func (r *reader) string(n int) string {
	if !r.need(n) {
		return ""
	}
	s := string(r.buf[r.offset : r.offset+n])
	r.offset += n
	return s
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.buf[r.offset:r.offset+n])
	r.offset += n
	return b
}

func decodeRequestV1(body []byte) (*message.Request, error) {
	r := &reader{buf: body}
	m := &message.Request{}
	m.MessageID = r.uint64()
	m.Sender.Host = r.string(int(r.uint16()))
	m.Sender.Port = int(r.uint32())
	m.Subject = r.string(int(r.uint16()))
	m.Payload = r.bytes(int(r.uint32()))
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

func decodeReplyV1(body []byte) (*message.Reply, error) {
	r := &reader{buf: body}
	m := &message.Reply{}
	m.MessageID = r.uint64()
	m.Status = message.Status(r.uint8())
	m.Payload = r.bytes(int(r.uint32()))
	if r.err != nil {
		return nil, r.err
	}
	if !m.Status.Valid() {
		return nil, fmt.Errorf("unknown reply status: %d", m.Status)
	}
	return m, nil
}
