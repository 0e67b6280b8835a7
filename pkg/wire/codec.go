package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedFrame reports a frame that cannot be decoded. The connection
// carrying it should be closed.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the decoded form of one wire envelope.
//
// Wire layout: a fixed 4-byte header (version|header-size, type|flags,
// serialization|compression, reserved), then, when FlagWithEvent is set, a
// big-endian signed event code followed by the event's optional fields
// (length-prefixed connection/session IDs, metadata JSON), then an optional
// length-prefixed payload. Error frames carry a signed error code instead of
// an event code. All length prefixes are 4-byte big-endian signed.
type Frame struct {
	Type          MessageType
	Flags         uint8
	Serialization uint8
	Compression   uint8

	Event        EventCode
	ConnectionID string
	SessionID    string
	MetaJSON     string
	Sequence     int32

	ErrorCode int32
	Payload   []byte
}

// HasEvent reports whether the frame carries an event code section.
func (f Frame) HasEvent() bool {
	return f.Flags&FlagWithEvent != 0
}

// HasSequence reports whether the frame carries a sequence number section.
func (f Frame) HasSequence() bool {
	seq := f.Flags & 0b0011
	return seq == FlagPositiveSeq || seq == FlagNegativeSeq
}

// IsLast reports whether the frame is the final packet of its stream.
func (f Frame) IsLast() bool {
	return f.Flags&0b0011 == FlagLastNoSeq
}

// Encode serializes a frame into its wire form.
func Encode(f Frame) []byte {
	buf := make([]byte, 0, 16+len(f.Payload))
	buf = append(buf,
		byte(ProtocolVersion<<4|DefaultHeaderSize),
		byte(uint8(f.Type)<<4|f.Flags),
		f.Serialization<<4|f.Compression,
		0,
	)

	if f.Type == MsgErrorInformation {
		buf = appendInt32(buf, f.ErrorCode)
		buf = appendBlock(buf, f.Payload)
		return buf
	}

	if !f.HasEvent() {
		buf = appendBlock(buf, f.Payload)
		return buf
	}

	buf = appendInt32(buf, int32(f.Event))
	fields, _ := layoutFor(f.Type, f.Event)
	for _, fld := range fields {
		switch fld {
		case fieldConnectionID:
			buf = appendBlock(buf, []byte(f.ConnectionID))
		case fieldSessionID:
			buf = appendBlock(buf, []byte(f.SessionID))
		case fieldMetaJSON:
			buf = appendBlock(buf, []byte(f.MetaJSON))
		case fieldPayload:
			if f.HasSequence() {
				buf = appendInt32(buf, f.Sequence)
			}
			buf = appendBlock(buf, f.Payload)
		}
	}
	return buf
}

// Decode parses a frame from its wire form. The field layout following the
// event code is looked up in the static event table; unknown events decode
// with no optional fields so that vendor protocol additions are tolerated.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < 4 {
		return Frame{}, fmt.Errorf("%w: header truncated at %d bytes", ErrMalformedFrame, len(raw))
	}

	f := Frame{
		Type:          MessageType(raw[1] >> 4),
		Flags:         raw[1] & 0x0f,
		Serialization: raw[2] >> 4,
		Compression:   raw[2] & 0x0f,
	}
	version := raw[0] >> 4
	if version != ProtocolVersion {
		return Frame{}, fmt.Errorf("%w: unsupported protocol version %d", ErrMalformedFrame, version)
	}

	r := reader{buf: raw, off: int(raw[0]&0x0f) * 4}
	if r.off < 4 || r.off > len(raw) {
		return Frame{}, fmt.Errorf("%w: header size %d overruns buffer", ErrMalformedFrame, raw[0]&0x0f)
	}

	if f.Type == MsgErrorInformation {
		code, err := r.int32()
		if err != nil {
			return Frame{}, err
		}
		f.ErrorCode = code
		payload, err := r.block()
		if err != nil {
			return Frame{}, err
		}
		f.Payload = payload
		return f, nil
	}

	if !f.HasEvent() {
		if r.remaining() > 0 {
			payload, err := r.block()
			if err != nil {
				return Frame{}, err
			}
			f.Payload = payload
		}
		return f, nil
	}

	code, err := r.int32()
	if err != nil {
		return Frame{}, err
	}
	f.Event = EventCode(code)
	if f.Event == EventNone {
		return f, nil
	}

	fields, known := layoutFor(f.Type, f.Event)
	if !known {
		// Unrecognized event: leave remaining bytes unparsed.
		return f, nil
	}
	for _, fld := range fields {
		switch fld {
		case fieldConnectionID:
			s, err := r.str()
			if err != nil {
				return Frame{}, err
			}
			f.ConnectionID = s
		case fieldSessionID:
			s, err := r.str()
			if err != nil {
				return Frame{}, err
			}
			f.SessionID = s
		case fieldMetaJSON:
			s, err := r.str()
			if err != nil {
				return Frame{}, err
			}
			f.MetaJSON = s
		case fieldPayload:
			if f.HasSequence() {
				seq, err := r.int32()
				if err != nil {
					return Frame{}, err
				}
				f.Sequence = seq
			}
			payload, err := r.block()
			if err != nil {
				return Frame{}, err
			}
			f.Payload = payload
		}
	}
	return f, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) int32() (int32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("%w: int32 field truncated at offset %d", ErrMalformedFrame, r.off)
	}
	v := int32(binary.BigEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	return v, nil
}

func (r *reader) block() ([]byte, error) {
	size, err := r.int32()
	if err != nil {
		return nil, err
	}
	if size < 0 || int(size) > r.remaining() {
		return nil, fmt.Errorf("%w: declared length %d exceeds %d remaining bytes", ErrMalformedFrame, size, r.remaining())
	}
	out := r.buf[r.off : r.off+int(size)]
	r.off += int(size)
	return out, nil
}

func (r *reader) str() (string, error) {
	b, err := r.block()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func appendInt32(buf []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(buf, uint32(v))
}

func appendBlock(buf, block []byte) []byte {
	buf = appendInt32(buf, int32(len(block)))
	return append(buf, block...)
}
