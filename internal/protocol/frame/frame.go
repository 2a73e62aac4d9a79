package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// LengthPrefixLen is the size of the little-endian payload length prefix.
	LengthPrefixLen = 4
	// MethodIndexLen is the size of the little-endian method index at the head of a payload.
	MethodIndexLen = 2

	DefaultMaxFrameBytes uint32 = 0xFFFFFF
)

var (
	ErrEmptyFrame       = errors.New("frame: declared length is zero")
	ErrFrameTooLarge    = errors.New("frame: declared length exceeds max frame bytes")
	ErrShortLength      = errors.New("frame: short length prefix")
	ErrShortPayload     = errors.New("frame: payload shorter than method index")
	ErrMethodIndexRange = errors.New("frame: method index out of range")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxFrameBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: DefaultMaxFrameBytes,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxFrameBytes == 0 {
		l.MaxFrameBytes = DefaultMaxFrameBytes
	}
	return l
}

// CheckLength validates a declared payload length against the limits.
func (l Limits) CheckLength(n uint64) error {
	l = l.withDefaults()
	if n == 0 {
		return ErrEmptyFrame
	}
	if n > uint64(l.MaxFrameBytes) {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, l.MaxFrameBytes)
	}
	return nil
}

// AppendFrame appends the length-prefixed encoding of payload to dst.
func AppendFrame(dst, payload []byte, limits Limits) ([]byte, error) {
	if err := limits.CheckLength(uint64(len(payload))); err != nil {
		return dst, err
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

func Encode(payload []byte, limits Limits) ([]byte, error) {
	return AppendFrame(make([]byte, 0, LengthPrefixLen+len(payload)), payload, limits)
}

// EncodePayload builds the rpc payload: u16_le(index) ++ body.
func EncodePayload(index int, body []byte) ([]byte, error) {
	if index < 0 || index > 0xFFFF {
		return nil, fmt.Errorf("%w: %d", ErrMethodIndexRange, index)
	}
	out := make([]byte, MethodIndexLen, MethodIndexLen+len(body))
	binary.LittleEndian.PutUint16(out, uint16(index))
	return append(out, body...), nil
}

// DecodePayload splits an rpc payload into method index and message body.
// The body aliases payload.
func DecodePayload(payload []byte) (uint16, []byte, error) {
	if len(payload) < MethodIndexLen {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrShortPayload, len(payload))
	}
	return binary.LittleEndian.Uint16(payload[:MethodIndexLen]), payload[MethodIndexLen:], nil
}

// ReadFrame blocks until one whole frame has been read from r.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	var prefix [LengthPrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortLength
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(prefix[:])
	if err := limits.CheckLength(uint64(n)); err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	buf, err := Encode(payload, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
