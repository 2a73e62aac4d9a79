// Package tlv encodes small typed records as a run of id/type/length/value
// fields. Handshake payloads use it so either side can add fields without
// breaking older peers: unknown ids survive a decode untouched.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is u16 id + u8 type + u32 length, little-endian like the frame envelope.
const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrMissingField     = errors.New("tlv: missing field")
	ErrTypeMismatch     = errors.New("tlv: field type mismatch")
)

const (
	TypeU64    uint8 = 4
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func String(id uint16, v string) Field { return Field{ID: id, Type: TypeString, Value: []byte(v)} }
func Bytes(id uint16, v []byte) Field  { return Field{ID: id, Type: TypeBytes, Value: v} }

func U64(id uint16, v uint64) Field {
	return Field{ID: id, Type: TypeU64, Value: binary.LittleEndian.AppendUint64(nil, v)}
}

// Fields is a decoded record in wire order.
type Fields []Field

// Encode lays fields out back to back.
func Encode(fields ...Field) []byte {
	size := 0
	for _, f := range fields {
		size += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		out = binary.LittleEndian.AppendUint16(out, f.ID)
		out = append(out, f.Type)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(f.Value)))
		out = append(out, f.Value...)
	}
	return out
}

// Decode copies every value out of payload, so the result outlives the
// read buffer.
func Decode(payload []byte) (Fields, error) {
	var out Fields
	for rest := payload; len(rest) > 0; {
		if len(rest) < HeaderLen {
			return nil, fmt.Errorf("%w: %d bytes left", ErrShortFieldHeader, len(rest))
		}
		f := Field{
			ID:   binary.LittleEndian.Uint16(rest),
			Type: rest[2],
		}
		n := binary.LittleEndian.Uint32(rest[3:HeaderLen])
		rest = rest[HeaderLen:]
		if uint64(n) > uint64(len(rest)) {
			return nil, fmt.Errorf("%w: field %d wants %d, have %d", ErrShortFieldValue, f.ID, n, len(rest))
		}
		f.Value = append([]byte(nil), rest[:n]...)
		rest = rest[n:]
		out = append(out, f)
	}
	return out, nil
}

// Get returns the first field with id.
func (fs Fields) Get(id uint16) (Field, bool) {
	for _, f := range fs {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func (fs Fields) typed(id uint16, want uint8) (Field, error) {
	f, ok := fs.Get(id)
	if !ok {
		return Field{}, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if f.Type != want {
		return Field{}, fmt.Errorf("%w: field %d is type %d, want %d", ErrTypeMismatch, id, f.Type, want)
	}
	return f, nil
}

func (fs Fields) Bytes(id uint16) ([]byte, error) {
	f, err := fs.typed(id, TypeBytes)
	return f.Value, err
}

func (fs Fields) Text(id uint16) (string, error) {
	f, err := fs.typed(id, TypeString)
	return string(f.Value), err
}

func (fs Fields) U64(id uint16) (uint64, error) {
	f, err := fs.typed(id, TypeU64)
	if err != nil {
		return 0, err
	}
	if len(f.Value) != 8 {
		return 0, fmt.Errorf("%w: field %d u64 is %d bytes", ErrShortFieldValue, id, len(f.Value))
	}
	return binary.LittleEndian.Uint64(f.Value), nil
}
