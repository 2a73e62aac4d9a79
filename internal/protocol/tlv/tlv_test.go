package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodePreservesUnknownFields(t *testing.T) {
	out, err := Decode(Encode(
		String(1, "token"),
		U64(2, 0xCAFEBABE),
		Bytes(9999, []byte{0xAA, 0xBB}),
	))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(out))
	}
	raw, err := out.Bytes(9999)
	if err != nil || !bytes.Equal(raw, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %x err=%v", raw, err)
	}
	if tok, err := out.Text(1); err != nil || tok != "token" {
		t.Fatalf("token=%q err=%v", tok, err)
	}
	if seed, err := out.U64(2); err != nil || seed != 0xCAFEBABE {
		t.Fatalf("seed=%x err=%v", seed, err)
	}
}

func TestTypedAccessorsReportMissingAndMistyped(t *testing.T) {
	fields := Fields{String(1, "x"), {ID: 2, Type: TypeU64, Value: []byte{1, 2}}}
	if _, err := fields.Bytes(7); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	if _, err := fields.Bytes(1); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if _, err := fields.U64(2); !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue for truncated u64, got %v", err)
	}
}

func TestDecodeShortHeader(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeShortValue(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{1, 0, TypeString, 5, 0, 0, 0, 'a', 'b'}
	if _, err := Decode(payload); !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestDecodeCopiesValues(t *testing.T) {
	wire := Encode(Bytes(1, []byte("abc")))
	fields, err := Decode(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	wire[HeaderLen] = 'z'
	if v, _ := fields.Bytes(1); string(v) != "abc" {
		t.Fatalf("decoded value aliases the input: %q", v)
	}
}
