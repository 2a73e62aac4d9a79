// Package codec serializes rpc message bodies. The channel treats the body
// as an opaque blob; a Codec turns it into a typed message and back.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var ErrUnsupportedType = errors.New("codec: unsupported message type")

type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// ProtoCodec is the wire-default codec: protobuf binary encoding.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a proto.Message", ErrUnsupportedType, v)
	}
	return proto.Marshal(m)
}

func (ProtoCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %T is not a proto.Message", ErrUnsupportedType, v)
	}
	return proto.Unmarshal(data, m)
}

// JSONCodec encodes proto messages with protojson and anything else with encoding/json.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return protojson.Marshal(m)
	}
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return protojson.Unmarshal(data, m)
	}
	return json.Unmarshal(data, v)
}

// BinaryCodec passes pre-encoded bytes through unchanged.
type BinaryCodec struct{}

func (BinaryCodec) Name() string { return "binary" }

func (BinaryCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

func (BinaryCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

var Default Codec = ProtoCodec{}

// ByName resolves a configured codec name; empty selects Default.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "proto", "protobuf":
		return ProtoCodec{}, nil
	case "json":
		return JSONCodec{}, nil
	case "binary", "raw":
		return BinaryCodec{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}
