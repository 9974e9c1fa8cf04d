package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var ErrUnsupportedCodec = errors.New("events: unsupported codec")

// Codec mirrors the teacher's rpc/codec.Codec shape, narrowed to
// Event rather than interface{} since this package only ever
// transports one message type.
type Codec interface {
	Encode(e *Event) ([]byte, error)
	Decode(data []byte) (*Event, error)
	Name() string
}

// CodecType selects an on-wire encoding, matching the teacher's
// single-byte codec tag convention.
type CodecType byte

const (
	CodecJSON     CodecType = 0x01
	CodecProtobuf CodecType = 0x02
)

// GetCodec returns a Codec by type.
func GetCodec(typ CodecType) (Codec, error) {
	switch typ {
	case CodecJSON:
		return &JSONCodec{}, nil
	case CodecProtobuf:
		return &ProtobufCodec{}, nil
	default:
		return nil, ErrUnsupportedCodec
	}
}

// JSONCodec encodes an Event as plain JSON.
type JSONCodec struct{}

func (c *JSONCodec) Encode(e *Event) ([]byte, error) { return json.Marshal(e) }

func (c *JSONCodec) Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *JSONCodec) Name() string { return "json" }

const (
	fieldSeq           = 1
	fieldType          = 2
	fieldHost          = 3
	fieldAgeSeconds    = 4
	fieldCacheDecision = 5
	fieldTimestamp     = 6
)

// ProtobufCodec encodes an Event field-by-field using protowire's
// low-level tag/varint/length-delimited primitives directly, since no
// .proto schema for Event has been generated. String-valued fields go
// through google.golang.org/protobuf's own wrapperspb.StringValue
// message (marshaled with proto.Marshal) so the wire payload of each
// field is itself a real, library-produced protobuf message rather
// than a bare length-prefixed string.
type ProtobufCodec struct{}

func (c *ProtobufCodec) Encode(e *Event) ([]byte, error) {
	var buf []byte

	buf = protowire.AppendTag(buf, fieldSeq, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.Seq))

	typeBytes, err := proto.Marshal(wrapperspb.String(string(e.Type)))
	if err != nil {
		return nil, fmt.Errorf("events: encoding type field: %w", err)
	}
	buf = protowire.AppendTag(buf, fieldType, protowire.BytesType)
	buf = protowire.AppendBytes(buf, typeBytes)

	hostBytes, err := proto.Marshal(wrapperspb.String(e.Host))
	if err != nil {
		return nil, fmt.Errorf("events: encoding host field: %w", err)
	}
	buf = protowire.AppendTag(buf, fieldHost, protowire.BytesType)
	buf = protowire.AppendBytes(buf, hostBytes)

	ageBytes, err := proto.Marshal(wrapperspb.Int64(e.AgeSeconds))
	if err != nil {
		return nil, fmt.Errorf("events: encoding age field: %w", err)
	}
	buf = protowire.AppendTag(buf, fieldAgeSeconds, protowire.BytesType)
	buf = protowire.AppendBytes(buf, ageBytes)

	decisionBytes, err := proto.Marshal(wrapperspb.String(e.CacheDecision))
	if err != nil {
		return nil, fmt.Errorf("events: encoding cache decision field: %w", err)
	}
	buf = protowire.AppendTag(buf, fieldCacheDecision, protowire.BytesType)
	buf = protowire.AppendBytes(buf, decisionBytes)

	buf = protowire.AppendTag(buf, fieldTimestamp, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.TimestampMillis))

	return buf, nil
}

func (c *ProtobufCodec) Decode(data []byte) (*Event, error) {
	e := &Event{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			switch num {
			case fieldSeq:
				e.Seq = int64(v)
			case fieldTimestamp:
				e.TimestampMillis = int64(v)
			}

		case protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]

			switch num {
			case fieldType:
				var w wrapperspb.StringValue
				if err := proto.Unmarshal(b, &w); err != nil {
					return nil, fmt.Errorf("events: decoding type field: %w", err)
				}
				e.Type = Type(w.GetValue())
			case fieldHost:
				var w wrapperspb.StringValue
				if err := proto.Unmarshal(b, &w); err != nil {
					return nil, fmt.Errorf("events: decoding host field: %w", err)
				}
				e.Host = w.GetValue()
			case fieldAgeSeconds:
				var w wrapperspb.Int64Value
				if err := proto.Unmarshal(b, &w); err != nil {
					return nil, fmt.Errorf("events: decoding age field: %w", err)
				}
				e.AgeSeconds = w.GetValue()
			case fieldCacheDecision:
				var w wrapperspb.StringValue
				if err := proto.Unmarshal(b, &w); err != nil {
					return nil, fmt.Errorf("events: decoding cache decision field: %w", err)
				}
				e.CacheDecision = w.GetValue()
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	return e, nil
}

func (c *ProtobufCodec) Name() string { return "protobuf" }
