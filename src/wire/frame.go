package wire

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Channel types carried in the first frame field.
const (
	ChannelPrivate = 0
	ChannelGroup   = 1
)

// Message types carried in the second frame field.
const (
	TypeText            = 1
	TypeAudio           = 3
	TypeAck             = 4
	TypeConnection      = 5
	TypeRegister        = 6
	TypeLoginDuplicated = 7
	TypeConnectionAck   = 9
	TypeHeartbeat       = 30
	TypePresenceUpdate  = 31
	TypePresenceSnap    = 32
)

// ToBroadcast is the destination carried by frames addressed to everyone.
// Some clients send the integer 0 instead; Decode normalizes both to "0".
const ToBroadcast = "0"

var (
	// ErrMalformedFrame reports a payload that is not a five-field
	// positional array or whose fields have the wrong wire types.
	ErrMalformedFrame = errors.New("wire: malformed frame")

	// ErrUnsupportedType reports a frame whose channel type is neither
	// PRIVATE nor GROUP.
	ErrUnsupportedType = errors.New("wire: unsupported channel type")
)

// Frame is the unit of exchange on a socket: a positional MessagePack
// array [channelType, messageType, fromId, toId, payload]. Payload is
// opaque to the codec; audio chunks travel as raw bytes, structured
// payloads as pre-encoded bytes.
type Frame struct {
	ChannelType int
	MessageType int
	FromID      string
	ToID        string
	Payload     []byte
}

// IsGroup reports whether the frame addresses a group channel.
func (f Frame) IsGroup() bool { return f.ChannelType == ChannelGroup }

// Encode packs the frame into its positional binary form. Encoding is
// total: any Frame value produces a decodable buffer.
func Encode(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.EncodeArrayLen(5); err != nil {
		return nil, fmt.Errorf("wire: encode header: %w", err)
	}
	if err := enc.EncodeInt(int64(f.ChannelType)); err != nil {
		return nil, fmt.Errorf("wire: encode channel type: %w", err)
	}
	if err := enc.EncodeInt(int64(f.MessageType)); err != nil {
		return nil, fmt.Errorf("wire: encode message type: %w", err)
	}
	if err := enc.EncodeString(f.FromID); err != nil {
		return nil, fmt.Errorf("wire: encode from: %w", err)
	}
	if err := enc.EncodeString(f.ToID); err != nil {
		return nil, fmt.Errorf("wire: encode to: %w", err)
	}
	if f.Payload == nil {
		if err := enc.EncodeNil(); err != nil {
			return nil, fmt.Errorf("wire: encode payload: %w", err)
		}
	} else if err := enc.EncodeBytes(f.Payload); err != nil {
		return nil, fmt.Errorf("wire: encode payload: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode unpacks a positional frame. It returns ErrMalformedFrame for
// anything that is not a five-field array with the expected field types
// and ErrUnsupportedType for unknown channel types. Payload bytes are
// passed through uninterpreted; a structured payload produced by a
// foreign encoder is preserved as its raw encoding.
func Decode(data []byte) (Frame, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))

	n, err := dec.DecodeArrayLen()
	if err != nil || n != 5 {
		return Frame{}, ErrMalformedFrame
	}

	ct, err := dec.DecodeInt()
	if err != nil {
		return Frame{}, ErrMalformedFrame
	}
	if ct != ChannelPrivate && ct != ChannelGroup {
		return Frame{}, ErrUnsupportedType
	}

	mt, err := dec.DecodeInt()
	if err != nil {
		return Frame{}, ErrMalformedFrame
	}

	from, err := dec.DecodeString()
	if err != nil {
		return Frame{}, ErrMalformedFrame
	}

	to, err := decodeDestination(dec)
	if err != nil {
		return Frame{}, err
	}

	payload, err := decodePayload(dec)
	if err != nil {
		return Frame{}, err
	}

	return Frame{
		ChannelType: ct,
		MessageType: mt,
		FromID:      from,
		ToID:        to,
		Payload:     payload,
	}, nil
}

// decodeDestination accepts the toId field as a string or as an integer
// broadcast sentinel.
func decodeDestination(dec *msgpack.Decoder) (string, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return "", ErrMalformedFrame
	}
	switch {
	case msgpcode.IsString(code):
		s, err := dec.DecodeString()
		if err != nil {
			return "", ErrMalformedFrame
		}
		return s, nil
	case msgpcode.IsFixedNum(code) || code == msgpcode.Int8 || code == msgpcode.Int16 ||
		code == msgpcode.Int32 || code == msgpcode.Int64 || code == msgpcode.Uint8 ||
		code == msgpcode.Uint16 || code == msgpcode.Uint32 || code == msgpcode.Uint64:
		v, err := dec.DecodeInt64()
		if err != nil {
			return "", ErrMalformedFrame
		}
		return strconv.FormatInt(v, 10), nil
	default:
		return "", ErrMalformedFrame
	}
}

// decodePayload reads the fifth field without interpreting it. Binary and
// string payloads come back as their bytes; nil as nil; anything else
// (maps, arrays, numbers) as its raw msgpack encoding.
func decodePayload(dec *msgpack.Decoder) ([]byte, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return nil, ErrMalformedFrame
	}
	switch {
	case code == msgpcode.Nil:
		if err := dec.DecodeNil(); err != nil {
			return nil, ErrMalformedFrame
		}
		return nil, nil
	case msgpcode.IsBin(code):
		b, err := dec.DecodeBytes()
		if err != nil {
			return nil, ErrMalformedFrame
		}
		return b, nil
	case msgpcode.IsString(code):
		s, err := dec.DecodeString()
		if err != nil {
			return nil, ErrMalformedFrame
		}
		return []byte(s), nil
	default:
		var raw msgpack.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, ErrMalformedFrame
		}
		return []byte(raw), nil
	}
}
