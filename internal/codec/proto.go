package codec

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"vclocknet/internal/clock"
)

// Field numbers of the protobuf form:
//
//	message PeerMessage {
//	  string sender_id = 1;
//	  repeated uint64 clock = 2; // packed
//	}
const (
	fieldSenderID protowire.Number = 1
	fieldClock    protowire.Number = 2
)

// Proto encodes messages in protobuf wire format.
type Proto struct {
	Size int
}

// Name implements Codec.
func (c *Proto) Name() string { return NameProto }

// Encode implements Codec.
func (c *Proto) Encode(m Message) ([]byte, error) {
	if err := checkSender(m.Sender); err != nil {
		return nil, err
	}
	var packed []byte
	for i, v := range m.Clock {
		if v < 0 {
			return nil, fmt.Errorf("encode message: %w: entry %d is negative", clock.ErrMalformedClock, i)
		}
		packed = protowire.AppendVarint(packed, uint64(v))
	}

	var b []byte
	b = protowire.AppendTag(b, fieldSenderID, protowire.BytesType)
	b = protowire.AppendString(b, m.Sender)
	b = protowire.AppendTag(b, fieldClock, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	return b, nil
}

// Decode implements Codec. Unknown fields are skipped; a repeated clock field
// is accepted in both packed and unpacked encodings.
func (c *Proto) Decode(data []byte) (Message, error) {
	var (
		m         Message
		hasSender bool
		hasClock  bool
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldSenderID && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: sender_id: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			m.Sender, hasSender = s, true
			data = data[n:]

		case num == fieldClock && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: clock: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			for len(packed) > 0 {
				v, vn := protowire.ConsumeVarint(packed)
				if vn < 0 {
					return Message{}, fmt.Errorf("%w: clock entry: %v", clock.ErrMalformedClock, protowire.ParseError(vn))
				}
				if err := appendEntry(&m, v); err != nil {
					return Message{}, err
				}
				packed = packed[vn:]
			}
			hasClock = true
			data = data[n:]

		case num == fieldClock && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: clock entry: %v", clock.ErrMalformedClock, protowire.ParseError(n))
			}
			if err := appendEntry(&m, v); err != nil {
				return Message{}, err
			}
			hasClock = true
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if !hasSender {
		return Message{}, fmt.Errorf("%w: missing sender_id", ErrMalformedMessage)
	}
	if !hasClock {
		return Message{}, fmt.Errorf("from %q: %w: missing clock", m.Sender, clock.ErrMalformedClock)
	}
	if err := validate(m, c.Size); err != nil {
		return Message{}, err
	}
	return m, nil
}

func appendEntry(m *Message, v uint64) error {
	if v > math.MaxInt64 {
		return fmt.Errorf("%w: entry %d overflows", clock.ErrMalformedClock, len(m.Clock))
	}
	m.Clock = append(m.Clock, int64(v))
	return nil
}
