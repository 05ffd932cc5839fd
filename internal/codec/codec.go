package codec

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"vclocknet/internal/clock"
)

// ErrMalformedMessage is returned when a payload cannot be parsed into a
// sender identity and a clock.
var ErrMalformedMessage = errors.New("malformed message")

// Message is the unit exchanged between peers. It is a value: the clock is
// copied when the message is built, so later changes to the sender's live
// clock never leak into a message already produced.
type Message struct {
	Sender string
	Clock  clock.VectorClock
}

// NewMessage builds a message from a sender and a private copy of vc.
func NewMessage(sender string, vc clock.VectorClock) Message {
	return Message{Sender: sender, Clock: vc.Copy()}
}

// Equal reports whether two messages carry the same sender and clock.
func (m Message) Equal(other Message) bool {
	return m.Sender == other.Sender && m.Clock.Equal(other.Clock)
}

// Codec encodes and decodes messages for a group of a fixed size.
type Codec interface {
	Name() string
	Encode(m Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

const (
	// NameJSON selects the JSON codec.
	NameJSON = "json"
	// NameProto selects the protobuf wire codec.
	NameProto = "proto"
)

// New returns the codec registered under name for a group of size members.
func New(name string, size int) (Codec, error) {
	if size <= 0 {
		return nil, fmt.Errorf("codec size must be positive, got %d", size)
	}
	switch name {
	case NameJSON, "":
		return &JSON{Size: size}, nil
	case NameProto:
		return &Proto{Size: size}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// checkSender rejects sender ids that cannot travel as a string field.
func checkSender(sender string) error {
	if !utf8.ValidString(sender) {
		return fmt.Errorf("encode message: %w: sender_id %q is not valid UTF-8", ErrMalformedMessage, sender)
	}
	return nil
}

// validate checks a decoded message's shape against the expected group size.
func validate(m Message, size int) error {
	if m.Sender == "" {
		return fmt.Errorf("%w: missing sender_id", ErrMalformedMessage)
	}
	if err := m.Clock.Validate(size); err != nil {
		return fmt.Errorf("from %q: %w", m.Sender, err)
	}
	return nil
}
