package codec

import (
	"encoding/json"
	"fmt"

	"vclocknet/internal/clock"
)

// wireMessage is the JSON form. Pointers distinguish absent fields from
// zero values.
type wireMessage struct {
	SenderID *string  `json:"sender_id"`
	Clock    *[]int64 `json:"clock"`
}

// JSON encodes messages as {"sender_id": "...", "clock": [...]}.
type JSON struct {
	Size int
}

// Name implements Codec.
func (c *JSON) Name() string { return NameJSON }

// Encode implements Codec.
func (c *JSON) Encode(m Message) ([]byte, error) {
	if err := checkSender(m.Sender); err != nil {
		return nil, err
	}
	entries := []int64(m.Clock)
	if entries == nil {
		entries = []int64{}
	}
	data, err := json.Marshal(wireMessage{SenderID: &m.Sender, Clock: &entries})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode implements Codec.
func (c *JSON) Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if w.SenderID == nil {
		return Message{}, fmt.Errorf("%w: missing sender_id", ErrMalformedMessage)
	}
	if w.Clock == nil {
		return Message{}, fmt.Errorf("from %q: %w: missing clock", *w.SenderID, clock.ErrMalformedClock)
	}

	m := Message{Sender: *w.SenderID, Clock: clock.VectorClock(*w.Clock)}
	if err := validate(m, c.Size); err != nil {
		return Message{}, err
	}
	return m, nil
}
