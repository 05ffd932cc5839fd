package node

import (
	"fmt"
	"time"

	"vclocknet/internal/clock"
)

// EventKind classifies a node event.
type EventKind int

const (
	// EventLocal is a local computation step.
	EventLocal EventKind = iota
	// EventSend is a message delivered to a peer.
	EventSend
	// EventSendFailed is a send whose delivery failed. The clock still
	// advanced for the attempt.
	EventSendFailed
	// EventReceive is a message merged into the clock.
	EventReceive
	// EventRejected is an inbound payload that was discarded.
	EventRejected
)

// String returns the string representation of EventKind.
func (k EventKind) String() string {
	switch k {
	case EventLocal:
		return "local"
	case EventSend:
		return "send"
	case EventSendFailed:
		return "send_failed"
	case EventReceive:
		return "receive"
	case EventRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Event describes one causal event (or failed attempt) on a node.
type Event struct {
	Kind EventKind
	Node string
	// Peer is the destination address for sends and the sender id for
	// receives. For rejected payloads it is the remote network address.
	Peer string
	// Clock is the node's clock right after the event. Empty for rejected
	// payloads, which do not touch the clock.
	Clock clock.VectorClock
	// Remote is the clock carried by a received message.
	Remote clock.VectorClock
	Err    error
	Time   time.Time
}

// String renders the event as one human-readable line.
func (e Event) String() string {
	switch e.Kind {
	case EventLocal:
		return fmt.Sprintf("node %s: local event, clock %v", e.Node, e.Clock)
	case EventSend:
		return fmt.Sprintf("node %s: sent to %s, clock %v", e.Node, e.Peer, e.Clock)
	case EventSendFailed:
		return fmt.Sprintf("node %s: send to %s failed (%v), clock %v", e.Node, e.Peer, e.Err, e.Clock)
	case EventReceive:
		return fmt.Sprintf("node %s: received from %s with %v, clock %v", e.Node, e.Peer, e.Remote, e.Clock)
	case EventRejected:
		return fmt.Sprintf("node %s: rejected payload from %s: %v", e.Node, e.Peer, e.Err)
	default:
		return fmt.Sprintf("node %s: %s", e.Node, e.Kind)
	}
}

// Observer is notified after every event. Observers run on the goroutine
// that produced the event, one at a time, and must not call back into the
// node's mutating operations. Local and receive events arrive in clock
// order; a send is reported once its delivery finishes.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }
