package link

import "errors"

var (
	// ErrPeerUnreachable is returned when a connection to the peer cannot be
	// established.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrDeliveryFailed is returned when a connection was established but the
	// payload could not be written in full.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrBind is returned when the listening endpoint cannot be bound.
	ErrBind = errors.New("bind failed")
	// ErrPayloadTooLarge is reported when an inbound connection carries more
	// than the listener's payload limit.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrListenerClosed is returned by Serve after Close.
	ErrListenerClosed = errors.New("listener closed")
)
