package link

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultDialTimeout bounds connection setup when the caller's context
	// has no earlier deadline.
	DefaultDialTimeout = 5 * time.Second
)

// Sender delivers one payload to one peer address.
type Sender interface {
	Send(ctx context.Context, addr string, payload []byte) error
}

// Dialer is a Sender that opens a new TCP connection per payload.
type Dialer struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewDialer creates a dialer with the default timeout.
func NewDialer(logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{Timeout: DefaultDialTimeout, Logger: logger}
}

// Send connects to addr, writes payload and closes the connection.
// Connect failures wrap ErrPeerUnreachable; write or close failures wrap
// ErrDeliveryFailed. Nothing is retried.
func (d *Dialer) Send(ctx context.Context, addr string, payload []byte) error {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	nd := net.Dialer{Timeout: timeout}

	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPeerUnreachable, addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}

	n, err := conn.Write(payload)
	if err == nil && n < len(payload) {
		err = io.ErrShortWrite
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %s: wrote %d of %d bytes: %w", ErrDeliveryFailed, addr, n, len(payload), err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("%w: %s: close: %w", ErrDeliveryFailed, addr, err)
	}

	if d.Logger != nil {
		d.Logger.Debug("payload delivered", zap.String("addr", addr), zap.Int("bytes", len(payload)))
	}
	return nil
}
