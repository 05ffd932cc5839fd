package link

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultMaxPayload caps the bytes read from one inbound connection.
	DefaultMaxPayload = 64 << 10

	acceptRetryInitial = 5 * time.Millisecond
	acceptRetryMax     = 1 * time.Second
)

// Handler receives one complete payload read from an inbound connection.
type Handler func(remote net.Addr, payload []byte)

// RejectHandler is told about inbound payloads dropped before reaching the
// Handler.
type RejectHandler func(remote net.Addr, err error)

// Listener accepts inbound connections and reads one payload from each.
type Listener struct {
	ln          net.Listener
	logger      *zap.Logger
	maxPayload  int64
	readTimeout time.Duration
	onReject    RejectHandler

	mu      sync.Mutex
	closed  bool
	serving bool
	quit    chan struct{}
	wg      sync.WaitGroup // accept loop + in-flight connections
}

// ListenOption configures a Listener.
type ListenOption func(*Listener)

// WithLogger sets the listener's logger.
func WithLogger(logger *zap.Logger) ListenOption {
	return func(l *Listener) { l.logger = logger }
}

// WithMaxPayload caps the bytes accepted per connection.
func WithMaxPayload(n int64) ListenOption {
	return func(l *Listener) { l.maxPayload = n }
}

// WithReadTimeout sets a per-connection read deadline. Zero means none, so a
// stalled peer can hold up Close.
func WithReadTimeout(d time.Duration) ListenOption {
	return func(l *Listener) { l.readTimeout = d }
}

// WithRejectHandler reports payloads dropped for exceeding the size limit.
func WithRejectHandler(h RejectHandler) ListenOption {
	return func(l *Listener) { l.onReject = h }
}

// Listen binds addr. Bind failures wrap ErrBind.
func Listen(addr string, opts ...ListenOption) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBind, addr, err)
	}
	return newListener(ln, opts...), nil
}

func newListener(ln net.Listener, opts ...ListenOption) *Listener {
	l := &Listener{
		ln:         ln,
		logger:     zap.NewNop(),
		maxPayload: DefaultMaxPayload,
		quit:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until Close is called, handing each payload to
// h on the connection's own goroutine. Accept errors other than the
// listener being closed are logged and retried after a backoff delay.
// Serve returns nil after Close.
func (l *Listener) Serve(h Handler) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrListenerClosed
	}
	if l.serving {
		l.mu.Unlock()
		return errors.New("listener already serving")
	}
	l.serving = true
	l.wg.Add(1)
	l.mu.Unlock()
	defer l.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = acceptRetryInitial
	bo.MaxInterval = acceptRetryMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.isClosed() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			delay := bo.NextBackOff()
			l.logger.Warn("accept failed, retrying", zap.Error(err), zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-l.quit:
				return nil
			}
			continue
		}
		bo.Reset()

		l.wg.Add(1)
		go l.handle(conn, h)
	}
}

func (l *Listener) handle(conn net.Conn, h Handler) {
	defer l.wg.Done()
	defer conn.Close()

	log := l.logger.With(
		zap.String("conn", uuid.NewString()),
		zap.Stringer("remote", conn.RemoteAddr()),
	)

	if l.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(l.readTimeout))
	}

	payload, err := io.ReadAll(io.LimitReader(conn, l.maxPayload+1))
	if err != nil {
		log.Warn("read failed, dropping connection", zap.Error(err))
		return
	}
	if int64(len(payload)) > l.maxPayload {
		log.Warn("payload too large, dropping connection", zap.Int64("limit", l.maxPayload))
		if l.onReject != nil {
			l.onReject(conn.RemoteAddr(), fmt.Errorf("%w: over %d bytes", ErrPayloadTooLarge, l.maxPayload))
		}
		return
	}

	log.Debug("payload received", zap.Int("bytes", len(payload)))
	h(conn.RemoteAddr(), payload)
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops accepting new connections and blocks until the accept loop
// and every in-flight connection handler have returned. It is safe to call
// more than once.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.wg.Wait()
		return nil
	}
	l.closed = true
	close(l.quit)
	l.mu.Unlock()

	err := l.ln.Close()
	l.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
