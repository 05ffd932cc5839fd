package link

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	remote  net.Addr
	payload []byte
}

func startListener(t *testing.T, opts ...ListenOption) (*Listener, <-chan received) {
	t.Helper()
	l, err := Listen("127.0.0.1:0", opts...)
	require.NoError(t, err)

	ch := make(chan received, 64)
	go func() {
		_ = l.Serve(func(remote net.Addr, payload []byte) {
			ch <- received{remote: remote, payload: payload}
		})
	}()
	t.Cleanup(func() { l.Close() })
	return l, ch
}

func waitPayload(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for payload")
		return received{}
	}
}

func TestDialer_SendAndReceive(t *testing.T) {
	l, ch := startListener(t)

	d := NewDialer(nil)
	require.NoError(t, d.Send(context.Background(), l.Addr().String(), []byte("hello")))

	r := waitPayload(t, ch)
	assert.Equal(t, "hello", string(r.payload))
	assert.NotNil(t, r.remote)
}

func TestListener_AcceptsContinuously(t *testing.T) {
	l, ch := startListener(t)
	d := NewDialer(nil)

	const n = 25
	for i := 0; i < n; i++ {
		require.NoError(t, d.Send(context.Background(), l.Addr().String(), []byte{byte(i)}))
		r := waitPayload(t, ch)
		assert.Equal(t, []byte{byte(i)}, r.payload)
	}
}

func TestListener_LargePayloadReadInFull(t *testing.T) {
	l, ch := startListener(t)

	payload := make([]byte, 40<<10)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, NewDialer(nil).Send(context.Background(), l.Addr().String(), payload))

	r := waitPayload(t, ch)
	assert.Equal(t, payload, r.payload)
}

func TestListener_OversizedPayloadDropped(t *testing.T) {
	l, ch := startListener(t, WithMaxPayload(8))
	d := NewDialer(nil)

	require.NoError(t, d.Send(context.Background(), l.Addr().String(), []byte("0123456789")))
	require.NoError(t, d.Send(context.Background(), l.Addr().String(), []byte("ok")))

	r := waitPayload(t, ch)
	assert.Equal(t, "ok", string(r.payload))
}

func TestListener_OversizedPayloadReported(t *testing.T) {
	rejected := make(chan error, 1)
	l, ch := startListener(t, WithMaxPayload(8), WithRejectHandler(func(remote net.Addr, err error) {
		assert.NotNil(t, remote)
		rejected <- err
	}))

	require.NoError(t, NewDialer(nil).Send(context.Background(), l.Addr().String(), []byte("0123456789")))

	select {
	case err := <-rejected:
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	case <-time.After(5 * time.Second):
		t.Fatal("oversized payload was not reported")
	}
	select {
	case r := <-ch:
		t.Fatalf("oversized payload reached the handler: %q", r.payload)
	default:
	}
}

// flakyListener fails the first failures calls to Accept.
type flakyListener struct {
	net.Listener
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyListener) Accept() (net.Conn, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, errors.New("accept: too many open files")
	}
	return f.Listener.Accept()
}

func TestListener_TransientAcceptErrorsRetried(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	flaky := &flakyListener{Listener: ln, failures: 3}
	l := newListener(flaky)
	t.Cleanup(func() { l.Close() })

	ch := make(chan received, 1)
	go func() {
		_ = l.Serve(func(remote net.Addr, payload []byte) {
			ch <- received{remote: remote, payload: payload}
		})
	}()

	require.NoError(t, NewDialer(nil).Send(context.Background(), l.Addr().String(), []byte("after")))
	r := waitPayload(t, ch)
	assert.Equal(t, "after", string(r.payload))

	flaky.mu.Lock()
	defer flaky.mu.Unlock()
	assert.Greater(t, flaky.calls, 3)
}

func TestListener_StalledPeerDoesNotBlockOthers(t *testing.T) {
	l, ch := startListener(t, WithReadTimeout(2*time.Second))

	stalled, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer stalled.Close()
	_, err = stalled.Write([]byte("partial"))
	require.NoError(t, err)

	require.NoError(t, NewDialer(nil).Send(context.Background(), l.Addr().String(), []byte("next")))
	r := waitPayload(t, ch)
	assert.Equal(t, "next", string(r.payload))
}

func TestListener_CloseWaitsForInFlight(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	served := make(chan error, 1)
	go func() {
		served <- l.Serve(func(net.Addr, []byte) {
			close(entered)
			<-release
		})
	}()

	require.NoError(t, NewDialer(nil).Send(context.Background(), l.Addr().String(), []byte("x")))
	<-entered

	closed := make(chan struct{})
	go func() {
		l.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a handler was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after handler finished")
	}
	assert.NoError(t, <-served)

	// No new connections after Close.
	err = NewDialer(nil).Send(context.Background(), l.Addr().String(), []byte("late"))
	assert.ErrorIs(t, err, ErrPeerUnreachable)
}

func TestListener_CloseIdleIsPrompt(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	go l.Serve(func(net.Addr, []byte) {})

	start := time.Now()
	require.NoError(t, l.Close())
	assert.Less(t, time.Since(start), time.Second)
	require.NoError(t, l.Close(), "second Close is a no-op")

	assert.ErrorIs(t, l.Serve(func(net.Addr, []byte) {}), ErrListenerClosed)
}

func TestListen_BindFailure(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	_, err = Listen(l.Addr().String())
	assert.ErrorIs(t, err, ErrBind)
}

func TestDialer_PeerUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	err = NewDialer(nil).Send(context.Background(), addr, []byte("x"))
	assert.ErrorIs(t, err, ErrPeerUnreachable)
	assert.False(t, errors.Is(err, ErrDeliveryFailed))
}

type scriptedSender struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedSender) Send(ctx context.Context, addr string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func TestRetrying_RetriesUnreachable(t *testing.T) {
	next := &scriptedSender{errs: []error{ErrPeerUnreachable, ErrPeerUnreachable}}
	r := &Retrying{Next: next, MaxRetries: 3, InitialInterval: time.Millisecond}

	require.NoError(t, r.Send(context.Background(), "peer", []byte("x")))
	assert.Equal(t, 3, next.calls)
}

func TestRetrying_GivesUp(t *testing.T) {
	next := &scriptedSender{errs: []error{ErrPeerUnreachable, ErrPeerUnreachable, ErrPeerUnreachable}}
	r := &Retrying{Next: next, MaxRetries: 1, InitialInterval: time.Millisecond}

	err := r.Send(context.Background(), "peer", []byte("x"))
	assert.ErrorIs(t, err, ErrPeerUnreachable)
	assert.Equal(t, 2, next.calls)
}

func TestRetrying_DeliveryFailureNotRetried(t *testing.T) {
	next := &scriptedSender{errs: []error{ErrDeliveryFailed}}
	r := &Retrying{Next: next, MaxRetries: 5, InitialInterval: time.Millisecond}

	err := r.Send(context.Background(), "peer", []byte("x"))
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, 1, next.calls)
}
