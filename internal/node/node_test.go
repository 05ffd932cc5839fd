package node

import (
	"context"
	"errors"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vclocknet/internal/clock"
	"vclocknet/internal/codec"
	"vclocknet/internal/link"
)

// captureSender records payloads instead of sending them.
type captureSender struct {
	mu       sync.Mutex
	err      error
	addrs    []string
	payloads [][]byte
}

func (s *captureSender) Send(ctx context.Context, addr string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs = append(s.addrs, addr)
	s.payloads = append(s.payloads, append([]byte(nil), payload...))
	return s.err
}

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

type staticResolver map[string]string

func (m staticResolver) Resolve(id string) (string, error) {
	if addr, ok := m[id]; ok {
		return addr, nil
	}
	return "", errors.New("unknown peer " + id)
}

func encode(t *testing.T, sender string, vc clock.VectorClock) []byte {
	t.Helper()
	data, err := (&codec.JSON{Size: len(vc)}).Encode(codec.Message{Sender: sender, Clock: vc})
	require.NoError(t, err)
	return data
}

func newNode(t *testing.T, cfg Config, opts ...Option) *Node {
	t.Helper()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	n, err := New(cfg, opts...)
	require.NoError(t, err)
	return n
}

func TestNode_CausalScenario(t *testing.T) {
	sender := &captureSender{}
	rec := &recorder{}
	n := newNode(t, Config{NodeID: "P", Index: 0, Size: 3, Initial: clock.VectorClock{1, 0, 0}},
		WithSender(sender), WithObserver(rec))

	vc, err := n.LocalEvent()
	require.NoError(t, err)
	assert.Equal(t, clock.VectorClock{2, 0, 0}, vc)

	msg, err := n.HandlePayload("q-addr", encode(t, "Q", clock.VectorClock{0, 5, 0}))
	require.NoError(t, err)
	assert.Equal(t, "Q", msg.Sender)
	assert.Equal(t, clock.VectorClock{3, 5, 0}, n.Snapshot())

	vc, err = n.Send(context.Background(), "r-addr")
	require.NoError(t, err)
	assert.Equal(t, clock.VectorClock{4, 5, 0}, vc)

	require.Len(t, sender.payloads, 1)
	assert.Equal(t, "r-addr", sender.addrs[0])
	sent, err := (&codec.JSON{Size: 3}).Decode(sender.payloads[0])
	require.NoError(t, err)
	assert.Equal(t, "P", sent.Sender)
	assert.Equal(t, clock.VectorClock{4, 5, 0}, sent.Clock)

	assert.Equal(t, []EventKind{EventLocal, EventReceive, EventSend}, rec.kinds())
}

func TestNode_SentMessageIsSnapshot(t *testing.T) {
	sender := &captureSender{}
	n := newNode(t, Config{NodeID: "1", Index: 0, Size: 2}, WithSender(sender))

	_, err := n.Send(context.Background(), "peer")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, _ = n.LocalEvent()
	}

	sent, err := (&codec.JSON{Size: 2}).Decode(sender.payloads[0])
	require.NoError(t, err)
	assert.Equal(t, clock.VectorClock{1, 0}, sent.Clock)
}

func TestNode_SendFailureKeepsIncrement(t *testing.T) {
	sender := &captureSender{err: link.ErrPeerUnreachable}
	rec := &recorder{}
	n := newNode(t, Config{NodeID: "1", Index: 1, Size: 3}, WithSender(sender), WithObserver(rec))

	vc, err := n.Send(context.Background(), "nowhere")
	require.Error(t, err)
	assert.ErrorIs(t, err, link.ErrPeerUnreachable)
	assert.Equal(t, clock.VectorClock{0, 1, 0}, vc)
	assert.Equal(t, clock.VectorClock{0, 1, 0}, n.Snapshot())
	assert.Equal(t, []EventKind{EventSendFailed}, rec.kinds())
}

func TestNode_SendTo(t *testing.T) {
	sender := &captureSender{}
	n := newNode(t, Config{NodeID: "1", Index: 0, Size: 3},
		WithSender(sender), WithResolver(staticResolver{"2": "127.0.0.1:8002"}))

	_, err := n.SendTo(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:8002"}, sender.addrs)

	_, err = n.SendTo(context.Background(), "9")
	require.Error(t, err)
	assert.Equal(t, clock.VectorClock{1, 0, 0}, n.Snapshot(), "unresolvable peer must not advance the clock")

	bare := newNode(t, Config{NodeID: "1", Index: 0, Size: 3}, WithSender(sender))
	_, err = bare.SendTo(context.Background(), "2")
	assert.ErrorIs(t, err, ErrNoResolver)
}

func TestNode_MalformedPayloadRejected(t *testing.T) {
	rec := &recorder{}
	n := newNode(t, Config{NodeID: "1", Index: 0, Size: 3, Initial: clock.VectorClock{2, 2, 2}}, WithObserver(rec))

	_, err := n.HandlePayload("x", encode(t, "2", clock.VectorClock{9, 9}))
	assert.ErrorIs(t, err, clock.ErrMalformedClock)

	_, err = n.HandlePayload("x", []byte("not json"))
	assert.ErrorIs(t, err, codec.ErrMalformedMessage)

	assert.Equal(t, clock.VectorClock{2, 2, 2}, n.Snapshot())
	assert.Equal(t, []EventKind{EventRejected, EventRejected}, rec.kinds())
}

func TestNode_UnknownSenderMerged(t *testing.T) {
	n := newNode(t, Config{NodeID: "1", Index: 0, Size: 3})

	msg, err := n.HandlePayload("x", encode(t, "server9", clock.VectorClock{0, 0, 7}))
	require.NoError(t, err)
	assert.Equal(t, "server9", msg.Sender)
	assert.Equal(t, clock.VectorClock{1, 0, 7}, n.Snapshot())
}

func TestNode_ConcurrentLocalAndInbound(t *testing.T) {
	n := newNode(t, Config{NodeID: "1", Index: 0, Size: 3})

	const (
		workers = 8
		perWork = 200
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < perWork; i++ {
				_, err := n.LocalEvent()
				assert.NoError(t, err)
			}
		}()
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWork; i++ {
				remote := clock.VectorClock{0, int64(w*perWork + i), int64(i)}
				_, err := n.HandlePayload("x", encode(t, "2", remote))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	got := n.Snapshot()
	assert.Equal(t, int64(2*workers*perWork), got[0], "own entry counts every local event and merge")
	assert.Equal(t, int64(workers*perWork-1), got[1])
	assert.Equal(t, int64(perWork-1), got[2])
}

func TestNode_ObserversSeeClockOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []int64
	)
	obs := ObserverFunc(func(e Event) {
		runtime.Gosched()
		mu.Lock()
		seen = append(seen, e.Clock[0])
		mu.Unlock()
	})
	n := newNode(t, Config{NodeID: "1", Index: 0, Size: 3}, WithObserver(obs))

	const (
		workers = 8
		perWork = 500
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < perWork; i++ {
				_, err := n.LocalEvent()
				assert.NoError(t, err)
			}
		}()
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWork; i++ {
				_, err := n.HandlePayload("x", encode(t, "2", clock.VectorClock{0, int64(i), 0}))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2*workers*perWork)
	for i := 1; i < len(seen); i++ {
		require.Less(t, seen[i-1], seen[i], "event %d observed out of order", i)
	}
}

func TestNode_StateListenersOrderedWhenStartRacesShutdown(t *testing.T) {
	for i := 0; i < 50; i++ {
		var (
			mu     sync.Mutex
			states []State
		)
		n := newNode(t, Config{NodeID: "1", Index: 0, Size: 3}, WithStateListener(func(s State) {
			if s == Running {
				time.Sleep(time.Millisecond)
			}
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}))

		started := make(chan error, 1)
		go func() { started <- n.Start() }()
		for n.State() == Idle {
			runtime.Gosched()
		}
		n.Shutdown()
		require.NoError(t, <-started)

		mu.Lock()
		assert.Equal(t, []State{Running, ShuttingDown, Stopped}, states, "run %d", i)
		mu.Unlock()
	}
}

func TestNode_OversizedPayloadRejected(t *testing.T) {
	rec := &recorder{}
	n := newNode(t, Config{NodeID: "1", Index: 0, Size: 3},
		WithObserver(rec), WithListenOptions(link.WithMaxPayload(16)))
	require.NoError(t, n.Start())
	defer n.Shutdown()

	big := encode(t, "2", clock.VectorClock{100, 200, 300})
	require.Greater(t, len(big), 16)
	require.NoError(t, link.NewDialer(nil).Send(context.Background(), n.Addr().String(), big))

	require.Eventually(t, func() bool {
		return len(rec.kinds()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	e := rec.events[0]
	rec.mu.Unlock()
	assert.Equal(t, EventRejected, e.Kind)
	assert.ErrorIs(t, e.Err, link.ErrPayloadTooLarge)
	assert.NotEmpty(t, e.Peer)
	assert.Equal(t, clock.VectorClock{0, 0, 0}, n.Snapshot())
}

func TestNode_StartAndShutdown(t *testing.T) {
	var (
		mu     sync.Mutex
		states []State
	)
	n := newNode(t, Config{NodeID: "1", Index: 0, Size: 3}, WithStateListener(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}))
	assert.Equal(t, Idle, n.State())
	assert.Nil(t, n.Addr())

	require.NoError(t, n.Start())
	assert.Equal(t, Running, n.State())
	require.NotNil(t, n.Addr())
	assert.Error(t, n.Start(), "second Start must fail")

	start := time.Now()
	n.Shutdown()
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Stopped, n.State())

	select {
	case <-n.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}

	_, err := n.LocalEvent()
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = n.Send(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotRunning)

	n.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Running, ShuttingDown, Stopped}, states)
}

func TestNode_ShutdownIdle(t *testing.T) {
	n := newNode(t, Config{NodeID: "1", Index: 0, Size: 3})
	n.Shutdown()
	assert.Equal(t, Stopped, n.State())
	assert.Error(t, n.Start())
}

func TestNode_ConcurrentShutdownCallers(t *testing.T) {
	n := newNode(t, Config{NodeID: "1", Index: 0, Size: 3})
	require.NoError(t, n.Start())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.Shutdown()
			assert.Equal(t, Stopped, n.State())
		}()
	}
	wg.Wait()
}

func TestNode_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	n := newNode(t, Config{NodeID: "1", Index: 0, Size: 3, ListenAddr: ln.Addr().String()})
	err = n.Start()
	assert.ErrorIs(t, err, link.ErrBind)
	assert.Equal(t, Idle, n.State())
}

func TestNode_ShutdownWaitsForInFlightMerge(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	blocker := ObserverFunc(func(e Event) {
		if e.Kind == EventReceive {
			once.Do(func() { close(entered) })
			<-release
		}
	})

	n := newNode(t, Config{NodeID: "1", Index: 0, Size: 3}, WithObserver(blocker))
	require.NoError(t, n.Start())

	err := link.NewDialer(nil).Send(context.Background(), n.Addr().String(), encode(t, "2", clock.VectorClock{0, 3, 0}))
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("inbound message never merged")
	}

	done := make(chan struct{})
	go func() {
		n.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Shutdown returned with a merge in flight")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, ShuttingDown, n.State())

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not finish")
	}
	assert.Equal(t, clock.VectorClock{1, 3, 0}, n.Snapshot())
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Index: 0, Size: 3})
	assert.Error(t, err, "missing id")

	_, err = New(Config{NodeID: "1", Index: 3, Size: 3})
	assert.Error(t, err, "index out of range")

	_, err = New(Config{NodeID: "1", Index: 0, Size: 3, Initial: clock.VectorClock{1, 0}})
	assert.Error(t, err, "initial clock size mismatch")
}

func TestEvent_String(t *testing.T) {
	e := Event{Kind: EventReceive, Node: "1", Peer: "2", Remote: clock.VectorClock{0, 5, 0}, Clock: clock.VectorClock{3, 5, 0}}
	assert.Equal(t, "node 1: received from 2 with [0 5 0], clock [3 5 0]", e.String())

	e = Event{Kind: EventSendFailed, Node: "1", Peer: "x:1", Clock: clock.VectorClock{1}, Err: link.ErrPeerUnreachable}
	assert.Equal(t, "node 1: send to x:1 failed (peer unreachable), clock [1]", e.String())
}
