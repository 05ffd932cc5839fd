package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"vclocknet/internal/clock"
	"vclocknet/internal/codec"
	"vclocknet/internal/link"
)

var (
	// ErrNotRunning is returned by local operations once shutdown has begun.
	ErrNotRunning = errors.New("node is not running")
	// ErrNoResolver is returned by SendTo when no Resolver is configured.
	ErrNoResolver = errors.New("no peer resolver configured")
)

// Resolver maps a process id to a network address.
type Resolver interface {
	Resolve(id string) (string, error)
}

// Config identifies a node within its group.
type Config struct {
	NodeID     string
	Index      int
	Size       int
	ListenAddr string
	// Initial is the starting clock. Nil means all zeros.
	Initial clock.VectorClock
}

// Option configures a Node.
type Option func(*Node)

// WithCodec sets the message codec. Defaults to JSON.
func WithCodec(c codec.Codec) Option {
	return func(n *Node) { n.codec = c }
}

// WithSender sets the outbound transport. Defaults to a link.Dialer.
func WithSender(s link.Sender) Option {
	return func(n *Node) { n.sender = s }
}

// WithResolver sets the process id resolver used by SendTo.
func WithResolver(r Resolver) Option {
	return func(n *Node) { n.resolver = r }
}

// WithLogger sets the node's logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithObserver adds event observers.
func WithObserver(obs ...Observer) Option {
	return func(n *Node) { n.observers = append(n.observers, obs...) }
}

// WithStateListener adds state transition listeners.
func WithStateListener(fns ...StateListener) Option {
	return func(n *Node) { n.stateListeners = append(n.stateListeners, fns...) }
}

// WithListenOptions passes options to the inbound listener.
func WithListenOptions(opts ...link.ListenOption) Option {
	return func(n *Node) { n.listenOpts = append(n.listenOpts, opts...) }
}

// Node owns the live vector clock of one process and is the only component
// that mutates it. Local commands and inbound messages are serialized by mu.
// A Node must not be copied.
type Node struct {
	nodeID     string
	listenAddr string

	mu    sync.Mutex // guards clock
	clock *clock.Clock

	// emitMu is taken before mu is released so observers see clock
	// changes in the order they were made.
	emitMu sync.Mutex

	codec          codec.Codec
	sender         link.Sender
	resolver       Resolver
	logger         *zap.Logger
	observers      []Observer
	stateListeners []StateListener
	listenOpts     []link.ListenOption

	transition sync.Mutex // serializes state changes
	state      atomic.Int32
	listener   *link.Listener
	serveDone  chan struct{}
	stopped    chan struct{}

	// notifyMu is taken inside transition so listeners see transitions in
	// order.
	notifyMu sync.Mutex
}

// New creates a node. It does not bind any network resources; see Start.
func New(cfg Config, opts ...Option) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}

	var (
		clk *clock.Clock
		err error
	)
	if cfg.Initial != nil {
		if cfg.Size != 0 && len(cfg.Initial) != cfg.Size {
			return nil, fmt.Errorf("initial clock has %d entries, group size is %d", len(cfg.Initial), cfg.Size)
		}
		clk, err = clock.NewFrom(cfg.Index, cfg.Initial)
	} else {
		clk, err = clock.New(cfg.Size, cfg.Index)
	}
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", cfg.NodeID, err)
	}

	n := &Node{
		nodeID:     cfg.NodeID,
		listenAddr: cfg.ListenAddr,
		clock:      clk,
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	if n.logger == nil {
		n.logger = zap.NewNop()
	}
	n.logger = n.logger.With(zap.String("node", n.nodeID), zap.Int("index", cfg.Index))
	if n.codec == nil {
		n.codec = &codec.JSON{Size: clk.Size()}
	}
	if n.sender == nil {
		n.sender = link.NewDialer(n.logger)
	}
	return n, nil
}

// ID returns the node's process id.
func (n *Node) ID() string { return n.nodeID }

// Index returns the node's ClockIndex.
func (n *Node) Index() int { return n.clock.Self() }

// Size returns the group size.
func (n *Node) Size() int { return n.clock.Size() }

// State returns the current lifecycle state.
func (n *Node) State() State { return State(n.state.Load()) }

// Addr returns the bound listening address, or nil before Start.
func (n *Node) Addr() net.Addr {
	n.transition.Lock()
	defer n.transition.Unlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Start binds the listening endpoint and starts the accept loop. A bind
// failure wraps link.ErrBind and leaves the node Idle.
func (n *Node) Start() error {
	n.transition.Lock()
	if n.State() != Idle {
		n.transition.Unlock()
		return fmt.Errorf("node %s: cannot start from state %s", n.nodeID, n.State())
	}

	opts := append([]link.ListenOption{
		link.WithLogger(n.logger),
		link.WithRejectHandler(func(remote net.Addr, err error) {
			n.reject(remote.String(), err)
		}),
	}, n.listenOpts...)
	l, err := link.Listen(n.listenAddr, opts...)
	if err != nil {
		n.transition.Unlock()
		return fmt.Errorf("node %s: %w", n.nodeID, err)
	}
	n.listener = l
	n.serveDone = make(chan struct{})
	go n.serve(l)
	n.setState(Running)

	n.logger.Info("node started", zap.Stringer("addr", l.Addr()), zap.Stringer("clock", n.Snapshot()))
	return nil
}

func (n *Node) serve(l *link.Listener) {
	defer close(n.serveDone)
	err := l.Serve(func(remote net.Addr, payload []byte) {
		from := ""
		if remote != nil {
			from = remote.String()
		}
		if _, err := n.HandlePayload(from, payload); err != nil {
			n.logger.Warn("discarded inbound payload", zap.String("remote", from), zap.Error(err))
		}
	})
	if err != nil {
		n.logger.Error("accept loop exited", zap.Error(err))
	}
}

// LocalEvent records a local event and returns the resulting clock.
func (n *Node) LocalEvent() (clock.VectorClock, error) {
	if n.closing() {
		return nil, ErrNotRunning
	}

	n.mu.Lock()
	n.clock.Tick()
	snap := n.clock.Snapshot()
	n.emitMu.Lock()
	n.mu.Unlock()

	n.logger.Debug("local event", zap.Stringer("clock", snap))
	n.emit(Event{Kind: EventLocal, Clock: snap})
	n.emitMu.Unlock()
	return snap, nil
}

// Send records a send event, then delivers a message carrying the
// post-increment clock to addr. The returned clock is that snapshot. If
// delivery fails the increment stands: the attempt itself is the event.
// Observers hear about the send once delivery has finished.
func (n *Node) Send(ctx context.Context, addr string) (clock.VectorClock, error) {
	if n.closing() {
		return nil, ErrNotRunning
	}

	n.mu.Lock()
	n.clock.Tick()
	snap := n.clock.Snapshot()
	n.mu.Unlock()

	err := n.deliver(ctx, addr, codec.NewMessage(n.nodeID, snap))
	if err != nil {
		n.logger.Warn("send failed", zap.String("addr", addr), zap.Stringer("clock", snap), zap.Error(err))
		n.emitLocked(Event{Kind: EventSendFailed, Peer: addr, Clock: snap, Err: err})
		return snap, err
	}

	n.logger.Debug("sent", zap.String("addr", addr), zap.Stringer("clock", snap))
	n.emitLocked(Event{Kind: EventSend, Peer: addr, Clock: snap})
	return snap, nil
}

func (n *Node) deliver(ctx context.Context, addr string, msg codec.Message) error {
	payload, err := n.codec.Encode(msg)
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, addr, payload)
}

// SendTo resolves a process id and sends to it. Resolution failures do not
// advance the clock, since no send was attempted.
func (n *Node) SendTo(ctx context.Context, peerID string) (clock.VectorClock, error) {
	if n.resolver == nil {
		return nil, ErrNoResolver
	}
	addr, err := n.resolver.Resolve(peerID)
	if err != nil {
		return nil, err
	}
	return n.Send(ctx, addr)
}

// HandlePayload decodes an inbound payload and merges its clock. Malformed
// payloads are discarded without touching the clock and the decode error is
// returned. Senders outside the group are accepted as long as the clock has
// the right shape.
func (n *Node) HandlePayload(remote string, payload []byte) (codec.Message, error) {
	if n.State() == Stopped {
		return codec.Message{}, ErrNotRunning
	}

	msg, err := n.codec.Decode(payload)
	if err != nil {
		n.reject(remote, err)
		return codec.Message{}, err
	}

	n.mu.Lock()
	if err := n.clock.Merge(msg.Clock); err != nil {
		n.mu.Unlock()
		n.reject(remote, err)
		return codec.Message{}, err
	}
	snap := n.clock.Snapshot()
	n.emitMu.Lock()
	n.mu.Unlock()

	n.logger.Debug("received", zap.String("from", msg.Sender),
		zap.Stringer("remote_clock", msg.Clock), zap.Stringer("clock", snap))
	n.emit(Event{Kind: EventReceive, Peer: msg.Sender, Remote: msg.Clock, Clock: snap})
	n.emitMu.Unlock()
	return msg, nil
}

// reject reports an inbound payload that was discarded before reaching the
// clock.
func (n *Node) reject(remote string, err error) {
	n.emitLocked(Event{Kind: EventRejected, Peer: remote, Err: err})
}

// Snapshot returns a copy of the current clock.
func (n *Node) Snapshot() clock.VectorClock {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clock.Snapshot()
}

// Shutdown stops accepting connections, waits for in-flight inbound
// messages to be merged and blocks until the node is Stopped. Concurrent
// and repeated calls all block until Stopped.
func (n *Node) Shutdown() {
	n.transition.Lock()
	switch n.State() {
	case Idle:
		n.setState(Stopped)
		close(n.stopped)
		return
	case Running:
		n.setState(ShuttingDown)
	default:
		n.transition.Unlock()
		<-n.stopped
		return
	}

	n.logger.Info("shutting down")

	start := time.Now()
	if err := n.listener.Close(); err != nil {
		n.logger.Warn("listener close", zap.Error(err))
	}
	<-n.serveDone

	n.transition.Lock()
	n.setState(Stopped)
	close(n.stopped)
	n.logger.Info("node stopped", zap.Duration("drain", time.Since(start)), zap.Stringer("clock", n.Snapshot()))
}

// Done is closed once the node is Stopped.
func (n *Node) Done() <-chan struct{} { return n.stopped }

func (n *Node) closing() bool {
	s := n.State()
	return s == ShuttingDown || s == Stopped
}

// setState stores s and notifies the state listeners. It must be called
// with transition held and releases it.
func (n *Node) setState(s State) {
	n.notifyMu.Lock()
	defer n.notifyMu.Unlock()
	n.state.Store(int32(s))
	n.transition.Unlock()

	for _, fn := range n.stateListeners {
		fn(s)
	}
}

func (n *Node) emitLocked(e Event) {
	n.emitMu.Lock()
	defer n.emitMu.Unlock()
	n.emit(e)
}

// emit must be called with emitMu held.
func (n *Node) emit(e Event) {
	if len(n.observers) == 0 {
		return
	}
	e.Node = n.nodeID
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, o := range n.observers {
		o.Observe(e)
	}
}
