// Package it runs in-process node groups over real loopback TCP for
// integration tests.
package it

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"vclocknet/internal/codec"
	"vclocknet/internal/config"
	"vclocknet/internal/link"
	"vclocknet/internal/node"
)

// Cluster represents a test group of nodes.
type Cluster struct {
	mu     sync.Mutex
	nodes  []*node.Node
	addrs  map[string]string
	codec  string
	logger *zap.Logger
	events map[string][]node.Event
}

// NewCluster creates a new test cluster harness. codecName selects the wire
// codec shared by every node.
func NewCluster(codecName string, logger *zap.Logger) *Cluster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cluster{
		addrs:  make(map[string]string),
		codec:  codecName,
		logger: logger,
		events: make(map[string][]node.Event),
	}
}

// StartCluster starts size nodes with ids "1".."size" on ephemeral ports.
func (c *Cluster) StartCluster(size int) error {
	for i := 0; i < size; i++ {
		id := fmt.Sprintf("%d", i+1)
		if err := c.startNode(id, i, size); err != nil {
			c.Stop()
			return fmt.Errorf("failed to start node %s: %w", id, err)
		}
	}
	return nil
}

func (c *Cluster) startNode(id string, index, size int) error {
	cd, err := codec.New(c.codec, size)
	if err != nil {
		return err
	}
	n, err := node.New(node.Config{
		NodeID:     id,
		Index:      index,
		Size:       size,
		ListenAddr: "127.0.0.1:0",
	},
		node.WithCodec(cd),
		node.WithResolver(c),
		node.WithLogger(c.logger),
		node.WithSender(link.NewDialer(c.logger)),
		node.WithObserver(node.ObserverFunc(func(e node.Event) { c.record(id, e) })),
	)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	c.mu.Lock()
	c.nodes = append(c.nodes, n)
	c.addrs[id] = n.Addr().String()
	c.mu.Unlock()
	return nil
}

func (c *Cluster) record(id string, e node.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[id] = append(c.events[id], e)
}

// Resolve implements node.Resolver using the bound addresses.
func (c *Cluster) Resolve(id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr, ok := c.addrs[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", config.ErrUnknownPeer, id)
	}
	return addr, nil
}

// GetNode returns a node by ID.
func (c *Cluster) GetNode(id string) *node.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.nodes {
		if n.ID() == id {
			return n
		}
	}
	return nil
}

// Events returns the events recorded by node id, in order.
func (c *Cluster) Events(id string) []node.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]node.Event(nil), c.events[id]...)
}

// CountEvents returns how many events of kind node id recorded.
func (c *Cluster) CountEvents(id string, kind node.EventKind) int {
	n := 0
	for _, e := range c.Events(id) {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// KillNode shuts a single node down. Its address stays resolvable so sends
// to it fail as unreachable.
func (c *Cluster) KillNode(id string) error {
	n := c.GetNode(id)
	if n == nil {
		return fmt.Errorf("node %s not found", id)
	}
	n.Shutdown()
	return nil
}

// Stop shuts down every node in the cluster.
func (c *Cluster) Stop() {
	c.mu.Lock()
	nodes := c.nodes
	c.nodes = nil
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *node.Node) {
			defer wg.Done()
			n.Shutdown()
		}(n)
	}
	wg.Wait()
}
