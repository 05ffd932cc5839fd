package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"vclocknet/internal/codec"
)

// ErrUnknownPeer is returned when a process id is not a member of the group.
var ErrUnknownPeer = errors.New("unknown peer")

// Peer represents one member of the process group.
type Peer struct {
	ID   string
	Addr string
}

// Config holds the node configuration.
type Config struct {
	NodeID     string
	ListenAddr string
	// Group lists every member, including this node, in ClockIndex order.
	// All members must be started with the same group.
	Group []Peer

	Codec       string
	DialTimeout time.Duration
	ReadTimeout time.Duration
	SendRetries uint64

	// SuspectTimeout is how long a peer stays suspect after a failed send
	// before it is reported dead.
	SuspectTimeout time.Duration

	AdminAddr string
	GRPCAddr  string
	AuditFile string
	LogLevel  string
	LogDev    bool
}

// ParsePeers parses a comma-separated list of peers in the format:
// "id1=addr1,id2=addr2,id3=addr3"
func ParsePeers(peersStr string) ([]Peer, error) {
	if peersStr == "" {
		return []Peer{}, nil
	}

	parts := strings.Split(peersStr, ",")
	peers := make([]Peer, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid peer format: %s (expected id=addr)", part)
		}

		id := strings.TrimSpace(kv[0])
		addr := strings.TrimSpace(kv[1])

		if id == "" || addr == "" {
			return nil, fmt.Errorf("peer ID and address cannot be empty: %s", part)
		}

		peers = append(peers, Peer{
			ID:   id,
			Addr: addr,
		})
	}

	return peers, nil
}

// DefaultGroup returns n members with ids "1".."n" listening on
// 127.0.0.1:8001, 127.0.0.1:8002, and so on.
func DefaultGroup(n int) []Peer {
	peers := make([]Peer, 0, n)
	for i := 1; i <= n; i++ {
		peers = append(peers, Peer{
			ID:   fmt.Sprintf("%d", i),
			Addr: fmt.Sprintf("127.0.0.1:%d", 8000+i),
		})
	}
	return peers
}

// Validate checks that the group is well formed and contains this node.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node id is required")
	}
	if len(c.Group) == 0 {
		return errors.New("group cannot be empty")
	}

	seen := make(map[string]bool, len(c.Group))
	for _, p := range c.Group {
		if !utf8.ValidString(p.ID) {
			return fmt.Errorf("peer id %q is not valid UTF-8", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate peer id in group: %s", p.ID)
		}
		seen[p.ID] = true
	}
	if !seen[c.NodeID] {
		return fmt.Errorf("node %s is not a member of the group", c.NodeID)
	}

	switch c.Codec {
	case "", codec.NameJSON, codec.NameProto:
	default:
		return fmt.Errorf("unknown codec %q", c.Codec)
	}
	return nil
}

// Size returns the number of group members.
func (c *Config) Size() int {
	return len(c.Group)
}

// Index returns this node's ClockIndex, or -1 if it is not in the group.
func (c *Config) Index() int {
	return c.IndexOf(c.NodeID)
}

// IndexOf returns the ClockIndex of id, or -1 if it is not in the group.
func (c *Config) IndexOf(id string) int {
	for i, p := range c.Group {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Listen returns the address to bind: ListenAddr if set, otherwise this
// node's group address.
func (c *Config) Listen() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	if i := c.Index(); i >= 0 {
		return c.Group[i].Addr
	}
	return ""
}

// Resolve maps a process id to its network address.
func (c *Config) Resolve(id string) (string, error) {
	if i := c.IndexOf(id); i >= 0 {
		return c.Group[i].Addr, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownPeer, id)
}
