package membership

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"vclocknet/internal/config"
	"vclocknet/internal/node"
)

// MemberStatus represents the reachability of a group member.
type MemberStatus int

const (
	Alive MemberStatus = iota
	Suspect
	Dead
)

// String returns the string representation of MemberStatus.
func (s MemberStatus) String() string {
	switch s {
	case Alive:
		return "ALIVE"
	case Suspect:
		return "SUSPECT"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the status by name.
func (s MemberStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Member represents a group member as seen from this node.
type Member struct {
	ID        string       `json:"id"`
	Addr      string       `json:"addr"`
	Index     int          `json:"index"`
	Status    MemberStatus `json:"status"`
	Failures  int          `json:"failures"`
	LastSeen  time.Time    `json:"last_seen"`
	LastError string       `json:"last_error,omitempty"`
}

// Membership derives member status from node events. It implements
// node.Observer.
//
// A failed send marks the member Suspect. A member that stays Suspect for
// longer than the suspect timeout is Dead. Any successful send to it or
// message from it marks it Alive again.
type Membership struct {
	mu             sync.RWMutex
	localID        string
	members        []*Member          // ClockIndex order
	byID           map[string]*Member // id -> Member
	byAddr         map[string]*Member // addr -> Member
	suspectTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// NewMembership creates a tracker for group. Every other member starts
// Alive, the same assumption the first send makes.
func NewMembership(localID string, group []config.Peer, suspectTimeout time.Duration, logger *zap.Logger) *Membership {
	if suspectTimeout <= 0 {
		suspectTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Membership{
		localID:        localID,
		byID:           make(map[string]*Member, len(group)),
		byAddr:         make(map[string]*Member, len(group)),
		suspectTimeout: suspectTimeout,
		logger:         logger,
		now:            time.Now,
	}
	start := m.now()
	for i, p := range group {
		if p.ID == localID {
			continue
		}
		member := &Member{ID: p.ID, Addr: p.Addr, Index: i, Status: Alive, LastSeen: start}
		m.members = append(m.members, member)
		m.byID[p.ID] = member
		m.byAddr[p.Addr] = member
	}
	return m
}

// Observe implements node.Observer.
func (m *Membership) Observe(e node.Event) {
	switch e.Kind {
	case node.EventSend:
		m.markAlive(m.lookupAddr(e.Peer))
	case node.EventReceive:
		m.markAlive(m.lookupID(e.Peer))
	case node.EventSendFailed:
		reason := ""
		if e.Err != nil {
			reason = e.Err.Error()
		}
		m.markFailed(m.lookupAddr(e.Peer), reason)
	}
}

func (m *Membership) lookupAddr(addr string) *Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byAddr[addr]
}

func (m *Membership) lookupID(id string) *Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

func (m *Membership) markAlive(member *Member) {
	if member == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := member.Status
	member.Status = Alive
	member.Failures = 0
	member.LastError = ""
	member.LastSeen = m.now()
	if prev != Alive {
		m.logger.Info("member alive", zap.String("member", member.ID), zap.Stringer("was", prev))
	}
}

func (m *Membership) markFailed(member *Member, reason string) {
	if member == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	member.Failures++
	member.LastError = reason
	if member.Status == Alive {
		member.Status = Suspect
		member.LastSeen = m.now()
		m.logger.Info("member suspect", zap.String("member", member.ID), zap.String("reason", reason))
		return
	}
	m.checkTimeout(member, m.now())
}

// checkTimeout promotes a Suspect member to Dead (must be called with lock
// held).
func (m *Membership) checkTimeout(member *Member, now time.Time) {
	if member.Status == Suspect && now.Sub(member.LastSeen) > m.suspectTimeout {
		member.Status = Dead
		m.logger.Warn("member dead", zap.String("member", member.ID),
			zap.Int("failures", member.Failures), zap.Duration("suspect_for", now.Sub(member.LastSeen)))
	}
}

// Get returns a copy of the member with the given id.
func (m *Membership) Get(id string) (Member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.byID[id]
	if !ok {
		return Member{}, false
	}
	m.checkTimeout(member, m.now())
	return *member, true
}

// Snapshot returns a copy of every other member in ClockIndex order.
func (m *Membership) Snapshot() []Member {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	snapshot := make([]Member, 0, len(m.members))
	for _, member := range m.members {
		m.checkTimeout(member, now)
		snapshot = append(snapshot, *member)
	}
	return snapshot
}
