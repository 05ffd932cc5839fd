// Package console interprets line-oriented commands and drives a node.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"vclocknet/internal/clock"
	"vclocknet/internal/config"
	"vclocknet/internal/membership"
)

const usage = `commands:
  event | tick        record a local event
  clock | show        print the current clock
  send <peer>         send the clock to a peer
  <from> <to>         send from this node to peer <to>
  peers               list group members and their status
  help                show this message
  end | quit | exit   stop the node`

// Node is the subset of node.Node the console drives.
type Node interface {
	ID() string
	LocalEvent() (clock.VectorClock, error)
	SendTo(ctx context.Context, peerID string) (clock.VectorClock, error)
	Snapshot() clock.VectorClock
}

// Members reports the reachability of other group members.
type Members interface {
	Get(id string) (membership.Member, bool)
}

// Loop reads commands and writes results.
type Loop struct {
	node        Node
	group       []config.Peer
	members     Members
	out         io.Writer
	sendTimeout time.Duration
}

// New creates a command loop for n. group is listed by the peers command.
func New(n Node, group []config.Peer, out io.Writer) *Loop {
	return &Loop{node: n, group: group, out: out, sendTimeout: 10 * time.Second}
}

// WithMembership makes the peers command show member status.
func (l *Loop) WithMembership(m Members) *Loop {
	l.members = m
	return l
}

// Run processes lines from r until a terminate command, EOF or ctx is done.
// Command failures are printed and the loop continues.
func (l *Loop) Run(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read commands: %w", err)
					}
				default:
				}
				return nil
			}
			if !l.Exec(ctx, line) {
				return nil
			}
		}
	}
}

// Exec runs one command line. It returns false when the line asks to stop.
func (l *Loop) Exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	switch cmd := strings.ToLower(fields[0]); {
	case cmd == "end" || cmd == "quit" || cmd == "exit":
		return false
	case cmd == "help":
		fmt.Fprintln(l.out, usage)
	case cmd == "event" || cmd == "tick":
		vc, err := l.node.LocalEvent()
		if err != nil {
			fmt.Fprintf(l.out, "error: %v\n", err)
			break
		}
		fmt.Fprintf(l.out, "local event -> %v\n", vc)
	case cmd == "clock" || cmd == "show":
		fmt.Fprintf(l.out, "clock %v\n", l.node.Snapshot())
	case cmd == "peers":
		for i, p := range l.group {
			note := ""
			if p.ID == l.node.ID() {
				note = " (self)"
			} else if l.members != nil {
				if m, ok := l.members.Get(p.ID); ok {
					note = " " + m.Status.String()
				}
			}
			fmt.Fprintf(l.out, "%d %s %s%s\n", i, p.ID, p.Addr, note)
		}
	case cmd == "send":
		if len(fields) != 2 {
			fmt.Fprintln(l.out, "usage: send <peer>")
			break
		}
		l.send(ctx, fields[1])
	case len(fields) == 2:
		// "<from> <to>": only lines naming this node as the sender apply.
		if fields[0] != l.node.ID() {
			fmt.Fprintf(l.out, "ignored: %s is not this node (%s)\n", fields[0], l.node.ID())
			break
		}
		l.send(ctx, fields[1])
	default:
		fmt.Fprintf(l.out, "unknown command %q (try help)\n", fields[0])
	}
	return true
}

func (l *Loop) send(ctx context.Context, peer string) {
	if peer == l.node.ID() {
		fmt.Fprintln(l.out, "error: cannot send to self")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, l.sendTimeout)
	defer cancel()

	vc, err := l.node.SendTo(ctx, peer)
	if err != nil {
		if vc != nil {
			fmt.Fprintf(l.out, "error: send to %s: %v (clock %v)\n", peer, err, vc)
		} else {
			fmt.Fprintf(l.out, "error: send to %s: %v\n", peer, err)
		}
		return
	}
	fmt.Fprintf(l.out, "sent to %s -> %v\n", peer, vc)
}
