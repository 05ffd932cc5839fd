// Package membership tracks the reachability of the other group members
// from the outcome of ordinary sends and receives.
//
// Limitations:
// - No probes or heartbeats; a member nobody talks to keeps its last status
// - Status is local to this node and never shared with peers
// - The group itself is fixed at startup
package membership
