// Package clock provides a fixed-size vector clock for tracking causality
// between the members of a static process group. Each member owns one
// position in the vector; a member's own counter advances on every local
// event and on every message it merges.
package clock
