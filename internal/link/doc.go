// Package link moves encoded peer messages across TCP. Every message uses a
// fresh connection: the sender connects, writes the whole payload and
// closes; the receiver reads until EOF.
package link
