// Package codec maps peer messages to bytes and back. A message is the
// sender's identity plus a snapshot of its vector clock; one message
// travels per connection.
package codec
