// Package admin exposes a running node to operators: an HTTP API with the
// current clock, health and metrics, a websocket feed of node events, and a
// standard gRPC health service that tracks the node lifecycle.
package admin
