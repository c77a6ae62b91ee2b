// Package transport holds the vocabulary shared by the real and simulated
// backends: send-result error values, the tag-waiter rendezvous table, and
// a bounded per-sender dedup set for reliable delivery.
package transport

import "errors"

// SendError values returned by the asynchronous send operations exposed
// through Context. Exactly one of these, or nil, is ever produced.
var (
	// ErrTimeout means the ack was not observed before the deadline.
	ErrTimeout = errors.New("dsbuild: ack not observed before deadline")
	// ErrNotSent means the transport proved the message was never
	// delivered (local refusal, a down link, a crashed/shutdown node).
	ErrNotSent = errors.New("dsbuild: message definitely not delivered")
)

// Tag is the 64-bit correlator used by SendWithTag/SendRecvWithTag to
// route an inbound message to a waiting future instead of OnMessage.
type Tag uint64
