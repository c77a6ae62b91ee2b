// Package idgen generates correlation identifiers for reliable sends and
// opaque unique identifiers elsewhere in the framework.
package idgen

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// NewCorrelationID returns a fresh 64-bit correlation id used to
// de-duplicate reliable sends on the receiving transport. It folds a
// random UUIDv4 down to 64 bits rather than using a counter, so two
// independently-running nodes never collide without coordination.
func NewCorrelationID() uint64 {
	id := uuid.New()
	lo := binary.BigEndian.Uint64(id[:8])
	hi := binary.BigEndian.Uint64(id[8:])
	return lo ^ hi
}

// NewUID returns a fresh opaque string identifier (a random UUIDv4 in its
// canonical string form).
func NewUID() string {
	return uuid.NewString()
}
