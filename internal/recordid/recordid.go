// Package recordid generates time-ordered identifiers for queued records.
package recordid

import (
	"github.com/google/uuid"

	"github.com/courierlabs/event-courier/internal/logging"
)

// New returns a UUIDv7 identifier. Ids sort lexicographically in generation
// order, even within the same millisecond, which the queue relies on for
// FIFO eviction and FIFO batching.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Only reachable if the entropy source fails. A random v4 id keeps
		// the record deliverable at the cost of its position in the order.
		logging.Error("uuidv7 generation failed, falling back to v4", logging.F("error", err.Error()))
		return uuid.New().String()
	}
	return id.String()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
