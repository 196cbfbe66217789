package orchestrator

import "github.com/google/uuid"

// newRunID generates a run identifier using UUIDv4.
func newRunID() string {
	return uuid.NewString()
}
