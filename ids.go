package conduit

import (
	"github.com/google/uuid"
)

// NewInstanceID generates a globally unique, time-sortable UUIDv7 (RFC 9562)
// for a workflow instance.
func NewInstanceID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewWorkerID generates a broker-assigned worker identifier.
func NewWorkerID() string {
	return uuid.Must(uuid.NewV7()).String()
}
