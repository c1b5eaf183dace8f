package uuidx

import "github.com/google/uuid"

// New returns a fresh v7 UUID. v7 IDs are time-ordered, which keeps event and
// execution-frame identifiers sortable by creation time. Panics only if the
// platform random source is broken.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a fresh v7 UUID in string form.
func NewString() string {
	return New().String()
}
