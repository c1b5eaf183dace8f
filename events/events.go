// Package events defines the immutable event value that flows through the
// message bus and router.
package events

import (
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"

	"github.com/loomwork/loom"
	"github.com/loomwork/loom/pkg/uuidx"
)

// Event is one published message. Events are immutable once published; the
// payload must not be mutated by subscribers.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	Topic         string          `json:"topic"`
	Payload       loom.Payload    `json:"payload,omitempty"`
	Source        string          `json:"source,omitempty"`
	SchemaVersion int             `json:"schema_version,omitempty"`
	Timestamp     strfmt.DateTime `json:"timestamp"`
}

// New builds an event for topic with a fresh ID and the current time.
func New(topic string, payload loom.Payload, source string) Event {
	return Event{
		ID:        uuidx.New(),
		Topic:     topic,
		Payload:   payload,
		Source:    source,
		Timestamp: strfmt.DateTime(time.Now()),
	}
}

// WithVersion returns a copy of the event carrying the given payload schema
// version.
func (e Event) WithVersion(version int) Event {
	e.SchemaVersion = version
	return e
}
