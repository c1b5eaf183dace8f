package loom

import (
	json "github.com/goccy/go-json"
)

// Payload is the opaque structured data carried by events and method calls.
type Payload map[string]any

// Clone returns a deep copy of the payload by round-tripping it through JSON.
// Snapshots handed to the debugger must not alias live caller state.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		// Payloads are plain JSON-shaped maps; a marshal failure means a
		// caller smuggled in an unmarshalable value. Fall back to a shallow
		// copy rather than losing the snapshot entirely.
		out := make(Payload, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out
	}
	var out Payload
	if err := json.Unmarshal(b, &out); err != nil {
		out = make(Payload, len(p))
		for k, v := range p {
			out[k] = v
		}
	}
	return out
}

// JSON returns the payload marshaled to JSON. Returns nil on a nil payload.
func (p Payload) JSON() []byte {
	if p == nil {
		return nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return b
}

// SubscriptionDecl is one declared topic subscription of a unit: events on
// Topic are delivered to the unit method named Handler. SchemaVersion is the
// payload schema the handler expects; zero means unversioned.
type SubscriptionDecl struct {
	Topic         string `json:"topic"`
	Handler       string `json:"handler"`
	SchemaVersion int    `json:"schema_version,omitempty"`
}

// Definition describes one unit as produced by the build pipeline. It is
// read-only at runtime; the runtime never mutates it.
type Definition struct {
	Name          string             `json:"name"`
	ModuleRef     string             `json:"module_ref,omitempty"`
	ClassRef      string             `json:"class_ref,omitempty"`
	Methods       []string           `json:"methods,omitempty"`
	Subscriptions []SubscriptionDecl `json:"subscriptions,omitempty"`
	Dependencies  []string           `json:"dependencies,omitempty"`
}

// Instance is one live unit. Methods returns the unit's invocation surface as
// a capability table built once at instantiation; the runtime never discovers
// methods by name inspection.
//
// Accepted method shapes, adapted at registration time:
//
//	func(ctx context.Context) (any, error)
//	func(ctx context.Context, args loom.Payload) (any, error)
//	func(ctx context.Context, evt events.Event) (any, error)
type Instance interface {
	Methods() map[string]any
}

// StateBlob is a unit's exported state, serialized as JSON. Its on-disk
// persistence is owned by an external collaborator.
type StateBlob []byte

// StateExporter is implemented by units whose state can be captured, e.g. for
// a state-preserving hot reload.
type StateExporter interface {
	ExportState() (StateBlob, error)
}

// StateImporter is implemented by units that can restore previously exported
// state into a fresh instance.
type StateImporter interface {
	ImportState(StateBlob) error
}

// Factory constructs a fresh instance of a unit from its current
// implementation. The reload manager re-resolves the factory through the
// Loader on every reload so a changed backing source is picked up.
type Factory func() (Instance, error)
