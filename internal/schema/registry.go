package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	strataerrors "github.com/strata-log/strata/internal/errors"
)

// Payload is a typed event document.
type Payload interface {
	Validate() ValidationErrors
}

// Factory returns a new zero payload for one event type.
type Factory func() Payload

// Registry maps event types to payload factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding every built-in event type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(TypeCommit, func() Payload { return &CommitPayload{} })
	r.MustRegister(TypeSessionStarted, func() Payload { return &SessionStartedPayload{} })
	r.MustRegister(TypeSessionGoal, func() Payload { return &SessionGoalPayload{} })
	r.MustRegister(TypeSessionDecision, func() Payload { return &SessionDecisionPayload{} })
	r.MustRegister(TypeSessionObservation, func() Payload { return &SessionObservationPayload{} })
	r.MustRegister(TypeCodeFunction, func() Payload { return &CodeFunctionPayload{} })
	r.MustRegister(TypeCodeStruct, func() Payload { return &CodeStructPayload{} })
	r.MustRegister(TypeCodeImport, func() Payload { return &CodeImportPayload{} })
	return r
}

// Register adds an event type. Registering the same type twice is an error.
func (r *Registry) Register(eventType string, f Factory) error {
	if eventType == "" {
		return fmt.Errorf("schema: event type cannot be empty")
	}
	if f == nil {
		return fmt.Errorf("schema: nil factory for %s", eventType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[eventType]; ok {
		return fmt.Errorf("schema: event type %s already registered", eventType)
	}
	r.factories[eventType] = f
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(eventType string, f Factory) {
	if err := r.Register(eventType, f); err != nil {
		panic(err)
	}
}

// Has reports whether eventType is registered.
func (r *Registry) Has(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[eventType]
	return ok
}

// Types returns the registered event types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Decode strictly decodes raw into the payload type registered for eventType
// and validates it. Unknown fields, trailing data and failed validation are
// schema violations.
func (r *Registry) Decode(eventType string, raw []byte) (Payload, error) {
	r.mu.RLock()
	f, ok := r.factories[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, strataerrors.NewSchemaViolation(eventType,
			fmt.Sprintf("unknown event type %q", eventType), nil)
	}

	p := f()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, strataerrors.NewSchemaViolation(eventType, "payload does not match schema", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, strataerrors.NewSchemaViolation(eventType, "payload has trailing data", nil)
	}

	if verrs := p.Validate(); len(verrs) > 0 {
		return nil, strataerrors.NewSchemaViolation(eventType, "payload validation failed", verrs)
	}
	return p, nil
}

// Normalize decodes and validates raw, then returns its canonical encoding.
// Two payloads that decode to the same document normalize to the same bytes.
func (r *Registry) Normalize(eventType string, raw []byte) ([]byte, error) {
	p, err := r.Decode(eventType, raw)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(p)
	if err != nil {
		return nil, strataerrors.NewInternalError("failed to encode payload", err)
	}
	return Canonicalize(encoded)
}

// Canonicalize re-encodes a JSON document with sorted object keys, no
// insignificant whitespace and no HTML escaping. Numbers keep their literal text.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("schema: failed to decode document: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("schema: failed to encode document: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
