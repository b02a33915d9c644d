// Package transform converts raw inbound events into sanitized, prioritized
// updates. Each event kind has one transformer; a registry dispatches by kind.
//
// Sanitization is idempotent: transforming an already-sanitized payload
// produces the same result. Malformed input returns invalid-class errors,
// never panics.
package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/showito/realtime/errors"
	"github.com/showito/realtime/message"
)

// Transformer validates and sanitizes one event kind.
type Transformer interface {
	// Kind returns the event kind this transformer handles.
	Kind() message.Kind
	// Transform parses raw, validates required fields, sanitizes values, and
	// emits a processed update.
	Transform(raw json.RawMessage) (message.Update, error)
}

// Registry dispatches raw events to kind-specific transformers.
type Registry struct {
	mu     sync.RWMutex
	byKind map[message.Kind]Transformer
}

// NewRegistry returns a registry preloaded with the built-in transformers
// for price updates, sales, whale movements, and alerts.
func NewRegistry() *Registry {
	r := &Registry{byKind: make(map[message.Kind]Transformer)}
	for _, t := range []Transformer{
		&priceTransformer{},
		&saleTransformer{},
		&whaleTransformer{},
		&alertTransformer{},
	} {
		r.byKind[t.Kind()] = t
	}
	return r
}

// Register adds or replaces the transformer for a kind.
func (r *Registry) Register(t Transformer) error {
	if t == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Registry", "Register", "nil transformer")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[t.Kind()] = t
	return nil
}

// Transform dispatches raw to the transformer registered for kind.
func (r *Registry) Transform(kind message.Kind, raw json.RawMessage) (message.Update, error) {
	r.mu.RLock()
	t, ok := r.byKind[kind]
	r.mu.RUnlock()

	if !ok {
		return message.Update{}, errors.WrapInvalid(errors.ErrUnknownKind, "Registry", "Transform",
			fmt.Sprintf("kind %q", kind))
	}
	return t.Transform(raw)
}

// Kinds lists the registered kinds.
func (r *Registry) Kinds() []message.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]message.Kind, 0, len(r.byKind))
	for k := range r.byKind {
		kinds = append(kinds, k)
	}
	return kinds
}

// numeric decodes JSON numbers and numeric strings. Feeds arrive from mixed
// upstream sources that sometimes stringify amounts.
type numeric float64

func (n *numeric) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*n = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not numeric: %s", data)
	}
	*n = numeric(v)
	return nil
}

// clamp maps negative and NaN values to 0.
func clamp(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}
