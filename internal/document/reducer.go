package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownEventType indicates that no handler is registered for an event type.
	ErrUnknownEventType = errors.New("document: unknown event type")
	// ErrInvalidPayload indicates that an event payload could not be decoded or is incomplete.
	ErrInvalidPayload = errors.New("document: invalid event payload")
	// ErrUnknownTarget indicates that an event references an artboard, layer or object that does not exist.
	ErrUnknownTarget = errors.New("document: unknown target")
	// ErrDuplicateID indicates that an event creates an element whose id already exists.
	ErrDuplicateID = errors.New("document: duplicate id")
)

// Handler applies one event payload to a state and returns the next state.
// Handlers must not mutate slices reachable from the input state.
type Handler func(state State, payload json.RawMessage) (State, error)

// Registry maps event types to handlers. New event kinds can be registered
// without touching the replayer.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// DefaultRegistry returns a registry with the drawing event handlers installed.
func DefaultRegistry() *Registry {
	registry := NewRegistry()
	for eventType, handler := range builtinHandlers() {
		registry.handlers[eventType] = handler
	}
	return registry
}

// Register installs or replaces the handler for eventType.
func (r *Registry) Register(eventType string, handler Handler) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return errors.New("document: event type is required")
	}
	if handler == nil {
		return fmt.Errorf("document: handler for %s is nil", eventType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = handler
	return nil
}

// Types returns the registered event types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for eventType := range r.handlers {
		types = append(types, eventType)
	}
	sort.Strings(types)
	return types
}

// Apply dispatches payload to the handler registered for eventType.
// On error the input state is returned unchanged.
func (r *Registry) Apply(state State, eventType string, payload json.RawMessage) (State, error) {
	r.mu.RLock()
	handler, ok := r.handlers[eventType]
	r.mu.RUnlock()
	if !ok {
		return state, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	next, err := handler(state, payload)
	if err != nil {
		return state, err
	}
	return next, nil
}

func decodePayload(payload json.RawMessage, target any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidPayload, name)
	}
	return nil
}

func cloneArtboards(artboards []Artboard) []Artboard {
	cloned := make([]Artboard, len(artboards))
	copy(cloned, artboards)
	return cloned
}

func cloneLayers(layers []Layer) []Layer {
	cloned := make([]Layer, len(layers))
	copy(cloned, layers)
	return cloned
}

func cloneObjects(objects []Object) []Object {
	cloned := make([]Object, len(objects))
	copy(cloned, objects)
	return cloned
}

func artboardIndex(state State, artboardID string) int {
	for index, artboard := range state.Artboards {
		if artboard.ID == artboardID {
			return index
		}
	}
	return -1
}

// updateLayer replaces the layer identified by layerID with the result of mutate,
// copying only the slices along the path.
func updateLayer(state State, layerID string, mutate func(Layer) (Layer, error)) (State, error) {
	for artboardIdx, artboard := range state.Artboards {
		for layerIdx, layer := range artboard.Layers {
			if layer.ID != layerID {
				continue
			}
			updated, err := mutate(layer)
			if err != nil {
				return state, err
			}
			artboards := cloneArtboards(state.Artboards)
			layers := cloneLayers(artboard.Layers)
			layers[layerIdx] = updated
			artboards[artboardIdx].Layers = layers
			state.Artboards = artboards
			return state, nil
		}
	}
	return state, fmt.Errorf("%w: layer %s", ErrUnknownTarget, layerID)
}

func objectIndex(layer Layer, objectID string) int {
	for index, object := range layer.Objects {
		if object.ID == objectID {
			return index
		}
	}
	return -1
}
