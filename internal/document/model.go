package document

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// CurrentFormatVersion is the highest document format this build reads and writes.
	CurrentFormatVersion = 2
	// LegacyFormatVersion stored a single flat layer list without artboards.
	LegacyFormatVersion = 1

	// DefaultArtboardID receives layers that do not name an artboard.
	DefaultArtboardID   = "default"
	defaultArtboardName = "Artboard 1"

	maxIdentifierLength = 190
)

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("document: invalid document id")
)

// ID represents a validated document identifier.
type ID string

// NewID validates raw input and returns an ID.
func NewID(rawInput string) (ID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return ID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ID) String() string {
	return string(id)
}

// State is the reconstructed drawing document.
type State struct {
	SchemaVersion int        `json:"schemaVersion"`
	Artboards     []Artboard `json:"artboards,omitempty"`
}

// Artboard groups layers.
type Artboard struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Layers []Layer `json:"layers,omitempty"`
}

// Layer is an ordered stack of objects.
type Layer struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Hidden  bool     `json:"hidden,omitempty"`
	Locked  bool     `json:"locked,omitempty"`
	Objects []Object `json:"objects,omitempty"`
}

// Object is an opaque drawable placed on a layer.
type Object struct {
	ID     string  `json:"id"`
	Kind   string  `json:"kind"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
	Fill   string  `json:"fill,omitempty"`
}

// NewState returns the empty initial state.
func NewState() State {
	return State{SchemaVersion: CurrentFormatVersion}
}

// LayerCount returns the number of layers across all artboards.
func (s State) LayerCount() int {
	total := 0
	for _, artboard := range s.Artboards {
		total += len(artboard.Layers)
	}
	return total
}

// FindLayer returns the layer with the given id.
func (s State) FindLayer(layerID string) (Layer, bool) {
	for _, artboard := range s.Artboards {
		for _, layer := range artboard.Layers {
			if layer.ID == layerID {
				return layer, true
			}
		}
	}
	return Layer{}, false
}
