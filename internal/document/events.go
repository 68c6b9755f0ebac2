package document

import (
	"encoding/json"
	"fmt"
)

// Event types understood by DefaultRegistry.
const (
	EventArtboardCreated  = "artboard.created"
	EventLayerCreated     = "layer.created"
	EventLayerRenamed     = "layer.renamed"
	EventLayerDeleted     = "layer.deleted"
	EventLayerVisibility  = "layer.visibility_changed"
	EventLayerLockChanged = "layer.lock_changed"
	EventObjectAdded      = "object.added"
	EventObjectMoved      = "object.moved"
	EventObjectRemoved    = "object.removed"
)

// ArtboardCreated is the payload of EventArtboardCreated.
type ArtboardCreated struct {
	ArtboardID string `json:"artboardId"`
	Name       string `json:"name"`
}

// LayerCreated is the payload of EventLayerCreated. An empty ArtboardID targets
// the default artboard, which is created on demand.
type LayerCreated struct {
	ArtboardID string `json:"artboardId,omitempty"`
	LayerID    string `json:"layerId"`
	Name       string `json:"name"`
	Index      *int   `json:"index,omitempty"`
}

// LayerRenamed is the payload of EventLayerRenamed.
type LayerRenamed struct {
	LayerID string `json:"layerId"`
	Name    string `json:"name"`
}

// LayerDeleted is the payload of EventLayerDeleted.
type LayerDeleted struct {
	LayerID string `json:"layerId"`
}

// LayerVisibilityChanged is the payload of EventLayerVisibility.
type LayerVisibilityChanged struct {
	LayerID string `json:"layerId"`
	Hidden  bool   `json:"hidden"`
}

// LayerLockChanged is the payload of EventLayerLockChanged.
type LayerLockChanged struct {
	LayerID string `json:"layerId"`
	Locked  bool   `json:"locked"`
}

// ObjectAdded is the payload of EventObjectAdded.
type ObjectAdded struct {
	LayerID string `json:"layerId"`
	Object  Object `json:"object"`
}

// ObjectMoved is the payload of EventObjectMoved, the high-frequency drag event.
type ObjectMoved struct {
	LayerID  string  `json:"layerId"`
	ObjectID string  `json:"objectId"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// ObjectRemoved is the payload of EventObjectRemoved.
type ObjectRemoved struct {
	LayerID  string `json:"layerId"`
	ObjectID string `json:"objectId"`
}

// MarshalPayload encodes an event payload for the event log.
func MarshalPayload(payload any) (json.RawMessage, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return encoded, nil
}

func builtinHandlers() map[string]Handler {
	return map[string]Handler{
		EventArtboardCreated:  applyArtboardCreated,
		EventLayerCreated:     applyLayerCreated,
		EventLayerRenamed:     applyLayerRenamed,
		EventLayerDeleted:     applyLayerDeleted,
		EventLayerVisibility:  applyLayerVisibility,
		EventLayerLockChanged: applyLayerLockChanged,
		EventObjectAdded:      applyObjectAdded,
		EventObjectMoved:      applyObjectMoved,
		EventObjectRemoved:    applyObjectRemoved,
	}
}

func applyArtboardCreated(state State, raw json.RawMessage) (State, error) {
	var payload ArtboardCreated
	if err := decodePayload(raw, &payload); err != nil {
		return state, err
	}
	if err := requireField("artboardId", payload.ArtboardID); err != nil {
		return state, err
	}
	if artboardIndex(state, payload.ArtboardID) >= 0 {
		return state, fmt.Errorf("%w: artboard %s", ErrDuplicateID, payload.ArtboardID)
	}
	artboards := cloneArtboards(state.Artboards)
	state.Artboards = append(artboards, Artboard{ID: payload.ArtboardID, Name: payload.Name})
	return state, nil
}

func applyLayerCreated(state State, raw json.RawMessage) (State, error) {
	var payload LayerCreated
	if err := decodePayload(raw, &payload); err != nil {
		return state, err
	}
	if err := requireField("layerId", payload.LayerID); err != nil {
		return state, err
	}
	if _, exists := state.FindLayer(payload.LayerID); exists {
		return state, fmt.Errorf("%w: layer %s", ErrDuplicateID, payload.LayerID)
	}

	artboardID := payload.ArtboardID
	if artboardID == "" {
		artboardID = DefaultArtboardID
	}
	artboards := cloneArtboards(state.Artboards)
	target := artboardIndex(state, artboardID)
	if target < 0 {
		if artboardID != DefaultArtboardID {
			return state, fmt.Errorf("%w: artboard %s", ErrUnknownTarget, artboardID)
		}
		artboards = append(artboards, Artboard{ID: DefaultArtboardID, Name: defaultArtboardName})
		target = len(artboards) - 1
	}

	existing := artboards[target].Layers
	position := len(existing)
	if payload.Index != nil && *payload.Index >= 0 && *payload.Index < len(existing) {
		position = *payload.Index
	}
	layers := make([]Layer, 0, len(existing)+1)
	layers = append(layers, existing[:position]...)
	layers = append(layers, Layer{ID: payload.LayerID, Name: payload.Name})
	layers = append(layers, existing[position:]...)
	artboards[target].Layers = layers
	state.Artboards = artboards
	return state, nil
}

func applyLayerRenamed(state State, raw json.RawMessage) (State, error) {
	var payload LayerRenamed
	if err := decodePayload(raw, &payload); err != nil {
		return state, err
	}
	if err := requireField("layerId", payload.LayerID); err != nil {
		return state, err
	}
	return updateLayer(state, payload.LayerID, func(layer Layer) (Layer, error) {
		layer.Name = payload.Name
		return layer, nil
	})
}

func applyLayerDeleted(state State, raw json.RawMessage) (State, error) {
	var payload LayerDeleted
	if err := decodePayload(raw, &payload); err != nil {
		return state, err
	}
	if err := requireField("layerId", payload.LayerID); err != nil {
		return state, err
	}
	for artboardIdx, artboard := range state.Artboards {
		for layerIdx, layer := range artboard.Layers {
			if layer.ID != payload.LayerID {
				continue
			}
			artboards := cloneArtboards(state.Artboards)
			layers := make([]Layer, 0, len(artboard.Layers)-1)
			layers = append(layers, artboard.Layers[:layerIdx]...)
			layers = append(layers, artboard.Layers[layerIdx+1:]...)
			artboards[artboardIdx].Layers = layers
			state.Artboards = artboards
			return state, nil
		}
	}
	return state, fmt.Errorf("%w: layer %s", ErrUnknownTarget, payload.LayerID)
}

func applyLayerVisibility(state State, raw json.RawMessage) (State, error) {
	var payload LayerVisibilityChanged
	if err := decodePayload(raw, &payload); err != nil {
		return state, err
	}
	if err := requireField("layerId", payload.LayerID); err != nil {
		return state, err
	}
	return updateLayer(state, payload.LayerID, func(layer Layer) (Layer, error) {
		layer.Hidden = payload.Hidden
		return layer, nil
	})
}

func applyLayerLockChanged(state State, raw json.RawMessage) (State, error) {
	var payload LayerLockChanged
	if err := decodePayload(raw, &payload); err != nil {
		return state, err
	}
	if err := requireField("layerId", payload.LayerID); err != nil {
		return state, err
	}
	return updateLayer(state, payload.LayerID, func(layer Layer) (Layer, error) {
		layer.Locked = payload.Locked
		return layer, nil
	})
}

func applyObjectAdded(state State, raw json.RawMessage) (State, error) {
	var payload ObjectAdded
	if err := decodePayload(raw, &payload); err != nil {
		return state, err
	}
	if err := requireField("layerId", payload.LayerID); err != nil {
		return state, err
	}
	if err := requireField("object.id", payload.Object.ID); err != nil {
		return state, err
	}
	return updateLayer(state, payload.LayerID, func(layer Layer) (Layer, error) {
		if objectIndex(layer, payload.Object.ID) >= 0 {
			return layer, fmt.Errorf("%w: object %s", ErrDuplicateID, payload.Object.ID)
		}
		objects := cloneObjects(layer.Objects)
		layer.Objects = append(objects, payload.Object)
		return layer, nil
	})
}

func applyObjectMoved(state State, raw json.RawMessage) (State, error) {
	var payload ObjectMoved
	if err := decodePayload(raw, &payload); err != nil {
		return state, err
	}
	if err := requireField("layerId", payload.LayerID); err != nil {
		return state, err
	}
	return updateLayer(state, payload.LayerID, func(layer Layer) (Layer, error) {
		index := objectIndex(layer, payload.ObjectID)
		if index < 0 {
			return layer, fmt.Errorf("%w: object %s", ErrUnknownTarget, payload.ObjectID)
		}
		objects := cloneObjects(layer.Objects)
		objects[index].X = payload.X
		objects[index].Y = payload.Y
		layer.Objects = objects
		return layer, nil
	})
}

func applyObjectRemoved(state State, raw json.RawMessage) (State, error) {
	var payload ObjectRemoved
	if err := decodePayload(raw, &payload); err != nil {
		return state, err
	}
	if err := requireField("layerId", payload.LayerID); err != nil {
		return state, err
	}
	return updateLayer(state, payload.LayerID, func(layer Layer) (Layer, error) {
		index := objectIndex(layer, payload.ObjectID)
		if index < 0 {
			return layer, fmt.Errorf("%w: object %s", ErrUnknownTarget, payload.ObjectID)
		}
		objects := make([]Object, 0, len(layer.Objects)-1)
		objects = append(objects, layer.Objects[:index]...)
		objects = append(objects, layer.Objects[index+1:]...)
		layer.Objects = objects
		return layer, nil
	})
}
