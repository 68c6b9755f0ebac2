// Package seed generates deterministic synthetic drawing sessions for load
// testing the store.
package seed

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/document"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/store"
	"github.com/brianvoe/gofakeit/v6"
)

const (
	defaultStepInterval = 16 * time.Millisecond
	maxLayers           = 8
	minDragLength       = 3
	maxDragLength       = 40
	canvasSize          = 2048.0
)

var objectKinds = []string{"rect", "ellipse", "path", "text", "image"}

var errNonPositiveEvents = errors.New("seed: event count must be positive")

// Options tune a generated session.
type Options struct {
	Events int
	Seed   int64
	// Start is the timestamp of the first event; zero selects a fixed epoch.
	Start  time.Time
	Step   time.Duration
	UserID string
}

type shadowLayer struct {
	id      string
	objects []string
}

// generator keeps a shadow of the document so every emitted event applies cleanly.
type generator struct {
	faker   *gofakeit.Faker
	options Options
	events  []store.NewEvent
	layers  []shadowLayer
	nextID  int
	clock   time.Time
}

// Generate returns options.Events events forming a plausible editing session:
// layer setup, object placement, and long drag gestures grouped for undo.
// The same options always produce the same events.
func Generate(options Options) ([]store.NewEvent, error) {
	if options.Events <= 0 {
		return nil, errNonPositiveEvents
	}
	if options.Step <= 0 {
		options.Step = defaultStepInterval
	}
	if options.Start.IsZero() {
		options.Start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	g := &generator{
		faker:   gofakeit.New(options.Seed),
		options: options,
		events:  make([]store.NewEvent, 0, options.Events),
		clock:   options.Start,
	}
	for g.remaining() > 0 {
		if err := g.step(); err != nil {
			return nil, err
		}
	}
	return g.events, nil
}

func (g *generator) remaining() int {
	return g.options.Events - len(g.events)
}

func (g *generator) step() error {
	if len(g.layers) == 0 {
		return g.createLayer()
	}
	if g.objectCount() == 0 {
		return g.addObject()
	}
	roll := g.faker.Number(1, 100)
	switch {
	case roll <= 55:
		return g.drag()
	case roll <= 75:
		return g.addObject()
	case roll <= 82 && len(g.layers) < maxLayers:
		return g.createLayer()
	case roll <= 88:
		return g.renameLayer()
	case roll <= 94:
		return g.toggleVisibility()
	default:
		return g.removeObject()
	}
}

func (g *generator) createLayer() error {
	layerID := g.newID("layer")
	g.layers = append(g.layers, shadowLayer{id: layerID})
	return g.emit(document.EventLayerCreated, document.LayerCreated{
		LayerID: layerID,
		Name:    g.faker.Adjective() + " " + g.faker.Noun(),
	}, "", false, false)
}

func (g *generator) addObject() error {
	layer := g.faker.Number(0, len(g.layers)-1)
	objectID := g.newID("obj")
	g.layers[layer].objects = append(g.layers[layer].objects, objectID)
	return g.emit(document.EventObjectAdded, document.ObjectAdded{
		LayerID: g.layers[layer].id,
		Object: document.Object{
			ID:     objectID,
			Kind:   g.faker.RandomString(objectKinds),
			X:      g.coordinate(),
			Y:      g.coordinate(),
			Width:  g.faker.Float64Range(8, 512),
			Height: g.faker.Float64Range(8, 512),
			Fill:   g.faker.HexColor(),
		},
	}, "", false, false)
}

// drag emits a run of object.moved events sharing one undo group.
func (g *generator) drag() error {
	layer, object := g.pickObject()
	length := g.faker.Number(minDragLength, maxDragLength)
	if length > g.remaining() {
		length = g.remaining()
	}
	groupID := g.faker.UUID()
	x, y := g.coordinate(), g.coordinate()
	for index := 0; index < length; index++ {
		x += g.faker.Float64Range(-12, 12)
		y += g.faker.Float64Range(-12, 12)
		err := g.emit(document.EventObjectMoved, document.ObjectMoved{
			LayerID:  g.layers[layer].id,
			ObjectID: object,
			X:        x,
			Y:        y,
		}, groupID, index == 0, index == length-1)
		if err != nil {
			return err
		}
	}
	return nil
}

func (g *generator) renameLayer() error {
	layer := g.faker.Number(0, len(g.layers)-1)
	return g.emit(document.EventLayerRenamed, document.LayerRenamed{
		LayerID: g.layers[layer].id,
		Name:    g.faker.Adjective() + " " + g.faker.Noun(),
	}, "", false, false)
}

func (g *generator) toggleVisibility() error {
	layer := g.faker.Number(0, len(g.layers)-1)
	return g.emit(document.EventLayerVisibility, document.LayerVisibilityChanged{
		LayerID: g.layers[layer].id,
		Hidden:  g.faker.Bool(),
	}, "", false, false)
}

func (g *generator) removeObject() error {
	layer, object := g.pickObject()
	objects := g.layers[layer].objects
	for index, candidate := range objects {
		if candidate == object {
			g.layers[layer].objects = append(objects[:index:index], objects[index+1:]...)
			break
		}
	}
	return g.emit(document.EventObjectRemoved, document.ObjectRemoved{
		LayerID:  g.layers[layer].id,
		ObjectID: object,
	}, "", false, false)
}

func (g *generator) pickObject() (int, string) {
	candidates := make([]int, 0, len(g.layers))
	for index, layer := range g.layers {
		if len(layer.objects) > 0 {
			candidates = append(candidates, index)
		}
	}
	layer := candidates[g.faker.Number(0, len(candidates)-1)]
	objects := g.layers[layer].objects
	return layer, objects[g.faker.Number(0, len(objects)-1)]
}

func (g *generator) objectCount() int {
	total := 0
	for _, layer := range g.layers {
		total += len(layer.objects)
	}
	return total
}

func (g *generator) coordinate() float64 {
	return g.faker.Float64Range(0, canvasSize)
}

func (g *generator) newID(prefix string) string {
	g.nextID++
	return fmt.Sprintf("%s-%d", prefix, g.nextID)
}

func (g *generator) emit(eventType string, payload any, undoGroupID string, groupStart, groupEnd bool) error {
	encoded, err := document.MarshalPayload(payload)
	if err != nil {
		return err
	}
	g.events = append(g.events, store.NewEvent{
		Type:           eventType,
		Payload:        encoded,
		TimestampMs:    g.clock.UnixMilli(),
		UndoGroupID:    undoGroupID,
		UndoGroupStart: groupStart,
		UndoGroupEnd:   groupEnd,
		UserID:         g.options.UserID,
	})
	g.clock = g.clock.Add(g.options.Step)
	return nil
}
