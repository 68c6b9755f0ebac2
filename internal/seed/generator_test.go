package seed

import (
	"testing"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/document"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIsDeterministic(t *testing.T) {
	first, err := Generate(Options{Events: 500, Seed: 42})
	require.NoError(t, err)
	second, err := Generate(Options{Events: 500, Seed: 42})
	require.NoError(t, err)
	other, err := Generate(Options{Events: 500, Seed: 7})
	require.NoError(t, err)

	require.Len(t, first, 500)
	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
}

func TestGeneratedEventsReplayCleanly(t *testing.T) {
	events, err := Generate(Options{Events: 2000, Seed: 1, UserID: "seeder"})
	require.NoError(t, err)

	registry := document.DefaultRegistry()
	state := document.NewState()
	for index, event := range events {
		state, err = registry.Apply(state, event.Type, event.Payload)
		require.NoErrorf(t, err, "event %d (%s) failed to apply", index, event.Type)
		assert.Equal(t, "seeder", event.UserID)
	}
	assert.Positive(t, state.LayerCount())
}

func TestDragGesturesShareUndoGroups(t *testing.T) {
	events, err := Generate(Options{Events: 1000, Seed: 3})
	require.NoError(t, err)

	open := ""
	groups := 0
	for index, event := range events {
		if event.Type != document.EventObjectMoved {
			assert.Emptyf(t, event.UndoGroupID, "event %d outside a drag must not carry a group", index)
			continue
		}
		require.NotEmpty(t, event.UndoGroupID)
		if event.UndoGroupStart {
			assert.Emptyf(t, open, "group opened at %d while another is open", index)
			open = event.UndoGroupID
			groups++
		}
		assert.Equal(t, open, event.UndoGroupID)
		if event.UndoGroupEnd {
			open = ""
		}
	}
	assert.Positive(t, groups)
}

func TestGenerateTimestampsAdvance(t *testing.T) {
	events, err := Generate(Options{Events: 10, Seed: 9})
	require.NoError(t, err)
	for index := 1; index < len(events); index++ {
		assert.Equal(t, events[index-1].TimestampMs+16, events[index].TimestampMs)
	}
}

func TestGenerateRejectsNonPositiveCount(t *testing.T) {
	_, err := Generate(Options{Events: 0})
	assert.ErrorIs(t, err, errNonPositiveEvents)
}
