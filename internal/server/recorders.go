package server

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/document"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/engine"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/recorder"
	"go.uber.org/zap"
)

// RecorderOptions tune the live recorders the server creates per document and user.
type RecorderOptions struct {
	Interval  time.Duration
	QueueSize int
}

type recorderKey struct {
	documentID document.ID
	userID     string
}

type liveRecorder struct {
	recorder *recorder.Recorder
	detach   func()
}

// recorderPool lazily creates one recorder per document and user and attaches
// it to the engine so loads pause it.
type recorderPool struct {
	engine  *engine.Engine
	options RecorderOptions
	logger  *zap.Logger
	clock   func() time.Time

	mu      sync.Mutex
	entries map[recorderKey]liveRecorder
	closed  bool
}

func newRecorderPool(documentEngine *engine.Engine, options RecorderOptions, logger *zap.Logger, clock func() time.Time) *recorderPool {
	return &recorderPool{
		engine:  documentEngine,
		options: options,
		logger:  logger,
		clock:   clock,
		entries: make(map[recorderKey]liveRecorder),
	}
}

func (p *recorderPool) get(documentID document.ID, userID string) (*recorder.Recorder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, recorder.ErrClosed
	}
	key := recorderKey{documentID: documentID, userID: userID}
	if entry, ok := p.entries[key]; ok {
		return entry.recorder, nil
	}
	live, err := recorder.New(recorder.Config{
		DocumentID: documentID,
		Appender:   p.engine,
		Interval:   p.options.Interval,
		QueueSize:  p.options.QueueSize,
		UserID:     userID,
		Logger:     p.logger,
		Clock:      p.clock,
	})
	if err != nil {
		return nil, err
	}
	p.entries[key] = liveRecorder{recorder: live, detach: p.engine.Attach(documentID, live)}
	return live, nil
}

// lookup returns an existing recorder without creating one.
func (p *recorderPool) lookup(documentID document.ID, userID string) (*recorder.Recorder, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[recorderKey{documentID: documentID, userID: userID}]
	return entry.recorder, ok
}

func (p *recorderPool) close() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[recorderKey]liveRecorder)
	p.closed = true
	p.mu.Unlock()

	for _, entry := range entries {
		entry.detach()
		entry.recorder.Close()
	}
}
