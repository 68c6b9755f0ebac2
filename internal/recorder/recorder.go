// Package recorder feeds live editing events into the engine without making
// the producer wait on persistence.
package recorder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/document"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/sampler"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/store"
	"go.uber.org/zap"
)

// DefaultQueueSize bounds the events waiting for the worker.
const DefaultQueueSize = 256

const sessionPrefix = "session-"

var (
	// ErrPaused is returned by Record while the document is being loaded or replayed.
	ErrPaused = errors.New("recorder: paused")
	// ErrClosed is returned by Record after Close.
	ErrClosed = errors.New("recorder: closed")

	errMissingAppender = errors.New("recorder: appender is required")
)

// Appender persists one event. engine.Engine satisfies it.
type Appender interface {
	AppendEvent(ctx context.Context, documentID document.ID, event store.NewEvent) (uint64, error)
}

// Config wires a Recorder.
type Config struct {
	DocumentID document.ID
	Appender   Appender
	Interval   time.Duration
	QueueSize  int
	UserID     string
	IDs        document.IDProvider
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Recorder samples events for one document and appends them on a background
// worker. It implements engine.Pausable.
type Recorder struct {
	documentID document.ID
	appender   Appender
	sessionID  string
	userID     string
	logger     *zap.Logger
	clock      func() time.Time
	sampler    *sampler.Sampler
	queue      chan store.NewEvent
	worker     sync.WaitGroup
	dropped    atomic.Int64

	// mu orders every sampler call with pause and close state, so the
	// sampler's emit never sends on a closed queue.
	mu           sync.Mutex
	paused       bool
	flushPending bool
	closed       bool
}

// New starts a Recorder. Close must be called to stop its worker.
func New(cfg Config) (*Recorder, error) {
	if cfg.Appender == nil {
		return nil, errMissingAppender
	}
	documentID, err := document.NewID(cfg.DocumentID.String())
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDs
	if ids == nil {
		ids = document.NewUUIDProvider(sessionPrefix)
	}
	sessionID, err := ids.NewID()
	if err != nil {
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	r := &Recorder{
		documentID: documentID,
		appender:   cfg.Appender,
		sessionID:  sessionID,
		userID:     cfg.UserID,
		logger:     logger.With(zap.String("document_id", documentID.String()), zap.String("session_id", sessionID)),
		clock:      clock,
		queue:      make(chan store.NewEvent, queueSize),
	}
	r.sampler = sampler.New(sampler.Config{Interval: cfg.Interval, Emit: r.enqueue, Clock: clock})

	r.worker.Add(1)
	go r.run()
	return r, nil
}

// SessionID identifies the events this recorder produced.
func (r *Recorder) SessionID() string {
	return r.sessionID
}

// DocumentID returns the document the recorder feeds.
func (r *Recorder) DocumentID() document.ID {
	return r.documentID
}

// Dropped counts events discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Record stamps event with the session, user and time and passes it through
// the sampler. It never blocks on persistence.
func (r *Recorder) Record(event store.NewEvent) (sampler.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return sampler.Buffered, ErrClosed
	}
	if r.paused {
		return sampler.Buffered, ErrPaused
	}
	event.SessionID = r.sessionID
	if event.UserID == "" {
		event.UserID = r.userID
	}
	if event.TimestampMs == 0 {
		event.TimestampMs = r.clock().UnixMilli()
	}
	return r.sampler.Record(event), nil
}

// Flush emits the pending sampled event. While paused the flush is deferred
// to Resume and Flush reports false.
func (r *Recorder) Flush() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if r.paused {
		r.flushPending = true
		return false
	}
	return r.sampler.Flush()
}

// Pause rejects new input until Resume. The pending sampled event is kept.
func (r *Recorder) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
}

// Resume accepts input again and runs a flush requested while paused.
func (r *Recorder) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
	if r.flushPending && !r.closed {
		r.flushPending = false
		r.sampler.Flush()
	}
}

// Close stops accepting events and waits for queued events to be appended.
// An unflushed pending event is discarded.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.worker.Wait()
}

// enqueue is the sampler's emit function; it runs with r.mu held.
func (r *Recorder) enqueue(event store.NewEvent) {
	select {
	case r.queue <- event:
	default:
		r.dropped.Add(1)
		r.logger.Warn("recorder queue full, event dropped",
			zap.String("event_type", event.Type),
			zap.Int("queue_size", cap(r.queue)))
	}
}

func (r *Recorder) run() {
	defer r.worker.Done()
	for event := range r.queue {
		// Fire-and-forget: the producer has already moved on, so a failed
		// append is logged and the event discarded.
		if _, err := r.appender.AppendEvent(context.Background(), r.documentID, event); err != nil {
			r.logger.Error("recorded event not persisted",
				zap.String("operation", "recorder.append"),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
}
