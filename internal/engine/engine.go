// Package engine orchestrates transactional saves and version-gated,
// coalesced loads over the event log and snapshot store.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/codec"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/database"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/document"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/faults"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/replay"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/snapshots"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/store"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	opEngineNew  = "engine.new"
	opSave       = "engine.save"
	opLoad       = "engine.load"
	opAppend     = "engine.append_event"
	opEvents     = "engine.events"
	opReplayTo   = "engine.replay_to"
	opCompact    = "engine.compact"
	opCheckpoint = "engine.checkpoint"

	fieldDocumentID = "document_id"
)

var errMissingDatabase = errors.New("database handle is required")

// Pausable is a live producer that must stop feeding the log while a
// document is being loaded or replayed.
type Pausable interface {
	Pause()
	Resume()
}

// CheckpointFunc forces the store's write-ahead log into the main file.
type CheckpointFunc func(ctx context.Context, db *gorm.DB) error

// Config wires an Engine.
type Config struct {
	Database          *gorm.DB
	Registry          *document.Registry
	SnapshotFrequency uint64
	Codec             codec.Options
	Collector         telemetry.Collector
	Logger            *zap.Logger
	Clock             func() time.Time
	// Checkpoint defaults to database.Checkpoint.
	Checkpoint CheckpointFunc
}

// Engine is safe for concurrent use. Writes to one document are serialized;
// reads of one document run concurrently with each other but not with writes.
type Engine struct {
	db         *gorm.DB
	store      *store.Store
	codec      *codec.Codec
	snapshots  *snapshots.Manager
	replayer   *replay.Replayer
	registry   *document.Registry
	collector  telemetry.Collector
	logger     *zap.Logger
	clock      func() time.Time
	checkpoint CheckpointFunc

	loads singleflight.Group

	locksMu sync.Mutex
	locks   map[document.ID]*sync.RWMutex

	producersMu sync.Mutex
	producers   map[document.ID]map[int]Pausable
	nextHandle  int
}

// New constructs an Engine over an already migrated database.
func New(cfg Config) (*Engine, error) {
	if cfg.Database == nil {
		return nil, faults.IO(opEngineNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	collector := cfg.Collector
	if collector == nil {
		collector = telemetry.Nop{}
	}
	registry := cfg.Registry
	if registry == nil {
		registry = document.DefaultRegistry()
	}
	checkpoint := cfg.Checkpoint
	if checkpoint == nil {
		checkpoint = database.Checkpoint
	}

	persistence, err := store.New(store.Config{Database: cfg.Database, Clock: clock, Logger: logger})
	if err != nil {
		return nil, err
	}
	encoder, err := codec.New(cfg.Codec)
	if err != nil {
		return nil, faults.Validation(opEngineNew, "invalid_codec_options", err)
	}
	manager, err := snapshots.New(snapshots.Config{
		Store:     persistence,
		Codec:     encoder,
		Frequency: cfg.SnapshotFrequency,
		Collector: collector,
		Logger:    logger,
		Clock:     clock,
	})
	if err != nil {
		return nil, err
	}
	replayer, err := replay.New(replay.Config{
		Store:     persistence,
		Codec:     encoder,
		Registry:  registry,
		Collector: collector,
		Logger:    logger,
		Clock:     clock,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		db:         cfg.Database,
		store:      persistence,
		codec:      encoder,
		snapshots:  manager,
		replayer:   replayer,
		registry:   registry,
		collector:  collector,
		logger:     logger,
		clock:      clock,
		checkpoint: checkpoint,
		locks:      make(map[document.ID]*sync.RWMutex),
		producers:  make(map[document.ID]map[int]Pausable),
	}, nil
}

// Store exposes the underlying persistence views.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Snapshots exposes the snapshot policy.
func (e *Engine) Snapshots() *snapshots.Manager {
	return e.snapshots
}

// Attach registers a live producer for documentID. Loads and replays of the
// document pause it for their duration. The returned function detaches it.
func (e *Engine) Attach(documentID document.ID, producer Pausable) (detach func()) {
	e.producersMu.Lock()
	defer e.producersMu.Unlock()
	handle := e.nextHandle
	e.nextHandle++
	if e.producers[documentID] == nil {
		e.producers[documentID] = make(map[int]Pausable)
	}
	e.producers[documentID][handle] = producer

	var once sync.Once
	return func() {
		once.Do(func() {
			e.producersMu.Lock()
			defer e.producersMu.Unlock()
			delete(e.producers[documentID], handle)
			if len(e.producers[documentID]) == 0 {
				delete(e.producers, documentID)
			}
		})
	}
}

// pauseProducers pauses every producer attached to documentID and returns a
// function resuming them.
func (e *Engine) pauseProducers(documentID document.ID) (resume func()) {
	e.producersMu.Lock()
	paused := make([]Pausable, 0, len(e.producers[documentID]))
	for _, producer := range e.producers[documentID] {
		paused = append(paused, producer)
	}
	e.producersMu.Unlock()

	for _, producer := range paused {
		producer.Pause()
	}
	return func() {
		for _, producer := range paused {
			producer.Resume()
		}
	}
}

func (e *Engine) documentLock(documentID document.ID) *sync.RWMutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	lock, ok := e.locks[documentID]
	if !ok {
		lock = &sync.RWMutex{}
		e.locks[documentID] = lock
	}
	return lock
}

// AppendEvent appends one live event. A snapshot is written in the same
// transaction when the assigned sequence hits the snapshot policy.
func (e *Engine) AppendEvent(ctx context.Context, documentID document.ID, event store.NewEvent) (uint64, error) {
	lock := e.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	var sequence uint64
	var reports pendingReports
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		metadata, err := e.store.WithTx(tx).Metadata().Get(ctx, documentID)
		if err != nil {
			return err
		}
		if err := checkVersion(opAppend, metadata.FormatVersion); err != nil {
			return err
		}
		assigned, err := e.store.WithTx(tx).Events().Append(ctx, documentID, event)
		if err != nil {
			return err
		}
		sequence = assigned
		reports, err = e.writeDueSnapshots(ctx, tx, documentID, []uint64{assigned}, nil)
		return err
	})
	if err != nil {
		return 0, faults.Ensure(opAppend, err)
	}
	e.deliver(documentID, reports)
	return sequence, nil
}

// Events returns logged events in [fromSequence, toSequence].
func (e *Engine) Events(ctx context.Context, documentID document.ID, fromSequence uint64, toSequence *uint64) ([]store.EventRecord, error) {
	lock := e.documentLock(documentID)
	lock.RLock()
	defer lock.RUnlock()

	if _, err := e.store.Metadata().Get(ctx, documentID); err != nil {
		return nil, err
	}
	events, err := e.store.Events().Read(ctx, documentID, fromSequence, toSequence)
	return events, faults.Ensure(opEvents, err)
}

// ReplayTo reconstructs the state as of maxSequence without coalescing.
func (e *Engine) ReplayTo(ctx context.Context, documentID document.ID, maxSequence uint64) (replay.Result, error) {
	resume := e.pauseProducers(documentID)
	defer resume()
	lock := e.documentLock(documentID)
	lock.RLock()
	defer lock.RUnlock()

	if _, err := e.gate(ctx, opReplayTo, documentID); err != nil {
		return replay.Result{}, err
	}
	result, err := e.replayer.Replay(ctx, documentID, replay.Options{
		MaxSequence: &maxSequence,
		Migrate:     (&migration{}).apply,
	})
	return result, faults.Ensure(opReplayTo, err)
}

// Compact keeps the newest keep snapshots and prunes the events they cover.
func (e *Engine) Compact(ctx context.Context, documentID document.ID, keep int) (snapshots.CompactResult, error) {
	lock := e.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := e.store.Metadata().Get(ctx, documentID); err != nil {
		return snapshots.CompactResult{}, err
	}
	result, err := e.snapshots.Compact(ctx, documentID, keep)
	return result, faults.Ensure(opCompact, err)
}

// Checkpoint flushes the write-ahead log into the main database file.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if err := e.checkpoint(ctx, e.db); err != nil {
		e.logger.Error("durability checkpoint failed",
			zap.String("operation", opCheckpoint),
			zap.Error(err))
		return faults.IO(opCheckpoint, faults.ReasonStoreFailure, err)
	}
	return nil
}

// pendingReports holds telemetry produced inside a transaction until it commits.
type pendingReports struct {
	snapshots []snapshots.Result
	replays   []replay.Result
}

func (e *Engine) deliver(documentID document.ID, reports pendingReports) {
	for _, replayed := range reports.replays {
		e.replayer.Report(documentID, replayed)
	}
	for _, written := range reports.snapshots {
		e.snapshots.Report(written)
	}
}

// writeDueSnapshots snapshots every sequence the policy selects. latest, when
// set, is the state after the last sequence; other states are replayed inside tx.
func (e *Engine) writeDueSnapshots(ctx context.Context, tx *gorm.DB, documentID document.ID, sequences []uint64, latest *document.State) (pendingReports, error) {
	var reports pendingReports
	manager := e.snapshots.WithTx(tx)
	for index, sequence := range sequences {
		if !manager.ShouldSnapshot(sequence) {
			continue
		}
		var state document.State
		if latest != nil && index == len(sequences)-1 {
			state = *latest
		} else {
			bound := sequence
			replayed, err := e.replayer.WithTx(tx).Replay(ctx, documentID, replay.Options{MaxSequence: &bound, Migrate: (&migration{}).apply})
			if err != nil {
				return pendingReports{}, err
			}
			reports.replays = append(reports.replays, replayed)
			state = replayed.State
		}
		state.SchemaVersion = document.CurrentFormatVersion
		result, err := manager.Write(ctx, documentID, sequence, state)
		if err != nil {
			return pendingReports{}, err
		}
		reports.snapshots = append(reports.snapshots, result)
	}
	return reports, nil
}

// gate applies the metadata and format version checks shared by loads and replays.
func (e *Engine) gate(ctx context.Context, operation string, documentID document.ID) (store.MetadataRecord, error) {
	if !e.store.Metadata().HasRelation(ctx) {
		err := faults.Corruption(operation, faults.ReasonMetadataMissing, errors.New("metadata relation is missing"))
		e.logger.Error("metadata relation missing",
			zap.String("operation", operation),
			zap.String(fieldDocumentID, documentID.String()))
		return store.MetadataRecord{}, err
	}
	metadata, err := e.store.Metadata().Get(ctx, documentID)
	if err != nil {
		return store.MetadataRecord{}, err
	}
	if err := checkVersion(operation, metadata.FormatVersion); err != nil {
		return store.MetadataRecord{}, err
	}
	return metadata, nil
}

func checkVersion(operation string, formatVersion int) error {
	if formatVersion > document.CurrentFormatVersion {
		return faults.Validation(operation, faults.ReasonUnsupportedVersion, &faults.VersionError{
			Found:     formatVersion,
			Supported: document.CurrentFormatVersion,
		})
	}
	return nil
}

// migration upgrades snapshot payloads before replay and remembers whether
// any payload needed it.
type migration struct {
	applied bool
}

func (m *migration) apply(payload []byte) ([]byte, error) {
	upgraded, changed, err := document.Upgrade(payload)
	if err != nil {
		return nil, err
	}
	if changed {
		m.applied = true
	}
	return upgraded, nil
}
