package store

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/codec"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/document"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/faults"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "store.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func mustStore(testContext *testing.T, db *gorm.DB) *Store {
	testContext.Helper()
	store, err := New(Config{
		Database: db,
		Clock:    func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	return store
}

func mustDocument(testContext *testing.T, store *Store, rawID string) document.ID {
	testContext.Helper()
	documentID, err := document.NewID(rawID)
	if err != nil {
		testContext.Fatalf("unexpected document id error: %v", err)
	}
	if _, _, err := store.Metadata().Upsert(context.Background(), documentID, MetadataUpdate{Title: "Sketch", FormatVersion: document.CurrentFormatVersion}); err != nil {
		testContext.Fatalf("failed to create metadata: %v", err)
	}
	return documentID
}

func testEvents(count int) []NewEvent {
	events := make([]NewEvent, 0, count)
	for index := 0; index < count; index++ {
		payload, _ := json.Marshal(map[string]int{"index": index})
		events = append(events, NewEvent{Type: "test.event", Payload: payload})
	}
	return events
}

func TestAppendBatchAssignsContiguousSequences(testContext *testing.T) {
	store := mustStore(testContext, mustDatabase(testContext))
	documentID := mustDocument(testContext, store, "doc-contiguous")
	ctx := context.Background()

	first, err := store.Events().AppendBatch(ctx, documentID, testEvents(3))
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	second, err := store.Events().AppendBatch(ctx, documentID, testEvents(2))
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	single, err := store.Events().Append(ctx, documentID, NewEvent{Type: "test.event", Payload: json.RawMessage(`{}`)})
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}

	assigned := append(append(first, second...), single)
	for index, sequence := range assigned {
		if sequence != uint64(index) {
			testContext.Fatalf("expected sequence %d, got %d", index, sequence)
		}
	}

	records, err := store.Events().Read(ctx, documentID, 0, nil)
	if err != nil {
		testContext.Fatalf("read failed: %v", err)
	}
	if len(records) != 6 {
		testContext.Fatalf("expected 6 events, got %d", len(records))
	}
	for index, record := range records {
		if record.Sequence != uint64(index) {
			testContext.Fatalf("expected ascending contiguous sequences, got %d at %d", record.Sequence, index)
		}
		if record.TimestampMs != 1_700_000_000_000 {
			testContext.Fatalf("expected clock timestamp, got %d", record.TimestampMs)
		}
	}
}

func TestSequencesArePerDocument(testContext *testing.T) {
	store := mustStore(testContext, mustDatabase(testContext))
	firstDocument := mustDocument(testContext, store, "doc-a")
	secondDocument := mustDocument(testContext, store, "doc-b")
	ctx := context.Background()

	if _, err := store.Events().AppendBatch(ctx, firstDocument, testEvents(4)); err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	sequences, err := store.Events().AppendBatch(ctx, secondDocument, testEvents(2))
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	if sequences[0] != 0 || sequences[1] != 1 {
		testContext.Fatalf("expected second document to start at zero, got %v", sequences)
	}
}

func TestAppendBatchRollsBackOnMidBatchFailure(testContext *testing.T) {
	db := mustDatabase(testContext)
	store := mustStore(testContext, db)
	documentID := mustDocument(testContext, store, "doc-rollback")
	ctx := context.Background()

	if _, err := store.Events().AppendBatch(ctx, documentID, testEvents(2)); err != nil {
		testContext.Fatalf("append failed: %v", err)
	}

	injected := errors.New("injected insert failure")
	eventInserts := 0
	err := db.Callback().Create().Before("gorm:create").Register("test:fail_third_event", func(tx *gorm.DB) {
		if tx.Statement.Schema == nil || tx.Statement.Schema.Table != "events" {
			return
		}
		eventInserts++
		if eventInserts == 3 {
			_ = tx.AddError(injected)
		}
	})
	if err != nil {
		testContext.Fatalf("failed to register callback: %v", err)
	}

	_, appendErr := store.Events().AppendBatch(ctx, documentID, testEvents(5))
	if !errors.Is(appendErr, faults.ErrIO) || !errors.Is(appendErr, injected) {
		testContext.Fatalf("expected injected io fault, got %v", appendErr)
	}

	count, err := store.Events().Count(ctx, documentID)
	if err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		testContext.Fatalf("expected only the first batch to survive, got %d events", count)
	}
	maxSequence, found, err := store.Events().MaxSequence(ctx, documentID)
	if err != nil || !found || maxSequence != 1 {
		testContext.Fatalf("expected max sequence 1, got %d (found=%v err=%v)", maxSequence, found, err)
	}
}

func TestAppendBatchRequiresMetadata(testContext *testing.T) {
	store := mustStore(testContext, mustDatabase(testContext))
	ctx := context.Background()
	committed := mustDocument(testContext, store, "doc-committed")
	if _, err := store.Events().AppendBatch(ctx, committed, testEvents(4)); err != nil {
		testContext.Fatalf("append failed: %v", err)
	}

	_, err := store.Events().AppendBatch(ctx, document.ID("doc-missing"), testEvents(3))
	if !errors.Is(err, faults.ErrNotFound) || !faults.HasReason(err, faults.ReasonDocumentNotFound) {
		testContext.Fatalf("expected documentNotFound, got %v", err)
	}
	count, err := store.Events().Count(ctx, document.ID("doc-missing"))
	if err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected no rows inserted, got %d", count)
	}

	committedCount, err := store.Events().Count(ctx, committed)
	if err != nil || committedCount != 4 {
		testContext.Fatalf("expected other document untouched with 4 events, got %d (%v)", committedCount, err)
	}
	maxSequence, found, err := store.Events().MaxSequence(ctx, committed)
	if err != nil || !found || maxSequence != 3 {
		testContext.Fatalf("expected other document max sequence 3, got %d (found=%v err=%v)", maxSequence, found, err)
	}
}

func TestSequentialAppendsAreContiguous(testContext *testing.T) {
	store := mustStore(testContext, mustDatabase(testContext))
	documentID := mustDocument(testContext, store, "doc-sequential")
	ctx := context.Background()

	const appends = 50
	for index := 0; index < appends; index++ {
		sequence, err := store.Events().Append(ctx, documentID, NewEvent{Type: "test.event", Payload: json.RawMessage(`{}`)})
		if err != nil {
			testContext.Fatalf("append %d failed: %v", index, err)
		}
		if sequence != uint64(index) {
			testContext.Fatalf("expected sequence %d, got %d", index, sequence)
		}
	}

	records, err := store.Events().Read(ctx, documentID, 0, nil)
	if err != nil {
		testContext.Fatalf("read failed: %v", err)
	}
	if len(records) != appends {
		testContext.Fatalf("expected %d events, got %d", appends, len(records))
	}
	for index, record := range records {
		if record.Sequence != uint64(index) {
			testContext.Fatalf("expected sequence %d at %d, got %d", index, index, record.Sequence)
		}
	}
}

func TestReadClampsBoundsPastStoredRange(testContext *testing.T) {
	store := mustStore(testContext, mustDatabase(testContext))
	documentID := mustDocument(testContext, store, "doc-bounds")
	ctx := context.Background()
	if _, err := store.Events().AppendBatch(ctx, documentID, testEvents(3)); err != nil {
		testContext.Fatalf("append failed: %v", err)
	}

	beyond, err := store.Events().Read(ctx, documentID, 1<<63, nil)
	if err != nil {
		testContext.Fatalf("read failed: %v", err)
	}
	if len(beyond) != 0 {
		testContext.Fatalf("expected no events past the stored range, got %d", len(beyond))
	}

	upper := uint64(math.MaxUint64)
	all, err := store.Events().Read(ctx, documentID, 1, &upper)
	if err != nil {
		testContext.Fatalf("read failed: %v", err)
	}
	if len(all) != 2 || all[0].Sequence != 1 {
		testContext.Fatalf("expected events 1..2, got %+v", all)
	}

	pruned, err := store.Events().PruneBefore(ctx, documentID, math.MaxUint64)
	if err != nil || pruned != 3 {
		testContext.Fatalf("expected all 3 events pruned, got %d (%v)", pruned, err)
	}
}

func TestMinSequenceTracksPrunedHead(testContext *testing.T) {
	store := mustStore(testContext, mustDatabase(testContext))
	documentID := mustDocument(testContext, store, "doc-min")
	ctx := context.Background()

	if _, found, err := store.Events().MinSequence(ctx, documentID); err != nil || found {
		testContext.Fatalf("expected empty log, got found=%v err=%v", found, err)
	}
	if _, err := store.Events().AppendBatch(ctx, documentID, testEvents(5)); err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	if _, err := store.Events().PruneBefore(ctx, documentID, 3); err != nil {
		testContext.Fatalf("prune failed: %v", err)
	}
	minSequence, found, err := store.Events().MinSequence(ctx, documentID)
	if err != nil || !found || minSequence != 3 {
		testContext.Fatalf("expected min sequence 3, got %d (found=%v err=%v)", minSequence, found, err)
	}
}

func TestAppendBatchRejectsEmptyType(testContext *testing.T) {
	store := mustStore(testContext, mustDatabase(testContext))
	documentID := mustDocument(testContext, store, "doc-empty-type")

	_, err := store.Events().AppendBatch(context.Background(), documentID, []NewEvent{{Type: " "}})
	if !errors.Is(err, faults.ErrValidation) {
		testContext.Fatalf("expected validation fault, got %v", err)
	}
}

func TestReadHonoursInclusiveBounds(testContext *testing.T) {
	store := mustStore(testContext, mustDatabase(testContext))
	documentID := mustDocument(testContext, store, "doc-range")
	ctx := context.Background()
	if _, err := store.Events().AppendBatch(ctx, documentID, testEvents(10)); err != nil {
		testContext.Fatalf("append failed: %v", err)
	}

	upper := uint64(6)
	records, err := store.Events().Read(ctx, documentID, 3, &upper)
	if err != nil {
		testContext.Fatalf("read failed: %v", err)
	}
	if len(records) != 4 || records[0].Sequence != 3 || records[3].Sequence != 6 {
		testContext.Fatalf("unexpected range: %+v", records)
	}

	lower := uint64(2)
	records, err = store.Events().Read(ctx, documentID, 5, &lower)
	if err != nil || len(records) != 0 {
		testContext.Fatalf("expected empty inverted range, got %d (%v)", len(records), err)
	}
}

func TestMaxSequenceOnEmptyLog(testContext *testing.T) {
	store := mustStore(testContext, mustDatabase(testContext))
	documentID := mustDocument(testContext, store, "doc-empty")

	_, found, err := store.Events().MaxSequence(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("max sequence failed: %v", err)
	}
	if found {
		testContext.Fatalf("expected empty log")
	}
}

func TestPruneBeforeKeepsBoundaryEvent(testContext *testing.T) {
	store := mustStore(testContext, mustDatabase(testContext))
	documentID := mustDocument(testContext, store, "doc-prune")
	ctx := context.Background()
	if _, err := store.Events().AppendBatch(ctx, documentID, testEvents(10)); err != nil {
		testContext.Fatalf("append failed: %v", err)
	}

	deleted, err := store.Events().PruneBefore(ctx, documentID, 9)
	if err != nil {
		testContext.Fatalf("prune failed: %v", err)
	}
	if deleted != 9 {
		testContext.Fatalf("expected 9 deleted, got %d", deleted)
	}
	sequence, err := store.Events().Append(ctx, documentID, NewEvent{Type: "test.event"})
	if err != nil {
		testContext.Fatalf("append after prune failed: %v", err)
	}
	if sequence != 10 {
		testContext.Fatalf("expected sequence 10 after prune, got %d", sequence)
	}
}

func TestTransactionRollsBackAcrossRelations(testContext *testing.T) {
	store := mustStore(testContext, mustDatabase(testContext))
	ctx := context.Background()
	documentID := document.ID("doc-tx")
	failure := errors.New("abort")

	err := store.Transaction(ctx, func(tx *Store) error {
		if _, _, err := tx.Metadata().Upsert(ctx, documentID, MetadataUpdate{Title: "draft", FormatVersion: 2}); err != nil {
			return err
		}
		if _, err := tx.Events().AppendBatch(ctx, documentID, testEvents(3)); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		testContext.Fatalf("expected abort error, got %v", err)
	}
	exists, err := store.Metadata().Exists(ctx, documentID)
	if err != nil {
		testContext.Fatalf("exists failed: %v", err)
	}
	if exists {
		testContext.Fatalf("expected metadata insert to roll back")
	}
}

func TestMetadataUpsertPreservesCreationTime(testContext *testing.T) {
	db := mustDatabase(testContext)
	current := time.UnixMilli(1_000)
	store, err := New(Config{Database: db, Clock: func() time.Time { return current }})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	ctx := context.Background()
	documentID := document.ID("doc-meta")

	record, created, err := store.Metadata().Upsert(ctx, documentID, MetadataUpdate{Title: "First", FormatVersion: 1})
	if err != nil || !created {
		testContext.Fatalf("expected insert, got created=%v err=%v", created, err)
	}
	if record.CreatedAtMs != 1_000 || record.ModifiedAtMs != 1_000 {
		testContext.Fatalf("unexpected timestamps: %+v", record)
	}

	current = time.UnixMilli(5_000)
	if _, created, err = store.Metadata().Upsert(ctx, documentID, MetadataUpdate{Title: "Second", FormatVersion: 2}); err != nil || created {
		testContext.Fatalf("expected update, got created=%v err=%v", created, err)
	}
	stored, err := store.Metadata().Get(ctx, documentID)
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if stored.Title != "Second" || stored.FormatVersion != 2 || stored.CreatedAtMs != 1_000 || stored.ModifiedAtMs != 5_000 {
		testContext.Fatalf("unexpected metadata after update: %+v", stored)
	}
}

func TestMetadataGetMissingDocument(testContext *testing.T) {
	store := mustStore(testContext, mustDatabase(testContext))
	_, err := store.Metadata().Get(context.Background(), document.ID("nobody"))
	if !errors.Is(err, faults.ErrNotFound) {
		testContext.Fatalf("expected not found, got %v", err)
	}
}

func TestMetadataHasRelation(testContext *testing.T) {
	db := mustDatabase(testContext)
	store := mustStore(testContext, db)
	ctx := context.Background()
	if !store.Metadata().HasRelation(ctx) {
		testContext.Fatalf("expected metadata relation to exist")
	}
	if err := db.Migrator().DropTable(&Metadata{}); err != nil {
		testContext.Fatalf("drop failed: %v", err)
	}
	if store.Metadata().HasRelation(ctx) {
		testContext.Fatalf("expected metadata relation to be missing")
	}
}

func mustEncoded(testContext *testing.T, payload string) codec.Encoded {
	testContext.Helper()
	encoder, err := codec.New(codec.Options{})
	if err != nil {
		testContext.Fatalf("codec: %v", err)
	}
	encoded, err := encoder.SerializeJSON([]byte(payload))
	if err != nil {
		testContext.Fatalf("serialize: %v", err)
	}
	return encoded
}

func TestSnapshotLatestSelection(testContext *testing.T) {
	store := mustStore(testContext, mustDatabase(testContext))
	documentID := mustDocument(testContext, store, "doc-snapshots")
	ctx := context.Background()

	for _, sequence := range []uint64{1000, 2000, 3000} {
		if _, err := store.Snapshots().Save(ctx, documentID, NewSnapshot{Sequence: sequence, Encoded: mustEncoded(testContext, `{"n":1}`)}); err != nil {
			testContext.Fatalf("save failed: %v", err)
		}
	}
	newest, err := store.Snapshots().Save(ctx, documentID, NewSnapshot{Sequence: 2000, Encoded: mustEncoded(testContext, `{"n":2}`)})
	if err != nil {
		testContext.Fatalf("save failed: %v", err)
	}

	latest, found, err := store.Snapshots().Latest(ctx, documentID, nil)
	if err != nil || !found || latest.Sequence != 3000 {
		testContext.Fatalf("expected latest at 3000, got %+v (found=%v err=%v)", latest, found, err)
	}

	bound := uint64(2500)
	bounded, found, err := store.Snapshots().Latest(ctx, documentID, &bound)
	if err != nil || !found {
		testContext.Fatalf("expected bounded snapshot, found=%v err=%v", found, err)
	}
	if bounded.Sequence != 2000 || bounded.ID != newest.ID {
		testContext.Fatalf("expected newest row at 2000, got %+v", bounded)
	}
	if bounded.Compression != codec.CompressionNone || bounded.CompressedSize != int64(len(`{"n":2}`)) {
		testContext.Fatalf("unexpected snapshot sizes: %+v", bounded)
	}

	tooLow := uint64(999)
	if _, found, err := store.Snapshots().Latest(ctx, documentID, &tooLow); err != nil || found {
		testContext.Fatalf("expected no snapshot below 1000, found=%v err=%v", found, err)
	}

	huge := uint64(math.MaxUint64)
	if unbounded, found, err := store.Snapshots().Latest(ctx, documentID, &huge); err != nil || !found || unbounded.Sequence != 3000 {
		testContext.Fatalf("expected latest at 3000 for an out-of-range bound, got %+v (found=%v err=%v)", unbounded, found, err)
	}
}

func TestSnapshotRetainKeepsNewest(testContext *testing.T) {
	store := mustStore(testContext, mustDatabase(testContext))
	documentID := mustDocument(testContext, store, "doc-retain")
	ctx := context.Background()

	for _, sequence := range []uint64{1000, 2000, 3000, 4000} {
		if _, err := store.Snapshots().Save(ctx, documentID, NewSnapshot{Sequence: sequence, Encoded: mustEncoded(testContext, `{}`)}); err != nil {
			testContext.Fatalf("save failed: %v", err)
		}
	}
	result, err := store.Snapshots().Retain(ctx, documentID, 2)
	if err != nil {
		testContext.Fatalf("retain failed: %v", err)
	}
	if result.Kept != 2 || result.Deleted != 2 || result.OldestKeptSequence != 3000 {
		testContext.Fatalf("unexpected retain result: %+v", result)
	}
	remaining, err := store.Snapshots().List(ctx, documentID)
	if err != nil {
		testContext.Fatalf("list failed: %v", err)
	}
	if len(remaining) != 2 || remaining[0].Sequence != 4000 || remaining[1].Sequence != 3000 {
		testContext.Fatalf("unexpected remaining snapshots: %+v", remaining)
	}
}
