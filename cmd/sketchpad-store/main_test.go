package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
)

func runCommand(t *testing.T, databasePath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--database-path", databasePath, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func mustRun(t *testing.T, databasePath string, args ...string) string {
	t.Helper()
	output, err := runCommand(t, databasePath, args...)
	if err != nil {
		t.Fatalf("%v failed: %v", args, err)
	}
	return output
}

func TestSeedInspectLoadCompact(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "cli.db")

	var seeded seedSummary
	if err := json.Unmarshal([]byte(mustRun(t, databasePath, "seed", "poster", "--events", "2100", "--seed", "5")), &seeded); err != nil {
		t.Fatalf("decode seed output: %v", err)
	}
	if !seeded.Created || seeded.Events != 2100 || seeded.LastSequence != 2099 {
		t.Fatalf("unexpected seed summary: %+v", seeded)
	}
	if len(seeded.SnapshotSequences) != 2 || seeded.SnapshotSequences[0] != 1000 || seeded.SnapshotSequences[1] != 2000 {
		t.Fatalf("expected snapshots at 1000 and 2000, got %v", seeded.SnapshotSequences)
	}

	var inspected inspectSummary
	if err := json.Unmarshal([]byte(mustRun(t, databasePath, "inspect", "poster")), &inspected); err != nil {
		t.Fatalf("decode inspect output: %v", err)
	}
	if inspected.EventCount != 2100 || len(inspected.Snapshots) != 2 || inspected.Snapshots[0].Sequence != 2000 {
		t.Fatalf("unexpected inspect summary: %+v", inspected)
	}
	if inspected.Snapshots[0].Compression != "gzip" || inspected.Snapshots[0].CompressedSize <= 0 {
		t.Fatalf("expected compressed snapshots by default: %+v", inspected.Snapshots[0])
	}

	var loaded loadSummary
	if err := json.Unmarshal([]byte(mustRun(t, databasePath, "load", "poster")), &loaded); err != nil {
		t.Fatalf("decode load output: %v", err)
	}
	if !loaded.Telemetry.SnapshotUsed || loaded.Telemetry.EventsReplayed != 99 || loaded.Layers == 0 {
		t.Fatalf("unexpected load summary: %+v", loaded)
	}

	compacted := mustRun(t, databasePath, "compact", "poster", "--keep", "1")
	if !strings.Contains(compacted, `"EventsPruned": 2000`) {
		t.Fatalf("unexpected compact output: %s", compacted)
	}

	replayed := mustRun(t, databasePath, "replay", "poster")
	if !strings.Contains(replayed, `"schemaVersion": 2`) {
		t.Fatalf("unexpected replay output: %s", replayed)
	}

	if output := mustRun(t, databasePath, "checkpoint"); !strings.Contains(output, "checkpoint complete") {
		t.Fatalf("unexpected checkpoint output: %s", output)
	}
}

func TestLoadUnknownDocumentFails(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "cli.db")
	_, err := runCommand(t, databasePath, "load", "missing")
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected a not-found message, got %v", err)
	}
}
