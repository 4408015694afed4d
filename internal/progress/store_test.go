package progress

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bibharvest/internal/domain"
)

func TestLoadWithoutPriorRun(t *testing.T) {
	t.Parallel()

	store := NewStore(filepath.Join(t.TempDir(), "progress.json"))
	if _, err := store.Load(); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "progress.json")
	store := NewStore(path)

	state := &domain.ProgressState{
		RunID:     "run-1",
		Phase:     domain.PhaseFetchingDetails,
		StartedAt: time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC),
		Total:     200,
		Processed: 50,
		Orgs: map[string]*domain.OrgProgress{
			"gsu": {Cursor: 100, ListingDone: true, Listed: 120, Identifiers: []string{"a", "b"}},
		},
		Done:    map[string]bool{"a": true},
		Breaker: domain.BreakerSnapshot{State: "closed"},
	}
	state.AddError("b", "boom", time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC))

	if err := store.Save(state); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.RunID != "run-1" || loaded.Phase != domain.PhaseFetchingDetails {
		t.Fatalf("unexpected state: %+v", loaded)
	}
	if loaded.Processed != 50 || loaded.Total != 200 {
		t.Fatalf("counts not preserved: %d/%d", loaded.Processed, loaded.Total)
	}
	if !loaded.Done["a"] {
		t.Fatal("done set not preserved")
	}
	if got := loaded.Org("gsu"); got.Cursor != 100 || !got.ListingDone {
		t.Fatalf("org progress not preserved: %+v", got)
	}
	if len(loaded.Errors) != 1 || loaded.Errors[0].RecordID != "b" {
		t.Fatalf("error log not preserved: %+v", loaded.Errors)
	}
	if loaded.LastSaved.IsZero() {
		t.Fatal("LastSaved not stamped")
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "progress.json"))

	if err := store.Save(&domain.ProgressState{RunID: "run-2", Phase: domain.PhaseEnumeratingOrgs}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(&domain.ProgressState{RunID: "run-2", Phase: domain.PhaseEnumeratingRecords}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Phase != domain.PhaseEnumeratingRecords {
		t.Fatalf("latest save not visible: %s", loaded.Phase)
	}
}

func TestLoadRejectsCorruptCheckpoint(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "progress.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	if _, err := NewStore(path).Load(); err == nil || errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("corrupt checkpoint must fail loudly, got %v", err)
	}
}

func TestArchiveKeepsLiveCheckpoint(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "progress.json")
	store := NewStore(path)

	if err := store.Save(&domain.ProgressState{RunID: "run-3", Phase: domain.PhaseComplete}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Archive("run-3"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("live checkpoint must remain: %v", err)
	}
	if _, err := os.Stat(path + ".run-3.archive"); err != nil {
		t.Fatalf("archive copy missing: %v", err)
	}
}
