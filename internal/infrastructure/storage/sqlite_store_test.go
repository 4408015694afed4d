package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"bibharvest/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func sampleRecord(id string, orgs ...string) domain.NormalizedRecord {
	return domain.NormalizedRecord{
		RawRecord: domain.RawRecord{
			ID:          id,
			Slug:        id,
			Title:       "Title " + id,
			Description: "Description",
			Attributions: []domain.Attribution{
				{Name: "A. Author", Affiliation: "Georgia State University", IsAuthor: true},
			},
			Collections: []domain.CollectionRef{{Slug: "gsu1c"}},
			DownloadURL: "https://cdn.example.org/" + id + ".pdf",
			CreatedAt:   time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC),
		},
		Match: domain.AffiliationMatch{
			Organizations: orgs,
			Method:        domain.MethodAffiliationText,
			Confidence:    0.9,
		},
		ProcessedAt: time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSaveAndCounts(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, sampleRecord("alpha", "gsu")); err != nil {
		t.Fatalf("save alpha: %v", err)
	}
	if err := store.Save(ctx, sampleRecord("beta", "gsu", "sfu")); err != nil {
		t.Fatalf("save beta: %v", err)
	}

	counts, err := store.CountsByOrganization(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["gsu"] != 2 || counts["sfu"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestSaveOverwritesPriorRecord(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, sampleRecord("alpha", "gsu")); err != nil {
		t.Fatalf("first save: %v", err)
	}

	updated := sampleRecord("alpha", "sfu")
	updated.Title = "Updated Title"
	updated.Match.Method = domain.MethodCollectionMembership
	updated.Match.Confidence = 0.8
	if err := store.Save(ctx, updated); err != nil {
		t.Fatalf("second save: %v", err)
	}

	counts, err := store.CountsByOrganization(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["gsu"] != 0 {
		t.Fatalf("stale organization link survived: %v", counts)
	}
	if counts["sfu"] != 1 {
		t.Fatalf("expected rewritten link, got %v", counts)
	}
}

func TestUnclassifiedBucket(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := context.Background()

	unmatched := sampleRecord("mystery")
	unmatched.Match = domain.AffiliationMatch{}
	if err := store.Save(ctx, unmatched); err != nil {
		t.Fatalf("save unmatched: %v", err)
	}
	if err := store.Save(ctx, sampleRecord("alpha", "gsu")); err != nil {
		t.Fatalf("save matched: %v", err)
	}

	n, err := store.CountUnclassified(ctx)
	if err != nil {
		t.Fatalf("unclassified: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 unclassified record, got %d", n)
	}
}

func TestPendingAttachmentsLifecycle(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := context.Background()

	withLink := sampleRecord("alpha", "gsu")
	noLink := sampleRecord("beta", "gsu")
	noLink.DownloadURL = ""
	if err := store.Save(ctx, withLink); err != nil {
		t.Fatalf("save alpha: %v", err)
	}
	if err := store.Save(ctx, noLink); err != nil {
		t.Fatalf("save beta: %v", err)
	}

	pending, err := store.PendingAttachments(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "alpha" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}

	if err := store.SetAttachment(ctx, "alpha", "/data/alpha.pdf", 1234); err != nil {
		t.Fatalf("set attachment: %v", err)
	}

	pending, err = store.PendingAttachments(ctx)
	if err != nil {
		t.Fatalf("pending after set: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("attachment still pending: %+v", pending)
	}
}
