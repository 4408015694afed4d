package resolver

import (
	"log/slog"
	"reflect"
	"testing"

	"bibharvest/internal/domain"
)

func testOrgs() []domain.Organization {
	return []domain.Organization{
		{ID: "gsu", Name: "Georgia State University", Aliases: []string{"Georgia State University", "GSU"}},
		{ID: "sfu", Name: "Simon Fraser University", Aliases: []string{"Simon Fraser University", "SFU"}},
	}
}

func testResolver(dir *Directory) *Resolver {
	policy := CollectionPolicy{
		SlugMap:          map[string]string{"sfu1c": "sfu", "gsu1c": "gsu"},
		ConsortiumSuffix: "1c",
	}
	return Default(slog.New(slog.DiscardHandler), policy, dir)
}

func TestResolveByAffiliationText(t *testing.T) {
	t.Parallel()

	record := domain.RawRecord{
		ID: "rec-1",
		Attributions: []domain.Attribution{
			{Name: "A. Author", Affiliation: "Georgia State University, Evidence-Based Cybersecurity Research Group", IsAuthor: true},
		},
	}

	match := testResolver(NewDirectory()).Resolve(record, testOrgs())

	if !reflect.DeepEqual(match.Organizations, []string{"gsu"}) {
		t.Fatalf("unexpected organizations: %v", match.Organizations)
	}
	if match.Method != domain.MethodAffiliationText {
		t.Fatalf("unexpected method: %s", match.Method)
	}
	if match.Confidence != 0.9 {
		t.Fatalf("unexpected confidence: %v", match.Confidence)
	}
}

func TestResolveAffiliationTextIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	record := domain.RawRecord{
		ID: "rec-2",
		Attributions: []domain.Attribution{
			{Name: "B. Author", Affiliation: "some university, Department of Criminology"},
		},
	}
	orgs := []domain.Organization{
		{ID: "some", Name: "Some University", Aliases: []string{"Some University"}},
	}

	match := testResolver(NewDirectory()).Resolve(record, orgs)

	if !reflect.DeepEqual(match.Organizations, []string{"some"}) {
		t.Fatalf("unexpected organizations: %v", match.Organizations)
	}
	if match.Method != domain.MethodAffiliationText {
		t.Fatalf("unexpected method: %s", match.Method)
	}
}

func TestResolveByCollectionMembership(t *testing.T) {
	t.Parallel()

	record := domain.RawRecord{
		ID: "rec-3",
		Attributions: []domain.Attribution{
			{Name: "C. Author", Affiliation: ""},
		},
		Collections: []domain.CollectionRef{{Slug: "sfu1c"}},
	}

	match := testResolver(NewDirectory()).Resolve(record, testOrgs())

	if !reflect.DeepEqual(match.Organizations, []string{"sfu"}) {
		t.Fatalf("unexpected organizations: %v", match.Organizations)
	}
	if match.Method != domain.MethodCollectionMembership {
		t.Fatalf("unexpected method: %s", match.Method)
	}
	if match.Confidence != 0.8 {
		t.Fatalf("unexpected confidence: %v", match.Confidence)
	}
}

func TestResolveExcludesUnmappedConsortiumSlugs(t *testing.T) {
	t.Parallel()

	record := domain.RawRecord{
		ID:          "rec-4",
		Collections: []domain.CollectionRef{{Slug: "mystery1c"}},
	}

	match := testResolver(NewDirectory()).Resolve(record, testOrgs())

	if match.Matched() {
		t.Fatalf("unmapped consortium slug must not be guessed, got %v", match.Organizations)
	}
	if match.Confidence != 0 {
		t.Fatalf("expected zero confidence, got %v", match.Confidence)
	}
}

func TestResolveByDirectoryPresence(t *testing.T) {
	t.Parallel()

	dir := NewDirectory()
	dir.Add("gsu", "rec-5", "rec-6")

	record := domain.RawRecord{ID: "rec-5"}
	match := testResolver(dir).Resolve(record, testOrgs())

	if !reflect.DeepEqual(match.Organizations, []string{"gsu"}) {
		t.Fatalf("unexpected organizations: %v", match.Organizations)
	}
	if match.Method != domain.MethodDirectoryPresence {
		t.Fatalf("unexpected method: %s", match.Method)
	}
	if match.Confidence != 0.7 {
		t.Fatalf("unexpected confidence: %v", match.Confidence)
	}
}

func TestResolveHigherConfidenceStrategyWins(t *testing.T) {
	t.Parallel()

	dir := NewDirectory()
	dir.Add("sfu", "rec-7")

	// Affiliation text points at gsu, collection at sfu; text wins.
	record := domain.RawRecord{
		ID: "rec-7",
		Attributions: []domain.Attribution{
			{Name: "D. Author", Affiliation: "GSU Criminology"},
		},
		Collections: []domain.CollectionRef{{Slug: "sfu1c"}},
	}

	match := testResolver(dir).Resolve(record, testOrgs())

	if match.Method != domain.MethodAffiliationText {
		t.Fatalf("expected affiliation-text to take priority, got %s", match.Method)
	}
	if !reflect.DeepEqual(match.Organizations, []string{"gsu"}) {
		t.Fatalf("unexpected organizations: %v", match.Organizations)
	}
}

func TestResolveKeepsAllMatchedOrganizations(t *testing.T) {
	t.Parallel()

	record := domain.RawRecord{
		ID: "rec-8",
		Attributions: []domain.Attribution{
			{Name: "E. Author", Affiliation: "Georgia State University"},
			{Name: "F. Author", Affiliation: "Simon Fraser University"},
			{Name: "G. Author", Affiliation: "GSU"},
		},
	}

	match := testResolver(NewDirectory()).Resolve(record, testOrgs())

	if !reflect.DeepEqual(match.Organizations, []string{"gsu", "sfu"}) {
		t.Fatalf("expected both organizations without duplicates, got %v", match.Organizations)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	t.Parallel()

	record := domain.RawRecord{
		ID: "rec-9",
		Attributions: []domain.Attribution{
			{Name: "H. Author", Affiliation: "Simon Fraser University, School of Criminology"},
		},
		Collections: []domain.CollectionRef{{Slug: "gsu1c"}},
	}

	r := testResolver(NewDirectory())
	first := r.Resolve(record, testOrgs())
	second := r.Resolve(record, testOrgs())

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("resolution not deterministic: %v vs %v", first, second)
	}
}
