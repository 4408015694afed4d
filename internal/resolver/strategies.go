package resolver

import (
	"strings"
	"sync"

	"bibharvest/internal/domain"
)

// Strategy confidences. All matched organizations are retained; downstream
// consumers decide how to weigh the confidence.
const (
	ConfidenceAffiliationText      = 0.9
	ConfidenceCollectionMembership = 0.8
	ConfidenceDirectoryPresence    = 0.7
)

// AffiliationText matches organization keyword aliases against the
// free-text affiliation of each attribution, case-insensitively.
type AffiliationText struct{}

// Name identifies the strategy.
func (AffiliationText) Name() string { return domain.MethodAffiliationText }

// TryMatch collects every organization whose alias appears in any
// attribution affiliation. Duplicates are removed; configuration order is
// preserved.
func (AffiliationText) TryMatch(record domain.RawRecord, orgs []domain.Organization) (domain.AffiliationMatch, bool) {
	var matched []string
	seen := map[string]bool{}

	for _, org := range orgs {
		if seen[org.ID] {
			continue
		}
		for _, attr := range record.Attributions {
			if attr.Affiliation == "" {
				continue
			}
			affiliation := strings.ToLower(attr.Affiliation)
			for _, alias := range org.Aliases {
				if alias == "" {
					continue
				}
				if strings.Contains(affiliation, strings.ToLower(alias)) {
					matched = append(matched, org.ID)
					seen[org.ID] = true
					break
				}
			}
			if seen[org.ID] {
				break
			}
		}
	}

	if len(matched) == 0 {
		return domain.AffiliationMatch{}, false
	}
	return domain.AffiliationMatch{
		Organizations: matched,
		Method:        domain.MethodAffiliationText,
		Confidence:    ConfidenceAffiliationText,
	}, true
}

// CollectionPolicy maps raw collection slugs onto organizations. Slugs that
// match the consortium suffix but carry no explicit mapping are excluded
// rather than guessed.
type CollectionPolicy struct {
	SlugMap          map[string]string
	ConsortiumSuffix string
}

// MapSlug resolves a collection slug to an organization id, if mapped.
func (p CollectionPolicy) MapSlug(slug string) (string, bool) {
	org, ok := p.SlugMap[slug]
	return org, ok
}

// IsConsortiumPattern reports whether a slug looks like a consortium
// collection even without an explicit mapping.
func (p CollectionPolicy) IsConsortiumPattern(slug string) bool {
	return p.ConsortiumSuffix != "" && strings.HasSuffix(slug, p.ConsortiumSuffix)
}

// CollectionMembership maps the record's raw collection associations
// through the static slug table.
type CollectionMembership struct {
	Policy CollectionPolicy
}

// Name identifies the strategy.
func (CollectionMembership) Name() string { return domain.MethodCollectionMembership }

// TryMatch maps each collection slug through the policy table. Mapped
// organizations must still be configured members; unmapped
// consortium-pattern slugs are skipped.
func (s CollectionMembership) TryMatch(record domain.RawRecord, orgs []domain.Organization) (domain.AffiliationMatch, bool) {
	known := map[string]bool{}
	for _, org := range orgs {
		known[org.ID] = true
	}

	var matched []string
	seen := map[string]bool{}
	for _, col := range record.Collections {
		orgID, ok := s.Policy.MapSlug(col.Slug)
		if !ok {
			// Pattern-matching but unmapped collections stay unmatched.
			continue
		}
		if !known[orgID] || seen[orgID] {
			continue
		}
		matched = append(matched, orgID)
		seen[orgID] = true
	}

	if len(matched) == 0 {
		return domain.AffiliationMatch{}, false
	}
	return domain.AffiliationMatch{
		Organizations: matched,
		Method:        domain.MethodCollectionMembership,
		Confidence:    ConfidenceCollectionMembership,
	}, true
}

// Directory records which organization listings each identifier appeared
// under during the current run. It backs the lowest-confidence strategy.
type Directory struct {
	mu   sync.RWMutex
	byID map[string][]string
}

// NewDirectory builds an empty directory.
func NewDirectory() *Directory {
	return &Directory{byID: map[string][]string{}}
}

// Add records identifiers seen under an organization's listing.
func (d *Directory) Add(orgID string, ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		if contains(d.byID[id], orgID) {
			continue
		}
		d.byID[id] = append(d.byID[id], orgID)
	}
}

// Lookup returns the organizations whose listings contained the identifier.
func (d *Directory) Lookup(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.byID[id]...)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// DirectoryPresence associates a record with the organizations under whose
// listings its identifier was enumerated. Last resort, lowest confidence.
type DirectoryPresence struct {
	Directory *Directory
}

// Name identifies the strategy.
func (DirectoryPresence) Name() string { return domain.MethodDirectoryPresence }

// TryMatch intersects the directory entry with configured members.
func (s DirectoryPresence) TryMatch(record domain.RawRecord, orgs []domain.Organization) (domain.AffiliationMatch, bool) {
	if s.Directory == nil {
		return domain.AffiliationMatch{}, false
	}

	known := map[string]bool{}
	for _, org := range orgs {
		known[org.ID] = true
	}

	var matched []string
	for _, orgID := range s.Directory.Lookup(record.ID) {
		if known[orgID] {
			matched = append(matched, orgID)
		}
	}

	if len(matched) == 0 {
		return domain.AffiliationMatch{}, false
	}
	return domain.AffiliationMatch{
		Organizations: matched,
		Method:        domain.MethodDirectoryPresence,
		Confidence:    ConfidenceDirectoryPresence,
	}, true
}
