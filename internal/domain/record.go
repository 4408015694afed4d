package domain

import "time"

// Organization is a federation member loaded from static configuration.
type Organization struct {
	ID         string
	Name       string
	Aliases    []string
	ListingURL string
}

// Attribution is an author/contributor entry embedded in a RawRecord.
type Attribution struct {
	Name        string `json:"name"`
	Affiliation string `json:"affiliation,omitempty"`
	ORCID       string `json:"orcid,omitempty"`
	IsAuthor    bool   `json:"isAuthor"`
	Order       int    `json:"order"`
}

// CollectionRef is a raw collection association carried by a record.
type CollectionRef struct {
	Slug  string `json:"slug"`
	Title string `json:"title,omitempty"`
}

// RawRecord is the as-fetched representation from the content platform.
// It is immutable once produced by the fetch step.
type RawRecord struct {
	ID           string
	Slug         string
	Title        string
	Description  string
	Attributions []Attribution
	Collections  []CollectionRef
	DownloadURL  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Resolution methods, in descending confidence order.
const (
	MethodAffiliationText      = "affiliation-text"
	MethodCollectionMembership = "collection-membership"
	MethodDirectoryPresence    = "directory-presence"
)

// AffiliationMatch is the resolver verdict for a single record.
type AffiliationMatch struct {
	Organizations []string
	Method        string
	Confidence    float64
}

// Matched reports whether any organization was resolved.
func (m AffiliationMatch) Matched() bool {
	return len(m.Organizations) > 0
}

// NormalizedRecord is the unit written to the durable record store.
type NormalizedRecord struct {
	RawRecord
	Match           AffiliationMatch
	AttachmentPath  string
	AttachmentBytes int64
	ProcessedAt     time.Time
}
