package ports

import (
	"context"
	"time"

	"bibharvest/internal/domain"
)

// RecordSource pulls listings, record detail, and attachments from the
// remote content platform.
type RecordSource interface {
	// Listing returns one page of candidate identifiers for an organization,
	// the cursor of the following page, and whether the walk is finished.
	Listing(ctx context.Context, org domain.Organization, cursor int) (ids []string, next int, done bool, err error)
	// Record fetches the full metadata record for an identifier.
	Record(ctx context.Context, id string) (domain.RawRecord, error)
	// Attachment downloads the binary behind url to local storage and returns
	// the stored path and verified byte size.
	Attachment(ctx context.Context, url, recordID string) (path string, size int64, err error)
}

// RecordStore persists normalized records keyed by identifier.
type RecordStore interface {
	Save(ctx context.Context, record domain.NormalizedRecord) error
	SetAttachment(ctx context.Context, id, path string, size int64) error
	PendingAttachments(ctx context.Context) ([]domain.NormalizedRecord, error)
	CountsByOrganization(ctx context.Context) (map[string]int, error)
	CountUnclassified(ctx context.Context) (int, error)
}

// ProgressStore checkpoints harvest state durably.
type ProgressStore interface {
	Load() (*domain.ProgressState, error)
	Save(state *domain.ProgressState) error
	Archive(runID string) error
}

// Notifier delivers run summaries and halt alerts to operators.
type Notifier interface {
	Publish(ctx context.Context, message string) error
}

// Scheduler re-runs the harvest job on a standing cadence.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
