package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"

	"bibharvest/internal/domain"
	"bibharvest/internal/ports"
)

// errorSample bounds how many recent errors a status report carries.
const errorSample = 5

// StatusReport is a read-only view of the current checkpoint combined with
// counts from the record store. It never mutates anything.
type StatusReport struct {
	RunID        string
	Phase        domain.Phase
	Processed    int
	Total        int
	Skipped      int
	Failed       int
	LastSaved    time.Time
	Elapsed      time.Duration
	LastRecord   string
	Breaker      string
	RecentErrors []domain.HarvestError
	OrgCounts    map[string]int
	Publications map[string]int
	Unclassified int
}

// BuildStatus assembles a report from the progress checkpoint and the record
// store. A missing checkpoint is reported as progress.ErrNoCheckpoint.
func BuildStatus(ctx context.Context, progressStore ports.ProgressStore, store ports.RecordStore, clk clock.Clock) (*StatusReport, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	state, err := progressStore.Load()
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		RunID:        state.RunID,
		Phase:        state.Phase,
		Processed:    state.Processed,
		Total:        state.Total,
		Skipped:      state.Skipped,
		Failed:       state.Failed,
		LastSaved:    state.LastSaved,
		Elapsed:      clk.Now().UTC().Sub(state.StartedAt),
		LastRecord:   state.LastRecord,
		Breaker:      state.Breaker.State,
		Publications: map[string]int{},
	}
	for orgID, op := range state.Orgs {
		report.Publications[orgID] = op.Publications
	}
	if n := len(state.Errors); n > 0 {
		start := n - errorSample
		if start < 0 {
			start = 0
		}
		report.RecentErrors = append(report.RecentErrors, state.Errors[start:]...)
	}

	if store != nil {
		counts, err := store.CountsByOrganization(ctx)
		if err != nil {
			return nil, fmt.Errorf("organization counts: %w", err)
		}
		report.OrgCounts = counts
		unclassified, err := store.CountUnclassified(ctx)
		if err != nil {
			return nil, fmt.Errorf("unclassified count: %w", err)
		}
		report.Unclassified = unclassified
	}
	return report, nil
}
