package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"bibharvest/internal/domain"
	"bibharvest/internal/ports"
	"bibharvest/internal/progress"
	"bibharvest/internal/reliability"
	"bibharvest/internal/resolver"
)

// ErrRunHalted signals that the run stopped early because the circuit
// breaker opened. The checkpoint on disk is resumable.
var ErrRunHalted = errors.New("harvest run halted")

// ErrRunInProgress is returned when a live checkpoint exists and neither
// resume nor fresh was requested.
var ErrRunInProgress = errors.New("unfinished harvest run found, resume or start fresh explicitly")

// HarvesterDeps wires all driven adapters into the harvest orchestrator.
type HarvesterDeps struct {
	Source        ports.RecordSource
	Store         ports.RecordStore
	Progress      ports.ProgressStore
	Resolver      *resolver.Resolver
	Directory     *resolver.Directory
	Breaker       *reliability.CircuitBreaker
	Notifier      ports.Notifier
	Organizations []domain.Organization
	Clock         clock.Clock
	Logger        *slog.Logger
}

// HarvestOptions tunes a single run.
type HarvestOptions struct {
	// Resume continues a previously interrupted run from its checkpoint.
	Resume bool
	// Fresh starts over even if a completed checkpoint exists.
	Fresh bool
	// CheckpointEvery flushes the progress file after this many records.
	CheckpointEvery int
	// FetchWorkers bounds concurrent detail fetches.
	FetchWorkers int
	// AttachmentWorkers bounds concurrent attachment downloads.
	AttachmentWorkers int
}

// Summary reports the outcome of a run.
type Summary struct {
	RunID     string
	Phase     domain.Phase
	Processed int
	Total     int
	Skipped   int
	Failed    int
	Errors    int
	Elapsed   time.Duration
	Halted    bool
	Reason    string
}

// Harvester implements the phased harvest workflow: enumerate organizations,
// walk their listings, fetch and classify record details, then download
// attachments. Every phase checkpoints so a killed run resumes without
// refetching finished work.
type Harvester struct {
	source    ports.RecordSource
	store     ports.RecordStore
	progress  ports.ProgressStore
	resolver  *resolver.Resolver
	directory *resolver.Directory
	breaker   *reliability.CircuitBreaker
	notifier  ports.Notifier
	orgs      []domain.Organization
	clock     clock.Clock
	logger    *slog.Logger
	opts      HarvestOptions
}

// NewHarvester constructs the orchestration component.
func NewHarvester(deps HarvesterDeps, opts HarvestOptions) *Harvester {
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 10
	}
	if opts.FetchWorkers <= 0 {
		opts.FetchWorkers = 1
	}
	if opts.AttachmentWorkers <= 0 {
		opts.AttachmentWorkers = 1
	}
	return &Harvester{
		source:    deps.Source,
		store:     deps.Store,
		progress:  deps.Progress,
		resolver:  deps.Resolver,
		directory: deps.Directory,
		breaker:   deps.Breaker,
		notifier:  deps.Notifier,
		orgs:      deps.Organizations,
		clock:     deps.Clock,
		logger:    deps.Logger,
		opts:      opts,
	}
}

// Run drives the harvest through its phases until complete, halted, or
// cancelled. The returned Summary reflects the final checkpoint.
func (h *Harvester) Run(ctx context.Context) (Summary, error) {
	state, err := h.loadState()
	if err != nil {
		return Summary{}, err
	}
	if state.Phase == domain.PhaseComplete {
		h.logger.Info("previous run already complete, nothing to do", "runId", state.RunID)
		return h.summary(state, ""), nil
	}

	h.logger.Info("harvest run starting",
		"runId", state.RunID,
		"phase", state.Phase,
		"organizations", len(h.orgs))

	for state.Phase != domain.PhaseComplete {
		var phaseErr error
		switch state.Phase {
		case domain.PhaseEnumeratingOrgs:
			phaseErr = h.enumerateOrgs(ctx, state)
		case domain.PhaseEnumeratingRecords:
			phaseErr = h.enumerateRecords(ctx, state)
		case domain.PhaseFetchingDetails:
			phaseErr = h.fetchDetails(ctx, state)
		case domain.PhaseDownloadingAttachments:
			phaseErr = h.downloadAttachments(ctx, state)
		default:
			phaseErr = fmt.Errorf("unknown phase %q", state.Phase)
		}
		if phaseErr != nil {
			return h.halt(ctx, state, phaseErr)
		}
	}

	if err := h.checkpoint(state); err != nil {
		return h.summary(state, err.Error()), err
	}
	if err := h.progress.Archive(state.RunID); err != nil {
		h.logger.Warn("archiving checkpoint failed", "error", err)
	}

	sum := h.summary(state, "")
	h.logger.Info("harvest run complete",
		"runId", sum.RunID,
		"processed", sum.Processed,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"elapsed", sum.Elapsed.Round(time.Second))
	h.notify(ctx, fmt.Sprintf(
		"Harvest %s complete: %d records processed, %d skipped, %d failed in %s.",
		sum.RunID, sum.Processed, sum.Skipped, sum.Failed, sum.Elapsed.Round(time.Second)))
	return sum, nil
}

// loadState resolves the resume-versus-fresh decision against the
// checkpoint on disk.
func (h *Harvester) loadState() (*domain.ProgressState, error) {
	saved, err := h.progress.Load()
	if errors.Is(err, progress.ErrNoCheckpoint) {
		return h.newState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	if saved.Phase == domain.PhaseComplete {
		if h.opts.Fresh {
			return h.newState(), nil
		}
		return saved, nil
	}
	if h.opts.Fresh {
		return h.newState(), nil
	}
	if !h.opts.Resume {
		return nil, fmt.Errorf("%w (run %s, phase %s)", ErrRunInProgress, saved.RunID, saved.Phase)
	}

	h.breaker.Restore(reliability.Snapshot{
		State:       reliability.BreakerState(saved.Breaker.State),
		Failures:    saved.Breaker.Failures,
		LastFailure: saved.Breaker.LastFailure,
	})
	h.seedDirectory(saved)
	h.logger.Info("resuming from checkpoint",
		"runId", saved.RunID,
		"phase", saved.Phase,
		"processed", saved.Processed,
		"total", saved.Total)
	return saved, nil
}

func (h *Harvester) newState() *domain.ProgressState {
	state := &domain.ProgressState{
		RunID:     uuid.NewString(),
		StartedAt: h.clock.Now().UTC(),
		Orgs:      map[string]*domain.OrgProgress{},
	}
	state.EnterPhase(domain.PhaseEnumeratingOrgs, len(h.orgs))
	return state
}

// seedDirectory replays previously listed identifiers into the membership
// directory so the directory-presence strategy works across restarts.
func (h *Harvester) seedDirectory(state *domain.ProgressState) {
	for orgID, op := range state.Orgs {
		if len(op.Identifiers) > 0 {
			h.directory.Add(orgID, op.Identifiers...)
		}
	}
}

// enumerateOrgs validates the configured organizations and registers a
// progress entry for each.
func (h *Harvester) enumerateOrgs(ctx context.Context, state *domain.ProgressState) error {
	for _, org := range h.orgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if org.ID == "" || org.ListingURL == "" {
			return fmt.Errorf("organization %q misconfigured: id and listing url are required", org.Name)
		}
		state.Org(org.ID)
		state.MarkDone(org.ID)
	}
	state.EnterPhase(domain.PhaseEnumeratingRecords, len(h.orgs))
	return h.checkpoint(state)
}

// enumerateRecords walks each organization's listing pages, accumulating
// candidate identifiers. A listing that keeps failing after retries is
// logged and skipped; it never aborts the run.
func (h *Harvester) enumerateRecords(ctx context.Context, state *domain.ProgressState) error {
	for _, org := range h.orgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		op := state.Org(org.ID)
		if state.Done[org.ID] {
			continue
		}

		for !op.ListingDone {
			ids, next, done, err := h.source.Listing(ctx, org, op.Cursor)
			if err != nil {
				if isHalting(err) {
					return err
				}
				h.logger.Warn("listing failed, skipping organization",
					"org", org.ID, "cursor", op.Cursor, "error", err)
				state.AddError("", fmt.Sprintf("listing %s at cursor %d: %v", org.ID, op.Cursor, err), h.clock.Now().UTC())
				state.Failed++
				op.ListingDone = true
				break
			}
			fresh := appendNew(op.Identifiers, ids)
			op.Identifiers = fresh
			op.Listed = len(fresh)
			op.Cursor = next
			op.ListingDone = done
			h.directory.Add(org.ID, ids...)
			if err := h.checkpoint(state); err != nil {
				return err
			}
		}

		state.MarkDone(org.ID)
		h.logger.Info("listing walk finished", "org", org.ID, "identifiers", op.Listed)
		if err := h.checkpoint(state); err != nil {
			return err
		}
	}

	state.EnterPhase(domain.PhaseFetchingDetails, len(h.uniqueIdentifiers(state)))
	return h.checkpoint(state)
}

type detailResult struct {
	id     string
	record domain.RawRecord
	err    error
}

// fetchDetails pulls full metadata for every listed identifier through a
// bounded worker pool, classifies each record, and persists it. Workers
// only fetch; all state mutation happens on the owning goroutine.
func (h *Harvester) fetchDetails(ctx context.Context, state *domain.ProgressState) error {
	pending := h.pendingIdentifiers(state)
	if len(pending) == 0 {
		state.EnterPhase(domain.PhaseDownloadingAttachments, 0)
		return h.checkpoint(state)
	}

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan detailResult)
	var group errgroup.Group
	group.SetLimit(h.opts.FetchWorkers)
	go func() {
		for _, id := range pending {
			if gctx.Err() != nil {
				break
			}
			group.Go(func() error {
				rec, err := h.source.Record(gctx, id)
				select {
				case results <- detailResult{id: id, record: rec, err: err}:
				case <-gctx.Done():
				}
				return nil
			})
		}
		group.Wait()
		close(results)
	}()

	var haltErr error
	flushed := 0
	for res := range results {
		if haltErr != nil {
			continue
		}
		if res.err != nil {
			if isHalting(res.err) {
				haltErr = res.err
				cancel()
				continue
			}
			state.AddError(res.id, res.err.Error(), h.clock.Now().UTC())
			var dataErr *domain.DataError
			if errors.As(res.err, &dataErr) || reliability.IsPermanent(res.err) {
				h.logger.Warn("record skipped", "id", res.id, "error", res.err)
				state.Skipped++
			} else {
				h.logger.Warn("record failed after retries", "id", res.id, "error", res.err)
				state.Failed++
			}
			state.MarkDone(res.id)
		} else {
			match := h.resolver.Resolve(res.record, h.orgs)
			normalized := domain.NormalizedRecord{
				RawRecord:   res.record,
				Match:       match,
				ProcessedAt: h.clock.Now().UTC(),
			}
			if err := h.store.Save(ctx, normalized); err != nil {
				haltErr = fmt.Errorf("save record %s: %w", res.id, err)
				cancel()
				continue
			}
			for _, orgID := range match.Organizations {
				state.Org(orgID).Publications++
			}
			state.Harvested++
			state.MarkDone(res.id)
		}

		flushed++
		if flushed >= h.opts.CheckpointEvery {
			if err := h.checkpoint(state); err != nil {
				haltErr = err
				cancel()
				continue
			}
			flushed = 0
		}
	}
	if haltErr != nil {
		return haltErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	state.EnterPhase(domain.PhaseDownloadingAttachments, 0)
	return h.checkpoint(state)
}

type attachmentResult struct {
	id   string
	path string
	size int64
	err  error
}

// downloadAttachments fetches the binary for every stored record that has a
// download URL but no local copy yet. Individual failures are logged and
// counted; only local disk errors abort the phase.
func (h *Harvester) downloadAttachments(ctx context.Context, state *domain.ProgressState) error {
	all, err := h.store.PendingAttachments(ctx)
	if err != nil {
		return fmt.Errorf("list pending attachments: %w", err)
	}
	// Downloads that already failed this run are in Done and counted;
	// re-queueing them on resume would inflate the phase total.
	var pending []domain.NormalizedRecord
	for _, rec := range all {
		if !state.Done[rec.ID] {
			pending = append(pending, rec)
		}
	}
	state.Total = state.Processed + len(pending)
	if len(pending) == 0 {
		state.Complete()
		return nil
	}

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan attachmentResult)
	var group errgroup.Group
	group.SetLimit(h.opts.AttachmentWorkers)
	go func() {
		for _, rec := range pending {
			if gctx.Err() != nil {
				break
			}
			group.Go(func() error {
				path, size, err := h.source.Attachment(gctx, rec.DownloadURL, rec.ID)
				select {
				case results <- attachmentResult{id: rec.ID, path: path, size: size, err: err}:
				case <-gctx.Done():
				}
				return nil
			})
		}
		group.Wait()
		close(results)
	}()

	var haltErr error
	flushed := 0
	for res := range results {
		if haltErr != nil {
			continue
		}
		if res.err != nil {
			if isHalting(res.err) {
				haltErr = res.err
				cancel()
				continue
			}
			h.logger.Warn("attachment download failed", "id", res.id, "error", res.err)
			state.AddError(res.id, fmt.Sprintf("attachment: %v", res.err), h.clock.Now().UTC())
			state.Failed++
			state.MarkDone(res.id)
		} else {
			if err := h.store.SetAttachment(ctx, res.id, res.path, res.size); err != nil {
				haltErr = fmt.Errorf("record attachment %s: %w", res.id, err)
				cancel()
				continue
			}
			state.MarkDone(res.id)
		}

		flushed++
		if flushed >= h.opts.CheckpointEvery {
			if err := h.checkpoint(state); err != nil {
				haltErr = err
				cancel()
				continue
			}
			flushed = 0
		}
	}
	if haltErr != nil {
		return haltErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	state.Complete()
	return nil
}

// halt flushes a final checkpoint and classifies the stop reason. Circuit
// opens additionally page the operator.
func (h *Harvester) halt(ctx context.Context, state *domain.ProgressState, cause error) (Summary, error) {
	if err := h.checkpoint(state); err != nil {
		h.logger.Error("final checkpoint failed", "error", err)
	}

	if errors.Is(cause, reliability.ErrCircuitOpen) {
		h.logger.Error("harvest halted, circuit breaker open",
			"runId", state.RunID,
			"phase", state.Phase,
			"processed", state.Processed,
			"total", state.Total,
			"lastRecord", state.LastRecord)
		h.notify(ctx, fmt.Sprintf(
			"Harvest %s HALTED: upstream unavailable (circuit open) during %s at %d/%d. Resume with --resume once the platform recovers.",
			state.RunID, state.Phase, state.Processed, state.Total))
		return h.summary(state, "circuit breaker open"), fmt.Errorf("%w: %v", ErrRunHalted, cause)
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		h.logger.Info("harvest interrupted, checkpoint saved",
			"runId", state.RunID, "phase", state.Phase, "processed", state.Processed)
		return h.summary(state, "interrupted"), cause
	}

	h.logger.Error("harvest aborted", "runId", state.RunID, "phase", state.Phase, "error", cause)
	return h.summary(state, cause.Error()), cause
}

// checkpoint snapshots the breaker into the state and flushes it to disk.
// A failed flush is fatal for the phase.
func (h *Harvester) checkpoint(state *domain.ProgressState) error {
	snap := h.breaker.Snapshot()
	state.Breaker = domain.BreakerSnapshot{
		State:       string(snap.State),
		Failures:    snap.Failures,
		LastFailure: snap.LastFailure,
	}
	if err := h.progress.Save(state); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (h *Harvester) notify(ctx context.Context, message string) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Publish(ctx, message); err != nil {
		h.logger.Warn("notification failed", "error", err)
	}
}

func (h *Harvester) summary(state *domain.ProgressState, reason string) Summary {
	return Summary{
		RunID:     state.RunID,
		Phase:     state.Phase,
		Processed: state.Processed,
		Total:     state.Total,
		Skipped:   state.Skipped,
		Failed:    state.Failed,
		Errors:    len(state.Errors),
		Elapsed:   h.clock.Now().UTC().Sub(state.StartedAt),
		Halted:    reason == "circuit breaker open",
		Reason:    reason,
	}
}

// uniqueIdentifiers folds the per-org listings into one deduplicated slice,
// preserving organization and listing order.
func (h *Harvester) uniqueIdentifiers(state *domain.ProgressState) []string {
	seen := map[string]bool{}
	var out []string
	for _, org := range h.orgs {
		op, ok := state.Orgs[org.ID]
		if !ok {
			continue
		}
		for _, id := range op.Identifiers {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// pendingIdentifiers returns the identifiers not yet handled in the current
// phase.
func (h *Harvester) pendingIdentifiers(state *domain.ProgressState) []string {
	var out []string
	for _, id := range h.uniqueIdentifiers(state) {
		if !state.Done[id] {
			out = append(out, id)
		}
	}
	return out
}

// isHalting reports whether an error must stop the whole run rather than
// being charged to a single record.
func isHalting(err error) bool {
	if errors.Is(err, reliability.ErrCircuitOpen) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ioErr *domain.LocalIOError
	return errors.As(err, &ioErr)
}

// appendNew appends only identifiers not already present, keeping listing
// order stable across overlapping pages.
func appendNew(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range incoming {
		if !seen[id] {
			seen[id] = true
			existing = append(existing, id)
		}
	}
	return existing
}
