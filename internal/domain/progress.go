package domain

import "time"

// Phase enumerates the harvest pipeline milestones. Phases advance strictly
// in order and only once Processed == Total for the current phase.
type Phase string

const (
	PhaseEnumeratingOrgs        Phase = "enumerating-orgs"
	PhaseEnumeratingRecords     Phase = "enumerating-records"
	PhaseFetchingDetails        Phase = "fetching-details"
	PhaseDownloadingAttachments Phase = "downloading-attachments"
	PhaseComplete               Phase = "complete"
)

// MaxErrorLog bounds the error list carried in a checkpoint.
const MaxErrorLog = 100

// OrgProgress tracks the listing walk and running counts for one organization.
type OrgProgress struct {
	Cursor       int      `json:"cursor"`
	ListingDone  bool     `json:"listingDone"`
	Listed       int      `json:"listed"`
	Identifiers  []string `json:"identifiers,omitempty"`
	Publications int      `json:"publications"`
}

// HarvestError is one entry of the bounded error log.
type HarvestError struct {
	RecordID string    `json:"recordId,omitempty"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// BreakerSnapshot persists circuit breaker state across restarts.
type BreakerSnapshot struct {
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"lastFailure,omitzero"`
}

// ProgressState is the durable checkpoint of a single harvest run.
// Processed and Total are scoped to the current phase; Harvested, Skipped,
// and Failed accumulate across the whole run.
type ProgressState struct {
	RunID      string                  `json:"runId"`
	Phase      Phase                   `json:"phase"`
	StartedAt  time.Time               `json:"startedAt"`
	LastSaved  time.Time               `json:"lastSaved"`
	Orgs       map[string]*OrgProgress `json:"orgs"`
	Total      int                     `json:"total"`
	Processed  int                     `json:"processed"`
	Harvested  int                     `json:"harvested"`
	Skipped    int                     `json:"skipped"`
	Failed     int                     `json:"failed"`
	Done       map[string]bool         `json:"done,omitempty"`
	Errors     []HarvestError          `json:"errors,omitempty"`
	Breaker    BreakerSnapshot         `json:"breaker"`
	LastRecord string                  `json:"lastRecord,omitempty"`
}

// Org returns the progress entry for an organization, creating it on demand.
func (s *ProgressState) Org(id string) *OrgProgress {
	if s.Orgs == nil {
		s.Orgs = map[string]*OrgProgress{}
	}
	if _, ok := s.Orgs[id]; !ok {
		s.Orgs[id] = &OrgProgress{}
	}
	return s.Orgs[id]
}

// MarkDone records an identifier as handled in the current phase.
func (s *ProgressState) MarkDone(id string) {
	if s.Done == nil {
		s.Done = map[string]bool{}
	}
	if !s.Done[id] {
		s.Done[id] = true
		s.Processed++
	}
	s.LastRecord = id
}

// AddError appends to the bounded error log, dropping the oldest entry once
// the cap is reached.
func (s *ProgressState) AddError(recordID, message string, at time.Time) {
	entry := HarvestError{RecordID: recordID, Message: message, At: at}
	if len(s.Errors) >= MaxErrorLog {
		s.Errors = append(s.Errors[1:], entry)
		return
	}
	s.Errors = append(s.Errors, entry)
}

// EnterPhase advances the state machine, resetting the per-phase counters.
func (s *ProgressState) EnterPhase(phase Phase, total int) {
	s.Phase = phase
	s.Total = total
	s.Processed = 0
	s.Done = map[string]bool{}
}

// Complete marks the run finished. The final checkpoint carries the
// run-level totals rather than the last phase's counters, so the archived
// state stays a usable audit trail.
func (s *ProgressState) Complete() {
	s.Phase = PhaseComplete
	s.Processed = s.Harvested
	s.Total = s.Harvested + s.Skipped + s.Failed
}
