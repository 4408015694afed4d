// Package resolver assigns member organizations to fetched records using a
// layered set of detection strategies, tried in priority order.
package resolver

import (
	"log/slog"

	"bibharvest/internal/domain"
)

// Strategy is a single affiliation-detection method. TryMatch reports
// whether it produced a verdict; an unmatched record falls through to the
// next strategy.
type Strategy interface {
	Name() string
	TryMatch(record domain.RawRecord, orgs []domain.Organization) (domain.AffiliationMatch, bool)
}

// Resolver applies strategies in priority order, stopping at the first that
// yields a match. Resolution is a pure function of its inputs.
type Resolver struct {
	strategies []Strategy
	logger     *slog.Logger
}

// New builds a resolver over the given ordered strategies.
func New(logger *slog.Logger, strategies ...Strategy) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{strategies: strategies, logger: logger}
}

// Default wires the standard strategy stack: affiliation text, collection
// membership, then directory presence.
func Default(logger *slog.Logger, collections CollectionPolicy, dir *Directory) *Resolver {
	return New(logger,
		AffiliationText{},
		CollectionMembership{Policy: collections},
		DirectoryPresence{Directory: dir},
	)
}

// Resolve returns the affiliation verdict for a record. When no strategy
// matches, the result carries no organizations and confidence zero; such
// records land in the unclassified bucket downstream.
func (r *Resolver) Resolve(record domain.RawRecord, orgs []domain.Organization) domain.AffiliationMatch {
	for _, s := range r.strategies {
		if match, ok := s.TryMatch(record, orgs); ok {
			r.logger.Debug("record resolved",
				"record", record.ID,
				"method", match.Method,
				"organizations", match.Organizations)
			return match
		}
	}
	return domain.AffiliationMatch{}
}
