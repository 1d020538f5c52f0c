// Package lifecycle decides which auctions each polling cycle looks at:
// the discovery window for new listings, the recheck window for completion,
// and which open auctions went unobserved.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hewjoe/ebay-catalog/internal/auction"
	"github.com/hewjoe/ebay-catalog/internal/ebay"
)

// SearchSpec describes one tracked search.
type SearchSpec struct {
	Pattern       string
	ExcludedTerms []string
	MaxPages      int
}

// Repository is the read side of the store the scheduler needs.
type Repository interface {
	ListOpenEndingBetween(ctx context.Context, from, to time.Time) ([]auction.Auction, error)
}

// Scheduler selects per-cycle work.
type Scheduler struct {
	repo   Repository
	logger zerolog.Logger
}

// New constructs a Scheduler.
func New(repo Repository, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		repo:   repo,
		logger: logger.With().Str("component", "lifecycle").Logger(),
	}
}

// DiscoveryQuery bounds discovery to auctions ending within auctionPeriod of now.
func (s *Scheduler) DiscoveryQuery(spec SearchSpec, auctionPeriod time.Duration, now time.Time) ebay.Query {
	return ebay.Query{
		Pattern:       spec.Pattern,
		EndsBefore:    now.UTC().Add(auctionPeriod),
		ExcludedTerms: append([]string(nil), spec.ExcludedTerms...),
		MaxPages:      spec.MaxPages,
	}
}

// Admit decides whether a discovered snapshot may reach the reconciler. The
// source is trusted for neither the window nor the exclusions.
func (s *Scheduler) Admit(q ebay.Query, snap auction.Snapshot) (bool, string) {
	if !q.EndsBefore.IsZero() && snap.EndTime.After(q.EndsBefore) {
		return false, "ends beyond auction window"
	}
	if term, ok := auction.ContainsAny(snap.Title, q.ExcludedTerms); ok {
		return false, fmt.Sprintf("title contains excluded term %q", term)
	}
	if term, ok := auction.ContainsAny(snap.Condition, q.ExcludedTerms); ok {
		return false, fmt.Sprintf("condition contains excluded term %q", term)
	}
	return true, ""
}

// RecheckSet returns open auctions whose end time fell within completedPeriod
// before now. These are fetched one by one because ended listings vanish
// from search.
func (s *Scheduler) RecheckSet(ctx context.Context, completedPeriod time.Duration, now time.Time) ([]auction.Auction, error) {
	now = now.UTC()
	from := now.Add(-completedPeriod)

	rows, err := s.repo.ListOpenEndingBetween(ctx, from, now)
	if err != nil {
		return nil, fmt.Errorf("list recheck set: %w", err)
	}

	out := rows[:0]
	for _, a := range rows {
		if !a.Status.Open() || a.EndTime.Before(from) || a.EndTime.After(now) {
			continue
		}
		out = append(out, a)
	}
	s.logger.Debug().
		Time("from", from).
		Time("to", now).
		Int("auctions", len(out)).
		Msg("recheck set selected")
	return out, nil
}

// Absent returns the open auctions that neither pass observed. Auctions
// ending after horizon were not covered by this cycle and are left alone.
func (s *Scheduler) Absent(open []auction.Auction, seen map[string]struct{}, horizon time.Time) []auction.Auction {
	var missing []auction.Auction
	for _, a := range open {
		if !a.Status.Open() {
			continue
		}
		if _, ok := seen[a.ID]; ok {
			continue
		}
		if a.EndTime.After(horizon) {
			continue
		}
		missing = append(missing, a)
	}
	return missing
}
