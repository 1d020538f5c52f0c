// Package ebay provides listing sources: an HTML scraper and a JSON API
// client. Both convert external payloads into auction.Snapshot and pace every
// outbound request through a Pacer.
package ebay

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/hewjoe/ebay-catalog/internal/auction"
)

// ErrNotFound reports that a listing is no longer reachable at the source.
var ErrNotFound = errors.New("ebay: listing not found")

// Query bounds one discovery search.
type Query struct {
	Pattern string
	// EndsBefore excludes auctions ending after this instant.
	EndsBefore time.Time
	// ExcludedTerms are appended to the search as negative keywords. The
	// lifecycle scheduler still filters locally.
	ExcludedTerms []string
	MaxPages      int
}

// Source produces snapshots of current listing state.
//
// Fetch yields one snapshot per matching auction. A *auction.ParseError is
// yielded for a single malformed listing and iteration continues; any other
// error is an *auction.FetchError and ends the sequence.
type Source interface {
	Fetch(ctx context.Context, q Query) iter.Seq2[auction.Snapshot, error]
	FetchOne(ctx context.Context, id string) (auction.Snapshot, error)
}

// Pacer gates outbound requests.
type Pacer interface {
	Acquire(ctx context.Context) error
}

type noPacer struct{}

func (noPacer) Acquire(context.Context) error { return nil }

func pacerOrDefault(p Pacer) Pacer {
	if p == nil {
		return noPacer{}
	}
	return p
}

func fetchErr(op, id string, err error) error {
	return &auction.FetchError{Op: op, AuctionID: id, Err: err}
}
