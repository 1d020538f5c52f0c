package auction

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a tracked auction.
type Status string

const (
	StatusDiscovered Status = "discovered"
	StatusActive     Status = "active"
	StatusEndingSoon Status = "ending_soon"
	StatusCompleted  Status = "completed"
	StatusUnknown    Status = "unknown"
)

// Terminal reports whether no further mutation is accepted in this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusUnknown
}

// Open reports whether the auction is still being followed for completion.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusEndingSoon
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDiscovered, StatusActive, StatusEndingSoon, StatusCompleted, StatusUnknown:
		return true
	}
	return false
}

// Auction is the persisted view of one listing.
type Auction struct {
	ID            string
	Title         string
	URL           string
	SearchPattern string
	Price         decimal.Decimal
	Currency      string
	Condition     string
	ShippingCost  *decimal.Decimal
	BuyItNowPrice *decimal.Decimal
	NumBids       int
	SellerKey     string
	Status        Status
	EndTime       time.Time
	WinningBidder string
	MissedCycles  int
	FirstSeen     time.Time
	LastSeen      time.Time
}

// Seller is keyed by the best stable identifier the source exposes.
type Seller struct {
	Key           string
	FeedbackScore *int
	FeedbackPct   *decimal.Decimal
	AccountAge    *time.Duration
}

// Bid is one observed point of an auction's bid history.
type Bid struct {
	AuctionID  string
	Bidder     string
	Amount     decimal.Decimal
	ObservedAt time.Time
	Winning    bool
}

// BidKey is the composite identity of a bid. Two bids with the same bidder,
// amount and timestamp are indistinguishable and collapse to one row.
type BidKey struct {
	Bidder     string
	Amount     string
	ObservedAt int64
}

// Bid rows store amounts as NUMERIC(12,2) and times as TIMESTAMPTZ, so
// identities are compared at that precision.
const (
	BidAmountPlaces  = 2
	BidTimePrecision = time.Microsecond
)

// Key returns the composite identity of b at storage precision.
func (b Bid) Key() BidKey {
	return BidKey{
		Bidder:     b.Bidder,
		Amount:     b.Amount.Round(BidAmountPlaces).String(),
		ObservedAt: b.ObservedAt.UTC().Truncate(BidTimePrecision).UnixNano(),
	}
}

// Normalized returns b with amount and time reduced to storage precision.
func (b Bid) Normalized() Bid {
	b.Amount = b.Amount.Round(BidAmountPlaces)
	b.ObservedAt = b.ObservedAt.UTC().Truncate(BidTimePrecision)
	return b
}

// LessBid orders bids by observed time, then amount.
func LessBid(a, b Bid) bool {
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.Before(b.ObservedAt)
	}
	return a.Amount.LessThan(b.Amount)
}

// Prior is the last persisted state of an auction as seen by the reconciler.
type Prior struct {
	Auction   Auction
	Seller    *Seller
	Specifics map[string]string
	Bids      map[BidKey]struct{}
}

// HasBid reports whether the bid identity has already been recorded.
func (p *Prior) HasBid(key BidKey) bool {
	if p == nil || p.Bids == nil {
		return false
	}
	_, ok := p.Bids[key]
	return ok
}
