package auction

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionUpdate carries only the fields that changed; nil means untouched.
type AuctionUpdate struct {
	Title         *string
	URL           *string
	Price         *decimal.Decimal
	Currency      *string
	Condition     *string
	ShippingCost  *decimal.Decimal
	BuyItNowPrice *decimal.Decimal
	NumBids       *int
	SellerKey     *string
	EndTime       *time.Time
	Status        *Status
	WinningBidder *string
	MissedCycles  *int
}

// Empty reports whether the update changes nothing.
func (u *AuctionUpdate) Empty() bool {
	if u == nil {
		return true
	}
	return u.Title == nil && u.URL == nil && u.Price == nil && u.Currency == nil &&
		u.Condition == nil && u.ShippingCost == nil && u.BuyItNowPrice == nil &&
		u.NumBids == nil && u.SellerKey == nil && u.EndTime == nil &&
		u.Status == nil && u.WinningBidder == nil && u.MissedCycles == nil
}

// MutationSet is everything one reconciliation wants written for one auction.
// It is applied atomically.
type MutationSet struct {
	AuctionID string

	// Insert is set for a first sighting.
	Insert *Auction
	// Update is set for a field-level change to an existing row.
	Update *AuctionUpdate
	// Seller is upserted before the auction row when set.
	Seller *Seller
	// Specifics replaces the whole set when ReplaceSpecifics is true.
	Specifics        map[string]string
	ReplaceSpecifics bool
	// Bids are appended; existing identities are ignored.
	Bids []Bid
}

// Empty reports whether applying m would be a no-op.
func (m MutationSet) Empty() bool {
	return m.Insert == nil && m.Update.Empty() && m.Seller == nil && !m.ReplaceSpecifics && len(m.Bids) == 0
}

// StatusChange returns the target status when m transitions the lifecycle.
func (m MutationSet) StatusChange() (Status, bool) {
	if m.Update != nil && m.Update.Status != nil {
		return *m.Update.Status, true
	}
	return "", false
}

// Completes reports whether m moves the auction to completed.
func (m MutationSet) Completes() bool {
	if m.Insert != nil {
		return m.Insert.Status == StatusCompleted
	}
	s, ok := m.StatusChange()
	return ok && s == StatusCompleted
}
