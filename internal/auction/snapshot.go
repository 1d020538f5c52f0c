package auction

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BidEntry is one line of a listing's visible bid history.
type BidEntry struct {
	Bidder string
	Amount decimal.Decimal
	Time   time.Time
}

// Winner identifies the winning bid of an ended listing.
type Winner struct {
	Bidder string
	Amount decimal.Decimal
}

// Snapshot is a point-in-time, strongly typed read of one listing. Sources
// convert whatever they receive into this shape; nothing downstream looks at
// the raw external format.
type Snapshot struct {
	ID             string
	Title          string
	URL            string
	Price          decimal.Decimal
	Currency       string
	Condition      string
	EndTime        time.Time
	SellerKey      string
	SellerFeedback *int
	SellerPct      *decimal.Decimal
	ShippingCost   *decimal.Decimal
	BuyItNowPrice  *decimal.Decimal
	NumBids        int
	Specifics      map[string]string
	BidHistory     []BidEntry
	Ended          bool
	Winner         *Winner
}

// Validate checks the fields the reconciler cannot work without.
func (s Snapshot) Validate() error {
	switch {
	case strings.TrimSpace(s.ID) == "":
		return &ParseError{Field: "id", Reason: "missing"}
	case strings.TrimSpace(s.Title) == "":
		return &ParseError{AuctionID: s.ID, Field: "title", Reason: "missing"}
	case s.EndTime.IsZero():
		return &ParseError{AuctionID: s.ID, Field: "end_time", Reason: "missing"}
	case s.Price.IsNegative():
		return &ParseError{AuctionID: s.ID, Field: "price", Reason: "negative"}
	}
	for i, b := range s.BidHistory {
		if b.Time.IsZero() {
			return &ParseError{AuctionID: s.ID, Field: "bid_history", Reason: "bid " + strconv.Itoa(i) + " has no time"}
		}
		if b.Amount.IsNegative() {
			return &ParseError{AuctionID: s.ID, Field: "bid_history", Reason: "bid " + strconv.Itoa(i) + " has negative amount"}
		}
	}
	return nil
}

// Bids converts the visible history into bid rows for the auction at
// storage precision.
func (s Snapshot) Bids() []Bid {
	out := make([]Bid, 0, len(s.BidHistory))
	for _, b := range s.BidHistory {
		out = append(out, Bid{
			AuctionID:  s.ID,
			Bidder:     b.Bidder,
			Amount:     b.Amount,
			ObservedAt: b.Time,
		}.Normalized())
	}
	return out
}

// Seller returns the seller row described by the snapshot, or nil when the
// source did not expose one.
func (s Snapshot) Seller() *Seller {
	key := strings.TrimSpace(s.SellerKey)
	if key == "" {
		return nil
	}
	return &Seller{Key: key, FeedbackScore: s.SellerFeedback, FeedbackPct: s.SellerPct}
}

// ContainsAny reports whether text contains any of terms, ignoring case.
func ContainsAny(text string, terms []string) (string, bool) {
	lower := strings.ToLower(text)
	for _, term := range terms {
		t := strings.ToLower(strings.TrimSpace(term))
		if t == "" {
			continue
		}
		if strings.Contains(lower, t) {
			return term, true
		}
	}
	return "", false
}
