package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hewjoe/ebay-catalog/internal/auction"
)

// AuctionOverview is one row of the show listing.
type AuctionOverview struct {
	auction.Auction
	SellerFeedback *int
	SellerPct      *decimal.Decimal
	BidRows        int
}

// ListFilter narrows ListAuctions.
type ListFilter struct {
	Status        auction.Status
	SearchPattern string
	EndsAfter     time.Time
	Limit         int
}
