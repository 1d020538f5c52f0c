// Package reconcile turns listing snapshots into store mutations by diffing
// them against the last persisted state of each auction.
package reconcile

import (
	"maps"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hewjoe/ebay-catalog/internal/auction"
)

// Options tune lifecycle classification.
type Options struct {
	// EndingSoon is the time-to-end below which an open auction is ending_soon.
	EndingSoon time.Duration
	// MissingCycles is how many consecutive unseen cycles retire an open
	// auction to unknown.
	MissingCycles int
	// SearchPattern is stamped on newly inserted auctions.
	SearchPattern string
	// EndTimeTolerance ignores forward end-time drift up to this amount.
	// Sources that only expose "time left" produce small jitter on every read.
	EndTimeTolerance time.Duration
}

// Reconciler is stateless; every decision depends only on its inputs.
type Reconciler struct {
	opts Options
}

// New constructs a Reconciler.
func New(opts Options) *Reconciler {
	if opts.MissingCycles <= 0 {
		opts.MissingCycles = 1
	}
	return &Reconciler{opts: opts}
}

// Reconcile diffs snap against prior (nil for a first sighting) and returns
// the mutations needed to bring the store up to date. Reconciling the same
// snapshot against the state it produced yields an empty set. A terminal
// prior always yields an empty set.
func (r *Reconciler) Reconcile(snap auction.Snapshot, prior *auction.Prior, now time.Time) (auction.MutationSet, error) {
	if err := snap.Validate(); err != nil {
		return auction.MutationSet{}, err
	}
	now = now.UTC()

	if prior == nil {
		return r.insert(snap, now), nil
	}
	if prior.Auction.Status.Terminal() {
		return auction.MutationSet{AuctionID: snap.ID}, nil
	}
	return r.diff(snap, prior, now), nil
}

// Absent records one more cycle in which an open auction was not observed,
// retiring it to unknown once the configured count is reached.
func (r *Reconciler) Absent(prior auction.Auction) auction.MutationSet {
	ms := auction.MutationSet{AuctionID: prior.ID}
	if prior.Status.Terminal() {
		return ms
	}
	missed := prior.MissedCycles + 1
	ms.Update = &auction.AuctionUpdate{MissedCycles: &missed}
	if missed >= r.opts.MissingCycles {
		status := auction.StatusUnknown
		ms.Update.Status = &status
	}
	return ms
}

// Classify returns the status an auction should carry given its end time and
// whether the source confirms it ended, evaluated at now. An auction past its
// end time without confirmation stays ending_soon until a recheck confirms it.
func (r *Reconciler) Classify(endTime time.Time, ended bool, now time.Time) auction.Status {
	if !endTime.After(now) {
		if ended {
			return auction.StatusCompleted
		}
		return auction.StatusEndingSoon
	}
	if endTime.Sub(now) <= r.opts.EndingSoon {
		return auction.StatusEndingSoon
	}
	return auction.StatusActive
}

func (r *Reconciler) insert(snap auction.Snapshot, now time.Time) auction.MutationSet {
	status := r.Classify(snap.EndTime, endedFor(snap), now)
	row := &auction.Auction{
		ID:            snap.ID,
		Title:         snap.Title,
		URL:           snap.URL,
		SearchPattern: r.opts.SearchPattern,
		Price:         snap.Price,
		Currency:      snap.Currency,
		Condition:     snap.Condition,
		ShippingCost:  snap.ShippingCost,
		BuyItNowPrice: snap.BuyItNowPrice,
		NumBids:       snap.NumBids,
		Status:        status,
		EndTime:       snap.EndTime.UTC(),
		FirstSeen:     now,
		LastSeen:      now,
	}

	ms := auction.MutationSet{
		AuctionID:        snap.ID,
		Insert:           row,
		Seller:           snap.Seller(),
		Specifics:        cloneSpecifics(snap.Specifics),
		ReplaceSpecifics: len(snap.Specifics) > 0,
	}
	row.SellerKey = ""
	if ms.Seller != nil {
		row.SellerKey = ms.Seller.Key
	}

	bids := dedupeBids(snap.Bids(), nil)
	if status == auction.StatusCompleted && snap.Winner != nil {
		row.WinningBidder = snap.Winner.Bidder
		if w, ok := winningBid(snap, nil); ok {
			bids = append(bids, w)
		}
	}
	sortBids(bids)
	ms.Bids = bids
	return ms
}

func (r *Reconciler) diff(snap auction.Snapshot, prior *auction.Prior, now time.Time) auction.MutationSet {
	cur := prior.Auction
	ms := auction.MutationSet{AuctionID: cur.ID}
	upd := &auction.AuctionUpdate{}

	if snap.Title != cur.Title {
		upd.Title = &snap.Title
	}
	if snap.URL != "" && snap.URL != cur.URL {
		upd.URL = &snap.URL
	}
	if !snap.Price.Equal(cur.Price) {
		price := snap.Price
		upd.Price = &price
	}
	if snap.Currency != "" && snap.Currency != cur.Currency {
		upd.Currency = &snap.Currency
	}
	if snap.Condition != "" && snap.Condition != cur.Condition {
		upd.Condition = &snap.Condition
	}
	if snap.ShippingCost != nil && !decimalPtrEqual(snap.ShippingCost, cur.ShippingCost) {
		upd.ShippingCost = snap.ShippingCost
	}
	if snap.BuyItNowPrice != nil && !decimalPtrEqual(snap.BuyItNowPrice, cur.BuyItNowPrice) {
		upd.BuyItNowPrice = snap.BuyItNowPrice
	}
	if snap.NumBids > cur.NumBids {
		upd.NumBids = &snap.NumBids
	}

	// End time never moves backwards for the same listing id.
	endTime := cur.EndTime
	if snap.EndTime.Sub(cur.EndTime) > r.opts.EndTimeTolerance {
		end := snap.EndTime.UTC()
		upd.EndTime = &end
		endTime = end
	}

	if seller := snap.Seller(); seller != nil {
		if seller.Key != cur.SellerKey {
			upd.SellerKey = &seller.Key
			ms.Seller = seller
		} else if !sellerEqual(seller, prior.Seller) {
			ms.Seller = seller
		}
	}

	status := r.Classify(endTime, endedFor(snap), now)
	if status != cur.Status {
		upd.Status = &status
	}

	// A nil map means the source did not report specifics on this read.
	if snap.Specifics != nil && !maps.Equal(normSpecifics(snap.Specifics), normSpecifics(prior.Specifics)) {
		ms.Specifics = cloneSpecifics(snap.Specifics)
		ms.ReplaceSpecifics = true
	}

	bids := dedupeBids(snap.Bids(), prior)
	if status == auction.StatusCompleted && snap.Winner != nil {
		if snap.Winner.Bidder != cur.WinningBidder {
			upd.WinningBidder = &snap.Winner.Bidder
		}
		if w, ok := winningBid(snap, prior); ok {
			bids = append(bids, w)
		}
	}
	sortBids(bids)
	ms.Bids = bids

	if !upd.Empty() {
		ms.Update = upd
	}
	return ms
}

// endedFor treats a reported winner as confirmation that the listing ended.
func endedFor(snap auction.Snapshot) bool {
	return snap.Ended || snap.Winner != nil
}

// winningBid builds the terminal bid row when the winner cannot be matched
// to any bid in the snapshot's history or already on record.
func winningBid(snap auction.Snapshot, prior *auction.Prior) (auction.Bid, bool) {
	w := snap.Winner
	for _, b := range snap.BidHistory {
		if b.Bidder == w.Bidder && b.Amount.Round(auction.BidAmountPlaces).Equal(w.Amount.Round(auction.BidAmountPlaces)) {
			return auction.Bid{}, false
		}
	}
	if prior != nil {
		amount := w.Amount.Round(auction.BidAmountPlaces).String()
		for key := range prior.Bids {
			if key.Bidder == w.Bidder && key.Amount == amount {
				return auction.Bid{}, false
			}
		}
	}
	return auction.Bid{
		AuctionID:  snap.ID,
		Bidder:     w.Bidder,
		Amount:     w.Amount,
		ObservedAt: snap.EndTime,
		Winning:    true,
	}.Normalized(), true
}

// dedupeBids drops bids already recorded in prior and collapses repeated
// identities within the snapshot itself.
func dedupeBids(bids []auction.Bid, prior *auction.Prior) []auction.Bid {
	out := make([]auction.Bid, 0, len(bids))
	seen := make(map[auction.BidKey]struct{}, len(bids))
	for _, b := range bids {
		key := b.Key()
		if prior.HasBid(key) {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, b)
	}
	return out
}

func sortBids(bids []auction.Bid) {
	sort.SliceStable(bids, func(i, j int) bool { return auction.LessBid(bids[i], bids[j]) })
}

func sellerEqual(a, b *auction.Seller) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Key != b.Key {
		return false
	}
	if !intPtrEqual(a.FeedbackScore, b.FeedbackScore) {
		return false
	}
	return decimalPtrEqual(a.FeedbackPct, b.FeedbackPct)
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func decimalPtrEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func normSpecifics(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}

func cloneSpecifics(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return maps.Clone(m)
}
