package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hewjoe/ebay-catalog/internal/auction"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newReconciler() *Reconciler {
	return New(Options{EndingSoon: time.Hour, MissingCycles: 3, SearchPattern: "rtx 3090"})
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func baseSnapshot() auction.Snapshot {
	return auction.Snapshot{
		ID:        "A1",
		Title:     "NVIDIA RTX 3090 Founders Edition",
		Price:     dec(500),
		Currency:  "USD",
		Condition: "Used",
		EndTime:   t0.Add(2 * time.Hour),
		SellerKey: "gpu_shop",
		BidHistory: []auction.BidEntry{
			{Bidder: "b1", Amount: dec(500), Time: t0},
		},
	}
}

// applyToPrior folds a mutation set into an in-memory prior state the way the
// gateway would persist it.
func applyToPrior(prior *auction.Prior, ms auction.MutationSet) *auction.Prior {
	if prior == nil {
		prior = &auction.Prior{Bids: map[auction.BidKey]struct{}{}}
	}
	if ms.Insert != nil {
		prior.Auction = *ms.Insert
	}
	if ms.Seller != nil {
		s := *ms.Seller
		prior.Seller = &s
	}
	if u := ms.Update; u != nil {
		a := &prior.Auction
		if u.Title != nil {
			a.Title = *u.Title
		}
		if u.URL != nil {
			a.URL = *u.URL
		}
		if u.Price != nil {
			a.Price = *u.Price
		}
		if u.Currency != nil {
			a.Currency = *u.Currency
		}
		if u.Condition != nil {
			a.Condition = *u.Condition
		}
		if u.NumBids != nil {
			a.NumBids = *u.NumBids
		}
		if u.SellerKey != nil {
			a.SellerKey = *u.SellerKey
		}
		if u.EndTime != nil {
			a.EndTime = *u.EndTime
		}
		if u.Status != nil {
			a.Status = *u.Status
		}
		if u.WinningBidder != nil {
			a.WinningBidder = *u.WinningBidder
		}
		if u.MissedCycles != nil {
			a.MissedCycles = *u.MissedCycles
		}
	}
	if ms.ReplaceSpecifics {
		prior.Specifics = ms.Specifics
	}
	for _, b := range ms.Bids {
		prior.Bids[b.Key()] = struct{}{}
	}
	return prior
}

func TestReconcileFirstSightingInsertsActiveAuction(t *testing.T) {
	r := newReconciler()

	ms, err := r.Reconcile(baseSnapshot(), nil, t0)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if ms.Insert == nil {
		t.Fatal("expected an insert for a first sighting")
	}
	if ms.Insert.Status != auction.StatusActive {
		t.Fatalf("expected status active, got %s", ms.Insert.Status)
	}
	if ms.Insert.SearchPattern != "rtx 3090" {
		t.Fatalf("search pattern not stamped: %q", ms.Insert.SearchPattern)
	}
	if ms.Seller == nil || ms.Seller.Key != "gpu_shop" {
		t.Fatalf("expected seller upsert, got %+v", ms.Seller)
	}
	if len(ms.Bids) != 1 || ms.Bids[0].Bidder != "b1" {
		t.Fatalf("expected one bid from b1, got %+v", ms.Bids)
	}
}

func TestReconcileExampleScenario(t *testing.T) {
	r := newReconciler()
	snap := baseSnapshot()

	first, err := r.Reconcile(snap, nil, t0)
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	prior := applyToPrior(nil, first)

	again, err := r.Reconcile(snap, prior, t0)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if !again.Empty() {
		t.Fatalf("re-applying the identical snapshot should be a no-op, got %+v", again)
	}

	later := baseSnapshot()
	later.Price = dec(550)
	later.BidHistory = append(later.BidHistory, auction.BidEntry{Bidder: "b2", Amount: dec(550), Time: t0.Add(time.Minute)})

	ms, err := r.Reconcile(later, prior, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("third reconcile: %v", err)
	}
	if ms.Insert != nil {
		t.Fatal("known auction must not be re-inserted")
	}
	if ms.Update == nil || ms.Update.Price == nil || !ms.Update.Price.Equal(dec(550)) {
		t.Fatalf("expected price update to 550, got %+v", ms.Update)
	}
	if ms.Update.Title != nil || ms.Update.Status != nil || ms.Update.EndTime != nil {
		t.Fatalf("unchanged fields must not be written: %+v", ms.Update)
	}
	if len(ms.Bids) != 1 || ms.Bids[0].Bidder != "b2" {
		t.Fatalf("expected only the b2 bid, got %+v", ms.Bids)
	}
	if ms.Seller != nil || ms.ReplaceSpecifics {
		t.Fatal("seller and specifics are unchanged")
	}
}

func TestReconcileGrowingHistoriesNeverDuplicateBids(t *testing.T) {
	r := newReconciler()
	snap := baseSnapshot()
	snap.BidHistory = nil

	var prior *auction.Prior
	total := 0
	for i := 0; i < 5; i++ {
		snap.BidHistory = append(snap.BidHistory, auction.BidEntry{
			Bidder: "bidder",
			Amount: dec(int64(100 + i*10)),
			Time:   t0.Add(time.Duration(i) * time.Minute),
		})
		ms, err := r.Reconcile(snap, prior, t0)
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if len(ms.Bids) != 1 {
			t.Fatalf("cycle %d: expected exactly one new bid, got %d", i, len(ms.Bids))
		}
		total += len(ms.Bids)
		prior = applyToPrior(prior, ms)
	}
	if total != 5 || len(prior.Bids) != 5 {
		t.Fatalf("expected 5 distinct bids, got total=%d stored=%d", total, len(prior.Bids))
	}
}

func TestReconcileOrdersBidsByTimeThenAmount(t *testing.T) {
	r := newReconciler()
	snap := baseSnapshot()
	snap.BidHistory = []auction.BidEntry{
		{Bidder: "c", Amount: dec(300), Time: t0.Add(time.Minute)},
		{Bidder: "b", Amount: dec(200), Time: t0},
		{Bidder: "a", Amount: dec(100), Time: t0},
		{Bidder: "a", Amount: dec(100), Time: t0},
	}

	ms, err := r.Reconcile(snap, nil, t0)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(ms.Bids) != 3 {
		t.Fatalf("duplicate identity should collapse, got %d bids", len(ms.Bids))
	}
	want := []string{"a", "b", "c"}
	for i, b := range ms.Bids {
		if b.Bidder != want[i] {
			t.Fatalf("bid %d: expected %s, got %s", i, want[i], b.Bidder)
		}
	}
}

func TestReconcileEndingSoonUsesReconciliationTime(t *testing.T) {
	r := newReconciler()
	snap := baseSnapshot()

	ms, _ := r.Reconcile(snap, nil, t0)
	prior := applyToPrior(nil, ms)

	ms, err := r.Reconcile(snap, prior, t0.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if ms.Update == nil || ms.Update.Status == nil || *ms.Update.Status != auction.StatusEndingSoon {
		t.Fatalf("expected transition to ending_soon, got %+v", ms.Update)
	}
}

func TestReconcileCompletionRecordsWinner(t *testing.T) {
	r := newReconciler()
	snap := baseSnapshot()
	ms, _ := r.Reconcile(snap, nil, t0)
	prior := applyToPrior(nil, ms)

	done := baseSnapshot()
	done.Price = dec(620)
	done.Ended = true
	done.Winner = &auction.Winner{Bidder: "w9", Amount: dec(620)}

	ms, err := r.Reconcile(done, prior, snap.EndTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !ms.Completes() {
		t.Fatalf("expected completion, got %+v", ms.Update)
	}
	if ms.Update.WinningBidder == nil || *ms.Update.WinningBidder != "w9" {
		t.Fatal("winning bidder should be recorded")
	}
	if len(ms.Bids) != 1 || !ms.Bids[0].Winning || !ms.Bids[0].ObservedAt.Equal(snap.EndTime) {
		t.Fatalf("expected a terminal winning bid at end time, got %+v", ms.Bids)
	}
}

func TestReconcileCompletionSkipsWinnerAlreadyInHistory(t *testing.T) {
	r := newReconciler()
	snap := baseSnapshot()
	ms, _ := r.Reconcile(snap, nil, t0)
	prior := applyToPrior(nil, ms)

	done := baseSnapshot()
	done.Ended = true
	done.Winner = &auction.Winner{Bidder: "b1", Amount: dec(500)}

	ms, err := r.Reconcile(done, prior, snap.EndTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(ms.Bids) != 0 {
		t.Fatalf("winner matches a recorded bid, no extra row expected: %+v", ms.Bids)
	}
}

func TestReconcilePastEndWithoutConfirmationStaysOpen(t *testing.T) {
	r := newReconciler()
	snap := baseSnapshot()

	ms, err := r.Reconcile(snap, nil, snap.EndTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if ms.Insert.Status != auction.StatusEndingSoon {
		t.Fatalf("expected ending_soon pending confirmation, got %s", ms.Insert.Status)
	}
}

func TestReconcileTerminalStatusNeverRegresses(t *testing.T) {
	r := newReconciler()
	for _, status := range []auction.Status{auction.StatusCompleted, auction.StatusUnknown} {
		prior := &auction.Prior{
			Auction: auction.Auction{ID: "A1", Title: "old", Price: dec(1), Status: status, EndTime: t0},
			Bids:    map[auction.BidKey]struct{}{},
		}
		snap := baseSnapshot()
		snap.EndTime = t0.Add(48 * time.Hour)

		ms, err := r.Reconcile(snap, prior, t0)
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		if !ms.Empty() {
			t.Fatalf("%s auction must not be mutated, got %+v", status, ms)
		}
	}
}

func TestReconcileEndTimeIsMonotonic(t *testing.T) {
	r := newReconciler()
	snap := baseSnapshot()
	ms, _ := r.Reconcile(snap, nil, t0)
	prior := applyToPrior(nil, ms)

	earlier := baseSnapshot()
	earlier.EndTime = snap.EndTime.Add(-30 * time.Minute)
	ms, err := r.Reconcile(earlier, prior, t0)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if ms.Update != nil && ms.Update.EndTime != nil {
		t.Fatal("end time must not move backwards")
	}

	extended := baseSnapshot()
	extended.EndTime = snap.EndTime.Add(30 * time.Minute)
	ms, _ = r.Reconcile(extended, prior, t0)
	if ms.Update == nil || ms.Update.EndTime == nil || !ms.Update.EndTime.Equal(extended.EndTime) {
		t.Fatal("end time extension should be recorded")
	}
}

func TestReconcileReplacesSpecificsOnlyWhenChanged(t *testing.T) {
	r := newReconciler()
	snap := baseSnapshot()
	snap.Specifics = map[string]string{"Brand": "NVIDIA", "Memory": "24 GB"}

	ms, _ := r.Reconcile(snap, nil, t0)
	if !ms.ReplaceSpecifics || len(ms.Specifics) != 2 {
		t.Fatalf("expected specifics on insert, got %+v", ms.Specifics)
	}
	prior := applyToPrior(nil, ms)

	ms, _ = r.Reconcile(snap, prior, t0)
	if ms.ReplaceSpecifics {
		t.Fatal("unchanged specifics must not be rewritten")
	}

	snap.Specifics = map[string]string{"Brand": "NVIDIA"}
	ms, _ = r.Reconcile(snap, prior, t0)
	if !ms.ReplaceSpecifics || len(ms.Specifics) != 1 {
		t.Fatalf("stale keys should be dropped by a full replace, got %+v", ms.Specifics)
	}

	snap.Specifics = nil
	ms, _ = r.Reconcile(snap, prior, t0)
	if ms.ReplaceSpecifics {
		t.Fatal("a read without specifics must leave them alone")
	}
}

func TestReconcileRejectsMalformedSnapshot(t *testing.T) {
	r := newReconciler()
	snap := baseSnapshot()
	snap.EndTime = time.Time{}

	_, err := r.Reconcile(snap, nil, t0)
	var pe *auction.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if pe.Field != "end_time" {
		t.Fatalf("expected end_time field, got %s", pe.Field)
	}
	if auction.Classify(err) != auction.CategoryReconciliation {
		t.Fatal("malformed snapshots belong to the reconciliation category")
	}
}

func TestAbsentRetiresAfterConfiguredCycles(t *testing.T) {
	r := newReconciler()
	a := auction.Auction{ID: "A1", Status: auction.StatusActive}

	for i := 1; i <= 3; i++ {
		ms := r.Absent(a)
		if ms.Update == nil || ms.Update.MissedCycles == nil || *ms.Update.MissedCycles != i {
			t.Fatalf("cycle %d: expected missed=%d, got %+v", i, i, ms.Update)
		}
		status, changed := ms.StatusChange()
		if i < 3 && changed {
			t.Fatalf("cycle %d: retired too early", i)
		}
		if i == 3 && (!changed || status != auction.StatusUnknown) {
			t.Fatalf("cycle %d: expected unknown, got %v", i, status)
		}
		a.MissedCycles = i
	}

	a.Status = auction.StatusUnknown
	if !r.Absent(a).Empty() {
		t.Fatal("terminal auctions are not retried")
	}
}

func TestReconcileBidIdentitySurvivesStoragePrecision(t *testing.T) {
	r := newReconciler()
	snap := baseSnapshot()
	snap.BidHistory = []auction.BidEntry{
		{Bidder: "b1", Amount: decimal.RequireFromString("500.005"), Time: t0.Add(123456789 * time.Nanosecond)},
	}

	ms, err := r.Reconcile(snap, nil, t0)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(ms.Bids) != 1 {
		t.Fatalf("expected one bid, got %d", len(ms.Bids))
	}
	if got := ms.Bids[0]; got.Amount.String() != "500.01" || got.ObservedAt.Nanosecond() != 123456000 {
		t.Fatalf("bid should be written at storage precision, got %s at %s", got.Amount, got.ObservedAt.Format(time.RFC3339Nano))
	}

	// The prior as reloaded from NUMERIC(12,2) and TIMESTAMPTZ columns.
	stored := auction.Bid{
		AuctionID:  "A1",
		Bidder:     "b1",
		Amount:     decimal.RequireFromString("500.01"),
		ObservedAt: t0.Add(123456 * time.Microsecond),
	}
	prior := &auction.Prior{
		Auction: *ms.Insert,
		Seller:  ms.Seller,
		Bids:    map[auction.BidKey]struct{}{stored.Key(): {}},
	}

	again, err := r.Reconcile(snap, prior, t0)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !again.Empty() {
		t.Fatalf("重放同一快照应为空变更集, got bids=%d update=%+v", len(again.Bids), again.Update)
	}
}
