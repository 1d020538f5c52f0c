package service

import (
	"context"
	"iter"
	"maps"
	"sync"
	"time"

	"github.com/hewjoe/ebay-catalog/internal/auction"
	"github.com/hewjoe/ebay-catalog/internal/ebay"
	"github.com/hewjoe/ebay-catalog/internal/storage"
)

type fetchItem struct {
	snap auction.Snapshot
	err  error
}

type fakeSource struct {
	mu       sync.Mutex
	items    []fetchItem
	one      map[string]fetchItem
	oneCalls []string
	// onYield runs after each discovery item is consumed.
	onYield func(i int)
}

func (f *fakeSource) Fetch(ctx context.Context, _ ebay.Query) iter.Seq2[auction.Snapshot, error] {
	return func(yield func(auction.Snapshot, error) bool) {
		for i, it := range f.items {
			if !yield(it.snap, it.err) {
				return
			}
			if f.onYield != nil {
				f.onYield(i)
			}
		}
	}
}

func (f *fakeSource) FetchOne(_ context.Context, id string) (auction.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oneCalls = append(f.oneCalls, id)
	it, ok := f.one[id]
	if !ok {
		return auction.Snapshot{}, ebay.ErrNotFound
	}
	return it.snap, it.err
}

// memStore applies mutation sets to maps with the same terminal-status rule
// as the postgres gateway.
type memStore struct {
	mu        sync.Mutex
	auctions  map[string]auction.Auction
	sellers   map[string]auction.Seller
	specifics map[string]map[string]string
	bids      map[string]map[auction.BidKey]auction.Bid

	applyErr   error
	applyCalls int
	touched    []string
}

func newMemStore() *memStore {
	return &memStore{
		auctions:  make(map[string]auction.Auction),
		sellers:   make(map[string]auction.Seller),
		specifics: make(map[string]map[string]string),
		bids:      make(map[string]map[auction.BidKey]auction.Bid),
	}
}

func (m *memStore) put(a auction.Auction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auctions[a.ID] = a
}

func (m *memStore) get(id string) auction.Auction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.auctions[id]
}

func (m *memStore) bidCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bids[id])
}

func (m *memStore) Apply(_ context.Context, ms auction.MutationSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyCalls++
	if m.applyErr != nil {
		return m.applyErr
	}

	if ms.Insert == nil {
		cur, ok := m.auctions[ms.AuctionID]
		if !ok {
			return &auction.PersistenceError{AuctionID: ms.AuctionID, Err: storage.ErrAuctionNotFound}
		}
		if cur.Status.Terminal() {
			return &auction.PersistenceError{AuctionID: ms.AuctionID, Err: storage.ErrTerminal}
		}
	}
	if ms.Seller != nil {
		m.sellers[ms.Seller.Key] = *ms.Seller
	}
	if ms.Insert != nil {
		if _, exists := m.auctions[ms.AuctionID]; !exists {
			m.auctions[ms.AuctionID] = *ms.Insert
		}
	}
	if u := ms.Update; !u.Empty() {
		a := m.auctions[ms.AuctionID]
		applyUpdate(&a, u)
		m.auctions[ms.AuctionID] = a
	}
	if ms.ReplaceSpecifics {
		m.specifics[ms.AuctionID] = maps.Clone(ms.Specifics)
	}
	for _, b := range ms.Bids {
		if m.bids[ms.AuctionID] == nil {
			m.bids[ms.AuctionID] = make(map[auction.BidKey]auction.Bid)
		}
		if _, ok := m.bids[ms.AuctionID][b.Key()]; !ok {
			m.bids[ms.AuctionID][b.Key()] = b
		}
	}
	return nil
}

func applyUpdate(a *auction.Auction, u *auction.AuctionUpdate) {
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
	if u.ShippingCost != nil {
		a.ShippingCost = u.ShippingCost
	}
	if u.BuyItNowPrice != nil {
		a.BuyItNowPrice = u.BuyItNowPrice
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

func (m *memStore) LoadPrior(_ context.Context, id string) (*auction.Prior, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auctions[id]
	if !ok {
		return nil, nil
	}
	prior := &auction.Prior{
		Auction:   a,
		Specifics: maps.Clone(m.specifics[id]),
		Bids:      make(map[auction.BidKey]struct{}),
	}
	if s, ok := m.sellers[a.SellerKey]; ok {
		prior.Seller = &s
	}
	for k := range m.bids[id] {
		prior.Bids[k] = struct{}{}
	}
	return prior, nil
}

func (m *memStore) Touch(_ context.Context, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, ids...)
	for _, id := range ids {
		if a, ok := m.auctions[id]; ok && a.Status.Open() {
			a.LastSeen = at
			a.MissedCycles = 0
			m.auctions[id] = a
		}
	}
	return nil
}

func (m *memStore) ListOpen(_ context.Context) ([]auction.Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []auction.Auction
	for _, a := range m.auctions {
		if a.Status.Open() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) ListOpenEndingBetween(ctx context.Context, from, to time.Time) ([]auction.Auction, error) {
	open, _ := m.ListOpen(ctx)
	var out []auction.Auction
	for _, a := range open {
		if !a.EndTime.Before(from) && !a.EndTime.After(to) {
			out = append(out, a)
		}
	}
	return out, nil
}

var _ storage.Gateway = (*memStore)(nil)
