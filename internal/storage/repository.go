package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hewjoe/ebay-catalog/internal/auction"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrTerminal rejects a mutation of an auction that is already completed
	// or unknown.
	ErrTerminal = errors.New("storage: auction is in a terminal status")
	// ErrAuctionNotFound is returned by lookups of an unknown auction id.
	ErrAuctionNotFound = errors.New("storage: auction not found")
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var auctionColumns = []string{
	"a.auction_id",
	"a.seller_key",
	"a.title",
	"a.url",
	"a.search_pattern",
	"a.price",
	"a.currency",
	"a.condition",
	"a.shipping_cost",
	"a.buy_it_now_price",
	"a.num_bids",
	"a.status",
	"a.end_time",
	"a.winning_bidder",
	"a.missed_cycles",
	"a.first_seen",
	"a.last_seen",
}

const (
	upsertSellerSQL = `INSERT INTO sellers (
        seller_key,
        feedback_score,
        feedback_pct,
        account_age_days
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (seller_key) DO UPDATE
    SET
        feedback_score   = COALESCE(EXCLUDED.feedback_score, sellers.feedback_score),
        feedback_pct     = COALESCE(EXCLUDED.feedback_pct, sellers.feedback_pct),
        account_age_days = COALESCE(EXCLUDED.account_age_days, sellers.account_age_days),
        updated_at       = NOW();`

	insertAuctionSQL = `INSERT INTO auctions (
        auction_id,
        seller_key,
        title,
        url,
        search_pattern,
        price,
        currency,
        condition,
        shipping_cost,
        buy_it_now_price,
        num_bids,
        status,
        end_time,
        winning_bidder,
        missed_cycles,
        first_seen,
        last_seen
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
    )
    ON CONFLICT (auction_id) DO NOTHING;`

	lockAuctionSQL = `SELECT status FROM auctions WHERE auction_id = $1 FOR UPDATE;`

	deleteSpecificsSQL = `DELETE FROM item_specifics WHERE auction_id = $1;`

	touchAuctionsSQL = `UPDATE auctions
    SET last_seen = GREATEST(last_seen, $2), missed_cycles = 0
    WHERE auction_id = ANY($1) AND status IN ('active', 'ending_soon');`

	selectSpecificsSQL = `SELECT key, value FROM item_specifics WHERE auction_id = $1;`

	selectBidsSQL = `SELECT
        auction_id,
        bidder,
        amount,
        observed_at,
        winning
    FROM bids
    WHERE auction_id = $1
    ORDER BY observed_at, amount
    LIMIT $2;`
)

// DB is the part of *pgxpool.Pool the store needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Gateway is what the polling driver persists through.
type Gateway interface {
	Apply(ctx context.Context, ms auction.MutationSet) error
	LoadPrior(ctx context.Context, id string) (*auction.Prior, error)
	Touch(ctx context.Context, ids []string, at time.Time) error
	ListOpen(ctx context.Context) ([]auction.Auction, error)
	ListOpenEndingBetween(ctx context.Context, from, to time.Time) ([]auction.Auction, error)
}

// Store is the PostgreSQL persistence gateway.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		return &Store{}
	}
	return &Store{db: pool, pool: pool}
}

// newStoreWithDB is used where no real pool exists.
func newStoreWithDB(db DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getDB() (DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// Apply writes one reconciliation result in a single transaction. Mutations
// of an existing auction lock its row first and are rejected with
// ErrTerminal once the auction is completed or unknown, which serialises
// concurrent status transitions.
func (s *Store) Apply(ctx context.Context, ms auction.MutationSet) error {
	if ms.Empty() {
		return nil
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return persistenceError(ms.AuctionID, fmt.Errorf("begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := applyMutations(ctx, tx, ms); err != nil {
		return persistenceError(ms.AuctionID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return persistenceError(ms.AuctionID, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func applyMutations(ctx context.Context, tx pgx.Tx, ms auction.MutationSet) error {
	if ms.Insert == nil {
		if err := lockOpenAuction(ctx, tx, ms.AuctionID); err != nil {
			return err
		}
	}

	if ms.Seller != nil {
		if err := upsertSeller(ctx, tx, *ms.Seller); err != nil {
			return err
		}
	}

	if ms.Insert != nil {
		if err := insertAuction(ctx, tx, *ms.Insert); err != nil {
			return err
		}
	}

	if !ms.Update.Empty() {
		query, args, err := buildAuctionUpdate(ms.AuctionID, ms.Update)
		if err != nil {
			return fmt.Errorf("build auction update: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("update auction: %w", err)
		}
	}

	if ms.ReplaceSpecifics {
		if err := replaceSpecifics(ctx, tx, ms.AuctionID, ms.Specifics); err != nil {
			return err
		}
	}

	if len(ms.Bids) > 0 {
		if err := insertBids(ctx, tx, ms.AuctionID, ms.Bids); err != nil {
			return err
		}
	}
	return nil
}

func lockOpenAuction(ctx context.Context, tx pgx.Tx, id string) error {
	var status string
	if err := tx.QueryRow(ctx, lockAuctionSQL, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock auction %s: %w", id, ErrAuctionNotFound)
		}
		return fmt.Errorf("lock auction %s: %w", id, err)
	}
	if auction.Status(status).Terminal() {
		return fmt.Errorf("auction %s is %s: %w", id, status, ErrTerminal)
	}
	return nil
}

func upsertSeller(ctx context.Context, tx pgx.Tx, seller auction.Seller) error {
	var ageDays any
	if seller.AccountAge != nil {
		ageDays = int(*seller.AccountAge / (24 * time.Hour))
	}
	if _, err := tx.Exec(ctx, upsertSellerSQL,
		seller.Key,
		seller.FeedbackScore,
		decimalArg(seller.FeedbackPct),
		ageDays,
	); err != nil {
		return fmt.Errorf("upsert seller: %w", err)
	}
	return nil
}

func insertAuction(ctx context.Context, tx pgx.Tx, a auction.Auction) error {
	if _, err := tx.Exec(ctx, insertAuctionSQL,
		a.ID,
		nullableString(a.SellerKey),
		a.Title,
		a.URL,
		a.SearchPattern,
		a.Price.String(),
		a.Currency,
		a.Condition,
		decimalArg(a.ShippingCost),
		decimalArg(a.BuyItNowPrice),
		a.NumBids,
		string(a.Status),
		a.EndTime.UTC(),
		a.WinningBidder,
		a.MissedCycles,
		a.FirstSeen.UTC(),
		a.LastSeen.UTC(),
	); err != nil {
		return fmt.Errorf("insert auction: %w", err)
	}
	return nil
}

func buildAuctionUpdate(id string, u *auction.AuctionUpdate) (string, []any, error) {
	b := psql.Update("auctions")
	if u.Title != nil {
		b = b.Set("title", *u.Title)
	}
	if u.URL != nil {
		b = b.Set("url", *u.URL)
	}
	if u.Price != nil {
		b = b.Set("price", u.Price.String())
	}
	if u.Currency != nil {
		b = b.Set("currency", *u.Currency)
	}
	if u.Condition != nil {
		b = b.Set("condition", *u.Condition)
	}
	if u.ShippingCost != nil {
		b = b.Set("shipping_cost", u.ShippingCost.String())
	}
	if u.BuyItNowPrice != nil {
		b = b.Set("buy_it_now_price", u.BuyItNowPrice.String())
	}
	if u.NumBids != nil {
		b = b.Set("num_bids", *u.NumBids)
	}
	if u.SellerKey != nil {
		b = b.Set("seller_key", nullableString(*u.SellerKey))
	}
	if u.EndTime != nil {
		b = b.Set("end_time", u.EndTime.UTC())
	}
	if u.Status != nil {
		b = b.Set("status", string(*u.Status))
	}
	if u.WinningBidder != nil {
		b = b.Set("winning_bidder", *u.WinningBidder)
	}
	if u.MissedCycles != nil {
		b = b.Set("missed_cycles", *u.MissedCycles)
	}
	return b.Where(sq.Eq{"auction_id": id}).ToSql()
}

func replaceSpecifics(ctx context.Context, tx pgx.Tx, id string, specifics map[string]string) error {
	if _, err := tx.Exec(ctx, deleteSpecificsSQL, id); err != nil {
		return fmt.Errorf("delete item specifics: %w", err)
	}
	if len(specifics) == 0 {
		return nil
	}

	keys := make([]string, 0, len(specifics))
	for k := range specifics {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	b := psql.Insert("item_specifics").Columns("auction_id", "key", "value")
	for _, k := range keys {
		b = b.Values(id, k, specifics[k])
	}
	query, args, err := b.Suffix("ON CONFLICT (auction_id, key) DO UPDATE SET value = EXCLUDED.value").ToSql()
	if err != nil {
		return fmt.Errorf("build item specifics insert: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert item specifics: %w", err)
	}
	return nil
}

func insertBids(ctx context.Context, tx pgx.Tx, id string, bids []auction.Bid) error {
	b := psql.Insert("bids").Columns("auction_id", "bidder", "amount", "observed_at", "winning")
	for _, bid := range bids {
		b = b.Values(id, bid.Bidder, bid.Amount.String(), bid.ObservedAt.UTC(), bid.Winning)
	}
	query, args, err := b.Suffix("ON CONFLICT (auction_id, bidder, amount, observed_at) DO NOTHING").ToSql()
	if err != nil {
		return fmt.Errorf("build bids insert: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert bids: %w", err)
	}
	return nil
}

// Touch marks open auctions as observed at at and clears their missed-cycle
// count. Terminal auctions are left untouched.
func (s *Store) Touch(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, touchAuctionsSQL, ids, at.UTC()); err != nil {
		return persistenceError("", fmt.Errorf("touch auctions: %w", err))
	}
	return nil
}

// LoadPrior returns the stored state of an auction, or nil when it has never
// been recorded.
func (s *Store) LoadPrior(ctx context.Context, id string) (*auction.Prior, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	query, args, err := psql.
		Select(append(slices.Clone(auctionColumns), "s.feedback_score", "s.feedback_pct", "s.account_age_days")...).
		From("auctions a").
		LeftJoin("sellers s ON s.seller_key = a.seller_key").
		Where(sq.Eq{"a.auction_id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build prior query: %w", err)
	}

	var (
		feedback *int
		pct      *string
		ageDays  *int
	)
	a, err := scanAuction(db.QueryRow(ctx, query, args...), &feedback, &pct, &ageDays)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, persistenceError(id, fmt.Errorf("load auction: %w", err))
	}

	prior := &auction.Prior{Auction: a}
	if a.SellerKey != "" {
		prior.Seller = &auction.Seller{Key: a.SellerKey, FeedbackScore: feedback}
		if prior.Seller.FeedbackPct, err = parseDecimalPtr(pct); err != nil {
			return nil, fmt.Errorf("parse seller feedback pct: %w", err)
		}
		if ageDays != nil {
			age := time.Duration(*ageDays) * 24 * time.Hour
			prior.Seller.AccountAge = &age
		}
	}

	if prior.Specifics, err = s.loadSpecifics(ctx, db, id); err != nil {
		return nil, persistenceError(id, err)
	}

	bids, err := s.listBids(ctx, db, id, 0)
	if err != nil {
		return nil, persistenceError(id, err)
	}
	prior.Bids = make(map[auction.BidKey]struct{}, len(bids))
	for _, b := range bids {
		prior.Bids[b.Key()] = struct{}{}
	}
	return prior, nil
}

func (s *Store) loadSpecifics(ctx context.Context, db DB, id string) (map[string]string, error) {
	rows, err := db.Query(ctx, selectSpecificsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("load item specifics: %w", err)
	}
	defer rows.Close()

	specifics := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		specifics[k] = v
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return specifics, nil
}

// ListBids returns an auction's recorded bids ordered by time then amount.
// A non-positive limit returns all of them.
func (s *Store) ListBids(ctx context.Context, id string, limit int) ([]auction.Bid, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return s.listBids(ctx, db, id, limit)
}

func (s *Store) listBids(ctx context.Context, db DB, id string, limit int) ([]auction.Bid, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := db.Query(ctx, selectBidsSQL, id, limitArg)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}
	defer rows.Close()

	bids := make([]auction.Bid, 0)
	for rows.Next() {
		var (
			b      auction.Bid
			amount string
		)
		if err := rows.Scan(&b.AuctionID, &b.Bidder, &amount, &b.ObservedAt, &b.Winning); err != nil {
			return nil, err
		}
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse bid amount: %w", err)
		}
		b.ObservedAt = b.ObservedAt.UTC()
		bids = append(bids, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return bids, nil
}

// ListOpen returns every auction still awaiting completion.
func (s *Store) ListOpen(ctx context.Context) ([]auction.Auction, error) {
	return s.listAuctions(ctx, psql.
		Select(auctionColumns...).
		From("auctions a").
		Where(sq.Eq{"a.status": openStatuses()}).
		OrderBy("a.end_time"))
}

// ListOpenEndingBetween returns open auctions whose end time lies in [from, to].
func (s *Store) ListOpenEndingBetween(ctx context.Context, from, to time.Time) ([]auction.Auction, error) {
	return s.listAuctions(ctx, psql.
		Select(auctionColumns...).
		From("auctions a").
		Where(sq.Eq{"a.status": openStatuses()}).
		Where(sq.GtOrEq{"a.end_time": from.UTC()}).
		Where(sq.LtOrEq{"a.end_time": to.UTC()}).
		OrderBy("a.end_time"))
}

// GetAuction returns one stored auction.
func (s *Store) GetAuction(ctx context.Context, id string) (auction.Auction, error) {
	rows, err := s.listAuctions(ctx, psql.
		Select(auctionColumns...).
		From("auctions a").
		Where(sq.Eq{"a.auction_id": id}))
	if err != nil {
		return auction.Auction{}, err
	}
	if len(rows) == 0 {
		return auction.Auction{}, ErrAuctionNotFound
	}
	return rows[0], nil
}

// ListAuctions returns tracked auctions for display, most recently ending first.
func (s *Store) ListAuctions(ctx context.Context, f ListFilter) ([]AuctionOverview, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	cols := append(slices.Clone(auctionColumns),
		"s.feedback_score",
		"s.feedback_pct",
		"(SELECT COUNT(*) FROM bids b WHERE b.auction_id = a.auction_id)",
	)
	b := psql.Select(cols...).
		From("auctions a").
		LeftJoin("sellers s ON s.seller_key = a.seller_key").
		OrderBy("a.end_time DESC")
	if f.Status != "" {
		b = b.Where(sq.Eq{"a.status": string(f.Status)})
	}
	if f.SearchPattern != "" {
		b = b.Where(sq.Eq{"a.search_pattern": f.SearchPattern})
	}
	if !f.EndsAfter.IsZero() {
		b = b.Where(sq.GtOrEq{"a.end_time": f.EndsAfter.UTC()})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build auction listing: %w", err)
	}
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list auctions: %w", err)
	}
	defer rows.Close()

	out := make([]AuctionOverview, 0)
	for rows.Next() {
		var (
			ov      AuctionOverview
			pct     *string
			bidRows int64
		)
		ov.Auction, err = scanAuction(rows, &ov.SellerFeedback, &pct, &bidRows)
		if err != nil {
			return nil, err
		}
		if ov.SellerPct, err = parseDecimalPtr(pct); err != nil {
			return nil, fmt.Errorf("parse seller feedback pct: %w", err)
		}
		ov.BidRows = int(bidRows)
		out = append(out, ov)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (s *Store) listAuctions(ctx context.Context, b sq.SelectBuilder) ([]auction.Auction, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build auction query: %w", err)
	}
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, persistenceError("", fmt.Errorf("list auctions: %w", err))
	}
	defer rows.Close()

	out := make([]auction.Auction, 0)
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if rows.Err() != nil {
		return nil, persistenceError("", rows.Err())
	}
	return out, nil
}

// scanAuction reads auctionColumns followed by any extra destinations.
func scanAuction(row pgx.Row, extra ...any) (auction.Auction, error) {
	var (
		a         auction.Auction
		sellerKey *string
		price     string
		shipping  *string
		buyNow    *string
		status    string
	)
	dest := append([]any{
		&a.ID,
		&sellerKey,
		&a.Title,
		&a.URL,
		&a.SearchPattern,
		&price,
		&a.Currency,
		&a.Condition,
		&shipping,
		&buyNow,
		&a.NumBids,
		&status,
		&a.EndTime,
		&a.WinningBidder,
		&a.MissedCycles,
		&a.FirstSeen,
		&a.LastSeen,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return auction.Auction{}, err
	}

	var err error
	if a.Price, err = decimal.NewFromString(price); err != nil {
		return auction.Auction{}, fmt.Errorf("parse price: %w", err)
	}
	if a.ShippingCost, err = parseDecimalPtr(shipping); err != nil {
		return auction.Auction{}, fmt.Errorf("parse shipping cost: %w", err)
	}
	if a.BuyItNowPrice, err = parseDecimalPtr(buyNow); err != nil {
		return auction.Auction{}, fmt.Errorf("parse buy it now price: %w", err)
	}
	if sellerKey != nil {
		a.SellerKey = *sellerKey
	}
	a.Status = auction.Status(status)
	a.EndTime = a.EndTime.UTC()
	a.FirstSeen = a.FirstSeen.UTC()
	a.LastSeen = a.LastSeen.UTC()
	return a, nil
}

func openStatuses() []string {
	return []string{string(auction.StatusActive), string(auction.StatusEndingSoon)}
}

func parseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func persistenceError(id string, err error) error {
	var pe *auction.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &auction.PersistenceError{AuctionID: id, Transient: isTransient(err), Err: err}
}

// isTransient reports connection-class failures: SQLSTATE class 08, admin
// shutdown (57P0x), timeouts and network errors.
func isTransient(err error) bool {
	if errors.Is(err, ErrTerminal) || errors.Is(err, ErrAuctionNotFound) || errors.Is(err, pgx.ErrNoRows) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P")
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || pgconn.Timeout(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

var (
	_ Gateway = (*Store)(nil)
	_ DB      = (*pgxpool.Pool)(nil)
)
