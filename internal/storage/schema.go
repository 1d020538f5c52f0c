package storage

import (
	"context"
	"fmt"
)

// schemaStatements create the tracker schema. Every statement is guarded by
// IF NOT EXISTS so initialisation can be repeated safely.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sellers (
        seller_key      TEXT PRIMARY KEY,
        feedback_score  INTEGER,
        feedback_pct    NUMERIC(6, 2),
        account_age_days INTEGER,
        created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
	`CREATE TABLE IF NOT EXISTS auctions (
        auction_id       TEXT PRIMARY KEY,
        seller_key       TEXT REFERENCES sellers(seller_key),
        title            TEXT NOT NULL,
        url              TEXT NOT NULL DEFAULT '',
        search_pattern   TEXT NOT NULL DEFAULT '',
        price            NUMERIC(12, 2) NOT NULL,
        currency         TEXT NOT NULL DEFAULT '',
        condition        TEXT NOT NULL DEFAULT '',
        shipping_cost    NUMERIC(12, 2),
        buy_it_now_price NUMERIC(12, 2),
        num_bids         INTEGER NOT NULL DEFAULT 0,
        status           TEXT NOT NULL,
        end_time         TIMESTAMPTZ NOT NULL,
        winning_bidder   TEXT NOT NULL DEFAULT '',
        missed_cycles    INTEGER NOT NULL DEFAULT 0,
        first_seen       TIMESTAMPTZ NOT NULL,
        last_seen        TIMESTAMPTZ NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS item_specifics (
        auction_id TEXT NOT NULL REFERENCES auctions(auction_id) ON DELETE CASCADE,
        key        TEXT NOT NULL,
        value      TEXT NOT NULL,
        PRIMARY KEY (auction_id, key)
    );`,
	`CREATE TABLE IF NOT EXISTS bids (
        auction_id  TEXT NOT NULL REFERENCES auctions(auction_id) ON DELETE CASCADE,
        bidder      TEXT NOT NULL,
        amount      NUMERIC(12, 2) NOT NULL,
        observed_at TIMESTAMPTZ NOT NULL,
        winning     BOOLEAN NOT NULL DEFAULT FALSE,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        PRIMARY KEY (auction_id, bidder, amount, observed_at)
    );`,
	`CREATE INDEX IF NOT EXISTS idx_auctions_end_time ON auctions(end_time);`,
	`CREATE INDEX IF NOT EXISTS idx_auctions_status ON auctions(status);`,
	`CREATE INDEX IF NOT EXISTS idx_auctions_search_pattern ON auctions(search_pattern);`,
	`CREATE INDEX IF NOT EXISTS idx_item_specifics_key ON item_specifics(key);`,
}

// InitSchema creates tables and indices if absent. It never drops or alters
// existing objects.
func (s *Store) InitSchema(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("initialise schema: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}
