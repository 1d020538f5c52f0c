package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hewjoe/ebay-catalog/internal/auction"
	"github.com/hewjoe/ebay-catalog/internal/storage"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Status auction.Status
}

// Show prints tracked auctions, latest ending first.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rows, err := store.ListAuctions(ctx, storage.ListFilter{
		Status: opts.Status,
		Limit:  opts.Limit,
	})
	if err != nil {
		return err
	}
	writeOverview(a, rows)
	return nil
}

func writeOverview(a *App, rows []storage.AuctionOverview) {
	if len(rows) == 0 {
		fmt.Fprintln(a.Out, "no auctions found")
		return
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tEnds (UTC)\tStatus\tPrice\tBids\tSeller\tFeedback\tTitle")

	for _, row := range rows {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			row.ID,
			row.EndTime.UTC().Format(time.RFC3339),
			row.Status,
			formatPrice(row.Price, row.Currency),
			max(row.NumBids, row.BidRows),
			row.SellerKey,
			formatFeedback(row.SellerFeedback, row.SellerPct),
			sanitizeInline(truncate(row.Title, 60)),
		)
	}

	writer.Flush()
}

func formatPrice(d decimal.Decimal, currency string) string {
	if currency == "" {
		return d.StringFixed(2)
	}
	return d.StringFixed(2) + " " + currency
}

func formatFeedback(score *int, pct *decimal.Decimal) string {
	switch {
	case score == nil && pct == nil:
		return "-"
	case pct == nil:
		return fmt.Sprintf("%d", *score)
	case score == nil:
		return pct.StringFixed(1) + "%"
	}
	return fmt.Sprintf("%d (%s%%)", *score, pct.StringFixed(1))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
