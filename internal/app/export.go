package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/hewjoe/ebay-catalog/internal/auction"
)

// ExportOptions hold parameters for exporting one auction's bid history.
type ExportOptions struct {
	AuctionID string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// Export renders an auction's bid history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.AuctionID == "" {
		return errors.New("--auction is required")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	item, err := store.GetAuction(ctx, opts.AuctionID)
	if err != nil {
		return fmt.Errorf("load auction %s: %w", opts.AuctionID, err)
	}
	bids, err := store.ListBids(ctx, opts.AuctionID, 0)
	if err != nil {
		return err
	}
	if len(bids) == 0 {
		a.Logger.Info().Str("auction_id", opts.AuctionID).Msg("no bids recorded for auction")
		return nil
	}

	downsampled := downsampleBids(bids, opts.MaxPoints)
	a.Logger.Info().
		Str("auction_id", opts.AuctionID).
		Int("total", len(bids)).
		Int("exported", len(downsampled)).
		Msg("exporting bid history")

	if opts.CSVPath != "" {
		if err := writeBidsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		width, height := a.Config.Export.ChartWidth, a.Config.Export.ChartHeight
		if err := writeBidsPNG(opts.PNGPath, item, downsampled, width, height); err != nil {
			return err
		}
	}

	return nil
}

// downsampleBids keeps at most max evenly spaced bids, always including the
// first and last.
func downsampleBids(bids []auction.Bid, max int) []auction.Bid {
	if max <= 0 || len(bids) <= max {
		return bids
	}
	if max == 1 {
		return bids[len(bids)-1:]
	}

	result := make([]auction.Bid, 0, max)
	step := float64(len(bids)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(bids) {
			idx = len(bids) - 1
		}
		result = append(result, bids[idx])
	}
	return result
}

func writeBidsCSV(path string, bids []auction.Bid) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"auction_id", "bid_time", "bidder", "amount", "winning"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, b := range bids {
		record := []string{
			b.AuctionID,
			b.ObservedAt.UTC().Format(time.RFC3339),
			b.Bidder,
			b.Amount.String(),
			strconv.FormatBool(b.Winning),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeBidsPNG(path string, item auction.Auction, bids []auction.Bid, width, height int) error {
	if len(bids) < 2 {
		return errors.New("a chart needs at least two bids")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(bids))
	amounts := make([]float64, len(bids))
	for i, b := range bids {
		x[i] = b.ObservedAt
		amounts[i] = b.Amount.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  truncate(item.Title, 80),
		Width:  width,
		Height: height,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Bid (" + item.Currency + ")",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    item.ID,
				XValues: x,
				YValues: amounts,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
