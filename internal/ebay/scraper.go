package ebay

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hewjoe/ebay-catalog/internal/auction"
)

const (
	searchPath  = "/sch/i.html"
	itemPath    = "/itm/"
	bidsPath    = "/bfl/viewbids/"
	pageSize    = 60
	sortEndSoon = "1"
)

// ScraperOptions parameterise the HTML scraper.
type ScraperOptions struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	MaxPages  int
}

// Scraper reads listings from the public HTML pages.
type Scraper struct {
	opts    ScraperOptions
	client  *http.Client
	pacer   Pacer
	logger  zerolog.Logger
	baseURL string
	now     func() time.Time
}

// NewScraper constructs an HTML scraper. Every page request waits on pacer.
func NewScraper(opts ScraperOptions, pacer Pacer, logger zerolog.Logger) *Scraper {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://www.ebay.com"
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 5
	}
	return &Scraper{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		pacer:   pacerOrDefault(pacer),
		logger:  logger.With().Str("component", "ebay_scraper").Logger(),
		baseURL: baseURL,
		now:     time.Now,
	}
}

// Fetch walks the "ending soonest" auction results until a listing ends
// beyond q.EndsBefore, a page comes back empty, or the page limit is hit.
func (s *Scraper) Fetch(ctx context.Context, q Query) iter.Seq2[auction.Snapshot, error] {
	return func(yield func(auction.Snapshot, error) bool) {
		maxPages := q.MaxPages
		if maxPages <= 0 {
			maxPages = s.opts.MaxPages
		}
		seen := make(map[string]struct{})

		for page := 1; page <= maxPages; page++ {
			doc, err := s.fetchDocument(ctx, s.searchURL(q, page))
			if err != nil {
				yield(auction.Snapshot{}, fetchErr("search", "", err))
				return
			}

			items := doc.Find("li.s-item")
			s.logger.Debug().Int("page", page).Int("items", items.Length()).Msg("search page fetched")
			if items.Length() == 0 {
				return
			}

			now := s.now().UTC()
			beyondWindow := false
			stopped := false
			items.EachWithBreak(func(_ int, sel *goquery.Selection) bool {
				snap, err := parseSearchItem(sel, now)
				if snap.ID == "" && err != nil {
					// Placeholder tiles ("Shop on eBay") carry no id.
					return true
				}
				if _, dup := seen[snap.ID]; dup {
					return true
				}
				seen[snap.ID] = struct{}{}
				if err == nil && !q.EndsBefore.IsZero() && snap.EndTime.After(q.EndsBefore) {
					beyondWindow = true
					return false
				}
				if !yield(snap, err) {
					stopped = true
					return false
				}
				return true
			})
			if stopped || beyondWindow {
				return
			}
			if items.Length() < pageSize {
				return
			}
		}
	}
}

// FetchOne reads the item page and, when reachable, its bid history page.
func (s *Scraper) FetchOne(ctx context.Context, id string) (auction.Snapshot, error) {
	doc, err := s.fetchDocument(ctx, s.baseURL+itemPath+url.PathEscape(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return auction.Snapshot{}, ErrNotFound
		}
		return auction.Snapshot{}, fetchErr("item", id, err)
	}

	snap, err := parseItemPage(doc, id, s.now().UTC())
	if err != nil {
		return snap, err
	}
	snap.URL = s.baseURL + itemPath + id

	bidsDoc, err := s.fetchDocument(ctx, s.baseURL+bidsPath+url.PathEscape(id))
	switch {
	case errors.Is(err, ErrNotFound):
		s.logger.Debug().Str("auction_id", id).Msg("bid history page not available")
	case err != nil:
		return auction.Snapshot{}, fetchErr("bids", id, err)
	default:
		history, err := parseBidHistory(bidsDoc, id)
		if err != nil {
			return snap, err
		}
		snap.BidHistory = history
	}

	return snap, snap.Validate()
}

func (s *Scraper) searchURL(q Query, page int) string {
	keywords := q.Pattern
	for _, term := range q.ExcludedTerms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		if strings.Contains(term, " ") {
			keywords += ` -"` + term + `"`
		} else {
			keywords += " -" + term
		}
	}

	values := url.Values{}
	values.Set("_nkw", keywords)
	values.Set("LH_Auction", "1")
	values.Set("_sop", sortEndSoon)
	values.Set("_ipg", strconv.Itoa(pageSize))
	values.Set("_pgn", strconv.Itoa(page))
	return s.baseURL + searchPath + "?" + values.Encode()
}

func (s *Scraper) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	if err := s.pacer.Acquire(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request page: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("ebay returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

func parseSearchItem(sel *goquery.Selection, now time.Time) (auction.Snapshot, error) {
	var snap auction.Snapshot

	snap.ID, _ = sel.Attr("data-listingid")
	link := sel.Find("a.s-item__link").First()
	href, _ := link.Attr("href")
	if snap.ID == "" {
		snap.ID = itemIDFromURL(href)
	}
	if snap.ID == "" {
		return snap, &auction.ParseError{Field: "id", Reason: "missing"}
	}
	if href != "" {
		if u, err := url.Parse(href); err == nil {
			u.RawQuery = ""
			snap.URL = u.String()
		}
	}

	title := sel.Find(".s-item__title").First()
	title.Find(".LIGHT_HIGHLIGHT, .clipped").Remove()
	snap.Title = collapseSpace(title.Text())

	priceText := collapseSpace(sel.Find(".s-item__price").First().Text())
	price, currency, err := parseMoney(priceText)
	if err != nil {
		return snap, &auction.ParseError{AuctionID: snap.ID, Field: "price", Reason: err.Error()}
	}
	snap.Price, snap.Currency = price, currency

	snap.Condition = collapseSpace(sel.Find(".SECONDARY_INFO").First().Text())

	if n, ok := parseFirstInt(sel.Find(".s-item__bids, .s-item__bidCount").First().Text()); ok {
		snap.NumBids = n
	}

	if ship := collapseSpace(sel.Find(".s-item__shipping, .s-item__logisticsCost").First().Text()); ship != "" {
		if strings.Contains(strings.ToLower(ship), "free") {
			zero := decimal.Zero
			snap.ShippingCost = &zero
		} else if cost, _, err := parseMoney(ship); err == nil {
			snap.ShippingCost = &cost
		}
	}

	if raw, ok := sel.Find(".s-item__time-end").First().Attr("data-endtime"); ok {
		if t, err := parseTimestamp(raw); err == nil {
			snap.EndTime = t
		}
	}
	if snap.EndTime.IsZero() {
		if left, ok := parseTimeLeft(sel.Find(".s-item__time-left").First().Text()); ok {
			snap.EndTime = now.Add(left).Truncate(time.Minute)
		}
	}

	parseSellerInfo(collapseSpace(sel.Find(".s-item__seller-info-text").First().Text()), &snap)

	return snap, snap.Validate()
}

// parseSellerInfo reads "gpu_shop (1,234) 99.5%".
func parseSellerInfo(text string, snap *auction.Snapshot) {
	if text == "" {
		return
	}
	name, rest, _ := strings.Cut(text, " ")
	snap.SellerKey = strings.TrimSpace(name)
	if n, ok := parseFirstInt(rest); ok {
		snap.SellerFeedback = &n
	}
	if pct, ok := parsePercent(rest); ok {
		snap.SellerPct = &pct
	}
}

func parseItemPage(doc *goquery.Document, id string, now time.Time) (auction.Snapshot, error) {
	snap := auction.Snapshot{ID: id}

	snap.Title = collapseSpace(doc.Find("h1.x-item-title__mainTitle").First().Text())

	priceText := collapseSpace(doc.Find(".x-price-primary, .x-bid-price__value").First().Text())
	price, currency, err := parseMoney(priceText)
	if err != nil {
		return snap, &auction.ParseError{AuctionID: id, Field: "price", Reason: err.Error()}
	}
	snap.Price, snap.Currency = price, currency

	snap.Condition = collapseSpace(doc.Find(".x-item-condition-text .ux-textspans").First().Text())

	if n, ok := parseFirstInt(doc.Find(".x-bid-count").First().Text()); ok {
		snap.NumBids = n
	}

	timer := doc.Find(".ux-timer, .x-end-time").First()
	if raw, ok := timer.Attr("data-endtime"); ok {
		if t, err := parseTimestamp(raw); err == nil {
			snap.EndTime = t
		}
	}
	if snap.EndTime.IsZero() {
		if left, ok := parseTimeLeft(timer.Text()); ok {
			snap.EndTime = now.Add(left).Truncate(time.Minute)
		}
	}

	status := strings.ToLower(collapseSpace(doc.Find(".d-statusmessage, .ux-message__title").Text()))
	if strings.Contains(status, "ended") {
		snap.Ended = true
	}
	if winner := doc.Find(".x-winner"); winner.Length() > 0 {
		amount, _, err := parseMoney(collapseSpace(winner.Find(".x-winner__amount").Text()))
		if err == nil {
			snap.Winner = &auction.Winner{
				Bidder: collapseSpace(winner.Find(".x-winner__bidder").Text()),
				Amount: amount,
			}
			snap.Ended = true
		}
	}

	seller := doc.Find(".x-sellercard-atf__info__about-seller").First()
	snap.SellerKey = collapseSpace(seller.Find(".ux-textspans--BOLD").First().Text())
	if n, ok := parseFirstInt(doc.Find(".x-sellercard-atf__about-seller-item").First().Text()); ok {
		snap.SellerFeedback = &n
	}
	if pct, ok := parsePercent(doc.Find(".x-sellercard-atf__data-item").Text()); ok {
		snap.SellerPct = &pct
	}

	specifics := make(map[string]string)
	doc.Find(".ux-layout-section-evo__col, .ux-labels-values").Each(func(_ int, row *goquery.Selection) {
		key := strings.TrimSuffix(collapseSpace(row.Find(".ux-labels-values__labels").First().Text()), ":")
		value := collapseSpace(row.Find(".ux-labels-values__values").First().Text())
		if key != "" && value != "" {
			specifics[key] = value
		}
	})
	if len(specifics) > 0 {
		snap.Specifics = specifics
	}

	return snap, nil
}

func parseBidHistory(doc *goquery.Document, id string) ([]auction.BidEntry, error) {
	var (
		entries  []auction.BidEntry
		parseErr error
	)
	doc.Find("table.app-bid-history tbody tr, .app-bid-history__row").EachWithBreak(func(i int, row *goquery.Selection) bool {
		cells := row.Find("td")
		if cells.Length() < 3 {
			return true
		}
		bidder := collapseSpace(cells.Eq(0).Text())
		amount, _, err := parseMoney(collapseSpace(cells.Eq(1).Text()))
		if err != nil {
			parseErr = &auction.ParseError{AuctionID: id, Field: "bid_history", Reason: fmt.Sprintf("row %d: %v", i, err)}
			return false
		}
		raw, ok := cells.Eq(2).Attr("data-time")
		if !ok {
			raw = collapseSpace(cells.Eq(2).Text())
		}
		at, err := parseTimestamp(raw)
		if err != nil {
			parseErr = &auction.ParseError{AuctionID: id, Field: "bid_history", Reason: fmt.Sprintf("row %d: %v", i, err)}
			return false
		}
		entries = append(entries, auction.BidEntry{Bidder: bidder, Amount: amount, Time: at})
		return true
	})
	return entries, parseErr
}

var _ Source = (*Scraper)(nil)
