package ebay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hewjoe/ebay-catalog/internal/auction"
)

const (
	apiSearchPath = "/item_summary/search"
	apiItemPath   = "/item/"
	apiPageLimit  = 50
)

// APIOptions parameterise the Browse API client.
type APIOptions struct {
	BaseURL   string
	Token     string
	UserAgent string
	Timeout   time.Duration
	MaxPages  int
}

// API reads listings from the JSON Browse API.
type API struct {
	opts    APIOptions
	client  *http.Client
	pacer   Pacer
	logger  zerolog.Logger
	baseURL string
}

// NewAPI constructs a Browse API client.
func NewAPI(opts APIOptions, pacer Pacer, logger zerolog.Logger) *API {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.ebay.com/buy/browse/v1"
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 5
	}
	return &API{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		pacer:   pacerOrDefault(pacer),
		logger:  logger.With().Str("component", "ebay_api").Logger(),
		baseURL: baseURL,
	}
}

// Fetch pages through auction search results ending before q.EndsBefore.
func (a *API) Fetch(ctx context.Context, q Query) iter.Seq2[auction.Snapshot, error] {
	return func(yield func(auction.Snapshot, error) bool) {
		if a.opts.Token == "" {
			yield(auction.Snapshot{}, fetchErr("search", "", errors.New("api token not configured")))
			return
		}
		maxPages := q.MaxPages
		if maxPages <= 0 {
			maxPages = a.opts.MaxPages
		}

		for page := 0; page < maxPages; page++ {
			var res searchResponse
			if err := a.getJSON(ctx, a.searchURL(q, page*apiPageLimit), &res); err != nil {
				yield(auction.Snapshot{}, fetchErr("search", "", err))
				return
			}
			a.logger.Debug().Int("offset", page*apiPageLimit).Int("items", len(res.ItemSummaries)).Msg("search page fetched")
			for _, item := range res.ItemSummaries {
				snap, err := item.snapshot()
				if !yield(snap, err) {
					return
				}
			}
			if res.Next == "" || len(res.ItemSummaries) < apiPageLimit {
				return
			}
		}
	}
}

// FetchOne reads a single item. Ended items the API no longer serves are
// reported as ErrNotFound.
func (a *API) FetchOne(ctx context.Context, id string) (auction.Snapshot, error) {
	if a.opts.Token == "" {
		return auction.Snapshot{}, fetchErr("item", id, errors.New("api token not configured"))
	}
	var item itemDetail
	if err := a.getJSON(ctx, a.baseURL+apiItemPath+url.PathEscape(legacyToRESTID(id)), &item); err != nil {
		if errors.Is(err, ErrNotFound) {
			return auction.Snapshot{}, ErrNotFound
		}
		return auction.Snapshot{}, fetchErr("item", id, err)
	}
	snap, err := item.snapshot()
	if snap.ID == "" {
		snap.ID = id
	}
	return snap, err
}

func (a *API) searchURL(q Query, offset int) string {
	filters := []string{"buyingOptions:{AUCTION}"}
	if !q.EndsBefore.IsZero() {
		filters = append(filters, "itemEndDate:[.."+q.EndsBefore.UTC().Format(time.RFC3339)+"]")
	}

	values := url.Values{}
	values.Set("q", q.Pattern)
	values.Set("filter", strings.Join(filters, ","))
	values.Set("sort", "itemEndDate")
	values.Set("limit", strconv.Itoa(apiPageLimit))
	values.Set("offset", strconv.Itoa(offset))
	return a.baseURL + apiSearchPath + "?" + values.Encode()
}

func (a *API) getJSON(ctx context.Context, endpoint string, out any) error {
	if err := a.pacer.Acquire(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.opts.Token)
	if ua := strings.TrimSpace(a.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, payload)
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// legacyToRESTID maps a bare legacy item id to the REST form "v1|<id>|0".
func legacyToRESTID(id string) string {
	if strings.Contains(id, "|") {
		return id
	}
	return "v1|" + id + "|0"
}

// restToLegacyID keeps stored identities in the legacy form the HTML pages use.
func restToLegacyID(id string) string {
	parts := strings.Split(id, "|")
	if len(parts) == 3 {
		return parts[1]
	}
	return id
}

type money struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type sellerInfo struct {
	Username           string `json:"username"`
	FeedbackScore      *int   `json:"feedbackScore"`
	FeedbackPercentage string `json:"feedbackPercentage"`
}

type shippingOption struct {
	ShippingCost *money `json:"shippingCost"`
}

type itemSummary struct {
	ItemID          string           `json:"itemId"`
	LegacyItemID    string           `json:"legacyItemId"`
	Title           string           `json:"title"`
	ItemWebURL      string           `json:"itemWebUrl"`
	Price           *money           `json:"price"`
	CurrentBidPrice *money           `json:"currentBidPrice"`
	Condition       string           `json:"condition"`
	ItemEndDate     string           `json:"itemEndDate"`
	BidCount        int              `json:"bidCount"`
	Seller          *sellerInfo      `json:"seller"`
	ShippingOptions []shippingOption `json:"shippingOptions"`
}

type searchResponse struct {
	Total         int           `json:"total"`
	Next          string        `json:"next"`
	ItemSummaries []itemSummary `json:"itemSummaries"`
}

type aspect struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type availability struct {
	Status string `json:"estimatedAvailabilityStatus"`
}

type itemDetail struct {
	itemSummary
	LocalizedAspects        []aspect       `json:"localizedAspects"`
	EstimatedAvailabilities []availability `json:"estimatedAvailabilities"`
}

// snapshot is the conversion boundary for API payloads.
func (it itemSummary) snapshot() (auction.Snapshot, error) {
	snap := auction.Snapshot{
		ID:        it.LegacyItemID,
		Title:     strings.TrimSpace(it.Title),
		URL:       it.ItemWebURL,
		Condition: it.Condition,
		NumBids:   it.BidCount,
	}
	if snap.ID == "" {
		snap.ID = restToLegacyID(it.ItemID)
	}

	price := it.CurrentBidPrice
	if price == nil {
		price = it.Price
	}
	if price == nil {
		return snap, &auction.ParseError{AuctionID: snap.ID, Field: "price", Reason: "missing"}
	}
	amount, err := decimal.NewFromString(price.Value)
	if err != nil {
		return snap, &auction.ParseError{AuctionID: snap.ID, Field: "price", Reason: err.Error()}
	}
	snap.Price, snap.Currency = amount, price.Currency

	if it.ItemEndDate != "" {
		end, err := time.Parse(time.RFC3339, it.ItemEndDate)
		if err != nil {
			return snap, &auction.ParseError{AuctionID: snap.ID, Field: "end_time", Reason: err.Error()}
		}
		snap.EndTime = end.UTC()
	}

	if it.Seller != nil {
		snap.SellerKey = it.Seller.Username
		snap.SellerFeedback = it.Seller.FeedbackScore
		if pct, err := decimal.NewFromString(it.Seller.FeedbackPercentage); err == nil {
			snap.SellerPct = &pct
		}
	}

	for _, opt := range it.ShippingOptions {
		if opt.ShippingCost == nil {
			continue
		}
		if cost, err := decimal.NewFromString(opt.ShippingCost.Value); err == nil {
			snap.ShippingCost = &cost
			break
		}
	}

	return snap, snap.Validate()
}

func (it itemDetail) snapshot() (auction.Snapshot, error) {
	snap, err := it.itemSummary.snapshot()
	if err != nil {
		return snap, err
	}
	if len(it.LocalizedAspects) > 0 {
		snap.Specifics = make(map[string]string, len(it.LocalizedAspects))
		for _, a := range it.LocalizedAspects {
			snap.Specifics[a.Name] = a.Value
		}
	}
	for _, av := range it.EstimatedAvailabilities {
		if av.Status == "OUT_OF_STOCK" {
			snap.Ended = true
		}
	}
	return snap, nil
}

type errorResponse struct {
	Errors []struct {
		ErrorID  int    `json:"errorId"`
		Message  string `json:"message"`
		Category string `json:"category"`
	} `json:"errors"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && len(apiErr.Errors) > 0 {
		e := apiErr.Errors[0]
		if e.Message != "" {
			return fmt.Errorf("ebay api error (%d): %s", status, e.Message)
		}
		return fmt.Errorf("ebay api error (%d): id %d", status, e.ErrorID)
	}
	if len(payload) > 0 {
		return fmt.Errorf("ebay api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("ebay api error (%d)", status)
}

var _ Source = (*API)(nil)
