package ebay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hewjoe/ebay-catalog/internal/auction"
)

func TestAPIFetchMissingToken(t *testing.T) {
	a := NewAPI(APIOptions{}, nil, noopLogger())
	for _, err := range a.Fetch(context.Background(), Query{Pattern: "rtx"}) {
		if err == nil {
			t.Fatal("缺少 token 时应返回错误")
		}
		return
	}
	t.Fatal("缺少 token 时应产出一个错误")
}

func TestAPIFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]any{{"errorId": 12001, "message": "invalid filter"}},
		})
	}))
	defer srv.Close()

	a := NewAPI(APIOptions{BaseURL: srv.URL, Token: "t", Timeout: time.Second}, nil, noopLogger())
	for _, err := range a.Fetch(context.Background(), Query{Pattern: "rtx"}) {
		var fe *auction.FetchError
		if !errors.As(err, &fe) {
			t.Fatalf("HTTP 400 应返回 FetchError, 实际 %v", err)
		}
		if !strings.Contains(err.Error(), "invalid filter") {
			t.Fatalf("错误信息应包含 API 返回的 message: %v", err)
		}
		return
	}
	t.Fatal("HTTP 400 应产出一个错误")
}

func TestAPIFetchSuccess(t *testing.T) {
	end := fixedNow.Add(2 * time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if !strings.Contains(r.URL.Query().Get("filter"), "buyingOptions:{AUCTION}") {
			t.Errorf("filter should restrict to auctions: %s", r.URL.Query().Get("filter"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total": 2,
			"itemSummaries": []map[string]any{
				{
					"itemId":          "v1|111111111111|0",
					"title":           "RTX 3090",
					"itemWebUrl":      "https://www.ebay.com/itm/111111111111",
					"price":           map[string]string{"value": "999.00", "currency": "USD"},
					"currentBidPrice": map[string]string{"value": "450.00", "currency": "USD"},
					"condition":       "Used",
					"itemEndDate":     end.Format(time.RFC3339),
					"bidCount":        7,
					"seller":          map[string]any{"username": "gpu_shop", "feedbackScore": 88, "feedbackPercentage": "100.0"},
					"shippingOptions": []map[string]any{{"shippingCost": map[string]string{"value": "0.00", "currency": "USD"}}},
				},
				{
					"itemId": "v1|222222222222|0",
					"title":  "RTX 3090 no price",
				},
			},
		})
	}))
	defer srv.Close()

	a := NewAPI(APIOptions{BaseURL: srv.URL, Token: "secret", Timeout: time.Second}, nil, noopLogger())

	var snaps []auction.Snapshot
	var parseErrs int
	for snap, err := range a.Fetch(context.Background(), Query{Pattern: "rtx 3090", EndsBefore: fixedNow.Add(24 * time.Hour)}) {
		var pe *auction.ParseError
		if errors.As(err, &pe) {
			parseErrs++
			continue
		}
		if err != nil {
			t.Fatalf("成功响应不应报错: %v", err)
		}
		snaps = append(snaps, snap)
	}

	if len(snaps) != 1 || parseErrs != 1 {
		t.Fatalf("期望 1 个快照和 1 个解析错误, 实际 %d/%d", len(snaps), parseErrs)
	}
	snap := snaps[0]
	if snap.ID != "111111111111" {
		t.Fatalf("REST id 应转换为 legacy id, 实际 %s", snap.ID)
	}
	if !snap.Price.Equal(decimal.NewFromInt(450)) {
		t.Fatalf("应优先使用当前出价, 实际 %s", snap.Price)
	}
	if !snap.EndTime.Equal(end) || snap.NumBids != 7 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.ShippingCost == nil || !snap.ShippingCost.IsZero() {
		t.Fatalf("free shipping should parse as zero: %v", snap.ShippingCost)
	}
}

func TestAPIFetchOneDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/item/v1|333333333333|0") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"itemId":      "v1|333333333333|0",
			"title":       "RTX 3090 FE",
			"price":       map[string]string{"value": "700.00", "currency": "USD"},
			"itemEndDate": fixedNow.Add(-time.Hour).Format(time.RFC3339),
			"localizedAspects": []map[string]string{
				{"name": "Brand", "value": "NVIDIA"},
				{"name": "Memory Size", "value": "24 GB"},
			},
			"estimatedAvailabilities": []map[string]string{{"estimatedAvailabilityStatus": "OUT_OF_STOCK"}},
		})
	}))
	defer srv.Close()

	a := NewAPI(APIOptions{BaseURL: srv.URL, Token: "t", Timeout: time.Second}, nil, noopLogger())
	snap, err := a.FetchOne(context.Background(), "333333333333")
	if err != nil {
		t.Fatalf("FetchOne: %v", err)
	}
	if !snap.Ended {
		t.Fatal("OUT_OF_STOCK 应视为已结束")
	}
	if snap.Specifics["Brand"] != "NVIDIA" || len(snap.Specifics) != 2 {
		t.Fatalf("unexpected specifics %v", snap.Specifics)
	}
}

func TestAPIFetchOneNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	a := NewAPI(APIOptions{BaseURL: srv.URL, Token: "t", Timeout: time.Second}, nil, noopLogger())
	if _, err := a.FetchOne(context.Background(), "1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
