package scraper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nicowegher/competitor-eye/internal/config"
)

func newApifyForTest(t *testing.T, handler http.HandlerFunc) *ApifyQuerier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewApifyQuerier(config.ApifyConfig{
		Token:          "test-token",
		ActorID:        "voyager~booking-scraper",
		BaseURL:        srv.URL,
		RequestTimeout: 5 * time.Second,
		Language:       "es",
		ProxyGroup:     "US",
	}, discardLogger())
}

func TestApifyQuerier_ParsesFirstDisplayedPrice(t *testing.T) {
	var gotInput runInput
	q := newApifyForTest(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "test-token" {
			t.Errorf("missing token in query: %s", r.URL.RawQuery)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotInput); err != nil {
			t.Errorf("decode input: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{
			"rating": 8.4,
			"reviews": 120,
			"rooms": [
				{"options": [{"displayedPrice": null}, {"displayedPrice": "184.50"}]},
				{"options": [{"displayedPrice": 99.0}]}
			]
		}]`))
	})

	outcome, err := q.FetchPrice(context.Background(), PriceQuery{
		URL:      "https://www.booking.com/hotel/us/a.html",
		CheckIn:  "2026-09-01",
		CheckOut: "2026-09-02",
		Currency: "USD",
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if outcome.Price == nil || *outcome.Price != 184.50 {
		t.Fatalf("expected first parseable price 184.50, got %v", outcome.Price)
	}
	if outcome.Rating == nil || *outcome.Rating != 8.4 {
		t.Fatalf("expected rating 8.4, got %v", outcome.Rating)
	}
	if outcome.ReviewCount == nil || *outcome.ReviewCount != 120 {
		t.Fatalf("expected 120 reviews, got %v", outcome.ReviewCount)
	}

	if gotInput.MaxItems != 1 || gotInput.MaxConcurrency != 1 {
		t.Fatalf("expected single-item constraints, got maxItems=%d maxConcurrency=%d",
			gotInput.MaxItems, gotInput.MaxConcurrency)
	}
	if gotInput.CheckIn != "2026-09-01" || gotInput.CheckOut != "2026-09-02" {
		t.Fatalf("unexpected dates in input: %s / %s", gotInput.CheckIn, gotInput.CheckOut)
	}
	if len(gotInput.StartURLs) != 1 || gotInput.StartURLs[0].URL != "https://www.booking.com/hotel/us/a.html" {
		t.Fatalf("unexpected start urls: %+v", gotInput.StartURLs)
	}
}

func TestApifyQuerier_NoPriceIsNotAnError(t *testing.T) {
	q := newApifyForTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"rooms": [{"options": [{"displayedPrice": "sold out"}]}]}]`))
	})

	outcome, err := q.FetchPrice(context.Background(), PriceQuery{URL: "https://x.test"})
	if err != nil {
		t.Fatalf("expected no error for unparseable price, got %v", err)
	}
	if outcome.Price != nil {
		t.Fatalf("expected empty price, got %v", *outcome.Price)
	}
}

func TestApifyQuerier_EmptyDatasetIsNotAnError(t *testing.T) {
	q := newApifyForTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	})

	outcome, err := q.FetchPrice(context.Background(), PriceQuery{URL: "https://x.test"})
	if err != nil {
		t.Fatalf("expected no error for empty dataset, got %v", err)
	}
	if outcome.Price != nil {
		t.Fatal("expected empty outcome")
	}
}

func TestApifyQuerier_RateLimitStatusSurfacesAsError(t *testing.T) {
	q := newApifyForTest(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	_, err := q.FetchPrice(context.Background(), PriceQuery{URL: "https://x.test"})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if !Retryable(err) {
		t.Fatalf("expected 429 error to classify as retryable, got %v", err)
	}
}

func TestApifyQuerier_ServerErrorIsFatal(t *testing.T) {
	q := newApifyForTest(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := q.FetchPrice(context.Background(), PriceQuery{URL: "https://x.test"})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if Retryable(err) {
		t.Fatalf("expected 500 error to be fatal, got %v", err)
	}
}
