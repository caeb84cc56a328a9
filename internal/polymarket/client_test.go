package polymarket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"agon/internal/economy"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/book", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("token_id") {
		case "yes-token":
			w.Write([]byte(`{"asset_id":"yes-token","bids":[{"price":"0.41","size":"10"},{"price":"0.455","size":"3"}],"asks":[{"price":"0.49","size":"5"},{"price":"0.47","size":"8"}]}`))
		case "empty":
			w.Write([]byte(`{"asset_id":"empty","bids":[],"asks":[]}`))
		default:
			http.Error(w, `{"error":"No orderbook exists"}`, http.StatusNotFound)
		}
	})
	mux.HandleFunc("/markets", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("slug") != "will-it-rain" {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`[{"id":"512","question":"Will it rain?","slug":"will-it-rain","closed":false,
			"outcomes":"[\"No\",\"Yes\"]","outcomePrices":"[\"0.6\",\"0.4\"]",
			"clobTokenIds":"[\"no-token\",\"yes-token\"]","endDate":"2026-12-31T00:00:00Z"}]`))
	})
	mux.HandleFunc("/markets/512", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"512","question":"Will it rain?","slug":"will-it-rain","closed":true,
			"outcomes":"[\"Yes\",\"No\"]","outcomePrices":"[\"1\",\"0\"]",
			"clobTokenIds":"[\"yes-token\",\"no-token\"]"}`))
	})
	mux.HandleFunc("/markets/513", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"513","slug":"flagged","closed":true,
			"tokens":[{"token_id":"a","outcome":"Yes","winner":false},{"token_id":"b","outcome":"No","winner":true}]}`))
	})
	mux.HandleFunc("/markets/429", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTopOfBook(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL, srv.URL+"/")

	book, err := c.TopOfBook(context.Background(), "yes-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if book.BestBidMicros != 455_000 || book.BestAskMicros != 470_000 {
		t.Fatalf("book = %+v", book)
	}

	empty, err := c.TopOfBook(context.Background(), "empty")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if empty.BestBidMicros != 0 || empty.BestAskMicros != 0 {
		t.Fatalf("empty book = %+v", empty)
	}

	if _, err := c.TopOfBook(context.Background(), "missing"); !errors.Is(err, economy.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLookupMapsYesNoTokens(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL, srv.URL)

	m, err := c.Lookup(context.Background(), "will-it-rain")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ExternalID != "512" || m.YesTokenID != "yes-token" || m.NoTokenID != "no-token" {
		t.Fatalf("market = %+v", m)
	}
	if m.EndDate == nil || m.EndDate.Year() != 2026 {
		t.Fatalf("end date = %v", m.EndDate)
	}
	if m.Closed || m.Winner != "" {
		t.Fatalf("open market reported resolved: %+v", m)
	}

	if _, err := c.Lookup(context.Background(), "nope"); !errors.Is(err, economy.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResolution(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL, srv.URL)

	byPrice, err := c.Resolution(context.Background(), "512")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !byPrice.Closed || byPrice.Winner != "yes" {
		t.Fatalf("resolution by price = %+v", byPrice)
	}

	byFlag, err := c.Resolution(context.Background(), "513")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if byFlag.Winner != "no" || byFlag.YesTokenID != "a" {
		t.Fatalf("resolution by token flag = %+v", byFlag)
	}

	if _, err := c.Resolution(context.Background(), "429"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
}

func TestPriceMicros(t *testing.T) {
	tests := map[string]int64{"0.5": 500_000, "0.0001": 100, "0.4555555": 455_556, "1": 1_000_000}
	for in, want := range tests {
		got, err := priceMicros(in)
		if err != nil || got != want {
			t.Fatalf("%q: got %d, %v", in, got, err)
		}
	}
	if _, err := priceMicros("abc"); err == nil {
		t.Fatalf("expected parse error")
	}
}
