package prices

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPolygonCryptoTicker(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("apiKey")
		w.Write([]byte(`{"status":"OK","results":[{"c":64123.456789}]}`))
	}))
	defer srv.Close()

	src := NewSource(srv.URL, "k123", "", nil)
	p, source, err := src.Price(context.Background(), "BTC", "crypto")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/v2/aggs/ticker/X:BTCUSD/prev" || gotKey != "k123" {
		t.Fatalf("path=%q key=%q", gotPath, gotKey)
	}
	if p != 64_123_456_789 || source != "polygon" {
		t.Fatalf("price=%d source=%s", p, source)
	}
}

func TestFallsBackToYahoo(t *testing.T) {
	polygon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer polygon.Close()
	var yahooPath string
	yahoo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		yahooPath = r.URL.Path
		w.Write([]byte(`{"chart":{"result":[{"meta":{"regularMarketPrice":187.31}}],"error":null}}`))
	}))
	defer yahoo.Close()

	src := NewSource(polygon.URL, "key", yahoo.URL, nil)
	p, source, err := src.Price(context.Background(), "BRK.B", "stock")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(yahooPath, "/BRK-B") {
		t.Fatalf("yahoo path = %q", yahooPath)
	}
	if p != 187_310_000 || source != "yahoo" {
		t.Fatalf("price=%d source=%s", p, source)
	}
}

func TestYahooError(t *testing.T) {
	yahoo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found"}}}`))
	}))
	defer yahoo.Close()

	src := NewSource("", "", yahoo.URL, nil)
	if _, _, err := src.Price(context.Background(), "NOPE", "stock"); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("expected no price, got %v", err)
	}
}

func TestNoSourcesConfigured(t *testing.T) {
	src := NewSource("", "", "", nil)
	if _, _, err := src.Price(context.Background(), "AAPL", "stock"); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("expected no price, got %v", err)
	}
}
