package cli

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agon/internal/economy"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1", 1_000_000, false},
		{"12.5", 12_500_000, false},
		{"1,000.25", 1_000_250_000, false},
		{"0.000001", 1, false},
		{"0.0000001", 0, true},
		{"0", 0, true},
		{"-5", 0, true},
		{"abc", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseAmount(%q) expected error, got %d", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseAmount(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseAmount(%q)=%d want %d", tc.in, got, tc.want)
		}
	}
}

func TestFormatMicros(t *testing.T) {
	cases := map[int64]string{
		0:              "0.00",
		1_500_000:      "1.50",
		-2_010_000:     "-2.01",
		1_234_567_000:  "1,234.56",
		10_000_000_000: "10,000.00",
	}
	for in, want := range cases {
		if got := FormatMicros(in); got != want {
			t.Fatalf("FormatMicros(%d)=%q want %q", in, got, want)
		}
	}
}

func TestClientSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Idempotency-Key") != "k1" {
			t.Errorf("missing idempotency key")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bid too low"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	err := c.Do(context.Background(), http.MethodPost, "/api/auctions/1/bids", "tok", map[string]any{"amount_micros": 1}, "k1", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Message != "bid too low" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if IsNetworkError(err) {
		t.Fatalf("api error classified as network error")
	}
}

func TestClientNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := NewClient(base)
	c.HTTP.Timeout = time.Second
	_, err := c.Wallet(context.Background(), "tok")
	if err == nil || !IsNetworkError(err) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestClientDecodesWallet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"user_id":7,"agon_micros":5000000,"stoneworks_dollar_micros":1,"agon_escrow_micros":2}`))
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL).Wallet(context.Background(), "tok")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	want := economy.Wallet{UserID: 7, AgonMicros: 5_000_000, StoneworksDollarMicros: 1, AgonEscrowMicros: 2}
	if got != want {
		t.Fatalf("wallet=%+v want %+v", got, want)
	}
}

func TestSessionRoundTripAndExpiry(t *testing.T) {
	t.Setenv("AGON_HOME", t.TempDir())

	if _, err := LoadSession(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err=%v want ErrNoSession", err)
	}
	s := Session{Token: "abc", ExpiresAt: time.Now().Add(time.Hour), User: economy.User{ID: 1, Username: "alice"}}
	if err := SaveSession(s); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadSession()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Token != "abc" || got.User.Username != "alice" {
		t.Fatalf("session=%+v", got)
	}

	s.ExpiresAt = time.Now().Add(-time.Minute)
	if err := SaveSession(s); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := LoadSession(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected expired session error, got %v", err)
	}
	if err := ClearSession(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := ClearSession(); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}
