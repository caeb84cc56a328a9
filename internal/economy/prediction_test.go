package economy

import (
	"errors"
	"testing"
	"time"
)

func TestOrderPrice(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	q := Quote{
		YesBidMicros: 400_000, YesAskMicros: 420_000,
		NoBidMicros: 570_000, NoAskMicros: 610_000,
		FetchedAt: now.Add(-time.Minute),
	}
	tests := []struct {
		side, action string
		want         int64
	}{
		{"yes", "buy", 420_000},
		{"yes", "sell", 400_000},
		{"no", "buy", 610_000},
		{"no", "sell", 570_000},
	}
	for _, tc := range tests {
		got, err := orderPrice(q, tc.side, tc.action, now)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.action, tc.side, err)
		}
		if got != tc.want {
			t.Fatalf("%s %s: got %d want %d", tc.action, tc.side, got, tc.want)
		}
	}

	stale := q
	stale.FetchedAt = now.Add(-QuoteMaxAge - time.Second)
	if _, err := orderPrice(stale, "yes", "buy", now); !errors.Is(err, ErrStaleQuote) {
		t.Fatalf("expected stale quote, got %v", err)
	}

	broken := q
	broken.YesAskMicros = SharePayoutMicros
	if _, err := orderPrice(broken, "yes", "buy", now); !errors.Is(err, ErrMarketUnavailable) {
		t.Fatalf("expected unavailable for price at 1, got %v", err)
	}
}

func TestCheckExposure(t *testing.T) {
	// 10,000 Agon cap: buying 1000 shares at 0.10 adds 900 Agon of exposure.
	add := Exposure(1000, 100_000)
	if add != 900*MicrosPerUnit {
		t.Fatalf("exposure = %d", add)
	}
	if err := checkExposure(ExposureCapMicros-add, 0, 0, 1000, 100_000); err != nil {
		t.Fatalf("order landing exactly on the cap should pass: %v", err)
	}
	if err := checkExposure(ExposureCapMicros-add+1, 0, 0, 1000, 100_000); !errors.Is(err, ErrExposureLimit) {
		t.Fatalf("expected exposure limit, got %v", err)
	}

	// Adding to an existing position only counts the delta.
	oldQty, oldAvg := int64(500), int64(200_000)
	current := Exposure(oldQty, oldAvg)
	newAvg := WeightedAverage(oldQty, oldAvg, 500, 300_000)
	if newAvg != 250_000 {
		t.Fatalf("weighted average = %d", newAvg)
	}
	if err := checkExposure(current, oldQty, oldAvg, 1000, newAvg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQuoteFromBooks(t *testing.T) {
	q, err := quoteFromBooks(
		Book{BestBidMicros: 400_000, BestAskMicros: 420_000},
		Book{BestBidMicros: 580_000, BestAskMicros: 600_000},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.YesBidMicros != 398_000 || q.YesAskMicros != 422_100 {
		t.Fatalf("yes = %d/%d", q.YesBidMicros, q.YesAskMicros)
	}
	if q.NoBidMicros != 577_100 || q.NoAskMicros != 603_000 {
		t.Fatalf("no = %d/%d", q.NoBidMicros, q.NoAskMicros)
	}

	// An empty no book is implied from the yes side.
	q, err = quoteFromBooks(Book{BestBidMicros: 300_000, BestAskMicros: 320_000}, Book{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantNoBid, wantNoAsk := ApplySpread(680_000, 700_000)
	if q.NoBidMicros != wantNoBid || q.NoAskMicros != wantNoAsk {
		t.Fatalf("implied no = %d/%d", q.NoBidMicros, q.NoAskMicros)
	}

	if _, err := quoteFromBooks(Book{}, Book{}); !errors.Is(err, ErrMarketUnavailable) {
		t.Fatalf("expected empty book error, got %v", err)
	}
}

func TestApplySpreadClamps(t *testing.T) {
	bid, ask := ApplySpread(5_000, 995_000)
	if bid != MinQuotePriceMicros || ask != MaxQuotePriceMicros {
		t.Fatalf("clamped = %d/%d", bid, ask)
	}
}

func TestSettlementPayout(t *testing.T) {
	tests := []struct {
		side, outcome string
		qty, want     int64
	}{
		{"yes", "yes", 25, 25 * MicrosPerUnit},
		{"no", "yes", 25, 0},
		{"no", "no", 3, 3 * MicrosPerUnit},
		{"yes", "yes", 0, 0},
	}
	for _, tc := range tests {
		if got := SettlementPayout(tc.side, tc.outcome, tc.qty); got != tc.want {
			t.Fatalf("%s/%s qty=%d got %d want %d", tc.side, tc.outcome, tc.qty, got, tc.want)
		}
	}
}

func TestNextSyncFailure(t *testing.T) {
	tests := []struct {
		failures  int
		status    string
		wantCount int
		wantPause bool
	}{
		{0, "active", 1, false},
		{3, "active", 4, false},
		{4, "active", 5, true},
		{5, "active", 6, true},
		{4, "paused", 5, false},
		{9, "resolved", 10, false},
	}
	for _, tc := range tests {
		count, pause := nextSyncFailure(tc.failures, tc.status)
		if count != tc.wantCount || pause != tc.wantPause {
			t.Fatalf("nextSyncFailure(%d, %s) = %d, %v want %d, %v", tc.failures, tc.status, count, pause, tc.wantCount, tc.wantPause)
		}
	}

	status, paused := "active", 0
	for i := 1; i <= MaxSyncFailures+2; i++ {
		var pause bool
		_, pause = nextSyncFailure(i-1, status)
		if pause {
			paused++
			status = "paused"
			if i != MaxSyncFailures {
				t.Fatalf("paused on failure %d, want %d", i, MaxSyncFailures)
			}
		}
	}
	if paused != 1 {
		t.Fatalf("paused %d times, want once", paused)
	}
}
