package economy

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeAsset(t *testing.T) {
	tests := []struct {
		symbol, kind         string
		wantSymbol, wantKind string
	}{
		{"btc", "", "BTC", "crypto"},
		{"ETH-USD", "", "ETH", "crypto"},
		{"aapl", "", "AAPL", "stock"},
		{"BRK.B", "stock", "BRK.B", "stock"},
		{"PEPE", "crypto", "PEPE", "crypto"},
	}
	for _, tc := range tests {
		sym, kind, err := NormalizeAsset(tc.symbol, tc.kind)
		if err != nil {
			t.Fatalf("%q: %v", tc.symbol, err)
		}
		if sym != tc.wantSymbol || kind != tc.wantKind {
			t.Fatalf("%q: got %s/%s want %s/%s", tc.symbol, sym, kind, tc.wantSymbol, tc.wantKind)
		}
	}
	for _, bad := range []string{"", "1BTC", "WAYTOOLONGSYMBOL", "AB CD"} {
		if _, _, err := NormalizeAsset(bad, ""); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%q should be rejected, got %v", bad, err)
		}
	}
	if _, _, err := NormalizeAsset("BTC", "bond"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown kind should be rejected")
	}
}

func TestLiquidationPrice(t *testing.T) {
	entry := 50_000 * MicrosPerUnit
	if got := LiquidationPrice("long", entry, 10); got != 45_500*MicrosPerUnit {
		t.Fatalf("long 10x liq = %d", got)
	}
	if got := LiquidationPrice("short", entry, 10); got != 54_500*MicrosPerUnit {
		t.Fatalf("short 10x liq = %d", got)
	}
	if got := LiquidationPrice("long", entry, 1); got != 5_000*MicrosPerUnit {
		t.Fatalf("long 1x liq = %d", got)
	}
}

func TestPositionPnL(t *testing.T) {
	notional := 1_000 * MicrosPerUnit
	entry := 100 * MicrosPerUnit
	if got := PositionPnL("long", notional, entry, 110*MicrosPerUnit); got != 100*MicrosPerUnit {
		t.Fatalf("long up 10%% pnl = %d", got)
	}
	if got := PositionPnL("short", notional, entry, 110*MicrosPerUnit); got != -100*MicrosPerUnit {
		t.Fatalf("short up 10%% pnl = %d", got)
	}
}

func TestAccrueFees(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	notional := 10_000 * MicrosPerUnit

	fee, next := accrueFees(notional, start, start.Add(59*time.Minute))
	if fee != 0 || !next.Equal(start) {
		t.Fatalf("partial hour charged fee=%d next=%s", fee, next)
	}
	fee, next = accrueFees(notional, start, start.Add(3*time.Hour+20*time.Minute))
	if fee != 3*MicrosPerUnit {
		t.Fatalf("3h fee = %d", fee)
	}
	if !next.Equal(start.Add(3 * time.Hour)) {
		t.Fatalf("watermark = %s", next)
	}
}

func TestShouldLiquidate(t *testing.T) {
	p := TradePosition{
		Side:                   "long",
		MarginMicros:           100 * MicrosPerUnit,
		LiquidationPriceMicros: 91 * MicrosPerUnit,
	}
	if shouldLiquidate(p, 95*MicrosPerUnit, -50*MicrosPerUnit) {
		t.Fatalf("healthy position liquidated")
	}
	if !shouldLiquidate(p, 91*MicrosPerUnit, -90*MicrosPerUnit) {
		t.Fatalf("price at liquidation level should liquidate")
	}
	p.AccruedFeesMicros = 60 * MicrosPerUnit
	if !shouldLiquidate(p, 95*MicrosPerUnit, -40*MicrosPerUnit) {
		t.Fatalf("zero equity should liquidate")
	}
}

func TestCloseValue(t *testing.T) {
	if got := closeValue(100, 5, 20); got != 115 {
		t.Fatalf("got %d", got)
	}
	if got := closeValue(100, 5, -200); got != 0 {
		t.Fatalf("loss beyond margin must floor at zero, got %d", got)
	}
}
