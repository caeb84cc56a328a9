package economy

import (
	"errors"
	mathrand "math/rand"
	"testing"
)

func TestCoinFlip(t *testing.T) {
	bet := 10 * MicrosPerUnit
	win, err := coinFlip(bet, "Heads", 0.1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if win.payout != 19_500_000 {
		t.Fatalf("win payout = %d", win.payout)
	}
	loss, err := coinFlip(bet, "heads", 0.7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loss.payout != 0 || loss.details["result"] != "tails" {
		t.Fatalf("loss = %+v", loss)
	}
	if _, err := coinFlip(bet, "edge", 0.5); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid choice, got %v", err)
	}
}

func TestDice(t *testing.T) {
	bet := 10 * MicrosPerUnit
	tests := []struct {
		target, roll, want int64
	}{
		{50, 49, bet * 97 / 49},
		{50, 50, 0},
		{2, 1, bet * 97},
		{95, 94, bet * 97 / 94},
		{95, 100, 0},
	}
	for _, tc := range tests {
		got, err := dice(bet, tc.target, tc.roll)
		if err != nil {
			t.Fatalf("target=%d roll=%d: %v", tc.target, tc.roll, err)
		}
		if got.payout != tc.want {
			t.Fatalf("target=%d roll=%d got %d want %d", tc.target, tc.roll, got.payout, tc.want)
		}
	}
	for _, target := range []int64{1, 96} {
		if _, err := dice(bet, target, 10); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("target %d should be rejected, got %v", target, err)
		}
	}
}

func TestSlots(t *testing.T) {
	bet := 2 * MicrosPerUnit
	tests := []struct {
		reels [3]string
		want  int64
	}{
		{[3]string{"seven", "seven", "seven"}, bet * 50},
		{[3]string{"cherry", "cherry", "cherry"}, bet * 5},
		{[3]string{"cherry", "bar", "cherry"}, bet * 2},
		{[3]string{"bell", "bell", "bar"}, 0},
		{[3]string{"lemon", "bar", "seven"}, 0},
	}
	for _, tc := range tests {
		if got := slots(bet, tc.reels).payout; got != tc.want {
			t.Fatalf("%v got %d want %d", tc.reels, got, tc.want)
		}
	}
}

func TestSeededServiceRNGIsDeterministic(t *testing.T) {
	a := &Service{rand: mathrand.New(mathrand.NewSource(7))}
	b := &Service{rand: mathrand.New(mathrand.NewSource(7))}
	for i := 0; i < 20; i++ {
		if a.nextIntn(100) != b.nextIntn(100) {
			t.Fatalf("draw %d diverged", i)
		}
	}
}
