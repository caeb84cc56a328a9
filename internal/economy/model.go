package economy

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MicrosPerUnit = int64(1_000_000)

	CurrencyAgon = "agon"
	CurrencySWD  = "stoneworks_dollar"

	MinBidIncrementMicros = MicrosPerUnit
	CommissionBps         = int64(500) // 5% platform cut on auction sales.
	MinAuctionDurationSec = int64(3600)
	MaxAuctionDurationSec = int64(14 * 24 * 3600)

	MaxOrderShares      = int64(1000)
	OrderFeeBps         = int64(100) // 1% on prediction buys.
	ExposureCapMicros   = int64(10_000) * MicrosPerUnit
	QuoteSpreadBps      = int64(50) // 0.5% markup on synced quotes.
	MinQuotePriceMicros = int64(10_000)
	MaxQuotePriceMicros = int64(990_000)
	QuoteHistoryLimit   = 1000
	QuoteMaxAge         = 5 * time.Minute
	MaxSyncFailures     = 5
	SharePayoutMicros   = MicrosPerUnit

	MinGameBetMicros = MicrosPerUnit
	MaxGameBetMicros = int64(10_000) * MicrosPerUnit

	TradeOpenFeeBps          = int64(10) // 0.1% of notional.
	MaintenanceFeeBpsPerHour = int64(1)  // 0.01% of notional per hour.
	LiquidationLossBps       = int64(9000)
)

var (
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")
	ErrTxConflict           = errors.New("transaction conflict, retry")
	ErrUsernameTaken        = errors.New("username already taken")
	ErrInvalidCredentials   = errors.New("invalid username or password")
	ErrAccountDisabled      = errors.New("account disabled")
	ErrInvalidInvite        = errors.New("invalid or used invite code")

	ErrAuctionNotActive = errors.New("auction is not active")
	ErrAuctionExpired   = errors.New("auction has ended")
	ErrBidTooLow        = errors.New("bid too low")
	ErrSelfBid          = errors.New("sellers cannot bid on their own auction")
	ErrInvalidState     = errors.New("invalid auction state")

	ErrMarketUnavailable  = errors.New("market is not open for trading")
	ErrStaleQuote         = errors.New("no fresh quote available")
	ErrExposureLimit      = errors.New("platform exposure limit reached for this market side")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrPredictionDisabled = errors.New("prediction market is disabled")
)

var usernameRE = regexp.MustCompile(`^[a-zA-Z0-9_]{3,24}$`)

func ValidateUsername(username string) error {
	if !usernameRE.MatchString(strings.TrimSpace(username)) {
		return fmt.Errorf("%w: username must be 3-24 letters, digits or underscores", ErrInvalidInput)
	}
	return nil
}

func ValidateCurrency(currency string) (string, error) {
	c := strings.ToLower(strings.TrimSpace(currency))
	switch c {
	case CurrencyAgon, CurrencySWD:
		return c, nil
	case "swd", "stoneworks":
		return CurrencySWD, nil
	default:
		return "", fmt.Errorf("%w: unknown currency %q", ErrInvalidInput, currency)
	}
}

func ToMicros(v float64) int64 {
	return int64(math.Round(v * float64(MicrosPerUnit)))
}

func FromMicros(v int64) float64 {
	return float64(v) / float64(MicrosPerUnit)
}

// bpsOf returns amount*bps/10000 rounded half up. amount must be >= 0.
func bpsOf(amount, bps int64) int64 {
	return (amount*bps + 5_000) / 10_000
}

// MinNextBid is the smallest acceptable bid given the auction's starting price
// and current bid (nil when nobody has bid yet).
func MinNextBid(startingPrice int64, currentBid *int64) int64 {
	if currentBid == nil {
		return startingPrice
	}
	next := *currentBid + MinBidIncrementMicros
	if next < startingPrice {
		return startingPrice
	}
	return next
}

// SplitCommission divides a gross sale into the seller's net and the platform
// commission. net + commission == gross always holds.
func SplitCommission(gross int64) (net, commission int64) {
	if gross <= 0 {
		return 0, 0
	}
	commission = bpsOf(gross, CommissionBps)
	return gross - commission, commission
}

// ApplySpread marks a raw book up by QuoteSpreadBps: bids are lowered and asks
// raised, both clamped to [MinQuotePriceMicros, MaxQuotePriceMicros].
func ApplySpread(bid, ask int64) (int64, int64) {
	bid = bid - bpsOf(bid, QuoteSpreadBps)
	ask = ask + bpsOf(ask, QuoteSpreadBps)
	return clampPrice(bid), clampPrice(ask)
}

func clampPrice(p int64) int64 {
	if p < MinQuotePriceMicros {
		return MinQuotePriceMicros
	}
	if p > MaxQuotePriceMicros {
		return MaxQuotePriceMicros
	}
	return p
}

// BuyCost returns the gross cost and the fee for buying qty shares at price.
func BuyCost(qty, priceMicros int64) (cost, fee int64) {
	cost = qty * priceMicros
	return cost, bpsOf(cost, OrderFeeBps)
}

// Exposure is the platform's worst-case liability on qty shares bought at avg:
// it pays out one unit per share but already collected avg.
func Exposure(qty, avgPriceMicros int64) int64 {
	if qty <= 0 {
		return 0
	}
	return qty * (SharePayoutMicros - avgPriceMicros)
}

// WeightedAverage folds addQty shares at price into an existing position.
func WeightedAverage(oldQty, oldAvg, addQty, price int64) int64 {
	total := oldQty + addQty
	if total <= 0 {
		return 0
	}
	return (oldQty*oldAvg + addQty*price + total/2) / total
}

// SettlementPayout is what one position receives when a market resolves.
func SettlementPayout(side, outcome string, qty int64) int64 {
	if qty <= 0 || side != outcome {
		return 0
	}
	return qty * SharePayoutMicros
}

// SwapOutput converts amount of fromCurrency into the other currency. rate is
// Stoneworks Dollars per Agon. Results round down to the micro.
func SwapOutput(fromCurrency string, amount int64, rate float64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	if rate <= 0 {
		return 0, fmt.Errorf("%w: swap rate must be > 0", ErrInvalidInput)
	}
	var out float64
	switch fromCurrency {
	case CurrencyAgon:
		out = float64(amount) * rate
	case CurrencySWD:
		out = float64(amount) / rate
	default:
		return 0, fmt.Errorf("%w: unknown currency %q", ErrInvalidInput, fromCurrency)
	}
	if out > math.MaxInt64/2 {
		return 0, fmt.Errorf("%w: amount too large", ErrInvalidInput)
	}
	res := int64(math.Floor(out))
	if res <= 0 {
		return 0, fmt.Errorf("%w: amount too small to swap", ErrInvalidInput)
	}
	return res, nil
}

func otherCurrency(c string) string {
	if c == CurrencyAgon {
		return CurrencySWD
	}
	return CurrencyAgon
}

// LiquidationPrice is where a leveraged position has lost LiquidationLossBps of
// its margin.
func LiquidationPrice(side string, entry, leverage int64) int64 {
	if leverage < 1 {
		leverage = 1
	}
	move := entry * LiquidationLossBps / (10_000 * leverage)
	if side == "short" {
		return entry + move
	}
	liq := entry - move
	if liq < 0 {
		return 0
	}
	return liq
}

// PositionPnL is the mark-to-market pnl of a notional opened at entry.
func PositionPnL(side string, notional, entry, price int64) int64 {
	if entry <= 0 {
		return 0
	}
	diff := price - entry
	if side == "short" {
		diff = -diff
	}
	return int64(math.Round(float64(notional) * float64(diff) / float64(entry)))
}

// MaintenanceFee accrues MaintenanceFeeBpsPerHour of notional for every whole
// hour elapsed.
func MaintenanceFee(notional int64, hours int64) int64 {
	if hours <= 0 || notional <= 0 {
		return 0
	}
	return bpsOf(notional, MaintenanceFeeBpsPerHour) * hours
}

// Liquidated reports whether a position at price should be force-closed.
func Liquidated(side string, price, liquidationPrice int64) bool {
	if side == "short" {
		return price >= liquidationPrice
	}
	return price <= liquidationPrice
}

// ClipText cuts s to at most limit bytes without splitting a UTF-8 sequence.
func ClipText(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
