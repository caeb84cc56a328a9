package economy

import "time"

type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"is_admin"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
}

type Wallet struct {
	UserID                 int64 `json:"user_id"`
	AgonMicros             int64 `json:"agon_micros"`
	StoneworksDollarMicros int64 `json:"stoneworks_dollar_micros"`
	AgonEscrowMicros       int64 `json:"agon_escrow_micros"`
}

type Transaction struct {
	ID           int64     `json:"id"`
	GroupID      string    `json:"group_id"`
	FromUserID   *int64    `json:"from_user_id,omitempty"`
	FromUsername string    `json:"from_username,omitempty"`
	ToUserID     *int64    `json:"to_user_id,omitempty"`
	ToUsername   string    `json:"to_username,omitempty"`
	Type         string    `json:"type"`
	Currency     string    `json:"currency"`
	AmountMicros int64     `json:"amount_micros"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"created_at"`
}

type RegisterInput struct {
	Username   string
	Password   string
	InviteCode string
}

type TransferInput struct {
	FromUserID     int64
	ToUsername     string
	Currency       string
	AmountMicros   int64
	Note           string
	IdempotencyKey string
}

type SwapInput struct {
	UserID         int64
	FromCurrency   string
	AmountMicros   int64
	IdempotencyKey string
}

type SwapResult struct {
	FromCurrency string `json:"from_currency"`
	ToCurrency   string `json:"to_currency"`
	InMicros     int64  `json:"in_micros"`
	OutMicros    int64  `json:"out_micros"`
	Wallet       Wallet `json:"wallet"`
}

type Auction struct {
	ID                  int64      `json:"id"`
	SellerID            int64      `json:"seller_id"`
	SellerUsername      string     `json:"seller_username"`
	Title               string     `json:"title"`
	Description         string     `json:"description"`
	Category            string     `json:"category"`
	ImageURL            string     `json:"image_url"`
	StartingPriceMicros int64      `json:"starting_price_micros"`
	CurrentBidMicros    *int64     `json:"current_bid_micros,omitempty"`
	HighestBidderID     *int64     `json:"highest_bidder_id,omitempty"`
	HighestBidder       string     `json:"highest_bidder,omitempty"`
	EndDate             time.Time  `json:"end_date"`
	Status              string     `json:"status"`
	DisputeReason       string     `json:"dispute_reason,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

type Bid struct {
	ID           int64     `json:"id"`
	AuctionID    int64     `json:"auction_id"`
	BidderID     int64     `json:"bidder_id"`
	Bidder       string    `json:"bidder"`
	AmountMicros int64     `json:"amount_micros"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

type AuctionDetail struct {
	Auction
	MinNextBidMicros int64 `json:"min_next_bid_micros"`
	Bids             []Bid `json:"bids"`
}

type CreateAuctionInput struct {
	SellerID            int64
	Title               string
	Description         string
	Category            string
	ImageURL            string
	StartingPriceMicros int64
	Duration            time.Duration
}

type BidInput struct {
	AuctionID      int64
	BidderID       int64
	AmountMicros   int64
	IdempotencyKey string
}

type BidResult struct {
	BidID            int64 `json:"bid_id"`
	AuctionID        int64 `json:"auction_id"`
	AmountMicros     int64 `json:"amount_micros"`
	RefundedUserID   int64 `json:"refunded_user_id,omitempty"`
	RefundedMicros   int64 `json:"refunded_micros,omitempty"`
	AgonMicros       int64 `json:"agon_micros"`
	AgonEscrowMicros int64 `json:"agon_escrow_micros"`
}

type Settlement struct {
	AuctionID        int64  `json:"auction_id"`
	GrossMicros      int64  `json:"gross_micros"`
	NetMicros        int64  `json:"net_micros"`
	CommissionMicros int64  `json:"commission_micros"`
	SellerID         int64  `json:"seller_id"`
	WinnerID         int64  `json:"winner_id"`
	CommissionTo     int64  `json:"commission_to"`
	Status           string `json:"status"`
}

type Market struct {
	ID           int64      `json:"id"`
	ExternalID   string     `json:"external_id"`
	Slug         string     `json:"slug"`
	Question     string     `json:"question"`
	YesTokenID   string     `json:"yes_token_id"`
	NoTokenID    string     `json:"no_token_id"`
	Status       string     `json:"status"`
	Resolution   *string    `json:"resolution,omitempty"`
	FailureCount int        `json:"failure_count"`
	EndDate      *time.Time `json:"end_date,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	Quote        *Quote     `json:"quote,omitempty"`
}

type Quote struct {
	MarketID     int64     `json:"market_id"`
	YesBidMicros int64     `json:"yes_bid_micros"`
	YesAskMicros int64     `json:"yes_ask_micros"`
	NoBidMicros  int64     `json:"no_bid_micros"`
	NoAskMicros  int64     `json:"no_ask_micros"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Side returns the bid and ask for "yes" or "no".
func (q Quote) Side(side string) (bid, ask int64) {
	if side == "no" {
		return q.NoBidMicros, q.NoAskMicros
	}
	return q.YesBidMicros, q.YesAskMicros
}

type MarketDetail struct {
	Market
	History []Quote `json:"history"`
}

type OrderInput struct {
	UserID         int64
	MarketID       int64
	Side           string
	Action         string
	Quantity       int64
	IdempotencyKey string
}

type OrderResult struct {
	OrderID          int64 `json:"order_id"`
	PriceMicros      int64 `json:"price_micros"`
	CostMicros       int64 `json:"cost_micros"`
	FeeMicros        int64 `json:"fee_micros"`
	TotalMicros      int64 `json:"total_micros"`
	Quantity         int64 `json:"quantity"`
	PositionQuantity int64 `json:"position_quantity"`
	AvgPriceMicros   int64 `json:"avg_price_micros"`
	RealizedPnL      int64 `json:"realized_pnl_micros"`
	AgonMicros       int64 `json:"agon_micros"`
}

type PredictionPosition struct {
	MarketID          int64     `json:"market_id"`
	Question          string    `json:"question"`
	MarketStatus      string    `json:"market_status"`
	Side              string    `json:"side"`
	Quantity          int64     `json:"quantity"`
	AvgPriceMicros    int64     `json:"avg_price_micros"`
	RealizedPnLMicros int64     `json:"realized_pnl_micros"`
	MarkPriceMicros   int64     `json:"mark_price_micros"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type PredictionOrder struct {
	ID          int64     `json:"id"`
	MarketID    int64     `json:"market_id"`
	Side        string    `json:"side"`
	Action      string    `json:"action"`
	Quantity    int64     `json:"quantity"`
	PriceMicros int64     `json:"price_micros"`
	FeeMicros   int64     `json:"fee_micros"`
	TotalMicros int64     `json:"total_micros"`
	CreatedAt   time.Time `json:"created_at"`
}

type MarketSettlement struct {
	MarketID      int64  `json:"market_id"`
	Outcome       string `json:"outcome"`
	Positions     int    `json:"positions"`
	PayoutMicros  int64  `json:"payout_micros"`
	AlreadyClosed bool   `json:"already_closed,omitempty"`
}

type GameRound struct {
	ID           int64          `json:"id"`
	Game         string         `json:"game"`
	BetMicros    int64          `json:"bet_micros"`
	PayoutMicros int64          `json:"payout_micros"`
	Won          bool           `json:"won"`
	Outcome      map[string]any `json:"outcome"`
	SWDMicros    int64          `json:"stoneworks_dollar_micros,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

type GameInput struct {
	UserID    int64
	Game      string
	BetMicros int64
	Choice    string
	Target    int64
}

type TradePosition struct {
	ID                     int64      `json:"id"`
	userID                 int64
	Symbol                 string     `json:"symbol"`
	AssetKind              string     `json:"asset_kind"`
	Side                   string     `json:"side"`
	MarginMicros           int64      `json:"margin_micros"`
	Leverage               int64      `json:"leverage"`
	NotionalMicros         int64      `json:"notional_micros"`
	EntryPriceMicros       int64      `json:"entry_price_micros"`
	LiquidationPriceMicros int64      `json:"liquidation_price_micros"`
	AccruedFeesMicros      int64      `json:"accrued_fees_micros"`
	RealizedPnLMicros      int64      `json:"realized_pnl_micros"`
	UnrealizedPnLMicros    int64      `json:"unrealized_pnl_micros"`
	MarkPriceMicros        int64      `json:"mark_price_micros,omitempty"`
	ExitPriceMicros        *int64     `json:"exit_price_micros,omitempty"`
	Status                 string     `json:"status"`
	OpenedAt               time.Time  `json:"opened_at"`
	ClosedAt               *time.Time `json:"closed_at,omitempty"`
}

type OpenPositionInput struct {
	UserID         int64
	Symbol         string
	Kind           string
	Side           string
	MarginMicros   int64
	Leverage       int64
	IdempotencyKey string
}

type Notification struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

type InviteCode struct {
	Code      string     `json:"code"`
	CreatedBy *int64     `json:"created_by,omitempty"`
	UsedBy    *int64     `json:"used_by,omitempty"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type PlatformStats struct {
	Users              int64 `json:"users"`
	TotalAgonMicros    int64 `json:"total_agon_micros"`
	TotalSWDMicros     int64 `json:"total_stoneworks_dollar_micros"`
	TotalEscrowMicros  int64 `json:"total_escrow_micros"`
	ActiveAuctions     int64 `json:"active_auctions"`
	ActiveMarkets      int64 `json:"active_markets"`
	OpenTradePositions int64 `json:"open_trade_positions"`
}

// Event is pushed to live subscribers (auction feed).
type Event struct {
	Type      string `json:"type"`
	AuctionID int64  `json:"auction_id,omitempty"`
	MarketID  int64  `json:"market_id,omitempty"`
	UserID    int64  `json:"user_id,omitempty"`
	Amount    int64  `json:"amount_micros,omitempty"`
	Status    string `json:"status,omitempty"`
}
