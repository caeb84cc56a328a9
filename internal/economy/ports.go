package economy

import (
	"context"
	"time"
)

// Cache stores small JSON documents with a TTL. Implementations live in
// internal/cache (Redis or in-process).
type Cache interface {
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, out any) (bool, error)
}

// Book is the best bid and ask of one outcome token, in micros per share.
// Zero means that side of the book is empty.
type Book struct {
	BestBidMicros int64
	BestAskMicros int64
}

// FeedMarket is an upstream prediction market as seen by the importer.
type FeedMarket struct {
	ExternalID string
	Slug       string
	Question   string
	YesTokenID string
	NoTokenID  string
	EndDate    *time.Time
	Closed     bool
	// Winner is "yes" or "no" once the upstream market has resolved.
	Winner string
}

type MarketFeed interface {
	TopOfBook(ctx context.Context, tokenID string) (Book, error)
	Lookup(ctx context.Context, slug string) (FeedMarket, error)
	Resolution(ctx context.Context, externalID string) (FeedMarket, error)
}

// PriceSource returns the last traded price of a symbol in micros.
type PriceSource interface {
	Price(ctx context.Context, symbol, kind string) (int64, string, error)
}
