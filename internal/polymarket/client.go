// Package polymarket reads market metadata from the Gamma API and order
// books from the CLOB API. It never places orders: Agon fills prediction
// orders against its own ledger at the synced quote.
package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agon/internal/economy"

	"github.com/shopspring/decimal"
)

var (
	ErrRateLimited = errors.New("polymarket: rate limited")
	ErrBadMarket   = errors.New("polymarket: market is not a binary yes/no market")
)

var microsPerUnit = decimal.NewFromInt(economy.MicrosPerUnit)

var _ economy.MarketFeed = (*Client)(nil)

type Client struct {
	gammaURL   string
	clobURL    string
	httpClient *http.Client
}

// NewClient builds a read-only client. gammaURL is e.g.
// "https://gamma-api.polymarket.com", clobURL "https://clob.polymarket.com".
func NewClient(gammaURL, clobURL string) *Client {
	return &Client{
		gammaURL:   strings.TrimRight(gammaURL, "/"),
		clobURL:    strings.TrimRight(clobURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type apiMarket struct {
	ID            string  `json:"id"`
	Question      string  `json:"question"`
	Slug          string  `json:"slug"`
	Closed        bool    `json:"closed"`
	Outcomes      string  `json:"outcomes"`      // JSON-encoded: "[\"Yes\",\"No\"]"
	OutcomePrices string  `json:"outcomePrices"` // JSON-encoded: "[\"0.5\",\"0.5\"]"
	ClobTokenIDs  string  `json:"clobTokenIds"`  // JSON-encoded: "[\"123\",\"456\"]"
	EndDate       string  `json:"endDate"`
	Tokens        []token `json:"tokens"`
}

type token struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
	Winner  bool   `json:"winner"`
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type apiBook struct {
	AssetID string      `json:"asset_id"`
	Bids    []bookLevel `json:"bids"`
	Asks    []bookLevel `json:"asks"`
}

// TopOfBook returns the best bid (highest) and best ask (lowest) of a token.
func (c *Client) TopOfBook(ctx context.Context, tokenID string) (economy.Book, error) {
	params := url.Values{}
	params.Set("token_id", tokenID)
	body, err := c.doGet(ctx, c.clobURL+"/book?"+params.Encode())
	if err != nil {
		return economy.Book{}, fmt.Errorf("polymarket/clob: book %s: %w", tokenID, err)
	}
	var book apiBook
	if err := json.Unmarshal(body, &book); err != nil {
		return economy.Book{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}
	return bestOf(book)
}

func bestOf(book apiBook) (economy.Book, error) {
	var out economy.Book
	for _, l := range book.Bids {
		p, err := priceMicros(l.Price)
		if err != nil {
			return economy.Book{}, err
		}
		if p > out.BestBidMicros {
			out.BestBidMicros = p
		}
	}
	for _, l := range book.Asks {
		p, err := priceMicros(l.Price)
		if err != nil {
			return economy.Book{}, err
		}
		if p > 0 && (out.BestAskMicros == 0 || p < out.BestAskMicros) {
			out.BestAskMicros = p
		}
	}
	return out, nil
}

// Lookup finds a market by slug.
func (c *Client) Lookup(ctx context.Context, slug string) (economy.FeedMarket, error) {
	params := url.Values{}
	params.Set("slug", slug)
	body, err := c.doGet(ctx, c.gammaURL+"/markets?"+params.Encode())
	if err != nil {
		return economy.FeedMarket{}, fmt.Errorf("polymarket/gamma: market by slug %s: %w", slug, err)
	}
	var markets []apiMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return economy.FeedMarket{}, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}
	if len(markets) == 0 {
		return economy.FeedMarket{}, fmt.Errorf("polymarket/gamma: %w: slug=%s", economy.ErrNotFound, slug)
	}
	return markets[0].toFeed()
}

// Resolution fetches a market by its Gamma id.
func (c *Client) Resolution(ctx context.Context, externalID string) (economy.FeedMarket, error) {
	body, err := c.doGet(ctx, c.gammaURL+"/markets/"+url.PathEscape(externalID))
	if err != nil {
		return economy.FeedMarket{}, fmt.Errorf("polymarket/gamma: market %s: %w", externalID, err)
	}
	var m apiMarket
	if err := json.Unmarshal(body, &m); err != nil {
		return economy.FeedMarket{}, fmt.Errorf("polymarket/gamma: decode market: %w", err)
	}
	return m.toFeed()
}

func (m apiMarket) toFeed() (economy.FeedMarket, error) {
	out := economy.FeedMarket{
		ExternalID: m.ID,
		Slug:       m.Slug,
		Question:   m.Question,
		Closed:     m.Closed,
	}
	if m.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
			out.EndDate = &t
		}
	}

	outcomes := decodeStringList(m.Outcomes)
	tokenIDs := decodeStringList(m.ClobTokenIDs)
	if len(tokenIDs) == 0 {
		for _, t := range m.Tokens {
			tokenIDs = append(tokenIDs, t.TokenID)
			outcomes = append(outcomes, t.Outcome)
		}
	}
	if len(tokenIDs) != 2 {
		return out, fmt.Errorf("%w: %s has %d tokens", ErrBadMarket, m.Slug, len(tokenIDs))
	}
	yes, no := 0, 1
	if len(outcomes) == 2 && strings.EqualFold(outcomes[0], "no") {
		yes, no = 1, 0
	}
	out.YesTokenID, out.NoTokenID = tokenIDs[yes], tokenIDs[no]

	if m.Closed {
		out.Winner = m.winner(outcomes)
	}
	return out, nil
}

// winner reads the resolved side from token flags, falling back to settled
// outcome prices of 1 and 0.
func (m apiMarket) winner(outcomes []string) string {
	for _, t := range m.Tokens {
		if t.Winner {
			return normalizeOutcome(t.Outcome)
		}
	}
	prices := decodeStringList(m.OutcomePrices)
	if len(prices) != len(outcomes) {
		return ""
	}
	for i, p := range prices {
		v, err := decimal.NewFromString(p)
		if err != nil {
			return ""
		}
		if v.GreaterThanOrEqual(decimal.RequireFromString("0.99")) {
			return normalizeOutcome(outcomes[i])
		}
	}
	return ""
}

func normalizeOutcome(o string) string {
	switch strings.ToLower(strings.TrimSpace(o)) {
	case "yes":
		return "yes"
	case "no":
		return "no"
	default:
		return ""
	}
}

func decodeStringList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// priceMicros converts a decimal price string like "0.455" into micros.
func priceMicros(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("polymarket: bad price %q: %w", s, err)
	}
	return d.Mul(microsPerUnit).Round(0).IntPart(), nil
}

func (c *Client) doGet(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	msg := economy.ClipText(strings.TrimSpace(string(body)), 200)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", economy.ErrNotFound, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, msg)
	}
}
