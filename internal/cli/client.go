package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"agon/internal/economy"
)

// APIError is a non-2xx answer from the server. Anything else returned by
// the client is a transport failure and safe to queue for replay.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// IsNetworkError reports whether err happened before the server answered.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

type Session struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      economy.User `json:"user"`
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Register(ctx context.Context, username, password, invite string) (Session, error) {
	var out Session
	err := c.jsonRequest(ctx, http.MethodPost, "/api/auth/register", "", map[string]any{
		"username":    username,
		"password":    password,
		"invite_code": invite,
	}, &out, "")
	return out, err
}

func (c *Client) Login(ctx context.Context, username, password string) (Session, error) {
	var out Session
	err := c.jsonRequest(ctx, http.MethodPost, "/api/auth/login", "", map[string]any{
		"username": username,
		"password": password,
	}, &out, "")
	return out, err
}

func (c *Client) Wallet(ctx context.Context, token string) (economy.Wallet, error) {
	var out economy.Wallet
	err := c.jsonRequest(ctx, http.MethodGet, "/api/wallet", token, nil, &out, "")
	return out, err
}

func (c *Client) Transactions(ctx context.Context, token string, limit int) ([]economy.Transaction, error) {
	var out struct {
		Transactions []economy.Transaction `json:"transactions"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/api/wallet/transactions?limit="+strconv.Itoa(limit), token, nil, &out, "")
	return out.Transactions, err
}

func (c *Client) Auctions(ctx context.Context, token, status string) ([]economy.Auction, error) {
	var out struct {
		Auctions []economy.Auction `json:"auctions"`
	}
	path := "/api/auctions"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	err := c.jsonRequest(ctx, http.MethodGet, path, token, nil, &out, "")
	return out.Auctions, err
}

func (c *Client) Auction(ctx context.Context, token string, id int64) (economy.AuctionDetail, error) {
	var out economy.AuctionDetail
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/api/auctions/%d", id), token, nil, &out, "")
	return out, err
}

func (c *Client) Markets(ctx context.Context, token string) ([]economy.Market, error) {
	var out struct {
		Markets []economy.Market `json:"markets"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/api/prediction/markets", token, nil, &out, "")
	return out.Markets, err
}

func (c *Client) Market(ctx context.Context, token string, id int64) (economy.MarketDetail, error) {
	var out economy.MarketDetail
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/api/prediction/markets/%d?history=10", id), token, nil, &out, "")
	return out, err
}

func (c *Client) PredictionPositions(ctx context.Context, token string) ([]economy.PredictionPosition, error) {
	var out struct {
		Positions []economy.PredictionPosition `json:"positions"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/api/prediction/positions", token, nil, &out, "")
	return out.Positions, err
}

// Do sends a write and decodes the answer into out, which may be nil.
func (c *Client) Do(ctx context.Context, method, path, token string, body map[string]any, idem string, out any) error {
	return c.jsonRequest(ctx, method, path, token, body, out, idem)
}

func (c *Client) jsonRequest(ctx context.Context, method, path, token string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
