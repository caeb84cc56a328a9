// Package prices fetches last prices for stocks and crypto. Polygon.io is the
// primary source; Yahoo Finance's chart endpoint is the fallback.
package prices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agon/internal/economy"

	"github.com/shopspring/decimal"
)

var ErrNoPrice = errors.New("prices: no price available")

var microsPerUnit = decimal.NewFromInt(economy.MicrosPerUnit)

type Source struct {
	polygonURL string
	polygonKey string
	yahooURL   string
	httpClient *http.Client
	log        *slog.Logger
}

var _ economy.PriceSource = (*Source)(nil)

func NewSource(polygonURL, polygonKey, yahooURL string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		polygonURL: strings.TrimRight(polygonURL, "/"),
		polygonKey: polygonKey,
		yahooURL:   strings.TrimRight(yahooURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        logger.With(slog.String("component", "prices")),
	}
}

// Price returns the latest price in micros and the name of the source that
// served it.
func (s *Source) Price(ctx context.Context, symbol, kind string) (int64, string, error) {
	if s.polygonKey != "" && s.polygonURL != "" {
		p, err := s.polygon(ctx, symbol, kind)
		if err == nil {
			return p, "polygon", nil
		}
		s.log.Warn("polygon price failed, trying yahoo", "symbol", symbol, "err", err)
	}
	if s.yahooURL == "" {
		return 0, "", fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	p, err := s.yahoo(ctx, symbol, kind)
	if err != nil {
		return 0, "", err
	}
	return p, "yahoo", nil
}

type polygonPrev struct {
	Status  string `json:"status"`
	Results []struct {
		Close json.Number `json:"c"`
	} `json:"results"`
}

func polygonTicker(symbol, kind string) string {
	if kind == "crypto" {
		return "X:" + symbol + "USD"
	}
	return symbol
}

func (s *Source) polygon(ctx context.Context, symbol, kind string) (int64, error) {
	u := fmt.Sprintf("%s/v2/aggs/ticker/%s/prev?adjusted=true&apiKey=%s",
		s.polygonURL, url.PathEscape(polygonTicker(symbol, kind)), url.QueryEscape(s.polygonKey))
	body, err := s.doGet(ctx, u)
	if err != nil {
		return 0, fmt.Errorf("polygon %s: %w", symbol, err)
	}
	var prev polygonPrev
	if err := json.Unmarshal(body, &prev); err != nil {
		return 0, fmt.Errorf("polygon %s: decode: %w", symbol, err)
	}
	if len(prev.Results) == 0 {
		return 0, fmt.Errorf("%w: polygon has no bars for %s", ErrNoPrice, symbol)
	}
	return toMicros(prev.Results[0].Close.String())
}

type yahooChart struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice json.Number `json:"regularMarketPrice"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func yahooTicker(symbol, kind string) string {
	if kind == "crypto" {
		return symbol + "-USD"
	}
	return strings.ReplaceAll(symbol, ".", "-")
}

func (s *Source) yahoo(ctx context.Context, symbol, kind string) (int64, error) {
	u := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=1d", s.yahooURL, url.PathEscape(yahooTicker(symbol, kind)))
	body, err := s.doGet(ctx, u)
	if err != nil {
		return 0, fmt.Errorf("yahoo %s: %w", symbol, err)
	}
	var chart yahooChart
	if err := json.Unmarshal(body, &chart); err != nil {
		return 0, fmt.Errorf("yahoo %s: decode: %w", symbol, err)
	}
	if chart.Chart.Error != nil {
		return 0, fmt.Errorf("%w: yahoo %s: %s", ErrNoPrice, symbol, chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 {
		return 0, fmt.Errorf("%w: yahoo has no result for %s", ErrNoPrice, symbol)
	}
	return toMicros(chart.Chart.Result[0].Meta.RegularMarketPrice.String())
}

func toMicros(raw string) (int64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("prices: bad price %q: %w", raw, err)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: non-positive price %s", ErrNoPrice, raw)
	}
	return d.Mul(microsPerUnit).Round(0).IntPart(), nil
}

func (s *Source) doGet(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "agon/1.0")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := economy.ClipText(strings.TrimSpace(string(body)), 200)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
	}
	return body, nil
}
