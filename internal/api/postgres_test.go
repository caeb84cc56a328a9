package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agon/internal/auth"
	"agon/internal/cache"
	"agon/internal/config"
	"agon/internal/db/dbtest"
	"agon/internal/economy"
)

func TestMarketReadsStayOpenWhenTradingDisabled(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	svc := economy.NewService(pool, slog.New(slog.DiscardHandler), economy.Options{PredictionEnabled: false})
	issuer := auth.NewIssuer("test-secret", time.Hour)
	s := New(config.APIConfig{Env: "test"}, slog.New(slog.DiscardHandler), issuer, svc, nil, cache.NewMemory())

	user, err := svc.Register(ctx, economy.RegisterInput{Username: "alice", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	var marketID int64
	if err := pool.QueryRow(ctx, `
		INSERT INTO prediction_markets (external_id, slug, question, yes_token_id, no_token_id)
		VALUES ('ext-1', 'rain', 'Will it rain?', 'y', 'n')
		RETURNING id
	`).Scan(&marketID); err != nil {
		t.Fatalf("insert market: %v", err)
	}

	for _, path := range []string{"/api/prediction/markets", fmt.Sprintf("/api/prediction/markets/%d", marketID)} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status=%d body=%s", path, rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), "Will it rain?") {
			t.Fatalf("GET %s body=%s", path, rec.Body.String())
		}
	}

	body := fmt.Sprintf(`{"market_id":%d,"side":"yes","action":"buy","quantity":1}`, marketID)
	req := httptest.NewRequest(http.MethodPost, "/api/prediction/orders", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+issue(t, issuer, user))
	req.Header.Set("Idempotency-Key", "o1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("order status=%d want 404 body=%s", rec.Code, rec.Body.String())
	}
}
