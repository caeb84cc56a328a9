package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agon/internal/auth"
	"agon/internal/cache"
	"agon/internal/config"
	"agon/internal/economy"
	"agon/internal/polymarket"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, users map[int64]economy.User) (*Server, *auth.Issuer) {
	t.Helper()
	issuer := auth.NewIssuer("test-secret", time.Hour)
	s := New(config.APIConfig{Env: "test"}, nil, issuer, nil, nil, cache.NewMemory())
	s.lookupUser = func(_ context.Context, id int64) (economy.User, error) {
		u, ok := users[id]
		if !ok {
			return economy.User{}, economy.ErrNotFound
		}
		return u, nil
	}
	return s, issuer
}

func issue(t *testing.T, issuer *auth.Issuer, u economy.User) string {
	t.Helper()
	tok, _, err := issuer.Issue(auth.Claims{UserID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func whoami(w http.ResponseWriter, r *http.Request) {
	u, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": u.ID, "admin": u.IsAdmin})
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	s, _ := newTestServer(t, nil)
	for _, path := range []string{"/api/wallet", "/api/auth/me", "/api/admin/stats"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s status=%d", path, rec.Code)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	users := map[int64]economy.User{
		1: {ID: 1, Username: "alice"},
		2: {ID: 2, Username: "bob", Disabled: true},
	}
	s, issuer := newTestServer(t, users)
	h := s.authMiddleware(http.HandlerFunc(whoami))

	cases := []struct {
		name   string
		setup  func(*http.Request)
		status int
	}{
		{"bearer", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+issue(t, issuer, users[1]))
		}, http.StatusOK},
		{"cookie", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: auth.CookieName, Value: issue(t, issuer, users[1])})
		}, http.StatusOK},
		{"garbage token", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer not-a-jwt")
		}, http.StatusUnauthorized},
		{"foreign signature", func(r *http.Request) {
			other := auth.NewIssuer("other-secret", time.Hour)
			r.Header.Set("Authorization", "Bearer "+issue(t, other, users[1]))
		}, http.StatusUnauthorized},
		{"disabled user", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+issue(t, issuer, users[2]))
		}, http.StatusForbidden},
		{"deleted user", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+issue(t, issuer, economy.User{ID: 99, Username: "ghost"}))
		}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("status=%d want %d body=%s", rec.Code, tc.status, rec.Body.String())
			}
		})
	}
}

func TestAdminFlagComesFromDatabase(t *testing.T) {
	// Token claims admin, the stored user no longer is.
	users := map[int64]economy.User{1: {ID: 1, Username: "alice", IsAdmin: false}}
	s, issuer := newTestServer(t, users)
	h := s.authMiddleware(s.adminMiddleware(http.HandlerFunc(whoami)))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+issue(t, issuer, economy.User{ID: 1, Username: "alice", IsAdmin: true}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d", rec.Code)
	}

	users[1] = economy.User{ID: 1, Username: "alice", IsAdmin: true}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	users := map[int64]economy.User{1: {ID: 1, Username: "alice"}, 2: {ID: 2, Username: "bob"}}
	s, issuer := newTestServer(t, users)
	h := s.authMiddleware(s.rateLimit("games", 2, time.Minute)(http.HandlerFunc(whoami)))

	call := func(u economy.User) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Authorization", "Bearer "+issue(t, issuer, u))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	for i := 0; i < 2; i++ {
		if code := call(users[1]); code != http.StatusOK {
			t.Fatalf("call %d status=%d", i, code)
		}
	}
	if code := call(users[1]); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := call(users[2]); code != http.StatusOK {
		t.Fatalf("other user limited: %d", code)
	}
}

func TestWriteDomainError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{economy.ErrDuplicateIdempotency, http.StatusConflict},
		{fmt.Errorf("wrap: %w", economy.ErrTxConflict), http.StatusConflict},
		{economy.ErrInsufficientFunds, http.StatusBadRequest},
		{fmt.Errorf("%w: bid must be at least 11.00", economy.ErrBidTooLow), http.StatusBadRequest},
		{economy.ErrSelfBid, http.StatusBadRequest},
		{economy.ErrInvalidCredentials, http.StatusUnauthorized},
		{economy.ErrForbidden, http.StatusForbidden},
		{economy.ErrNotFound, http.StatusNotFound},
		{economy.ErrAuctionNotActive, http.StatusBadRequest},
		{economy.ErrAuctionExpired, http.StatusBadRequest},
		{fmt.Errorf("%w: completed", economy.ErrInvalidState), http.StatusBadRequest},
		{economy.ErrMarketUnavailable, http.StatusConflict},
		{economy.ErrExposureLimit, http.StatusConflict},
		{economy.ErrStaleQuote, http.StatusServiceUnavailable},
		{polymarket.ErrRateLimited, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeDomainError(rec, tc.err)
		if rec.Code != tc.status {
			t.Fatalf("%v: status=%d want %d", tc.err, rec.Code, tc.status)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["error"] != tc.err.Error() {
			t.Fatalf("error=%q want %q", body["error"], tc.err.Error())
		}
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"":                "",
		"Bearer abc":      "abc",
		"bearer  abc ":    "abc",
		"Basic abc":       "",
		"Bearer":          "",
		"  Bearer x.y.z ": "x.y.z",
	}
	for in, want := range cases {
		if got := bearerToken(in); got != want {
			t.Fatalf("bearerToken(%q)=%q want %q", in, got, want)
		}
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount_micros":5,"extra":1}`))
	var in struct {
		AmountMicros int64 `json:"amount_micros"`
	}
	if err := decodeJSON(req, &in); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestHubFiltersByAuction(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	all, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer all.Close()
	one, _, err := websocket.DefaultDialer.Dial(wsURL+"?auction_id=5", nil)
	if err != nil {
		t.Fatalf("dial filtered: %v", err)
	}
	defer one.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("clients never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish(economy.Event{Type: "bid", AuctionID: 6, Amount: 20})
	hub.Publish(economy.Event{Type: "bid", AuctionID: 5, Amount: 15})

	read := func(c *websocket.Conn) economy.Event {
		t.Helper()
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev economy.Event
		if err := c.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		return ev
	}
	if ev := read(all); ev.AuctionID != 6 {
		t.Fatalf("unfiltered first event auction=%d", ev.AuctionID)
	}
	if ev := read(all); ev.AuctionID != 5 {
		t.Fatalf("unfiltered second event auction=%d", ev.AuctionID)
	}
	if ev := read(one); ev.AuctionID != 5 || ev.Amount != 15 {
		t.Fatalf("filtered event=%+v", ev)
	}
}

func TestHubRejectsBadAuctionID(t *testing.T) {
	hub := NewHub(nil)
	rec := httptest.NewRecorder()
	hub.HandleWS(rec, httptest.NewRequest(http.MethodGet, "/api/auctions/ws?auction_id=x", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
}
