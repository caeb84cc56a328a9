package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agon/internal/auth"
	"agon/internal/cache"
	"agon/internal/config"
	"agon/internal/economy"
	"agon/internal/metrics"
	"agon/internal/polymarket"
	"agon/internal/prices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	gameRateLimit  = 30
	gameRateWindow = time.Minute
)

type contextKey string

const userContextKey contextKey = "user"

type Server struct {
	cfg     config.APIConfig
	log     *slog.Logger
	issuer  *auth.Issuer
	svc     *economy.Service
	hub     *Hub
	limiter cache.Store
	mux     *chi.Mux

	lookupUser func(ctx context.Context, userID int64) (economy.User, error)
}

func New(cfg config.APIConfig, logger *slog.Logger, issuer *auth.Issuer, svc *economy.Service, hub *Hub, limiter cache.Store) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		log:     logger,
		issuer:  issuer,
		svc:     svc,
		hub:     hub,
		limiter: limiter,
		mux:     chi.NewRouter(),
	}
	if svc != nil {
		s.lookupUser = svc.UserByID
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Handle("/metrics", metrics.Handler())

	if s.hub != nil {
		// Long-lived; kept outside the request timeout.
		r.Get("/api/auctions/ws", s.hub.HandleWS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/logout", s.handleLogout)

		r.Get("/auctions", s.handleAuctionsList)
		r.Get("/auctions/{id}", s.handleAuctionDetail)
		r.Get("/auctions/{id}/activity", s.handleAuctionActivity)
		r.Get("/prediction/markets", s.handleMarketsList)
		r.Get("/prediction/markets/{id}", s.handleMarketDetail)
		r.Get("/trading/prices/{symbol}", s.handleAssetPrice)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/auth/me", s.handleMe)
			r.Post("/auth/password", s.handleChangePassword)

			r.Get("/wallet", s.handleWallet)
			r.Get("/wallet/transactions", s.handleTransactions)
			r.Post("/wallet/swap", s.handleSwap)
			r.Post("/payment/transfer", s.handleTransfer)

			r.Get("/users/search", s.handleUserSearch)
			r.Get("/users/{username}", s.handleUserProfile)

			r.Post("/auctions", s.handleCreateAuction)
			r.Get("/auctions/mine", s.handleMyAuctions)
			r.Post("/auctions/{id}/bids", s.handlePlaceBid)
			r.Post("/auctions/{id}/confirm", s.handleConfirmDelivery)
			r.Post("/auctions/{id}/dispute", s.handleReportIssue)
			r.Post("/auctions/{id}/cancel", s.handleCancelAuction)

			r.With(s.rateLimit("games", gameRateLimit, gameRateWindow)).Post("/games/{game}", s.handlePlayGame)
			r.Get("/games/history", s.handleGameHistory)

			r.Post("/prediction/orders", s.handlePlaceOrder)
			r.Get("/prediction/orders", s.handlePredictionOrders)
			r.Get("/prediction/positions", s.handlePredictionPositions)

			r.Post("/trading/positions", s.handleOpenPosition)
			r.Get("/trading/positions", s.handleTradePositions)
			r.Post("/trading/positions/{id}/close", s.handleClosePosition)

			r.Get("/notifications", s.handleNotifications)
			r.Post("/notifications/{id}/read", s.handleMarkRead)

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.adminMiddleware)
				r.Get("/users", s.handleAdminUsers)
				r.Post("/users/{id}/disabled", s.handleAdminSetDisabled)
				r.Post("/users/{id}/admin", s.handleAdminSetAdmin)
				r.Post("/users/{id}/balance", s.handleAdminAdjustBalance)
				r.Get("/invites", s.handleAdminListInvites)
				r.Post("/invites", s.handleAdminCreateInvites)
				r.Delete("/invites/{code}", s.handleAdminDeleteInvite)
				r.Post("/auctions/{id}/release", s.handleAdminReleaseEscrow)
				r.Post("/auctions/{id}/cancel", s.handleAdminCancelAuction)
				r.Post("/prediction/markets", s.handleAdminAddMarket)
				r.Post("/prediction/markets/{id}/pause", s.handleAdminPauseMarket)
				r.Post("/prediction/markets/{id}/resume", s.handleAdminResumeMarket)
				r.Post("/prediction/markets/{id}/resolve", s.handleAdminResolveMarket)
				r.Get("/stats", s.handleAdminStats)
			})
		})
	})
}

// authMiddleware accepts a bearer token or the session cookie and reloads the
// user so that disabling an account or revoking admin takes effect at once.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			if c, err := r.Cookie(auth.CookieName); err == nil {
				token = strings.TrimSpace(c.Value)
			}
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.issuer.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Sprintf("invalid token: %v", err))
			return
		}
		user, err := s.lookupUser(r.Context(), claims.UserID)
		if err != nil {
			if errors.Is(err, economy.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "unknown user")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if user.Disabled {
			writeError(w, http.StatusForbidden, economy.ErrAccountDisabled.Error())
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := userFromContext(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if !user.IsAdmin {
			writeError(w, http.StatusForbidden, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit allows limit requests per user per window. Limiter failures
// fail open.
func (s *Server) rateLimit(scope string, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			user, err := userFromContext(r.Context())
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			key := "agon:rl:" + scope + ":" + strconv.FormatInt(user.ID, 10)
			ok, err := s.limiter.Allow(r.Context(), key, limit, window)
			if err != nil {
				s.log.Warn("rate limiter unavailable", "scope", scope, "err", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				writeError(w, http.StatusTooManyRequests, "too many requests, slow down")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func userFromContext(ctx context.Context) (economy.User, error) {
	user, ok := ctx.Value(userContextKey).(economy.User)
	if !ok || user.ID == 0 {
		return economy.User{}, errors.New("missing auth context")
	}
	return user, nil
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, economy.ErrDuplicateIdempotency), errors.Is(err, economy.ErrTxConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, economy.ErrUsernameTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, economy.ErrInsufficientFunds), errors.Is(err, economy.ErrInsufficientShares),
		errors.Is(err, economy.ErrInvalidInput), errors.Is(err, economy.ErrInvalidInvite),
		errors.Is(err, economy.ErrBidTooLow), errors.Is(err, economy.ErrSelfBid),
		errors.Is(err, economy.ErrAuctionNotActive), errors.Is(err, economy.ErrAuctionExpired),
		errors.Is(err, economy.ErrInvalidState):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, economy.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, economy.ErrForbidden), errors.Is(err, economy.ErrAccountDisabled):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, economy.ErrNotFound), errors.Is(err, economy.ErrPredictionDisabled):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, economy.ErrMarketUnavailable), errors.Is(err, economy.ErrExposureLimit):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, economy.ErrStaleQuote), errors.Is(err, polymarket.ErrRateLimited):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, prices.ErrNoPrice):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func idempotencyKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		return key
	}
	return uuid.NewString()
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func pathInt64(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func chiParam(r *http.Request, name string) string {
	return strings.TrimSpace(chi.URLParam(r, name))
}
