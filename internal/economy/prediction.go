package economy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"agon/internal/metrics"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"
)

const syncConcurrency = 8

const marketColumns = `
	m.id, m.external_id, m.slug, m.question, m.yes_token_id, m.no_token_id, m.status, m.resolution,
	m.failure_count, m.end_date, m.resolved_at,
	q.yes_bid_micros, q.yes_ask_micros, q.no_bid_micros, q.no_ask_micros, q.fetched_at
`

const marketFrom = `
	FROM prediction_markets m
	LEFT JOIN LATERAL (
		SELECT yes_bid_micros, yes_ask_micros, no_bid_micros, no_ask_micros, fetched_at
		FROM prediction_quotes
		WHERE market_id = m.id
		ORDER BY id DESC
		LIMIT 1
	) q ON true
`

func scanMarket(row pgx.Row) (Market, error) {
	var m Market
	var yb, ya, nb, na *int64
	var fetched *time.Time
	err := row.Scan(&m.ID, &m.ExternalID, &m.Slug, &m.Question, &m.YesTokenID, &m.NoTokenID, &m.Status, &m.Resolution,
		&m.FailureCount, &m.EndDate, &m.ResolvedAt, &yb, &ya, &nb, &na, &fetched)
	if err != nil {
		return m, err
	}
	if yb != nil && ya != nil && nb != nil && na != nil && fetched != nil {
		m.Quote = &Quote{MarketID: m.ID, YesBidMicros: *yb, YesAskMicros: *ya, NoBidMicros: *nb, NoAskMicros: *na, FetchedAt: *fetched}
	}
	return m, nil
}

func (s *Service) Markets(ctx context.Context, status string) ([]Market, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if status == "" {
		status = "active"
	}
	rows, err := s.db.Query(ctx, `SELECT `+marketColumns+marketFrom+`
		WHERE ($1 = 'all' OR m.status = $1)
		ORDER BY m.end_date ASC NULLS LAST, m.id
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Service) MarketDetail(ctx context.Context, marketID int64, historyLimit int) (MarketDetail, error) {
	if historyLimit <= 0 || historyLimit > QuoteHistoryLimit {
		historyLimit = 200
	}
	m, err := scanMarket(s.db.QueryRow(ctx, `SELECT `+marketColumns+marketFrom+` WHERE m.id = $1`, marketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return MarketDetail{}, fmt.Errorf("%w: market %d", ErrNotFound, marketID)
	}
	if err != nil {
		return MarketDetail{}, err
	}
	if q, ok := s.cachedQuote(ctx, marketID); ok && (m.Quote == nil || q.FetchedAt.After(m.Quote.FetchedAt)) {
		m.Quote = &q
	}
	out := MarketDetail{Market: m}
	rows, err := s.db.Query(ctx, `
		SELECT market_id, yes_bid_micros, yes_ask_micros, no_bid_micros, no_ask_micros, fetched_at
		FROM prediction_quotes
		WHERE market_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, marketID, historyLimit)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var q Quote
		if err := rows.Scan(&q.MarketID, &q.YesBidMicros, &q.YesAskMicros, &q.NoBidMicros, &q.NoAskMicros, &q.FetchedAt); err != nil {
			return out, err
		}
		out.History = append(out.History, q)
	}
	return out, rows.Err()
}

func (s *Service) PlaceOrder(ctx context.Context, in OrderInput) (OrderResult, error) {
	var out OrderResult
	if !s.predictionEnabled {
		return out, ErrPredictionDisabled
	}
	in.Side = strings.ToLower(strings.TrimSpace(in.Side))
	in.Action = strings.ToLower(strings.TrimSpace(in.Action))
	if in.Side != "yes" && in.Side != "no" {
		return out, fmt.Errorf("%w: side must be yes or no", ErrInvalidInput)
	}
	if in.Action != "buy" && in.Action != "sell" {
		return out, fmt.Errorf("%w: action must be buy or sell", ErrInvalidInput)
	}
	if in.Quantity < 1 || in.Quantity > MaxOrderShares {
		return out, fmt.Errorf("%w: quantity must be between 1 and %d shares", ErrInvalidInput, MaxOrderShares)
	}

	err := s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		out = OrderResult{Quantity: in.Quantity}
		if err := claimIdempotency(ctx, tx, in.UserID, in.IdempotencyKey, "prediction_order"); err != nil {
			return err
		}

		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM prediction_markets WHERE id = $1 FOR UPDATE`, in.MarketID).Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: market %d", ErrNotFound, in.MarketID)
			}
			return err
		}
		if status != "active" {
			return fmt.Errorf("%w: market is %s", ErrMarketUnavailable, status)
		}

		var q Quote
		err := tx.QueryRow(ctx, `
			SELECT market_id, yes_bid_micros, yes_ask_micros, no_bid_micros, no_ask_micros, fetched_at
			FROM prediction_quotes
			WHERE market_id = $1
			ORDER BY id DESC
			LIMIT 1
		`, in.MarketID).Scan(&q.MarketID, &q.YesBidMicros, &q.YesAskMicros, &q.NoBidMicros, &q.NoAskMicros, &q.FetchedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStaleQuote
		}
		if err != nil {
			return err
		}
		price, err := orderPrice(q, in.Side, in.Action, s.now())
		if err != nil {
			return err
		}
		out.PriceMicros = price

		if err := lockWallets(ctx, tx, in.UserID); err != nil {
			return err
		}
		var heldQty, heldAvg, realized int64
		err = tx.QueryRow(ctx, `
			SELECT quantity, avg_price_micros, realized_pnl_micros
			FROM prediction_positions
			WHERE user_id = $1 AND market_id = $2 AND side = $3
			FOR UPDATE
		`, in.UserID, in.MarketID, in.Side).Scan(&heldQty, &heldAvg, &realized)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		group := uuid.NewString()
		if in.Action == "buy" {
			cost, fee := BuyCost(in.Quantity, price)
			newQty := heldQty + in.Quantity
			newAvg := WeightedAverage(heldQty, heldAvg, in.Quantity, price)

			var sideExposure int64
			if err := tx.QueryRow(ctx, `
				SELECT COALESCE(SUM(quantity * ($3::bigint - avg_price_micros)), 0)::bigint
				FROM prediction_positions
				WHERE market_id = $1 AND side = $2 AND quantity > 0
			`, in.MarketID, in.Side, SharePayoutMicros).Scan(&sideExposure); err != nil {
				return err
			}
			if err := checkExposure(sideExposure, heldQty, heldAvg, newQty, newAvg); err != nil {
				return err
			}
			if err := adjustBalanceTx(ctx, tx, in.UserID, CurrencyAgon, -(cost + fee)); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO prediction_positions (user_id, market_id, side, quantity, avg_price_micros, updated_at)
				VALUES ($1, $2, $3, $4, $5, now())
				ON CONFLICT (user_id, market_id, side)
				DO UPDATE SET quantity = EXCLUDED.quantity, avg_price_micros = EXCLUDED.avg_price_micros, updated_at = now()
			`, in.UserID, in.MarketID, in.Side, newQty, newAvg); err != nil {
				return err
			}
			if err := insertTransaction(ctx, tx, txRecord{
				GroupID: group, From: &in.UserID, Type: "prediction_buy", Currency: CurrencyAgon, Amount: cost + fee,
				Description: fmt.Sprintf("buy %d %s @ %s (market #%d)", in.Quantity, strings.ToUpper(in.Side), formatAmount(price), in.MarketID),
			}); err != nil {
				return err
			}
			out.CostMicros, out.FeeMicros, out.TotalMicros = cost, fee, cost+fee
			out.PositionQuantity, out.AvgPriceMicros, out.RealizedPnL = newQty, newAvg, realized
		} else {
			if heldQty < in.Quantity {
				return fmt.Errorf("%w: you hold %d shares", ErrInsufficientShares, heldQty)
			}
			proceeds := in.Quantity * price
			realized += in.Quantity * (price - heldAvg)
			newQty := heldQty - in.Quantity
			if err := adjustBalanceTx(ctx, tx, in.UserID, CurrencyAgon, proceeds); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE prediction_positions
				SET quantity = $1, realized_pnl_micros = $2, updated_at = now()
				WHERE user_id = $3 AND market_id = $4 AND side = $5
			`, newQty, realized, in.UserID, in.MarketID, in.Side); err != nil {
				return err
			}
			if err := insertTransaction(ctx, tx, txRecord{
				GroupID: group, To: &in.UserID, Type: "prediction_sell", Currency: CurrencyAgon, Amount: proceeds,
				Description: fmt.Sprintf("sell %d %s @ %s (market #%d)", in.Quantity, strings.ToUpper(in.Side), formatAmount(price), in.MarketID),
			}); err != nil {
				return err
			}
			out.CostMicros, out.TotalMicros = proceeds, proceeds
			out.PositionQuantity, out.AvgPriceMicros, out.RealizedPnL = newQty, heldAvg, realized
		}

		if err := tx.QueryRow(ctx, `
			INSERT INTO prediction_orders (user_id, market_id, side, action, quantity, price_micros, fee_micros, total_micros)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, in.UserID, in.MarketID, in.Side, in.Action, in.Quantity, price, out.FeeMicros, out.TotalMicros).Scan(&out.OrderID); err != nil {
			return err
		}
		w, err := walletTx(ctx, tx, in.UserID)
		if err != nil {
			return err
		}
		out.AgonMicros = w.AgonMicros
		return nil
	})
	if err != nil {
		return OrderResult{}, err
	}
	metrics.PredictionOrders.WithLabelValues(in.Side, in.Action).Inc()
	s.log.Info("prediction order filled", "user_id", in.UserID, "market_id", in.MarketID, "side", in.Side, "action", in.Action, "qty", in.Quantity, "price_micros", out.PriceMicros)
	return out, nil
}

// orderPrice picks the executable price for an order from the latest quote:
// buys lift the ask, sells hit the bid.
func orderPrice(q Quote, side, action string, now time.Time) (int64, error) {
	if now.Sub(q.FetchedAt) > QuoteMaxAge {
		return 0, ErrStaleQuote
	}
	bid, ask := q.Side(side)
	price := ask
	if action == "sell" {
		price = bid
	}
	if price <= 0 || price >= SharePayoutMicros {
		return 0, fmt.Errorf("%w: no executable price", ErrMarketUnavailable)
	}
	return price, nil
}

// checkExposure replaces the user's old contribution to a market side's
// exposure with the new one and compares the total to the platform cap.
func checkExposure(sideExposure, oldQty, oldAvg, newQty, newAvg int64) error {
	next := sideExposure - Exposure(oldQty, oldAvg) + Exposure(newQty, newAvg)
	if next > ExposureCapMicros {
		return ErrExposureLimit
	}
	return nil
}

func (s *Service) PredictionPositions(ctx context.Context, userID int64) ([]PredictionPosition, error) {
	rows, err := s.db.Query(ctx, `
		SELECT p.market_id, m.question, m.status, p.side, p.quantity, p.avg_price_micros, p.realized_pnl_micros,
		       COALESCE(CASE WHEN p.side = 'yes' THEN q.yes_bid_micros ELSE q.no_bid_micros END, 0), p.updated_at
		FROM prediction_positions p
		JOIN prediction_markets m ON m.id = p.market_id
		LEFT JOIN LATERAL (
			SELECT yes_bid_micros, no_bid_micros
			FROM prediction_quotes
			WHERE market_id = p.market_id
			ORDER BY id DESC
			LIMIT 1
		) q ON true
		WHERE p.user_id = $1 AND (p.quantity > 0 OR p.realized_pnl_micros <> 0)
		ORDER BY p.updated_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PredictionPosition
	for rows.Next() {
		var p PredictionPosition
		if err := rows.Scan(&p.MarketID, &p.Question, &p.MarketStatus, &p.Side, &p.Quantity, &p.AvgPriceMicros,
			&p.RealizedPnLMicros, &p.MarkPriceMicros, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Service) PredictionOrders(ctx context.Context, userID int64, limit int) ([]PredictionOrder, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, market_id, side, action, quantity, price_micros, fee_micros, total_micros, created_at
		FROM prediction_orders
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PredictionOrder
	for rows.Next() {
		var o PredictionOrder
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Side, &o.Action, &o.Quantity, &o.PriceMicros, &o.FeeMicros, &o.TotalMicros, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type SyncReport struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
	Paused int `json:"paused"`
}

// SyncQuotes refreshes the quote of every active market from the upstream
// order books.
func (s *Service) SyncQuotes(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	if !s.predictionEnabled || s.feed == nil {
		return report, nil
	}
	markets, err := s.Markets(ctx, "active")
	if err != nil {
		return report, err
	}

	var synced, failed, paused atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(syncConcurrency)
	for _, m := range markets {
		g.Go(func() error {
			err := s.syncMarket(ctx, m)
			if err == nil {
				synced.Add(1)
				return nil
			}
			failed.Add(1)
			metrics.QuoteSyncFailures.Inc()
			s.log.Warn("quote sync failed", "market_id", m.ID, "slug", m.Slug, "err", err)
			didPause, perr := s.recordSyncFailure(ctx, m)
			if perr != nil {
				s.log.Error("record sync failure", "market_id", m.ID, "err", perr)
			}
			if didPause {
				paused.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report = SyncReport{Synced: int(synced.Load()), Failed: int(failed.Load()), Paused: int(paused.Load())}
	return report, ctx.Err()
}

func (s *Service) syncMarket(ctx context.Context, m Market) error {
	yes, err := s.feed.TopOfBook(ctx, m.YesTokenID)
	if err != nil {
		return fmt.Errorf("yes book: %w", err)
	}
	no, err := s.feed.TopOfBook(ctx, m.NoTokenID)
	if err != nil {
		return fmt.Errorf("no book: %w", err)
	}
	q, err := quoteFromBooks(yes, no)
	if err != nil {
		return err
	}
	q.MarketID = m.ID
	q.FetchedAt = s.now()

	err = s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO prediction_quotes (market_id, yes_bid_micros, yes_ask_micros, no_bid_micros, no_ask_micros, fetched_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, q.MarketID, q.YesBidMicros, q.YesAskMicros, q.NoBidMicros, q.NoAskMicros, q.FetchedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM prediction_quotes
			WHERE market_id = $1 AND id <= (
				SELECT id FROM prediction_quotes
				WHERE market_id = $1
				ORDER BY id DESC
				OFFSET $2 LIMIT 1
			)
		`, q.MarketID, QuoteHistoryLimit); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE prediction_markets SET failure_count = 0, updated_at = now()
			WHERE id = $1 AND failure_count <> 0
		`, q.MarketID)
		return err
	})
	if err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, quoteCacheKey(m.ID), q, QuoteMaxAge); err != nil {
			s.log.Warn("cache quote", "market_id", m.ID, "err", err)
		}
	}
	return nil
}

// recordSyncFailure bumps the market's failure counter and pauses it once
// MaxSyncFailures consecutive syncs failed.
func (s *Service) recordSyncFailure(ctx context.Context, m Market) (bool, error) {
	var count int
	var paused bool
	err := s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, `
			SELECT failure_count, status FROM prediction_markets WHERE id = $1 FOR UPDATE
		`, m.ID).Scan(&count, &status); err != nil {
			return err
		}
		count, paused = nextSyncFailure(count, status)
		if paused {
			status = "paused"
		}
		_, err := tx.Exec(ctx, `
			UPDATE prediction_markets SET failure_count = $1, status = $2, updated_at = now()
			WHERE id = $3
		`, count, status, m.ID)
		return err
	})
	if err != nil || !paused {
		return false, err
	}
	metrics.MarketAutoPauses.Inc()
	s.log.Warn("market auto-paused", "market_id", m.ID, "slug", m.Slug, "failures", count)
	s.alert("market_paused", "Market paused", fmt.Sprintf("%q paused after %d failed quote syncs", m.Question, count))
	s.publish(Event{Type: "market_paused", MarketID: m.ID, Status: "paused"})
	return true, nil
}

// nextSyncFailure returns the failure count after one more failed sync and
// whether that failure pauses the market. Only an active market reaching
// MaxSyncFailures pauses.
func nextSyncFailure(failures int, status string) (int, bool) {
	failures++
	return failures, status == "active" && failures >= MaxSyncFailures
}

// quoteFromBooks turns the two outcome books into a platform quote. A missing
// side is implied from the complementary token.
func quoteFromBooks(yes, no Book) (Quote, error) {
	yesBid, yesAsk := yes.BestBidMicros, yes.BestAskMicros
	noBid, noAsk := no.BestBidMicros, no.BestAskMicros
	if yesBid <= 0 && noAsk > 0 {
		yesBid = SharePayoutMicros - noAsk
	}
	if yesAsk <= 0 && noBid > 0 {
		yesAsk = SharePayoutMicros - noBid
	}
	if noBid <= 0 && yesAsk > 0 {
		noBid = SharePayoutMicros - yesAsk
	}
	if noAsk <= 0 && yesBid > 0 {
		noAsk = SharePayoutMicros - yesBid
	}
	if yesBid <= 0 || yesAsk <= 0 || noBid <= 0 || noAsk <= 0 {
		return Quote{}, fmt.Errorf("%w: order book is empty", ErrMarketUnavailable)
	}
	var q Quote
	q.YesBidMicros, q.YesAskMicros = ApplySpread(yesBid, yesAsk)
	q.NoBidMicros, q.NoAskMicros = ApplySpread(noBid, noAsk)
	return q, nil
}

func quoteCacheKey(marketID int64) string {
	return "agon:quote:" + strconv.FormatInt(marketID, 10)
}

func (s *Service) cachedQuote(ctx context.Context, marketID int64) (Quote, bool) {
	var q Quote
	if s.cache == nil {
		return q, false
	}
	ok, err := s.cache.GetJSON(ctx, quoteCacheKey(marketID), &q)
	if err != nil {
		s.log.Warn("read cached quote", "market_id", marketID, "err", err)
		return q, false
	}
	return q, ok
}

// CheckResolutions settles every open market the upstream feed reports as
// closed with a winner.
func (s *Service) CheckResolutions(ctx context.Context) (int, error) {
	if !s.predictionEnabled || s.feed == nil {
		return 0, nil
	}
	markets, err := s.Markets(ctx, "all")
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, m := range markets {
		if m.Status == "resolved" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		fm, err := s.feed.Resolution(ctx, m.ExternalID)
		if err != nil {
			s.log.Warn("resolution check failed", "market_id", m.ID, "slug", m.Slug, "err", err)
			continue
		}
		if !fm.Closed || fm.Winner == "" {
			continue
		}
		if _, err := s.SettleMarket(ctx, m.ID, fm.Winner); err != nil {
			s.log.Error("settle market", "market_id", m.ID, "outcome", fm.Winner, "err", err)
			continue
		}
		settled++
	}
	return settled, nil
}

// SettleMarket resolves a market and pays one Agon per winning share. Running
// it again with the same outcome is a no-op.
func (s *Service) SettleMarket(ctx context.Context, marketID int64, outcome string) (MarketSettlement, error) {
	outcome = strings.ToLower(strings.TrimSpace(outcome))
	if outcome != "yes" && outcome != "no" {
		return MarketSettlement{}, fmt.Errorf("%w: outcome must be yes or no", ErrInvalidInput)
	}
	out := MarketSettlement{MarketID: marketID, Outcome: outcome}
	var question string
	err := s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		out = MarketSettlement{MarketID: marketID, Outcome: outcome}
		var status string
		var resolution *string
		if err := tx.QueryRow(ctx, `
			SELECT status, resolution, question FROM prediction_markets WHERE id = $1 FOR UPDATE
		`, marketID).Scan(&status, &resolution, &question); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: market %d", ErrNotFound, marketID)
			}
			return err
		}
		if status == "resolved" {
			if resolution != nil && *resolution == outcome {
				out.AlreadyClosed = true
				return nil
			}
			return fmt.Errorf("%w: market already resolved", ErrInvalidState)
		}

		type pos struct {
			userID   int64
			side     string
			qty, avg int64
		}
		rows, err := tx.Query(ctx, `
			SELECT user_id, side, quantity, avg_price_micros
			FROM prediction_positions
			WHERE market_id = $1 AND quantity > 0
			ORDER BY user_id, side
			FOR UPDATE
		`, marketID)
		if err != nil {
			return err
		}
		var positions []pos
		for rows.Next() {
			var p pos
			if err := rows.Scan(&p.userID, &p.side, &p.qty, &p.avg); err != nil {
				rows.Close()
				return err
			}
			positions = append(positions, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		group := uuid.NewString()
		for _, p := range positions {
			payout := SettlementPayout(p.side, outcome, p.qty)
			if payout > 0 {
				if err := adjustBalanceTx(ctx, tx, p.userID, CurrencyAgon, payout); err != nil {
					return err
				}
				uid := p.userID
				if err := insertTransaction(ctx, tx, txRecord{
					GroupID: group, To: &uid, Type: "prediction_payout", Currency: CurrencyAgon, Amount: payout,
					Description: fmt.Sprintf("%d %s shares settled (market #%d)", p.qty, strings.ToUpper(p.side), marketID),
				}); err != nil {
					return err
				}
			}
			if _, err := tx.Exec(ctx, `
				UPDATE prediction_positions
				SET quantity = 0, realized_pnl_micros = realized_pnl_micros + $1, updated_at = now()
				WHERE user_id = $2 AND market_id = $3 AND side = $4
			`, payout-p.qty*p.avg, p.userID, marketID, p.side); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO prediction_settlements (market_id, user_id, side, quantity, payout_micros, outcome)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, marketID, p.userID, p.side, p.qty, payout, outcome); err != nil {
				return err
			}
			msg := fmt.Sprintf("%q resolved %s; your %d %s shares paid %s Agon", question, strings.ToUpper(outcome), p.qty, strings.ToUpper(p.side), formatAmount(payout))
			if err := notifyUserTx(ctx, tx, p.userID, "market_settled", msg); err != nil {
				return err
			}
			out.Positions++
			out.PayoutMicros += payout
		}

		_, err = tx.Exec(ctx, `
			UPDATE prediction_markets
			SET status = 'resolved', resolution = $1, resolved_at = now(), updated_at = now()
			WHERE id = $2
		`, outcome, marketID)
		return err
	})
	if err != nil {
		return MarketSettlement{}, err
	}
	if out.AlreadyClosed {
		return out, nil
	}
	metrics.MarketSettlements.WithLabelValues(outcome).Inc()
	s.log.Info("market settled", "market_id", marketID, "outcome", outcome, "positions", out.Positions, "payout_micros", out.PayoutMicros)
	s.alert("market_settled", "Market settled", fmt.Sprintf("%q resolved %s: %d positions, %s Agon paid", question, strings.ToUpper(outcome), out.Positions, formatAmount(out.PayoutMicros)))
	s.publish(Event{Type: "market_settled", MarketID: marketID, Amount: out.PayoutMicros, Status: outcome})
	return out, nil
}

// AddMarket imports an upstream market by slug. Existing slugs are refreshed
// in place.
func (s *Service) AddMarket(ctx context.Context, slug string) (Market, error) {
	if s.feed == nil {
		return Market{}, ErrPredictionDisabled
	}
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return Market{}, fmt.Errorf("%w: slug is required", ErrInvalidInput)
	}
	fm, err := s.feed.Lookup(ctx, slug)
	if err != nil {
		return Market{}, err
	}
	if fm.YesTokenID == "" || fm.NoTokenID == "" {
		return Market{}, fmt.Errorf("%w: market %q has no tradable tokens", ErrMarketUnavailable, slug)
	}
	var id int64
	err = s.db.QueryRow(ctx, `
		INSERT INTO prediction_markets (external_id, slug, question, yes_token_id, no_token_id, end_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (slug) DO UPDATE
		SET question = EXCLUDED.question, end_date = EXCLUDED.end_date, updated_at = now()
		RETURNING id
	`, fm.ExternalID, slug, fm.Question, fm.YesTokenID, fm.NoTokenID, fm.EndDate).Scan(&id)
	if err != nil {
		return Market{}, err
	}
	m, err := scanMarket(s.db.QueryRow(ctx, `SELECT `+marketColumns+marketFrom+` WHERE m.id = $1`, id))
	if err != nil {
		return Market{}, err
	}
	if m.Status == "active" {
		if err := s.syncMarket(ctx, m); err != nil {
			s.log.Warn("initial quote sync failed", "market_id", id, "err", err)
		}
	}
	s.log.Info("market imported", "market_id", id, "slug", slug)
	return m, nil
}

// ImportWhitelist adds every configured slug, skipping ones that fail.
func (s *Service) ImportWhitelist(ctx context.Context, slugs []string) (int, error) {
	imported := 0
	for _, slug := range slugs {
		if err := ctx.Err(); err != nil {
			return imported, err
		}
		if _, err := s.AddMarket(ctx, slug); err != nil {
			s.log.Warn("whitelist import failed", "slug", slug, "err", err)
			continue
		}
		imported++
	}
	return imported, nil
}

func (s *Service) PauseMarket(ctx context.Context, marketID int64) error {
	return s.setMarketStatus(ctx, marketID, "active", "paused", false)
}

// ResumeMarket reopens a paused market and clears its failure counter.
func (s *Service) ResumeMarket(ctx context.Context, marketID int64) error {
	return s.setMarketStatus(ctx, marketID, "paused", "active", true)
}

func (s *Service) setMarketStatus(ctx context.Context, marketID int64, from, to string, resetFailures bool) error {
	cmd, err := s.db.Exec(ctx, `
		UPDATE prediction_markets
		SET status = $1,
		    failure_count = CASE WHEN $2 THEN 0 ELSE failure_count END,
		    updated_at = now()
		WHERE id = $3 AND status = $4
	`, to, resetFailures, marketID, from)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM prediction_markets WHERE id = $1)`, marketID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: market %d", ErrNotFound, marketID)
		}
		return fmt.Errorf("%w: market is not %s", ErrMarketUnavailable, from)
	}
	s.log.Info("market status changed", "market_id", marketID, "status", to)
	s.publish(Event{Type: "market_" + to, MarketID: marketID, Status: to})
	return nil
}
