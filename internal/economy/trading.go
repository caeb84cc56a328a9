package economy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"agon/internal/metrics"

	"github.com/jackc/pgx/v5"
)

const priceCacheTTL = 30 * time.Second

var symbolRE = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,9}$`)

var cryptoSymbols = map[string]bool{
	"BTC": true, "ETH": true, "SOL": true, "DOGE": true, "XRP": true, "ADA": true,
	"LTC": true, "AVAX": true, "DOT": true, "LINK": true, "BNB": true, "MATIC": true,
}

type AssetQuote struct {
	Symbol      string    `json:"symbol"`
	Kind        string    `json:"kind"`
	PriceMicros int64     `json:"price_micros"`
	Source      string    `json:"source"`
	FetchedAt   time.Time `json:"fetched_at"`
}

type TradingTickReport struct {
	Symbols    int `json:"symbols"`
	Positions  int `json:"positions"`
	Liquidated int `json:"liquidated"`
	PriceFails int `json:"price_failures"`
}

// NormalizeAsset uppercases a symbol and infers its kind when none is given.
func NormalizeAsset(symbol, kind string) (string, string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	symbol = strings.TrimSuffix(strings.TrimSuffix(symbol, "-USD"), "USD")
	if !symbolRE.MatchString(symbol) {
		return "", "", fmt.Errorf("%w: invalid symbol", ErrInvalidInput)
	}
	kind = strings.ToLower(strings.TrimSpace(kind))
	switch kind {
	case "":
		kind = "stock"
		if cryptoSymbols[symbol] {
			kind = "crypto"
		}
	case "crypto", "stock":
	default:
		return "", "", fmt.Errorf("%w: kind must be crypto or stock", ErrInvalidInput)
	}
	return symbol, kind, nil
}

// AssetPrice returns the cached price when it is younger than 30s, fetching
// and recording a new one otherwise.
func (s *Service) AssetPrice(ctx context.Context, symbol, kind string) (AssetQuote, error) {
	symbol, kind, err := NormalizeAsset(symbol, kind)
	if err != nil {
		return AssetQuote{}, err
	}
	key := "agon:price:" + kind + ":" + symbol
	if s.cache != nil {
		var q AssetQuote
		ok, err := s.cache.GetJSON(ctx, key, &q)
		if err != nil {
			s.log.Warn("read cached price", "symbol", symbol, "err", err)
		}
		if ok && q.PriceMicros > 0 {
			return q, nil
		}
	}
	return s.refreshPrice(ctx, symbol, kind)
}

func (s *Service) refreshPrice(ctx context.Context, symbol, kind string) (AssetQuote, error) {
	if s.prices == nil {
		return AssetQuote{}, fmt.Errorf("%w: no price source configured", ErrMarketUnavailable)
	}
	price, source, err := s.prices.Price(ctx, symbol, kind)
	if err != nil {
		return AssetQuote{}, err
	}
	if price <= 0 {
		return AssetQuote{}, fmt.Errorf("%w: no price for %s", ErrMarketUnavailable, symbol)
	}
	q := AssetQuote{Symbol: symbol, Kind: kind, PriceMicros: price, Source: source, FetchedAt: s.now()}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO asset_prices (symbol, price_micros, source, fetched_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (symbol) DO UPDATE
		SET price_micros = EXCLUDED.price_micros, source = EXCLUDED.source, fetched_at = EXCLUDED.fetched_at
	`, symbol, price, source, q.FetchedAt); err != nil {
		return q, err
	}
	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, "agon:price:"+kind+":"+symbol, q, priceCacheTTL); err != nil {
			s.log.Warn("cache price", "symbol", symbol, "err", err)
		}
	}
	return q, nil
}

func (s *Service) OpenPosition(ctx context.Context, in OpenPositionInput) (TradePosition, error) {
	var out TradePosition
	symbol, kind, err := NormalizeAsset(in.Symbol, in.Kind)
	if err != nil {
		return out, err
	}
	in.Side = strings.ToLower(strings.TrimSpace(in.Side))
	if in.Side != "long" && in.Side != "short" {
		return out, fmt.Errorf("%w: side must be long or short", ErrInvalidInput)
	}
	if in.MarginMicros < MicrosPerUnit {
		return out, fmt.Errorf("%w: margin must be at least 1 Agon", ErrInvalidInput)
	}
	if in.Leverage < 1 || in.Leverage > s.maxLeverage {
		return out, fmt.Errorf("%w: leverage must be between 1 and %d", ErrInvalidInput, s.maxLeverage)
	}
	q, err := s.AssetPrice(ctx, symbol, kind)
	if err != nil {
		return out, err
	}

	notional := in.MarginMicros * in.Leverage
	fee := bpsOf(notional, TradeOpenFeeBps)
	liq := LiquidationPrice(in.Side, q.PriceMicros, in.Leverage)
	err = s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if err := claimIdempotency(ctx, tx, in.UserID, in.IdempotencyKey, "trade_open"); err != nil {
			return err
		}
		if err := lockWallets(ctx, tx, in.UserID); err != nil {
			return err
		}
		if err := adjustBalanceTx(ctx, tx, in.UserID, CurrencyAgon, -(in.MarginMicros + fee)); err != nil {
			return err
		}
		var err error
		out, err = scanPosition(tx.QueryRow(ctx, `
			INSERT INTO crypto_positions (user_id, symbol, asset_kind, side, margin_micros, leverage, notional_micros,
			                              entry_price_micros, liquidation_price_micros, last_fee_at, opened_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
			RETURNING `+positionColumns,
			in.UserID, symbol, kind, in.Side, in.MarginMicros, in.Leverage, notional, q.PriceMicros, liq, s.now()))
		if err != nil {
			return err
		}
		return insertTransaction(ctx, tx, txRecord{
			From: &in.UserID, Type: "trade_open", Currency: CurrencyAgon, Amount: in.MarginMicros + fee,
			Description: fmt.Sprintf("open %s %s %dx (fee %s)", in.Side, symbol, in.Leverage, formatAmount(fee)),
		})
	})
	if err != nil {
		return TradePosition{}, err
	}
	out.MarkPriceMicros = q.PriceMicros
	s.log.Info("position opened", "user_id", in.UserID, "position_id", out.ID, "symbol", symbol, "side", in.Side, "leverage", in.Leverage)
	return out, nil
}

func (s *Service) ClosePosition(ctx context.Context, userID, positionID int64) (TradePosition, error) {
	var out TradePosition
	var symbol, kind string
	if err := s.db.QueryRow(ctx, `
		SELECT symbol, asset_kind FROM crypto_positions WHERE id = $1 AND user_id = $2
	`, positionID, userID).Scan(&symbol, &kind); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return out, fmt.Errorf("%w: position %d", ErrNotFound, positionID)
		}
		return out, err
	}
	q, err := s.AssetPrice(ctx, symbol, kind)
	if err != nil {
		return out, err
	}

	var returned int64
	err = s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		p, lastFeeAt, err := lockPositionTx(ctx, tx, positionID)
		if err != nil {
			return err
		}
		if p.Status != "open" {
			return fmt.Errorf("%w: position is %s", ErrInvalidState, p.Status)
		}
		fee, _ := accrueFees(p.NotionalMicros, lastFeeAt, s.now())
		p.AccruedFeesMicros += fee
		pnl := PositionPnL(p.Side, p.NotionalMicros, p.EntryPriceMicros, q.PriceMicros)
		returned = closeValue(p.MarginMicros, p.AccruedFeesMicros, pnl)

		if err := lockWallets(ctx, tx, userID); err != nil {
			return err
		}
		if err := adjustBalanceTx(ctx, tx, userID, CurrencyAgon, returned); err != nil {
			return err
		}
		out, err = scanPosition(tx.QueryRow(ctx, `
			UPDATE crypto_positions
			SET status = 'closed', exit_price_micros = $1, accrued_fees_micros = $2,
			    realized_pnl_micros = $3, closed_at = $4, last_fee_at = $4
			WHERE id = $5
			RETURNING `+positionColumns,
			q.PriceMicros, p.AccruedFeesMicros, returned-p.MarginMicros, s.now(), p.ID))
		if err != nil {
			return err
		}
		return insertTransaction(ctx, tx, txRecord{
			To: &userID, Type: "trade_close", Currency: CurrencyAgon, Amount: returned,
			Description: fmt.Sprintf("close %s %s @ %s", p.Side, p.Symbol, formatAmount(q.PriceMicros)),
		})
	})
	if err != nil {
		return TradePosition{}, err
	}
	out.MarkPriceMicros = q.PriceMicros
	s.log.Info("position closed", "user_id", userID, "position_id", positionID, "returned_micros", returned)
	return out, nil
}

// TradePositions lists a user's positions; open ones carry unrealized pnl at
// the current price.
func (s *Service) TradePositions(ctx context.Context, userID int64, status string) ([]TradePosition, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if status == "" {
		status = "open"
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+positionColumns+`
		FROM crypto_positions
		WHERE user_id = $1 AND ($2 = 'all' OR status = $2)
		ORDER BY id DESC
		LIMIT 200
	`, userID, status)
	if err != nil {
		return nil, err
	}
	var out []TradePosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	marks := map[string]int64{}
	for i := range out {
		p := &out[i]
		if p.Status != "open" {
			continue
		}
		price, ok := marks[p.Symbol]
		if !ok {
			q, err := s.AssetPrice(ctx, p.Symbol, p.AssetKind)
			if err != nil {
				s.log.Warn("mark price unavailable", "symbol", p.Symbol, "err", err)
			}
			price = q.PriceMicros
			marks[p.Symbol] = price
		}
		if price > 0 {
			p.MarkPriceMicros = price
			p.UnrealizedPnLMicros = PositionPnL(p.Side, p.NotionalMicros, p.EntryPriceMicros, price) - p.AccruedFeesMicros
		}
	}
	return out, nil
}

// RunTradingTick refreshes prices for every symbol with open positions,
// accrues maintenance fees and liquidates positions past their threshold.
func (s *Service) RunTradingTick(ctx context.Context) (TradingTickReport, error) {
	var report TradingTickReport
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT symbol, asset_kind FROM crypto_positions WHERE status = 'open'
	`)
	if err != nil {
		return report, err
	}
	type asset struct{ symbol, kind string }
	var assets []asset
	for rows.Next() {
		var a asset
		if err := rows.Scan(&a.symbol, &a.kind); err != nil {
			rows.Close()
			return report, err
		}
		assets = append(assets, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return report, err
	}

	for _, a := range assets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Symbols++
		q, err := s.refreshPrice(ctx, a.symbol, a.kind)
		if err != nil {
			report.PriceFails++
			s.log.Warn("price refresh failed", "symbol", a.symbol, "err", err)
			continue
		}
		ids, err := s.openPositionIDs(ctx, a.symbol)
		if err != nil {
			return report, err
		}
		for _, id := range ids {
			liquidated, err := s.tickPosition(ctx, id, q.PriceMicros)
			if err != nil {
				s.log.Error("trading tick position", "position_id", id, "err", err)
				continue
			}
			report.Positions++
			if liquidated {
				report.Liquidated++
			}
		}
	}
	return report, nil
}

func (s *Service) openPositionIDs(ctx context.Context, symbol string) ([]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM crypto_positions WHERE status = 'open' AND symbol = $1 ORDER BY id`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Service) tickPosition(ctx context.Context, id, price int64) (bool, error) {
	var liquidated bool
	var p TradePosition
	err := s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		var lastFeeAt time.Time
		var err error
		p, lastFeeAt, err = lockPositionTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Status != "open" {
			liquidated = false
			return nil
		}
		fee, nextFeeAt := accrueFees(p.NotionalMicros, lastFeeAt, s.now())
		p.AccruedFeesMicros += fee
		pnl := PositionPnL(p.Side, p.NotionalMicros, p.EntryPriceMicros, price)
		liquidated = shouldLiquidate(p, price, pnl)
		if !liquidated {
			_, err := tx.Exec(ctx, `
				UPDATE crypto_positions SET accrued_fees_micros = $1, last_fee_at = $2 WHERE id = $3
			`, p.AccruedFeesMicros, nextFeeAt, id)
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE crypto_positions
			SET status = 'liquidated', exit_price_micros = $1, accrued_fees_micros = $2,
			    realized_pnl_micros = $3, closed_at = $4, last_fee_at = $4
			WHERE id = $5
		`, price, p.AccruedFeesMicros, -p.MarginMicros, s.now(), id); err != nil {
			return err
		}
		msg := fmt.Sprintf("Your %dx %s %s position was liquidated at %s; %s Agon margin lost",
			p.Leverage, p.Side, p.Symbol, formatAmount(price), formatAmount(p.MarginMicros))
		return notifyUserTx(ctx, tx, p.userID, "liquidation", msg)
	})
	if err != nil {
		return false, err
	}
	if liquidated {
		metrics.Liquidations.Inc()
		s.log.Warn("position liquidated", "position_id", id, "symbol", p.Symbol, "price_micros", price)
		s.publish(Event{Type: "liquidation", UserID: p.userID, Amount: p.MarginMicros, Status: "liquidated"})
	}
	return liquidated, nil
}

// accrueFees charges the hourly maintenance fee for every whole hour since
// lastFeeAt and returns the new fee watermark.
func accrueFees(notional int64, lastFeeAt, now time.Time) (int64, time.Time) {
	hours := int64(now.Sub(lastFeeAt) / time.Hour)
	if hours <= 0 {
		return 0, lastFeeAt
	}
	return MaintenanceFee(notional, hours), lastFeeAt.Add(time.Duration(hours) * time.Hour)
}

// closeValue is what a position returns to its owner, never negative.
func closeValue(margin, fees, pnl int64) int64 {
	v := margin - fees + pnl
	if v < 0 {
		return 0
	}
	return v
}

func shouldLiquidate(p TradePosition, price, pnl int64) bool {
	if Liquidated(p.Side, price, p.LiquidationPriceMicros) {
		return true
	}
	return p.MarginMicros-p.AccruedFeesMicros+pnl <= 0
}

const positionColumns = `
	id, user_id, symbol, asset_kind, side, margin_micros, leverage, notional_micros, entry_price_micros,
	liquidation_price_micros, accrued_fees_micros, realized_pnl_micros, exit_price_micros, status, opened_at, closed_at
`

func scanPosition(row pgx.Row) (TradePosition, error) {
	var p TradePosition
	err := row.Scan(&p.ID, &p.userID, &p.Symbol, &p.AssetKind, &p.Side, &p.MarginMicros, &p.Leverage, &p.NotionalMicros,
		&p.EntryPriceMicros, &p.LiquidationPriceMicros, &p.AccruedFeesMicros, &p.RealizedPnLMicros, &p.ExitPriceMicros,
		&p.Status, &p.OpenedAt, &p.ClosedAt)
	return p, err
}

func lockPositionTx(ctx context.Context, tx pgx.Tx, id int64) (TradePosition, time.Time, error) {
	var lastFeeAt time.Time
	var p TradePosition
	err := tx.QueryRow(ctx, `
		SELECT id, user_id, symbol, side, margin_micros, leverage, notional_micros, entry_price_micros,
		       liquidation_price_micros, accrued_fees_micros, status, last_fee_at
		FROM crypto_positions
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&p.ID, &p.userID, &p.Symbol, &p.Side, &p.MarginMicros, &p.Leverage, &p.NotionalMicros, &p.EntryPriceMicros,
		&p.LiquidationPriceMicros, &p.AccruedFeesMicros, &p.Status, &lastFeeAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, lastFeeAt, fmt.Errorf("%w: position %d", ErrNotFound, id)
	}
	return p, lastFeeAt, err
}
