package economy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agon/internal/metrics"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const auctionColumns = `
	a.id, a.seller_id, su.username, a.title, a.description, a.category, a.image_url,
	a.starting_price_micros, a.current_bid_micros, a.highest_bidder_id, COALESCE(hb.username, ''),
	a.end_date, a.status, a.dispute_reason, a.completed_at, a.created_at
`

const auctionFrom = `
	FROM auctions a
	JOIN users su ON su.id = a.seller_id
	LEFT JOIN users hb ON hb.id = a.highest_bidder_id
`

func scanAuction(row pgx.Row) (Auction, error) {
	var a Auction
	err := row.Scan(&a.ID, &a.SellerID, &a.SellerUsername, &a.Title, &a.Description, &a.Category, &a.ImageURL,
		&a.StartingPriceMicros, &a.CurrentBidMicros, &a.HighestBidderID, &a.HighestBidder,
		&a.EndDate, &a.Status, &a.DisputeReason, &a.CompletedAt, &a.CreatedAt)
	return a, err
}

func (s *Service) CreateAuction(ctx context.Context, in CreateAuctionInput) (Auction, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Category = strings.ToLower(strings.TrimSpace(in.Category))
	if in.Category == "" {
		in.Category = "general"
	}
	if len(in.Title) < 3 || len(in.Title) > 120 {
		return Auction{}, fmt.Errorf("%w: title must be 3-120 characters", ErrInvalidInput)
	}
	if len(in.Description) > 4000 {
		return Auction{}, fmt.Errorf("%w: description too long", ErrInvalidInput)
	}
	if in.StartingPriceMicros < MicrosPerUnit {
		return Auction{}, fmt.Errorf("%w: starting price must be at least 1 Agon", ErrInvalidInput)
	}
	secs := int64(in.Duration / time.Second)
	if secs < MinAuctionDurationSec || secs > MaxAuctionDurationSec {
		return Auction{}, fmt.Errorf("%w: duration must be between 1 hour and 14 days", ErrInvalidInput)
	}

	var id int64
	err := s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO auctions (seller_id, title, description, category, image_url, starting_price_micros, end_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, in.SellerID, in.Title, in.Description, in.Category, strings.TrimSpace(in.ImageURL),
			in.StartingPriceMicros, s.now().Add(in.Duration)).Scan(&id)
		if err != nil {
			return err
		}
		return logActivityTx(ctx, tx, id, &in.SellerID, "created", map[string]any{
			"starting_price_micros": in.StartingPriceMicros,
		})
	})
	if err != nil {
		return Auction{}, err
	}
	s.log.Info("auction created", "auction_id", id, "seller_id", in.SellerID)
	s.publish(Event{Type: "auction_created", AuctionID: id, UserID: in.SellerID, Amount: in.StartingPriceMicros})
	return s.auctionByID(ctx, id)
}

func (s *Service) ListAuctions(ctx context.Context, status, category string, limit int) ([]Auction, error) {
	if _, err := s.SweepExpired(ctx); err != nil {
		s.log.Warn("lazy auction sweep failed", "err", err)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	status = strings.ToLower(strings.TrimSpace(status))
	if status == "" {
		status = "active"
	}
	rows, err := s.db.Query(ctx, `SELECT `+auctionColumns+auctionFrom+`
		WHERE ($1 = 'all' OR a.status = $1)
		  AND ($2 = '' OR a.category = $2)
		ORDER BY CASE WHEN a.status = 'active' THEN a.end_date END ASC, a.id DESC
		LIMIT $3
	`, status, strings.ToLower(strings.TrimSpace(category)), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Service) AuctionDetail(ctx context.Context, auctionID int64) (AuctionDetail, error) {
	if _, err := s.SweepExpired(ctx); err != nil {
		s.log.Warn("lazy auction sweep failed", "err", err)
	}
	a, err := s.auctionByID(ctx, auctionID)
	if err != nil {
		return AuctionDetail{}, err
	}
	out := AuctionDetail{Auction: a, MinNextBidMicros: MinNextBid(a.StartingPriceMicros, a.CurrentBidMicros)}
	rows, err := s.db.Query(ctx, `
		SELECT b.id, b.auction_id, b.bidder_id, u.username, b.amount_micros, b.is_active, b.created_at
		FROM bids b
		JOIN users u ON u.id = b.bidder_id
		WHERE b.auction_id = $1
		ORDER BY b.id DESC
		LIMIT 100
	`, auctionID)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var b Bid
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Bidder, &b.AmountMicros, &b.IsActive, &b.CreatedAt); err != nil {
			return out, err
		}
		out.Bids = append(out.Bids, b)
	}
	return out, rows.Err()
}

// MyAuctions returns auctions the user is selling and auctions they currently
// lead or have won.
func (s *Service) MyAuctions(ctx context.Context, userID int64) (selling, winning []Auction, err error) {
	rows, err := s.db.Query(ctx, `SELECT `+auctionColumns+auctionFrom+`
		WHERE a.seller_id = $1 OR a.highest_bidder_id = $1
		ORDER BY a.id DESC
		LIMIT 200
	`, userID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, nil, err
		}
		if a.SellerID == userID {
			selling = append(selling, a)
		} else {
			winning = append(winning, a)
		}
	}
	return selling, winning, rows.Err()
}

type ActivityEntry struct {
	ID        int64          `json:"id"`
	UserID    *int64         `json:"user_id,omitempty"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

func (s *Service) AuctionActivity(ctx context.Context, auctionID int64) ([]ActivityEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, action, details, created_at
		FROM auction_activity
		WHERE auction_id = $1
		ORDER BY id DESC
		LIMIT 200
	`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Service) PlaceBid(ctx context.Context, in BidInput) (BidResult, error) {
	var out BidResult
	if in.AmountMicros <= 0 {
		return out, fmt.Errorf("%w: bid must be > 0", ErrInvalidInput)
	}

	var sellerID int64
	var title string
	err := s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		out = BidResult{AuctionID: in.AuctionID, AmountMicros: in.AmountMicros}
		if err := claimIdempotency(ctx, tx, in.BidderID, in.IdempotencyKey, "bid"); err != nil {
			return err
		}
		a, err := lockAuctionTx(ctx, tx, in.AuctionID)
		if err != nil {
			return err
		}
		sellerID, title = a.SellerID, a.Title
		if err := checkBid(a, in.BidderID, in.AmountMicros, s.now()); err != nil {
			return err
		}

		ids := []int64{in.BidderID}
		if a.HighestBidderID != nil {
			ids = append(ids, *a.HighestBidderID)
		}
		if err := lockWallets(ctx, tx, ids...); err != nil {
			return err
		}

		group := uuid.NewString()
		if a.HighestBidderID != nil && a.CurrentBidMicros != nil {
			prev, amount := *a.HighestBidderID, *a.CurrentBidMicros
			if err := releaseEscrowTx(ctx, tx, prev, amount); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE bids SET is_active = false WHERE auction_id = $1 AND is_active = true`, a.ID); err != nil {
				return err
			}
			if err := insertTransaction(ctx, tx, txRecord{
				GroupID: group, To: &prev, Type: "bid_refund", Currency: CurrencyAgon, Amount: amount,
				Description: fmt.Sprintf("refund for auction #%d", a.ID),
			}); err != nil {
				return err
			}
			if prev != in.BidderID {
				if err := notifyUserTx(ctx, tx, prev, "outbid", fmt.Sprintf("You were outbid on %q; %s Agon returned", a.Title, formatAmount(amount))); err != nil {
					return err
				}
			}
			out.RefundedUserID = prev
			out.RefundedMicros = amount
		}

		if err := holdEscrowTx(ctx, tx, in.BidderID, in.AmountMicros); err != nil {
			return err
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO bids (auction_id, bidder_id, amount_micros)
			VALUES ($1, $2, $3)
			RETURNING id
		`, a.ID, in.BidderID, in.AmountMicros).Scan(&out.BidID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE auctions
			SET current_bid_micros = $1, highest_bidder_id = $2, updated_at = now()
			WHERE id = $3
		`, in.AmountMicros, in.BidderID, a.ID); err != nil {
			return err
		}
		if err := insertTransaction(ctx, tx, txRecord{
			GroupID: group, From: &in.BidderID, Type: "bid_escrow", Currency: CurrencyAgon, Amount: in.AmountMicros,
			Description: fmt.Sprintf("escrow for auction #%d", a.ID),
		}); err != nil {
			return err
		}
		if err := logActivityTx(ctx, tx, a.ID, &in.BidderID, "bid", map[string]any{"amount_micros": in.AmountMicros}); err != nil {
			return err
		}
		w, err := walletTx(ctx, tx, in.BidderID)
		if err != nil {
			return err
		}
		out.AgonMicros, out.AgonEscrowMicros = w.AgonMicros, w.AgonEscrowMicros
		return nil
	})
	if err != nil {
		return BidResult{}, err
	}
	metrics.BidsPlaced.Inc()
	s.log.Info("bid placed", "auction_id", in.AuctionID, "bidder_id", in.BidderID, "amount_micros", in.AmountMicros, "seller_id", sellerID, "title", title)
	s.publish(Event{Type: "bid", AuctionID: in.AuctionID, UserID: in.BidderID, Amount: in.AmountMicros})
	return out, nil
}

// checkBid validates a bid against a locked auction row.
func checkBid(a Auction, bidderID, amount int64, now time.Time) error {
	if a.Status != "active" {
		return ErrAuctionNotActive
	}
	if !now.Before(a.EndDate) {
		return ErrAuctionExpired
	}
	if a.SellerID == bidderID {
		return ErrSelfBid
	}
	if floor := MinNextBid(a.StartingPriceMicros, a.CurrentBidMicros); amount < floor {
		return fmt.Errorf("%w: minimum bid is %s Agon", ErrBidTooLow, formatAmount(floor))
	}
	return nil
}

// SweepExpired ends every active auction whose end date has passed and
// returns how many were flipped.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	type ended struct {
		id, seller int64
		winner     *int64
		bid        *int64
		title      string
	}
	var flipped []ended
	err := s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		flipped = flipped[:0]
		rows, err := tx.Query(ctx, `
			UPDATE auctions
			SET status = 'ended', updated_at = now()
			WHERE status = 'active' AND end_date <= $1
			RETURNING id, seller_id, highest_bidder_id, current_bid_micros, title
		`, s.now())
		if err != nil {
			return err
		}
		for rows.Next() {
			var e ended
			if err := rows.Scan(&e.id, &e.seller, &e.winner, &e.bid, &e.title); err != nil {
				rows.Close()
				return err
			}
			flipped = append(flipped, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, e := range flipped {
			if err := logActivityTx(ctx, tx, e.id, nil, "ended", nil); err != nil {
				return err
			}
			if e.winner == nil {
				if err := notifyUserTx(ctx, tx, e.seller, "auction_ended", fmt.Sprintf("%q ended with no bids", e.title)); err != nil {
					return err
				}
				continue
			}
			if err := notifyUserTx(ctx, tx, e.seller, "auction_ended", fmt.Sprintf("%q sold for %s Agon; deliver the item to release escrow", e.title, formatAmount(*e.bid))); err != nil {
				return err
			}
			if err := notifyUserTx(ctx, tx, *e.winner, "auction_won", fmt.Sprintf("You won %q; confirm delivery once you receive it", e.title)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, e := range flipped {
		s.publish(Event{Type: "auction_ended", AuctionID: e.id, Status: "ended"})
	}
	if len(flipped) > 0 {
		s.log.Info("auctions ended", "count", len(flipped))
	}
	return len(flipped), nil
}

// ConfirmDelivery is called by the winner once the item arrived; it releases
// escrow to the seller.
func (s *Service) ConfirmDelivery(ctx context.Context, auctionID, userID int64) (Settlement, error) {
	return s.settleAuction(ctx, auctionID, &userID, "confirmed")
}

// AutoReleaseEscrow lets an admin release escrow without the winner's
// confirmation, typically to resolve a dispute in the seller's favour.
func (s *Service) AutoReleaseEscrow(ctx context.Context, auctionID, adminID int64) (Settlement, error) {
	return s.settleAuction(ctx, auctionID, nil, "admin_release")
}

func (s *Service) settleAuction(ctx context.Context, auctionID int64, winnerOnly *int64, action string) (Settlement, error) {
	var out Settlement
	err := s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		a, err := lockAuctionTx(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if err := checkSettleable(a, s.now()); err != nil {
			return err
		}
		winner := *a.HighestBidderID
		if winnerOnly != nil && *winnerOnly != winner {
			return fmt.Errorf("%w: only the winning bidder can confirm delivery", ErrForbidden)
		}
		gross := *a.CurrentBidMicros
		net, commission := SplitCommission(gross)
		adminID, err := firstAdminIDTx(ctx, tx)
		if err != nil {
			return err
		}
		if err := lockWallets(ctx, tx, winner, a.SellerID, adminID); err != nil {
			return err
		}
		if err := adjustBalanceTx(ctx, tx, winner, "agon_escrow", -gross); err != nil {
			return err
		}
		if err := adjustBalanceTx(ctx, tx, a.SellerID, CurrencyAgon, net); err != nil {
			return err
		}
		if err := adjustBalanceTx(ctx, tx, adminID, CurrencyAgon, commission); err != nil {
			return err
		}
		group := uuid.NewString()
		if err := insertTransaction(ctx, tx, txRecord{
			GroupID: group, From: &winner, To: &a.SellerID, Type: "auction_sale", Currency: CurrencyAgon, Amount: net,
			Description: fmt.Sprintf("sale of auction #%d %q", a.ID, a.Title),
		}); err != nil {
			return err
		}
		if err := insertTransaction(ctx, tx, txRecord{
			GroupID: group, From: &winner, To: &adminID, Type: "auction_commission", Currency: CurrencyAgon, Amount: commission,
			Description: fmt.Sprintf("commission on auction #%d", a.ID),
		}); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE auctions
			SET status = 'completed', completed_at = now(), updated_at = now()
			WHERE id = $1
		`, a.ID); err != nil {
			return err
		}
		if err := logActivityTx(ctx, tx, a.ID, winnerOnly, action, map[string]any{
			"gross_micros": gross, "net_micros": net, "commission_micros": commission,
		}); err != nil {
			return err
		}
		if err := notifyUserTx(ctx, tx, a.SellerID, "auction_paid", fmt.Sprintf("Escrow released for %q: %s Agon", a.Title, formatAmount(net))); err != nil {
			return err
		}
		out = Settlement{
			AuctionID: a.ID, GrossMicros: gross, NetMicros: net, CommissionMicros: commission,
			SellerID: a.SellerID, WinnerID: winner, CommissionTo: adminID, Status: "completed",
		}
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}
	metrics.AuctionSettlements.WithLabelValues(action).Inc()
	s.log.Info("auction settled", "auction_id", auctionID, "gross_micros", out.GrossMicros, "commission_micros", out.CommissionMicros, "via", action)
	s.publish(Event{Type: "auction_completed", AuctionID: auctionID, Amount: out.GrossMicros, Status: "completed"})
	s.alert("auction_sale", "Auction completed", fmt.Sprintf("Auction #%d settled for %s Agon (%s)", auctionID, formatAmount(out.GrossMicros), action))
	return out, nil
}

// checkSettleable allows settlement from ended or disputed, or from active
// once the end date passed but before the sweep caught it.
func checkSettleable(a Auction, now time.Time) error {
	switch a.Status {
	case "ended", "disputed":
	case "active":
		if now.Before(a.EndDate) {
			return fmt.Errorf("%w: auction is still running", ErrInvalidState)
		}
	default:
		return fmt.Errorf("%w: auction is %s", ErrInvalidState, a.Status)
	}
	if a.HighestBidderID == nil || a.CurrentBidMicros == nil {
		return fmt.Errorf("%w: auction has no winning bid", ErrInvalidState)
	}
	return nil
}

func (s *Service) ReportDeliveryIssue(ctx context.Context, auctionID, userID int64, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" || len(reason) > 500 {
		return fmt.Errorf("%w: reason must be 1-500 characters", ErrInvalidInput)
	}
	var title string
	err := s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		a, err := lockAuctionTx(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		title = a.Title
		if a.Status == "disputed" {
			return fmt.Errorf("%w: already disputed", ErrInvalidState)
		}
		if err := checkSettleable(a, s.now()); err != nil {
			return err
		}
		if *a.HighestBidderID != userID {
			return fmt.Errorf("%w: only the winning bidder can report a delivery issue", ErrForbidden)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE auctions
			SET status = 'disputed', dispute_reason = $1, updated_at = now()
			WHERE id = $2
		`, reason, a.ID); err != nil {
			return err
		}
		if err := logActivityTx(ctx, tx, a.ID, &userID, "disputed", map[string]any{"reason": reason}); err != nil {
			return err
		}
		if err := notifyUserTx(ctx, tx, a.SellerID, "auction_disputed", fmt.Sprintf("The winner of %q reported a delivery issue", a.Title)); err != nil {
			return err
		}
		return notifyAdminsTx(ctx, tx, "auction_disputed", fmt.Sprintf("Auction #%d %q disputed: %s", a.ID, a.Title, reason))
	})
	if err != nil {
		return err
	}
	metrics.AuctionSettlements.WithLabelValues("disputed").Inc()
	s.log.Warn("auction disputed", "auction_id", auctionID, "user_id", userID)
	s.publish(Event{Type: "auction_disputed", AuctionID: auctionID, Status: "disputed"})
	s.alert("auction_dispute", "Delivery dispute", fmt.Sprintf("Auction #%d %q: %s", auctionID, title, reason))
	return nil
}

// CancelAuction lets a seller withdraw an active auction nobody has bid on.
func (s *Service) CancelAuction(ctx context.Context, auctionID, sellerID int64) error {
	err := s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		a, err := lockAuctionTx(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if a.SellerID != sellerID {
			return fmt.Errorf("%w: not your auction", ErrForbidden)
		}
		if a.Status != "active" {
			return ErrAuctionNotActive
		}
		if a.HighestBidderID != nil {
			return fmt.Errorf("%w: auction already has bids", ErrInvalidState)
		}
		if _, err := tx.Exec(ctx, `UPDATE auctions SET status = 'cancelled', updated_at = now() WHERE id = $1`, a.ID); err != nil {
			return err
		}
		return logActivityTx(ctx, tx, a.ID, &sellerID, "cancelled", nil)
	})
	if err != nil {
		return err
	}
	metrics.AuctionSettlements.WithLabelValues("cancelled").Inc()
	s.publish(Event{Type: "auction_cancelled", AuctionID: auctionID, Status: "cancelled"})
	return nil
}

// AdminCancelAuction cancels any unsettled auction and refunds the highest
// bidder's escrow.
func (s *Service) AdminCancelAuction(ctx context.Context, auctionID, adminID int64, reason string) error {
	err := s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		a, err := lockAuctionTx(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		switch a.Status {
		case "active", "ended", "disputed":
		default:
			return fmt.Errorf("%w: auction is %s", ErrInvalidState, a.Status)
		}
		if a.HighestBidderID != nil && a.CurrentBidMicros != nil {
			winner, amount := *a.HighestBidderID, *a.CurrentBidMicros
			if err := lockWallets(ctx, tx, winner); err != nil {
				return err
			}
			if err := releaseEscrowTx(ctx, tx, winner, amount); err != nil {
				return err
			}
			if err := insertTransaction(ctx, tx, txRecord{
				To: &winner, Type: "bid_refund", Currency: CurrencyAgon, Amount: amount,
				Description: fmt.Sprintf("auction #%d cancelled by admin", a.ID),
			}); err != nil {
				return err
			}
			if err := notifyUserTx(ctx, tx, winner, "auction_cancelled", fmt.Sprintf("%q was cancelled; %s Agon returned", a.Title, formatAmount(amount))); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE bids SET is_active = false WHERE auction_id = $1`, a.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE auctions SET status = 'cancelled', updated_at = now() WHERE id = $1`, a.ID); err != nil {
			return err
		}
		if err := notifyUserTx(ctx, tx, a.SellerID, "auction_cancelled", fmt.Sprintf("%q was cancelled by an admin", a.Title)); err != nil {
			return err
		}
		return logActivityTx(ctx, tx, a.ID, &adminID, "admin_cancelled", map[string]any{"reason": strings.TrimSpace(reason)})
	})
	if err != nil {
		return err
	}
	metrics.AuctionSettlements.WithLabelValues("admin_cancelled").Inc()
	s.log.Warn("auction cancelled by admin", "auction_id", auctionID, "admin_id", adminID)
	s.publish(Event{Type: "auction_cancelled", AuctionID: auctionID, Status: "cancelled"})
	return nil
}

func (s *Service) auctionByID(ctx context.Context, id int64) (Auction, error) {
	a, err := scanAuction(s.db.QueryRow(ctx, `SELECT `+auctionColumns+auctionFrom+` WHERE a.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return a, fmt.Errorf("%w: auction %d", ErrNotFound, id)
	}
	return a, err
}

func lockAuctionTx(ctx context.Context, tx pgx.Tx, id int64) (Auction, error) {
	var a Auction
	err := tx.QueryRow(ctx, `
		SELECT id, seller_id, title, starting_price_micros, current_bid_micros, highest_bidder_id, end_date, status
		FROM auctions
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&a.ID, &a.SellerID, &a.Title, &a.StartingPriceMicros, &a.CurrentBidMicros, &a.HighestBidderID, &a.EndDate, &a.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, fmt.Errorf("%w: auction %d", ErrNotFound, id)
	}
	return a, err
}

// holdEscrowTx moves amount from a user's spendable Agon into escrow.
func holdEscrowTx(ctx context.Context, tx pgx.Tx, userID, amount int64) error {
	if err := adjustBalanceTx(ctx, tx, userID, CurrencyAgon, -amount); err != nil {
		return err
	}
	return adjustBalanceTx(ctx, tx, userID, "agon_escrow", amount)
}

// releaseEscrowTx returns escrowed Agon to the user's spendable balance.
func releaseEscrowTx(ctx context.Context, tx pgx.Tx, userID, amount int64) error {
	if err := adjustBalanceTx(ctx, tx, userID, "agon_escrow", -amount); err != nil {
		return err
	}
	return adjustBalanceTx(ctx, tx, userID, CurrencyAgon, amount)
}
