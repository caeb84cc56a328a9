package economy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"agon/internal/db/dbtest"
)

type stubFeed struct {
	fail bool
}

func (f *stubFeed) TopOfBook(_ context.Context, _ string) (Book, error) {
	if f.fail {
		return Book{}, errors.New("upstream unavailable")
	}
	return Book{BestBidMicros: 400_000, BestAskMicros: 420_000}, nil
}

func (f *stubFeed) Lookup(_ context.Context, slug string) (FeedMarket, error) {
	return FeedMarket{}, fmt.Errorf("%w: %s", ErrNotFound, slug)
}

func (f *stubFeed) Resolution(_ context.Context, id string) (FeedMarket, error) {
	return FeedMarket{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func newDBService(t *testing.T, feed MarketFeed) *Service {
	t.Helper()
	pool := dbtest.Open(t)
	return NewService(pool, slog.New(slog.DiscardHandler), Options{
		Feed:              feed,
		PredictionEnabled: true,
		MaxLeverage:       10,
	})
}

func mustRegister(t *testing.T, s *Service, name string) User {
	t.Helper()
	u, err := s.Register(context.Background(), RegisterInput{Username: name, Password: "correct-horse"})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return u
}

func mustFund(t *testing.T, s *Service, admin, user User, agon int64) {
	t.Helper()
	if _, err := s.AdjustBalance(context.Background(), admin.ID, user.ID, CurrencyAgon, agon*MicrosPerUnit, "seed"); err != nil {
		t.Fatalf("fund %s: %v", user.Username, err)
	}
}

func mustWallet(t *testing.T, s *Service, user User) Wallet {
	t.Helper()
	w, err := s.Wallet(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("wallet %s: %v", user.Username, err)
	}
	return w
}

type auctionFixture struct {
	admin, seller, alice, bob User
	auction                   Auction
}

func newAuctionFixture(t *testing.T, s *Service) auctionFixture {
	t.Helper()
	f := auctionFixture{
		admin:  mustRegister(t, s, "root"),
		seller: mustRegister(t, s, "seller"),
		alice:  mustRegister(t, s, "alice"),
		bob:    mustRegister(t, s, "bob"),
	}
	if !f.admin.IsAdmin {
		t.Fatalf("first account should be admin")
	}
	mustFund(t, s, f.admin, f.alice, 100)
	mustFund(t, s, f.admin, f.bob, 100)
	a, err := s.CreateAuction(context.Background(), CreateAuctionInput{
		SellerID:            f.seller.ID,
		Title:               "Diamond pickaxe",
		StartingPriceMicros: 10 * MicrosPerUnit,
		Duration:            time.Hour,
	})
	if err != nil {
		t.Fatalf("create auction: %v", err)
	}
	f.auction = a
	return f
}

func TestPlaceBidRefundsPreviousBidder(t *testing.T) {
	s := newDBService(t, nil)
	f := newAuctionFixture(t, s)
	ctx := context.Background()

	if _, err := s.PlaceBid(ctx, BidInput{AuctionID: f.auction.ID, BidderID: f.alice.ID, AmountMicros: 15 * MicrosPerUnit, IdempotencyKey: "a1"}); err != nil {
		t.Fatalf("alice bid: %v", err)
	}
	if w := mustWallet(t, s, f.alice); w.AgonMicros != 85*MicrosPerUnit || w.AgonEscrowMicros != 15*MicrosPerUnit {
		t.Fatalf("alice after bid: %+v", w)
	}

	res, err := s.PlaceBid(ctx, BidInput{AuctionID: f.auction.ID, BidderID: f.bob.ID, AmountMicros: 20 * MicrosPerUnit, IdempotencyKey: "b1"})
	if err != nil {
		t.Fatalf("bob bid: %v", err)
	}
	if res.RefundedUserID != f.alice.ID || res.RefundedMicros != 15*MicrosPerUnit {
		t.Fatalf("refund=%d/%d", res.RefundedUserID, res.RefundedMicros)
	}
	if w := mustWallet(t, s, f.alice); w.AgonMicros != 100*MicrosPerUnit || w.AgonEscrowMicros != 0 {
		t.Fatalf("alice not refunded: %+v", w)
	}
	if w := mustWallet(t, s, f.bob); w.AgonMicros != 80*MicrosPerUnit || w.AgonEscrowMicros != 20*MicrosPerUnit {
		t.Fatalf("bob after bid: %+v", w)
	}

	if _, err := s.PlaceBid(ctx, BidInput{AuctionID: f.auction.ID, BidderID: f.alice.ID, AmountMicros: 20*MicrosPerUnit + 500_000, IdempotencyKey: "a2"}); !errors.Is(err, ErrBidTooLow) {
		t.Fatalf("expected bid too low, got %v", err)
	}
	if _, err := s.PlaceBid(ctx, BidInput{AuctionID: f.auction.ID, BidderID: f.bob.ID, AmountMicros: 30 * MicrosPerUnit, IdempotencyKey: "b1"}); !errors.Is(err, ErrDuplicateIdempotency) {
		t.Fatalf("expected duplicate key, got %v", err)
	}

	d, err := s.AuctionDetail(ctx, f.auction.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if d.HighestBidderID == nil || *d.HighestBidderID != f.bob.ID || *d.CurrentBidMicros != 20*MicrosPerUnit {
		t.Fatalf("auction state: %+v", d.Auction)
	}
	active := 0
	for _, b := range d.Bids {
		if b.IsActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("%d active bids, want 1", active)
	}
}

func TestConfirmDeliverySettlesBalances(t *testing.T) {
	s := newDBService(t, nil)
	f := newAuctionFixture(t, s)
	ctx := context.Background()

	if _, err := s.PlaceBid(ctx, BidInput{AuctionID: f.auction.ID, BidderID: f.bob.ID, AmountMicros: 20 * MicrosPerUnit, IdempotencyKey: "b1"}); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if _, err := s.ConfirmDelivery(ctx, f.auction.ID, f.bob.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("running auction settled: %v", err)
	}

	later := time.Now().Add(2 * time.Hour)
	s.now = func() time.Time { return later }
	if _, err := s.ConfirmDelivery(ctx, f.auction.ID, f.alice.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-winner confirmed: %v", err)
	}
	adminBefore := mustWallet(t, s, f.admin).AgonMicros

	st, err := s.ConfirmDelivery(ctx, f.auction.ID, f.bob.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	net, commission := SplitCommission(20 * MicrosPerUnit)
	if st.NetMicros != net || st.CommissionMicros != commission || st.CommissionTo != f.admin.ID {
		t.Fatalf("settlement=%+v", st)
	}
	if w := mustWallet(t, s, f.bob); w.AgonEscrowMicros != 0 || w.AgonMicros != 80*MicrosPerUnit {
		t.Fatalf("winner wallet: %+v", w)
	}
	if w := mustWallet(t, s, f.seller); w.AgonMicros != net {
		t.Fatalf("seller got %d want %d", w.AgonMicros, net)
	}
	if got := mustWallet(t, s, f.admin).AgonMicros - adminBefore; got != commission {
		t.Fatalf("admin got %d want %d", got, commission)
	}
	if _, err := s.ConfirmDelivery(ctx, f.auction.ID, f.bob.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second confirm: %v", err)
	}
}

func TestTransferClipsNoteOnRuneBoundary(t *testing.T) {
	s := newDBService(t, nil)
	ctx := context.Background()
	admin := mustRegister(t, s, "root")
	alice := mustRegister(t, s, "alice")
	bob := mustRegister(t, s, "bob")
	mustFund(t, s, admin, alice, 10)

	note := strings.Repeat("a", 199) + "é and more"
	if _, err := s.Transfer(ctx, TransferInput{
		FromUserID: alice.ID, ToUsername: bob.Username, Currency: CurrencyAgon,
		AmountMicros: MicrosPerUnit, Note: note, IdempotencyKey: "t1",
	}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	txs, err := s.Transactions(ctx, bob.ID, 10, 0)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) == 0 {
		t.Fatalf("no transactions for recipient")
	}
	got := txs[0].Description
	if got != strings.Repeat("a", 199) || !utf8.ValidString(got) {
		t.Fatalf("description=%q", got)
	}
}

func insertMarket(t *testing.T, s *Service, slug string) int64 {
	t.Helper()
	var id int64
	err := s.db.QueryRow(context.Background(), `
		INSERT INTO prediction_markets (external_id, slug, question, yes_token_id, no_token_id)
		VALUES ($1, $1, $2, $1 || '-yes', $1 || '-no')
		RETURNING id
	`, slug, "Will "+slug+" happen?").Scan(&id)
	if err != nil {
		t.Fatalf("insert market: %v", err)
	}
	return id
}

func TestSettleMarketZeroesPositions(t *testing.T) {
	s := newDBService(t, &stubFeed{})
	ctx := context.Background()
	mustRegister(t, s, "root")
	alice := mustRegister(t, s, "alice")
	bob := mustRegister(t, s, "bob")
	marketID := insertMarket(t, s, "rain-tomorrow")

	if _, err := s.db.Exec(ctx, `
		INSERT INTO prediction_positions (user_id, market_id, side, quantity, avg_price_micros)
		VALUES ($1, $3, 'yes', 10, 400000), ($2, $3, 'no', 7, 550000), ($2, $3, 'yes', 3, 420000)
	`, alice.ID, bob.ID, marketID); err != nil {
		t.Fatalf("seed positions: %v", err)
	}

	out, err := s.SettleMarket(ctx, marketID, "yes")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if out.Positions != 3 || out.PayoutMicros != 13*SharePayoutMicros {
		t.Fatalf("settlement=%+v", out)
	}
	var open int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(1) FROM prediction_positions WHERE market_id = $1 AND quantity <> 0`, marketID).Scan(&open); err != nil {
		t.Fatalf("count positions: %v", err)
	}
	if open != 0 {
		t.Fatalf("%d positions still hold shares", open)
	}
	if w := mustWallet(t, s, alice); w.AgonMicros != 10*SharePayoutMicros {
		t.Fatalf("alice payout=%d", w.AgonMicros)
	}
	if w := mustWallet(t, s, bob); w.AgonMicros != 3*SharePayoutMicros {
		t.Fatalf("bob payout=%d", w.AgonMicros)
	}

	again, err := s.SettleMarket(ctx, marketID, "yes")
	if err != nil || !again.AlreadyClosed {
		t.Fatalf("repeat settle: %+v err=%v", again, err)
	}
	if w := mustWallet(t, s, alice); w.AgonMicros != 10*SharePayoutMicros {
		t.Fatalf("repeat settle paid again: %d", w.AgonMicros)
	}
	if _, err := s.SettleMarket(ctx, marketID, "no"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("conflicting outcome: %v", err)
	}
}

func marketState(t *testing.T, s *Service, id int64) (string, int) {
	t.Helper()
	var status string
	var failures int
	if err := s.db.QueryRow(context.Background(), `SELECT status, failure_count FROM prediction_markets WHERE id = $1`, id).Scan(&status, &failures); err != nil {
		t.Fatalf("market state: %v", err)
	}
	return status, failures
}

func TestSyncQuotesPausesOnFifthFailure(t *testing.T) {
	feed := &stubFeed{fail: true}
	s := newDBService(t, feed)
	ctx := context.Background()
	id := insertMarket(t, s, "flaky")

	for i := 1; i < MaxSyncFailures; i++ {
		report, err := s.SyncQuotes(ctx)
		if err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
		if report.Failed != 1 || report.Paused != 0 {
			t.Fatalf("sync %d report=%+v", i, report)
		}
		if status, failures := marketState(t, s, id); status != "active" || failures != i {
			t.Fatalf("after %d failures: %s/%d", i, status, failures)
		}
	}

	report, err := s.SyncQuotes(ctx)
	if err != nil {
		t.Fatalf("final sync: %v", err)
	}
	if report.Paused != 1 {
		t.Fatalf("report=%+v want one pause", report)
	}
	if status, failures := marketState(t, s, id); status != "paused" || failures != MaxSyncFailures {
		t.Fatalf("after %d failures: %s/%d", MaxSyncFailures, status, failures)
	}

	report, err = s.SyncQuotes(ctx)
	if err != nil || report.Failed != 0 {
		t.Fatalf("paused market still synced: %+v err=%v", report, err)
	}

	feed.fail = false
	if err := s.ResumeMarket(ctx, id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, failures := marketState(t, s, id); failures != 0 {
		t.Fatalf("resume kept %d failures", failures)
	}
}

func TestSyncQuotesPrunesHistory(t *testing.T) {
	s := newDBService(t, &stubFeed{})
	ctx := context.Background()
	id := insertMarket(t, s, "busy")

	if _, err := s.db.Exec(ctx, `
		INSERT INTO prediction_quotes (market_id, yes_bid_micros, yes_ask_micros, no_bid_micros, no_ask_micros)
		SELECT $1, 1, 2, 3, 4 FROM generate_series(1, $2::int)
	`, id, QuoteHistoryLimit+25); err != nil {
		t.Fatalf("seed quotes: %v", err)
	}

	report, err := s.SyncQuotes(ctx)
	if err != nil || report.Synced != 1 {
		t.Fatalf("sync: %+v err=%v", report, err)
	}
	var count int
	var newest int64
	if err := s.db.QueryRow(ctx, `
		SELECT COUNT(1), MAX(yes_ask_micros) FROM prediction_quotes WHERE market_id = $1
	`, id).Scan(&count, &newest); err != nil {
		t.Fatalf("count quotes: %v", err)
	}
	if count != QuoteHistoryLimit {
		t.Fatalf("kept %d quotes want %d", count, QuoteHistoryLimit)
	}
	if newest <= 4 {
		t.Fatalf("fresh quote was pruned")
	}
}
