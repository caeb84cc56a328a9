package economy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"agon/internal/auth"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Notifier fans operator-facing alerts out to external channels.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// EventSink receives live events after the originating transaction commits.
type EventSink interface {
	Publish(Event)
}

type Options struct {
	Notifier          Notifier
	Events            EventSink
	Cache             Cache
	Feed              MarketFeed
	Prices            PriceSource
	SwapRate          float64
	RequireInvite     bool
	PredictionEnabled bool
	MaxLeverage       int64
}

type Service struct {
	db   *pgxpool.Pool
	log  *slog.Logger
	mu   sync.Mutex
	rand *mathrand.Rand
	now  func() time.Time

	notifier          Notifier
	events            EventSink
	cache             Cache
	feed              MarketFeed
	prices            PriceSource
	swapRate          float64
	requireInvite     bool
	predictionEnabled bool
	maxLeverage       int64
}

func NewService(db *pgxpool.Pool, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SwapRate <= 0 {
		opts.SwapRate = 1
	}
	if opts.MaxLeverage < 1 {
		opts.MaxLeverage = 1
	}
	return &Service{
		db:                db,
		log:               logger.With(slog.String("component", "economy")),
		rand:              mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
		now:               time.Now,
		notifier:          opts.Notifier,
		events:            opts.Events,
		cache:             opts.Cache,
		feed:              opts.Feed,
		prices:            opts.Prices,
		swapRate:          opts.SwapRate,
		requireInvite:     opts.RequireInvite,
		predictionEnabled: opts.PredictionEnabled,
		maxLeverage:       opts.MaxLeverage,
	}
}

func (s *Service) PredictionEnabled() bool {
	return s.predictionEnabled
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (User, error) {
	var out User
	in.Username = strings.TrimSpace(in.Username)
	in.InviteCode = strings.ToUpper(strings.TrimSpace(in.InviteCode))
	if err := ValidateUsername(in.Username); err != nil {
		return out, err
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	err = s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		var existing int64
		if err := tx.QueryRow(ctx, `SELECT COUNT(1) FROM users`).Scan(&existing); err != nil {
			return err
		}
		// The very first account bootstraps the platform as its admin.
		bootstrap := existing == 0

		err := tx.QueryRow(ctx, `
			INSERT INTO users (username, password_hash, is_admin)
			VALUES ($1, $2, $3)
			RETURNING id, username, is_admin, disabled, created_at
		`, in.Username, hash, bootstrap).Scan(&out.ID, &out.Username, &out.IsAdmin, &out.Disabled, &out.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrUsernameTaken
			}
			return err
		}

		if s.requireInvite && !bootstrap {
			cmd, err := tx.Exec(ctx, `
				UPDATE invite_codes
				SET used_by = $1, used_at = now()
				WHERE code = $2 AND used_by IS NULL
			`, out.ID, in.InviteCode)
			if err != nil {
				return err
			}
			if cmd.RowsAffected() == 0 {
				return ErrInvalidInvite
			}
		}

		_, err = tx.Exec(ctx, `INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, out.ID)
		return err
	})
	if err != nil {
		return User{}, err
	}
	s.log.Info("user registered", "user_id", out.ID, "username", out.Username, "admin", out.IsAdmin)
	return out, nil
}

func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	var out User
	var hash string
	err := s.db.QueryRow(ctx, `
		SELECT id, username, password_hash, is_admin, disabled, created_at
		FROM users
		WHERE lower(username) = lower($1)
	`, strings.TrimSpace(username)).Scan(&out.ID, &out.Username, &hash, &out.IsAdmin, &out.Disabled, &out.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}
	if !auth.CheckPassword(hash, password) {
		return User{}, ErrInvalidCredentials
	}
	if out.Disabled {
		return User{}, ErrAccountDisabled
	}
	return out, nil
}

func (s *Service) UserByID(ctx context.Context, userID int64) (User, error) {
	var out User
	err := s.db.QueryRow(ctx, `
		SELECT id, username, is_admin, disabled, created_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&out.ID, &out.Username, &out.IsAdmin, &out.Disabled, &out.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, ErrNotFound
	}
	return out, err
}

func (s *Service) PublicProfile(ctx context.Context, username string) (User, error) {
	var out User
	err := s.db.QueryRow(ctx, `
		SELECT id, username, is_admin, disabled, created_at
		FROM users
		WHERE lower(username) = lower($1)
	`, strings.TrimSpace(username)).Scan(&out.ID, &out.Username, &out.IsAdmin, &out.Disabled, &out.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, ErrNotFound
	}
	return out, err
}

func (s *Service) SearchUsers(ctx context.Context, prefix string, limit int) ([]User, error) {
	prefix = strings.TrimSpace(prefix)
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, username, is_admin, disabled, created_at
		FROM users
		WHERE lower(username) LIKE lower($1) || '%' AND disabled = false
		ORDER BY username
		LIMIT $2
	`, escapeLike(prefix), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.IsAdmin, &u.Disabled, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Service) ChangePassword(ctx context.Context, userID int64, oldPassword, newPassword string) error {
	var hash string
	if err := s.db.QueryRow(ctx, `SELECT password_hash FROM users WHERE id = $1`, userID).Scan(&hash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if !auth.CheckPassword(hash, oldPassword) {
		return ErrInvalidCredentials
	}
	next, err := auth.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	_, err = s.db.Exec(ctx, `UPDATE users SET password_hash = $1, updated_at = now() WHERE id = $2`, next, userID)
	return err
}

func (s *Service) Wallet(ctx context.Context, userID int64) (Wallet, error) {
	out := Wallet{UserID: userID}
	err := s.db.QueryRow(ctx, `
		SELECT agon_micros, stoneworks_dollar_micros, agon_escrow_micros
		FROM wallets
		WHERE user_id = $1
	`, userID).Scan(&out.AgonMicros, &out.StoneworksDollarMicros, &out.AgonEscrowMicros)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, ErrNotFound
	}
	return out, err
}

func (s *Service) Transactions(ctx context.Context, userID int64, limit int, beforeID int64) ([]Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT t.id, t.group_id::text, t.from_user_id, COALESCE(fu.username, ''), t.to_user_id, COALESCE(tu.username, ''),
		       t.type, t.currency, t.amount_micros, t.description, t.created_at
		FROM transactions t
		LEFT JOIN users fu ON fu.id = t.from_user_id
		LEFT JOIN users tu ON tu.id = t.to_user_id
		WHERE (t.from_user_id = $1 OR t.to_user_id = $1)
	`
	args := []any{userID, limit}
	if beforeID > 0 {
		query += " AND t.id < $3"
		args = append(args, beforeID)
	}
	query += " ORDER BY t.id DESC LIMIT $2"
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.GroupID, &t.FromUserID, &t.FromUsername, &t.ToUserID, &t.ToUsername,
			&t.Type, &t.Currency, &t.AmountMicros, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const maxNoteBytes = 200

func (s *Service) Transfer(ctx context.Context, in TransferInput) (Wallet, error) {
	var out Wallet
	currency, err := ValidateCurrency(in.Currency)
	if err != nil {
		return out, err
	}
	if in.AmountMicros <= 0 {
		return out, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	note := ClipText(strings.TrimSpace(in.Note), maxNoteBytes)

	err = s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if err := claimIdempotency(ctx, tx, in.FromUserID, in.IdempotencyKey, "transfer"); err != nil {
			return err
		}
		var toID int64
		var disabled bool
		if err := tx.QueryRow(ctx, `
			SELECT id, disabled FROM users WHERE lower(username) = lower($1)
		`, strings.TrimSpace(in.ToUsername)).Scan(&toID, &disabled); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: recipient %q", ErrNotFound, in.ToUsername)
			}
			return err
		}
		if toID == in.FromUserID {
			return fmt.Errorf("%w: cannot pay yourself", ErrInvalidInput)
		}
		if disabled {
			return fmt.Errorf("%w: recipient account is disabled", ErrInvalidInput)
		}
		if err := lockWallets(ctx, tx, in.FromUserID, toID); err != nil {
			return err
		}
		if err := adjustBalanceTx(ctx, tx, in.FromUserID, currency, -in.AmountMicros); err != nil {
			return err
		}
		if err := adjustBalanceTx(ctx, tx, toID, currency, in.AmountMicros); err != nil {
			return err
		}
		if err := insertTransaction(ctx, tx, txRecord{
			GroupID:     uuid.NewString(),
			From:        &in.FromUserID,
			To:          &toID,
			Type:        "transfer",
			Currency:    currency,
			Amount:      in.AmountMicros,
			Description: note,
		}); err != nil {
			return err
		}
		if err := notifyUserTx(ctx, tx, toID, "payment", fmt.Sprintf("You received %s %s", formatAmount(in.AmountMicros), currencyLabel(currency))); err != nil {
			return err
		}
		out, err = walletTx(ctx, tx, in.FromUserID)
		return err
	})
	if err != nil {
		return Wallet{}, err
	}
	s.log.Info("transfer", "from", in.FromUserID, "to", in.ToUsername, "currency", currency, "amount_micros", in.AmountMicros)
	return out, nil
}

func (s *Service) Swap(ctx context.Context, in SwapInput) (SwapResult, error) {
	var out SwapResult
	from, err := ValidateCurrency(in.FromCurrency)
	if err != nil {
		return out, err
	}
	to := otherCurrency(from)
	received, err := SwapOutput(from, in.AmountMicros, s.swapRate)
	if err != nil {
		return out, err
	}

	err = s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if err := claimIdempotency(ctx, tx, in.UserID, in.IdempotencyKey, "swap"); err != nil {
			return err
		}
		if err := lockWallets(ctx, tx, in.UserID); err != nil {
			return err
		}
		if err := adjustBalanceTx(ctx, tx, in.UserID, from, -in.AmountMicros); err != nil {
			return err
		}
		if err := adjustBalanceTx(ctx, tx, in.UserID, to, received); err != nil {
			return err
		}
		group := uuid.NewString()
		desc := fmt.Sprintf("swap %s %s -> %s %s", formatAmount(in.AmountMicros), currencyLabel(from), formatAmount(received), currencyLabel(to))
		if err := insertTransaction(ctx, tx, txRecord{GroupID: group, From: &in.UserID, Type: "swap", Currency: from, Amount: in.AmountMicros, Description: desc}); err != nil {
			return err
		}
		if err := insertTransaction(ctx, tx, txRecord{GroupID: group, To: &in.UserID, Type: "swap", Currency: to, Amount: received, Description: desc}); err != nil {
			return err
		}
		out.Wallet, err = walletTx(ctx, tx, in.UserID)
		return err
	})
	if err != nil {
		return SwapResult{}, err
	}
	out.FromCurrency = from
	out.ToCurrency = to
	out.InMicros = in.AmountMicros
	out.OutMicros = received
	return out, nil
}

// withTx runs fn inside a transaction, retrying serialization failures and
// deadlocks with exponential backoff. fn must be safe to re-run.
func (s *Service) withTx(ctx context.Context, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	const maxAttempts = 8
	retryDelay := 75 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, opts)
		if err != nil {
			return err
		}
		err = func() error {
			defer tx.Rollback(ctx)
			if err := fn(tx); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			return ErrTxConflict
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	return ErrTxConflict
}

func (s *Service) alert(event, title, message string) {
	if s.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.notifier.Notify(ctx, event, title, message); err != nil {
			s.log.Warn("notify failed", "event", event, "err", err)
		}
	}()
}

func (s *Service) publish(e Event) {
	if s.events != nil {
		s.events.Publish(e)
	}
}

func (s *Service) nextFloat() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Float64()
}

func (s *Service) nextIntn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Intn(n)
}

type txRecord struct {
	GroupID     string
	From        *int64
	To          *int64
	Type        string
	Currency    string
	Amount      int64
	Description string
}

func insertTransaction(ctx context.Context, tx pgx.Tx, r txRecord) error {
	if r.Amount <= 0 {
		return nil
	}
	if r.GroupID == "" {
		r.GroupID = uuid.NewString()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions (group_id, from_user_id, to_user_id, type, currency, amount_micros, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.GroupID, r.From, r.To, r.Type, r.Currency, r.Amount, r.Description)
	return err
}

func claimIdempotency(ctx context.Context, tx pgx.Tx, userID int64, key, action string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidInput)
	}
	cmd, err := tx.Exec(ctx, `
		INSERT INTO idempotency_keys (user_id, key, action, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, key) DO NOTHING
	`, userID, key, action)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDuplicateIdempotency
	}
	return nil
}

// lockWallets takes row locks in ascending user id order so concurrent
// two-party operations cannot deadlock.
func lockWallets(ctx context.Context, tx pgx.Tx, userIDs ...int64) error {
	rows, err := tx.Query(ctx, `
		SELECT user_id FROM wallets
		WHERE user_id = ANY($1)
		ORDER BY user_id
		FOR UPDATE
	`, userIDs)
	if err != nil {
		return err
	}
	defer rows.Close()
	found := 0
	for rows.Next() {
		found++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if found != len(uniqueIDs(userIDs)) {
		return fmt.Errorf("%w: wallet", ErrNotFound)
	}
	return nil
}

func uniqueIDs(ids []int64) map[int64]struct{} {
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func balanceColumn(currency string) (string, error) {
	switch currency {
	case CurrencyAgon:
		return "agon_micros", nil
	case CurrencySWD:
		return "stoneworks_dollar_micros", nil
	case "agon_escrow":
		return "agon_escrow_micros", nil
	default:
		return "", fmt.Errorf("%w: unknown currency %q", ErrInvalidInput, currency)
	}
}

// adjustBalanceTx applies delta to one wallet column, refusing to go below zero.
func adjustBalanceTx(ctx context.Context, tx pgx.Tx, userID int64, currency string, delta int64) error {
	if delta == 0 {
		return nil
	}
	col, err := balanceColumn(currency)
	if err != nil {
		return err
	}
	cmd, err := tx.Exec(ctx, `
		UPDATE wallets
		SET `+col+` = `+col+` + $1, updated_at = now()
		WHERE user_id = $2 AND `+col+` + $1 >= 0
	`, delta, userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		if currency == "agon_escrow" {
			return fmt.Errorf("%w: escrow balance", ErrInsufficientFunds)
		}
		return ErrInsufficientFunds
	}
	return nil
}

func walletTx(ctx context.Context, tx pgx.Tx, userID int64) (Wallet, error) {
	out := Wallet{UserID: userID}
	err := tx.QueryRow(ctx, `
		SELECT agon_micros, stoneworks_dollar_micros, agon_escrow_micros
		FROM wallets
		WHERE user_id = $1
	`, userID).Scan(&out.AgonMicros, &out.StoneworksDollarMicros, &out.AgonEscrowMicros)
	return out, err
}

func firstAdminIDTx(ctx context.Context, tx pgx.Tx) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		SELECT id FROM users
		WHERE is_admin = true
		ORDER BY id
		LIMIT 1
	`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: no admin account to receive commission", ErrNotFound)
	}
	return id, err
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func formatAmount(micros int64) string {
	sign := ""
	if micros < 0 {
		sign = "-"
		micros = -micros
	}
	return fmt.Sprintf("%s%d.%02d", sign, micros/MicrosPerUnit, (micros%MicrosPerUnit)/10_000)
}

func currencyLabel(currency string) string {
	if currency == CurrencySWD {
		return "SWD"
	}
	return "Agon"
}
