package economy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const inviteAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

type AdminUser struct {
	User
	Wallet Wallet `json:"wallet"`
}

func (s *Service) ListUsers(ctx context.Context, limit int) ([]AdminUser, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT u.id, u.username, u.is_admin, u.disabled, u.created_at,
		       COALESCE(w.agon_micros, 0), COALESCE(w.stoneworks_dollar_micros, 0), COALESCE(w.agon_escrow_micros, 0)
		FROM users u
		LEFT JOIN wallets w ON w.user_id = u.id
		ORDER BY u.id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AdminUser
	for rows.Next() {
		var u AdminUser
		if err := rows.Scan(&u.ID, &u.Username, &u.IsAdmin, &u.Disabled, &u.CreatedAt,
			&u.Wallet.AgonMicros, &u.Wallet.StoneworksDollarMicros, &u.Wallet.AgonEscrowMicros); err != nil {
			return nil, err
		}
		u.Wallet.UserID = u.ID
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Service) SetDisabled(ctx context.Context, adminID, userID int64, disabled bool) error {
	if adminID == userID && disabled {
		return fmt.Errorf("%w: admins cannot disable themselves", ErrInvalidInput)
	}
	return s.setUserFlag(ctx, userID, "disabled", disabled)
}

func (s *Service) SetAdmin(ctx context.Context, adminID, userID int64, isAdmin bool) error {
	if adminID == userID && !isAdmin {
		return fmt.Errorf("%w: admins cannot demote themselves", ErrInvalidInput)
	}
	return s.setUserFlag(ctx, userID, "is_admin", isAdmin)
}

func (s *Service) setUserFlag(ctx context.Context, userID int64, column string, value bool) error {
	if column != "disabled" && column != "is_admin" {
		return fmt.Errorf("unknown user flag %q", column)
	}
	cmd, err := s.db.Exec(ctx, `UPDATE users SET `+column+` = $1, updated_at = now() WHERE id = $2`, value, userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %d", ErrNotFound, userID)
	}
	s.log.Info("user flag changed", "user_id", userID, "flag", column, "value", value)
	return nil
}

// AdjustBalance mints (delta > 0) or burns (delta < 0) currency on a wallet.
func (s *Service) AdjustBalance(ctx context.Context, adminID, userID int64, currency string, delta int64, reason string) (Wallet, error) {
	var out Wallet
	currency, err := ValidateCurrency(currency)
	if err != nil {
		return out, err
	}
	if delta == 0 {
		return out, fmt.Errorf("%w: delta must not be zero", ErrInvalidInput)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "admin adjustment"
	}
	err = s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if err := lockWallets(ctx, tx, userID); err != nil {
			return err
		}
		if err := adjustBalanceTx(ctx, tx, userID, currency, delta); err != nil {
			return err
		}
		rec := txRecord{Type: "admin_adjust", Currency: currency, Description: reason}
		if delta > 0 {
			rec.To, rec.Amount = &userID, delta
		} else {
			rec.From, rec.Amount = &userID, -delta
		}
		if err := insertTransaction(ctx, tx, rec); err != nil {
			return err
		}
		if err := notifyUserTx(ctx, tx, userID, "balance_adjusted", fmt.Sprintf("An admin adjusted your %s balance by %s: %s", currencyLabel(currency), formatAmount(delta), reason)); err != nil {
			return err
		}
		out, err = walletTx(ctx, tx, userID)
		return err
	})
	if err != nil {
		return Wallet{}, err
	}
	s.log.Warn("balance adjusted", "admin_id", adminID, "user_id", userID, "currency", currency, "delta_micros", delta, "reason", reason)
	return out, nil
}

func (s *Service) CreateInvites(ctx context.Context, adminID int64, count int) ([]InviteCode, error) {
	if count < 1 || count > 50 {
		return nil, fmt.Errorf("%w: count must be between 1 and 50", ErrInvalidInput)
	}
	var out []InviteCode
	err := s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		out = out[:0]
		for len(out) < count {
			code := generateInviteCode()
			var inv InviteCode
			err := tx.QueryRow(ctx, `
				INSERT INTO invite_codes (code, created_by)
				VALUES ($1, $2)
				ON CONFLICT (code) DO NOTHING
				RETURNING code, created_by, used_by, used_at, created_at
			`, code, adminID).Scan(&inv.Code, &inv.CreatedBy, &inv.UsedBy, &inv.UsedAt, &inv.CreatedAt)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, inv)
		}
		return nil
	})
	return out, err
}

func (s *Service) ListInvites(ctx context.Context) ([]InviteCode, error) {
	rows, err := s.db.Query(ctx, `
		SELECT code, created_by, used_by, used_at, created_at
		FROM invite_codes
		ORDER BY created_at DESC
		LIMIT 500
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InviteCode
	for rows.Next() {
		var inv InviteCode
		if err := rows.Scan(&inv.Code, &inv.CreatedBy, &inv.UsedBy, &inv.UsedAt, &inv.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// DeleteInvite removes an unused code.
func (s *Service) DeleteInvite(ctx context.Context, code string) error {
	cmd, err := s.db.Exec(ctx, `DELETE FROM invite_codes WHERE code = $1 AND used_by IS NULL`, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: unused invite %q", ErrNotFound, code)
	}
	return nil
}

func (s *Service) Stats(ctx context.Context) (PlatformStats, error) {
	var out PlatformStats
	err := s.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(1) FROM users),
			COALESCE((SELECT SUM(agon_micros) FROM wallets), 0)::bigint,
			COALESCE((SELECT SUM(stoneworks_dollar_micros) FROM wallets), 0)::bigint,
			COALESCE((SELECT SUM(agon_escrow_micros) FROM wallets), 0)::bigint,
			(SELECT COUNT(1) FROM auctions WHERE status = 'active'),
			(SELECT COUNT(1) FROM prediction_markets WHERE status = 'active'),
			(SELECT COUNT(1) FROM crypto_positions WHERE status = 'open')
	`).Scan(&out.Users, &out.TotalAgonMicros, &out.TotalSWDMicros, &out.TotalEscrowMicros,
		&out.ActiveAuctions, &out.ActiveMarkets, &out.OpenTradePositions)
	return out, err
}

// generateInviteCode maps the random bytes of a v4 uuid onto an alphabet
// without look-alike characters.
func generateInviteCode() string {
	id := uuid.New()
	out := make([]byte, 10)
	for i := range out {
		out[i] = inviteAlphabet[int(id[i])%len(inviteAlphabet)]
	}
	return string(out)
}
