package economy

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
)

func (s *Service) Notifications(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, kind, message, is_read, created_at
		FROM notifications
		WHERE user_id = $1 AND ($2 = false OR is_read = false)
		ORDER BY id DESC
		LIMIT $3
	`, userID, unreadOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Kind, &n.Message, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead marks one notification read, or all of them when id is 0.
func (s *Service) MarkRead(ctx context.Context, userID, id int64) error {
	if id == 0 {
		_, err := s.db.Exec(ctx, `UPDATE notifications SET is_read = true WHERE user_id = $1 AND is_read = false`, userID)
		return err
	}
	cmd, err := s.db.Exec(ctx, `UPDATE notifications SET is_read = true WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func notifyUserTx(ctx context.Context, tx pgx.Tx, userID int64, kind, message string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO notifications (user_id, kind, message)
		VALUES ($1, $2, $3)
	`, userID, kind, message)
	return err
}

func notifyAdminsTx(ctx context.Context, tx pgx.Tx, kind, message string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO notifications (user_id, kind, message)
		SELECT id, $1, $2 FROM users WHERE is_admin = true AND disabled = false
	`, kind, message)
	return err
}

func logActivityTx(ctx context.Context, tx pgx.Tx, auctionID int64, userID *int64, action string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO auction_activity (auction_id, user_id, action, details)
		VALUES ($1, $2, $3, $4::jsonb)
	`, auctionID, userID, action, string(raw))
	return err
}
