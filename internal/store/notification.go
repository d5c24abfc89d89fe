package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pavelanni/mirror/internal/model"
)

type notificationRow struct {
	ID        int64        `db:"id"`
	SessionID string       `db:"session_id"`
	ChatID    int64        `db:"chat_id"`
	Payload   string       `db:"payload"`
	DueAt     int64        `db:"due_at"`
	Status    string       `db:"status"`
	LastError string       `db:"last_error"`
	CreatedAt time.Time    `db:"created_at"`
	SentAt    sql.NullTime `db:"sent_at"`
}

func insertNotification(ctx context.Context, tx *sqlx.Tx, n model.Notification, now time.Time) error {
	payload, err := toJSON(n.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if !payload.Valid {
		payload = sql.NullString{String: "{}", Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO notifications (session_id, chat_id, payload, due_at, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		n.SessionID, n.ChatID, payload.String, n.DueAt.Unix(), model.NotificationPending, now,
	)
	return err
}

// DueNotifications returns pending notifications whose due time has passed,
// oldest first.
func (s *Store) DueNotifications(ctx context.Context, now time.Time, limit int) ([]model.Notification, error) {
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, session_id, chat_id, payload, due_at, status, last_error, created_at, sent_at
		 FROM notifications
		 WHERE status = ? AND due_at <= ?
		 ORDER BY due_at, id
		 LIMIT ?`,
		model.NotificationPending, now.Unix(), limit,
	)
	if err != nil {
		return nil, err
	}
	out := make([]model.Notification, 0, len(rows))
	for _, r := range rows {
		n := model.Notification{
			ID:        r.ID,
			SessionID: r.SessionID,
			ChatID:    r.ChatID,
			DueAt:     time.Unix(r.DueAt, 0).UTC(),
			Status:    model.NotificationStatus(r.Status),
			LastError: r.LastError,
			CreatedAt: r.CreatedAt,
			SentAt:    timePtr(r.SentAt),
		}
		if err := fromJSON(sql.NullString{String: r.Payload, Valid: true}, &n.Payload); err != nil {
			return nil, fmt.Errorf("decode notification %d: %w", r.ID, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// MarkNotificationSent records a successful delivery.
func (s *Store) MarkNotificationSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, sent_at = ?, last_error = '' WHERE id = ?`,
		model.NotificationSent, s.now(), id,
	)
	return err
}

// MarkNotificationFailed records a delivery failure. Failed notifications are
// not retried.
func (s *Store) MarkNotificationFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, last_error = ? WHERE id = ?`,
		model.NotificationFailed, reason, id,
	)
	return err
}
