package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pavelanni/mirror/internal/model"
)

type exportRow struct {
	SessionID  string         `db:"session_id"`
	TestSlug   string         `db:"slug"`
	UserResult sql.NullString `db:"user_result"`
	CRMResult  sql.NullString `db:"crm_result"`
	AnalyzedAt sql.NullTime   `db:"analyzed_at"`
	userRow
}

// ExportAnalyzed builds export-ready results from analyzed sessions, oldest
// first. An empty slug exports every test.
func (s *Store) ExportAnalyzed(ctx context.Context, slug string) ([]model.SessionResult, error) {
	query := `SELECT s.id AS session_id, t.slug, s.user_result, s.crm_result, s.analyzed_at,
			u.id, u.username, u.first_name, u.last_name, u.vak_type, u.stress_response,
			u.attachment_type, u.decision_style, u.anxiety_level, u.buying_power,
			u.personality_tags, u.raw_profile, u.created_at, u.updated_at
		FROM sessions s
		JOIN tests t ON t.id = s.test_id
		JOIN users u ON u.id = s.user_id
		WHERE s.status = ?`
	args := []any{model.StatusAnalyzed}
	if slug != "" {
		query += ` AND t.slug = ?`
		args = append(args, slug)
	}
	query += ` ORDER BY s.analyzed_at, s.id`

	var rows []exportRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list analyzed sessions: %w", err)
	}

	results := make([]model.SessionResult, 0, len(rows))
	for _, r := range rows {
		user, err := r.userRow.toModel()
		if err != nil {
			return nil, fmt.Errorf("user %d: %w", r.ID, err)
		}
		res := model.SessionResult{
			SessionID:  r.SessionID,
			UserID:     user.ID,
			TestSlug:   r.TestSlug,
			AnalyzedAt: timePtr(r.AnalyzedAt),
			UserResult: r.UserResult.String,
			Profile:    user.Profile,
		}
		if user.Username != nil {
			res.Username = *user.Username
		}
		if user.FirstName != nil {
			res.FirstName = *user.FirstName
		}
		if err := fromJSON(r.CRMResult, &res.CRMResult); err != nil {
			return nil, fmt.Errorf("session %s: decode crm result: %w", r.SessionID, err)
		}
		results = append(results, res)
	}
	return results, nil
}
