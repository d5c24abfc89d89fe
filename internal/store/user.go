package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pavelanni/mirror/internal/model"
)

type userRow struct {
	ID              int64          `db:"id"`
	Username        sql.NullString `db:"username"`
	FirstName       sql.NullString `db:"first_name"`
	LastName        sql.NullString `db:"last_name"`
	PerceptionType  sql.NullString `db:"vak_type"`
	StressResponse  sql.NullString `db:"stress_response"`
	AttachmentType  sql.NullString `db:"attachment_type"`
	DecisionStyle   sql.NullString `db:"decision_style"`
	AnxietyLevel    sql.NullString `db:"anxiety_level"`
	BuyingPower     sql.NullString `db:"buying_power"`
	PersonalityTags sql.NullString `db:"personality_tags"`
	RawProfile      sql.NullString `db:"raw_profile"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

const userColumns = `id, username, first_name, last_name, vak_type, stress_response, attachment_type,
	decision_style, anxiety_level, buying_power, personality_tags, raw_profile, created_at, updated_at`

func (r userRow) toModel() (model.User, error) {
	u := model.User{
		ID:        r.ID,
		Username:  strPtr(r.Username),
		FirstName: strPtr(r.FirstName),
		LastName:  strPtr(r.LastName),
		Profile: model.Profile{
			PerceptionType: strPtr(r.PerceptionType),
			StressResponse: strPtr(r.StressResponse),
			AttachmentType: strPtr(r.AttachmentType),
			DecisionStyle:  strPtr(r.DecisionStyle),
			AnxietyLevel:   strPtr(r.AnxietyLevel),
			BuyingPower:    strPtr(r.BuyingPower),
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := fromJSON(r.PersonalityTags, &u.Profile.PersonalityTags); err != nil {
		return u, fmt.Errorf("decode personality tags: %w", err)
	}
	if err := fromJSON(r.RawProfile, &u.Profile.Raw); err != nil {
		return u, fmt.Errorf("decode raw profile: %w", err)
	}
	return u, nil
}

// UpsertUser inserts a user or refreshes the names of an existing one.
// A nil name leaves the stored value untouched; the derived profile is never
// changed here.
func (s *Store) UpsertUser(ctx context.Context, u model.User) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, first_name, last_name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			username = COALESCE(excluded.username, users.username),
			first_name = COALESCE(excluded.first_name, users.first_name),
			last_name = COALESCE(excluded.last_name, users.last_name),
			updated_at = excluded.updated_at`,
		u.ID, nullString(u.Username), nullString(u.FirstName), nullString(u.LastName), now, now,
	)
	if err != nil {
		slog.Error("failed to upsert user", "user_id", u.ID, "error", err)
		return err
	}
	return nil
}

// GetUser returns a user with the derived profile.
// Returns nil and nil error if the user is unknown.
func (s *Store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// updateProfile replaces every derived profile column; absent fields become
// NULL so nothing survives from an earlier analysis.
func updateProfile(ctx context.Context, tx *sqlx.Tx, userID int64, p model.Profile, now time.Time) error {
	tags, err := toJSON(p.PersonalityTags)
	if err != nil {
		return fmt.Errorf("encode personality tags: %w", err)
	}
	raw := p.Raw
	if raw == nil {
		raw = map[string]any{}
	}
	rawJSON, err := toJSON(raw)
	if err != nil {
		return fmt.Errorf("encode raw profile: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET
			vak_type = ?, stress_response = ?, attachment_type = ?, decision_style = ?,
			anxiety_level = ?, buying_power = ?, personality_tags = ?, raw_profile = ?,
			updated_at = ?
		 WHERE id = ?`,
		nullString(p.PerceptionType), nullString(p.StressResponse), nullString(p.AttachmentType),
		nullString(p.DecisionStyle), nullString(p.AnxietyLevel), nullString(p.BuyingPower),
		tags, rawJSON, now, userID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %d not found", userID)
	}
	return nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
