package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pavelanni/mirror/internal/model"

	_ "modernc.org/sqlite"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_time_format=sqlite"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer; one connection also keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slug TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		instructions TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id TEXT NOT NULL,
		test_id INTEGER NOT NULL,
		order_num INTEGER NOT NULL,
		text TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (test_id, id),
		UNIQUE (test_id, order_num),
		FOREIGN KEY (test_id) REFERENCES tests(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		username TEXT,
		first_name TEXT,
		last_name TEXT,
		vak_type TEXT,
		stress_response TEXT,
		attachment_type TEXT,
		decision_style TEXT,
		anxiety_level TEXT,
		buying_power TEXT,
		personality_tags TEXT,
		raw_profile TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		test_id INTEGER NOT NULL,
		answers TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		user_result TEXT,
		user_payload TEXT,
		crm_result TEXT,
		created_at DATETIME NOT NULL,
		submitted_at DATETIME,
		analyzed_at DATETIME,
		FOREIGN KEY (user_id) REFERENCES users(id),
		FOREIGN KEY (test_id) REFERENCES tests(id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL UNIQUE,
		chat_id INTEGER NOT NULL,
		payload TEXT NOT NULL,
		due_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		sent_at DATETIME,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_due ON notifications(status, due_at);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

type testRow struct {
	ID           int64  `db:"id"`
	Slug         string `db:"slug"`
	Title        string `db:"title"`
	Description  string `db:"description"`
	Instructions string `db:"instructions"`
	Active       bool   `db:"is_active"`
}

type questionRow struct {
	ID      string `db:"id"`
	TestID  int64  `db:"test_id"`
	Order   int    `db:"order_num"`
	Text    string `db:"text"`
	Options string `db:"options"`
}

type sessionRow struct {
	ID          string         `db:"id"`
	UserID      int64          `db:"user_id"`
	TestID      int64          `db:"test_id"`
	Answers     sql.NullString `db:"answers"`
	Status      string         `db:"status"`
	UserResult  sql.NullString `db:"user_result"`
	UserPayload sql.NullString `db:"user_payload"`
	CRMResult   sql.NullString `db:"crm_result"`
	CreatedAt   time.Time      `db:"created_at"`
	SubmittedAt sql.NullTime   `db:"submitted_at"`
	AnalyzedAt  sql.NullTime   `db:"analyzed_at"`
}

const sessionColumns = `id, user_id, test_id, answers, status, user_result, user_payload, crm_result, created_at, submitted_at, analyzed_at`

func (r sessionRow) toModel() (model.Session, error) {
	sess := model.Session{
		ID:          r.ID,
		UserID:      r.UserID,
		TestID:      r.TestID,
		Status:      model.SessionStatus(r.Status),
		UserResult:  r.UserResult.String,
		CreatedAt:   r.CreatedAt,
		SubmittedAt: timePtr(r.SubmittedAt),
		AnalyzedAt:  timePtr(r.AnalyzedAt),
	}
	if err := fromJSON(r.Answers, &sess.Answers); err != nil {
		return sess, fmt.Errorf("decode answers: %w", err)
	}
	if err := fromJSON(r.UserPayload, &sess.UserPayload); err != nil {
		return sess, fmt.Errorf("decode user payload: %w", err)
	}
	if err := fromJSON(r.CRMResult, &sess.CRMResult); err != nil {
		return sess, fmt.Errorf("decode crm result: %w", err)
	}
	return sess, nil
}

// ImportTest inserts a test with its questions, replacing the questions of an
// existing test with the same slug.
func (s *Store) ImportTest(ctx context.Context, t model.Test) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tests (slug, title, description, instructions, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(slug) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			instructions = excluded.instructions,
			is_active = excluded.is_active`,
		t.Slug, t.Title, t.Description, t.Instructions, t.Active, s.now(),
	)
	if err != nil {
		return 0, fmt.Errorf("upsert test: %w", err)
	}

	var testID int64
	if err := tx.GetContext(ctx, &testID, `SELECT id FROM tests WHERE slug = ?`, t.Slug); err != nil {
		return 0, fmt.Errorf("get test id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE test_id = ?`, testID); err != nil {
		return 0, fmt.Errorf("clear questions: %w", err)
	}
	for _, q := range t.Questions {
		opts, err := json.Marshal(q.Options)
		if err != nil {
			return 0, fmt.Errorf("encode options of %q: %w", q.ID, err)
		}
		_, err = tx.NamedExecContext(ctx,
			`INSERT INTO questions (id, test_id, order_num, text, options)
			 VALUES (:id, :test_id, :order_num, :text, :options)`,
			questionRow{ID: q.ID, TestID: testID, Order: q.Order, Text: q.Text, Options: string(opts)},
		)
		if err != nil {
			return 0, fmt.Errorf("insert question %q: %w", q.ID, err)
		}
	}

	return testID, tx.Commit()
}

// GetTestBySlug returns an active test with its questions in display order.
// Returns nil and nil error if the slug is unknown or the test is inactive.
func (s *Store) GetTestBySlug(ctx context.Context, slug string) (*model.Test, error) {
	var row testRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, slug, title, description, instructions, is_active
		 FROM tests WHERE slug = ? AND is_active = 1`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.withQuestions(ctx, row)
}

// GetTest returns a test by ID regardless of its active flag.
func (s *Store) GetTest(ctx context.Context, id int64) (*model.Test, error) {
	var row testRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, slug, title, description, instructions, is_active
		 FROM tests WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.withQuestions(ctx, row)
}

func (s *Store) withQuestions(ctx context.Context, row testRow) (*model.Test, error) {
	var rows []questionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, test_id, order_num, text, options
		 FROM questions WHERE test_id = ? ORDER BY order_num`, row.ID)
	if err != nil {
		return nil, err
	}

	t := &model.Test{
		ID:           row.ID,
		Slug:         row.Slug,
		Title:        row.Title,
		Description:  row.Description,
		Instructions: row.Instructions,
		Active:       row.Active,
		Questions:    make([]model.Question, 0, len(rows)),
	}
	for _, r := range rows {
		q := model.Question{ID: r.ID, TestID: r.TestID, Order: r.Order, Text: r.Text}
		if err := json.Unmarshal([]byte(r.Options), &q.Options); err != nil {
			return nil, fmt.Errorf("decode options of %q: %w", r.ID, err)
		}
		t.Questions = append(t.Questions, q)
	}
	return t, nil
}

// SetTestActive toggles whether a test can be started.
func (s *Store) SetTestActive(ctx context.Context, slug string, active bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tests SET is_active = ? WHERE slug = ?`, active, slug)
	return err
}

// CreateSession opens a pending session and returns its generated ID.
func (s *Store) CreateSession(ctx context.Context, userID, testID int64) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, test_id, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, userID, testID, model.StatusPending, s.now(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetSession returns a session by ID, or nil and nil error if it does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// SaveAnswers stores the answers and moves the session to analyzing in one
// statement. It reports false when the session is missing or already analyzed.
func (s *Store) SaveAnswers(ctx context.Context, id string, answers map[string]string) (bool, error) {
	data, err := toJSON(answers)
	if err != nil {
		return false, fmt.Errorf("encode answers: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET answers = ?, status = ?, submitted_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		data, model.StatusAnalyzing, s.now(), id, model.StatusPending, model.StatusAnalyzing,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CompleteAnalysis writes the session results, overwrites the owner's derived
// profile and enqueues the optional notification in one transaction. It
// reports false, writing nothing, when the session is already analyzed.
func (s *Store) CompleteAnalysis(ctx context.Context, c model.Completion) (bool, error) {
	userPayload, err := toJSON(c.UserPayload)
	if err != nil {
		return false, fmt.Errorf("encode user payload: %w", err)
	}
	crm, err := toJSON(c.CRMResult)
	if err != nil {
		return false, fmt.Errorf("encode crm result: %w", err)
	}
	now := s.now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, user_result = ?, user_payload = ?, crm_result = ?, analyzed_at = ?
		 WHERE id = ? AND status != ?`,
		model.StatusAnalyzed, c.UserResult, userPayload, crm, now, c.SessionID, model.StatusAnalyzed,
	)
	if err != nil {
		return false, fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if err := updateProfile(ctx, tx, c.UserID, c.Profile, now); err != nil {
		return false, fmt.Errorf("update profile: %w", err)
	}

	if c.Notification != nil {
		if err := insertNotification(ctx, tx, *c.Notification, now); err != nil {
			return false, fmt.Errorf("enqueue notification: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// ListSessionsByStatus returns sessions in the given state, newest first.
func (s *Store) ListSessionsByStatus(ctx context.Context, status model.SessionStatus) ([]model.Session, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY created_at DESC`, status)
	if err != nil {
		return nil, err
	}
	sessions := make([]model.Session, 0, len(rows))
	for _, r := range rows {
		sess, err := r.toModel()
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", r.ID, err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// StuckSessions returns sessions still analyzing whose answers were submitted
// before the cutoff.
func (s *Store) StuckSessions(ctx context.Context, cutoff time.Time) ([]model.Session, error) {
	analyzing, err := s.ListSessionsByStatus(ctx, model.StatusAnalyzing)
	if err != nil {
		return nil, err
	}
	var stuck []model.Session
	for _, sess := range analyzing {
		if sess.SubmittedAt != nil && sess.SubmittedAt.Before(cutoff) {
			stuck = append(stuck, sess)
		}
	}
	return stuck, nil
}

// GetSessionView builds a session together with its test and owner.
// Returns nil and nil error if the session does not exist.
func (s *Store) GetSessionView(ctx context.Context, id string) (*model.SessionView, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil || sess == nil {
		return nil, err
	}
	t, err := s.GetTest(ctx, sess.TestID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("session %s references missing test %d", id, sess.TestID)
	}
	u, err := s.GetUser(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	return &model.SessionView{Session: *sess, Test: *t, User: u}, nil
}

func toJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func fromJSON(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(ns.String))
	dec.UseNumber()
	return dec.Decode(v)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
