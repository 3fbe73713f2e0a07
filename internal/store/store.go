package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/pavelanni/certexam/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer; one connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping() error {
	if err := s.db.Ping(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS courses (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		certification_enabled INTEGER NOT NULL DEFAULT 0,
		premium_includes_certification INTEGER NOT NULL DEFAULT 0,
		min_pool_size INTEGER NOT NULL DEFAULT 0,
		exam_length INTEGER NOT NULL DEFAULT 0,
		passing_threshold INTEGER NOT NULL DEFAULT 0,
		shown_option_count INTEGER NOT NULL DEFAULT 0,
		auto_issue INTEGER NOT NULL DEFAULT 0,
		price_money INTEGER NOT NULL DEFAULT 0,
		price_points INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS lessons (
		id INTEGER PRIMARY KEY,
		course_id INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (course_id) REFERENCES courses(id)
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		text TEXT NOT NULL,
		options TEXT NOT NULL,
		correct_index INTEGER NOT NULL,
		difficulty TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		scope TEXT NOT NULL DEFAULT 'general',
		course_id INTEGER,
		lesson_id INTEGER,
		active INTEGER NOT NULL DEFAULT 1,
		shown_count INTEGER NOT NULL DEFAULT 0,
		correct_count INTEGER NOT NULL DEFAULT 0,
		last_shown_at DATETIME,
		CHECK (correct_count <= shown_count)
	);

	CREATE INDEX IF NOT EXISTS idx_questions_pool
		ON questions (active, scope, course_id, difficulty);

	CREATE TABLE IF NOT EXISTS players (
		id TEXT PRIMARY KEY,
		premium INTEGER NOT NULL DEFAULT 0,
		points_balance INTEGER NOT NULL DEFAULT 0 CHECK (points_balance >= 0)
	);

	CREATE TABLE IF NOT EXISTS entitlements (
		player_id TEXT NOT NULL,
		course_id INTEGER NOT NULL,
		source TEXT NOT NULL,
		points_spent INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (player_id, course_id)
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		player_id TEXT NOT NULL,
		course_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'in_progress',
		position INTEGER NOT NULL DEFAULT 0,
		score_percent INTEGER,
		passed INTEGER,
		discard_reason TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		submitted_at DATETIME
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_one_active
		ON attempts (player_id, course_id, kind)
		WHERE status IN ('in_progress', 'completed_pending_submit');

	CREATE TABLE IF NOT EXISTS attempt_items (
		attempt_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		option_order TEXT NOT NULL,
		PRIMARY KEY (attempt_id, position),
		FOREIGN KEY (attempt_id) REFERENCES attempts(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS attempt_answers (
		attempt_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		selected_index INTEGER NOT NULL,
		correct INTEGER NOT NULL,
		answered_at DATETIME NOT NULL,
		PRIMARY KEY (attempt_id, position),
		FOREIGN KEY (attempt_id) REFERENCES attempts(id)
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// unavailable wraps a driver failure so callers can match ErrStoreUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, model.ErrStoreUnavailable, err)
}

// notFoundOr maps sql.ErrNoRows to target and anything else to ErrStoreUnavailable.
func notFoundOr(op string, err error, target error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, target)
	}
	return unavailable(op, err)
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
