package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/certexam/internal/model"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const attemptColumns = `id, player_id, course_id, kind, status, position, score_percent, passed,
	discard_reason, version, started_at, completed_at, submitted_at`

// isUniqueViolation matches on the primary result code, so it holds whether
// or not the driver reports extended codes.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

func scanAttempt(row rowScanner) (model.Attempt, error) {
	var a model.Attempt
	err := row.Scan(&a.ID, &a.PlayerID, &a.CourseID, &a.Kind, &a.Status, &a.Position, &a.ScorePercent, &a.Passed,
		&a.DiscardReason, &a.Version, &a.StartedAt, &a.CompletedAt, &a.SubmittedAt)
	return a, err
}

// CreateAttempt stores a new attempt with its fixed question sequence.
// A second active attempt for the same player, course and kind is a state conflict.
func (s *Store) CreateAttempt(ctx context.Context, a model.Attempt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin create attempt", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO attempts (id, player_id, course_id, kind, status, position, version, started_at)
		 VALUES (?, ?, ?, ?, ?, 0, 0, ?)`,
		a.ID, a.PlayerID, a.CourseID, a.Kind, model.StatusInProgress, a.StartedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("player %s already has an active %s attempt for course %d: %w",
			a.PlayerID, a.Kind, a.CourseID, model.ErrStateConflict)
	}
	if err != nil {
		return unavailable("insert attempt", err)
	}

	for _, item := range a.Items {
		order, err := json.Marshal(item.OptionOrder)
		if err != nil {
			return fmt.Errorf("encode option order: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO attempt_items (attempt_id, position, question_id, option_order) VALUES (?, ?, ?, ?)`,
			a.ID, item.Position, item.QuestionID, string(order),
		)
		if err != nil {
			return unavailable("insert attempt item", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit create attempt", err)
	}
	return nil
}

// GetAttempt returns an attempt with its question sequence and answers.
func (s *Store) GetAttempt(ctx context.Context, id string) (model.Attempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id))
	if err != nil {
		return a, notFoundOr(fmt.Sprintf("get attempt %s", id), err, model.ErrNotFound)
	}
	if a.Items, err = s.getAttemptItems(ctx, id); err != nil {
		return a, err
	}
	if a.Answers, err = s.getAttemptAnswers(ctx, id); err != nil {
		return a, err
	}
	return a, nil
}

func (s *Store) getAttemptItems(ctx context.Context, attemptID string) ([]model.AttemptItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, question_id, option_order FROM attempt_items WHERE attempt_id = ? ORDER BY position`, attemptID,
	)
	if err != nil {
		return nil, unavailable("get attempt items", err)
	}
	defer rows.Close()
	var items []model.AttemptItem
	for rows.Next() {
		var it model.AttemptItem
		var order string
		if err := rows.Scan(&it.Position, &it.QuestionID, &order); err != nil {
			return nil, unavailable("scan attempt item", err)
		}
		if err := json.Unmarshal([]byte(order), &it.OptionOrder); err != nil {
			return nil, fmt.Errorf("decode option order: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) getAttemptAnswers(ctx context.Context, attemptID string) ([]model.Answer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, question_id, selected_index, correct, answered_at
		 FROM attempt_answers WHERE attempt_id = ? ORDER BY position`, attemptID,
	)
	if err != nil {
		return nil, unavailable("get attempt answers", err)
	}
	defer rows.Close()
	var answers []model.Answer
	for rows.Next() {
		var ans model.Answer
		if err := rows.Scan(&ans.Position, &ans.QuestionID, &ans.SelectedIndex, &ans.Correct, &ans.AnsweredAt); err != nil {
			return nil, unavailable("scan attempt answer", err)
		}
		answers = append(answers, ans)
	}
	return answers, rows.Err()
}

// FindActiveAttempt returns the player's non-terminal attempt for a course and kind, or nil.
func (s *Store) FindActiveAttempt(ctx context.Context, playerID string, courseID int64, kind model.AttemptKind) (*model.Attempt, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM attempts WHERE player_id = ? AND course_id = ? AND kind = ? AND status IN (?, ?)`,
		playerID, courseID, kind, model.StatusInProgress, model.StatusCompletedPendingSubmit,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("find active attempt", err)
	}
	a, err := s.GetAttempt(ctx, id)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// RecordAnswer appends an answer for the attempt's current position and
// advances it. expectedVersion guards against racing writers: the update
// only applies if nobody changed the attempt since it was read. A correct
// answer also bumps the question's correct_count in the same transaction.
func (s *Store) RecordAnswer(ctx context.Context, attemptID string, expectedVersion int64, ans model.Answer, next model.AttemptStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin record answer", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO attempt_answers (attempt_id, position, question_id, selected_index, correct, answered_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		attemptID, ans.Position, ans.QuestionID, ans.SelectedIndex, boolToInt(ans.Correct), ans.AnsweredAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("attempt %s position %d already answered: %w", attemptID, ans.Position, model.ErrStateConflict)
	}
	if err != nil {
		return unavailable("insert answer", err)
	}

	var completedAt *time.Time
	if next == model.StatusCompletedPendingSubmit {
		completedAt = &ans.AnsweredAt
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE attempts SET position = position + 1, version = version + 1, status = ?, completed_at = ?
		 WHERE id = ? AND version = ? AND status = ? AND position = ?`,
		next, completedAt, attemptID, expectedVersion, model.StatusInProgress, ans.Position,
	)
	if err := expectOneRow(res, err, attemptID); err != nil {
		return err
	}

	if ans.Correct {
		_, err = tx.ExecContext(ctx,
			`UPDATE questions SET correct_count = correct_count + 1 WHERE id = ? AND correct_count < shown_count`,
			ans.QuestionID,
		)
		if err != nil {
			return unavailable("increment correct count", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit record answer", err)
	}
	return nil
}

// SubmitAttempt finalizes a completed attempt with its score.
func (s *Store) SubmitAttempt(ctx context.Context, attemptID string, expectedVersion int64, score int, passed bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = ?, score_percent = ?, passed = ?, submitted_at = ?, version = version + 1
		 WHERE id = ? AND version = ? AND status = ?`,
		model.StatusSubmitted, score, boolToInt(passed), at,
		attemptID, expectedVersion, model.StatusCompletedPendingSubmit,
	)
	return expectOneRow(res, err, attemptID)
}

// DiscardAttempt abandons an active attempt. Recorded answers stay for audit
// but the attempt can never be resumed.
func (s *Store) DiscardAttempt(ctx context.Context, attemptID string, expectedVersion int64, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = ?, discard_reason = ?, version = version + 1
		 WHERE id = ? AND version = ? AND status IN (?, ?)`,
		model.StatusDiscarded, reason,
		attemptID, expectedVersion, model.StatusInProgress, model.StatusCompletedPendingSubmit,
	)
	return expectOneRow(res, err, attemptID)
}

// ExpireAttempt moves an active attempt to expired.
func (s *Store) ExpireAttempt(ctx context.Context, attemptID string, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = ?, version = version + 1
		 WHERE id = ? AND version = ? AND status IN (?, ?)`,
		model.StatusExpired,
		attemptID, expectedVersion, model.StatusInProgress, model.StatusCompletedPendingSubmit,
	)
	return expectOneRow(res, err, attemptID)
}

func expectOneRow(res sql.Result, err error, attemptID string) error {
	if err != nil {
		return unavailable("update attempt", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("update attempt", err)
	}
	if n == 0 {
		return fmt.Errorf("attempt %s changed concurrently or is not in the expected state: %w",
			attemptID, model.ErrStateConflict)
	}
	return nil
}

// ListActiveAttempts returns all non-terminal attempts without items or answers.
func (s *Store) ListActiveAttempts(ctx context.Context) ([]model.Attempt, error) {
	return s.listAttempts(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE status IN (?, ?) ORDER BY started_at`,
		model.StatusInProgress, model.StatusCompletedPendingSubmit)
}

// ListAttempts returns all attempts, oldest first, without items or answers.
func (s *Store) ListAttempts(ctx context.Context) ([]model.Attempt, error) {
	return s.listAttempts(ctx, `SELECT `+attemptColumns+` FROM attempts ORDER BY started_at, id`)
}

func (s *Store) listAttempts(ctx context.Context, query string, args ...any) ([]model.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list attempts", err)
	}
	defer rows.Close()
	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, unavailable("scan attempt", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
