package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/certexam/internal/model"
)

const questionColumns = `id, text, options, correct_index, difficulty, category, scope,
	course_id, lesson_id, active, shown_count, correct_count, last_shown_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row rowScanner) (model.Question, error) {
	var q model.Question
	var options string
	err := row.Scan(&q.ID, &q.Text, &options, &q.CorrectIndex, &q.Difficulty, &q.Category, &q.Scope,
		&q.CourseID, &q.LessonID, &q.Active, &q.ShownCount, &q.CorrectCount, &q.LastShownAt)
	if err != nil {
		return q, err
	}
	if err := json.Unmarshal([]byte(options), &q.Options); err != nil {
		return q, fmt.Errorf("decode options of question %d: %w", q.ID, err)
	}
	return q, nil
}

func scanQuestions(rows *sql.Rows) ([]model.Question, error) {
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertQuestion validates and stores a question. Telemetry starts at zero.
func (s *Store) InsertQuestion(ctx context.Context, q model.Question) (int64, error) {
	return insertQuestion(ctx, s.db, q)
}

func insertQuestion(ctx context.Context, db execer, q model.Question) (int64, error) {
	if q.Scope == "" {
		q.Scope = model.ScopeGeneral
		if q.CourseID != nil {
			q.Scope = model.ScopeCourse
		}
	}
	q.ShownCount, q.CorrectCount = 0, 0
	if err := q.Validate(); err != nil {
		return 0, err
	}
	options, err := json.Marshal(q.Options)
	if err != nil {
		return 0, fmt.Errorf("encode options: %w", err)
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO questions (text, options, correct_index, difficulty, category, scope, course_id, lesson_id, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		q.Text, string(options), q.CorrectIndex, q.Difficulty, q.Category, q.Scope, q.CourseID, q.LessonID,
	)
	if err != nil {
		return 0, unavailable("insert question", err)
	}
	return res.LastInsertId()
}

// GetQuestion returns a question by ID, including inactive ones.
func (s *Store) GetQuestion(ctx context.Context, id int64) (model.Question, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = ?`, id)
	q, err := scanQuestion(row)
	if err != nil {
		return q, notFoundOr(fmt.Sprintf("get question %d", id), err, model.ErrNotFound)
	}
	return q, nil
}

// GetQuestions returns the questions with the given IDs keyed by ID.
func (s *Store) GetQuestions(ctx context.Context, ids []int64) (map[int64]model.Question, error) {
	out := make(map[int64]model.Question, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, unavailable("get questions", err)
	}
	questions, err := scanQuestions(rows)
	if err != nil {
		return nil, unavailable("scan questions", err)
	}
	for _, q := range questions {
		out[q.ID] = q
	}
	return out, nil
}

// ListQuestions returns all questions.
func (s *Store) ListQuestions(ctx context.Context) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+questionColumns+` FROM questions ORDER BY id`)
	if err != nil {
		return nil, unavailable("list questions", err)
	}
	questions, err := scanQuestions(rows)
	if err != nil {
		return nil, unavailable("scan questions", err)
	}
	return questions, nil
}

// ListCandidates returns active questions matching the filter.
// Ordering is left to the caller.
func (s *Store) ListCandidates(ctx context.Context, f model.QuestionFilter) ([]model.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions WHERE active = 1 AND scope = ?`
	args := []any{f.Scope}
	if f.Scope == model.ScopeCourse {
		query += ` AND course_id = ?`
		args = append(args, f.CourseID)
		if f.LessonID != 0 {
			query += ` AND lesson_id = ?`
			args = append(args, f.LessonID)
		}
	}
	if f.Difficulty != "" {
		query += ` AND difficulty = ?`
		args = append(args, f.Difficulty)
	}
	if len(f.ExcludeIDs) > 0 {
		query += ` AND id NOT IN (` + placeholders(len(f.ExcludeIDs)) + `)`
		for _, id := range f.ExcludeIDs {
			args = append(args, id)
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list candidates", err)
	}
	questions, err := scanQuestions(rows)
	if err != nil {
		return nil, unavailable("scan candidates", err)
	}
	return questions, nil
}

// CountCoursePool returns the number of active questions bound to a course.
func (s *Store) CountCoursePool(ctx context.Context, courseID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM questions WHERE active = 1 AND scope = ? AND course_id = ?`,
		model.ScopeCourse, courseID,
	).Scan(&count)
	if err != nil {
		return 0, unavailable("count course pool", err)
	}
	return count, nil
}

// MarkShown increments shown_count and stamps last_shown_at for all ids
// in a single statement, so concurrent selections never lose an update.
func (s *Store) MarkShown(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, at)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE questions SET shown_count = shown_count + 1, last_shown_at = ?
		 WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return unavailable("mark shown", err)
	}
	return nil
}

// SetQuestionActive activates or deactivates a question. Questions are never deleted.
func (s *Store) SetQuestionActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE questions SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return unavailable("set question active", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("set question active", err)
	}
	if n == 0 {
		return fmt.Errorf("question %d: %w", id, model.ErrNotFound)
	}
	return nil
}

// QuestionCount returns the number of questions in the database.
func (s *Store) QuestionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&count)
	if err != nil {
		return 0, unavailable("count questions", err)
	}
	return count, nil
}

// ListDistinctCategories returns all categories of active questions, alphabetically.
func (s *Store) ListDistinctCategories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT category FROM questions WHERE active = 1 ORDER BY category`)
	if err != nil {
		return nil, unavailable("list categories", err)
	}
	defer rows.Close()
	var categories []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, unavailable("scan category", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}
