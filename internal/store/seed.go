package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/certexam/internal/model"
)

// ImportQuestions inserts a batch of questions in one transaction. Either
// all of them are stored or none.
func (s *Store) ImportQuestions(ctx context.Context, items []model.QuestionImport) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("begin import", err)
	}
	defer tx.Rollback()

	for i, qi := range items {
		d, ok := model.ParseDifficulty(string(qi.Difficulty))
		if !ok {
			return 0, fmt.Errorf("question %d: %w: unknown difficulty %q", i, model.ErrInvalidParams, qi.Difficulty)
		}
		_, err := insertQuestion(ctx, tx, model.Question{
			Text:         qi.Text,
			Options:      qi.Options,
			CorrectIndex: qi.CorrectIndex,
			Difficulty:   d,
			Category:     qi.Category,
			CourseID:     qi.CourseID,
			LessonID:     qi.LessonID,
		})
		if err != nil {
			return 0, fmt.Errorf("question %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable("commit import", err)
	}
	return len(items), nil
}

// ImportCourses upserts courses with their lessons.
func (s *Store) ImportCourses(ctx context.Context, items []model.CourseImport) error {
	for _, ci := range items {
		if err := s.UpsertCourse(ctx, ci.Course); err != nil {
			return fmt.Errorf("course %d: %w", ci.ID, err)
		}
		for _, l := range ci.Lessons {
			l.CourseID = ci.ID
			if err := s.UpsertLesson(ctx, l); err != nil {
				return fmt.Errorf("course %d lesson %d: %w", ci.ID, l.ID, err)
			}
		}
	}
	return nil
}
