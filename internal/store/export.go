package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/certexam/internal/model"
)

// ExportAttempts builds export-ready attempt results. courseID 0 exports all courses.
func (s *Store) ExportAttempts(ctx context.Context, courseID int64) ([]model.AttemptResult, error) {
	attempts, err := s.ListAttempts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	// Track attempt count per player and course for attempt_number.
	type key struct {
		player string
		course int64
	}
	attemptCount := make(map[key]int)

	var results []model.AttemptResult
	for _, summary := range attempts {
		k := key{summary.PlayerID, summary.CourseID}
		attemptCount[k]++
		if courseID != 0 && summary.CourseID != courseID {
			continue
		}

		a, err := s.GetAttempt(ctx, summary.ID)
		if err != nil {
			return nil, fmt.Errorf("get attempt %s: %w", summary.ID, err)
		}
		ids := make([]int64, len(a.Items))
		for i, it := range a.Items {
			ids[i] = it.QuestionID
		}
		questions, err := s.GetQuestions(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("get questions for attempt %s: %w", a.ID, err)
		}
		answers := make(map[int]model.Answer, len(a.Answers))
		for _, ans := range a.Answers {
			answers[ans.Position] = ans
		}

		qrs := make([]model.QuestionResult, 0, len(a.Items))
		for _, it := range a.Items {
			q := questions[it.QuestionID]
			qr := model.QuestionResult{
				Position:   it.Position,
				QuestionID: it.QuestionID,
				Text:       q.Text,
				Category:   q.Category,
				Difficulty: q.Difficulty,
			}
			if ans, ok := answers[it.Position]; ok {
				sel := ans.SelectedIndex
				qr.Answered = true
				qr.SelectedIndex = &sel
				qr.Correct = ans.Correct
			}
			qrs = append(qrs, qr)
		}

		results = append(results, model.AttemptResult{
			AttemptID:     a.ID,
			PlayerID:      a.PlayerID,
			CourseID:      a.CourseID,
			Kind:          a.Kind,
			AttemptNumber: attemptCount[k],
			Status:        a.Status,
			StartedAt:     a.StartedAt,
			SubmittedAt:   a.SubmittedAt,
			ScorePercent:  a.ScorePercent,
			Passed:        a.Passed,
			DiscardReason: a.DiscardReason,
			Questions:     qrs,
		})
	}

	return results, nil
}
