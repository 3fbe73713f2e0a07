package model

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned across the service. Callers match them with errors.Is;
// the HTTP layer maps each one to a status code and client message.
var (
	ErrInvalidParams     = errors.New("invalid parameters")
	ErrMissingDifficulty = errors.New("difficulty is required for general selection")
	ErrNotFound          = errors.New("not found")
	ErrCourseNotFound    = fmt.Errorf("course %w", ErrNotFound)
	ErrNoQuestions       = errors.New("no eligible questions")
	ErrStateConflict     = errors.New("attempt state conflict")
	ErrEntitlementDenied = errors.New("entitlement denied")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// MinOptions is the minimum number of canonical options per question.
const MinOptions = 4

// Validate checks the question's structural invariants.
func (q Question) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("%w: question text is empty", ErrInvalidParams)
	}
	if len(q.Options) < MinOptions {
		return fmt.Errorf("%w: question %q has %d options, need at least %d",
			ErrInvalidParams, q.Text, len(q.Options), MinOptions)
	}
	seen := make(map[string]bool, len(q.Options))
	for _, o := range q.Options {
		if seen[o] {
			return fmt.Errorf("%w: question %q has duplicate option %q", ErrInvalidParams, q.Text, o)
		}
		seen[o] = true
	}
	if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
		return fmt.Errorf("%w: question %q correct index %d out of range", ErrInvalidParams, q.Text, q.CorrectIndex)
	}
	if _, ok := ParseDifficulty(string(q.Difficulty)); !ok || q.Difficulty == "" {
		return fmt.Errorf("%w: question %q has unknown difficulty %q", ErrInvalidParams, q.Text, q.Difficulty)
	}
	if q.Scope == ScopeCourse && q.CourseID == nil {
		return fmt.Errorf("%w: course question %q has no course", ErrInvalidParams, q.Text)
	}
	if q.CorrectCount > q.ShownCount {
		return fmt.Errorf("%w: question %q correct count exceeds shown count", ErrInvalidParams, q.Text)
	}
	return nil
}

// Validate checks course settings. Zero values are allowed and replaced by
// defaults when the course is read.
func (c Course) Validate() error {
	switch {
	case c.ID <= 0:
		return fmt.Errorf("%w: course id %d must be positive", ErrInvalidParams, c.ID)
	case c.MinPoolSize < 0:
		return fmt.Errorf("%w: course %d min_pool_size %d is negative", ErrInvalidParams, c.ID, c.MinPoolSize)
	case c.ExamLength < 0 || c.ExamLength > MaxExamLength:
		return fmt.Errorf("%w: course %d exam_length %d outside 0-%d", ErrInvalidParams, c.ID, c.ExamLength, MaxExamLength)
	case c.PassingThreshold < 0 || c.PassingThreshold > 100:
		return fmt.Errorf("%w: course %d passing_threshold %d outside 0-100", ErrInvalidParams, c.ID, c.PassingThreshold)
	case c.ShownOptionCount != 0 && (c.ShownOptionCount < 2 || c.ShownOptionCount > MinOptions):
		return fmt.Errorf("%w: course %d shown_option_count %d outside 2-%d", ErrInvalidParams, c.ID, c.ShownOptionCount, MinOptions)
	case c.PriceMoney < 0 || c.PricePoints < 0:
		return fmt.Errorf("%w: course %d has a negative price", ErrInvalidParams, c.ID)
	}
	return nil
}
