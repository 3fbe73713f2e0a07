// Package selection picks questions from the bank, least shown first, with a
// per-category quota. Presented options never reveal the correct index.
package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/certexam/internal/metrics"
	"github.com/pavelanni/certexam/internal/model"
)

// workingSetFactor bounds how deep into the ranked pool the diversity step looks.
const workingSetFactor = 3

// Bank is the slice of the question store the engine needs.
type Bank interface {
	ListCandidates(ctx context.Context, f model.QuestionFilter) ([]model.Question, error)
	MarkShown(ctx context.Context, ids []int64, at time.Time) error
	GetCourse(ctx context.Context, id int64) (model.Course, error)
	GetLesson(ctx context.Context, id int64) (model.Lesson, error)
}

// Request describes one selection call.
type Request struct {
	Scope            model.Scope      `json:"scope" validate:"required,oneof=general course"`
	Difficulty       model.Difficulty `json:"difficulty,omitempty" validate:"omitempty,oneof=easy medium hard expert"`
	CourseID         int64            `json:"course_id,omitempty" validate:"required_if=Scope course,gte=0"`
	LessonID         int64            `json:"lesson_id,omitempty" validate:"gte=0"`
	ExcludeIDs       []int64          `json:"exclude_ids,omitempty"`
	// Count's upper bound matches model.MaxExamLength.
	Count            int              `json:"count" validate:"min=1,max=100"`
	ShownOptionCount int              `json:"shown_option_count,omitempty" validate:"omitempty,min=2,max=4"`
}

// Selected is a chosen question as presented, plus the server-side mapping
// from presented positions to canonical option indices.
type Selected struct {
	Question    model.PresentedQuestion
	OptionOrder []int
}

// Result is the outcome of a selection.
type Result struct {
	Questions     []Selected
	PoolExhausted bool
	Candidates    int
}

// Presented returns the client-safe questions.
func (r Result) Presented() []model.PresentedQuestion {
	out := make([]model.PresentedQuestion, len(r.Questions))
	for i, s := range r.Questions {
		out[i] = s.Question
	}
	return out
}

// NoQuestionsError reports an empty selection. PoolCount is the size of the
// pool before exclusions, so it is non-zero when the caller excluded every
// eligible question.
type NoQuestionsError struct {
	Scope     model.Scope
	CourseID  int64
	PoolCount int
}

func (e *NoQuestionsError) Error() string {
	return fmt.Sprintf("scope %s course %d pool of %d: %v", e.Scope, e.CourseID, e.PoolCount, model.ErrNoQuestions)
}

func (e *NoQuestionsError) Unwrap() error { return model.ErrNoQuestions }

// Engine selects questions. It is safe for concurrent use.
type Engine struct {
	bank     Bank
	validate *validator.Validate
	now      func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand makes the engine draw from r, for reproducible runs.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rnd = r }
}

// WithClock overrides the time source used for last_shown_at.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over the given bank.
func New(bank Bank, opts ...Option) *Engine {
	e := &Engine{
		bank:     bank,
		validate: validator.New(),
		now:      time.Now,
		rnd:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Select runs the full selection pipeline and records the showings.
func (e *Engine) Select(ctx context.Context, req Request) (Result, error) {
	req, err := e.normalize(ctx, req)
	if err != nil {
		return Result{}, err
	}

	filter := model.QuestionFilter{
		Scope:      req.Scope,
		Difficulty: req.Difficulty,
		CourseID:   req.CourseID,
		LessonID:   req.LessonID,
		ExcludeIDs: req.ExcludeIDs,
	}
	candidates, err := e.bank.ListCandidates(ctx, filter)
	if err != nil {
		return Result{}, fmt.Errorf("list candidates: %w", err)
	}
	if len(candidates) == 0 {
		return Result{}, e.noQuestions(ctx, filter)
	}

	var chosen []model.Question
	var selected []Selected
	e.withRand(func(r *rand.Rand) {
		ranked := dedupByText(rank(candidates, r))
		working := ranked[:min(len(ranked), workingSetFactor*req.Count)]
		chosen = diversify(working, req.Count)
		r.Shuffle(len(chosen), func(i, j int) { chosen[i], chosen[j] = chosen[j], chosen[i] })

		selected = make([]Selected, len(chosen))
		for i, q := range chosen {
			order := optionOrder(q, req.ShownOptionCount, r)
			selected[i] = Selected{Question: model.Present(q, order), OptionOrder: order}
		}
	})

	ids := make([]int64, len(chosen))
	for i, q := range chosen {
		ids[i] = q.ID
	}
	if err := e.bank.MarkShown(ctx, ids, e.now()); err != nil {
		return Result{}, fmt.Errorf("mark shown: %w", err)
	}

	res := Result{Questions: selected, Candidates: len(candidates)}
	metrics.Selections.WithLabelValues(string(req.Scope)).Inc()
	metrics.QuestionsShown.Add(float64(len(selected)))
	if len(selected) < req.Count {
		res.PoolExhausted = true
		metrics.PoolExhaustion.WithLabelValues(string(req.Scope)).Inc()
		slog.Warn("question pool exhausted",
			"scope", req.Scope,
			"course_id", req.CourseID,
			"lesson_id", req.LessonID,
			"difficulty", req.Difficulty,
			"requested", req.Count,
			"returned", len(selected),
			"candidates", len(candidates),
		)
	}
	return res, nil
}

// normalize validates the request and applies the mode rules.
func (e *Engine) normalize(ctx context.Context, req Request) (Request, error) {
	d, ok := model.ParseDifficulty(string(req.Difficulty))
	if !ok {
		return req, fmt.Errorf("%w: unknown difficulty %q", model.ErrInvalidParams, req.Difficulty)
	}
	req.Difficulty = d
	req.Scope = model.Scope(strings.ToLower(strings.TrimSpace(string(req.Scope))))
	if req.ShownOptionCount == 0 {
		req.ShownOptionCount = model.DefaultShownOptionCount
	}

	if err := e.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return req, fmt.Errorf("%w: %s", model.ErrInvalidParams, verrs.Error())
		}
		return req, fmt.Errorf("%w: %v", model.ErrInvalidParams, err)
	}

	switch req.Scope {
	case model.ScopeGeneral:
		if req.Difficulty == "" {
			return req, model.ErrMissingDifficulty
		}
		req.CourseID, req.LessonID = 0, 0
	case model.ScopeCourse:
		if _, err := e.bank.GetCourse(ctx, req.CourseID); err != nil {
			return req, fmt.Errorf("resolve course %d: %w", req.CourseID, err)
		}
		if req.LessonID != 0 {
			lesson, err := e.bank.GetLesson(ctx, req.LessonID)
			if err != nil {
				return req, fmt.Errorf("resolve lesson %d: %w", req.LessonID, err)
			}
			if lesson.CourseID != req.CourseID {
				return req, fmt.Errorf("lesson %d is not part of course %d: %w",
					req.LessonID, req.CourseID, model.ErrCourseNotFound)
			}
		}
	}
	return req, nil
}

// noQuestions builds the empty-selection error with the pool size the
// caller would see without its exclusions.
func (e *Engine) noQuestions(ctx context.Context, f model.QuestionFilter) error {
	nerr := &NoQuestionsError{Scope: f.Scope, CourseID: f.CourseID}
	if len(f.ExcludeIDs) == 0 {
		return nerr
	}
	f.ExcludeIDs = nil
	pool, err := e.bank.ListCandidates(ctx, f)
	if err != nil {
		return fmt.Errorf("count pool: %w", err)
	}
	nerr.PoolCount = len(pool)
	return nerr
}

func (e *Engine) withRand(fn func(r *rand.Rand)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.rnd)
}
