// Package exam runs certification and practice attempts: a fixed question
// sequence answered strictly in order, scored on the server and submitted
// once.
package exam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/certexam/internal/certify"
	"github.com/pavelanni/certexam/internal/entitlement"
	"github.com/pavelanni/certexam/internal/metrics"
	"github.com/pavelanni/certexam/internal/model"
	"github.com/pavelanni/certexam/internal/selection"
)

const (
	DefaultTTL          = 2 * time.Hour
	DefaultIssueTimeout = 10 * time.Second
)

// Store is the attempt persistence the service relies on.
type Store interface {
	GetCourse(ctx context.Context, id int64) (model.Course, error)
	GetQuestion(ctx context.Context, id int64) (model.Question, error)
	FindActiveAttempt(ctx context.Context, playerID string, courseID int64, kind model.AttemptKind) (*model.Attempt, error)
	CreateAttempt(ctx context.Context, a model.Attempt) error
	GetAttempt(ctx context.Context, id string) (model.Attempt, error)
	RecordAnswer(ctx context.Context, attemptID string, expectedVersion int64, ans model.Answer, next model.AttemptStatus) error
	SubmitAttempt(ctx context.Context, attemptID string, expectedVersion int64, score int, passed bool, at time.Time) error
	DiscardAttempt(ctx context.Context, attemptID string, expectedVersion int64, reason string) error
	ExpireAttempt(ctx context.Context, attemptID string, expectedVersion int64) error
	ListActiveAttempts(ctx context.Context) ([]model.Attempt, error)
}

// Selector draws the question sequence for a new attempt.
type Selector interface {
	Select(ctx context.Context, req selection.Request) (selection.Result, error)
}

// Entitlements reports a player's certification status for a course.
type Entitlements interface {
	Get(ctx context.Context, playerID string, courseID int64) (entitlement.Status, error)
}

// Config holds the service tunables.
type Config struct {
	TTL          time.Duration
	IssueTimeout time.Duration
}

// Service drives the attempt state machine.
type Service struct {
	store        Store
	selector     Selector
	entitlements Entitlements
	issuer       certify.Issuer
	cfg          Config
	now          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the state machine to its collaborators.
func NewService(st Store, sel Selector, ent Entitlements, issuer certify.Issuer, cfg Config, opts ...Option) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.IssueTimeout <= 0 {
		cfg.IssueTimeout = DefaultIssueTimeout
	}
	if issuer == nil {
		issuer = certify.LogIssuer{}
	}
	s := &Service{store: st, selector: sel, entitlements: ent, issuer: issuer, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// View is the client-facing state of an attempt. Question is the one to
// answer next while the attempt is in progress.
type View struct {
	model.Attempt
	TotalQuestions int                      `json:"total_questions"`
	Answered       int                      `json:"answered"`
	Question       *model.PresentedQuestion `json:"question,omitempty"`
}

// AnswerResult tells the client whether the sequence is finished.
type AnswerResult struct {
	Correct      bool                     `json:"-"`
	Completed    bool                     `json:"completed"`
	NextQuestion *model.PresentedQuestion `json:"next_question,omitempty"`
}

// SubmitResult is the final outcome of an attempt.
type SubmitResult struct {
	ScorePercent         int  `json:"score_percent"`
	Passed               bool `json:"passed"`
	CertificateRequested bool `json:"certificate_requested"`
}

// Start opens a new attempt and returns it with its first question.
func (s *Service) Start(ctx context.Context, playerID string, courseID int64, kind model.AttemptKind) (View, error) {
	if kind == "" {
		kind = model.KindFinalExam
	}
	if kind != model.KindFinalExam && kind != model.KindPractice {
		return View{}, fmt.Errorf("%w: unknown attempt kind %q", model.ErrInvalidParams, kind)
	}
	if playerID == "" {
		return View{}, fmt.Errorf("%w: player is required", model.ErrInvalidParams)
	}

	course, err := s.store.GetCourse(ctx, courseID)
	if err != nil {
		return View{}, err
	}
	if kind == model.KindFinalExam {
		st, err := s.entitlements.Get(ctx, playerID, courseID)
		if err != nil {
			return View{}, err
		}
		if err := entitlement.Check(st); err != nil {
			return View{}, err
		}
	}

	// A stale active attempt is expired here so it does not block the new one.
	active, err := s.store.FindActiveAttempt(ctx, playerID, courseID, kind)
	if err != nil {
		return View{}, err
	}
	if active != nil {
		if a, err := s.expireIfStale(ctx, *active); err != nil {
			return View{}, err
		} else if a.Status.Active() {
			return View{}, fmt.Errorf("attempt %s is still active: %w", a.ID, model.ErrStateConflict)
		}
	}

	res, err := s.selector.Select(ctx, selection.Request{
		Scope:            model.ScopeCourse,
		CourseID:         courseID,
		Count:            course.ExamLength,
		ShownOptionCount: course.ShownOptionCount,
	})
	if err != nil {
		return View{}, err
	}
	if res.PoolExhausted {
		slog.Warn("exam shortened by pool exhaustion",
			"course_id", courseID, "requested", course.ExamLength, "returned", len(res.Questions))
	}

	a := model.Attempt{
		ID:        uuid.NewString(),
		PlayerID:  playerID,
		CourseID:  courseID,
		Kind:      kind,
		Status:    model.StatusInProgress,
		StartedAt: s.now().UTC(),
		Items:     make([]model.AttemptItem, len(res.Questions)),
	}
	for i, sel := range res.Questions {
		a.Items[i] = model.AttemptItem{Position: i, QuestionID: sel.Question.ID, OptionOrder: sel.OptionOrder}
	}
	if err := s.store.CreateAttempt(ctx, a); err != nil {
		return View{}, err
	}

	metrics.AttemptsStarted.WithLabelValues(string(kind)).Inc()
	slog.Info("attempt started",
		"attempt_id", a.ID, "player_id", playerID, "course_id", courseID, "kind", kind, "questions", len(a.Items))

	first := res.Questions[0].Question
	return View{Attempt: a, TotalQuestions: len(a.Items), Question: &first}, nil
}

// Get returns the attempt's current state.
func (s *Service) Get(ctx context.Context, playerID, attemptID string) (View, error) {
	a, err := s.load(ctx, playerID, attemptID)
	if err != nil {
		return View{}, err
	}
	v := View{Attempt: a, TotalQuestions: len(a.Items), Answered: len(a.Answers)}
	if a.Status == model.StatusInProgress {
		q, err := s.present(ctx, a.Items[a.Position])
		if err != nil {
			return View{}, err
		}
		v.Question = &q
	}
	return v, nil
}

// Answer records the answer for the current position and advances.
// selectedIndex refers to the options as they were presented.
func (s *Service) Answer(ctx context.Context, playerID, attemptID string, questionID int64, selectedIndex int) (AnswerResult, error) {
	a, err := s.load(ctx, playerID, attemptID)
	if err != nil {
		return AnswerResult{}, err
	}
	if a.Status != model.StatusInProgress {
		return AnswerResult{}, fmt.Errorf("attempt %s is %s: %w", a.ID, a.Status, model.ErrStateConflict)
	}
	item := a.Items[a.Position]
	if item.QuestionID != questionID {
		return AnswerResult{}, fmt.Errorf("attempt %s expects question %d at position %d, got %d: %w",
			a.ID, item.QuestionID, a.Position, questionID, model.ErrStateConflict)
	}
	if selectedIndex < 0 || selectedIndex >= len(item.OptionOrder) {
		return AnswerResult{}, fmt.Errorf("%w: selected index %d outside 0..%d",
			model.ErrInvalidParams, selectedIndex, len(item.OptionOrder)-1)
	}

	q, err := s.store.GetQuestion(ctx, item.QuestionID)
	if err != nil {
		return AnswerResult{}, err
	}
	ans := model.Answer{
		Position:      a.Position,
		QuestionID:    item.QuestionID,
		SelectedIndex: selectedIndex,
		Correct:       item.OptionOrder[selectedIndex] == q.CorrectIndex,
		AnsweredAt:    s.now().UTC(),
	}
	last := a.Position == len(a.Items)-1
	next := model.StatusInProgress
	if last {
		next = model.StatusCompletedPendingSubmit
	}
	if err := s.store.RecordAnswer(ctx, a.ID, a.Version, ans, next); err != nil {
		return AnswerResult{}, err
	}

	res := AnswerResult{Correct: ans.Correct, Completed: last}
	if !last {
		nq, err := s.present(ctx, a.Items[a.Position+1])
		if err != nil {
			return AnswerResult{}, err
		}
		res.NextQuestion = &nq
	}
	return res, nil
}

// Submit scores a completed attempt from its stored answers and, for a
// passed final exam on an auto-issuing course, requests the certificate.
// Issuance failures are logged and never undo the submission.
func (s *Service) Submit(ctx context.Context, playerID, attemptID string) (SubmitResult, error) {
	a, err := s.load(ctx, playerID, attemptID)
	if err != nil {
		return SubmitResult{}, err
	}
	if a.Status != model.StatusCompletedPendingSubmit {
		return SubmitResult{}, fmt.Errorf("attempt %s is %s: %w", a.ID, a.Status, model.ErrStateConflict)
	}
	course, err := s.store.GetCourse(ctx, a.CourseID)
	if err != nil {
		return SubmitResult{}, err
	}

	score := Score(a.CorrectCount(), len(a.Items))
	passed := score >= course.PassingThreshold
	at := s.now().UTC()
	if err := s.store.SubmitAttempt(ctx, a.ID, a.Version, score, passed, at); err != nil {
		return SubmitResult{}, err
	}

	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	metrics.AttemptsFinished.WithLabelValues(string(a.Kind), outcome).Inc()
	slog.Info("attempt submitted",
		"attempt_id", a.ID, "player_id", a.PlayerID, "course_id", a.CourseID, "score_percent", score, "passed", passed)

	res := SubmitResult{ScorePercent: score, Passed: passed}
	if passed && a.Kind == model.KindFinalExam && course.AutoIssue {
		res.CertificateRequested = s.requestCertificate(ctx, certify.NewEvent(a.ID, a.PlayerID, a.CourseID, score, at))
	}
	return res, nil
}

func (s *Service) requestCertificate(ctx context.Context, ev certify.Event) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.IssueTimeout)
	defer cancel()
	if err := s.issuer.Issue(ctx, ev); err != nil {
		metrics.CertificatesRequested.WithLabelValues("error").Inc()
		slog.Error("certificate request failed", "attempt_id", ev.AttemptID, "player_id", ev.PlayerID, "error", err)
		return false
	}
	metrics.CertificatesRequested.WithLabelValues("ok").Inc()
	return true
}

// Discard abandons an active attempt. It can never be resumed.
func (s *Service) Discard(ctx context.Context, playerID, attemptID, reason string) error {
	a, err := s.load(ctx, playerID, attemptID)
	if err != nil {
		return err
	}
	if !model.CanTransition(a.Status, model.StatusDiscarded) {
		return fmt.Errorf("attempt %s is %s: %w", a.ID, a.Status, model.ErrStateConflict)
	}
	if err := s.store.DiscardAttempt(ctx, a.ID, a.Version, reason); err != nil {
		return err
	}
	metrics.AttemptsFinished.WithLabelValues(string(a.Kind), "discarded").Inc()
	slog.Info("attempt discarded", "attempt_id", a.ID, "player_id", a.PlayerID, "reason", reason)
	return nil
}

// ExpireStale expires every active attempt past its TTL and returns how many it expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	active, err := s.store.ListActiveAttempts(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range active {
		if !s.stale(a) {
			continue
		}
		err := s.store.ExpireAttempt(ctx, a.ID, a.Version)
		if errors.Is(err, model.ErrStateConflict) {
			continue
		}
		if err != nil {
			return n, err
		}
		metrics.AttemptsFinished.WithLabelValues(string(a.Kind), "expired").Inc()
		n++
	}
	if n > 0 {
		slog.Info("expired stale attempts", "count", n)
	}
	return n, nil
}

// Score is the rounded percentage of correct answers.
func Score(correct, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(correct) / float64(total)))
}

// load fetches an attempt owned by playerID and applies lazy expiry.
// Attempts of other players look like missing ones.
func (s *Service) load(ctx context.Context, playerID, attemptID string) (model.Attempt, error) {
	a, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return a, err
	}
	if a.PlayerID != playerID {
		return model.Attempt{}, fmt.Errorf("attempt %s: %w", attemptID, model.ErrNotFound)
	}
	return s.expireIfStale(ctx, a)
}

func (s *Service) expireIfStale(ctx context.Context, a model.Attempt) (model.Attempt, error) {
	if !s.stale(a) {
		return a, nil
	}
	err := s.store.ExpireAttempt(ctx, a.ID, a.Version)
	if err != nil && !errors.Is(err, model.ErrStateConflict) {
		return a, err
	}
	if err == nil {
		metrics.AttemptsFinished.WithLabelValues(string(a.Kind), "expired").Inc()
		slog.Info("attempt expired", "attempt_id", a.ID, "player_id", a.PlayerID)
	}
	return s.store.GetAttempt(ctx, a.ID)
}

// stale reports whether an active attempt outlived its TTL. A finished
// attempt waiting for submit gets a fresh TTL from its completion time.
func (s *Service) stale(a model.Attempt) bool {
	switch {
	case a.Status == model.StatusCompletedPendingSubmit && a.CompletedAt != nil:
		return s.now().Sub(*a.CompletedAt) > s.cfg.TTL
	case a.Status.Active():
		return s.now().Sub(a.StartedAt) > s.cfg.TTL
	}
	return false
}

func (s *Service) present(ctx context.Context, item model.AttemptItem) (model.PresentedQuestion, error) {
	q, err := s.store.GetQuestion(ctx, item.QuestionID)
	if err != nil {
		return model.PresentedQuestion{}, err
	}
	return model.Present(q, item.OptionOrder), nil
}
