package exam_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/certexam/internal/certify"
	"github.com/pavelanni/certexam/internal/entitlement"
	"github.com/pavelanni/certexam/internal/exam"
	"github.com/pavelanni/certexam/internal/model"
	"github.com/pavelanni/certexam/internal/selection"
	"github.com/pavelanni/certexam/internal/store"
)

const (
	courseID   int64 = 1
	smallID    int64 = 2
	examLength       = 10
	poolSize         = 60
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingIssuer struct {
	mu     sync.Mutex
	events []certify.Event
	err    error
}

func (r *recordingIssuer) Issue(_ context.Context, ev certify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingIssuer) Close() error { return nil }

type fixture struct {
	svc    *exam.Service
	store  *store.Store
	issuer *recordingIssuer
	clock  *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.UpsertCourse(ctx, model.Course{
		ID: courseID, Title: "Go", CertificationEnabled: true, PremiumIncludesCertification: true,
		ExamLength: examLength, AutoIssue: true,
	}))
	require.NoError(t, s.UpsertCourse(ctx, model.Course{
		ID: smallID, Title: "Tiny", CertificationEnabled: true, PremiumIncludesCertification: true, ExamLength: 80,
	}))
	categories := []string{"syntax", "types", "concurrency"}
	for i := range poolSize {
		_, err := s.InsertQuestion(ctx, model.Question{
			Text:         fmt.Sprintf("Go question %d", i),
			Options:      []string{"right", "wrong a", "wrong b", "wrong c", "wrong d"},
			CorrectIndex: 0,
			Difficulty:   model.DifficultyMedium,
			Category:     categories[i%len(categories)],
			CourseID:     ptr(courseID),
		})
		require.NoError(t, err)
	}
	for i := range 5 {
		_, err := s.InsertQuestion(ctx, model.Question{
			Text:         fmt.Sprintf("Tiny question %d", i),
			Options:      []string{"right", "wrong a", "wrong b", "wrong c"},
			CorrectIndex: 0,
			Difficulty:   model.DifficultyEasy,
			Category:     "misc",
			CourseID:     ptr(smallID),
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.UpsertPlayer(ctx, model.Player{ID: "alice", Premium: true}))
	require.NoError(t, s.UpsertPlayer(ctx, model.Player{ID: "bob"}))

	clk := &clock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	iss := &recordingIssuer{}
	engine := selection.New(s, selection.WithClock(clk.now))
	svc := exam.NewService(s, engine, entitlement.NewResolver(s), iss, exam.Config{TTL: 2 * time.Hour}, exam.WithClock(clk.now))
	return &fixture{svc: svc, store: s, issuer: iss, clock: clk}
}

func ptr[T any](v T) *T { return &v }

// pick returns the presented index of the right or a wrong option.
func pick(q *model.PresentedQuestion, correct bool) int {
	for i, o := range q.Options {
		if (o == "right") == correct {
			return i
		}
	}
	return -1
}

// answerAll answers every question, the first correctCount of them correctly.
func answerAll(t *testing.T, f *fixture, player string, v exam.View, correctCount int) {
	t.Helper()
	q := v.Question
	for i := range v.TotalQuestions {
		require.NotNil(t, q)
		res, err := f.svc.Answer(context.Background(), player, v.ID, q.ID, pick(q, i < correctCount))
		require.NoError(t, err)
		assert.Equal(t, i < correctCount, res.Correct)
		if i == v.TotalQuestions-1 {
			assert.True(t, res.Completed)
			assert.Nil(t, res.NextQuestion)
		} else {
			assert.False(t, res.Completed)
		}
		q = res.NextQuestion
	}
}

func sequence(t *testing.T, f *fixture, attemptID string) []int64 {
	t.Helper()
	a, err := f.store.GetAttempt(context.Background(), attemptID)
	require.NoError(t, err)
	ids := make([]int64, len(a.Items))
	for i, it := range a.Items {
		ids[i] = it.QuestionID
	}
	return ids
}

func TestScore(t *testing.T) {
	tests := []struct {
		correct, total, want int
	}{
		{10, 10, 100},
		{0, 10, 0},
		{7, 10, 70},
		{2, 3, 67},
		{1, 3, 33},
		{1, 8, 13},
		{0, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exam.Score(tt.correct, tt.total), "%d/%d", tt.correct, tt.total)
	}
}

func TestFullMarksPassAndIssue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, v.Status)
	assert.Equal(t, examLength, v.TotalQuestions)
	require.NotNil(t, v.Question)
	assert.Len(t, v.Question.Options, model.DefaultShownOptionCount)

	answerAll(t, f, "alice", v, examLength)

	got, err := f.svc.Get(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompletedPendingSubmit, got.Status)
	assert.Nil(t, got.Question)

	res, err := f.svc.Submit(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, res.ScorePercent)
	assert.True(t, res.Passed)
	assert.True(t, res.CertificateRequested)

	require.Len(t, f.issuer.events, 1)
	ev := f.issuer.events[0]
	assert.Equal(t, v.ID, ev.AttemptID)
	assert.Equal(t, "alice", ev.PlayerID)
	assert.Equal(t, courseID, ev.CourseID)
	assert.Equal(t, 100, ev.ScorePercent)

	got, err = f.svc.Get(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSubmitted, got.Status)
	require.NotNil(t, got.ScorePercent)
	assert.Equal(t, 100, *got.ScorePercent)
}

func TestZeroScoreFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	require.NoError(t, err)
	answerAll(t, f, "alice", v, 0)

	res, err := f.svc.Submit(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ScorePercent)
	assert.False(t, res.Passed)
	assert.False(t, res.CertificateRequested)
	assert.Empty(t, f.issuer.events)
}

func TestPassingThresholdInclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	require.NoError(t, err)
	answerAll(t, f, "alice", v, 7)

	res, err := f.svc.Submit(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.Equal(t, 70, res.ScorePercent)
	assert.True(t, res.Passed)
}

func TestPracticeNeverIssues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// bob owns nothing but practice skips the gate.
	v, err := f.svc.Start(ctx, "bob", courseID, model.KindPractice)
	require.NoError(t, err)
	answerAll(t, f, "bob", v, examLength)

	res, err := f.svc.Submit(ctx, "bob", v.ID)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.False(t, res.CertificateRequested)
	assert.Empty(t, f.issuer.events)
}

func TestEntitlementGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, "bob", courseID, model.KindFinalExam)
	assert.ErrorIs(t, err, model.ErrEntitlementDenied)

	_, err = f.svc.Start(ctx, "alice", smallID, model.KindFinalExam)
	assert.ErrorIs(t, err, model.ErrEntitlementDenied)
	var denied *entitlement.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, 5, denied.Status.PoolCount)
	assert.False(t, denied.Status.Available)

	// A purchase grants the entitlement.
	require.NoError(t, f.store.RecordPurchase(ctx, "bob", courseID, f.clock.now()))
	_, err = f.svc.Start(ctx, "bob", courseID, model.KindFinalExam)
	assert.NoError(t, err)
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, "alice", courseID, "quiz")
	assert.ErrorIs(t, err, model.ErrInvalidParams)
	_, err = f.svc.Start(ctx, "", courseID, model.KindPractice)
	assert.ErrorIs(t, err, model.ErrInvalidParams)
	_, err = f.svc.Start(ctx, "alice", 404, model.KindPractice)
	assert.ErrorIs(t, err, model.ErrCourseNotFound)
}

func TestShortenedExamOnSmallPool(t *testing.T) {
	f := newFixture(t)

	v, err := f.svc.Start(context.Background(), "alice", smallID, model.KindPractice)
	require.NoError(t, err)
	assert.Equal(t, 5, v.TotalQuestions)
}

func TestSingleActiveAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	assert.ErrorIs(t, err, model.ErrStateConflict)

	// Another kind is independent.
	_, err = f.svc.Start(ctx, "alice", courseID, model.KindPractice)
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, "alice", first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, got.Status)
	assert.Equal(t, 0, got.Position)
}

func TestOutOfOrderAnswerRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	require.NoError(t, err)
	seq := sequence(t, f, v.ID)

	_, err = f.svc.Answer(ctx, "alice", v.ID, seq[1], 0)
	assert.ErrorIs(t, err, model.ErrStateConflict)

	got, err := f.svc.Get(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Position)
	assert.Equal(t, 0, got.Answered)
	assert.Equal(t, model.StatusInProgress, got.Status)
	assert.Equal(t, seq[0], got.Question.ID)
}

func TestSelectedIndexOutOfRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	require.NoError(t, err)

	for _, idx := range []int{-1, model.DefaultShownOptionCount} {
		_, err = f.svc.Answer(ctx, "alice", v.ID, v.Question.ID, idx)
		assert.ErrorIs(t, err, model.ErrInvalidParams)
	}
	got, err := f.svc.Get(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Answered)
}

func TestAnswerAfterSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	require.NoError(t, err)
	answerAll(t, f, "alice", v, 3)

	// Not submitted yet: answering past the end is a conflict too.
	_, err = f.svc.Answer(ctx, "alice", v.ID, v.Question.ID, 0)
	assert.ErrorIs(t, err, model.ErrStateConflict)

	_, err = f.svc.Submit(ctx, "alice", v.ID)
	require.NoError(t, err)

	_, err = f.svc.Answer(ctx, "alice", v.ID, v.Question.ID, 0)
	assert.ErrorIs(t, err, model.ErrStateConflict)
	_, err = f.svc.Submit(ctx, "alice", v.ID)
	assert.ErrorIs(t, err, model.ErrStateConflict)
	assert.ErrorIs(t, f.svc.Discard(ctx, "alice", v.ID, "late"), model.ErrStateConflict)
}

func TestSubmitBeforeCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, "alice", v.ID)
	assert.ErrorIs(t, err, model.ErrStateConflict)
}

func TestDiscardThenRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	require.NoError(t, err)
	_, err = f.svc.Answer(ctx, "alice", v.ID, v.Question.ID, pick(v.Question, true))
	require.NoError(t, err)
	first := sequence(t, f, v.ID)

	require.NoError(t, f.svc.Discard(ctx, "alice", v.ID, "app closed"))

	got, err := f.svc.Get(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDiscarded, got.Status)
	assert.Equal(t, "app closed", got.DiscardReason)
	assert.Equal(t, 1, got.Answered, "answers are kept for audit")

	_, err = f.svc.Answer(ctx, "alice", v.ID, first[1], 0)
	assert.ErrorIs(t, err, model.ErrStateConflict)
	assert.ErrorIs(t, f.svc.Discard(ctx, "alice", v.ID, "again"), model.ErrStateConflict)

	again, err := f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	require.NoError(t, err)
	assert.NotEqual(t, v.ID, again.ID)
	second := sequence(t, f, again.ID)
	assert.NotEqual(t, first, second)
	for _, id := range second {
		assert.False(t, slices.Contains(first, id), "least-shown questions come first")
	}
}

func TestRacingAnswers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	require.NoError(t, err)

	const racers = 6
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.Answer(ctx, "alice", v.ID, v.Question.ID, i%model.DefaultShownOptionCount)
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, model.ErrStateConflict)
	}
	assert.Equal(t, 1, ok)

	got, err := f.svc.Get(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Position)
	assert.Equal(t, 1, got.Answered)
}

func TestCorrectAnswerUpdatesTelemetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	require.NoError(t, err)
	qid := v.Question.ID
	_, err = f.svc.Answer(ctx, "alice", v.ID, qid, pick(v.Question, true))
	require.NoError(t, err)

	q, err := f.store.GetQuestion(ctx, qid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.ShownCount)
	assert.Equal(t, int64(1), q.CorrectCount)
}

func TestLazyExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	require.NoError(t, err)

	f.clock.advance(2*time.Hour + time.Minute)
	_, err = f.svc.Answer(ctx, "alice", v.ID, v.Question.ID, 0)
	assert.ErrorIs(t, err, model.ErrStateConflict)

	got, err := f.svc.Get(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)

	// An expired attempt no longer blocks a new one.
	_, err = f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	assert.NoError(t, err)
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	require.NoError(t, err)
	f.clock.advance(90 * time.Minute)
	fresh, err := f.svc.Start(ctx, "alice", courseID, model.KindPractice)
	require.NoError(t, err)
	f.clock.advance(45 * time.Minute)

	n, err := f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, err := f.store.GetAttempt(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, a.Status)
	a, err = f.store.GetAttempt(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, a.Status)

	n, err = f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFinishedAttemptSurvivesStartTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	require.NoError(t, err)
	f.clock.advance(time.Hour + 55*time.Minute)
	answerAll(t, f, "alice", v, examLength)

	// Past two hours since start but well inside the TTL since completion.
	f.clock.advance(time.Hour)
	n, err := f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	res, err := f.svc.Submit(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, res.ScorePercent)
	assert.True(t, res.Passed)
}

func TestFinishedAttemptExpiresAfterCompletionTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	require.NoError(t, err)
	answerAll(t, f, "alice", v, examLength)

	f.clock.advance(2*time.Hour + time.Minute)
	_, err = f.svc.Submit(ctx, "alice", v.ID)
	assert.ErrorIs(t, err, model.ErrStateConflict)

	got, err := f.svc.Get(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
}

func TestCourseSettingsAtLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.store.UpsertCourse(ctx, model.Course{
		ID: courseID, Title: "Go", CertificationEnabled: true, PremiumIncludesCertification: true,
		ExamLength: 120,
	})
	assert.ErrorIs(t, err, model.ErrInvalidParams)
	err = f.store.UpsertCourse(ctx, model.Course{
		ID: courseID, Title: "Go", CertificationEnabled: true, PremiumIncludesCertification: true,
		ShownOptionCount: 5,
	})
	assert.ErrorIs(t, err, model.ErrInvalidParams)

	// The largest accepted settings still produce a startable exam.
	require.NoError(t, f.store.UpsertCourse(ctx, model.Course{
		ID: courseID, Title: "Go", CertificationEnabled: true, PremiumIncludesCertification: true,
		ExamLength: model.MaxExamLength, ShownOptionCount: 2,
	}))
	v, err := f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	require.NoError(t, err)
	assert.Equal(t, poolSize, v.TotalQuestions)
	require.NotNil(t, v.Question)
	assert.Len(t, v.Question.Options, 2)
	assert.Contains(t, v.Question.Options, "right")
}

func TestIssuerFailureKeepsSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.issuer.err = errors.New("broker down")

	v, err := f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	require.NoError(t, err)
	answerAll(t, f, "alice", v, examLength)

	res, err := f.svc.Submit(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.False(t, res.CertificateRequested)

	got, err := f.svc.Get(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSubmitted, got.Status)
}

func TestOtherPlayersAttemptHidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.Start(ctx, "alice", courseID, model.KindFinalExam)
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, "bob", v.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.svc.Answer(ctx, "bob", v.ID, v.Question.ID, 0)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.svc.Get(ctx, "alice", "no-such-attempt")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
