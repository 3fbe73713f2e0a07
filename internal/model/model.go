package model

import (
	"context"
	"strings"
	"time"
)

type playerCtxKey struct{}

// ContextWithPlayer stores the calling player's ID in the request context.
func ContextWithPlayer(ctx context.Context, playerID string) context.Context {
	return context.WithValue(ctx, playerCtxKey{}, playerID)
}

// PlayerFromContext retrieves the calling player's ID from context (empty string if not set).
func PlayerFromContext(ctx context.Context) string {
	p, _ := ctx.Value(playerCtxKey{}).(string)
	return p
}

// Difficulty represents question difficulty tier.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
	DifficultyExpert Difficulty = "expert"
)

// ParseDifficulty normalizes a difficulty name. The empty string is returned as-is.
func ParseDifficulty(s string) (Difficulty, bool) {
	d := Difficulty(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case "", DifficultyEasy, DifficultyMedium, DifficultyHard, DifficultyExpert:
		return d, true
	}
	return d, false
}

// Scope tells whether a question belongs to the general pool or to a course.
type Scope string

const (
	ScopeGeneral Scope = "general"
	ScopeCourse  Scope = "course"
)

// Question is a multiple-choice question with its usage telemetry.
type Question struct {
	ID           int64      `json:"id"`
	Text         string     `json:"text"`
	Options      []string   `json:"options"`
	CorrectIndex int        `json:"correct_index"`
	Difficulty   Difficulty `json:"difficulty"`
	Category     string     `json:"category"`
	Scope        Scope      `json:"scope"`
	CourseID     *int64     `json:"course_id,omitempty"`
	LessonID     *int64     `json:"lesson_id,omitempty"`
	Active       bool       `json:"active"`
	ShownCount   int64      `json:"shown_count"`
	CorrectCount int64      `json:"correct_count"`
	LastShownAt  *time.Time `json:"last_shown_at,omitempty"`
}

// CorrectnessRate is the share of showings answered correctly.
// Unseen questions count as average (0.5).
func (q Question) CorrectnessRate() float64 {
	if q.ShownCount == 0 {
		return 0.5
	}
	return float64(q.CorrectCount) / float64(q.ShownCount)
}

// QuestionFilter narrows the candidate pool for selection.
type QuestionFilter struct {
	Scope      Scope
	Difficulty Difficulty // empty means any
	CourseID   int64
	LessonID   int64 // 0 means any lesson of the course
	ExcludeIDs []int64
}

// Course holds the course-level certification settings.
type Course struct {
	ID                           int64  `json:"id"`
	Title                        string `json:"title"`
	CertificationEnabled         bool   `json:"certification_enabled"`
	PremiumIncludesCertification bool   `json:"premium_includes_certification"`
	MinPoolSize                  int    `json:"min_pool_size"`
	ExamLength                   int    `json:"exam_length"`
	PassingThreshold             int    `json:"passing_threshold"`
	ShownOptionCount             int    `json:"shown_option_count"`
	AutoIssue                    bool   `json:"auto_issue"`
	PriceMoney                   int64  `json:"price_money"` // minor currency units
	PricePoints                  int64  `json:"price_points"`
}

const (
	DefaultMinPoolSize      = 50
	DefaultExamLength       = 20
	DefaultPassingThreshold = 70
	DefaultShownOptionCount = 4

	// MaxExamLength caps questions per exam. It equals the largest count a
	// single selection call accepts.
	MaxExamLength = 100
)

// WithDefaults fills zero-valued exam settings.
func (c Course) WithDefaults() Course {
	if c.MinPoolSize <= 0 {
		c.MinPoolSize = DefaultMinPoolSize
	}
	if c.ExamLength <= 0 {
		c.ExamLength = DefaultExamLength
	}
	if c.PassingThreshold <= 0 {
		c.PassingThreshold = DefaultPassingThreshold
	}
	if c.ShownOptionCount <= 0 {
		c.ShownOptionCount = DefaultShownOptionCount
	}
	return c
}

// Lesson belongs to a course.
type Lesson struct {
	ID       int64  `json:"id"`
	CourseID int64  `json:"course_id"`
	Title    string `json:"title"`
}

// Player holds the wallet-side records of a player.
type Player struct {
	ID            string `json:"id"`
	Premium       bool   `json:"premium"`
	PointsBalance int64  `json:"points_balance"`
}

// EntitlementSource records how a player came to own a certification.
type EntitlementSource string

const (
	SourcePurchase EntitlementSource = "purchase"
	SourcePoints   EntitlementSource = "points"
)

// PlayerRecords is everything about a player that ownership depends on.
type PlayerRecords struct {
	Premium        bool
	Purchased      bool
	PointsRedeemed bool
	PointsBalance  int64
}

// AttemptKind separates practice runs from certification exams.
type AttemptKind string

const (
	KindPractice  AttemptKind = "practice"
	KindFinalExam AttemptKind = "final_exam"
)

// AttemptStatus represents the status of an attempt.
type AttemptStatus string

const (
	StatusInProgress             AttemptStatus = "in_progress"
	StatusCompletedPendingSubmit AttemptStatus = "completed_pending_submit"
	StatusSubmitted              AttemptStatus = "submitted"
	StatusDiscarded              AttemptStatus = "discarded"
	StatusExpired                AttemptStatus = "expired"
)

var transitions = map[AttemptStatus][]AttemptStatus{
	StatusInProgress:             {StatusCompletedPendingSubmit, StatusDiscarded, StatusExpired},
	StatusCompletedPendingSubmit: {StatusSubmitted, StatusDiscarded, StatusExpired},
}

// CanTransition reports whether status may move from one value to another.
func CanTransition(from, to AttemptStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active reports whether the attempt has not reached a terminal state.
func (s AttemptStatus) Active() bool {
	return s == StatusInProgress || s == StatusCompletedPendingSubmit
}

// AttemptItem is one slot of an attempt's fixed question sequence.
// OptionOrder maps presented option positions to canonical option indices.
type AttemptItem struct {
	Position    int   `json:"position"`
	QuestionID  int64 `json:"question_id"`
	OptionOrder []int `json:"-"`
}

// Answer is a recorded answer for one position.
type Answer struct {
	Position      int       `json:"position"`
	QuestionID    int64     `json:"question_id"`
	SelectedIndex int       `json:"selected_index"`
	Correct       bool      `json:"correct"`
	AnsweredAt    time.Time `json:"answered_at"`
}

// Attempt is one exam-taking session.
type Attempt struct {
	ID            string        `json:"id"`
	PlayerID      string        `json:"player_id"`
	CourseID      int64         `json:"course_id"`
	Kind          AttemptKind   `json:"kind"`
	Status        AttemptStatus `json:"status"`
	Position      int           `json:"position"`
	ScorePercent  *int          `json:"score_percent,omitempty"`
	Passed        *bool         `json:"passed,omitempty"`
	DiscardReason string        `json:"discard_reason,omitempty"`
	Version       int64         `json:"-"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	SubmittedAt   *time.Time    `json:"submitted_at,omitempty"`
	Items         []AttemptItem `json:"-"`
	Answers       []Answer      `json:"-"`
}

// CorrectCount counts correct answers recorded on the attempt.
func (a Attempt) CorrectCount() int {
	n := 0
	for _, ans := range a.Answers {
		if ans.Correct {
			n++
		}
	}
	return n
}

// PresentedQuestion is the client-safe view of a question: no correct index.
type PresentedQuestion struct {
	ID         int64      `json:"id"`
	Text       string     `json:"text"`
	Options    []string   `json:"options"`
	Difficulty Difficulty `json:"difficulty"`
	Category   string     `json:"category"`
}

// Present renders q with options in the given canonical-index order.
func Present(q Question, order []int) PresentedQuestion {
	opts := make([]string, len(order))
	for i, idx := range order {
		opts[i] = q.Options[idx]
	}
	return PresentedQuestion{
		ID:         q.ID,
		Text:       q.Text,
		Options:    opts,
		Difficulty: q.Difficulty,
		Category:   q.Category,
	}
}

// QuestionImport is used for loading questions from JSON.
type QuestionImport struct {
	Text         string     `json:"text"`
	Options      []string   `json:"options"`
	CorrectIndex int        `json:"correct_index"`
	Difficulty   Difficulty `json:"difficulty"`
	Category     string     `json:"category"`
	CourseID     *int64     `json:"course_id,omitempty"`
	LessonID     *int64     `json:"lesson_id,omitempty"`
}

// CourseImport is used for loading course settings and lessons from JSON.
type CourseImport struct {
	Course
	Lessons []Lesson `json:"lessons"`
}
