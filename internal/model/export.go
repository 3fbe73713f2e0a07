package model

import "time"

// AttemptExport is the top-level JSON structure for attempt result export.
type AttemptExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	CourseID   int64           `json:"course_id,omitempty"`
	Results    []AttemptResult `json:"results"`
}

// AttemptResult holds one attempt's data for export.
type AttemptResult struct {
	AttemptID     string           `json:"attempt_id"`
	PlayerID      string           `json:"player_id"`
	CourseID      int64            `json:"course_id"`
	Kind          AttemptKind      `json:"kind"`
	AttemptNumber int              `json:"attempt_number"`
	Status        AttemptStatus    `json:"status"`
	StartedAt     time.Time        `json:"started_at"`
	SubmittedAt   *time.Time       `json:"submitted_at,omitempty"`
	ScorePercent  *int             `json:"score_percent,omitempty"`
	Passed        *bool            `json:"passed,omitempty"`
	DiscardReason string           `json:"discard_reason,omitempty"`
	Questions     []QuestionResult `json:"questions"`
}

// QuestionResult holds per-position data for export.
type QuestionResult struct {
	Position      int        `json:"position"`
	QuestionID    int64      `json:"question_id"`
	Text          string     `json:"text"`
	Category      string     `json:"category"`
	Difficulty    Difficulty `json:"difficulty"`
	Answered      bool       `json:"answered"`
	SelectedIndex *int       `json:"selected_index,omitempty"`
	Correct       bool       `json:"correct"`
}
