package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/certexam/internal/store"
)

const coursesJSON = `[
  {"id": 7, "title": "Concurrency", "certification_enabled": true, "price_points": 300,
   "lessons": [{"id": 70, "title": "Channels"}, {"id": 71, "title": "Mutexes"}]}
]`

const questionsJSON = `[
  {"text": "Which keyword starts a goroutine?", "options": ["go", "run", "spawn", "async"], "correct_index": 0, "difficulty": "easy", "category": "basics", "course_id": 7, "lesson_id": 70},
  {"text": "What does close do?", "options": ["closes a channel", "frees memory", "exits", "nothing"], "correct_index": 0, "difficulty": "Medium", "category": "channels", "course_id": 7}
]`

const playersJSON = `[{"id": "alice", "premium": false, "points_balance": 400}]`

func writeSeed(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newSeedStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSeedAll(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := newSeedStore(t)

	files := seedFiles{
		Courses:   []string{writeSeed(t, dir, "courses.json", coursesJSON)},
		Questions: []string{writeSeed(t, dir, "questions.json", questionsJSON)},
		Players:   []string{writeSeed(t, dir, "players.json", playersJSON)},
	}
	require.NoError(t, seedAll(ctx, s, files))

	c, err := s.GetCourse(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Concurrency", c.Title)
	assert.EqualValues(t, 300, c.PricePoints)

	l, err := s.GetLesson(ctx, 71)
	require.NoError(t, err)
	assert.EqualValues(t, 7, l.CourseID)

	n, err := s.CountCoursePool(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := s.GetPlayer(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 400, p.PointsBalance)

	// Seeding again with unchanged files imports nothing new.
	require.NoError(t, seedAll(ctx, s, files))
	n, err = s.CountCoursePool(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSeedChangedQuestionsSkipped(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := newSeedStore(t)

	courses := writeSeed(t, dir, "courses.json", coursesJSON)
	questions := writeSeed(t, dir, "questions.json", questionsJSON)
	require.NoError(t, seedAll(ctx, s, seedFiles{Courses: []string{courses}, Questions: []string{questions}}))

	writeSeed(t, dir, "questions.json", `[{"text": "New", "options": ["a","b","c","d"], "correct_index": 1, "difficulty": "easy", "course_id": 7}]`)
	require.NoError(t, seedAll(ctx, s, seedFiles{Questions: []string{questions}}))

	n, err := s.CountCoursePool(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSeedChangedPlayersReapplied(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := newSeedStore(t)

	players := writeSeed(t, dir, "players.json", playersJSON)
	require.NoError(t, seedAll(ctx, s, seedFiles{Players: []string{players}}))

	writeSeed(t, dir, "players.json", `[{"id": "alice", "premium": true, "points_balance": 10}]`)
	require.NoError(t, seedAll(ctx, s, seedFiles{Players: []string{players}}))

	p, err := s.GetPlayer(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, p.Premium)
	assert.EqualValues(t, 10, p.PointsBalance)
}

func TestSeedInvalidQuestionsRollBack(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := newSeedStore(t)

	bad := writeSeed(t, dir, "bad.json", `[
	  {"text": "Fine", "options": ["a","b","c","d"], "correct_index": 0, "difficulty": "easy"},
	  {"text": "Broken", "options": ["a","b","c","d"], "correct_index": 9, "difficulty": "easy"}
	]`)
	err := seedAll(ctx, s, seedFiles{Questions: []string{bad}})
	require.Error(t, err)

	count, err := s.QuestionCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	hash, err := s.GetImportedFileHash(ctx, bad)
	require.NoError(t, err)
	assert.Empty(t, hash)
}

func TestSeedMissingFile(t *testing.T) {
	s := newSeedStore(t)
	err := seedAll(context.Background(), s, seedFiles{Courses: []string{filepath.Join(t.TempDir(), "nope.json")}})
	assert.Error(t, err)
}

func TestSeedFilesEmpty(t *testing.T) {
	assert.True(t, seedFiles{}.empty())
	assert.False(t, seedFiles{Players: []string{"p.json"}}.empty())
}
