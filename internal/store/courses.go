package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/certexam/internal/model"
)

// UpsertCourse inserts or replaces a course's certification settings.
// Settings the exam engine cannot honor are rejected here rather than at exam start.
func (s *Store) UpsertCourse(ctx context.Context, c model.Course) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO courses (id, title, certification_enabled, premium_includes_certification, min_pool_size,
			exam_length, passing_threshold, shown_option_count, auto_issue, price_money, price_points)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			certification_enabled = excluded.certification_enabled,
			premium_includes_certification = excluded.premium_includes_certification,
			min_pool_size = excluded.min_pool_size,
			exam_length = excluded.exam_length,
			passing_threshold = excluded.passing_threshold,
			shown_option_count = excluded.shown_option_count,
			auto_issue = excluded.auto_issue,
			price_money = excluded.price_money,
			price_points = excluded.price_points`,
		c.ID, c.Title, boolToInt(c.CertificationEnabled), boolToInt(c.PremiumIncludesCertification), c.MinPoolSize,
		c.ExamLength, c.PassingThreshold, c.ShownOptionCount, boolToInt(c.AutoIssue), c.PriceMoney, c.PricePoints,
	)
	if err != nil {
		return unavailable("upsert course", err)
	}
	return nil
}

// GetCourse returns a course's settings with defaults applied.
func (s *Store) GetCourse(ctx context.Context, id int64) (model.Course, error) {
	var c model.Course
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, certification_enabled, premium_includes_certification, min_pool_size,
			exam_length, passing_threshold, shown_option_count, auto_issue, price_money, price_points
		 FROM courses WHERE id = ?`, id,
	).Scan(&c.ID, &c.Title, &c.CertificationEnabled, &c.PremiumIncludesCertification, &c.MinPoolSize,
		&c.ExamLength, &c.PassingThreshold, &c.ShownOptionCount, &c.AutoIssue, &c.PriceMoney, &c.PricePoints)
	if err != nil {
		return c, notFoundOr(fmt.Sprintf("get course %d", id), err, model.ErrCourseNotFound)
	}
	return c.WithDefaults(), nil
}

// UpsertLesson inserts or replaces a lesson.
func (s *Store) UpsertLesson(ctx context.Context, l model.Lesson) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lessons (id, course_id, title) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET course_id = excluded.course_id, title = excluded.title`,
		l.ID, l.CourseID, l.Title,
	)
	if err != nil {
		return unavailable("upsert lesson", err)
	}
	return nil
}

// GetLesson returns a lesson by ID.
func (s *Store) GetLesson(ctx context.Context, id int64) (model.Lesson, error) {
	var l model.Lesson
	err := s.db.QueryRowContext(ctx,
		`SELECT id, course_id, title FROM lessons WHERE id = ?`, id,
	).Scan(&l.ID, &l.CourseID, &l.Title)
	if err != nil {
		return l, notFoundOr(fmt.Sprintf("get lesson %d", id), err, model.ErrCourseNotFound)
	}
	return l, nil
}
