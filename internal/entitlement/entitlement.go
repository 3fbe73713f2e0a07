// Package entitlement decides whether a player may take a course's final
// certification exam, and handles paying for it with points.
package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/certexam/internal/model"
)

// Status is the resolved certification view of a course for one player.
type Status struct {
	CourseID    int64  `json:"course_id"`
	Enabled     bool   `json:"certification_enabled"`
	Available   bool   `json:"certification_available"`
	Owned       bool   `json:"entitlement_owned"`
	PriceMoney  *int64 `json:"price_money,omitempty"`
	PricePoints *int64 `json:"price_points,omitempty"`
	PoolCount   int    `json:"pool_count"`
}

// Resolve combines course settings, the course's active pool size and the
// player's records. It has no side effects.
func Resolve(c model.Course, poolCount int, rec model.PlayerRecords) Status {
	c = c.WithDefaults()
	st := Status{
		CourseID:  c.ID,
		Enabled:   c.CertificationEnabled,
		Available: c.CertificationEnabled && poolCount >= c.MinPoolSize,
		Owned:     (rec.Premium && c.PremiumIncludesCertification) || rec.Purchased || rec.PointsRedeemed,
		PoolCount: poolCount,
	}
	if c.PriceMoney > 0 {
		st.PriceMoney = &c.PriceMoney
	}
	if c.PricePoints > 0 {
		st.PricePoints = &c.PricePoints
	}
	return st
}

// Store is what the resolver needs from persistence.
type Store interface {
	GetCourse(ctx context.Context, id int64) (model.Course, error)
	CountCoursePool(ctx context.Context, courseID int64) (int, error)
	PlayerRecords(ctx context.Context, playerID string, courseID int64) (model.PlayerRecords, error)
	RedeemPoints(ctx context.Context, playerID string, courseID int64, price int64, at time.Time) (bool, error)
}

// Resolver reads and changes certification entitlements.
type Resolver struct {
	store Store
	now   func() time.Time
}

// NewResolver creates a resolver.
func NewResolver(s Store) *Resolver {
	return &Resolver{store: s, now: time.Now}
}

// Get returns the player's certification status for a course.
func (r *Resolver) Get(ctx context.Context, playerID string, courseID int64) (Status, error) {
	c, err := r.store.GetCourse(ctx, courseID)
	if err != nil {
		return Status{}, err
	}
	pool, err := r.store.CountCoursePool(ctx, courseID)
	if err != nil {
		return Status{}, err
	}
	rec, err := r.store.PlayerRecords(ctx, playerID, courseID)
	if err != nil {
		return Status{}, err
	}
	return Resolve(c, pool, rec), nil
}

// RedeemPoints buys the course's certification with points. Owning it
// already is a successful no-op.
func (r *Resolver) RedeemPoints(ctx context.Context, playerID string, courseID int64) (Status, error) {
	st, err := r.Get(ctx, playerID, courseID)
	if err != nil {
		return st, err
	}
	if st.Owned {
		return st, nil
	}
	if !st.Enabled {
		return st, &DeniedError{Status: st}
	}
	if st.PricePoints == nil {
		return st, fmt.Errorf("course %d cannot be redeemed with points: %w", courseID, model.ErrEntitlementDenied)
	}

	if _, err := r.store.RedeemPoints(ctx, playerID, courseID, *st.PricePoints, r.now()); err != nil {
		return st, err
	}
	st.Owned = true
	return st, nil
}

// DeniedError reports why a final exam may not start. It matches
// model.ErrEntitlementDenied.
type DeniedError struct {
	Status Status
}

func (e *DeniedError) Error() string {
	if !e.Status.Available {
		return fmt.Sprintf("course %d: certification unavailable (enabled=%t, pool=%d): %v",
			e.Status.CourseID, e.Status.Enabled, e.Status.PoolCount, model.ErrEntitlementDenied)
	}
	return fmt.Sprintf("course %d: certification not owned: %v", e.Status.CourseID, model.ErrEntitlementDenied)
}

func (e *DeniedError) Unwrap() error { return model.ErrEntitlementDenied }

// Check returns a *DeniedError unless the certification is both available and owned.
func Check(st Status) error {
	if st.Available && st.Owned {
		return nil
	}
	return &DeniedError{Status: st}
}
