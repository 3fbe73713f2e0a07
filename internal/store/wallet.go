package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/certexam/internal/model"
)

// UpsertPlayer creates or replaces a player's wallet record.
func (s *Store) UpsertPlayer(ctx context.Context, p model.Player) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO players (id, premium, points_balance) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET premium = excluded.premium, points_balance = excluded.points_balance`,
		p.ID, boolToInt(p.Premium), p.PointsBalance,
	)
	if err != nil {
		return unavailable("upsert player", err)
	}
	return nil
}

// GetPlayer returns a player's wallet record. Unknown players have an empty wallet.
func (s *Store) GetPlayer(ctx context.Context, id string) (model.Player, error) {
	p := model.Player{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT premium, points_balance FROM players WHERE id = ?`, id,
	).Scan(&p.Premium, &p.PointsBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return p, unavailable("get player", err)
	}
	return p, nil
}

// RecordPurchase records a money purchase of a course certification.
// Payment capture happens elsewhere; this only stores the outcome.
func (s *Store) RecordPurchase(ctx context.Context, playerID string, courseID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entitlements (player_id, course_id, source, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(player_id, course_id) DO NOTHING`,
		playerID, courseID, model.SourcePurchase, at,
	)
	if err != nil {
		return unavailable("record purchase", err)
	}
	return nil
}

// PlayerRecords gathers the ownership-relevant records of a player for a course.
func (s *Store) PlayerRecords(ctx context.Context, playerID string, courseID int64) (model.PlayerRecords, error) {
	p, err := s.GetPlayer(ctx, playerID)
	if err != nil {
		return model.PlayerRecords{}, err
	}
	rec := model.PlayerRecords{Premium: p.Premium, PointsBalance: p.PointsBalance}

	var source model.EntitlementSource
	err = s.db.QueryRowContext(ctx,
		`SELECT source FROM entitlements WHERE player_id = ? AND course_id = ?`, playerID, courseID,
	).Scan(&source)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return rec, unavailable("get entitlement", err)
	case source == model.SourcePoints:
		rec.PointsRedeemed = true
	default:
		rec.Purchased = true
	}
	return rec, nil
}

// RedeemPoints grants a course entitlement paid with points. The ownership
// row and the wallet debit commit together or not at all. Redeeming an
// entitlement the player already owns is a no-op and spends nothing.
// It returns false if the player already owned the entitlement.
func (s *Store) RedeemPoints(ctx context.Context, playerID string, courseID int64, price int64, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable("begin redeem", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO entitlements (player_id, course_id, source, points_spent, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(player_id, course_id) DO NOTHING`,
		playerID, courseID, model.SourcePoints, price, at,
	)
	if err != nil {
		return false, unavailable("insert entitlement", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("insert entitlement", err)
	}
	if n == 0 {
		return false, nil
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE players SET points_balance = points_balance - ? WHERE id = ? AND points_balance >= ?`,
		price, playerID, price,
	)
	if err != nil {
		return false, unavailable("debit wallet", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return false, unavailable("debit wallet", err)
	}
	if n == 0 {
		return false, fmt.Errorf("player %s: insufficient points for course %d: %w",
			playerID, courseID, model.ErrEntitlementDenied)
	}

	if err := tx.Commit(); err != nil {
		return false, unavailable("commit redeem", err)
	}
	slog.Info("points redeemed", "player_id", playerID, "course_id", courseID, "points", price)
	return true, nil
}
