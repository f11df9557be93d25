package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fleetwp/opsauth"
)

// OverrideRepository is the PostgreSQL implementation of
// opsauth.OverrideStore.
type OverrideRepository struct {
	db *sql.DB
}

// NewOverrideRepository binds a repository to the given database.
func NewOverrideRepository(db *sql.DB) *OverrideRepository {
	return &OverrideRepository{db: db}
}

func (r *OverrideRepository) LatestForTarget(ctx context.Context, targetUserID string) (*opsauth.OverrideEvent, error) {
	query := `
		SELECT id, target_user_id, admin_user_id, reason, risk, ip, user_agent, created_at
		  FROM override_events
		 WHERE target_user_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1
	`
	var ev opsauth.OverrideEvent
	err := r.db.QueryRowContext(ctx, query, targetUserID).
		Scan(&ev.ID, &ev.TargetUserID, &ev.AdminUserID, &ev.Reason, &ev.Risk, &ev.IP, &ev.UserAgent, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &ev, nil
}

// DisableMFAWithRecord clears the target's second factor and writes the
// override record in one transaction, so the audit trail cannot miss a
// disable that actually happened.
func (r *OverrideRepository) DisableMFAWithRecord(ctx context.Context, ev *opsauth.OverrideEvent) error {
	return withTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE users
			   SET mfa_secret_enc = NULL, mfa_confirmed = FALSE, updated_at = now()
			 WHERE id = $1`, ev.TargetUserID)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("db error: %w", err)
		} else if n == 0 {
			return opsauth.ErrUserNotFound
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM backup_codes WHERE user_id = $1`, ev.TargetUserID); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO override_events (id, target_user_id, admin_user_id, reason, risk, ip, user_agent, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ev.ID, ev.TargetUserID, ev.AdminUserID, ev.Reason, ev.Risk, ev.IP, ev.UserAgent, ev.CreatedAt)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
}
