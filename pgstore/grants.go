package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fleetwp/opsauth"
)

// GrantRepository is the PostgreSQL implementation of opsauth.GrantStore.
type GrantRepository struct {
	db *sql.DB
}

// NewGrantRepository binds a repository to the given database.
func NewGrantRepository(db *sql.DB) *GrantRepository {
	return &GrantRepository{db: db}
}

// Issue deletes any outstanding unused grant of the same kind before
// inserting, so at most one token per flow is redeemable per user.
func (r *GrantRepository) Issue(ctx context.Context, g *opsauth.Grant) error {
	return withTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM grants WHERE user_id = $1 AND kind = $2 AND used_at IS NULL`,
			g.UserID, g.Kind)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO grants (id, user_id, kind, secret_hash, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			g.ID, g.UserID, string(g.Kind), g.SecretHash[:], g.ExpiresAt, g.CreatedAt)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
}

// consume marks the grant used if it matches the kind and secret hash
// and is neither expired nor spent, returning the owning user. The
// conditional UPDATE makes redemption single-use even under concurrent
// submissions of the same token.
func consume(ctx context.Context, tx DBTX, grantID string, kind opsauth.GrantKind, secretHash [32]byte, now time.Time) (string, error) {
	query := `
		UPDATE grants SET used_at = $4
		 WHERE id = $1 AND kind = $2 AND secret_hash = $3
		   AND used_at IS NULL AND expires_at > $4
		 RETURNING user_id
	`
	var userID string
	err := tx.QueryRowContext(ctx, query, grantID, string(kind), secretHash[:], now).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", opsauth.ErrGrantInvalid
		}
		return "", fmt.Errorf("db error: %w", err)
	}
	return userID, nil
}

func (r *GrantRepository) ConsumeForPasswordReset(ctx context.Context, grantID string, secretHash [32]byte, newPasswordHash string, now time.Time) (string, error) {
	var userID string
	err := withTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		uid, err := consume(ctx, tx, grantID, opsauth.GrantPasswordReset, secretHash, now)
		if err != nil {
			return err
		}
		query := `
			UPDATE users
			   SET password_hash = $2,
			       password_history = '[]'::jsonb,
			       password_changed_at = now(),
			       must_change_password = FALSE,
			       updated_at = now()
			 WHERE id = $1
		`
		res, err := tx.ExecContext(ctx, query, uid, newPasswordHash)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("db error: %w", err)
		} else if n == 0 {
			return opsauth.ErrGrantInvalid
		}
		userID = uid
		return nil
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (r *GrantRepository) ConsumeForEmailVerification(ctx context.Context, grantID string, secretHash [32]byte, now time.Time) (string, error) {
	var userID string
	err := withTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		uid, err := consume(ctx, tx, grantID, opsauth.GrantEmailVerification, secretHash, now)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE users SET email_verified = TRUE, updated_at = now() WHERE id = $1`, uid)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("db error: %w", err)
		} else if n == 0 {
			return opsauth.ErrGrantInvalid
		}
		userID = uid
		return nil
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}
