package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fleetwp/opsauth"
)

// UserRepository is the PostgreSQL implementation of opsauth.UserStore.
// Backup code hashes live in their own table so consuming one is a
// single DELETE instead of an array rewrite.
type UserRepository struct {
	db *sql.DB
}

// NewUserRepository binds a repository to the given database.
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, username, role, password_hash, email_verified,
	password_history, password_changed_at, must_change_password,
	mfa_secret_enc, mfa_confirmed, failed_login_attempts,
	locked, locked_until, active, created_at, updated_at`

func scanUser(row *sql.Row) (*opsauth.User, error) {
	var (
		u           opsauth.User
		role        string
		historyJSON []byte
		lockedUntil sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.Username, &role, &u.PasswordHash, &u.EmailVerified,
		&historyJSON, &u.PasswordChangedAt, &u.MustChangePassword,
		&u.MFASecretEnc, &u.MFAConfirmed, &u.FailedLoginAttempts,
		&u.Locked, &lockedUntil, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, opsauth.ErrUserNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	u.Role = opsauth.Role(role)
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &u.PasswordHistory); err != nil {
			return nil, fmt.Errorf("decode password history: %w", err)
		}
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		u.LockedUntil = &t
	}
	return &u, nil
}

func (r *UserRepository) loadBackupCodes(ctx context.Context, u *opsauth.User) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT code_hash FROM backup_codes WHERE user_id = $1`, u.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h []byte
		if err := rows.Scan(&h); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		u.BackupCodeHashes = append(u.BackupCodeHashes, h)
	}
	return rows.Err()
}

func (r *UserRepository) GetByID(ctx context.Context, userID string) (*opsauth.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	u, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadBackupCodes(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*opsauth.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
	u, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadBackupCodes(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// UpdatePassword prepends the old hash to the history and truncates it to
// historyDepth entries in the same statement that swaps the hash.
func (r *UserRepository) UpdatePassword(ctx context.Context, userID, newHash string, historyDepth int) error {
	query := `
		UPDATE users
		   SET password_history = jsonb_path_query_array(
		           to_jsonb(ARRAY[password_hash]) || password_history,
		           '$[0 to $d]',
		           jsonb_build_object('d', $3::int - 1)),
		       password_hash = $2,
		       password_changed_at = now(),
		       must_change_password = FALSE,
		       updated_at = now()
		 WHERE id = $1
	`
	return r.execExpectingUser(ctx, r.db, query, userID, newHash, historyDepth)
}

func (r *UserRepository) RehashPassword(ctx context.Context, userID, newHash string) error {
	query := `
		UPDATE users SET password_hash = $2, updated_at = now()
		 WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, userID, newHash); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// RecordLoginFailure bumps the counter and applies the lock threshold in
// one UPDATE, so concurrent failures serialize on the row and exactly
// one of them crosses the threshold.
func (r *UserRepository) RecordLoginFailure(ctx context.Context, userID string, threshold int, lockFor time.Duration) (int, bool, time.Time, error) {
	query := `
		UPDATE users
		   SET failed_login_attempts = failed_login_attempts + 1,
		       locked = CASE WHEN failed_login_attempts + 1 >= $2 THEN TRUE ELSE locked END,
		       locked_until = CASE WHEN failed_login_attempts + 1 >= $2 THEN $3 ELSE locked_until END,
		       updated_at = now()
		 WHERE id = $1
		 RETURNING failed_login_attempts, locked, locked_until
	`
	var (
		attempts int
		locked   bool
		until    sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, userID, threshold, time.Now().Add(lockFor)).
		Scan(&attempts, &locked, &until)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, time.Time{}, opsauth.ErrUserNotFound
		}
		return 0, false, time.Time{}, fmt.Errorf("db error: %w", err)
	}
	return attempts, locked, until.Time, nil
}

func (r *UserRepository) ResetLoginFailures(ctx context.Context, userID string) error {
	query := `
		UPDATE users
		   SET failed_login_attempts = 0, locked = FALSE, locked_until = NULL, updated_at = now()
		 WHERE id = $1
	`
	return r.execExpectingUser(ctx, r.db, query, userID)
}

func (r *UserRepository) SetLock(ctx context.Context, userID string, until time.Time, attempts int) error {
	query := `
		UPDATE users
		   SET locked = TRUE, locked_until = $2, failed_login_attempts = $3, updated_at = now()
		 WHERE id = $1
	`
	return r.execExpectingUser(ctx, r.db, query, userID, until, attempts)
}

func (r *UserRepository) ClearLock(ctx context.Context, userID string) error {
	return r.ResetLoginFailures(ctx, userID)
}

func (r *UserRepository) SetMFAPending(ctx context.Context, userID string, secretEnc []byte, codeHashes [][]byte) error {
	return withTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		query := `
			UPDATE users
			   SET mfa_secret_enc = $2, mfa_confirmed = FALSE, updated_at = now()
			 WHERE id = $1
		`
		if err := r.execExpectingUser(ctx, tx, query, userID, secretEnc); err != nil {
			return err
		}
		return replaceBackupCodes(ctx, tx, userID, codeHashes)
	})
}

func (r *UserRepository) ConfirmMFA(ctx context.Context, userID string) error {
	query := `
		UPDATE users SET mfa_confirmed = TRUE, updated_at = now()
		 WHERE id = $1 AND mfa_secret_enc IS NOT NULL
	`
	return r.execExpectingUser(ctx, r.db, query, userID)
}

func (r *UserRepository) ClearMFA(ctx context.Context, userID string) error {
	return withTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		query := `
			UPDATE users
			   SET mfa_secret_enc = NULL, mfa_confirmed = FALSE, updated_at = now()
			 WHERE id = $1
		`
		if err := r.execExpectingUser(ctx, tx, query, userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
}

func (r *UserRepository) ReplaceBackupCodes(ctx context.Context, userID string, codeHashes [][]byte) error {
	return withTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		return replaceBackupCodes(ctx, tx, userID, codeHashes)
	})
}

func replaceBackupCodes(ctx context.Context, tx DBTX, userID string, codeHashes [][]byte) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	for _, h := range codeHashes {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO backup_codes (user_id, code_hash) VALUES ($1, $2)`, userID, h)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

// ConsumeBackupCode deletes the matching hash and counts what is left in
// one transaction. A zero-row delete means the code was wrong or already
// spent; concurrent submissions of the same code see exactly one delete.
func (r *UserRepository) ConsumeBackupCode(ctx context.Context, userID string, codeHash []byte) (bool, int, error) {
	var (
		consumed  bool
		remaining int
	)
	err := withTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM backup_codes WHERE user_id = $1 AND code_hash = $2`, userID, codeHash)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		consumed = n > 0
		if !consumed {
			return nil
		}
		err = tx.QueryRowContext(ctx,
			`SELECT count(*) FROM backup_codes WHERE user_id = $1`, userID).Scan(&remaining)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return consumed, remaining, nil
}

func (r *UserRepository) MarkEmailVerified(ctx context.Context, userID string) error {
	query := `UPDATE users SET email_verified = TRUE, updated_at = now() WHERE id = $1`
	return r.execExpectingUser(ctx, r.db, query, userID)
}

// execExpectingUser runs an UPDATE that must touch exactly one user row
// and maps a zero-row result to ErrUserNotFound.
func (r *UserRepository) execExpectingUser(ctx context.Context, db DBTX, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return opsauth.ErrUserNotFound
	}
	return nil
}
