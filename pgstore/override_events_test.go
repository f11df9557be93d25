package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/fleetwp/opsauth"
)

func newOverrideRepoWithMock(t *testing.T) (*OverrideRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewOverrideRepository(db), mock, db
}

func TestLatestForTargetNone(t *testing.T) {
	repo, mock, db := newOverrideRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)SELECT.*FROM\s+override_events.*ORDER\s+BY\s+created_at\s+DESC\s+LIMIT\s+1`).
		WithArgs("u1").
		WillReturnError(sql.ErrNoRows)

	ev, err := repo.LatestForTarget(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected nil event, got %+v", ev)
	}
}

func TestLatestForTargetFound(t *testing.T) {
	repo, mock, db := newOverrideRepoWithMock(t)
	defer db.Close()

	created := time.Now().Add(-30 * time.Minute)
	mock.ExpectQuery(`FROM\s+override_events`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "target_user_id", "admin_user_id", "reason", "risk", "ip", "user_agent", "created_at",
		}).AddRow("ov1", "u1", "admin1", "lost device", opsauth.OverrideRiskMarker, "10.0.0.1", "curl", created))

	ev, err := repo.LatestForTarget(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.ID != "ov1" || !ev.CreatedAt.Equal(created) {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Risk != opsauth.OverrideRiskMarker {
		t.Fatalf("risk = %q", ev.Risk)
	}
}

func TestDisableMFAWithRecordOneTx(t *testing.T) {
	repo, mock, db := newOverrideRepoWithMock(t)
	defer db.Close()

	ev := &opsauth.OverrideEvent{
		ID:           "ov1",
		TargetUserID: "u1",
		AdminUserID:  "admin1",
		Reason:       "lost device",
		Risk:         opsauth.OverrideRiskMarker,
		IP:           "10.0.0.1",
		UserAgent:    "curl",
		CreatedAt:    time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)UPDATE\s+users.*mfa_secret_enc\s*=\s*NULL,\s*mfa_confirmed\s*=\s*FALSE`).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE\s+FROM\s+backup_codes`).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`INSERT\s+INTO\s+override_events`).
		WithArgs("ov1", "u1", "admin1", "lost device", opsauth.OverrideRiskMarker, "10.0.0.1", "curl", ev.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.DisableMFAWithRecord(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDisableMFAWithRecordUnknownTarget(t *testing.T) {
	repo, mock, db := newOverrideRepoWithMock(t)
	defer db.Close()

	ev := &opsauth.OverrideEvent{ID: "ov1", TargetUserID: "missing", AdminUserID: "admin1", Reason: "x"}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE\s+users`).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.DisableMFAWithRecord(context.Background(), ev)
	if !errors.Is(err, opsauth.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
