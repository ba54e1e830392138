package sqlstore

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"docgate.org/internal/audit"
	"docgate.org/internal/grant"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return New(conn, Postgres), mock
}

func TestPostgresCreateMapsUniqueViolation(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(`insert into grants .* values \(\$1, \$2, .*\$22\)`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "grants_one_pending_idx"})

	err := db.Grants().Create(context.Background(), pendingGrant("g1", "d1", "a@x.com"))
	if !errors.Is(err, grant.ErrDuplicatePending) {
		t.Fatalf("expected ErrDuplicatePending, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresCreatePassesOtherErrors(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(`insert into grants`).WillReturnError(&pgconn.PgError{Code: "23503"})
	err := db.Grants().Create(context.Background(), pendingGrant("g1", "d1", "a@x.com"))
	if err == nil || errors.Is(err, grant.ErrDuplicatePending) {
		t.Fatalf("foreign key violation must not look like a duplicate: %v", err)
	}
}

func TestPostgresUpdateStaleVersion(t *testing.T) {
	db, mock := newMockDB(t)
	g := pendingGrant("g1", "d1", "a@x.com")
	g.Version = 3

	mock.ExpectExec(`update grants set .* where id = \$14 and version = \$15`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), "g1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select 1 from grants where id = \$1`).WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	if err := db.Grants().Update(context.Background(), g); !errors.Is(err, grant.ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	if g.Version != 3 {
		t.Fatalf("stale update must not bump version, got %d", g.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresUpdateBumpsVersion(t *testing.T) {
	db, mock := newMockDB(t)
	g := pendingGrant("g1", "d1", "a@x.com")
	g.Version = 1
	mock.ExpectExec(`update grants set`).WillReturnResult(sqlmock.NewResult(0, 1))
	if err := db.Grants().Update(context.Background(), g); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if g.Version != 2 {
		t.Fatalf("version = %d, want 2", g.Version)
	}
}

func TestPostgresAuditAppendReturnsSequence(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`insert into audit_entries .* returning seq`).
		WithArgs("e1", "g1", "d1", "OTP_REQUESTED", "", "", "", nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(41)))

	e := &audit.Entry{ID: "e1", GrantID: "g1", DocumentID: "d1", Action: audit.ActionOTPRequested}
	if err := db.Audit().Append(context.Background(), e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.Sequence != 41 {
		t.Fatalf("sequence = %d", e.Sequence)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresFindPendingNoRows(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`from grants where document_id = \$1 and requestor_email = \$2 and status = \$3`).
		WithArgs("d1", "a@x.com", "PENDING").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	if _, err := db.Grants().FindPending(context.Background(), "d1", "a@x.com"); !errors.Is(err, grant.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	for _, d := range []Dialect{Postgres, SQLite} {
		dir, err := Migrations(d)
		if err != nil {
			t.Fatalf("%s: %v", d, err)
		}
		for _, name := range []string{"0001_init.up.sql", "0001_init.down.sql"} {
			if _, err := dir.Open(name); err != nil {
				t.Fatalf("%s: missing %s: %v", d, name, err)
			}
		}
	}
	if _, err := Migrations("oracle"); err == nil {
		t.Fatal("expected error for unknown dialect")
	}
}
