package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"docgate.org/internal/migrate"
)

// Dialect selects SQL placeholder style and schema files.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrations returns the embedded migration directory for d.
func Migrations(d Dialect) (fs.FS, error) {
	switch d {
	case Postgres, SQLite:
		return fs.Sub(migrationsFS, "migrations/"+string(d))
	}
	return nil, fmt.Errorf("sqlstore: unknown dialect %q", d)
}

// DB wraps a connection pool with the dialect its queries are written for.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an existing pool. Tests pass sqlmock connections here.
func New(db *sql.DB, dialect Dialect) *DB {
	return &DB{db: db, dialect: dialect}
}

// Open connects to postgres (pgx) or sqlite (modernc) and pings the database.
// For sqlite, dsn is a file path or a full "file:" URI.
func Open(ctx context.Context, dialect Dialect, dsn string) (*DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case Postgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		// Tuned pool defaults; adjust under load tests
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(15 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	case SQLite:
		if !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("mkdir db dir: %w", err)
			}
			dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", dsn)
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// single writer connection
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	default:
		return nil, fmt.Errorf("sqlstore: unknown dialect %q", dialect)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return &DB{db: db, dialect: dialect}, nil
}

func (d *DB) Close() error { return d.db.Close() }

func (d *DB) SQL() *sql.DB { return d.db }

func (d *DB) Dialect() Dialect { return d.dialect }

// Ping backs the readiness probe.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// MigrationManager returns a manager over the embedded schema for this dialect.
func (d *DB) MigrationManager(opts ...migrate.Option) (*migrate.Manager, error) {
	dir, err := Migrations(d.dialect)
	if err != nil {
		return nil, err
	}
	if d.dialect == Postgres {
		opts = append(opts, migrate.WithDollarPlaceholders())
	}
	return migrate.NewManager(d.db, dir, opts...), nil
}

// Migrate applies pending embedded migrations.
func (d *DB) Migrate(ctx context.Context) ([]string, error) {
	m, err := d.MigrationManager()
	if err != nil {
		return nil, err
	}
	return m.Up(ctx)
}

func (d *DB) Grants() *GrantStore { return &GrantStore{db: d} }

func (d *DB) Documents() *DocumentStore { return &DocumentStore{db: d} }

func (d *DB) Audit() *AuditStore { return &AuditStore{db: d} }

// q adapts a query written with ? placeholders to the dialect.
func (d *DB) q(query string) string {
	if d.dialect == Postgres {
		return migrate.Rebind(query)
	}
	return query
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}
