package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"docgate.org/internal/audit"
)

var _ audit.Store = (*AuditStore)(nil)

// AuditStore is append-only; seq is assigned by the database.
type AuditStore struct {
	db *DB
}

const auditColumns = `seq, id, grant_id, document_id, action, details, ip_address, user_agent,
	bytes_downloaded, created_at_ms`

func (s *AuditStore) Append(ctx context.Context, e *audit.Entry) error {
	if e.GrantID == "" || e.DocumentID == "" || e.Action == "" {
		return audit.ErrInvalidEntry
	}
	var bytes sql.NullInt64
	if e.BytesDownloaded != nil {
		bytes = sql.NullInt64{Int64: *e.BytesDownloaded, Valid: true}
	}
	var seq int64
	err := s.db.db.QueryRowContext(ctx, s.db.q(`
		insert into audit_entries (id, grant_id, document_id, action, details, ip_address, user_agent,
			bytes_downloaded, created_at_ms)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?)
		returning seq`),
		e.ID, e.GrantID, e.DocumentID, string(e.Action), e.Details, e.IPAddress, e.UserAgent,
		bytes, toMillis(e.CreatedAt),
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	e.Sequence = uint64(seq)
	return nil
}

func (s *AuditStore) ListByDocument(ctx context.Context, documentID string, limit int, afterSeq uint64) ([]audit.Entry, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	entries, err := s.list(ctx, `where document_id = ? and seq > ? order by seq asc limit ?`,
		documentID, int64(afterSeq), limit)
	if err != nil {
		return nil, 0, err
	}
	var last uint64
	if n := len(entries); n > 0 {
		last = entries[n-1].Sequence
	}
	return entries, last, nil
}

func (s *AuditStore) ListByGrant(ctx context.Context, grantID string) ([]audit.Entry, error) {
	return s.list(ctx, `where grant_id = ? order by seq asc`, grantID)
}

func (s *AuditStore) list(ctx context.Context, where string, args ...any) ([]audit.Entry, error) {
	rows, err := s.db.db.QueryContext(ctx, s.db.q(`select `+auditColumns+` from audit_entries `+where), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()
	var res []audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			seq     int64
			action  string
			bytes   sql.NullInt64
			created int64
		)
		if err := rows.Scan(&seq, &e.ID, &e.GrantID, &e.DocumentID, &action, &e.Details, &e.IPAddress,
			&e.UserAgent, &bytes, &created); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Sequence = uint64(seq)
		e.Action = audit.Action(action)
		if bytes.Valid {
			n := bytes.Int64
			e.BytesDownloaded = &n
		}
		e.CreatedAt = fromMillis(created)
		res = append(res, e)
	}
	return res, rows.Err()
}
