package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"docgate.org/internal/catalog"
)

var _ catalog.Store = (*DocumentStore)(nil)

type DocumentStore struct {
	db *DB
}

const documentColumns = `id, owner_id, owner_email, name, description, content_type, size,
	checksum, storage_path, is_public, deleted, created_at_ms, updated_at_ms`

func (s *DocumentStore) Create(ctx context.Context, d *catalog.Document) error {
	if err := d.Validate(); err != nil {
		return err
	}
	_, err := s.db.db.ExecContext(ctx, s.db.q(`
		insert into documents (`+documentColumns+`)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.OwnerID, d.OwnerEmail, d.Name, d.Description, d.ContentType, d.Size,
		d.Checksum, d.StoragePath, d.IsPublic, d.Deleted, toMillis(d.CreatedAt), toMillis(d.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return catalog.ErrInvalidInput
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *DocumentStore) Get(ctx context.Context, id string) (*catalog.Document, error) {
	return s.one(ctx, `where id = ?`, id)
}

func (s *DocumentStore) FindPublicDocument(ctx context.Context, id string) (*catalog.Document, error) {
	return s.one(ctx, `where id = ? and is_public and not deleted`, id)
}

func (s *DocumentStore) FindDocument(ctx context.Context, id string) (*catalog.Document, error) {
	return s.one(ctx, `where id = ? and not deleted`, id)
}

func (s *DocumentStore) ListByOwner(ctx context.Context, ownerID string) ([]*catalog.Document, error) {
	return s.list(ctx, `where owner_id = ? and not deleted`, ownerID)
}

func (s *DocumentStore) ListPublic(ctx context.Context) ([]*catalog.Document, error) {
	return s.list(ctx, `where is_public and not deleted`)
}

func (s *DocumentStore) SetVisibility(ctx context.Context, id string, public bool, now time.Time) error {
	return s.exec(ctx, `update documents set is_public = ?, updated_at_ms = ? where id = ? and not deleted`,
		public, toMillis(now), id)
}

// Delete soft-deletes and hides the document.
func (s *DocumentStore) Delete(ctx context.Context, id string, now time.Time) error {
	return s.exec(ctx, `update documents set deleted = ?, is_public = ?, updated_at_ms = ? where id = ? and not deleted`,
		true, false, toMillis(now), id)
}

func (s *DocumentStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.db.ExecContext(ctx, s.db.q(query), args...)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if n == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (s *DocumentStore) one(ctx context.Context, where string, args ...any) (*catalog.Document, error) {
	row := s.db.db.QueryRowContext(ctx, s.db.q(`select `+documentColumns+` from documents `+where), args...)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	return d, err
}

func (s *DocumentStore) list(ctx context.Context, where string, args ...any) ([]*catalog.Document, error) {
	rows, err := s.db.db.QueryContext(ctx, s.db.q(`select `+documentColumns+` from documents `+where+
		` order by created_at_ms asc, id asc`), args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	var res []*catalog.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func scanDocument(row rowScanner) (*catalog.Document, error) {
	var (
		d                catalog.Document
		created, updated int64
	)
	err := row.Scan(&d.ID, &d.OwnerID, &d.OwnerEmail, &d.Name, &d.Description, &d.ContentType, &d.Size,
		&d.Checksum, &d.StoragePath, &d.IsPublic, &d.Deleted, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)
	return &d, nil
}
