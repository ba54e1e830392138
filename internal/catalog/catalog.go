package catalog

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("catalog: document not found")
	ErrInvalidInput = errors.New("catalog: invalid document")
)

// Document is an uploaded file and the metadata shown to requestors.
type Document struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	OwnerEmail  string    `json:"owner_email,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"`
	StoragePath string    `json:"-"`
	IsPublic    bool      `json:"is_public"`
	Deleted     bool      `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the fields every store requires.
func (d *Document) Validate() error {
	if d.ID == "" || d.OwnerID == "" || d.Name == "" || d.StoragePath == "" {
		return ErrInvalidInput
	}
	return nil
}

// Store persists documents. Deleted documents are kept but hidden from every
// lookup except Get.
type Store interface {
	Create(ctx context.Context, d *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	// FindPublicDocument returns a document that is public and not deleted.
	FindPublicDocument(ctx context.Context, id string) (*Document, error)
	// FindDocument returns a document that is not deleted, public or not.
	FindDocument(ctx context.Context, id string) (*Document, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Document, error)
	ListPublic(ctx context.Context) ([]*Document, error)
	SetVisibility(ctx context.Context, id string, public bool, now time.Time) error
	Delete(ctx context.Context, id string, now time.Time) error
}
