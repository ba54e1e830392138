package grant

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("grant: not found")
	// ErrDuplicatePending means a PENDING grant already exists for the document and email.
	ErrDuplicatePending = errors.New("grant: pending request already exists")
	// ErrStale is returned by Update when the stored version moved on since the read.
	ErrStale = errors.New("grant: stale version")
)

// Store persists grants. Update is a compare-and-swap on Version: it succeeds
// only when the stored version equals g.Version, and bumps g.Version on success.
type Store interface {
	Create(ctx context.Context, g *Grant) error
	Get(ctx context.Context, id string) (*Grant, error)
	FindByAccessToken(ctx context.Context, token, email string) (*Grant, error)
	FindBySessionToken(ctx context.Context, token string) (*Grant, error)
	FindPending(ctx context.Context, documentID, email string) (*Grant, error)
	ListByDocument(ctx context.Context, documentID string) ([]*Grant, error)
	Update(ctx context.Context, g *Grant) error
}
