package catalog

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Store = (*InMemory)(nil)

type InMemory struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewInMemory() *InMemory {
	return &InMemory{docs: make(map[string]Document)}
}

func (s *InMemory) Create(ctx context.Context, d *Document) error {
	if err := d.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[d.ID]; ok {
		return ErrInvalidInput
	}
	s.docs[d.ID] = *d
	return nil
}

func (s *InMemory) Get(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (s *InMemory) FindPublicDocument(ctx context.Context, id string) (*Document, error) {
	d, err := s.FindDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.IsPublic {
		return nil, ErrNotFound
	}
	return d, nil
}

func (s *InMemory) FindDocument(ctx context.Context, id string) (*Document, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Deleted {
		return nil, ErrNotFound
	}
	return d, nil
}

func (s *InMemory) ListByOwner(ctx context.Context, ownerID string) ([]*Document, error) {
	return s.list(func(d Document) bool { return d.OwnerID == ownerID }), nil
}

func (s *InMemory) ListPublic(ctx context.Context) ([]*Document, error) {
	return s.list(func(d Document) bool { return d.IsPublic }), nil
}

func (s *InMemory) SetVisibility(ctx context.Context, id string, public bool, now time.Time) error {
	return s.mutate(id, func(d *Document) {
		d.IsPublic = public
		d.UpdatedAt = now.UTC()
	})
}

func (s *InMemory) Delete(ctx context.Context, id string, now time.Time) error {
	return s.mutate(id, func(d *Document) {
		d.Deleted = true
		d.IsPublic = false
		d.UpdatedAt = now.UTC()
	})
}

func (s *InMemory) mutate(id string, fn func(*Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok || d.Deleted {
		return ErrNotFound
	}
	fn(&d)
	s.docs[id] = d
	return nil
}

func (s *InMemory) list(match func(Document) bool) []*Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*Document
	for _, d := range s.docs {
		if d.Deleted || !match(d) {
			continue
		}
		d := d
		res = append(res, &d)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res
}
