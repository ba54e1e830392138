package grant

import (
	"context"
	"sort"
	"sync"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu     sync.RWMutex
	grants map[string]*Grant
}

func NewInMemory() *InMemory {
	return &InMemory{grants: make(map[string]*Grant)}
}

func (s *InMemory) Create(ctx context.Context, g *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.Status == StatusPending {
		for _, existing := range s.grants {
			if existing.Status == StatusPending &&
				existing.DocumentID == g.DocumentID &&
				existing.RequestorEmail == g.RequestorEmail {
				return ErrDuplicatePending
			}
		}
	}
	g.Version = 1
	s.grants[g.ID] = g.Clone()
	return nil
}

func (s *InMemory) Get(ctx context.Context, id string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return g.Clone(), nil
}

func (s *InMemory) FindByAccessToken(ctx context.Context, token, email string) (*Grant, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return s.find(func(g *Grant) bool {
		return g.AccessToken == token && g.RequestorEmail == email
	})
}

func (s *InMemory) FindBySessionToken(ctx context.Context, token string) (*Grant, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return s.find(func(g *Grant) bool {
		return g.IsVerified && g.DownloadSessionToken == token
	})
}

func (s *InMemory) FindPending(ctx context.Context, documentID, email string) (*Grant, error) {
	return s.find(func(g *Grant) bool {
		return g.Status == StatusPending && g.DocumentID == documentID && g.RequestorEmail == email
	})
}

func (s *InMemory) ListByDocument(ctx context.Context, documentID string) ([]*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*Grant
	for _, g := range s.grants {
		if g.DocumentID == documentID {
			res = append(res, g.Clone())
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].RequestedAt.Equal(res[j].RequestedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].RequestedAt.Before(res[j].RequestedAt)
	})
	return res, nil
}

func (s *InMemory) Update(ctx context.Context, g *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.grants[g.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != g.Version {
		return ErrStale
	}
	g.Version++
	s.grants[g.ID] = g.Clone()
	return nil
}

func (s *InMemory) find(match func(*Grant) bool) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.grants {
		if match(g) {
			return g.Clone(), nil
		}
	}
	return nil, ErrNotFound
}
