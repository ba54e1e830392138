package audit

import (
	"context"
	"sync"
)

var _ Store = (*InMemory)(nil)

// InMemory keeps entries in insertion order.
type InMemory struct {
	mu      sync.RWMutex
	seq     uint64
	entries []Entry
}

func NewInMemory() *InMemory {
	return &InMemory{}
}

func (s *InMemory) Append(ctx context.Context, e *Entry) error {
	if e.GrantID == "" || e.DocumentID == "" || e.Action == "" {
		return ErrInvalidEntry
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e.Sequence = s.seq
	s.entries = append(s.entries, *e)
	return nil
}

func (s *InMemory) ListByDocument(ctx context.Context, documentID string, limit int, afterSeq uint64) ([]Entry, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Entry
	var last uint64
	for _, e := range s.entries {
		if e.Sequence <= afterSeq || e.DocumentID != documentID {
			continue
		}
		res = append(res, e)
		last = e.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

func (s *InMemory) ListByGrant(ctx context.Context, grantID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Entry
	for _, e := range s.entries {
		if e.GrantID == grantID {
			res = append(res, e)
		}
	}
	return res, nil
}
