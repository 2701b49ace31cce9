package approval

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps approvals in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	approvals map[string]Approval
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{approvals: make(map[string]Approval)}
}

func (s *MemoryStore) SaveApproval(_ context.Context, a Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[a.Token] = a
	return nil
}

func (s *MemoryStore) ConsumeApproval(_ context.Context, token string, consumedAt time.Time, check func(Approval) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[token]
	if !ok {
		return ErrNotFound
	}
	if err := check(a); err != nil {
		return err
	}
	if a.ConsumedAt != nil {
		return ErrAlreadyConsumed
	}
	t := consumedAt
	a.ConsumedAt = &t
	s.approvals[token] = a
	return nil
}
