package prompt

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	contracts []*Contract
}

// NewMemoryStore validates and stores the given contracts.
func NewMemoryStore(contracts ...*Contract) (*MemoryStore, error) {
	s := &MemoryStore{}
	for _, c := range contracts {
		if err := s.Put(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put adds or replaces a contract version.
func (s *MemoryStore) Put(c *Contract) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.contracts {
		if existing.Name == c.Name && existing.version.Equal(c.version) {
			s.contracts[i] = c
			return nil
		}
	}
	s.contracts = append(s.contracts, c)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, ref string) (*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return resolve(ref, s.contracts)
}
