package claims

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryStore is a thread-safe StatusStore backed by maps. It is the
// default store; a durable implementation can be swapped in via config.
type InMemoryStore struct {
	mu     sync.RWMutex
	claims map[string]*Claim
	states map[string]*ClaimState
	// insertion order for deterministic pagination
	order []string
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		claims: make(map[string]*Claim),
		states: make(map[string]*ClaimState),
	}
}

func (s *InMemoryStore) Create(_ context.Context, claim *Claim, state *ClaimState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claims[claim.ID]; ok {
		return fmt.Errorf("claim %s already exists", claim.ID)
	}
	c := *claim
	s.claims[claim.ID] = &c
	s.states[claim.ID] = state.Clone()
	s.order = append(s.order, claim.ID)
	return nil
}

func (s *InMemoryStore) GetClaim(_ context.Context, id string) (*Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.claims[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) GetState(_ context.Context, id string) (*ClaimState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

// UpdateState applies mutate under the store lock, so concurrent mutations on
// the same key serialize and readers only ever see fully-applied updates.
func (s *InMemoryStore) UpdateState(_ context.Context, id string, mutate func(*ClaimState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return ErrNotFound
	}
	if err := mutate(st); err != nil {
		return err
	}
	st.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) List(_ context.Context, limit, offset int) ([]*ClaimSummary, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.order)
	if offset >= total {
		return []*ClaimSummary{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	out := make([]*ClaimSummary, 0, end-offset)
	for _, id := range s.order[offset:end] {
		c := s.claims[id]
		st := s.states[id]
		out = append(out, &ClaimSummary{
			ID:         c.ID,
			FacilityID: c.FacilityID,
			ClaimType:  c.ClaimType,
			IsComplete: st.IsComplete,
			IsSuccess:  st.IsSuccess,
			Percent:    st.Percent,
			CreatedAt:  c.CreatedAt,
		})
	}
	return out, total, nil
}
