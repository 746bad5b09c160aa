package claims

import (
	"context"
	"errors"
)

// ErrNotFound is returned for unknown claim identifiers.
var ErrNotFound = errors.New("claim not found")

// StatusStore persists claims and their processing state. Mutations on one
// claim key are applied atomically with respect to each other; readers get
// snapshot copies and never observe a partially-written stage record. No
// cross-claim coordination is required.
type StatusStore interface {
	Create(ctx context.Context, claim *Claim, state *ClaimState) error
	GetClaim(ctx context.Context, id string) (*Claim, error)
	GetState(ctx context.Context, id string) (*ClaimState, error)
	UpdateState(ctx context.Context, id string, mutate func(*ClaimState) error) error
	List(ctx context.Context, limit, offset int) ([]*ClaimSummary, int, error)
}
