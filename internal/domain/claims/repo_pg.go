package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is a Postgres-backed StatusStore. The claim row is written once at
// intake; the mutable processing state is stored as a JSONB document and
// updated under a row lock, so concurrent mutations on one claim serialize
// exactly like the in-memory store's mutex.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

const claimCols = `id, facility_id, patient_id, member_id, national_id, claim_type,
	submitter_email, unit_price, quantity, encounter_date, document_ref, created_at`

func (r *PGStore) Create(ctx context.Context, claim *Claim, state *ClaimState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal claim state: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO claims (`+claimCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		claim.ID, claim.FacilityID, claim.PatientID, claim.MemberID, claim.NationalID,
		claim.ClaimType, claim.SubmitterEmail, claim.UnitPrice, claim.Quantity,
		claim.EncounterDate, claim.DocumentRef, claim.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO claim_states (claim_id, state, updated_at)
		VALUES ($1, $2, $3)`,
		claim.ID, stateJSON, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert claim state: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *PGStore) GetClaim(ctx context.Context, id string) (*Claim, error) {
	var c Claim
	err := r.pool.QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE id = $1`, id).Scan(
		&c.ID, &c.FacilityID, &c.PatientID, &c.MemberID, &c.NationalID, &c.ClaimType,
		&c.SubmitterEmail, &c.UnitPrice, &c.Quantity, &c.EncounterDate, &c.DocumentRef, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select claim: %w", err)
	}
	return &c, nil
}

func (r *PGStore) GetState(ctx context.Context, id string) (*ClaimState, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT state FROM claim_states WHERE claim_id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select claim state: %w", err)
	}
	state := &ClaimState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("unmarshal claim state: %w", err)
	}
	return state, nil
}

// UpdateState reads the state under FOR UPDATE, applies mutate, and writes it
// back in the same transaction.
func (r *PGStore) UpdateState(ctx context.Context, id string, mutate func(*ClaimState) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT state FROM claim_states WHERE claim_id = $1 FOR UPDATE`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock claim state: %w", err)
	}

	state := &ClaimState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return fmt.Errorf("unmarshal claim state: %w", err)
	}
	if err := mutate(state); err != nil {
		return err
	}
	state.UpdatedAt = time.Now().UTC()

	updated, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal claim state: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE claim_states SET state = $2, updated_at = $3 WHERE claim_id = $1`,
		id, updated, state.UpdatedAt); err != nil {
		return fmt.Errorf("update claim state: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *PGStore) List(ctx context.Context, limit, offset int) ([]*ClaimSummary, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM claims`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count claims: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.facility_id, c.claim_type, c.created_at,
			COALESCE((s.state->>'is_complete')::bool, false),
			COALESCE((s.state->>'is_success')::bool, false),
			COALESCE((s.state->>'percent')::int, 0)
		FROM claims c
		JOIN claim_states s ON s.claim_id = c.id
		ORDER BY c.created_at, c.id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	out := make([]*ClaimSummary, 0, limit)
	for rows.Next() {
		var s ClaimSummary
		if err := rows.Scan(&s.ID, &s.FacilityID, &s.ClaimType, &s.CreatedAt,
			&s.IsComplete, &s.IsSuccess, &s.Percent); err != nil {
			return nil, 0, fmt.Errorf("scan claim summary: %w", err)
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate claims: %w", err)
	}
	return out, total, nil
}
