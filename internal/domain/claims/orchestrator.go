package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claims-bridge/claims/internal/platform/resilience"
)

var (
	// ErrInvalidState is returned by Retry whenever the claim cannot be
	// retried: still running, already succeeded, or failed in a way that
	// cannot be re-driven.
	ErrInvalidState = errors.New("retry is not allowed in the claim's current state")

	// ErrRetryNotAllowed narrows ErrInvalidState for auth/validation
	// failures, which need a corrected resubmission instead of a retry.
	// errors.Is(err, ErrInvalidState) holds for both.
	ErrRetryNotAllowed = fmt.Errorf("%w: the failure requires a corrected resubmission", ErrInvalidState)
)

type ctxKey string

const claimIDKey ctxKey = "claim_id"

// WithClaimID tags a context with the claim being processed.
func WithClaimID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, claimIDKey, id)
}

// ClaimIDFromContext recovers the claim id set by WithClaimID.
func ClaimIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(claimIDKey).(string)
	return id, ok
}

// DefaultStageSLAs are the advisory expected durations per stage. A stage
// exceeding its SLA is flagged in status output but never cancelled.
var DefaultStageSLAs = map[Stage]time.Duration{
	StageValidation:         30 * time.Second,
	StageNormalization:      45 * time.Second,
	StageFinancialRules:     30 * time.Second,
	StageSigning:            30 * time.Second,
	StagePlatformSubmission: 60 * time.Second,
}

// Observer receives pipeline lifecycle events, e.g. for metrics.
type Observer interface {
	ClaimSubmitted()
	StageCompleted(stage string)
	StageFailed(stage, code string)
	RetryAccepted()
}

type nopObserver struct{}

func (nopObserver) ClaimSubmitted()         {}
func (nopObserver) StageCompleted(string)   {}
func (nopObserver) StageFailed(_, _ string) {}
func (nopObserver) RetryAccepted()          {}

// Options tunes an Orchestrator.
type Options struct {
	Logger    zerolog.Logger
	StageSLAs map[Stage]time.Duration
	Observer  Observer
}

// Orchestrator drives claims through the fixed stage sequence. Each submitted
// claim runs on its own goroutine; within one claim stages execute strictly
// sequentially, so a claim's stage records have a single writer.
type Orchestrator struct {
	store     StatusStore
	executors map[Stage]StageExecutor
	sla       map[Stage]time.Duration
	logger    zerolog.Logger
	obs       Observer
	now       func() time.Time

	// secrets holds the credential presented at intake, keyed by claim id.
	// Credentials are deliberately kept out of the status store.
	secretsMu sync.Mutex
	secrets   map[string]string

	wg sync.WaitGroup
}

// NewOrchestrator wires the validator and the remote executors into a ready
// pipeline.
func NewOrchestrator(store StatusStore, validator *Validator, remote []StageExecutor, opts Options) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		executors: make(map[Stage]StageExecutor, len(remote)+1),
		sla:       opts.StageSLAs,
		logger:    opts.Logger,
		now:       time.Now,
		secrets:   make(map[string]string),
	}
	if o.sla == nil {
		o.sla = DefaultStageSLAs
	}
	o.obs = opts.Observer
	if o.obs == nil {
		o.obs = nopObserver{}
	}

	o.executors[StageValidation] = NewValidationExecutor(validator, o.secretFor)
	for _, ex := range remote {
		o.executors[ex.Stage()] = ex
	}
	return o
}

func (o *Orchestrator) secretFor(claimID string) string {
	o.secretsMu.Lock()
	defer o.secretsMu.Unlock()
	return o.secrets[claimID]
}

func (o *Orchestrator) setSecret(claimID, secret string) {
	o.secretsMu.Lock()
	defer o.secretsMu.Unlock()
	o.secrets[claimID] = secret
}

// NewClaimID derives an opaque, unique claim identifier from the submission
// time and facility.
func NewClaimID(facilityID string, now time.Time) string {
	fac := strings.ToUpper(facilityID)
	if len(fac) > 8 {
		fac = fac[:8]
	}
	if fac == "" {
		fac = "UNKNOWN"
	}
	return fmt.Sprintf("CLM-%s-%s-%s", now.UTC().Format("20060102150405"), fac, uuid.NewString()[:8])
}

// SubmitInput is the intake payload for a new claim.
type SubmitInput struct {
	FacilityID     string
	PatientID      string
	MemberID       string
	NationalID     string
	ClaimType      string
	SubmitterEmail string
	UnitPrice      float64
	Quantity       int
	EncounterDate  time.Time
	DocumentRef    *string
	Secret         string
}

// Submit creates the claim and its empty state, schedules pipeline execution,
// and returns the claim id without waiting for any stage to run.
func (o *Orchestrator) Submit(ctx context.Context, in SubmitInput) (string, error) {
	now := o.now().UTC()
	claim := &Claim{
		ID:             NewClaimID(in.FacilityID, now),
		FacilityID:     in.FacilityID,
		PatientID:      in.PatientID,
		MemberID:       in.MemberID,
		NationalID:     in.NationalID,
		ClaimType:      in.ClaimType,
		SubmitterEmail: in.SubmitterEmail,
		UnitPrice:      in.UnitPrice,
		Quantity:       in.Quantity,
		EncounterDate:  in.EncounterDate,
		DocumentRef:    in.DocumentRef,
		CreatedAt:      now,
	}
	state := NewClaimState(claim.ID, now)
	state.AppendTimeline(now, "intake", "claim accepted for processing", "")

	if err := o.store.Create(ctx, claim, state); err != nil {
		return "", err
	}
	o.setSecret(claim.ID, in.Secret)

	o.obs.ClaimSubmitted()
	o.logger.Info().Str("claim_id", claim.ID).Str("facility_id", claim.FacilityID).Msg("claim submitted")
	o.start(claim.ID)
	return claim.ID, nil
}

func (o *Orchestrator) start(claimID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(WithClaimID(context.Background(), claimID), claimID)
	}()
}

// Wait blocks until every in-flight claim pipeline has stopped. Used by
// shutdown and tests.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) run(ctx context.Context, claimID string) {
	for {
		proceed, err := o.Advance(ctx, claimID)
		if err != nil {
			o.logger.Error().Str("claim_id", claimID).Err(err).Msg("pipeline halted")
			return
		}
		if !proceed {
			return
		}
	}
}

// Advance executes the next pending stage of the claim. It returns true when
// another stage remains runnable afterwards.
func (o *Orchestrator) Advance(ctx context.Context, claimID string) (bool, error) {
	var stage Stage
	var ok bool
	err := o.store.UpdateState(ctx, claimID, func(st *ClaimState) error {
		stage, ok = st.NextStage()
		if !ok {
			return nil
		}
		now := o.now().UTC()
		rec, exists := st.Stages[stage]
		if !exists {
			rec = &StageRecord{}
			st.Stages[stage] = rec
		}
		rec.Status = StatusInProgress
		rec.UpdatedAt = now
		started := now
		rec.StartedAt = &started
		st.AppendTimeline(now, string(stage), fmt.Sprintf("%s started", stage), StatusInProgress)
		return nil
	})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	claim, err := o.store.GetClaim(ctx, claimID)
	if err != nil {
		return false, err
	}
	state, err := o.store.GetState(ctx, claimID)
	if err != nil {
		return false, err
	}
	outputs := make(StageOutputs)
	for st, rec := range state.Stages {
		if rec.Status == StatusCompleted && rec.Result != nil {
			outputs[st] = rec.Result
		}
	}

	exec, found := o.executors[stage]
	if !found {
		return false, fmt.Errorf("no executor registered for stage %s", stage)
	}

	result, execErr := exec.Execute(ctx, claim, outputs)
	if execErr != nil {
		o.failStage(ctx, claimID, stage, execErr)
		return false, nil
	}
	return o.completeStage(ctx, claimID, stage, result)
}

func (o *Orchestrator) completeStage(ctx context.Context, claimID string, stage Stage, result []byte) (bool, error) {
	final := stage == PipelineStages[len(PipelineStages)-1]
	err := o.store.UpdateState(ctx, claimID, func(st *ClaimState) error {
		now := o.now().UTC()
		rec := st.Stages[stage]
		rec.Status = StatusCompleted
		rec.UpdatedAt = now
		rec.Result = result
		st.AppendTimeline(now, string(stage), fmt.Sprintf("%s completed", stage), StatusCompleted)
		if final {
			st.IsComplete = true
			st.IsSuccess = true
			st.AppendTimeline(now, "orchestrator", "claim processed successfully", "")
		}
		st.Recompute()
		return nil
	})
	if err != nil {
		return false, err
	}
	o.obs.StageCompleted(string(stage))
	o.logger.Info().Str("claim_id", claimID).Str("stage", string(stage)).Msg("stage completed")
	if final {
		o.clearSecret(claimID)
		return false, nil
	}
	return true, nil
}

func (o *Orchestrator) failStage(ctx context.Context, claimID string, stage Stage, execErr error) {
	stageErr := classify(stage, execErr)
	err := o.store.UpdateState(ctx, claimID, func(st *ClaimState) error {
		now := o.now().UTC()
		rec := st.Stages[stage]
		rec.Status = StatusFailed
		rec.UpdatedAt = now
		rec.Message = stageErr.Message
		st.Errors = append(st.Errors, stageErr)
		st.IsComplete = true
		st.IsSuccess = false
		st.AppendTimeline(now, string(stage), fmt.Sprintf("%s failed: %s", stage, stageErr.Message), StatusFailed)
		st.Recompute()
		return nil
	})
	if err != nil {
		o.logger.Error().Str("claim_id", claimID).Err(err).Msg("failed to record stage failure")
		return
	}
	o.obs.StageFailed(string(stage), stageErr.Code)
	o.logger.Warn().
		Str("claim_id", claimID).
		Str("stage", string(stage)).
		Str("code", stageErr.Code).
		Bool("retryable", stageErr.Retryable).
		Msg("stage failed")
	// A retry never re-runs validation, so the intake credential is no
	// longer needed once the pipeline halts.
	o.clearSecret(claimID)
}

// classify maps an executor error onto the claim's error taxonomy.
func classify(stage Stage, err error) StageError {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return StageError{Stage: stage, Code: authErr.Code, Message: authErr.Message, Retryable: false}
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return StageError{Stage: stage, Code: CodeValidationFailed, Message: valErr.Error(), Retryable: false, Fields: valErr.Fields}
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return StageError{Stage: stage, Code: CodeCircuitOpen, Message: fmt.Sprintf("%s service is unavailable (circuit open)", stage), Retryable: true}
	}
	var exhausted *resilience.RetriesExhaustedError
	if errors.As(err, &exhausted) {
		return StageError{Stage: stage, Code: CodeRetriesExhausted, Message: exhausted.Error(), Retryable: true}
	}
	var structural *StructuralError
	if errors.As(err, &structural) {
		return StageError{Stage: stage, Code: CodeBadResponse, Message: structural.Message, Retryable: true}
	}
	var status *resilience.StatusError
	if errors.As(err, &status) && status.Code >= 400 && status.Code < 500 {
		return StageError{Stage: stage, Code: CodeDownstreamClient, Message: status.Error(), Retryable: true}
	}
	return StageError{Stage: stage, Code: CodeInternal, Message: err.Error(), Retryable: true}
}

// RecordAttempt routes a resilient-caller attempt event onto the claim's
// timeline and attempt counter. Wire it to the caller's OnAttempt hook.
func (o *Orchestrator) RecordAttempt(ctx context.Context, ev resilience.AttemptEvent) {
	claimID, ok := ClaimIDFromContext(ctx)
	if !ok {
		return
	}
	stage := Stage(ev.Service)
	_ = o.store.UpdateState(ctx, claimID, func(st *ClaimState) error {
		rec, exists := st.Stages[stage]
		if !exists {
			return nil
		}
		rec.Attempts++
		if ev.Err != nil {
			st.AppendTimeline(o.now().UTC(), string(stage),
				fmt.Sprintf("%s attempt %d failed: %v", stage, ev.Attempt, ev.Err), StatusInProgress)
		}
		return nil
	})
}

// GetStatus returns a poller-facing snapshot of the claim's state, including
// advisory SLA flags computed from the in-progress stage's start time.
func (o *Orchestrator) GetStatus(ctx context.Context, claimID string) (*StatusSnapshot, error) {
	state, err := o.store.GetState(ctx, claimID)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	views := make([]StageView, 0, len(PipelineStages))
	for _, stage := range PipelineStages {
		view := StageView{Stage: stage, Status: StatusPending}
		if rec, ok := state.Stages[stage]; ok {
			view.Status = rec.Status
			view.UpdatedAt = rec.UpdatedAt
			view.Message = rec.Message
			view.Attempts = rec.Attempts
			if rec.Status == StatusInProgress && rec.StartedAt != nil {
				if sla, ok := o.sla[stage]; ok && now.Sub(*rec.StartedAt) > sla {
					view.SLAExceeded = true
				}
			}
		}
		views = append(views, view)
	}

	return &StatusSnapshot{
		ClaimID:     state.ClaimID,
		Stages:      views,
		IsComplete:  state.IsComplete,
		IsSuccess:   state.IsSuccess,
		Percent:     state.Percent,
		FailureKind: state.FailureKind(),
		Errors:      state.Errors,
		Timeline:    state.Timeline,
	}, nil
}

// Retry re-enters a terminally failed claim at its failed stage. Completed
// stages are never re-run, so signed or submitted work is not duplicated.
func (o *Orchestrator) Retry(ctx context.Context, claimID string) error {
	err := o.store.UpdateState(ctx, claimID, func(st *ClaimState) error {
		if !st.IsComplete || st.IsSuccess {
			return ErrInvalidState
		}
		if st.FailureKind() == "manual" {
			return ErrRetryNotAllowed
		}
		stage, ok := st.FailedStage()
		if !ok {
			return ErrInvalidState
		}
		now := o.now().UTC()
		rec := st.Stages[stage]
		rec.Status = StatusPending
		rec.UpdatedAt = now
		rec.Message = ""
		rec.Result = nil
		rec.Attempts = 0
		rec.StartedAt = nil
		st.IsComplete = false
		st.IsSuccess = false
		st.AppendTimeline(now, "orchestrator", fmt.Sprintf("manual retry accepted; resuming at %s", stage), StatusPending)
		return nil
	})
	if err != nil {
		return err
	}

	o.obs.RetryAccepted()
	o.logger.Info().Str("claim_id", claimID).Msg("claim retry accepted")
	o.start(claimID)
	return nil
}

func (o *Orchestrator) clearSecret(claimID string) {
	o.secretsMu.Lock()
	defer o.secretsMu.Unlock()
	delete(o.secrets, claimID)
}

// ListClaims returns paginated claim summaries for dashboard use.
func (o *Orchestrator) ListClaims(ctx context.Context, limit, offset int) ([]*ClaimSummary, int, error) {
	return o.store.List(ctx, limit, offset)
}
