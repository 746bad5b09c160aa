package claims

import (
	"encoding/json"
	"time"
)

// Stage is one named step of the fixed claim-processing pipeline.
type Stage string

const (
	StageValidation         Stage = "validation"
	StageNormalization      Stage = "normalization"
	StageFinancialRules     Stage = "financial_rules"
	StageSigning            Stage = "signing"
	StagePlatformSubmission Stage = "platform_submission"
)

// PipelineStages is the fixed execution order. Stages never run out of this
// order and at most one stage per claim is in progress at a time.
var PipelineStages = []Stage{
	StageValidation,
	StageNormalization,
	StageFinancialRules,
	StageSigning,
	StagePlatformSubmission,
}

// StageStatus is the lifecycle of one stage record. Transitions are strictly
// pending -> in_progress -> completed|failed.
type StageStatus string

const (
	StatusPending    StageStatus = "pending"
	StatusInProgress StageStatus = "in_progress"
	StatusCompleted  StageStatus = "completed"
	StatusFailed     StageStatus = "failed"
)

// Error codes recorded on failed stages. Auth and validation codes mark the
// claim as requiring a corrected resubmission rather than a retry.
const (
	CodeInvalidSecret    = "auth_invalid_secret"
	CodeFacilityDenied   = "auth_facility_denied"
	CodeValidationFailed = "validation_failed"
	CodeDownstreamClient = "downstream_rejected"
	CodeRetriesExhausted = "retries_exhausted"
	CodeCircuitOpen      = "circuit_open"
	CodeBadResponse      = "invalid_downstream_response"
	CodeInternal         = "internal_error"
)

// Claim is one insurance submission. It is immutable after intake; only its
// associated ClaimState changes as the pipeline runs.
type Claim struct {
	ID             string    `json:"id"`
	FacilityID     string    `json:"facility_id"`
	PatientID      string    `json:"patient_id"`
	MemberID       string    `json:"member_id,omitempty"`
	NationalID     string    `json:"national_id"`
	ClaimType      string    `json:"claim_type"`
	SubmitterEmail string    `json:"submitter_email"`
	UnitPrice      float64   `json:"unit_price"`
	Quantity       int       `json:"quantity"`
	EncounterDate  time.Time `json:"encounter_date"`
	DocumentRef    *string   `json:"document_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// FieldError describes one invalid submitted field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// StageError is one entry of a claim's aggregate error list.
type StageError struct {
	Stage     Stage        `json:"stage"`
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Retryable bool         `json:"retryable"`
	Fields    []FieldError `json:"fields,omitempty"`
}

// StageRecord tracks one stage of one claim. Records are created when the
// orchestrator first attempts the stage and are only ever mutated by the
// goroutine processing that claim.
type StageRecord struct {
	Status    StageStatus     `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	Message   string          `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Attempts  int             `json:"attempts,omitempty"`
}

// TimelineEvent is one immutable entry of a claim's append-only audit log.
type TimelineEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Status    string    `json:"status,omitempty"`
}

// ClaimState is the mutable processing record for one claim, owned by the
// orchestrator and read-shared with polling clients through snapshots.
type ClaimState struct {
	ClaimID    string                 `json:"claim_id"`
	Stages     map[Stage]*StageRecord `json:"stages"`
	IsComplete bool                   `json:"is_complete"`
	IsSuccess  bool                   `json:"is_success"`
	Errors     []StageError           `json:"errors,omitempty"`
	Timeline   []TimelineEvent        `json:"timeline"`
	Percent    int                    `json:"percent"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// NewClaimState returns the empty state created at intake. Stage records are
// added only as stages are reached.
func NewClaimState(claimID string, now time.Time) *ClaimState {
	return &ClaimState{
		ClaimID:   claimID,
		Stages:    make(map[Stage]*StageRecord),
		UpdatedAt: now,
	}
}

// NextStage returns the first stage in pipeline order that has not reached a
// terminal status, and false when the pipeline has nothing left to run.
func (s *ClaimState) NextStage() (Stage, bool) {
	if s.IsComplete {
		return "", false
	}
	for _, st := range PipelineStages {
		rec, ok := s.Stages[st]
		if !ok || rec.Status == StatusPending {
			return st, true
		}
		if rec.Status == StatusFailed {
			return "", false
		}
	}
	return "", false
}

// FailedStage returns the stage that terminally failed, if any.
func (s *ClaimState) FailedStage() (Stage, bool) {
	for _, st := range PipelineStages {
		if rec, ok := s.Stages[st]; ok && rec.Status == StatusFailed {
			return st, true
		}
	}
	return "", false
}

// AppendTimeline appends one event. Events are only ever appended, never
// reordered or removed.
func (s *ClaimState) AppendTimeline(now time.Time, source, message string, status StageStatus) {
	s.Timeline = append(s.Timeline, TimelineEvent{
		Timestamp: now,
		Source:    source,
		Message:   message,
		Status:    string(status),
	})
}

// Recompute refreshes the derived percentage. The stored value is clamped so
// a poller never observes it going backward.
func (s *ClaimState) Recompute() {
	completed := 0
	for _, st := range PipelineStages {
		if rec, ok := s.Stages[st]; ok && rec.Status == StatusCompleted {
			completed++
		}
	}
	pct := 100 * completed / len(PipelineStages)
	if pct > s.Percent {
		s.Percent = pct
	}
}

// FailureKind distinguishes "failed — retryable" from "failed — manual fix
// required". It returns "" while the claim is in progress or succeeded.
func (s *ClaimState) FailureKind() string {
	if !s.IsComplete || s.IsSuccess {
		return ""
	}
	if n := len(s.Errors); n > 0 && s.Errors[n-1].Retryable {
		return "retryable"
	}
	return "manual"
}

// Clone returns a deep copy safe to hand to readers while the original keeps
// being mutated.
func (s *ClaimState) Clone() *ClaimState {
	out := &ClaimState{
		ClaimID:    s.ClaimID,
		Stages:     make(map[Stage]*StageRecord, len(s.Stages)),
		IsComplete: s.IsComplete,
		IsSuccess:  s.IsSuccess,
		Percent:    s.Percent,
		UpdatedAt:  s.UpdatedAt,
	}
	for st, rec := range s.Stages {
		cp := *rec
		if rec.StartedAt != nil {
			t := *rec.StartedAt
			cp.StartedAt = &t
		}
		if rec.Result != nil {
			cp.Result = append(json.RawMessage(nil), rec.Result...)
		}
		out.Stages[st] = &cp
	}
	out.Errors = append([]StageError(nil), s.Errors...)
	out.Timeline = append([]TimelineEvent(nil), s.Timeline...)
	return out
}

// StageView is one stage of a status snapshot, in pipeline order.
type StageView struct {
	Stage       Stage       `json:"stage"`
	Status      StageStatus `json:"status"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Message     string      `json:"message,omitempty"`
	Attempts    int         `json:"attempts,omitempty"`
	SLAExceeded bool        `json:"sla_exceeded,omitempty"`
}

// StatusSnapshot is the poller-facing view of a claim's state.
type StatusSnapshot struct {
	ClaimID     string          `json:"claim_id"`
	Stages      []StageView     `json:"stages"`
	IsComplete  bool            `json:"is_complete"`
	IsSuccess   bool            `json:"is_success"`
	Percent     int             `json:"percent"`
	FailureKind string          `json:"failure_kind,omitempty"`
	Errors      []StageError    `json:"errors,omitempty"`
	Timeline    []TimelineEvent `json:"timeline"`
}

// ClaimSummary is the list-endpoint projection of one claim.
type ClaimSummary struct {
	ID         string    `json:"id"`
	FacilityID string    `json:"facility_id"`
	ClaimType  string    `json:"claim_type"`
	IsComplete bool      `json:"is_complete"`
	IsSuccess  bool      `json:"is_success"`
	Percent    int       `json:"percent"`
	CreatedAt  time.Time `json:"created_at"`
}
