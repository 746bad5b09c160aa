package claims

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claims-bridge/claims/internal/platform/resilience"
)

// DownstreamConfig holds the base URLs of the four remote stage services.
type DownstreamConfig struct {
	NormalizationURL  string
	FinancialRulesURL string
	SigningURL        string
	PlatformURL       string
}

// StageOutputs carries each completed stage's result payload forward to later
// executors.
type StageOutputs map[Stage]json.RawMessage

// StageExecutor runs one pipeline stage for one claim. Executors never retry
// on their own; all resilience lives in the shared downstream client.
type StageExecutor interface {
	Stage() Stage
	Execute(ctx context.Context, claim *Claim, prior StageOutputs) (json.RawMessage, error)
}

// StructuralError marks a downstream response (or missing prior output) that
// fails a stage's structural validation. Terminal for the current run.
type StructuralError struct {
	Message string
}

func (e *StructuralError) Error() string { return e.Message }

// Client performs the breaker-guarded, retried HTTP calls shared by every
// remote stage executor.
type Client struct {
	httpClient *http.Client
	caller     *resilience.Caller
	breakers   *resilience.Registry
	logger     zerolog.Logger
}

// NewClient wires the downstream HTTP client to the retry caller and breaker
// registry.
func NewClient(caller *resilience.Caller, breakers *resilience.Registry, logger zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{},
		caller:     caller,
		breakers:   breakers,
		logger:     logger,
	}
}

// maxErrorBody bounds how much of a downstream error body is kept.
const maxErrorBody = 2048

// post sends one JSON request to a downstream service. Every attempt goes
// through the service's circuit breaker and carries a fresh X-Request-ID.
// Timeouts come from the caller's per-attempt deadline.
func (c *Client) post(ctx context.Context, service, url string, body interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", service, err)
	}

	var result json.RawMessage
	breaker := c.breakers.Get(service)
	err = c.caller.Do(ctx, service, func(ctx context.Context) error {
		return breaker.Do(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Request-ID", uuid.New().String())

			start := time.Now()
			resp, err := c.httpClient.Do(req)
			if err != nil {
				c.logger.Warn().Str("service", service).Err(err).Msg("downstream call failed")
				return err
			}
			defer resp.Body.Close()

			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				errBody := respBody
				if len(errBody) > maxErrorBody {
					errBody = errBody[:maxErrorBody]
				}
				return &resilience.StatusError{Service: service, Code: resp.StatusCode, Body: string(errBody)}
			}

			c.logger.Debug().
				Str("service", service).
				Int("status", resp.StatusCode).
				Dur("elapsed", time.Since(start)).
				Msg("downstream call succeeded")
			result = respBody
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RemoteExecutors builds the four remote stage executors in pipeline order.
func RemoteExecutors(client *Client, cfg DownstreamConfig) []StageExecutor {
	return []StageExecutor{
		&normalizationExecutor{client: client, url: cfg.NormalizationURL},
		&financialRulesExecutor{client: client, url: cfg.FinancialRulesURL},
		&signingExecutor{client: client, url: cfg.SigningURL},
		&platformSubmissionExecutor{client: client, url: cfg.PlatformURL},
	}
}

// -- Validation (local, synchronous, never retried) --

type validationExecutor struct {
	validator *Validator
	secretFor func(claimID string) string
}

// NewValidationExecutor wraps the local validator as a stage executor.
// secretFor resolves the credential presented at intake for the claim.
func NewValidationExecutor(v *Validator, secretFor func(claimID string) string) StageExecutor {
	return &validationExecutor{validator: v, secretFor: secretFor}
}

func (e *validationExecutor) Stage() Stage { return StageValidation }

func (e *validationExecutor) Execute(_ context.Context, claim *Claim, _ StageOutputs) (json.RawMessage, error) {
	secret := ""
	if e.secretFor != nil {
		secret = e.secretFor(claim.ID)
	}
	if err := e.validator.Validate(claim, secret); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"valid":true}`), nil
}

// -- Normalization --

type normalizationExecutor struct {
	client *Client
	url    string
}

func (e *normalizationExecutor) Stage() Stage { return StageNormalization }

type normalizationRequest struct {
	ClaimID       string  `json:"claim_id"`
	ClaimType     string  `json:"claim_type"`
	NationalID    string  `json:"national_id"`
	UnitPrice     float64 `json:"unit_price"`
	Quantity      int     `json:"quantity"`
	EncounterDate string  `json:"encounter_date"`
}

type normalizationResult struct {
	Code string `json:"code"`
}

func (e *normalizationExecutor) Execute(ctx context.Context, claim *Claim, _ StageOutputs) (json.RawMessage, error) {
	req := normalizationRequest{
		ClaimID:       claim.ID,
		ClaimType:     claim.ClaimType,
		NationalID:    claim.NationalID,
		UnitPrice:     claim.UnitPrice,
		Quantity:      claim.Quantity,
		EncounterDate: claim.EncounterDate.UTC().Format(time.RFC3339),
	}
	resp, err := e.client.post(ctx, string(StageNormalization), e.url, req)
	if err != nil {
		return nil, err
	}
	var res normalizationResult
	if err := json.Unmarshal(resp, &res); err != nil {
		return nil, &StructuralError{Message: fmt.Sprintf("normalization response is not valid JSON: %v", err)}
	}
	return resp, nil
}

// -- Financial rules --

type financialRulesExecutor struct {
	client *Client
	url    string
}

func (e *financialRulesExecutor) Stage() Stage { return StageFinancialRules }

type financialRulesRequest struct {
	ClaimID   string  `json:"claim_id"`
	ClaimType string  `json:"claim_type"`
	UnitPrice float64 `json:"unit_price"`
	Quantity  int     `json:"quantity"`
	Total     float64 `json:"total"`
}

func (e *financialRulesExecutor) Execute(ctx context.Context, claim *Claim, _ StageOutputs) (json.RawMessage, error) {
	req := financialRulesRequest{
		ClaimID:   claim.ID,
		ClaimType: claim.ClaimType,
		UnitPrice: claim.UnitPrice,
		Quantity:  claim.Quantity,
		Total:     claim.UnitPrice * float64(claim.Quantity),
	}
	return e.client.post(ctx, string(StageFinancialRules), e.url, req)
}

// -- Signing --

type signingExecutor struct {
	client *Client
	url    string
}

func (e *signingExecutor) Stage() Stage { return StageSigning }

type signingRequest struct {
	ClaimID  string          `json:"claim_id"`
	Code     string          `json:"code"`
	Document json.RawMessage `json:"document"`
}

type signingResult struct {
	Signature      string          `json:"signature"`
	SignedDocument json.RawMessage `json:"signed_document"`
}

func (e *signingExecutor) Execute(ctx context.Context, claim *Claim, prior StageOutputs) (json.RawMessage, error) {
	var norm normalizationResult
	if raw, ok := prior[StageNormalization]; ok {
		_ = json.Unmarshal(raw, &norm)
	}
	if norm.Code == "" {
		return nil, &StructuralError{Message: "signing requires a non-empty normalized code"}
	}

	req := signingRequest{
		ClaimID:  claim.ID,
		Code:     norm.Code,
		Document: prior[StageNormalization],
	}
	resp, err := e.client.post(ctx, string(StageSigning), e.url, req)
	if err != nil {
		return nil, err
	}
	var res signingResult
	if err := json.Unmarshal(resp, &res); err != nil || res.Signature == "" {
		return nil, &StructuralError{Message: "signing response is missing a signature"}
	}
	return resp, nil
}

// -- Platform submission --

type platformSubmissionExecutor struct {
	client *Client
	url    string
}

func (e *platformSubmissionExecutor) Stage() Stage { return StagePlatformSubmission }

type submissionRequest struct {
	ClaimID        string          `json:"claim_id"`
	FacilityID     string          `json:"facility_id"`
	SignedDocument json.RawMessage `json:"signed_document"`
	Signature      string          `json:"signature"`
}

func (e *platformSubmissionExecutor) Execute(ctx context.Context, claim *Claim, prior StageOutputs) (json.RawMessage, error) {
	raw, ok := prior[StageSigning]
	if !ok {
		return nil, &StructuralError{Message: "platform submission requires a signed claim document"}
	}
	var signed signingResult
	if err := json.Unmarshal(raw, &signed); err != nil || signed.Signature == "" {
		return nil, &StructuralError{Message: "platform submission requires a signed claim document"}
	}

	doc := signed.SignedDocument
	if len(doc) == 0 {
		return nil, &StructuralError{Message: "platform submission request document could not be built"}
	}
	req := submissionRequest{
		ClaimID:        claim.ID,
		FacilityID:     claim.FacilityID,
		SignedDocument: doc,
		Signature:      signed.Signature,
	}
	return e.client.post(ctx, string(StagePlatformSubmission), e.url, req)
}
