package claims

import (
	"crypto/subtle"
	"fmt"
	"regexp"
	"time"
)

// AuthError is a terminal authentication/authorization failure raised by the
// validation stage before any downstream call. It is never retried and not
// subject to the retry endpoint; the claim must be resubmitted.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// ValidationError carries the structured per-field error list of a failed
// validation stage. Always terminal.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("claim validation failed: %d invalid field(s)", len(e.Fields))
}

var (
	emailPattern      = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	nationalIDPattern = regexp.MustCompile(`^[0-9]{10}$`)
)

var validClaimTypes = map[string]bool{
	"institutional": true,
	"professional":  true,
	"pharmacy":      true,
	"dental":        true,
	"vision":        true,
}

const (
	maxUnitPrice    = 1_000_000.0
	maxQuantity     = 1000
	maxEncounterAge = 365 * 24 * time.Hour
)

// Validator runs the local validation stage. It never calls a remote service
// and its failures are always terminal for the attempt.
type Validator struct {
	sharedSecret      string
	allowedFacilities map[string]bool
	now               func() time.Time
}

// NewValidator builds a Validator from the configured shared secret and
// facility allow-list.
func NewValidator(sharedSecret string, allowedFacilities []string) *Validator {
	allowed := make(map[string]bool, len(allowedFacilities))
	for _, f := range allowedFacilities {
		allowed[f] = true
	}
	return &Validator{
		sharedSecret:      sharedSecret,
		allowedFacilities: allowed,
		now:               time.Now,
	}
}

// Validate checks credentials, facility authorization, and the submitted
// fields. Auth failures are reported before field validation with distinct
// codes.
func (v *Validator) Validate(claim *Claim, presentedSecret string) error {
	if v.sharedSecret != "" {
		if subtle.ConstantTimeCompare([]byte(presentedSecret), []byte(v.sharedSecret)) != 1 {
			return &AuthError{Code: CodeInvalidSecret, Message: "missing or invalid facility credential"}
		}
	}
	if len(v.allowedFacilities) > 0 && !v.allowedFacilities[claim.FacilityID] {
		return &AuthError{Code: CodeFacilityDenied, Message: fmt.Sprintf("facility %s is not authorized to submit claims", claim.FacilityID)}
	}

	var fields []FieldError
	addErr := func(field, msg string) {
		fields = append(fields, FieldError{Field: field, Message: msg})
	}

	if claim.FacilityID == "" {
		addErr("facility_id", "facility_id is required")
	}
	if claim.PatientID == "" {
		addErr("patient_id", "patient_id is required")
	}
	if claim.ClaimType == "" {
		addErr("claim_type", "claim_type is required")
	} else if !validClaimTypes[claim.ClaimType] {
		addErr("claim_type", fmt.Sprintf("unknown claim_type %q", claim.ClaimType))
	}
	if claim.SubmitterEmail == "" {
		addErr("submitter_email", "submitter_email is required")
	} else if !emailPattern.MatchString(claim.SubmitterEmail) {
		addErr("submitter_email", "submitter_email is not a valid address")
	}
	if claim.NationalID == "" {
		addErr("national_id", "national_id is required")
	} else if !nationalIDPattern.MatchString(claim.NationalID) {
		addErr("national_id", "national_id must be exactly 10 digits")
	}
	if claim.UnitPrice <= 0 {
		addErr("unit_price", "unit_price must be greater than zero")
	} else if claim.UnitPrice > maxUnitPrice {
		addErr("unit_price", fmt.Sprintf("unit_price exceeds the maximum of %.2f", maxUnitPrice))
	}
	if claim.Quantity < 1 {
		addErr("quantity", "quantity must be at least 1")
	} else if claim.Quantity > maxQuantity {
		addErr("quantity", fmt.Sprintf("quantity exceeds the maximum of %d", maxQuantity))
	}
	if claim.EncounterDate.IsZero() {
		addErr("encounter_date", "encounter_date is required")
	} else {
		now := v.now()
		if claim.EncounterDate.After(now) {
			addErr("encounter_date", "encounter_date cannot be in the future")
		} else if now.Sub(claim.EncounterDate) > maxEncounterAge {
			addErr("encounter_date", "encounter_date is older than one year")
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
