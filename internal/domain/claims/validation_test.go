package claims

import (
	"errors"
	"testing"
	"time"
)

const testSecret = "facility-shared-secret"

func testValidator() *Validator {
	return NewValidator(testSecret, []string{"FAC-001", "FAC-002"})
}

func validClaim() *Claim {
	return &Claim{
		ID:             "CLM-TEST-1",
		FacilityID:     "FAC-001",
		PatientID:      "PAT-100",
		NationalID:     "1234567890",
		ClaimType:      "professional",
		SubmitterEmail: "billing@clinic.example",
		UnitPrice:      150,
		Quantity:       1,
		EncounterDate:  time.Now().Add(-24 * time.Hour),
	}
}

func fieldErrors(t *testing.T, err error) []FieldError {
	t.Helper()
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	return valErr.Fields
}

func hasField(fields []FieldError, name string) bool {
	for _, f := range fields {
		if f.Field == name {
			return true
		}
	}
	return false
}

func TestValidateAccepts(t *testing.T) {
	if err := testValidator().Validate(validClaim(), testSecret); err != nil {
		t.Fatalf("expected valid claim to pass, got %v", err)
	}
}

func TestValidateRejectsBadSecret(t *testing.T) {
	v := testValidator()
	for _, secret := range []string{"", "wrong"} {
		err := v.Validate(validClaim(), secret)
		var authErr *AuthError
		if !errors.As(err, &authErr) || authErr.Code != CodeInvalidSecret {
			t.Errorf("secret %q: expected %s, got %v", secret, CodeInvalidSecret, err)
		}
	}
}

func TestValidateRejectsUnknownFacility(t *testing.T) {
	claim := validClaim()
	claim.FacilityID = "FAC-999"
	err := testValidator().Validate(claim, testSecret)
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Code != CodeFacilityDenied {
		t.Fatalf("expected %s, got %v", CodeFacilityDenied, err)
	}
}

func TestValidateAuthCheckedBeforeFields(t *testing.T) {
	claim := validClaim()
	claim.PatientID = ""
	err := testValidator().Validate(claim, "wrong")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected auth error to win over field errors, got %v", err)
	}
}

func TestValidateCollectsAllFieldErrors(t *testing.T) {
	claim := validClaim()
	claim.PatientID = ""
	claim.NationalID = "12345"
	claim.SubmitterEmail = "not-an-address"
	claim.UnitPrice = 0
	err := testValidator().Validate(claim, testSecret)
	fields := fieldErrors(t, err)
	for _, want := range []string{"patient_id", "national_id", "submitter_email", "unit_price"} {
		if !hasField(fields, want) {
			t.Errorf("expected a field error for %s, got %+v", want, fields)
		}
	}
	if len(fields) != 4 {
		t.Errorf("expected 4 field errors, got %d", len(fields))
	}
}

func TestValidateFieldRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Claim)
		field  string
	}{
		{"unknown claim type", func(c *Claim) { c.ClaimType = "cosmetic" }, "claim_type"},
		{"missing claim type", func(c *Claim) { c.ClaimType = "" }, "claim_type"},
		{"national id too short", func(c *Claim) { c.NationalID = "123" }, "national_id"},
		{"national id non-numeric", func(c *Claim) { c.NationalID = "12345abcde" }, "national_id"},
		{"unit price too high", func(c *Claim) { c.UnitPrice = 2_000_000 }, "unit_price"},
		{"negative unit price", func(c *Claim) { c.UnitPrice = -10 }, "unit_price"},
		{"zero quantity", func(c *Claim) { c.Quantity = 0 }, "quantity"},
		{"quantity too high", func(c *Claim) { c.Quantity = 1001 }, "quantity"},
		{"missing encounter date", func(c *Claim) { c.EncounterDate = time.Time{} }, "encounter_date"},
		{"future encounter date", func(c *Claim) { c.EncounterDate = time.Now().Add(48 * time.Hour) }, "encounter_date"},
		{"encounter too old", func(c *Claim) { c.EncounterDate = time.Now().Add(-2 * 365 * 24 * time.Hour) }, "encounter_date"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claim := validClaim()
			tc.mutate(claim)
			err := testValidator().Validate(claim, testSecret)
			if !hasField(fieldErrors(t, err), tc.field) {
				t.Errorf("expected a field error for %s", tc.field)
			}
		})
	}
}

func TestValidateSecretOptional(t *testing.T) {
	// An empty configured secret disables the credential check (dev setups).
	v := NewValidator("", nil)
	if err := v.Validate(validClaim(), ""); err != nil {
		t.Fatalf("expected claim to pass without a configured secret, got %v", err)
	}
}
