package claims

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/claims-bridge/claims/internal/platform/blobstore"
)

func newTestAPI(t *testing.T) (*echo.Echo, *pipelineEnv, blobstore.Store) {
	t.Helper()
	env := newPipelineEnv(t)
	blobs := blobstore.NewInMemoryStore()
	e := echo.New()
	NewHandler(env.orch, blobs).RegisterRoutes(e.Group("/api"))
	return e, env, blobs
}

func submitBody() map[string]interface{} {
	return map[string]interface{}{
		"facility_id":     "FAC-001",
		"patient_id":      "PAT-100",
		"national_id":     "1234567890",
		"claim_type":      "professional",
		"submitter_email": "billing@clinic.example",
		"unit_price":      150,
		"quantity":        1,
		"encounter_date":  time.Now().AddDate(0, 0, -1).Format("2006-01-02"),
	}
}

func TestSubmitClaimJSON(t *testing.T) {
	e, env, _ := newTestAPI(t)

	body, _ := json.Marshal(submitBody())
	req := httptest.NewRequest(http.MethodPost, "/api/submit-claim", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(SecretHeader, testSecret)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.ClaimID == "" {
		t.Fatalf("unexpected response %s", rec.Body)
	}
	env.orch.Wait()

	req = httptest.NewRequest(http.MethodGet, "/api/claim-status/"+resp.ClaimID, nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("bad status body: %v", err)
	}
	if !snap.IsComplete || !snap.IsSuccess || snap.Percent != 100 {
		t.Errorf("expected a successful claim, got %+v", snap)
	}
}

func TestSubmitClaimRejectsBadEncounterDate(t *testing.T) {
	e, _, _ := newTestAPI(t)

	payload := submitBody()
	payload["encounter_date"] = "27/08/2026"
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/submit-claim", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitClaimWithDocument(t *testing.T) {
	e, env, blobs := newTestAPI(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range submitBody() {
		w.WriteField(k, fmt.Sprintf("%v", v))
	}
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="document"; filename="claim.pdf"`)
	hdr.Set("Content-Type", "application/pdf")
	part, err := w.CreatePart(hdr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	part.Write([]byte("%PDF-1.4 test claim document"))
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/submit-claim", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	req.Header.Set(SecretHeader, testSecret)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	var resp submitResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	env.orch.Wait()

	claim, err := env.store.GetClaim(context.Background(), resp.ClaimID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claim.DocumentRef == nil {
		t.Fatal("expected a document reference on the claim")
	}
	blob, err := blobs.Get(context.Background(), *claim.DocumentRef)
	if err != nil {
		t.Fatalf("attachment not stored: %v", err)
	}
	if blob.FileName != "claim.pdf" || blob.ContentType != "application/pdf" {
		t.Errorf("unexpected attachment metadata: %+v", blob)
	}
}

func TestSubmitClaimRejectsOversizedDocumentType(t *testing.T) {
	e, _, _ := newTestAPI(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range submitBody() {
		w.WriteField(k, fmt.Sprintf("%v", v))
	}
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="document"; filename="claim.exe"`)
	hdr.Set("Content-Type", "application/octet-stream")
	part, _ := w.CreatePart(hdr)
	part.Write([]byte("MZ binary"))
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/submit-claim", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	req.Header.Set(SecretHeader, testSecret)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a disallowed attachment type, got %d", rec.Code)
	}
}

func TestClaimStatusNotFound(t *testing.T) {
	e, _, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/claim-status/CLM-MISSING", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestRetryEndpoint(t *testing.T) {
	e, env, _ := newTestAPI(t)

	id := env.submit(t, nil) // succeeds, so a retry conflicts
	req := httptest.NewRequest(http.MethodPost, "/api/claims/"+id+"/retry", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for a succeeded claim, got %d", rec.Code)
	}

	manual := env.submit(t, func(in *SubmitInput) { in.PatientID = "" })
	req = httptest.NewRequest(http.MethodPost, "/api/claims/"+manual+"/retry", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for a manual failure, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/claims/CLM-MISSING/retry", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestListClaimsEndpoint(t *testing.T) {
	e, env, _ := newTestAPI(t)
	for i := 0; i < 3; i++ {
		env.submit(t, nil)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/claims?limit=2", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Data    []ClaimSummary `json:"data"`
		Total   int            `json:"total"`
		HasMore bool           `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad list body: %v", err)
	}
	if resp.Total != 3 || len(resp.Data) != 2 || !resp.HasMore {
		t.Errorf("unexpected list response: total=%d page=%d has_more=%v", resp.Total, len(resp.Data), resp.HasMore)
	}
	if !resp.Data[0].IsSuccess {
		t.Errorf("expected processed claims in the listing, got %+v", resp.Data[0])
	}
}
