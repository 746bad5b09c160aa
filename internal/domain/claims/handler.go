package claims

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/claims-bridge/claims/internal/platform/blobstore"
	"github.com/claims-bridge/claims/pkg/pagination"
)

// SecretHeader carries the facility's shared secret on submission requests.
const SecretHeader = "X-Facility-Secret"

type Handler struct {
	orch  *Orchestrator
	blobs blobstore.Store
}

func NewHandler(orch *Orchestrator, blobs blobstore.Store) *Handler {
	return &Handler{orch: orch, blobs: blobs}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/submit-claim", h.SubmitClaim)
	api.GET("/claim-status/:id", h.ClaimStatus)
	api.POST("/claims/:id/retry", h.RetryClaim)
	api.GET("/claims", h.ListClaims)
}

// submitRequest is the JSON intake payload. Multipart submissions carry the
// same fields as form values plus an optional "document" file part.
type submitRequest struct {
	FacilityID     string  `json:"facility_id" form:"facility_id"`
	PatientID      string  `json:"patient_id" form:"patient_id"`
	MemberID       string  `json:"member_id" form:"member_id"`
	NationalID     string  `json:"national_id" form:"national_id"`
	ClaimType      string  `json:"claim_type" form:"claim_type"`
	SubmitterEmail string  `json:"submitter_email" form:"submitter_email"`
	UnitPrice      float64 `json:"unit_price" form:"unit_price"`
	Quantity       int     `json:"quantity" form:"quantity"`
	EncounterDate  string  `json:"encounter_date" form:"encounter_date"`
}

type submitResponse struct {
	ClaimID string `json:"claim_id"`
	Status  string `json:"status"`
}

// SubmitClaim accepts a claim and returns 202 immediately; all processing,
// including credential and field validation, happens asynchronously and is
// surfaced through the status endpoint.
func (h *Handler) SubmitClaim(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	encounterDate, err := parseEncounterDate(req.EncounterDate)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "encounter_date must be RFC 3339 or YYYY-MM-DD")
	}

	var docRef *string
	if file, err := c.FormFile("document"); err == nil {
		ref, err := h.storeDocument(c, file)
		if err != nil {
			return err
		}
		docRef = &ref
	}

	id, err := h.orch.Submit(c.Request().Context(), SubmitInput{
		FacilityID:     req.FacilityID,
		PatientID:      req.PatientID,
		MemberID:       req.MemberID,
		NationalID:     req.NationalID,
		ClaimType:      req.ClaimType,
		SubmitterEmail: req.SubmitterEmail,
		UnitPrice:      req.UnitPrice,
		Quantity:       req.Quantity,
		EncounterDate:  encounterDate,
		DocumentRef:    docRef,
		Secret:         c.Request().Header.Get(SecretHeader),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, submitResponse{ClaimID: id, Status: "accepted"})
}

func (h *Handler) storeDocument(c echo.Context, file *multipart.FileHeader) (string, error) {
	src, err := file.Open()
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "unreadable document")
	}
	defer src.Close()
	data, err := io.ReadAll(io.LimitReader(src, blobstore.MaxFileSize+1))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "unreadable document")
	}
	contentType := file.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	blob, err := h.blobs.Put(c.Request().Context(), file.Filename, contentType, data)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return blob.ID, nil
}

func parseEncounterDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

// ClaimStatus returns the polling snapshot for one claim.
func (h *Handler) ClaimStatus(c echo.Context) error {
	snap, err := h.orch.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "claim not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, snap)
}

// RetryClaim re-enters a terminally failed claim at its failed stage.
func (h *Handler) RetryClaim(c echo.Context) error {
	err := h.orch.Retry(c.Request().Context(), c.Param("id"))
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, map[string]string{
			"claim_id": c.Param("id"),
			"status":   "retry_accepted",
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "claim not found")
	case errors.Is(err, ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// ListClaims returns paginated claim summaries in submission order.
func (h *Handler) ListClaims(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.orch.ListClaims(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
