package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runBodyLimit(t *testing.T, mw echo.MiddlewareFunc, method, path string, body []byte) (*httptest.ResponseRecorder, bool, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	err := mw(func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	})(c)
	return rec, called, err
}

func TestBodyLimitAllowsSmallBody(t *testing.T) {
	mw := BodyLimit("1K", "10M")
	_, called, err := runBodyLimit(t, mw, http.MethodPost, "/api/claims/CLM-1/retry", []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestBodyLimitRejectsOversizedBody(t *testing.T) {
	mw := BodyLimit("1K", "10M")
	rec, called, _ := runBodyLimit(t, mw, http.MethodPost, "/api/claims/CLM-1/retry", bytes.Repeat([]byte("x"), 2048))
	if called {
		t.Error("handler should not be called past the limit")
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestBodyLimitSubmitEndpointGetsLargerLimit(t *testing.T) {
	mw := BodyLimit("1K", "10M")
	_, called, err := runBodyLimit(t, mw, http.MethodPost, "/api/submit-claim", bytes.Repeat([]byte("x"), 2048))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected the submit endpoint to accept a body above the default limit")
	}
}

func TestBodyLimitNoBody(t *testing.T) {
	mw := BodyLimit("1K", "10M")
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/claims", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestParseLimit(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1K", 1 << 10},
		{"25M", 25 << 20},
		{"1G", 1 << 30},
		{"2048", 2048},
		{"", 1 << 20},
		{"garbage", 1 << 20},
	}
	for _, tc := range cases {
		if got := parseLimit(tc.in); got != tc.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
