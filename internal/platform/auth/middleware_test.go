package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testKey = []byte("test-signing-key")

func request(t *testing.T, mw echo.MiddlewareFunc, token string) (*echo.HTTPError, echo.Context) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/admin/claims", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	if err == nil {
		return nil, c
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	return httpErr, c
}

func TestJWTMiddlewareAcceptsValidToken(t *testing.T) {
	token, err := IssueToken(testKey, "claims-bridge", "ops@example.com", []string{"operator"}, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	httpErr, c := request(t, JWTMiddleware(JWTConfig{SigningKey: testKey, Issuer: "claims-bridge"}), token)
	if httpErr != nil {
		t.Fatalf("expected success, got %v", httpErr)
	}
	if c.Get("user_id") != "ops@example.com" {
		t.Errorf("unexpected user_id %v", c.Get("user_id"))
	}
	roles, _ := c.Get("user_roles").([]string)
	if len(roles) != 1 || roles[0] != "operator" {
		t.Errorf("unexpected roles %v", roles)
	}
}

func TestJWTMiddlewareRejects(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testKey, Issuer: "claims-bridge"})

	if httpErr, _ := request(t, mw, ""); httpErr == nil || httpErr.Code != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %v", httpErr)
	}
	if httpErr, _ := request(t, mw, "not-a-token"); httpErr == nil || httpErr.Code != http.StatusUnauthorized {
		t.Errorf("malformed token: expected 401, got %v", httpErr)
	}

	wrongKey, _ := IssueToken([]byte("other-key"), "claims-bridge", "ops", nil, time.Hour)
	if httpErr, _ := request(t, mw, wrongKey); httpErr == nil || httpErr.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: expected 401, got %v", httpErr)
	}

	expired, _ := IssueToken(testKey, "claims-bridge", "ops", nil, -time.Hour)
	if httpErr, _ := request(t, mw, expired); httpErr == nil || httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expired token: expected 401, got %v", httpErr)
	}

	wrongIssuer, _ := IssueToken(testKey, "someone-else", "ops", nil, time.Hour)
	if httpErr, _ := request(t, mw, wrongIssuer); httpErr == nil || httpErr.Code != http.StatusUnauthorized {
		t.Errorf("wrong issuer: expected 401, got %v", httpErr)
	}
}

func TestJWTMiddlewareRejectsUnexpectedAlg(t *testing.T) {
	// A token signed with "none" must never be accepted.
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "ops"})
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mw := JWTMiddleware(JWTConfig{SigningKey: testKey})
	if httpErr, _ := request(t, mw, raw); httpErr == nil || httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for alg=none, got %v", httpErr)
	}
}

func TestRequireRole(t *testing.T) {
	e := echo.New()
	handler := RequireRole("admin")(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("user_roles", []string{"operator"})
	err := handler(c)
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}

	c = e.NewContext(req, httptest.NewRecorder())
	c.Set("user_roles", []string{"operator", "admin"})
	if err := handler(c); err != nil {
		t.Errorf("expected success, got %v", err)
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	err := DevAuthMiddleware()(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Get("user_id") != "dev-operator" {
		t.Errorf("unexpected user_id %v", c.Get("user_id"))
	}
}
