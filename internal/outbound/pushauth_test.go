package outbound_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aranea-isms/is22/internal/outbound"
)

func signToken(t *testing.T, secret string, expiry time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(expiry),
	})
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestPushAuth_RejectsMissingBearer(t *testing.T) {
	a := outbound.NewPushAuth("shared-secret")
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))

	req := httptest.NewRequest("POST", "/internal/push", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestPushAuth_AcceptsValidToken(t *testing.T) {
	a := outbound.NewPushAuth("shared-secret")
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))

	req := httptest.NewRequest("POST", "/internal/push", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "shared-secret", time.Now().Add(time.Minute)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestPushAuth_RejectsExpiredToken(t *testing.T) {
	a := outbound.NewPushAuth("shared-secret")
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))

	req := httptest.NewRequest("POST", "/internal/push", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "shared-secret", time.Now().Add(-time.Minute)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestPushAuth_RejectsWrongSecret(t *testing.T) {
	a := outbound.NewPushAuth("shared-secret")
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))

	req := httptest.NewRequest("POST", "/internal/push", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "wrong-secret", time.Now().Add(time.Minute)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestPushAuth_DisabledWhenSecretEmpty(t *testing.T) {
	a := outbound.NewPushAuth("")
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))

	req := httptest.NewRequest("POST", "/internal/push", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 when auth disabled, got %d", w.Code)
	}
}
