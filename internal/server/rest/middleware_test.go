package rest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return key
}

func signToken(t *testing.T, priv *rsa.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func protectedHandler(cfg JWTConfig) http.Handler {
	mw := JWTMiddleware(cfg)
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ClaimsFromContext(r.Context()); !ok {
			http.Error(w, "claims missing", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func TestJWTMiddleware_ValidToken_Passes(t *testing.T) {
	priv := generateTestKey(t)
	h := protectedHandler(JWTConfig{PublicKey: &priv.PublicKey})

	token := signToken(t, priv, jwt.RegisteredClaims{
		Subject:   "analyst-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
}

func TestJWTMiddleware_MissingHeader_Returns401(t *testing.T) {
	priv := generateTestKey(t)
	h := protectedHandler(JWTConfig{PublicKey: &priv.PublicKey})

	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestJWTMiddleware_ExpiredToken_Returns401(t *testing.T) {
	priv := generateTestKey(t)
	h := protectedHandler(JWTConfig{PublicKey: &priv.PublicKey})

	token := signToken(t, priv, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestJWTMiddleware_WrongKey_Returns401(t *testing.T) {
	signer := generateTestKey(t)
	verifier := generateTestKey(t)
	h := protectedHandler(JWTConfig{PublicKey: &verifier.PublicKey})

	token := signToken(t, signer, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestJWTMiddleware_HS256Rejected(t *testing.T) {
	priv := generateTestKey(t)
	h := protectedHandler(JWTConfig{PublicKey: &priv.PublicKey})

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestJWTMiddleware_IssuerMismatch_Returns401(t *testing.T) {
	priv := generateTestKey(t)
	h := protectedHandler(JWTConfig{PublicKey: &priv.PublicKey, Issuer: "sentinel-auth"})

	token := signToken(t, priv, jwt.RegisteredClaims{
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestParseRSAPublicKey_PKIX(t *testing.T) {
	priv := generateTestKey(t)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal PKIX: %v", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	key, err := ParseRSAPublicKey(pemData)
	if err != nil {
		t.Fatalf("ParseRSAPublicKey: %v", err)
	}
	if key.N.Cmp(priv.PublicKey.N) != 0 {
		t.Error("parsed key does not match original")
	}
}

func TestParseRSAPublicKey_PKCS1(t *testing.T) {
	priv := generateTestKey(t)
	der := x509.MarshalPKCS1PublicKey(&priv.PublicKey)
	pemData := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: der})

	key, err := ParseRSAPublicKey(pemData)
	if err != nil {
		t.Fatalf("ParseRSAPublicKey: %v", err)
	}
	if key.N.Cmp(priv.PublicKey.N) != 0 {
		t.Error("parsed key does not match original")
	}
}

func TestParseRSAPublicKey_BadInput(t *testing.T) {
	if _, err := ParseRSAPublicKey([]byte("not pem at all")); err == nil {
		t.Error("expected error for non-PEM input")
	}
}

// TestRouter_IngestBypassesJWT verifies the agent-facing routes stay open
// when dashboard auth is enabled.
func TestRouter_IngestBypassesJWT(t *testing.T) {
	priv := generateTestKey(t)
	srv := NewServer(&mockStore{}, &mockDetector{}, &mockScorer{}, &mockEscalator{}, WithDisplayTZ(ist))
	h := NewRouter(srv, &priv.PublicKey)

	// No token: dashboard route is rejected, handshake route is not.
	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("dashboard route without token: expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/users/U404", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("handshake route without token: expected 404 from store, got %d", rec.Code)
	}
}
