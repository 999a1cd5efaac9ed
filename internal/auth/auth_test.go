package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKid = "test-key-1"

type jwksFixture struct {
	key      *rsa.PrivateKey
	server   *httptest.Server
	fetches  int32
	verifier *Verifier
	clock    *fakeClock
}

type fakeClock struct {
	current time.Time
}

func (f *fakeClock) now() time.Time { return f.current }

func (f *fakeClock) advance(d time.Duration) { f.current = f.current.Add(d) }

func newJWKSFixture(t *testing.T, ttl time.Duration) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	fx := &jwksFixture{key: key}
	fx.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fx.fetches, 1)
		n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
		e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keys":[{"kty":"RSA","kid":"` + testKid + `","alg":"RS256","use":"sig","n":"` + n + `","e":"` + e + `"}]}`))
	}))
	t.Cleanup(fx.server.Close)

	fx.clock = &fakeClock{current: time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)}
	fx.verifier = NewVerifier("issuer.example.com", "https://api.vitaltwin.example", ttl, fx.server.Client()).
		WithClock(fx.clock.now)
	// Point the cache at the fixture server instead of the well-known URL.
	fx.verifier.keys.url = fx.server.URL
	return fx
}

func (fx *jwksFixture) token(t *testing.T, mutate func(jwt.MapClaims), headerKid string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": "auth0|user-1",
		"aud": "https://api.vitaltwin.example",
		"iss": "https://issuer.example.com/",
		"iat": fx.clock.current.Add(-time.Minute).Unix(),
		"exp": fx.clock.current.Add(time.Hour).Unix(),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = headerKid
	signed, err := token.SignedString(fx.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestVerifyValidToken(t *testing.T) {
	fx := newJWKSFixture(t, 10*time.Minute)
	signed := fx.token(t, func(c jwt.MapClaims) {
		c["email"] = "user@example.com"
		c["permissions"] = []any{"read:metrics", "write:metrics"}
	}, testKid)

	claims, authErr := fx.verifier.Verify(context.Background(), signed)
	if authErr != nil {
		t.Fatalf("expected verification to succeed: %v", authErr)
	}
	if claims.Sub != "auth0|user-1" {
		t.Fatalf("unexpected sub: %q", claims.Sub)
	}
	if claims.Email != "user@example.com" {
		t.Fatalf("unexpected email: %q", claims.Email)
	}
	if !claims.HasAll("read:metrics", "write:metrics") {
		t.Fatalf("expected permissions carried over")
	}
	if claims.HasAll("admin") {
		t.Fatalf("did not expect admin permission")
	}
	if !claims.HasAny("admin", "read:metrics") {
		t.Fatalf("expected HasAny to match read:metrics")
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	fx := newJWKSFixture(t, 10*time.Minute)
	signed := fx.token(t, func(c jwt.MapClaims) {
		c["exp"] = fx.clock.current.Add(-time.Minute).Unix()
	}, testKid)

	_, authErr := fx.verifier.Verify(context.Background(), signed)
	if authErr == nil || authErr.Code != CodeTokenExpired {
		t.Fatalf("expected token_expired, got %+v", authErr)
	}
}

func TestVerifyWrongAudience(t *testing.T) {
	fx := newJWKSFixture(t, 10*time.Minute)
	signed := fx.token(t, func(c jwt.MapClaims) {
		c["aud"] = "https://other.example"
	}, testKid)

	_, authErr := fx.verifier.Verify(context.Background(), signed)
	if authErr == nil || authErr.Code != CodeInvalidClaims {
		t.Fatalf("expected invalid_claims, got %+v", authErr)
	}
}

func TestVerifyUnknownKid(t *testing.T) {
	fx := newJWKSFixture(t, 10*time.Minute)
	signed := fx.token(t, nil, "unknown-kid")

	_, authErr := fx.verifier.Verify(context.Background(), signed)
	if authErr == nil || authErr.Code != CodeInvalidKey {
		t.Fatalf("expected invalid_key, got %+v", authErr)
	}
}

func TestVerifyRejectsWrongAlgorithm(t *testing.T) {
	fx := newJWKSFixture(t, 10*time.Minute)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "auth0|user-1",
		"aud": "https://api.vitaltwin.example",
		"iss": "https://issuer.example.com/",
		"exp": fx.clock.current.Add(time.Hour).Unix(),
	})
	token.Header["kid"] = testKid
	signed, err := token.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, authErr := fx.verifier.Verify(context.Background(), signed); authErr == nil {
		t.Fatalf("expected HS256 token to be rejected")
	}
}

func TestJWKSCacheHonorsTTL(t *testing.T) {
	fx := newJWKSFixture(t, 10*time.Minute)

	for i := 0; i < 3; i++ {
		signed := fx.token(t, nil, testKid)
		if _, authErr := fx.verifier.Verify(context.Background(), signed); authErr != nil {
			t.Fatalf("verify %d failed: %v", i, authErr)
		}
	}
	if got := atomic.LoadInt32(&fx.fetches); got != 1 {
		t.Fatalf("expected a single JWKS fetch within TTL, got %d", got)
	}

	fx.clock.advance(11 * time.Minute)
	signed := fx.token(t, nil, testKid)
	if _, authErr := fx.verifier.Verify(context.Background(), signed); authErr != nil {
		t.Fatalf("verify after TTL failed: %v", authErr)
	}
	if got := atomic.LoadInt32(&fx.fetches); got != 2 {
		t.Fatalf("expected refetch after TTL, got %d fetches", got)
	}
}

func TestJWKSUnreachable(t *testing.T) {
	fx := newJWKSFixture(t, 10*time.Minute)
	fx.server.Close()

	signed := fx.token(t, nil, testKid)
	_, authErr := fx.verifier.Verify(context.Background(), signed)
	if authErr == nil || authErr.Code != CodeJWKSUnreachable {
		t.Fatalf("expected jwks_unreachable, got %+v", authErr)
	}
	if authErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", authErr.Status)
	}
}

func TestBearerToken(t *testing.T) {
	if _, err := BearerToken(""); err == nil || err.Code != CodeMissingHeader {
		t.Fatalf("expected missing header error, got %+v", err)
	}
	if _, err := BearerToken("Basic abc"); err == nil || err.Code != CodeInvalidHeader {
		t.Fatalf("expected invalid header for wrong scheme, got %+v", err)
	}
	if _, err := BearerToken("Bearer"); err == nil || err.Code != CodeInvalidHeader {
		t.Fatalf("expected invalid header for bare scheme, got %+v", err)
	}
	if _, err := BearerToken("Bearer a b"); err == nil || err.Code != CodeInvalidHeader {
		t.Fatalf("expected invalid header for extra parts, got %+v", err)
	}
	token, err := BearerToken("bearer abc.def.ghi")
	if err != nil {
		t.Fatalf("expected lower-case scheme accepted: %+v", err)
	}
	if token != "abc.def.ghi" {
		t.Fatalf("unexpected token: %q", token)
	}
}

func TestVerifierMisconfigured(t *testing.T) {
	v := NewVerifier("", "", time.Minute, nil)
	_, authErr := v.Verify(context.Background(), "whatever")
	if authErr == nil || authErr.Code != CodeMisconfigured {
		t.Fatalf("expected misconfigured, got %+v", authErr)
	}
	if authErr.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", authErr.Status)
	}
}
