// Package auth verifies third-party issued bearer tokens (RS256) against
// the issuer's published key set.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	CodeMissingHeader           = "authorization_header_missing"
	CodeInvalidHeader           = "invalid_header"
	CodeTokenExpired            = "token_expired"
	CodeInvalidClaims           = "invalid_claims"
	CodeInvalidKey              = "invalid_key"
	CodeJWKSUnreachable         = "jwks_unreachable"
	CodeMisconfigured           = "misconfigured"
	CodeInsufficientPermissions = "insufficient_permissions"
)

// Error is an authentication failure with a machine-readable code and
// the HTTP status it maps to.
type Error struct {
	Code        string
	Description string
	Status      int
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Description
}

func newError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// Claims is the verified token payload the rest of the service consumes.
type Claims struct {
	Sub         string
	Email       string
	Name        string
	Picture     string
	Permissions []string
}

// HasAll reports whether every required permission is present.
func (c Claims) HasAll(required ...string) bool {
	for _, r := range required {
		if !c.has(r) {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one of the candidates is present.
func (c Claims) HasAny(candidates ...string) bool {
	for _, cand := range candidates {
		if c.has(cand) {
			return true
		}
	}
	return false
}

func (c Claims) has(p string) bool {
	for _, item := range c.Permissions {
		if item == p {
			return true
		}
	}
	return false
}

// BearerToken extracts the token from an Authorization header value,
// failing with the exact shapes callers are expected to distinguish.
func BearerToken(header string) (string, *Error) {
	if strings.TrimSpace(header) == "" {
		return "", newError(CodeMissingHeader, "Authorization header is missing", http.StatusUnauthorized)
	}
	parts := strings.Fields(header)
	if !strings.EqualFold(parts[0], "bearer") {
		return "", newError(CodeInvalidHeader, "Authorization header must start with Bearer", http.StatusUnauthorized)
	}
	if len(parts) == 1 {
		return "", newError(CodeInvalidHeader, "Token not found", http.StatusUnauthorized)
	}
	if len(parts) > 2 {
		return "", newError(CodeInvalidHeader, "Authorization header must be 'Bearer <token>'", http.StatusUnauthorized)
	}
	return parts[1], nil
}

// Verifier validates RS256 tokens against a cached JWKS.
type Verifier struct {
	domain   string
	audience string
	keys     *jwksCache
	now      func() time.Time
}

// NewVerifier builds a verifier for tokens issued by
// https://<domain>/ with the given audience. Keys are fetched from the
// issuer's well-known JWKS URL and cached for ttl.
func NewVerifier(domain, audience string, ttl time.Duration, httpClient *http.Client) *Verifier {
	v := &Verifier{
		domain:   strings.TrimSpace(domain),
		audience: strings.TrimSpace(audience),
		now:      time.Now,
	}
	v.keys = newJWKSCache("https://"+v.domain+"/.well-known/jwks.json", ttl, httpClient)
	return v
}

// WithClock replaces the verifier's clock. Both signature validity and
// key-cache staleness use it.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	v.keys.now = now
	return v
}

func (v *Verifier) issuer() string {
	return "https://" + v.domain + "/"
}

// Verify parses and validates a bearer token, returning the verified
// claims or a typed auth error.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (Claims, *Error) {
	if v.domain == "" {
		return Claims{}, newError(CodeMisconfigured, "AUTH_DOMAIN is empty", http.StatusInternalServerError)
	}
	if v.audience == "" {
		return Claims{}, newError(CodeMisconfigured, "AUTH_AUDIENCE is empty", http.StatusInternalServerError)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuer(v.issuer()),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)

	var keyErr *Error
	token, err := parser.Parse(tokenString, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if strings.TrimSpace(kid) == "" {
			keyErr = newError(CodeInvalidHeader, "Token header has no kid", http.StatusUnauthorized)
			return nil, keyErr
		}
		key, kerr := v.keys.publicKey(ctx, kid)
		if kerr != nil {
			keyErr = kerr
			return nil, kerr
		}
		return key, nil
	})
	if keyErr != nil {
		return Claims{}, keyErr
	}
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, newError(CodeTokenExpired, "Token is expired", http.StatusUnauthorized)
		case errors.Is(err, jwt.ErrTokenInvalidAudience),
			errors.Is(err, jwt.ErrTokenInvalidIssuer),
			errors.Is(err, jwt.ErrTokenInvalidClaims),
			errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
			return Claims{}, newError(CodeInvalidClaims, "Invalid aud/iss or token claims", http.StatusUnauthorized)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return Claims{}, newError(CodeInvalidHeader, "Token is malformed", http.StatusUnauthorized)
		default:
			return Claims{}, newError(CodeInvalidClaims, fmt.Sprintf("Token rejected: %v", err), http.StatusUnauthorized)
		}
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, newError(CodeInvalidClaims, "Unexpected claim payload", http.StatusUnauthorized)
	}
	sub, _ := mapClaims["sub"].(string)
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return Claims{}, newError(CodeInvalidClaims, "Token subject is missing", http.StatusUnauthorized)
	}

	claims := Claims{Sub: sub}
	claims.Email, _ = mapClaims["email"].(string)
	claims.Name, _ = mapClaims["name"].(string)
	claims.Picture, _ = mapClaims["picture"].(string)
	if rawPerms, ok := mapClaims["permissions"].([]any); ok {
		for _, item := range rawPerms {
			if p, ok := item.(string); ok && p != "" {
				claims.Permissions = append(claims.Permissions, p)
			}
		}
	}
	return claims, nil
}
