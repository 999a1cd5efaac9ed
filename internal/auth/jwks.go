package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

type jwkKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDocument struct {
	Keys []jwkKey `json:"keys"`
}

// jwksCache holds the issuer's public keys with fetch-if-stale
// semantics. The clock is injectable so staleness is testable.
type jwksCache struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	now        func() time.Time

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(url string, ttl time.Duration, httpClient *http.Client) *jwksCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &jwksCache{
		url:        url,
		ttl:        ttl,
		httpClient: httpClient,
		now:        time.Now,
		keys:       map[string]*rsa.PublicKey{},
	}
}

// publicKey returns the RSA key for kid, refreshing the cached set first
// when it is empty or older than the TTL.
func (c *jwksCache) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.keys) == 0 || c.now().Sub(c.fetchedAt) >= c.ttl {
		if err := c.fetchLocked(ctx); err != nil {
			return nil, err
		}
	}

	key, ok := c.keys[kid]
	if !ok {
		return nil, newError(CodeInvalidKey, "No signing key matches the token kid", http.StatusUnauthorized)
	}
	return key, nil
}

func (c *jwksCache) fetchLocked(ctx context.Context) *Error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return newError(CodeJWKSUnreachable, fmt.Sprintf("Could not build JWKS request: %v", err), http.StatusServiceUnavailable)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newError(CodeJWKSUnreachable, fmt.Sprintf("Could not fetch JWKS: %v", err), http.StatusServiceUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return newError(CodeJWKSUnreachable, fmt.Sprintf("JWKS endpoint returned %d", resp.StatusCode), http.StatusServiceUnavailable)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return newError(CodeJWKSUnreachable, fmt.Sprintf("Could not decode JWKS: %v", err), http.StatusServiceUnavailable)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, item := range doc.Keys {
		if item.Kty != "RSA" || item.Kid == "" {
			continue
		}
		key, err := rsaKeyFromJWK(item)
		if err != nil {
			continue
		}
		keys[item.Kid] = key
	}
	if len(keys) == 0 {
		return newError(CodeInvalidKey, "JWKS contained no usable RSA keys", http.StatusUnauthorized)
	}

	c.keys = keys
	c.fetchedAt = c.now()
	return nil
}

func rsaKeyFromJWK(item jwkKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(item.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(item.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() <= 0 {
		return nil, fmt.Errorf("exponent out of range")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}
