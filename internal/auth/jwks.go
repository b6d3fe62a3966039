// Package auth verifies Cognito-issued JWTs for incoming websocket
// connections, caching the user pool's JWKS key set.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// DefaultKeySetTTL is how long a fetched key set is trusted before the
// cache refetches it.
const DefaultKeySetTTL = time.Hour

var ErrUnknownKey = errors.New("public key not found in key set")

type jwkDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// KeyCache caches the RSA public keys of a Cognito user pool's JWKS
// endpoint. A stale cache is served when a refetch fails, so transient
// endpoint outages do not reject every connection.
type KeyCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

// NewKeyCache builds a cache for the given user pool. ttl <= 0 selects
// DefaultKeySetTTL.
func NewKeyCache(region, userPoolID string, ttl time.Duration) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultKeySetTTL
	}
	return &KeyCache{
		url:    fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s/.well-known/jwks.json", region, userPoolID),
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewKeyCacheURL builds a cache for an explicit JWKS URL.
func NewKeyCacheURL(url string, ttl time.Duration) *KeyCache {
	c := NewKeyCache("", "", ttl)
	c.url = url
	return c
}

// Key returns the public key with the given id, refetching the key set
// when the cache is empty or past its TTL.
func (c *KeyCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.keys) == 0 || time.Since(c.fetched) > c.ttl {
		if err := c.fetchLocked(ctx); err != nil {
			if len(c.keys) == 0 {
				return nil, err
			}
			log.Printf("auth: jwks refresh failed, serving cached keys: %v", err)
		}
	}

	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	return key, nil
}

func (c *KeyCache) fetchLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}

	var doc jwkDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaKey(k)
		if err != nil {
			log.Printf("auth: skipping unusable jwk %s: %v", k.Kid, err)
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks contained no usable RSA keys")
	}

	c.keys = keys
	c.fetched = time.Now()
	return nil
}

func rsaKey(k jwk) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	e := 0
	for _, b := range eb {
		e = e<<8 | int(b)
	}
	if e == 0 {
		return nil, errors.New("zero exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}
