package oauth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"
)

const (
	DefaultAppleKeysURL = "https://appleid.apple.com/auth/keys"
	DefaultKeySetTTL    = time.Hour

	maxKeySetBytes = 1 << 20
)

var ErrKeyNotFound = errors.New("signing key not found")

type KeySource interface {
	PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jsonWebKeySet struct {
	Keys []jsonWebKey `json:"keys"`
}

func (s jsonWebKeySet) find(kid string) (jsonWebKey, bool) {
	for _, k := range s.Keys {
		if k.Kid == kid {
			return k, true
		}
	}
	return jsonWebKey{}, false
}

// rsaPublicKey rebuilds the key from the base64url modulus and exponent.
func (k jsonWebKey) rsaPublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("key %q has type %q", k.Kid, k.Kty)
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil || len(n) == 0 {
		return nil, fmt.Errorf("key %q: bad modulus", k.Kid)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil || len(e) == 0 || len(e) > 4 {
		return nil, fmt.Errorf("key %q: bad exponent", k.Kid)
	}
	exp := new(big.Int).SetBytes(e)
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// JWKSFetcher serves RSA keys from a provider's JWKS document. The raw
// document is cached; an unknown kid triggers one refetch to pick up
// rotated keys before the lookup fails.
type JWKSFetcher struct {
	url        string
	httpClient *http.Client
	cache      KeySetCache
	ttl        time.Duration
}

func NewJWKSFetcher(url string, httpClient *http.Client, cache KeySetCache, ttl time.Duration) *JWKSFetcher {
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultHTTPTimeout)
	}
	if ttl <= 0 {
		ttl = DefaultKeySetTTL
	}
	return &JWKSFetcher{url: url, httpClient: httpClient, cache: cache, ttl: ttl}
}

func (f *JWKSFetcher) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	set, fromCache, err := f.keySet(ctx, false)
	if err != nil {
		return nil, err
	}
	key, ok := set.find(kid)
	if !ok && fromCache {
		if set, _, err = f.keySet(ctx, true); err != nil {
			return nil, err
		}
		key, ok = set.find(kid)
	}
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}
	return key.rsaPublicKey()
}

func (f *JWKSFetcher) keySet(ctx context.Context, refresh bool) (jsonWebKeySet, bool, error) {
	if !refresh && f.cache != nil {
		raw, ok, err := f.cache.Get(ctx, f.url)
		if err == nil && ok {
			var set jsonWebKeySet
			if json.Unmarshal(raw, &set) == nil {
				return set, true, nil
			}
		}
	}

	raw, err := f.fetch(ctx)
	if err != nil {
		return jsonWebKeySet{}, false, err
	}
	var set jsonWebKeySet
	if err := json.Unmarshal(raw, &set); err != nil {
		return jsonWebKeySet{}, false, fmt.Errorf("decode key set: %w", err)
	}
	if f.cache != nil {
		// A failed cache write only costs a refetch next time.
		_ = f.cache.Set(ctx, f.url, raw, f.ttl)
	}
	return set, false, nil
}

func (f *JWKSFetcher) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build key set request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch key set: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch key set: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return nil, fmt.Errorf("read key set: %w", err)
	}
	return raw, nil
}
