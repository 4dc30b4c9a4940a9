// Package auth authenticates control API callers with static bearer keys.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

// Principal is the authenticated caller. KeyID is a stable, non-secret
// fingerprint of the key that is safe to log.
type Principal struct {
	APIKey string
	KeyID  string
}

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid api key")
)

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if len(authz) < len(prefix) || !strings.EqualFold(authz[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(authz[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// Keyring is the set of accepted API keys.
type Keyring struct {
	keys [][]byte
}

func NewKeyring(keys map[string]struct{}) *Keyring {
	k := &Keyring{keys: make([][]byte, 0, len(keys))}
	for key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			k.keys = append(k.keys, []byte(key))
		}
	}
	return k
}

func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.keys)
}

// Authenticate resolves the request's bearer token to a Principal. Every
// configured key is compared in constant time.
func (k *Keyring) Authenticate(r *http.Request) (*Principal, error) {
	token, ok := ParseBearer(r)
	if !ok {
		return nil, ErrMissingToken
	}
	match := 0
	if k != nil {
		for _, key := range k.keys {
			match |= subtle.ConstantTimeCompare(key, []byte(token))
		}
	}
	if match != 1 {
		return nil, ErrInvalidToken
	}
	return &Principal{APIKey: token, KeyID: KeyID(token)}, nil
}

// KeyID fingerprints a key for logs.
func KeyID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key_" + hex.EncodeToString(sum[:6])
}
