// Package auth validates bearer credentials against a configured allow-list.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// DevToken is accepted only when no allow-list is configured. It exists so
// local development works without provisioning tokens; configuring
// API_TOKENS makes it unreachable.
const DevToken = "dev-token"

// Typed rejection reasons. Callers map these to distinguishable replies.
var (
	ErrMissing = errors.New("auth: missing credential")
	ErrInvalid = errors.New("auth: invalid credential")
	ErrExpired = errors.New("auth: expired credential")
)

// Identity is the authenticated subject. It doubles as the rate-limit key
// subject, so it must be stable per credential.
type Identity struct {
	Subject string
}

// Verifier matches credentials against the allow-list. It has no side
// effects; session state is mutated by the caller.
type Verifier struct {
	tokens []string
}

// NewVerifier builds a Verifier from the accepted-token list. An empty list
// enables the development token.
func NewVerifier(tokens []string) *Verifier {
	filtered := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			filtered = append(filtered, t)
		}
	}
	return &Verifier{tokens: filtered}
}

// Verify returns the identity for a credential, or one of the typed
// rejection errors. Matching is case-sensitive and constant-time per
// candidate to avoid timing leaks.
func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissing
	}

	allowed := v.tokens
	if len(allowed) == 0 {
		allowed = []string{DevToken}
	}

	// Compare against every candidate regardless of early match so the
	// work done is independent of which token (if any) matches.
	matched := 0
	for _, candidate := range allowed {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			matched = 1
		}
	}
	if matched != 1 {
		return Identity{}, ErrInvalid
	}
	return Identity{Subject: token}, nil
}

// FromRequest extracts a credential from an HTTP request, in precedence
// order: Authorization bearer header, X-API-Key header, api_key or token
// query parameter. Returns an empty string when none is present.
func FromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return strings.TrimSpace(k)
	}
	q := r.URL.Query()
	if k := q.Get("api_key"); k != "" {
		return k
	}
	return q.Get("token")
}
