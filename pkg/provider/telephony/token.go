package telephony

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// ConstantTimeEqual compares two tokens without leaking timing information
// about the match position. Unequal lengths return false after a comparison
// against a dummy value of the caller's length, keeping timing uniform.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		dummy := make([]byte, len(a))
		subtle.ConstantTimeCompare([]byte(a), dummy)
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StreamTokens maintains the per-call media-stream secrets for a provider:
// a callKey → token map and the reverse token → callKey index. Minting a new
// token for a key replaces and invalidates the previous one.
type StreamTokens struct {
	mu      sync.Mutex
	byKey   map[string]string
	byToken map[string]string
}

// NewStreamTokens creates an empty token registry.
func NewStreamTokens() *StreamTokens {
	return &StreamTokens{
		byKey:   make(map[string]string),
		byToken: make(map[string]string),
	}
}

// Mint generates a random 128-bit base64url token for callKey and records it.
func (t *StreamTokens) Mint(callKey string) (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("telephony: mint stream token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.byKey[callKey]; ok {
		delete(t.byToken, old)
	}
	t.byKey[callKey] = token
	t.byToken[token] = callKey
	return token, nil
}

// Validate reports whether token matches the secret minted for callKey. The
// comparison is constant-time; an unknown callKey compares against a dummy.
func (t *StreamTokens) Validate(callKey, token string) bool {
	t.mu.Lock()
	expected := t.byKey[callKey]
	t.mu.Unlock()
	if expected == "" {
		// Unknown key: run the comparison against a dummy anyway.
		ConstantTimeEqual(strings.Repeat("0", len(token)), token)
		return false
	}
	return ConstantTimeEqual(expected, token)
}

// Resolve maps a token back to its call key.
func (t *StreamTokens) Resolve(token string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.byToken[token]
	return key, ok
}

// Drop removes the token minted for callKey, if any.
func (t *StreamTokens) Drop(callKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.byKey[callKey]; ok {
		delete(t.byToken, old)
		delete(t.byKey, callKey)
	}
}

// StreamURL composes the wss media-stream URL handed to the carrier:
// wss://<public origin><path>?token=<token>.
func StreamURL(publicURL, path, token string) (string, error) {
	u, err := url.Parse(publicURL)
	if err != nil {
		return "", fmt.Errorf("telephony: parse public url: %w", err)
	}
	scheme := "wss"
	if u.Scheme == "http" || u.Scheme == "ws" {
		scheme = "ws"
	}
	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	out := url.URL{Scheme: scheme, Host: u.Host, Path: path, RawQuery: q.Encode()}
	return out.String(), nil
}
