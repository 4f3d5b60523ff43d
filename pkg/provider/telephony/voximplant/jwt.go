package voximplant

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/openclaw/voicebridge/pkg/provider/telephony"
)

// Sentinel token values that mean "derive a JWT from the service account"
// rather than "use this literal token".
func isAutoToken(s string) bool {
	switch s {
	case "", "AUTO", "__AUTO__", "__SERVICE_ACCOUNT__":
		return true
	}
	return false
}

// tokenSource yields a bearer token for the Voximplant management API.
// Invalidate is called after a 401 so the next Token regenerates.
type tokenSource interface {
	Token() (string, error)
	Invalidate()
}

type staticToken string

func (t staticToken) Token() (string, error) { return string(t), nil }
func (staticToken) Invalidate()              {}

// ServiceAccount is the credentials JSON downloaded from the Voximplant
// control panel.
type ServiceAccount struct {
	AccountID  json.Number `json:"account_id"`
	KeyID      string      `json:"key_id"`
	PrivateKey string      `json:"private_key"`
}

// ParseServiceAccount decodes a Voximplant credentials JSON blob.
func ParseServiceAccount(data []byte) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, fmt.Errorf("voximplant: parse service account: %w", err)
	}
	if sa.AccountID.String() == "" || sa.KeyID == "" || sa.PrivateKey == "" {
		return nil, fmt.Errorf("voximplant: service account missing account_id, key_id or private_key")
	}
	return &sa, nil
}

const (
	jwtLifetime = time.Hour
	// Tokens are replaced this long before they actually expire so an
	// in-flight request never carries a token about to lapse.
	jwtRefreshSkew = 2 * time.Minute
)

// serviceAccountSigner mints and caches RS256 JWTs for the management API.
type serviceAccountSigner struct {
	keyID  string
	issuer string
	key    any

	mu      sync.Mutex
	cached  string
	expires time.Time
}

func newServiceAccountSigner(sa *ServiceAccount) (*serviceAccountSigner, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("voximplant: parse service account key: %w", err)
	}
	return &serviceAccountSigner{keyID: sa.KeyID, issuer: sa.AccountID.String(), key: key}, nil
}

func (s *serviceAccountSigner) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := telephony.Now()
	if s.cached != "" && now.Before(s.expires.Add(-jwtRefreshSkew)) {
		return s.cached, nil
	}

	exp := now.Add(jwtLifetime)
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	tok.Header["kid"] = s.keyID

	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("voximplant: sign jwt: %w", err)
	}
	s.cached = signed
	s.expires = exp
	return signed, nil
}

func (s *serviceAccountSigner) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = ""
	s.expires = time.Time{}
}
