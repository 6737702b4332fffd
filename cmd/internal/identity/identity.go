package identity

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// HMACEnvKey is the env var name for the identity HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "HUDDLE_IDENTITY_HMAC_KEY"

	// MinHMACKeyBytes is the enforced minimum key length.
	MinHMACKeyBytes = 32

	// verifyLeeway absorbs small clock drift between the identity provider
	// and this service.
	verifyLeeway = 30 * time.Second
)

// Identity is the verified caller attached to a connection.
type Identity struct {
	UserID string
	Name   string
	Avatar string
}

// Verifier proves a bearer token and extracts the identity it carries.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Claims is the JWT claim set issued by the identity provider. The subject
// is the user id.
type Claims struct {
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// HMACVerifier verifies HS256 JWTs against a shared key.
type HMACVerifier struct {
	key []byte
}

// NewHMACVerifier constructs a verifier. The key must meet MinHMACKeyBytes.
func NewHMACVerifier(key []byte) (*HMACVerifier, error) {
	if len(key) == 0 {
		return nil, ErrHMACKeyMissing
	}
	if len(key) < MinHMACKeyBytes {
		return nil, ErrHMACKeyTooShort
	}
	return &HMACVerifier{key: key}, nil
}

// Verify parses and validates the token. Only HS256 is accepted; tokens with
// any other algorithm (including "none") fail closed.
func (v *HMACVerifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return v.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(verifyLeeway),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrTokenInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	return Identity{
		UserID: claims.Subject,
		Name:   claims.Name,
		Avatar: claims.Avatar,
	}, nil
}

// Issue signs a token for the identity, valid from now for ttl. Used by
// tests and the dev token tool; production tokens come from the identity
// provider.
func (v *HMACVerifier) Issue(id Identity, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		Name:   id.Name,
		Avatar: id.Avatar,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}

// InsecureVerifier accepts "uid", "uid:name" or "uid:name:avatar" tokens
// verbatim. Development only; never enable it on a reachable deployment.
type InsecureVerifier struct{}

// Verify splits the pass-through token.
func (InsecureVerifier) Verify(token string) (Identity, error) {
	parts := strings.SplitN(strings.TrimSpace(token), ":", 3)
	if parts[0] == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	id := Identity{UserID: parts[0], Name: parts[0]}
	if len(parts) > 1 && parts[1] != "" {
		id.Name = parts[1]
	}
	if len(parts) > 2 {
		id.Avatar = parts[2]
	}
	return id, nil
}

// KeyFromEnv returns the configured HMAC key bytes (trimmed), enforcing the
// minimum byte length.
// If the env var is missing/blank -> ErrHMACKeyMissing.
// If too short -> ErrHMACKeyTooShort.
func KeyFromEnv() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if len(b) < MinHMACKeyBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}
