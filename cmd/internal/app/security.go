package app

import (
	"errors"

	"huddle/cmd/internal/identity"
)

// ValidateSecurityConfig enforces the token signing policy at startup.
//
// Fail-fast is intentional: silently falling back to unsigned identity
// tokens in production is unacceptable. The same key loader that the
// verifier uses performs the validation, so enforcement is end-to-end.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.IdentityInsecure {
		return nil
	}

	// Minimum 32 bytes for an HMAC-SHA256 secret, measured in bytes
	// (not runes) because the key is used as raw bytes.
	if _, err := identity.KeyFromEnv(); err != nil {
		switch {
		case errors.Is(err, identity.ErrHMACKeyMissing):
			return errors.New("security policy: HUDDLE_IDENTITY_INSECURE is false but HUDDLE_IDENTITY_HMAC_KEY is missing")
		case errors.Is(err, identity.ErrHMACKeyTooShort):
			return errors.New("security policy: HUDDLE_IDENTITY_INSECURE is false but HUDDLE_IDENTITY_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	return nil
}
