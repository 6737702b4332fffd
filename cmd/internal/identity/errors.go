package identity

import "errors"

// Public, stable errors for callers.
var (
	ErrTokenInvalid    = errors.New("identity token invalid")
	ErrHMACKeyMissing  = errors.New("identity HMAC key missing")
	ErrHMACKeyTooShort = errors.New("identity HMAC key too short")
)
