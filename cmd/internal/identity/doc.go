// Package identity verifies the caller identity attached to chat traffic.
//
// Huddle does not own accounts. Users authenticate against the platform's
// identity provider and arrive here with a signed token; this package only
// proves the token and extracts the (userId, name, avatar) triple every
// chat operation is attributed to.
//
// Modes:
// - HMAC mode: HS256 JWTs signed with a shared key (production).
// - Insecure mode: "uid:name" pass-through tokens for local development.
//
// Environment:
// - HUDDLE_IDENTITY_HMAC_KEY: shared signing key, >= 32 bytes.
// - HUDDLE_IDENTITY_INSECURE: accepts pass-through tokens when true.
package identity
