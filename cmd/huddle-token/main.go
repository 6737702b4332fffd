// Command huddle-token mints a signed identity token for local development
// and smoke runs against a server configured with a real HMAC key.
//
// Production tokens come from the meeting platform's identity provider; this
// tool only exists so a dev server does not have to run with
// HUDDLE_IDENTITY_INSECURE=true.
//
// Usage:
//
//	HUDDLE_IDENTITY_HMAC_KEY=... go run ./cmd/huddle-token -user dev-ada -name Ada
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"huddle/cmd/internal/identity"
)

func main() {
	var (
		user   = flag.String("user", "dev-user", "User ID (JWT subject)")
		name   = flag.String("name", "", "Display name claim")
		avatar = flag.String("avatar", "", "Avatar URL claim")
		ttl    = flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	)
	flag.Parse()

	key, err := identity.KeyFromEnv()
	if err != nil {
		log.Fatalf("%s: %v", identity.HMACEnvKey, err)
	}
	verifier, err := identity.NewHMACVerifier(key)
	if err != nil {
		log.Fatalf("hmac verifier: %v", err)
	}

	tok, err := verifier.Issue(identity.Identity{
		UserID: *user,
		Name:   *name,
		Avatar: *avatar,
	}, time.Now().UTC(), *ttl)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}

	fmt.Println(tok)
}
