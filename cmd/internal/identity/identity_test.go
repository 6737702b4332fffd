package identity

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestHMACVerifierRoundTrip(t *testing.T) {
	t.Parallel()

	v, err := NewHMACVerifier(testKey)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	want := Identity{UserID: "user-1", Name: "Ada", Avatar: "https://example.com/a.png"}
	token, err := v.Issue(want, time.Now().UTC(), time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	got, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != want {
		t.Fatalf("identity: got=%+v want=%+v", got, want)
	}
}

func TestHMACVerifierRejections(t *testing.T) {
	t.Parallel()

	v, err := NewHMACVerifier(testKey)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	otherKey := []byte("ffffffffffffffffffffffffffffffff")
	other, err := NewHMACVerifier(otherKey)
	if err != nil {
		t.Fatalf("new other verifier: %v", err)
	}

	id := Identity{UserID: "user-1", Name: "Ada"}

	valid, err := v.Issue(id, time.Now().UTC(), time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	foreign, err := other.Issue(id, time.Now().UTC(), time.Hour)
	if err != nil {
		t.Fatalf("issue foreign: %v", err)
	}

	expired, err := v.Issue(id, time.Now().UTC().Add(-2*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("issue expired: %v", err)
	}

	noSubject, err := v.Issue(Identity{Name: "Ghost"}, time.Now().UTC(), time.Hour)
	if err != nil {
		t.Fatalf("issue no subject: %v", err)
	}

	// An unsigned token must fail closed even though it parses.
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().UTC().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("craft unsigned: %v", err)
	}

	cases := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not-a-jwt"},
		{name: "tampered", token: valid + "x"},
		{name: "wrong key", token: foreign},
		{name: "expired", token: expired},
		{name: "missing subject", token: noSubject},
		{name: "alg none", token: unsigned},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if _, err := v.Verify(tc.token); !errors.Is(err, ErrTokenInvalid) {
				t.Fatalf("got err=%v want ErrTokenInvalid", err)
			}
		})
	}
}

func TestNewHMACVerifierKeyPolicy(t *testing.T) {
	t.Parallel()

	if _, err := NewHMACVerifier(nil); !errors.Is(err, ErrHMACKeyMissing) {
		t.Fatalf("nil key: got=%v want=ErrHMACKeyMissing", err)
	}
	if _, err := NewHMACVerifier([]byte("short")); !errors.Is(err, ErrHMACKeyTooShort) {
		t.Fatalf("short key: got=%v want=ErrHMACKeyTooShort", err)
	}
}

func TestKeyFromEnv(t *testing.T) {
	cases := []struct {
		name    string
		value   string
		wantErr error
	}{
		{name: "missing", value: "", wantErr: ErrHMACKeyMissing},
		{name: "blank", value: "   ", wantErr: ErrHMACKeyMissing},
		{name: "too short", value: "short", wantErr: ErrHMACKeyTooShort},
		{name: "ok", value: strings.Repeat("k", MinHMACKeyBytes)},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(HMACEnvKey, tc.value)

			key, err := KeyFromEnv()
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("got err=%v want=%v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if len(key) != MinHMACKeyBytes {
				t.Fatalf("key len=%d want=%d", len(key), MinHMACKeyBytes)
			}
		})
	}
}

func TestInsecureVerifier(t *testing.T) {
	t.Parallel()

	v := InsecureVerifier{}

	cases := []struct {
		name  string
		token string
		want  Identity
	}{
		{name: "uid only", token: "u1", want: Identity{UserID: "u1", Name: "u1"}},
		{name: "uid and name", token: "u1:Ada", want: Identity{UserID: "u1", Name: "Ada"}},
		{name: "full", token: "u1:Ada:https://example.com/a.png", want: Identity{UserID: "u1", Name: "Ada", Avatar: "https://example.com/a.png"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := v.Verify(tc.token)
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got=%+v want=%+v", got, tc.want)
			}
		})
	}

	if _, err := v.Verify(""); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("empty token: got=%v want=ErrTokenInvalid", err)
	}
	if _, err := v.Verify(":Ada"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("missing uid: got=%v want=ErrTokenInvalid", err)
	}
}
