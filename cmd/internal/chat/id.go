package chat

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a ULID string (26 chars). ULIDs are lexicographically
// sortable, which keeps message ids aligned with insertion time in logs
// and store indexes. Connection ids, envelope ids and message ids share
// this format so tracing stays uniform.
func NewID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		// rand failure is effectively unreachable; fall back to a
		// time-only ULID rather than propagate an error on every call site.
		return ulid.MustNew(ulid.Timestamp(now), zeroReader{}).String()
	}
	return id.String()
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
