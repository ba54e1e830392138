package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier for grants, documents and audit rows.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewToken returns an opaque random capability token (UUIDv4). Tokens are
// handed to external requestors, so they must not be guessable or sortable.
func NewToken() string {
	return uuid.NewString()
}

// IsToken reports whether s looks like a token produced by NewToken.
func IsToken(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
