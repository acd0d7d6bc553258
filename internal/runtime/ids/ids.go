package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Message and correlation ids use it so broker logs sort by creation time.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewEventID returns a random UUID, the identity of a BaseEvent.
func NewEventID() string {
	return uuid.NewString()
}

// IsEventID reports whether s parses as a UUID.
func IsEventID(s string) bool {
	return uuid.Validate(s) == nil
}
