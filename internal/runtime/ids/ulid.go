package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewCorrelationID returns the identifier used to pair requests and replies.
func NewCorrelationID() string {
	return CreateULID()
}

// ReplyTopic returns a reply topic unique to one client instance of service.
// Topic names are lower-cased so they are valid on every backend.
func ReplyTopic(service string) string {
	if service == "" {
		service = "msgbridge"
	}
	return service + ".replies." + strings.ToLower(CreateULID())
}
