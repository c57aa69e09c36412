// Package idx mints the ULIDs the console tags things with: presence
// subscriptions and the activity-id header on login announcements.
package idx

import (
	"crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"
)

// ID is a ULID in its canonical 26 character form. IDs minted by one process
// sort in the order they were made.
type ID string

// Zero is the empty ID.
const Zero ID = ""

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns the next ID. Safe for concurrent use.
func New() ID {
	mu.Lock()
	defer mu.Unlock()
	return ID(ulid.MustNew(ulid.Now(), entropy).String())
}

func (id ID) IsZero() bool   { return id == Zero }
func (id ID) String() string { return string(id) }
