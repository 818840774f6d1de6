package util

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ulidSource guards the monotonic entropy reader, which is not safe for
// concurrent use.
type ulidSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

var ids = &ulidSource{
	entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
}

// NewULID returns a new lowercase ULID. ULIDs sort by creation time, which
// keeps job and pool listings in submission order without an extra column.
func NewULID() string {
	ids.mu.Lock()
	defer ids.mu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Now(), ids.entropy).String())
}
