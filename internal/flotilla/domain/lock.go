package domain

import (
	"time"
)

// LeaderLock is the singleton row backing leader election. At most one
// unexpired holder exists at any time.
type LeaderLock struct {
	LockName   string
	HolderId   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

func (l *LeaderLock) TtlRemaining(now time.Time) time.Duration {
	if l == nil {
		return 0
	}
	remaining := l.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
