package util

import (
	"context"
	"time"
)

// CloseToDeadline reports whether ctx will expire within tolerance.
// Long-running loops use it to stop picking up work they could not
// finish in time.
func CloseToDeadline(ctx context.Context, tolerance time.Duration) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return false
	}
	return time.Until(deadline) < tolerance
}
