package health

import (
	"errors"
	"sync/atomic"
)

// StartupCompleteChecker reports unhealthy until MarkComplete is called,
// keeping the instance out of load balancer rotation while it wires up.
type StartupCompleteChecker struct {
	complete int32
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) MarkComplete() {
	atomic.StoreInt32(&c.complete, 1)
}

func (c *StartupCompleteChecker) Check() error {
	if atomic.LoadInt32(&c.complete) == 1 {
		return nil
	}
	return errors.New("startup not complete")
}
