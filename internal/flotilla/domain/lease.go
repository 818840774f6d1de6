package domain

import (
	"time"
)

type LeaseState string

const (
	LeasePending  LeaseState = "pending"
	LeaseActive   LeaseState = "active"
	LeaseReleased LeaseState = "released"
)

func (s LeaseState) String() string {
	return string(s)
}

// Lease is a time-bounded grant of GPU memory to a worker pool. The sum of
// granted bytes over active leases never exceeds the host budget.
type Lease struct {
	LeaseId        string
	PoolId         string
	RequestedBytes int64
	GrantedBytes   int64
	State          LeaseState
	CreatedAt      time.Time
	TtlRenewedAt   time.Time
}

func (l *Lease) Copy() *Lease {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}
