package domain

import (
	"time"
)

type PoolState string

const (
	PoolRequested    PoolState = "requested"
	PoolProvisioning PoolState = "provisioning"
	PoolRunning      PoolState = "running"
	PoolDraining     PoolState = "draining"
	PoolStopped      PoolState = "stopped"
	PoolFailed       PoolState = "failed"
)

func (s PoolState) String() string {
	return string(s)
}

func (s PoolState) IsTerminal() bool {
	return s == PoolStopped || s == PoolFailed
}

// poolEdges are the legal pool state transitions. running -> provisioning is
// the adapter hot-swap; requested -> failed is an admission rejection; the
// force-stop path is guarded separately and may leave from any non-terminal
// state.
var poolEdges = map[PoolState][]PoolState{
	PoolRequested:    {PoolProvisioning, PoolFailed},
	PoolProvisioning: {PoolRunning, PoolFailed},
	PoolRunning:      {PoolDraining, PoolProvisioning},
	PoolDraining:     {PoolStopped},
	PoolStopped:      {},
	PoolFailed:       {},
}

func (s PoolState) CanTransitionTo(to PoolState) bool {
	for _, next := range poolEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

type WorkerPool struct {
	PoolId       string
	ModelId      string
	AdapterId    string
	ReplicaCount int
	State        PoolState
	// Higher priority pools are granted first and evicted last
	Priority int
	// Estimated GPU memory footprint used for lease sizing
	MemoryEstimateBytes int64
	// Id of the active lease, empty when none. Pools and leases reference
	// each other by id only.
	LeaseId        string
	StatusMessage  string
	LastActivityAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (p *WorkerPool) Kind() Kind {
	return Kind{ModelId: p.ModelId, AdapterId: p.AdapterId}
}

// Copy returns a copy that may be modified without affecting the original.
// Projections store pools immutably, so updates go through copies.
func (p *WorkerPool) Copy() *WorkerPool {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// Protected reports whether the pool may never be picked as an eviction
// victim given the configured protected priority tier.
func (p *WorkerPool) Protected(protectedPriority int) bool {
	return p.Priority >= protectedPriority
}
