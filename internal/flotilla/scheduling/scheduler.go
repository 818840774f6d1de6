package scheduling

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/flotilla/leader"
	"github.com/flotillaproject/flotilla/internal/flotilla/repository"
)

// Scheduler drives the admission engine on the current leader. Each pass
// rebuilds the pool projection from the durable tables, syncs pool demand
// against outstanding jobs and evaluates all requested pools. Standby
// instances return immediately, so a deposed leader goes quiet within one
// tick.
type Scheduler struct {
	controller leader.LeaderController
	pools      repository.PoolStore
	leases     repository.LeaseStore
	engine     *AdmissionEngine

	// Serializes passes; a slow pass must not overlap the next tick.
	mu            sync.Mutex
	lastDecisions atomic.Value
}

func NewScheduler(
	controller leader.LeaderController,
	poolStore repository.PoolStore,
	leaseStore repository.LeaseStore,
	engine *AdmissionEngine,
) *Scheduler {
	s := &Scheduler{
		controller: controller,
		pools:      poolStore,
		leases:     leaseStore,
		engine:     engine,
	}
	s.lastDecisions.Store([]*Decision{})
	return s
}

// Tick runs one admission pass if this instance currently leads. Errors are
// logged rather than returned; durable state is guarded, so the next tick
// simply retries.
func (s *Scheduler) Tick(ctx context.Context) {
	token := s.controller.GetToken()
	if !token.IsLeader() {
		return
	}
	if err := s.runPass(ctx, token); err != nil {
		var lost *flotillaerrors.ErrLeadershipLost
		if errors.As(err, &lost) {
			log.Infof("Admission pass abandoned: %s", err)
			return
		}
		log.Errorf("Admission pass failed: %s", err)
	}
}

func (s *Scheduler) runPass(ctx context.Context, token leader.LeaderToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pools, err := s.pools.ListLive()
	if err != nil {
		return err
	}
	leases, err := s.leases.ListHeld()
	if err != nil {
		return err
	}
	db, err := NewPoolDbFromState(pools, leases)
	if err != nil {
		return err
	}

	if err := s.engine.SyncDemand(ctx, db); err != nil {
		return err
	}
	if !s.controller.ValidateToken(token) {
		return &flotillaerrors.ErrLeadershipLost{}
	}
	decisions, err := s.engine.Evaluate(ctx, db)
	if err != nil {
		return err
	}
	if decisions != nil {
		s.lastDecisions.Store(decisions)
	}
	return nil
}

// LastDecisions returns the decisions of the most recent admission pass that
// evaluated at least one request.
func (s *Scheduler) LastDecisions() []*Decision {
	return s.lastDecisions.Load().([]*Decision)
}
