package scheduling

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
	"github.com/flotillaproject/flotilla/internal/flotilla/leader"
	"github.com/flotillaproject/flotilla/internal/flotilla/repository"
)

// Retention deletes terminal records past their retention age. Only terminal
// rows are eligible, so nothing the reconciliation loops still act on can
// disappear under them. Runs on the leader only.
type Retention struct {
	controller leader.LeaderController
	jobs       repository.JobStore
	pools      repository.PoolStore
	leases     repository.LeaseStore
	age        time.Duration
}

func NewRetention(
	controller leader.LeaderController,
	jobStore repository.JobStore,
	poolStore repository.PoolStore,
	leaseStore repository.LeaseStore,
	config configuration.RetentionConfig,
) *Retention {
	return &Retention{
		controller: controller,
		jobs:       jobStore,
		pools:      poolStore,
		leases:     leaseStore,
		age:        config.Age,
	}
}

func (r *Retention) Tick(ctx context.Context) {
	if !r.controller.GetToken().IsLeader() {
		return
	}
	jobs, err := r.jobs.DeleteTerminalOlderThan(r.age)
	if err != nil {
		log.Errorf("Job retention failed: %s", err)
	}
	pools, err := r.pools.DeleteTerminalOlderThan(r.age)
	if err != nil {
		log.Errorf("Pool retention failed: %s", err)
	}
	leases, err := r.leases.DeleteReleasedOlderThan(r.age)
	if err != nil {
		log.Errorf("Lease retention failed: %s", err)
	}
	if jobs > 0 || pools > 0 || leases > 0 {
		log.Infof("Retention deleted %d jobs, %d pools and %d leases", jobs, pools, leases)
	}
}
