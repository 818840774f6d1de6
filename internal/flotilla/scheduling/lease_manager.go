package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
	"github.com/flotillaproject/flotilla/internal/flotilla/leader"
	"github.com/flotillaproject/flotilla/internal/flotilla/repository"
)

// LeaseManager forcibly releases leases whose holder stopped renewing, and
// stops the pool holding them. The pool is stopped before the lease is
// released: an interrupted sweep then still lists the lease as expired next
// time, whereas a released lease with a live pool would leave memory in use
// with no budget covering it.
type LeaseManager struct {
	controller leader.LeaderController
	leases     repository.LeaseStore
	pools      repository.PoolStore
	ttl        time.Duration
}

func NewLeaseManager(
	controller leader.LeaderController,
	leaseStore repository.LeaseStore,
	poolStore repository.PoolStore,
	config configuration.LeaseConfig,
) *LeaseManager {
	return &LeaseManager{
		controller: controller,
		leases:     leaseStore,
		pools:      poolStore,
		ttl:        config.Ttl,
	}
}

// Tick releases all expired leases if this instance currently leads.
func (m *LeaseManager) Tick(ctx context.Context) {
	if !m.controller.GetToken().IsLeader() {
		return
	}
	expired, err := m.leases.ListExpired(m.ttl)
	if err != nil {
		log.Errorf("Lease expiry sweep failed: %s", err)
		return
	}
	for _, lease := range expired {
		if err := m.release(lease); err != nil {
			log.Errorf("Failed to release expired lease %s: %s", lease.LeaseId, err)
		}
	}
}

func (m *LeaseManager) release(lease *domain.Lease) error {
	log.Warnf("Lease %s of pool %s expired, last renewed %s", lease.LeaseId, lease.PoolId, lease.TtlRenewedAt.Format(time.RFC3339))

	message := fmt.Sprintf("stopped: lease %s expired", lease.LeaseId)
	if err := m.pools.ForceStop(lease.PoolId, message); err != nil {
		var notFound *flotillaerrors.ErrNotFound
		if !errors.As(err, &notFound) {
			return err
		}
	}
	return m.leases.Release(lease.LeaseId)
}
