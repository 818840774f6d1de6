package scheduling

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
	"github.com/flotillaproject/flotilla/internal/flotilla/metrics"
	"github.com/flotillaproject/flotilla/internal/flotilla/repository"
)

const (
	EvictionPolicyLeastRecentlyActive = "least-recently-active"
	EvictionPolicyLowestPriority      = "lowest-priority"
)

// FootprintEstimator resolves the GPU memory footprint a pool of the given
// kind is expected to occupy. Implementations fall back to a conservative
// estimate rather than fail, so the result is always usable for sizing.
type FootprintEstimator interface {
	EstimateBytes(ctx context.Context, kind domain.Kind) int64
}

// Provisioner starts loading replicas for a pool that has been granted a
// lease. Kicks happen after the projection transaction commits and must not
// block the admission pass.
type Provisioner interface {
	Provision(pool *domain.WorkerPool)
}

// Decision records the outcome of evaluating a single requested pool.
type Decision struct {
	PoolId  string
	Granted bool
	// Lease granted to or adopted by the pool, set only when Granted
	LeaseId string
	// Pools sent to draining to free capacity for this request
	Evicted []string
	// True when capacity can never be freed for the request and the pool
	// was failed
	Rejected bool
	Reason   string
}

// AdmissionEngine decides which requested pools get a memory lease, which
// running pools are evicted to make room, and which requests are rejected
// outright. All durable writes go through the guarded stores; the projection
// is staged alongside so later requests in the same pass observe earlier
// decisions.
type AdmissionEngine struct {
	jobs        repository.JobStore
	pools       repository.PoolStore
	leases      repository.LeaseStore
	estimator   FootprintEstimator
	provisioner Provisioner
	clock       util.Clock

	budgetBytes       int64
	protectedPriority int
	defaultReplicas   int
	defaultPriority   int
	evictionPolicy    string
}

func NewAdmissionEngine(
	jobStore repository.JobStore,
	poolStore repository.PoolStore,
	leaseStore repository.LeaseStore,
	estimator FootprintEstimator,
	provisioner Provisioner,
	clock util.Clock,
	leaseConfig configuration.LeaseConfig,
	poolsConfig configuration.PoolsConfig,
	schedulingConfig configuration.SchedulingConfig,
) *AdmissionEngine {
	policy := schedulingConfig.EvictionPolicy
	if policy != EvictionPolicyLeastRecentlyActive && policy != EvictionPolicyLowestPriority {
		log.Warnf("Unknown eviction policy %q, using %s", policy, EvictionPolicyLeastRecentlyActive)
		policy = EvictionPolicyLeastRecentlyActive
	}
	return &AdmissionEngine{
		jobs:              jobStore,
		pools:             poolStore,
		leases:            leaseStore,
		estimator:         estimator,
		provisioner:       provisioner,
		clock:             clock,
		budgetBytes:       leaseConfig.HostBudgetBytes,
		protectedPriority: poolsConfig.ProtectedPriority,
		defaultReplicas:   poolsConfig.DefaultReplicaCount,
		defaultPriority:   poolsConfig.DefaultPriority,
		evictionPolicy:    policy,
	}
}

// SyncDemand creates a requested pool for every kind that has outstanding
// jobs but no live pool. Kinds are walked in a stable order so two passes
// over the same state make the same pools.
func (e *AdmissionEngine) SyncDemand(ctx context.Context, db *PoolDb) error {
	counts, err := e.jobs.CountOutstandingByKind()
	if err != nil {
		return err
	}
	kinds := maps.Keys(counts)
	slices.SortFunc(kinds, func(a, b domain.Kind) bool {
		return a.String() < b.String()
	})

	txn := db.WriteTxn()
	defer txn.Abort()
	for _, kind := range kinds {
		existing, err := db.GetByKind(txn, kind)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		now := e.clock.Now()
		pool := &domain.WorkerPool{
			PoolId:              util.NewULID(),
			ModelId:             kind.ModelId,
			AdapterId:           kind.AdapterId,
			ReplicaCount:        e.defaultReplicas,
			State:               domain.PoolRequested,
			Priority:            e.defaultPriority,
			MemoryEstimateBytes: e.estimator.EstimateBytes(ctx, kind),
			StatusMessage:       fmt.Sprintf("requested for %d outstanding jobs", counts[kind]),
			LastActivityAt:      now,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := e.pools.Create(pool); err != nil {
			return err
		}
		if err := db.Upsert(txn, []*domain.WorkerPool{pool}); err != nil {
			return err
		}
		log.Infof("Requested pool %s for kind %s (%d outstanding jobs)", pool.PoolId, kind, counts[kind])
	}
	txn.Commit()
	return nil
}

// Evaluate walks all requested pools in admission order and grants, defers,
// evicts for or rejects each one. Requests are served highest priority first;
// ties go to the oldest request. Evicting frees capacity only once the victim
// has drained and released its lease, so a request that needed evictions is
// granted on a later pass.
func (e *AdmissionEngine) Evaluate(ctx context.Context, db *PoolDb) ([]*Decision, error) {
	txn := db.WriteTxn()
	defer txn.Abort()

	requests, err := db.GetByState(txn, domain.PoolRequested)
	if err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return nil, nil
	}
	slices.SortStableFunc(requests, func(a, b *domain.WorkerPool) bool {
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.PoolId < b.PoolId
	})

	decisions := make([]*Decision, 0, len(requests))
	granted := make([]*domain.WorkerPool, 0, len(requests))
	for _, request := range requests {
		decision, grantedPool, err := e.evaluateOne(ctx, txn, db, request)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, decision)
		if grantedPool != nil {
			granted = append(granted, grantedPool)
		}
		logDecision(decision)
	}
	txn.Commit()

	for _, pool := range granted {
		e.provisioner.Provision(pool)
	}
	return decisions, nil
}

func (e *AdmissionEngine) evaluateOne(ctx context.Context, txn *memdb.Txn, db *PoolDb, request *domain.WorkerPool) (*Decision, *domain.WorkerPool, error) {
	footprint := request.MemoryEstimateBytes
	if footprint <= 0 {
		footprint = e.estimator.EstimateBytes(ctx, request.Kind())
	}

	// A lease already held for this pool means an earlier pass granted it
	// and lost leadership before the pool row caught up. Adopt the lease
	// instead of granting a second one.
	adopted, err := db.GetLeaseForPool(txn, request.PoolId)
	if err != nil {
		return nil, nil, err
	}
	if adopted != nil {
		return e.grant(txn, db, request, adopted, "adopted lease held from an earlier pass")
	}

	held, err := db.HeldBytes(txn)
	if err != nil {
		return nil, nil, err
	}
	free := e.budgetBytes - held
	if free >= footprint {
		lease := &domain.Lease{
			LeaseId:        util.NewULID(),
			PoolId:         request.PoolId,
			RequestedBytes: footprint,
			GrantedBytes:   footprint,
			State:          domain.LeasePending,
			CreatedAt:      e.clock.Now(),
			TtlRenewedAt:   e.clock.Now(),
		}
		if err := e.leases.Create(lease, e.budgetBytes); err != nil {
			var capacityErr *flotillaerrors.ErrInsufficientCapacity
			if errors.As(err, &capacityErr) {
				// The projection was optimistic about a concurrent
				// writer. The durable guard wins; try again next pass.
				log.Warnf("Lease for pool %s denied durably despite projected capacity: %s", request.PoolId, err)
				return &Decision{PoolId: request.PoolId, Reason: capacityErr.Error()}, nil, nil
			}
			return nil, nil, err
		}
		return e.grant(txn, db, request, lease, "")
	}

	drainingBytes, err := e.drainingHeldBytes(txn, db)
	if err != nil {
		return nil, nil, err
	}
	if free+drainingBytes >= footprint {
		return &Decision{
			PoolId: request.PoolId,
			Reason: fmt.Sprintf("waiting for draining pools to release %d bytes", footprint-free),
		}, nil, nil
	}

	victims, victimBytes, err := e.selectVictims(txn, db, request, footprint-free-drainingBytes)
	if err != nil {
		return nil, nil, err
	}
	if free+drainingBytes+victimBytes < footprint {
		return e.reject(txn, db, request, footprint, free)
	}

	evicted := make([]string, 0, len(victims))
	for _, victim := range victims {
		message := fmt.Sprintf("evicted to free capacity for pool %s", request.PoolId)
		err := e.pools.Transition(victim.PoolId, domain.PoolRunning, domain.PoolDraining, message)
		if err != nil {
			if flotillaerrors.IsRetryable(err) {
				return nil, nil, err
			}
			// The victim moved concurrently, e.g. a lease expiry
			// force-stopped it. Its capacity is resolved either way.
			log.Warnf("Skipping eviction of pool %s: %s", victim.PoolId, err)
			continue
		}
		staged := victim.Copy()
		staged.State = domain.PoolDraining
		staged.StatusMessage = message
		staged.UpdatedAt = e.clock.Now()
		if err := db.Upsert(txn, []*domain.WorkerPool{staged}); err != nil {
			return nil, nil, err
		}
		metrics.PoolEvictions.Inc()
		evicted = append(evicted, victim.PoolId)
	}
	return &Decision{
		PoolId:  request.PoolId,
		Evicted: evicted,
		Reason:  fmt.Sprintf("evicted %d pools, waiting for %d bytes to be released", len(evicted), footprint-free),
	}, nil, nil
}

// grant binds the lease to the pool and moves it to provisioning. The staged
// copy is returned for the provisioner kick once the pass commits.
func (e *AdmissionEngine) grant(txn *memdb.Txn, db *PoolDb, request *domain.WorkerPool, lease *domain.Lease, reason string) (*Decision, *domain.WorkerPool, error) {
	if err := e.pools.SetLease(request.PoolId, lease.LeaseId); err != nil {
		return e.abandonGrant(txn, db, request, lease, err)
	}
	err := e.pools.Transition(request.PoolId, domain.PoolRequested, domain.PoolProvisioning, "provisioning")
	if err != nil {
		return e.abandonGrant(txn, db, request, lease, err)
	}

	staged := request.Copy()
	staged.State = domain.PoolProvisioning
	staged.LeaseId = lease.LeaseId
	staged.MemoryEstimateBytes = lease.GrantedBytes
	staged.StatusMessage = "provisioning"
	staged.UpdatedAt = e.clock.Now()
	if err := db.Upsert(txn, []*domain.WorkerPool{staged}); err != nil {
		return nil, nil, err
	}
	if err := db.UpsertLeases(txn, []*domain.Lease{lease}); err != nil {
		return nil, nil, err
	}
	return &Decision{
		PoolId:  request.PoolId,
		Granted: true,
		LeaseId: lease.LeaseId,
		Reason:  reason,
	}, staged, nil
}

// abandonGrant unwinds a grant whose pool moved concurrently, e.g. an
// operator force-stopped it between evaluation and the guarded write.
// Transient errors propagate instead; the held lease is then adopted by the
// next pass.
func (e *AdmissionEngine) abandonGrant(txn *memdb.Txn, db *PoolDb, request *domain.WorkerPool, lease *domain.Lease, cause error) (*Decision, *domain.WorkerPool, error) {
	if flotillaerrors.IsRetryable(cause) {
		return nil, nil, cause
	}
	log.Warnf("Abandoning grant of lease %s to pool %s: %s", lease.LeaseId, request.PoolId, cause)
	if err := e.leases.Release(lease.LeaseId); err != nil {
		return nil, nil, err
	}
	if err := db.Delete(txn, request.PoolId); err != nil {
		return nil, nil, err
	}
	return &Decision{PoolId: request.PoolId, Reason: "superseded by a concurrent transition"}, nil, nil
}

func (e *AdmissionEngine) reject(txn *memdb.Txn, db *PoolDb, request *domain.WorkerPool, footprint int64, free int64) (*Decision, *domain.WorkerPool, error) {
	capacityErr := &flotillaerrors.ErrInsufficientCapacity{
		RequestedBytes: footprint,
		AvailableBytes: free,
		BudgetBytes:    e.budgetBytes,
	}
	err := e.pools.Transition(request.PoolId, domain.PoolRequested, domain.PoolFailed, capacityErr.Error())
	if err != nil {
		if flotillaerrors.IsRetryable(err) {
			return nil, nil, err
		}
		log.Warnf("Skipping rejection of pool %s: %s", request.PoolId, err)
	}
	if err := db.Delete(txn, request.PoolId); err != nil {
		return nil, nil, err
	}
	return &Decision{
		PoolId:   request.PoolId,
		Rejected: true,
		Reason:   capacityErr.Error(),
	}, nil, nil
}

// selectVictims returns running pools to evict, in eviction order, until
// their held bytes cover the deficit. Protected pools and pools above the
// requester's priority are never picked. The returned total may fall short
// of the deficit; the caller rejects in that case.
func (e *AdmissionEngine) selectVictims(txn *memdb.Txn, db *PoolDb, request *domain.WorkerPool, deficit int64) ([]*domain.WorkerPool, int64, error) {
	running, err := db.GetByState(txn, domain.PoolRunning)
	if err != nil {
		return nil, 0, err
	}
	eligible := make([]*domain.WorkerPool, 0, len(running))
	for _, pool := range running {
		if pool.Protected(e.protectedPriority) {
			continue
		}
		if pool.Priority > request.Priority {
			continue
		}
		eligible = append(eligible, pool)
	}
	e.sortByEvictionOrder(eligible)

	victims := make([]*domain.WorkerPool, 0, len(eligible))
	total := int64(0)
	for _, pool := range eligible {
		if total >= deficit {
			break
		}
		bytes, err := e.heldByPool(txn, db, pool)
		if err != nil {
			return nil, 0, err
		}
		if bytes <= 0 {
			continue
		}
		victims = append(victims, pool)
		total += bytes
	}
	return victims, total, nil
}

func (e *AdmissionEngine) sortByEvictionOrder(pools []*domain.WorkerPool) {
	slices.SortStableFunc(pools, func(a, b *domain.WorkerPool) bool {
		if e.evictionPolicy == EvictionPolicyLowestPriority && a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.Before(b.LastActivityAt)
		}
		return a.PoolId < b.PoolId
	})
}

func (e *AdmissionEngine) heldByPool(txn *memdb.Txn, db *PoolDb, pool *domain.WorkerPool) (int64, error) {
	lease, err := db.GetLeaseForPool(txn, pool.PoolId)
	if err != nil {
		return 0, err
	}
	if lease != nil {
		return lease.GrantedBytes, nil
	}
	return pool.MemoryEstimateBytes, nil
}

// drainingHeldBytes sums the lease bytes of pools already on their way out.
// That capacity is treated as projected-to-free, so a deferred request does
// not trigger a second round of evictions.
func (e *AdmissionEngine) drainingHeldBytes(txn *memdb.Txn, db *PoolDb) (int64, error) {
	draining, err := db.GetByState(txn, domain.PoolDraining)
	if err != nil {
		return 0, err
	}
	total := int64(0)
	for _, pool := range draining {
		bytes, err := e.heldByPool(txn, db, pool)
		if err != nil {
			return 0, err
		}
		total += bytes
	}
	return total, nil
}

func logDecision(decision *Decision) {
	switch {
	case decision.Granted:
		log.Infof("Granted lease %s to pool %s", decision.LeaseId, decision.PoolId)
	case decision.Rejected:
		log.Warnf("Rejected pool %s: %s", decision.PoolId, decision.Reason)
	case len(decision.Evicted) > 0:
		log.Warnf("Deferred pool %s: %s", decision.PoolId, decision.Reason)
	default:
		log.Debugf("Deferred pool %s: %s", decision.PoolId, decision.Reason)
	}
}
