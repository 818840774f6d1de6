package pools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
	"github.com/flotillaproject/flotilla/internal/flotilla/events"
	"github.com/flotillaproject/flotilla/internal/flotilla/repository"
)

// FootprintEstimator resolves the GPU memory footprint a pool of the given
// kind is expected to occupy.
type FootprintEstimator interface {
	EstimateBytes(ctx context.Context, kind domain.Kind) int64
}

// Manager drives pools through their lifecycle: provisioning replicas after
// an admission grant, renewing the lease of every pool it hosts, draining and
// stopping, and adapter hot-swaps. Progress is always reported by writing
// pool state, so any instance can observe it; the replicas themselves live
// only on the instance that provisioned them.
type Manager struct {
	jobs      repository.JobStore
	pools     repository.PoolStore
	leases    repository.LeaseStore
	queue     repository.JobQueue
	runner    Runner
	estimator FootprintEstimator
	publisher events.Publisher
	clock     util.Clock

	budgetBytes       int64
	renewInterval     time.Duration
	provisionTimeout  time.Duration
	drainGracePeriod  time.Duration
	defaultMaxRetries int

	mu     sync.Mutex
	hosted map[string]*hostedPool
}

// hostedPool tracks a pool whose replicas run on this instance.
type hostedPool struct {
	poolId         string
	leaseId        string
	cancelRenew    context.CancelFunc
	drainSignalled bool
}

func NewManager(
	jobs repository.JobStore,
	pools repository.PoolStore,
	leases repository.LeaseStore,
	queue repository.JobQueue,
	runner Runner,
	estimator FootprintEstimator,
	publisher events.Publisher,
	clock util.Clock,
	poolsConfig configuration.PoolsConfig,
	leaseConfig configuration.LeaseConfig,
	queueConfig configuration.QueueConfig,
) *Manager {
	renewInterval := leaseConfig.RenewInterval
	if renewInterval <= 0 {
		renewInterval = time.Second
	}
	provisionTimeout := poolsConfig.ProvisionTimeout
	if provisionTimeout <= 0 {
		provisionTimeout = 5 * time.Minute
	}
	return &Manager{
		jobs:              jobs,
		pools:             pools,
		leases:            leases,
		queue:             queue,
		runner:            runner,
		estimator:         estimator,
		publisher:         publisher,
		clock:             clock,
		budgetBytes:       leaseConfig.HostBudgetBytes,
		renewInterval:     renewInterval,
		provisionTimeout:  provisionTimeout,
		drainGracePeriod:  poolsConfig.DrainGracePeriod,
		defaultMaxRetries: queueConfig.MaxRetries,
		hosted:            map[string]*hostedPool{},
	}
}

// Provision starts loading a pool that was granted a lease. It returns
// immediately; replica startup runs in its own goroutine and reports by
// writing pool state.
func (m *Manager) Provision(pool *domain.WorkerPool) {
	go m.provision(pool.Copy())
}

func (m *Manager) provision(pool *domain.WorkerPool) {
	log.Infof("Provisioning pool %s (%s, %d replicas)", pool.PoolId, pool.Kind().String(), pool.ReplicaCount)
	ctx, cancel := context.WithTimeout(context.Background(), m.provisionTimeout)
	defer cancel()

	if err := m.runner.Start(ctx, pool, func(cause error) { m.replicaExited(pool.PoolId, cause) }); err != nil {
		m.failPool(pool, err)
		return
	}
	if err := m.leases.Activate(pool.LeaseId); err != nil {
		// the lease was reaped while the model was loading
		m.runner.Stop(pool.PoolId)
		m.failPool(pool, errors.Wrapf(err, "activating lease %s", pool.LeaseId))
		return
	}
	if err := m.pools.Transition(pool.PoolId, domain.PoolProvisioning, domain.PoolRunning, "serving"); err != nil {
		log.Warnf("Pool %s was stopped during provisioning: %s", pool.PoolId, err)
		m.runner.Stop(pool.PoolId)
		m.releaseLease(pool.PoolId, pool.LeaseId)
		return
	}
	if err := m.pools.Touch(pool.PoolId); err != nil {
		log.Debugf("Could not record activity for pool %s: %s", pool.PoolId, err)
	}

	m.host(pool)
	m.publish(&events.Event{
		Type:       events.EventPoolReady,
		OccurredAt: m.clock.Now(),
		PoolId:     pool.PoolId,
		LeaseId:    pool.LeaseId,
		ModelId:    pool.ModelId,
		AdapterId:  pool.AdapterId,
	})
	log.Infof("Pool %s running", pool.PoolId)
}

// failPool records a load failure: the pool moves to failed, the lease is
// released and the jobs the pool had on its plate are requeued once.
func (m *Manager) failPool(pool *domain.WorkerPool, cause error) {
	loadErr := &flotillaerrors.ErrLoadFailure{
		PoolId:    pool.PoolId,
		ModelId:   pool.ModelId,
		AdapterId: pool.AdapterId,
		Reason:    cause.Error(),
	}
	log.Errorf("Provisioning pool %s failed: %s", pool.PoolId, cause)

	if err := m.pools.Transition(pool.PoolId, domain.PoolProvisioning, domain.PoolFailed, loadErr.Error()); err != nil {
		log.Warnf("Could not fail pool %s: %s", pool.PoolId, err)
	}
	m.releaseLease(pool.PoolId, pool.LeaseId)
	m.unhost(pool.PoolId)
	m.requeueAffected(pool.Kind(), loadErr)
	m.publish(&events.Event{
		Type:       events.EventPoolFailed,
		OccurredAt: m.clock.Now(),
		PoolId:     pool.PoolId,
		LeaseId:    pool.LeaseId,
		ModelId:    pool.ModelId,
		AdapterId:  pool.AdapterId,
		Message:    loadErr.Error(),
	})
}

// StopPool begins a graceful drain. Replicas stop claiming; the drain
// completes on a later Tick once in-flight jobs run down or the grace period
// lapses.
func (m *Manager) StopPool(poolId string) error {
	if err := m.pools.Transition(poolId, domain.PoolRunning, domain.PoolDraining, "draining: stop requested"); err != nil {
		return err
	}
	log.Infof("Pool %s draining", poolId)
	m.signalDrain(poolId)
	return nil
}

// StopAll stops every non-terminal pool: running pools drain, requested and
// provisioning pools are failed outright. Returns how many pools were
// affected.
func (m *Manager) StopAll() (int, error) {
	live, err := m.pools.ListLive()
	if err != nil {
		return 0, err
	}

	var result *multierror.Error
	stopped := 0
	for _, pool := range live {
		var err error
		switch pool.State {
		case domain.PoolRequested:
			err = m.pools.Transition(pool.PoolId, domain.PoolRequested, domain.PoolFailed, "stopped by operator before provisioning")
		case domain.PoolProvisioning:
			err = m.abortProvisioning(pool)
		case domain.PoolRunning:
			err = m.StopPool(pool.PoolId)
		default:
			// already draining
			continue
		}
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		stopped++
	}
	return stopped, result.ErrorOrNil()
}

func (m *Manager) abortProvisioning(pool *domain.WorkerPool) error {
	if err := m.pools.Transition(pool.PoolId, domain.PoolProvisioning, domain.PoolFailed, "stopped by operator during provisioning"); err != nil {
		return err
	}
	m.runner.Stop(pool.PoolId)
	m.releaseLease(pool.PoolId, pool.LeaseId)
	m.unhost(pool.PoolId)
	m.publish(&events.Event{
		Type:       events.EventPoolFailed,
		OccurredAt: m.clock.Now(),
		PoolId:     pool.PoolId,
		ModelId:    pool.ModelId,
		AdapterId:  pool.AdapterId,
		Message:    "stopped by operator during provisioning",
	})
	return nil
}

// SwapAdapter hot-swaps the pool's adapter on the same pool and lease. The
// lease is kept as is when the new footprint fits the current grant, grown in
// place when the host budget still covers the difference, and the swap is
// rejected with a capacity error otherwise so the caller can route through
// the standard eviction path.
func (m *Manager) SwapAdapter(ctx context.Context, poolId string, adapterId string) error {
	pool, err := m.pools.Get(poolId)
	if err != nil {
		return err
	}
	if pool.State != domain.PoolRunning {
		return errors.WithStack(&flotillaerrors.ErrInvalidTransition{
			Type: "pool", Id: poolId, From: pool.State.String(), To: domain.PoolProvisioning.String(),
		})
	}
	if adapterId == pool.AdapterId {
		log.Debugf("Pool %s already serves adapter %s", poolId, adapterId)
		return nil
	}

	kind := domain.Kind{ModelId: pool.ModelId, AdapterId: adapterId}
	estimate := m.estimator.EstimateBytes(ctx, kind)
	lease, err := m.leases.Get(pool.LeaseId)
	if err != nil {
		return err
	}
	if estimate > lease.GrantedBytes {
		if err := m.leases.Grow(pool.LeaseId, estimate-lease.GrantedBytes, m.budgetBytes); err != nil {
			return err
		}
	}

	if err := m.pools.Transition(poolId, domain.PoolRunning, domain.PoolProvisioning, fmt.Sprintf("swapping adapter to %s", adapterId)); err != nil {
		return err
	}
	if err := m.pools.UpdateAdapter(poolId, adapterId, estimate); err != nil {
		if rerr := m.pools.Transition(poolId, domain.PoolProvisioning, domain.PoolRunning, "swap aborted"); rerr != nil {
			log.Errorf("Could not abort swap of pool %s: %s", poolId, rerr)
		}
		return err
	}

	updated, err := m.pools.Get(poolId)
	if err != nil {
		return err
	}
	log.Infof("Pool %s swapping adapter %q -> %q", poolId, pool.AdapterId, adapterId)
	go m.swap(pool, updated)
	return nil
}

func (m *Manager) swap(old *domain.WorkerPool, pool *domain.WorkerPool) {
	// replicas restart against the new adapter; jobs in flight on the old
	// one return to pending right away instead of waiting out reclaim
	m.runner.Stop(pool.PoolId)
	m.requeueActive(old.Kind(), fmt.Sprintf("requeued: pool %s swapped adapter %s -> %s", pool.PoolId, old.AdapterId, pool.AdapterId))

	ctx, cancel := context.WithTimeout(context.Background(), m.provisionTimeout)
	defer cancel()
	if err := m.runner.Start(ctx, pool, func(cause error) { m.replicaExited(pool.PoolId, cause) }); err != nil {
		m.failPool(pool, err)
		return
	}
	if err := m.pools.Transition(pool.PoolId, domain.PoolProvisioning, domain.PoolRunning, "serving"); err != nil {
		log.Warnf("Pool %s was stopped during swap: %s", pool.PoolId, err)
		m.runner.Stop(pool.PoolId)
		return
	}
	m.publish(&events.Event{
		Type:       events.EventPoolReady,
		OccurredAt: m.clock.Now(),
		PoolId:     pool.PoolId,
		LeaseId:    pool.LeaseId,
		ModelId:    pool.ModelId,
		AdapterId:  pool.AdapterId,
	})
	log.Infof("Pool %s serving adapter %s", pool.PoolId, pool.AdapterId)
}

// Tick reconciles the pools hosted on this instance against their durable
// state: replicas of pools stopped or failed elsewhere are torn down, and
// draining pools advance to stopped once quiet. Runs on every instance, not
// just the leader, because only the hosting instance can touch the replicas.
func (m *Manager) Tick(ctx context.Context) {
	for _, h := range m.hostedSnapshot() {
		pool, err := m.pools.Get(h.poolId)
		if err != nil {
			var notFound *flotillaerrors.ErrNotFound
			if errors.As(err, &notFound) {
				m.runner.Stop(h.poolId)
				m.unhost(h.poolId)
				continue
			}
			log.Warnf("Could not reconcile pool %s: %s", h.poolId, err)
			continue
		}

		switch pool.State {
		case domain.PoolStopped, domain.PoolFailed:
			log.Infof("Pool %s is %s, stopping replicas", pool.PoolId, pool.State)
			m.runner.Stop(pool.PoolId)
			m.unhost(pool.PoolId)
		case domain.PoolDraining:
			m.advanceDrain(pool)
		}
	}
}

func (m *Manager) advanceDrain(pool *domain.WorkerPool) {
	m.signalDrain(pool.PoolId)

	inFlight, err := m.jobs.ListByKindAndStatus(pool.Kind(), domain.JobClaimed, domain.JobProcessing)
	if err != nil {
		log.Warnf("Could not count in-flight jobs of pool %s: %s", pool.PoolId, err)
		return
	}
	graceElapsed := m.clock.Now().Sub(pool.UpdatedAt) >= m.drainGracePeriod
	if len(inFlight) > 0 && !graceElapsed {
		return
	}

	message := "stopped: drained"
	if len(inFlight) > 0 {
		// abandoned entries reclaim once their claims go stale
		message = fmt.Sprintf("stopped: drain grace period elapsed with %d jobs in flight", len(inFlight))
	}
	m.finishStop(pool, message)
}

func (m *Manager) finishStop(pool *domain.WorkerPool, message string) {
	m.runner.Stop(pool.PoolId)
	if err := m.pools.Transition(pool.PoolId, domain.PoolDraining, domain.PoolStopped, message); err != nil {
		log.Warnf("Could not stop pool %s: %s", pool.PoolId, err)
	}
	m.releaseLease(pool.PoolId, pool.LeaseId)
	m.unhost(pool.PoolId)
	m.publish(&events.Event{
		Type:       events.EventPoolStopped,
		OccurredAt: m.clock.Now(),
		PoolId:     pool.PoolId,
		LeaseId:    pool.LeaseId,
		ModelId:    pool.ModelId,
		AdapterId:  pool.AdapterId,
		Message:    message,
	})
	log.Infof("Pool %s %s", pool.PoolId, message)
}

// replicaExited handles a replica dying while the pool is live. There is no
// running -> failed edge: the pool is force-stopped, skipping the drain, and
// in-flight entries reclaim naturally.
func (m *Manager) replicaExited(poolId string, cause error) {
	log.Errorf("Pool %s lost a replica: %s", poolId, cause)
	m.runner.Stop(poolId)

	pool, err := m.pools.Get(poolId)
	if err != nil {
		log.Errorf("Could not read pool %s after replica exit: %s", poolId, err)
		m.unhost(poolId)
		return
	}
	if pool.State.IsTerminal() {
		m.unhost(poolId)
		return
	}

	message := fmt.Sprintf("stopped: %s", cause)
	if err := m.pools.ForceStop(poolId, message); err != nil {
		log.Errorf("Could not force-stop pool %s: %s", poolId, err)
	}
	m.releaseLease(poolId, pool.LeaseId)
	m.unhost(poolId)
	m.publish(&events.Event{
		Type:       events.EventPoolStopped,
		OccurredAt: m.clock.Now(),
		PoolId:     poolId,
		LeaseId:    pool.LeaseId,
		ModelId:    pool.ModelId,
		AdapterId:  pool.AdapterId,
		Message:    message,
	})
}

// requeueAffected gives the failed pool's jobs back to the queue: claimed and
// processing rows return to pending (their entries reclaim once idle), and
// failed jobs with retry budget left are re-enqueued since their entries were
// already acknowledged.
func (m *Manager) requeueAffected(kind domain.Kind, cause error) {
	affected, err := m.jobs.ListByKindAndStatus(kind, domain.JobClaimed, domain.JobProcessing, domain.JobFailed)
	if err != nil {
		log.Warnf("Could not list jobs affected by failure of %s: %s", kind.String(), err)
		return
	}

	requeued := 0
	for _, job := range affected {
		if job.Status == domain.JobFailed && job.RetryCount >= job.RetryCeiling(m.defaultMaxRetries) {
			continue
		}
		if err := m.jobs.Requeue(job.JobId, cause.Error()); err != nil {
			log.Warnf("Could not requeue job %s: %s", job.JobId, err)
			continue
		}
		if job.Status == domain.JobFailed {
			if _, err := m.queue.Enqueue(job); err != nil {
				log.Errorf("Requeued job %s has no queue entry: %s", job.JobId, err)
				continue
			}
		}
		requeued++
	}
	if requeued > 0 {
		log.Infof("Requeued %d jobs of kind %s after pool failure", requeued, kind.String())
	}
}

func (m *Manager) requeueActive(kind domain.Kind, reason string) {
	active, err := m.jobs.ListByKindAndStatus(kind, domain.JobClaimed, domain.JobProcessing)
	if err != nil {
		log.Warnf("Could not list in-flight jobs of %s: %s", kind.String(), err)
		return
	}
	for _, job := range active {
		if err := m.jobs.Requeue(job.JobId, reason); err != nil {
			log.Warnf("Could not requeue job %s: %s", job.JobId, err)
		}
	}
}

func (m *Manager) releaseLease(poolId string, leaseId string) {
	if leaseId == "" {
		return
	}
	if err := m.leases.Release(leaseId); err != nil {
		log.Errorf("Could not release lease %s of pool %s: %s", leaseId, poolId, err)
	}
	if err := m.pools.SetLease(poolId, ""); err != nil {
		var notFound *flotillaerrors.ErrNotFound
		if !errors.As(err, &notFound) {
			log.Errorf("Could not clear lease of pool %s: %s", poolId, err)
		}
	}
}

func (m *Manager) host(pool *domain.WorkerPool) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if existing := m.hosted[pool.PoolId]; existing != nil {
		existing.cancelRenew()
	}
	m.hosted[pool.PoolId] = &hostedPool{poolId: pool.PoolId, leaseId: pool.LeaseId, cancelRenew: cancel}
	m.mu.Unlock()

	go m.renewLoop(ctx, pool.PoolId, pool.LeaseId)
}

func (m *Manager) unhost(poolId string) {
	m.mu.Lock()
	h := m.hosted[poolId]
	delete(m.hosted, poolId)
	m.mu.Unlock()
	if h != nil {
		h.cancelRenew()
	}
}

func (m *Manager) signalDrain(poolId string) {
	m.mu.Lock()
	h := m.hosted[poolId]
	first := h != nil && !h.drainSignalled
	if first {
		h.drainSignalled = true
	}
	m.mu.Unlock()
	if first {
		m.runner.Drain(poolId)
	}
}

func (m *Manager) hostedSnapshot() []*hostedPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make([]*hostedPool, 0, len(m.hosted))
	for _, h := range m.hosted {
		snapshot = append(snapshot, h)
	}
	return snapshot
}

// renewLoop is the heartbeat keeping the hosted pool's lease from expiring.
// Losing the lease for good means the expiry sweep already reclaimed the
// pool's memory, so serving must stop immediately.
func (m *Manager) renewLoop(ctx context.Context, poolId string, leaseId string) {
	ticker := time.NewTicker(m.renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.leases.Renew(leaseId)
			if err == nil {
				continue
			}
			if flotillaerrors.IsRetryable(err) {
				log.Warnf("Could not renew lease %s: %s", leaseId, err)
				continue
			}
			log.Errorf("Lost lease %s for pool %s: %s", leaseId, poolId, err)
			m.runner.Stop(poolId)
			m.unhost(poolId)
			return
		}
	}
}

func (m *Manager) publish(event *events.Event) {
	if err := m.publisher.Publish(event); err != nil {
		log.Warnf("Could not publish %s event for pool %s: %s", event.Type, event.PoolId, err)
	}
}
