package leader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
	"github.com/flotillaproject/flotilla/internal/flotilla/repository"
)

// A leader steps down after this many consecutive failed renewal attempts,
// even though the lock may not have expired yet. Halting early is safe; a
// split brain is not.
const maxFailedRenewals = 2

// DatabaseLeaderController elects a leader through a TTL'd lock row, so
// multiple orchestrator instances can run for high availability. Expiry is
// measured on database-generated timestamps only; instance clocks never
// enter the comparison.
type DatabaseLeaderController struct {
	store     repository.LockStore
	config    configuration.LeaderConfig
	token     atomic.Value
	listeners []LeaseListener

	mu             sync.Mutex
	failedRenewals int
}

func NewDatabaseLeaderController(store repository.LockStore, config configuration.LeaderConfig) *DatabaseLeaderController {
	controller := &DatabaseLeaderController{
		store:  store,
		config: config,
	}
	controller.token.Store(InvalidLeaderToken())
	return controller
}

// RegisterListener adds a listener notified on leadership changes. Must be
// called before Run.
func (lc *DatabaseLeaderController) RegisterListener(listener LeaseListener) {
	lc.listeners = append(lc.listeners, listener)
}

func (lc *DatabaseLeaderController) GetToken() LeaderToken {
	return lc.token.Load().(LeaderToken)
}

func (lc *DatabaseLeaderController) ValidateToken(tok LeaderToken) bool {
	if tok.leader {
		return lc.token.Load().(LeaderToken).id == tok.id
	}
	return false
}

func (lc *DatabaseLeaderController) GetLeaderReport() LeaderReport {
	report := LeaderReport{
		IsCurrentProcessLeader: lc.GetToken().leader,
	}
	lock, err := lc.store.Get(lc.config.LockName)
	if err != nil {
		return report
	}
	report.LeaderName = lock.HolderId
	report.TtlRemaining = lock.TtlRemaining(time.Now())
	return report
}

// Run drives the acquire/renew loop until ctx is cancelled. On cancellation
// a held lock is released so a standby can take over without waiting out the
// TTL.
func (lc *DatabaseLeaderController) Run(ctx context.Context) error {
	ticker := time.NewTicker(lc.config.Interval)
	defer ticker.Stop()

	lc.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			if lc.GetToken().leader {
				lc.stopLeading()
				if err := lc.store.Release(lc.config.LockName, lc.config.HolderId); err != nil {
					log.WithError(err).Warnf("failed to release leader lock %s", lc.config.LockName)
				}
			}
			return ctx.Err()
		case <-ticker.C:
			lc.tick(ctx)
		}
	}
}

// tick performs one acquire/renew attempt and reconciles the token with the
// outcome. A denial from the store is authoritative and revokes leadership
// immediately; errors revoke it after maxFailedRenewals consecutive misses.
func (lc *DatabaseLeaderController) tick(ctx context.Context) {
	wasLeader := lc.GetToken().leader
	isLeader, err := lc.store.TryAcquireOrRenew(lc.config.LockName, lc.config.HolderId, lc.config.Ttl)
	if err != nil {
		if !wasLeader {
			log.WithError(err).Warnf("could not attempt to acquire leader lock %s", lc.config.LockName)
			return
		}
		lc.mu.Lock()
		lc.failedRenewals++
		failed := lc.failedRenewals
		lc.mu.Unlock()
		log.WithError(err).Warnf("failed to renew leader lock %s (%d consecutive failures)", lc.config.LockName, failed)
		if failed >= maxFailedRenewals {
			log.Warnf("giving up leadership of %s after %d failed renewals", lc.config.LockName, failed)
			lc.stopLeading()
		}
		return
	}

	lc.mu.Lock()
	lc.failedRenewals = 0
	lc.mu.Unlock()

	switch {
	case isLeader && !wasLeader:
		log.Infof("acquired leader lock %s as %s", lc.config.LockName, lc.config.HolderId)
		lc.token.Store(NewLeaderToken())
		for _, listener := range lc.listeners {
			listener.OnStartedLeading(ctx)
		}
	case !isLeader && wasLeader:
		log.Warnf("lost leader lock %s", lc.config.LockName)
		lc.stopLeading()
	}
}

func (lc *DatabaseLeaderController) stopLeading() {
	if !lc.GetToken().leader {
		return
	}
	lc.token.Store(InvalidLeaderToken())
	for _, listener := range lc.listeners {
		listener.OnStoppedLeading()
	}
}
