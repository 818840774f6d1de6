package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
	"github.com/flotillaproject/flotilla/internal/flotilla/repository"
)

// Runtime is one replica's claim loop. It claims batches from its kind's
// queue partition and walks each entry through the job state machine:
// claimed, processing, then done or failed, acknowledging the entry only
// after the outcome is durably recorded. Entries it cannot cleanly own are
// left unacknowledged for the reclaimer to arbitrate.
type Runtime struct {
	consumerId     string
	poolId         string
	kind           string
	queue          repository.JobQueue
	jobs           repository.JobStore
	pools          repository.PoolStore
	executor       Executor
	claimBatchSize int64

	draining int32
}

func NewRuntime(
	consumerId string,
	pool *domain.WorkerPool,
	queue repository.JobQueue,
	jobs repository.JobStore,
	pools repository.PoolStore,
	executor Executor,
	claimBatchSize int64,
) *Runtime {
	return &Runtime{
		consumerId:     consumerId,
		poolId:         pool.PoolId,
		kind:           pool.Kind().String(),
		queue:          queue,
		jobs:           jobs,
		pools:          pools,
		executor:       executor,
		claimBatchSize: claimBatchSize,
	}
}

// Drain makes Run return once the current batch is finished. In-flight jobs
// complete; nothing new is claimed.
func (r *Runtime) Drain() {
	atomic.StoreInt32(&r.draining, 1)
}

// Run claims and executes jobs until ctx is cancelled or Drain is called.
// Claim blocks for at most the queue's configured block interval, which
// bounds how long shutdown waits on an idle replica.
func (r *Runtime) Run(ctx context.Context) error {
	log.Infof("Replica %s serving %s", r.consumerId, r.kind)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if atomic.LoadInt32(&r.draining) == 1 {
			log.Infof("Replica %s drained", r.consumerId)
			return nil
		}

		entries, err := r.queue.Claim(r.kind, r.consumerId, r.claimBatchSize)
		if err != nil {
			log.Warnf("Replica %s could not claim: %s", r.consumerId, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if len(entries) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		if err := r.pools.Touch(r.poolId); err != nil {
			log.Debugf("Could not record activity for pool %s: %s", r.poolId, err)
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.process(ctx, entry)
		}
	}
}

func (r *Runtime) process(ctx context.Context, entry *domain.QueueEntry) {
	if !r.claimRow(entry) {
		return
	}

	job, err := r.jobs.Get(entry.JobId)
	if err != nil {
		log.Warnf("Replica %s could not read job %s: %s", r.consumerId, entry.JobId, err)
		return
	}
	if err := r.jobs.MarkProcessing(entry.JobId, r.consumerId); err != nil {
		log.Warnf("Replica %s lost job %s before processing: %s", r.consumerId, entry.JobId, err)
		return
	}

	result, execErr := r.executor.Execute(ctx, job)
	if ctx.Err() != nil {
		// stopping mid-execution; the row and entry reclaim once the claim
		// goes stale
		log.Warnf("Replica %s abandoning job %s", r.consumerId, entry.JobId)
		return
	}
	if execErr != nil {
		log.Warnf("Job %s failed on replica %s: %s", entry.JobId, r.consumerId, execErr)
		if err := r.jobs.MarkFailed(entry.JobId, r.consumerId, execErr.Error()); err != nil {
			log.Warnf("Could not record failure of job %s: %s", entry.JobId, err)
			return
		}
	} else {
		if err := r.jobs.MarkDone(entry.JobId, r.consumerId, result); err != nil {
			log.Warnf("Could not record result of job %s: %s", entry.JobId, err)
			return
		}
	}
	r.ack(entry)
}

// claimRow records delivery on the job row. Entries whose job is terminal or
// unknown are acknowledged and dropped; anything else that cannot be claimed
// is left pending for the reclaimer.
func (r *Runtime) claimRow(entry *domain.QueueEntry) bool {
	err := r.jobs.MarkClaimed(entry.JobId, r.consumerId)
	if err == nil {
		return true
	}

	var notFound *flotillaerrors.ErrNotFound
	if errors.As(err, &notFound) {
		log.Warnf("Dropping entry %s: job %s does not exist", entry.StreamOffset, entry.JobId)
		r.ack(entry)
		return false
	}
	var invalid *flotillaerrors.ErrInvalidTransition
	if errors.As(err, &invalid) && domain.JobStatus(invalid.From).IsTerminal() {
		log.Debugf("Dropping entry %s: job %s already %s", entry.StreamOffset, entry.JobId, invalid.From)
		r.ack(entry)
		return false
	}
	log.Warnf("Replica %s not claiming job %s: %s", r.consumerId, entry.JobId, err)
	return false
}

func (r *Runtime) ack(entry *domain.QueueEntry) {
	if err := r.queue.Ack(r.kind, entry.StreamOffset); err != nil {
		log.Warnf("Could not acknowledge entry %s: %s", entry.StreamOffset, err)
	}
}
