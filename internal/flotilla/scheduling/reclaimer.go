package scheduling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
	"github.com/flotillaproject/flotilla/internal/flotilla/events"
	"github.com/flotillaproject/flotilla/internal/flotilla/leader"
	"github.com/flotillaproject/flotilla/internal/flotilla/metrics"
	"github.com/flotillaproject/flotilla/internal/flotilla/repository"
)

// Reclaimer returns queue entries abandoned by crashed or wedged consumers to
// the queue, or routes them to the dead-letter stream once their delivery
// budget is spent. It runs on the leader only. Every step is idempotent, so a
// sweep interrupted by a crash or a leadership change is simply repeated.
type Reclaimer struct {
	controller leader.LeaderController
	queue      repository.JobQueue
	jobs       repository.JobStore
	publisher  events.Publisher

	idleThreshold time.Duration
	batchSize     int64
	maxRetries    int
}

func NewReclaimer(
	controller leader.LeaderController,
	queue repository.JobQueue,
	jobStore repository.JobStore,
	publisher events.Publisher,
	config configuration.QueueConfig,
) *Reclaimer {
	return &Reclaimer{
		controller:    controller,
		queue:         queue,
		jobs:          jobStore,
		publisher:     publisher,
		idleThreshold: config.IdleThreshold,
		batchSize:     config.ClaimBatchSize,
		maxRetries:    config.MaxRetries,
	}
}

// Tick sweeps all kinds once if this instance currently leads. Errors are
// logged per kind so one unreachable stream does not starve the others.
func (r *Reclaimer) Tick(ctx context.Context) {
	if !r.controller.GetToken().IsLeader() {
		return
	}
	kinds, err := r.queue.Kinds()
	if err != nil {
		log.Errorf("Reclaim sweep failed to list kinds: %s", err)
		return
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		if util.CloseToDeadline(ctx, time.Second) {
			log.Warnf("Reclaim sweep ran out of time, resuming next tick")
			return
		}
		reclaimed, deadLettered, err := r.sweepKind(kind)
		if err != nil {
			log.Errorf("Reclaim sweep failed for kind %s: %s", kind, err)
			continue
		}
		if reclaimed > 0 || deadLettered > 0 {
			log.Infof("Reclaim sweep for kind %s requeued %d and dead-lettered %d entries", kind, reclaimed, deadLettered)
		}
	}
}

func (r *Reclaimer) sweepKind(kind string) (int, int, error) {
	stale, err := r.queue.ListStale(kind, r.idleThreshold, r.batchSize)
	if err != nil {
		return 0, 0, err
	}

	reclaimed := 0
	deadLettered := 0
	for _, entry := range stale {
		job, err := r.jobs.Get(entry.JobId)
		if err != nil {
			var notFound *flotillaerrors.ErrNotFound
			if errors.As(err, &notFound) {
				// No job record to redeliver for; drop the entry.
				log.Warnf("Dropping stale entry %s for unknown job %s", entry.StreamOffset, entry.JobId)
				if err := r.queue.Ack(kind, entry.StreamOffset); err != nil {
					return reclaimed, deadLettered, err
				}
				continue
			}
			return reclaimed, deadLettered, err
		}

		// The consumer finished the job but crashed before acknowledging
		// the entry. The result stands; only the entry is dropped.
		if job.Status.IsTerminal() {
			if err := r.queue.Ack(kind, entry.StreamOffset); err != nil {
				return reclaimed, deadLettered, err
			}
			continue
		}

		if entry.DeliveryCount > job.RetryCeiling(r.maxRetries) {
			if err := r.deadLetter(kind, entry, job); err != nil {
				return reclaimed, deadLettered, err
			}
			deadLettered++
			continue
		}

		if err := r.requeue(kind, entry, job); err != nil {
			return reclaimed, deadLettered, err
		}
		reclaimed++
	}
	return reclaimed, deadLettered, nil
}

// requeue moves the job record back to pending before touching the queue.
// If the process dies in between, the entry is still stale next sweep and
// the guarded job transition simply repeats. A job that is still pending,
// because its consumer died before recording the claim, needs no record
// change at all.
func (r *Reclaimer) requeue(kind string, entry *repository.PendingEntry, job *domain.Job) error {
	if job.Status != domain.JobPending {
		reason := fmt.Sprintf("reclaimed: consumer %s idle for %s", entry.ConsumerId, entry.Idle.Round(time.Second))
		if err := r.jobs.Requeue(entry.JobId, reason); err != nil {
			if flotillaerrors.IsRetryable(err) {
				return err
			}
			// The job advanced concurrently; leave the entry to the next
			// sweep so the terminal check can drop it.
			log.Warnf("Not requeueing entry %s: %s", entry.StreamOffset, err)
			return nil
		}
	}
	if _, err := r.queue.Requeue(kind, entry); err != nil {
		return err
	}
	metrics.JobsReclaimed.Inc()
	return nil
}

// deadLetter marks the job record first. The record is the durable truth a
// reprocess starts from; the dead-letter stream is the operator-facing copy.
func (r *Reclaimer) deadLetter(kind string, entry *repository.PendingEntry, job *domain.Job) error {
	poisonErr := &flotillaerrors.ErrPoisonJob{
		JobId:     job.JobId,
		Retries:   entry.DeliveryCount - 1,
		LastError: job.Error,
	}
	if err := r.jobs.MarkDeadLetter(job.JobId, poisonErr.Error()); err != nil {
		if flotillaerrors.IsRetryable(err) {
			return err
		}
		log.Warnf("Not dead-lettering entry %s: %s", entry.StreamOffset, err)
		return nil
	}
	if err := r.queue.DeadLetter(entry, poisonErr.Error(), job.RetryCount); err != nil {
		return err
	}
	metrics.JobsDeadLettered.Inc()
	log.Warnf("Dead-lettered job %s after %d deliveries", job.JobId, entry.DeliveryCount)

	if err := r.publisher.Publish(&events.Event{
		Type:       events.EventJobDeadLetter,
		OccurredAt: time.Now(),
		JobId:      job.JobId,
		ModelId:    job.ModelId,
		AdapterId:  job.AdapterId,
		Message:    poisonErr.Error(),
	}); err != nil {
		log.Warnf("Could not publish %s event for job %s: %s", events.EventJobDeadLetter, job.JobId, err)
	}
	return nil
}
