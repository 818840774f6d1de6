package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
	"github.com/flotillaproject/flotilla/internal/flotilla/repository"
)

func TestRuntimeExecutesClaimedEntries(t *testing.T) {
	withFixture(func(f *fixture) {
		f.pendingJob("j1")
		f.enqueue("j1")

		f.runtime.process(context.Background(), f.claim("c1")[0])

		job, err := f.jobs.Get("j1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobDone, job.Status)
		assert.Equal(t, []byte("payload-j1"), job.Result)

		// the entry is acknowledged, nothing is redelivered
		assert.Empty(t, f.claim("c2"))
	})
}

func TestRuntimeRecordsExecutorFailures(t *testing.T) {
	withFixture(func(f *fixture) {
		f.pendingJob("j1")
		f.enqueue("j1")
		f.executor.FailJob("j1", "model exploded")

		f.runtime.process(context.Background(), f.claim("c1")[0])

		job, err := f.jobs.Get("j1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobFailed, job.Status)
		assert.Contains(t, job.Error, "model exploded")
		assert.Empty(t, f.claim("c2"))
	})
}

func TestRuntimeDropsEntriesForTerminalJobs(t *testing.T) {
	withFixture(func(f *fixture) {
		f.pendingJob("j1")
		f.enqueue("j1")
		entry := f.claim("c1")[0]

		// another consumer already finished the job through a second entry
		require.NoError(t, f.jobs.MarkClaimed("j1", "other"))
		require.NoError(t, f.jobs.MarkProcessing("j1", "other"))
		require.NoError(t, f.jobs.MarkDone("j1", "other", []byte("done")))

		f.runtime.process(context.Background(), entry)

		job, err := f.jobs.Get("j1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobDone, job.Status)
		assert.Equal(t, []byte("done"), job.Result)

		// the duplicate entry was acknowledged and dropped
		f.mr.FastForward(time.Minute)
		stale, err := f.queue.ListStale("llama-7b", 30*time.Second, 10)
		require.NoError(t, err)
		assert.Empty(t, stale)
	})
}

func TestRuntimeLeavesContestedEntriesAlone(t *testing.T) {
	withFixture(func(f *fixture) {
		f.pendingJob("j1")
		f.enqueue("j1")
		entry := f.claim("c1")[0]

		// the row is claimed by someone else, so this delivery must not win
		require.NoError(t, f.jobs.MarkClaimed("j1", "other"))

		f.runtime.process(context.Background(), entry)

		job, err := f.jobs.Get("j1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobClaimed, job.Status)
		assert.Equal(t, "other", job.ClaimedBy)

		// the entry stays pending for the reclaimer to arbitrate
		f.mr.FastForward(time.Minute)
		stale, err := f.queue.ListStale("llama-7b", 30*time.Second, 10)
		require.NoError(t, err)
		assert.Len(t, stale, 1)
	})
}

func TestRunExecutesUntilDrained(t *testing.T) {
	withFixture(func(f *fixture) {
		f.pendingJob("j1")
		f.pendingJob("j2")
		f.enqueue("j1")
		f.enqueue("j2")

		done := make(chan error, 1)
		go func() {
			done <- f.runtime.Run(context.Background())
		}()

		require.Eventually(t, func() bool {
			j1, err1 := f.jobs.Get("j1")
			j2, err2 := f.jobs.Get("j2")
			return err1 == nil && err2 == nil &&
				j1.Status == domain.JobDone && j2.Status == domain.JobDone
		}, 2*time.Second, 10*time.Millisecond)

		f.runtime.Drain()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("runtime did not drain")
		}

		// claiming recorded pool activity
		pool, err := f.pools.Get("p1")
		require.NoError(t, err)
		assert.Equal(t, f.clock.Now(), pool.LastActivityAt)
	})
}

func TestRunStopsOnCancel(t *testing.T) {
	withFixture(func(f *fixture) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- f.runtime.Run(ctx)
		}()

		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("runtime did not stop")
		}
	})
}

type fixture struct {
	clock    *util.TestClock
	mr       *miniredis.Miniredis
	jobs     repository.JobStore
	pools    repository.PoolStore
	queue    repository.JobQueue
	executor *SimulatedExecutor
	runtime  *Runtime
}

func withFixture(action func(f *fixture)) {
	db, err := repository.OpenSqliteInMemory()
	if err != nil {
		panic(err)
	}
	defer db.Close()
	if err := db.CreateTables(); err != nil {
		panic(err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := util.NewTestClock(time.Unix(1700000000, 0))
	f := &fixture{
		clock:    clock,
		mr:       mr,
		jobs:     repository.NewSQLJobStore(db, clock),
		pools:    repository.NewSQLPoolStore(db, clock),
		queue:    repository.NewRedisJobQueue(client, 0, 1000),
		executor: NewSimulatedExecutor(0),
	}

	pool := &domain.WorkerPool{PoolId: "p1", ModelId: "llama-7b", ReplicaCount: 1}
	if err := f.pools.Create(pool); err != nil {
		panic(err)
	}
	f.runtime = NewRuntime("c1", pool, f.queue, f.jobs, f.pools, f.executor, 10)
	action(f)
}

func (f *fixture) pendingJob(id string) {
	err := f.jobs.Create(&domain.Job{
		JobId:      id,
		ModelId:    "llama-7b",
		Payload:    []byte("payload-" + id),
		MaxRetries: 3,
	})
	if err != nil {
		panic(err)
	}
}

func (f *fixture) enqueue(id string) {
	_, err := f.queue.Enqueue(&domain.Job{JobId: id, ModelId: "llama-7b", Payload: []byte("payload-" + id)})
	if err != nil {
		panic(err)
	}
}

func (f *fixture) claim(consumerId string) []*domain.QueueEntry {
	entries, err := f.queue.Claim("llama-7b", consumerId, 10)
	if err != nil {
		panic(err)
	}
	return entries
}
