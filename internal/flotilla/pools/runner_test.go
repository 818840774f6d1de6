package pools

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
	"github.com/flotillaproject/flotilla/internal/flotilla/worker"
)

func TestInProcessRunnerServesClaims(t *testing.T) {
	withRunnerFixture(func(f *runnerFixture) {
		f.createJob("j1")
		f.createJob("j2")
		f.enqueue("j1")
		f.enqueue("j2")

		pool := &domain.WorkerPool{PoolId: "p1", ModelId: "llama-7b", ReplicaCount: 2}
		require.NoError(t, f.pools.Create(pool))
		exited := make(chan error, 1)
		require.NoError(t, f.runner.Start(context.Background(), pool, func(err error) { exited <- err }))

		require.Eventually(t, func() bool {
			j1, err1 := f.jobs.Get("j1")
			j2, err2 := f.jobs.Get("j2")
			return err1 == nil && err2 == nil &&
				j1.Status == domain.JobDone && j2.Status == domain.JobDone
		}, 2*time.Second, 10*time.Millisecond)

		// stopping cancels the replicas without reporting a failure
		f.runner.Stop("p1")
		select {
		case err := <-exited:
			t.Fatalf("stop reported a replica failure: %v", err)
		case <-time.After(200 * time.Millisecond):
		}
	})
}

func TestInProcessRunnerDrainExitsCleanly(t *testing.T) {
	withRunnerFixture(func(f *runnerFixture) {
		pool := &domain.WorkerPool{PoolId: "p1", ModelId: "llama-7b", ReplicaCount: 1}
		require.NoError(t, f.pools.Create(pool))
		exited := make(chan error, 1)
		require.NoError(t, f.runner.Start(context.Background(), pool, func(err error) { exited <- err }))

		f.runner.Drain("p1")
		select {
		case err := <-exited:
			t.Fatalf("drain reported a replica failure: %v", err)
		case <-time.After(300 * time.Millisecond):
		}
	})
}

func TestInProcessRunnerScriptedLoadFailure(t *testing.T) {
	withRunnerFixture(func(f *runnerFixture) {
		f.runner.FailLoads("llama-7b::style-a", "incompatible adapter")
		pool := &domain.WorkerPool{PoolId: "p1", ModelId: "llama-7b", AdapterId: "style-a", ReplicaCount: 1}

		err := f.runner.Start(context.Background(), pool, func(error) {})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "incompatible adapter")
	})
}

func TestInProcessRunnerIgnoresUnknownPools(t *testing.T) {
	withRunnerFixture(func(f *runnerFixture) {
		f.runner.Drain("ghost")
		f.runner.Stop("ghost")
	})
}

func TestExecRunnerRequiresCommand(t *testing.T) {
	runner := NewExecRunner(nil)

	err := runner.Start(context.Background(), &domain.WorkerPool{PoolId: "p1", ReplicaCount: 1}, func(error) {})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no worker command configured")
}

func TestExecRunnerReportsReplicaExit(t *testing.T) {
	runner := NewExecRunner([]string{"/bin/sh", "-c", "exit 3"})
	pool := &domain.WorkerPool{PoolId: "p1", ModelId: "llama-7b", ReplicaCount: 1}
	exited := make(chan error, 1)
	require.NoError(t, runner.Start(context.Background(), pool, func(err error) { exited <- err }))

	select {
	case err := <-exited:
		assert.Contains(t, err.Error(), "replica 0 of pool p1 exited")
	case <-time.After(2 * time.Second):
		t.Fatal("replica exit was not reported")
	}
}

func TestExecRunnerStopSuppressesExitReports(t *testing.T) {
	runner := NewExecRunner([]string{"/bin/sh", "-c", "sleep 30"})
	pool := &domain.WorkerPool{PoolId: "p1", ModelId: "llama-7b", ReplicaCount: 1}
	exited := make(chan error, 1)
	require.NoError(t, runner.Start(context.Background(), pool, func(err error) { exited <- err }))

	runner.Stop("p1")
	select {
	case err := <-exited:
		t.Fatalf("stop reported a replica failure: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
}

type runnerFixture struct {
	jobs   repository.JobStore
	pools  repository.PoolStore
	queue  repository.JobQueue
	runner *InProcessRunner
}

func withRunnerFixture(action func(f *runnerFixture)) {
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
	f := &runnerFixture{
		jobs:  repository.NewSQLJobStore(db, clock),
		pools: repository.NewSQLPoolStore(db, clock),
		queue: repository.NewRedisJobQueue(client, 0, 1000),
	}
	f.runner = NewInProcessRunner(f.queue, f.jobs, f.pools, worker.NewSimulatedExecutor(0), 10, 0)
	action(f)
}

func (f *runnerFixture) createJob(id string) {
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

func (f *runnerFixture) enqueue(id string) {
	_, err := f.queue.Enqueue(&domain.Job{JobId: id, ModelId: "llama-7b", Payload: []byte("payload-" + id)})
	if err != nil {
		panic(err)
	}
}
