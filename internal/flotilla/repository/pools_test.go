package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
)

func TestCreateAndGetPool(t *testing.T) {
	withStores(func(clock *util.TestClock, db *Database) {
		store := NewSQLPoolStore(db, clock)
		err := store.Create(&domain.WorkerPool{
			PoolId:              "pool-1",
			ModelId:             "meta-llama/llama-3-8b",
			AdapterId:           "sql-lora-v2",
			ReplicaCount:        2,
			Priority:            10,
			MemoryEstimateBytes: 16 << 30,
		})
		require.NoError(t, err)

		pool, err := store.Get("pool-1")
		require.NoError(t, err)
		assert.Equal(t, domain.PoolRequested, pool.State)
		assert.Equal(t, 2, pool.ReplicaCount)
		assert.Equal(t, int64(16<<30), pool.MemoryEstimateBytes)
		assert.Equal(t, "", pool.LeaseId)

		err = store.Create(&domain.WorkerPool{PoolId: "pool-1", ModelId: "other"})
		var alreadyExists *flotillaerrors.ErrAlreadyExists
		assert.ErrorAs(t, err, &alreadyExists)
	})
}

func TestPoolLifecycleEdges(t *testing.T) {
	withStores(func(clock *util.TestClock, db *Database) {
		store := NewSQLPoolStore(db, clock)
		require.NoError(t, store.Create(&domain.WorkerPool{PoolId: "pool-1", ModelId: "m"}))

		require.NoError(t, store.Transition("pool-1", domain.PoolRequested, domain.PoolProvisioning, "loading model"))
		require.NoError(t, store.Transition("pool-1", domain.PoolProvisioning, domain.PoolRunning, ""))

		// stopping may not skip draining
		err := store.Transition("pool-1", domain.PoolRunning, domain.PoolStopped, "")
		var invalid *flotillaerrors.ErrInvalidTransition
		require.ErrorAs(t, err, &invalid)

		require.NoError(t, store.Transition("pool-1", domain.PoolRunning, domain.PoolDraining, "evicted"))
		require.NoError(t, store.Transition("pool-1", domain.PoolDraining, domain.PoolStopped, "drained"))

		pool, err := store.Get("pool-1")
		require.NoError(t, err)
		assert.Equal(t, domain.PoolStopped, pool.State)
		assert.Equal(t, "drained", pool.StatusMessage)
	})
}

func TestPoolTransitionRejectsStaleObserver(t *testing.T) {
	withStores(func(clock *util.TestClock, db *Database) {
		store := NewSQLPoolStore(db, clock)
		require.NoError(t, store.Create(&domain.WorkerPool{PoolId: "pool-1", ModelId: "m"}))
		require.NoError(t, store.Transition("pool-1", domain.PoolRequested, domain.PoolProvisioning, ""))
		require.NoError(t, store.Transition("pool-1", domain.PoolProvisioning, domain.PoolRunning, ""))

		// a second reconciliation pass that still sees provisioning loses the race
		err := store.Transition("pool-1", domain.PoolProvisioning, domain.PoolFailed, "load error")
		var invalid *flotillaerrors.ErrInvalidTransition
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, domain.PoolRunning.String(), invalid.From)
	})
}

func TestPoolHotSwapEdge(t *testing.T) {
	withStores(func(clock *util.TestClock, db *Database) {
		store := NewSQLPoolStore(db, clock)
		require.NoError(t, store.Create(&domain.WorkerPool{PoolId: "pool-1", ModelId: "m", AdapterId: "old-lora", MemoryEstimateBytes: 100}))
		require.NoError(t, store.Transition("pool-1", domain.PoolRequested, domain.PoolProvisioning, ""))
		require.NoError(t, store.Transition("pool-1", domain.PoolProvisioning, domain.PoolRunning, ""))

		require.NoError(t, store.Transition("pool-1", domain.PoolRunning, domain.PoolProvisioning, "swapping adapter"))
		require.NoError(t, store.UpdateAdapter("pool-1", "new-lora", 120))
		require.NoError(t, store.Transition("pool-1", domain.PoolProvisioning, domain.PoolRunning, ""))

		pool, err := store.Get("pool-1")
		require.NoError(t, err)
		assert.Equal(t, "new-lora", pool.AdapterId)
		assert.Equal(t, int64(120), pool.MemoryEstimateBytes)
		assert.Equal(t, domain.PoolRunning, pool.State)
	})
}

func TestForceStopFromAnyState(t *testing.T) {
	withStores(func(clock *util.TestClock, db *Database) {
		store := NewSQLPoolStore(db, clock)
		require.NoError(t, store.Create(&domain.WorkerPool{PoolId: "pool-1", ModelId: "m"}))
		require.NoError(t, store.Transition("pool-1", domain.PoolRequested, domain.PoolProvisioning, ""))

		require.NoError(t, store.ForceStop("pool-1", "lease expired"))
		pool, err := store.Get("pool-1")
		require.NoError(t, err)
		assert.Equal(t, domain.PoolStopped, pool.State)
		assert.Equal(t, "lease expired", pool.StatusMessage)

		// second force stop is a no-op
		require.NoError(t, store.ForceStop("pool-1", "again"))
		pool, err = store.Get("pool-1")
		require.NoError(t, err)
		assert.Equal(t, "lease expired", pool.StatusMessage)
	})
}

func TestGetLiveByKind(t *testing.T) {
	withStores(func(clock *util.TestClock, db *Database) {
		store := NewSQLPoolStore(db, clock)
		require.NoError(t, store.Create(&domain.WorkerPool{PoolId: "pool-1", ModelId: "llama", AdapterId: "lora"}))

		pool, err := store.GetLiveByKind(domain.Kind{ModelId: "llama", AdapterId: "lora"})
		require.NoError(t, err)
		assert.Equal(t, "pool-1", pool.PoolId)

		_, err = store.GetLiveByKind(domain.Kind{ModelId: "llama"})
		var notFound *flotillaerrors.ErrNotFound
		require.ErrorAs(t, err, &notFound)

		require.NoError(t, store.ForceStop("pool-1", "stopped"))
		_, err = store.GetLiveByKind(domain.Kind{ModelId: "llama", AdapterId: "lora"})
		require.ErrorAs(t, err, &notFound)
	})
}

func TestSetLeaseAndTouch(t *testing.T) {
	withStores(func(clock *util.TestClock, db *Database) {
		store := NewSQLPoolStore(db, clock)
		require.NoError(t, store.Create(&domain.WorkerPool{PoolId: "pool-1", ModelId: "m"}))

		require.NoError(t, store.SetLease("pool-1", "lease-1"))
		pool, err := store.Get("pool-1")
		require.NoError(t, err)
		assert.Equal(t, "lease-1", pool.LeaseId)

		before := pool.LastActivityAt
		clock.Advance(time.Minute)
		require.NoError(t, store.Touch("pool-1"))
		pool, err = store.Get("pool-1")
		require.NoError(t, err)
		assert.True(t, pool.LastActivityAt.After(before))

		require.NoError(t, store.SetLease("pool-1", ""))
		pool, err = store.Get("pool-1")
		require.NoError(t, err)
		assert.Equal(t, "", pool.LeaseId)
	})
}

func TestListLivePools(t *testing.T) {
	withStores(func(clock *util.TestClock, db *Database) {
		store := NewSQLPoolStore(db, clock)
		require.NoError(t, store.Create(&domain.WorkerPool{PoolId: "live", ModelId: "m"}))
		clock.Advance(time.Second)
		require.NoError(t, store.Create(&domain.WorkerPool{PoolId: "dead", ModelId: "m2"}))
		require.NoError(t, store.ForceStop("dead", "gone"))

		live, err := store.ListLive()
		require.NoError(t, err)
		require.Len(t, live, 1)
		assert.Equal(t, "live", live[0].PoolId)

		all, err := store.List()
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestDeleteTerminalPools(t *testing.T) {
	withStores(func(clock *util.TestClock, db *Database) {
		store := NewSQLPoolStore(db, clock)
		require.NoError(t, store.Create(&domain.WorkerPool{PoolId: "old", ModelId: "m"}))
		require.NoError(t, store.ForceStop("old", "done with it"))
		clock.Advance(8 * 24 * time.Hour)
		require.NoError(t, store.Create(&domain.WorkerPool{PoolId: "live", ModelId: "m"}))

		deleted, err := store.DeleteTerminalOlderThan(7 * 24 * time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		_, err = store.Get("old")
		var notFound *flotillaerrors.ErrNotFound
		assert.ErrorAs(t, err, &notFound)
	})
}
