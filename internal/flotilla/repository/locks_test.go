package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/util"
)

const testLockName = "flotilla-leader"

func TestAcquireLockFirstBoot(t *testing.T) {
	withStores(func(clock *util.TestClock, db *Database) {
		store := NewSQLLockStore(db)
		isLeader, err := store.TryAcquireOrRenew(testLockName, "instance-a", time.Minute)
		require.NoError(t, err)
		assert.True(t, isLeader)

		lock, err := store.Get(testLockName)
		require.NoError(t, err)
		assert.Equal(t, "instance-a", lock.HolderId)
		assert.True(t, lock.ExpiresAt.After(time.Now().Add(30*time.Second)))
	})
}

func TestRenewExtendsOwnLock(t *testing.T) {
	withStores(func(clock *util.TestClock, db *Database) {
		store := NewSQLLockStore(db)
		isLeader, err := store.TryAcquireOrRenew(testLockName, "instance-a", time.Minute)
		require.NoError(t, err)
		require.True(t, isLeader)

		isLeader, err = store.TryAcquireOrRenew(testLockName, "instance-a", 2*time.Minute)
		require.NoError(t, err)
		assert.True(t, isLeader)

		lock, err := store.Get(testLockName)
		require.NoError(t, err)
		assert.True(t, lock.ExpiresAt.After(time.Now().Add(90*time.Second)))
	})
}

func TestStandbyDeniedWhileLockHeld(t *testing.T) {
	withStores(func(clock *util.TestClock, db *Database) {
		store := NewSQLLockStore(db)
		isLeader, err := store.TryAcquireOrRenew(testLockName, "instance-a", time.Minute)
		require.NoError(t, err)
		require.True(t, isLeader)

		isLeader, err = store.TryAcquireOrRenew(testLockName, "instance-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, isLeader)

		lock, err := store.Get(testLockName)
		require.NoError(t, err)
		assert.Equal(t, "instance-a", lock.HolderId)
	})
}

func TestStandbyTakesOverExpiredLock(t *testing.T) {
	withStores(func(clock *util.TestClock, db *Database) {
		store := NewSQLLockStore(db)
		// a negative ttl writes a lock that is already expired
		isLeader, err := store.TryAcquireOrRenew(testLockName, "instance-a", -time.Minute)
		require.NoError(t, err)
		require.True(t, isLeader)

		isLeader, err = store.TryAcquireOrRenew(testLockName, "instance-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, isLeader)

		lock, err := store.Get(testLockName)
		require.NoError(t, err)
		assert.Equal(t, "instance-b", lock.HolderId)

		// the old holder cannot renew a lock it no longer holds
		isLeader, err = store.TryAcquireOrRenew(testLockName, "instance-a", time.Minute)
		require.NoError(t, err)
		assert.False(t, isLeader)
	})
}

func TestReleaseAllowsImmediateTakeover(t *testing.T) {
	withStores(func(clock *util.TestClock, db *Database) {
		store := NewSQLLockStore(db)
		isLeader, err := store.TryAcquireOrRenew(testLockName, "instance-a", time.Minute)
		require.NoError(t, err)
		require.True(t, isLeader)

		require.NoError(t, store.Release(testLockName, "instance-a"))

		isLeader, err = store.TryAcquireOrRenew(testLockName, "instance-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, isLeader)
	})
}

func TestReleaseByNonHolderIsIgnored(t *testing.T) {
	withStores(func(clock *util.TestClock, db *Database) {
		store := NewSQLLockStore(db)
		isLeader, err := store.TryAcquireOrRenew(testLockName, "instance-a", time.Minute)
		require.NoError(t, err)
		require.True(t, isLeader)

		require.NoError(t, store.Release(testLockName, "instance-b"))

		isLeader, err = store.TryAcquireOrRenew(testLockName, "instance-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, isLeader)
	})
}

func TestGetMissingLock(t *testing.T) {
	withStores(func(clock *util.TestClock, db *Database) {
		store := NewSQLLockStore(db)
		_, err := store.Get("never-acquired")
		var notFound *flotillaerrors.ErrNotFound
		assert.ErrorAs(t, err, &notFound)
	})
}
