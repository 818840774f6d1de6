package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
)

// LockStore persists the TTL'd leader lock. All expiry comparisons use
// database-generated timestamps, so instances with drifting clocks cannot
// steal leadership from a live leader.
type LockStore interface {
	TryAcquireOrRenew(lockName string, holderId string, ttl time.Duration) (bool, error)
	Get(lockName string) (*domain.LeaderLock, error)
	Release(lockName string, holderId string) error
}

type SQLLockStore struct {
	db *Database
}

func NewSQLLockStore(db *Database) *SQLLockStore {
	return &SQLLockStore{db: db}
}

// TryAcquireOrRenew extends the lock's TTL if holderId already holds it, or
// acquires it if no unexpired holder exists. It reports whether holderId is
// the leader afterwards. Each statement is atomic, so racing candidates
// resolve to exactly one winner.
func (s *SQLLockStore) TryAcquireOrRenew(lockName string, holderId string, ttl time.Duration) (bool, error) {
	unlock := s.db.lock()
	defer unlock()

	ttlSeconds := int64(ttl / time.Second)

	res, err := s.db.exec(fmt.Sprintf(
		"UPDATE leader_locks SET expires_at = %s + ? WHERE lock_name = ? AND holder_id = ? AND expires_at >= %s",
		s.db.nowEpoch, s.db.nowEpoch),
		ttlSeconds, lockName, holderId)
	if err != nil {
		return false, err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return false, errors.WithStack(err)
	} else if affected == 1 {
		return true, nil
	}

	res, err = s.db.exec(fmt.Sprintf(
		"UPDATE leader_locks SET holder_id = ?, acquired_at = %s, expires_at = %s + ? WHERE lock_name = ? AND expires_at < %s",
		s.db.nowEpoch, s.db.nowEpoch, s.db.nowEpoch),
		holderId, ttlSeconds, lockName)
	if err != nil {
		return false, err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return false, errors.WithStack(err)
	} else if affected == 1 {
		return true, nil
	}

	// No row yet: first acquisition ever for this lock name.
	res, err = s.db.exec(fmt.Sprintf(
		"INSERT INTO leader_locks (lock_name, holder_id, acquired_at, expires_at) VALUES (?, ?, %s, %s + ?) ON CONFLICT (lock_name) DO NOTHING",
		s.db.nowEpoch, s.db.nowEpoch),
		lockName, holderId, ttlSeconds)
	if err != nil {
		return false, err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return false, errors.WithStack(err)
	} else if affected == 1 {
		return true, nil
	}

	return false, nil
}

func (s *SQLLockStore) Get(lockName string) (*domain.LeaderLock, error) {
	row := s.db.queryRow(
		"SELECT lock_name, holder_id, acquired_at, expires_at FROM leader_locks WHERE lock_name = ?",
		lockName)
	var lock domain.LeaderLock
	var acquiredAt, expiresAt int64
	err := row.Scan(&lock.LockName, &lock.HolderId, &acquiredAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, errors.WithStack(&flotillaerrors.ErrNotFound{Type: "leader lock", Value: lockName})
	} else if err != nil {
		return nil, wrapDatabaseError(err)
	}
	lock.AcquiredAt = time.Unix(acquiredAt, 0).UTC()
	lock.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return &lock, nil
}

// Release expires the lock immediately if holderId holds it, letting a
// standby take over without waiting out the TTL. Used on graceful shutdown.
func (s *SQLLockStore) Release(lockName string, holderId string) error {
	unlock := s.db.lock()
	defer unlock()

	_, err := s.db.exec(
		"UPDATE leader_locks SET expires_at = 0 WHERE lock_name = ? AND holder_id = ?",
		lockName, holderId)
	return err
}
