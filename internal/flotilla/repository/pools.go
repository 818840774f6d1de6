package repository

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
)

// PoolStore persists worker pool records. Transitions are CAS-guarded on the
// state the caller observed, so two reconciliation passes can never drive the
// same pool along conflicting edges.
type PoolStore interface {
	Create(pool *domain.WorkerPool) error
	Get(poolId string) (*domain.WorkerPool, error)
	List() ([]*domain.WorkerPool, error)
	ListLive() ([]*domain.WorkerPool, error)
	GetLiveByKind(kind domain.Kind) (*domain.WorkerPool, error)
	Transition(poolId string, from domain.PoolState, to domain.PoolState, statusMessage string) error
	ForceStop(poolId string, statusMessage string) error
	SetLease(poolId string, leaseId string) error
	UpdateAdapter(poolId string, adapterId string, estimateBytes int64) error
	Touch(poolId string) error
	DeleteTerminalOlderThan(age time.Duration) (int64, error)
}

type SQLPoolStore struct {
	db    *Database
	clock util.Clock
}

func NewSQLPoolStore(db *Database, clock util.Clock) *SQLPoolStore {
	return &SQLPoolStore{db: db, clock: clock}
}

const poolColumns = "pool_id, model_id, adapter_id, replica_count, state, priority, memory_estimate_bytes, lease_id, status_message, last_activity_at, created_at, updated_at"

// Create inserts the pool in requested state. Duplicate pool ids return
// ErrAlreadyExists without touching the stored record.
func (s *SQLPoolStore) Create(pool *domain.WorkerPool) error {
	unlock := s.db.lock()
	defer unlock()

	now := s.clock.Now().Unix()
	res, err := s.db.exec(`INSERT INTO pools (`+poolColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?, ?)
		ON CONFLICT (pool_id) DO NOTHING`,
		pool.PoolId, pool.ModelId, pool.AdapterId, pool.ReplicaCount,
		domain.PoolRequested.String(), pool.Priority, pool.MemoryEstimateBytes,
		now, now, now)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if affected == 0 {
		return errors.WithStack(&flotillaerrors.ErrAlreadyExists{Type: "pool", Value: pool.PoolId})
	}
	return nil
}

func (s *SQLPoolStore) Get(poolId string) (*domain.WorkerPool, error) {
	row := s.db.queryRow("SELECT "+poolColumns+" FROM pools WHERE pool_id = ?", poolId)
	pool, err := scanPool(row)
	if err == sql.ErrNoRows {
		return nil, errors.WithStack(&flotillaerrors.ErrNotFound{Type: "pool", Value: poolId})
	} else if err != nil {
		return nil, wrapDatabaseError(err)
	}
	return pool, nil
}

func (s *SQLPoolStore) List() ([]*domain.WorkerPool, error) {
	return s.list("SELECT " + poolColumns + " FROM pools ORDER BY created_at")
}

// ListLive returns pools that are not stopped or failed. Leaders rehydrate
// their in-memory projection from it after winning an election.
func (s *SQLPoolStore) ListLive() ([]*domain.WorkerPool, error) {
	return s.list(
		"SELECT "+poolColumns+" FROM pools WHERE state NOT IN (?, ?) ORDER BY created_at",
		domain.PoolStopped.String(), domain.PoolFailed.String())
}

// GetLiveByKind returns the non-terminal pool serving the given model and
// adapter, if one exists. At most one live pool serves a kind at a time.
func (s *SQLPoolStore) GetLiveByKind(kind domain.Kind) (*domain.WorkerPool, error) {
	row := s.db.queryRow(
		"SELECT "+poolColumns+" FROM pools WHERE model_id = ? AND adapter_id = ? AND state NOT IN (?, ?) ORDER BY created_at LIMIT 1",
		kind.ModelId, kind.AdapterId, domain.PoolStopped.String(), domain.PoolFailed.String())
	pool, err := scanPool(row)
	if err == sql.ErrNoRows {
		return nil, errors.WithStack(&flotillaerrors.ErrNotFound{Type: "pool", Value: kind.String()})
	} else if err != nil {
		return nil, wrapDatabaseError(err)
	}
	return pool, nil
}

// Transition moves the pool from exactly the observed state to the next one.
// Illegal edges are rejected before touching the database.
func (s *SQLPoolStore) Transition(poolId string, from domain.PoolState, to domain.PoolState, statusMessage string) error {
	if !from.CanTransitionTo(to) {
		return errors.WithStack(&flotillaerrors.ErrInvalidTransition{
			Type: "pool", Id: poolId, From: from.String(), To: to.String(),
		})
	}

	unlock := s.db.lock()
	defer unlock()

	res, err := s.db.exec(
		"UPDATE pools SET state = ?, status_message = ?, updated_at = ? WHERE pool_id = ? AND state = ?",
		to.String(), statusMessage, s.clock.Now().Unix(), poolId, from.String())
	if err != nil {
		return err
	}
	return s.requireTransition(res, poolId, to)
}

// ForceStop stops the pool from any non-terminal state, skipping draining.
// Used on lease TTL expiry and operator force-stop. In-flight jobs are
// abandoned; their queue entries become eligible for reclaim. Force-stopping
// a pool that is already terminal is a no-op.
func (s *SQLPoolStore) ForceStop(poolId string, statusMessage string) error {
	unlock := s.db.lock()
	defer unlock()

	res, err := s.db.exec(
		"UPDATE pools SET state = ?, status_message = ?, updated_at = ? WHERE pool_id = ? AND state NOT IN (?, ?)",
		domain.PoolStopped.String(), statusMessage, s.clock.Now().Unix(), poolId,
		domain.PoolStopped.String(), domain.PoolFailed.String())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if affected == 0 {
		if _, err := s.Get(poolId); err != nil {
			return err
		}
	}
	return nil
}

// SetLease records the id of the pool's lease; pass the empty string to clear
// it once the lease is released. Pools and leases reference each other by id
// only.
func (s *SQLPoolStore) SetLease(poolId string, leaseId string) error {
	unlock := s.db.lock()
	defer unlock()

	res, err := s.db.exec(
		"UPDATE pools SET lease_id = ?, updated_at = ? WHERE pool_id = ?",
		leaseId, s.clock.Now().Unix(), poolId)
	if err != nil {
		return err
	}
	return s.requireFound(res, poolId)
}

// UpdateAdapter records the adapter and footprint estimate a hot-swap is
// provisioning. The state change itself goes through Transition.
func (s *SQLPoolStore) UpdateAdapter(poolId string, adapterId string, estimateBytes int64) error {
	unlock := s.db.lock()
	defer unlock()

	res, err := s.db.exec(
		"UPDATE pools SET adapter_id = ?, memory_estimate_bytes = ?, updated_at = ? WHERE pool_id = ?",
		adapterId, estimateBytes, s.clock.Now().Unix(), poolId)
	if err != nil {
		return err
	}
	return s.requireFound(res, poolId)
}

// Touch records worker activity on the pool. The least-recently-active
// eviction policy orders candidates by this timestamp.
func (s *SQLPoolStore) Touch(poolId string) error {
	unlock := s.db.lock()
	defer unlock()

	res, err := s.db.exec(
		"UPDATE pools SET last_activity_at = ? WHERE pool_id = ?",
		s.clock.Now().Unix(), poolId)
	if err != nil {
		return err
	}
	return s.requireFound(res, poolId)
}

func (s *SQLPoolStore) DeleteTerminalOlderThan(age time.Duration) (int64, error) {
	unlock := s.db.lock()
	defer unlock()

	cutoff := s.clock.Now().Add(-age).Unix()
	res, err := s.db.exec(
		"DELETE FROM pools WHERE state IN (?, ?) AND updated_at < ?",
		domain.PoolStopped.String(), domain.PoolFailed.String(), cutoff)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return affected, errors.WithStack(err)
}

func (s *SQLPoolStore) list(query string, args ...interface{}) ([]*domain.WorkerPool, error) {
	rows, err := s.db.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pools := []*domain.WorkerPool{}
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, wrapDatabaseError(err)
		}
		pools = append(pools, pool)
	}
	return pools, errors.WithStack(rows.Err())
}

func (s *SQLPoolStore) requireTransition(res sql.Result, poolId string, to domain.PoolState) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if affected == 1 {
		return nil
	}
	existing, err := s.Get(poolId)
	if err != nil {
		return err
	}
	return errors.WithStack(&flotillaerrors.ErrInvalidTransition{
		Type: "pool", Id: poolId, From: existing.State.String(), To: to.String(),
	})
}

func (s *SQLPoolStore) requireFound(res sql.Result, poolId string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if affected == 0 {
		return errors.WithStack(&flotillaerrors.ErrNotFound{Type: "pool", Value: poolId})
	}
	return nil
}

func scanPool(row scannable) (*domain.WorkerPool, error) {
	var pool domain.WorkerPool
	var state string
	var lastActivityAt, createdAt, updatedAt int64
	err := row.Scan(
		&pool.PoolId, &pool.ModelId, &pool.AdapterId, &pool.ReplicaCount, &state,
		&pool.Priority, &pool.MemoryEstimateBytes, &pool.LeaseId, &pool.StatusMessage,
		&lastActivityAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	pool.State = domain.PoolState(state)
	pool.LastActivityAt = time.Unix(lastActivityAt, 0).UTC()
	pool.CreatedAt = time.Unix(createdAt, 0).UTC()
	pool.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &pool, nil
}
