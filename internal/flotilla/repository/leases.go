package repository

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
)

// LeaseStore persists GPU memory leases. A lease is held (counted against the
// host budget) from the moment it is granted in pending state until released;
// it becomes active when the owning pool finishes provisioning.
type LeaseStore interface {
	Create(lease *domain.Lease, budgetBytes int64) error
	Get(leaseId string) (*domain.Lease, error)
	Activate(leaseId string) error
	Renew(leaseId string) error
	Grow(leaseId string, delta int64, budgetBytes int64) error
	Release(leaseId string) error
	HeldBytes() (int64, error)
	ListHeld() ([]*domain.Lease, error)
	ListExpired(ttl time.Duration) ([]*domain.Lease, error)
	DeleteReleasedOlderThan(age time.Duration) (int64, error)
}

type SQLLeaseStore struct {
	db    *Database
	clock util.Clock
}

func NewSQLLeaseStore(db *Database, clock util.Clock) *SQLLeaseStore {
	return &SQLLeaseStore{db: db, clock: clock}
}

const leaseColumns = "lease_id, pool_id, requested_bytes, granted_bytes, state, created_at, ttl_renewed_at"

// Create grants the lease only if the grant keeps the sum of held bytes
// within budgetBytes. The check and the insert are a single statement, so
// concurrent requests can never jointly overshoot the budget.
func (s *SQLLeaseStore) Create(lease *domain.Lease, budgetBytes int64) error {
	unlock := s.db.lock()
	defer unlock()

	now := s.clock.Now().Unix()
	res, err := s.db.exec(`INSERT INTO leases (`+leaseColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE (SELECT COALESCE(SUM(granted_bytes), 0) FROM leases WHERE state IN (?, ?)) + ? <= ?`,
		lease.LeaseId, lease.PoolId, lease.RequestedBytes, lease.GrantedBytes,
		domain.LeasePending.String(), now, now,
		domain.LeasePending.String(), domain.LeaseActive.String(),
		lease.GrantedBytes, budgetBytes)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if affected == 0 {
		held, err := s.HeldBytes()
		if err != nil {
			return err
		}
		return errors.WithStack(&flotillaerrors.ErrInsufficientCapacity{
			RequestedBytes: lease.GrantedBytes,
			AvailableBytes: budgetBytes - held,
			BudgetBytes:    budgetBytes,
		})
	}
	return nil
}

func (s *SQLLeaseStore) Get(leaseId string) (*domain.Lease, error) {
	row := s.db.queryRow("SELECT "+leaseColumns+" FROM leases WHERE lease_id = ?", leaseId)
	lease, err := scanLease(row)
	if err == sql.ErrNoRows {
		return nil, errors.WithStack(&flotillaerrors.ErrNotFound{Type: "lease", Value: leaseId})
	} else if err != nil {
		return nil, wrapDatabaseError(err)
	}
	return lease, nil
}

// Activate marks a pending lease active once its pool is running.
func (s *SQLLeaseStore) Activate(leaseId string) error {
	unlock := s.db.lock()
	defer unlock()

	res, err := s.db.exec(
		"UPDATE leases SET state = ?, ttl_renewed_at = ? WHERE lease_id = ? AND state = ?",
		domain.LeaseActive.String(), s.clock.Now().Unix(), leaseId, domain.LeasePending.String())
	if err != nil {
		return err
	}
	return s.requireHeld(res, leaseId, domain.LeaseActive)
}

// Renew extends the lease heartbeat. Renewing a released lease fails: the
// holder must treat that as losing the lease.
func (s *SQLLeaseStore) Renew(leaseId string) error {
	unlock := s.db.lock()
	defer unlock()

	res, err := s.db.exec(
		"UPDATE leases SET ttl_renewed_at = ? WHERE lease_id = ? AND state IN (?, ?)",
		s.clock.Now().Unix(), leaseId, domain.LeasePending.String(), domain.LeaseActive.String())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if affected == 0 {
		return errors.WithStack(&flotillaerrors.ErrNotFound{Type: "lease", Value: leaseId})
	}
	return nil
}

// Grow raises the lease's granted bytes by delta if that keeps the total of
// held bytes within budgetBytes. Used by adapter hot-swaps whose incremental
// footprint must fit within slack. Check and update are one statement.
func (s *SQLLeaseStore) Grow(leaseId string, delta int64, budgetBytes int64) error {
	unlock := s.db.lock()
	defer unlock()

	res, err := s.db.exec(`UPDATE leases SET granted_bytes = granted_bytes + ?, requested_bytes = requested_bytes + ?
		WHERE lease_id = ? AND state IN (?, ?)
		AND (SELECT COALESCE(SUM(granted_bytes), 0) FROM leases WHERE state IN (?, ?)) + ? <= ?`,
		delta, delta, leaseId,
		domain.LeasePending.String(), domain.LeaseActive.String(),
		domain.LeasePending.String(), domain.LeaseActive.String(),
		delta, budgetBytes)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if affected == 1 {
		return nil
	}

	existing, err := s.Get(leaseId)
	if err != nil {
		return err
	}
	if existing.State == domain.LeaseReleased {
		return errors.WithStack(&flotillaerrors.ErrNotFound{Type: "lease", Value: leaseId})
	}
	held, err := s.HeldBytes()
	if err != nil {
		return err
	}
	return errors.WithStack(&flotillaerrors.ErrInsufficientCapacity{
		RequestedBytes: delta,
		AvailableBytes: budgetBytes - held,
		BudgetBytes:    budgetBytes,
	})
}

// Release frees the lease's bytes. Releasing an already released or unknown
// lease is a no-op, so force-stop paths can call it unconditionally.
func (s *SQLLeaseStore) Release(leaseId string) error {
	unlock := s.db.lock()
	defer unlock()

	_, err := s.db.exec(
		"UPDATE leases SET state = ? WHERE lease_id = ? AND state IN (?, ?)",
		domain.LeaseReleased.String(), leaseId, domain.LeasePending.String(), domain.LeaseActive.String())
	return err
}

// HeldBytes sums granted bytes over pending and active leases, i.e. the
// amount currently committed against the host budget.
func (s *SQLLeaseStore) HeldBytes() (int64, error) {
	row := s.db.queryRow(
		"SELECT COALESCE(SUM(granted_bytes), 0) FROM leases WHERE state IN (?, ?)",
		domain.LeasePending.String(), domain.LeaseActive.String())
	var held int64
	if err := row.Scan(&held); err != nil {
		return 0, wrapDatabaseError(err)
	}
	return held, nil
}

func (s *SQLLeaseStore) ListHeld() ([]*domain.Lease, error) {
	return s.list(
		"SELECT "+leaseColumns+" FROM leases WHERE state IN (?, ?) ORDER BY created_at",
		domain.LeasePending.String(), domain.LeaseActive.String())
}

// ListExpired returns held leases whose last renewal is older than ttl. These
// are forcibly released and their owning pools force-stopped.
func (s *SQLLeaseStore) ListExpired(ttl time.Duration) ([]*domain.Lease, error) {
	cutoff := s.clock.Now().Add(-ttl).Unix()
	return s.list(
		"SELECT "+leaseColumns+" FROM leases WHERE state IN (?, ?) AND ttl_renewed_at < ? ORDER BY created_at",
		domain.LeasePending.String(), domain.LeaseActive.String(), cutoff)
}

// DeleteReleasedOlderThan removes released leases whose last renewal is older
// than age. Held leases are never deleted.
func (s *SQLLeaseStore) DeleteReleasedOlderThan(age time.Duration) (int64, error) {
	unlock := s.db.lock()
	defer unlock()

	cutoff := s.clock.Now().Add(-age).Unix()
	res, err := s.db.exec(
		"DELETE FROM leases WHERE state = ? AND ttl_renewed_at < ?",
		domain.LeaseReleased.String(), cutoff)
	if err != nil {
		return 0, err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return deleted, nil
}

func (s *SQLLeaseStore) list(query string, args ...interface{}) ([]*domain.Lease, error) {
	rows, err := s.db.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leases := []*domain.Lease{}
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, wrapDatabaseError(err)
		}
		leases = append(leases, lease)
	}
	return leases, errors.WithStack(rows.Err())
}

func (s *SQLLeaseStore) requireHeld(res sql.Result, leaseId string, to domain.LeaseState) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if affected == 1 {
		return nil
	}
	existing, err := s.Get(leaseId)
	if err != nil {
		return err
	}
	return errors.WithStack(&flotillaerrors.ErrInvalidTransition{
		Type: "lease", Id: leaseId, From: existing.State.String(), To: to.String(),
	})
}

func scanLease(row scannable) (*domain.Lease, error) {
	var lease domain.Lease
	var state string
	var createdAt, renewedAt int64
	err := row.Scan(
		&lease.LeaseId, &lease.PoolId, &lease.RequestedBytes, &lease.GrantedBytes,
		&state, &createdAt, &renewedAt)
	if err != nil {
		return nil, err
	}
	lease.State = domain.LeaseState(state)
	lease.CreatedAt = time.Unix(createdAt, 0).UTC()
	lease.TtlRenewedAt = time.Unix(renewedAt, 0).UTC()
	return &lease, nil
}
