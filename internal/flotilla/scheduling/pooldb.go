package scheduling

import (
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
)

const (
	poolsTable  = "pools"
	leasesTable = "leases"
	idIndex     = "id"    // index for looking up pools/leases by id
	stateIndex  = "state" // index for looking up pools in a given state
	poolIndex   = "pool"  // index for looking up leases by owning pool
)

// PoolDb is the leader's in-memory view of live pools and held leases,
// rebuilt from the durable stores on every leadership change. It is a
// disposable projection: nothing in it survives a leadership gap, and the
// durable tables remain the sole source of truth.
//
// PoolDb is implemented on top of https://github.com/hashicorp/go-memdb.
// A reconciliation pass stages its decisions in a single write transaction
// and aborts the whole transaction if leadership is lost mid-pass.
type PoolDb struct {
	Db *memdb.MemDB
}

func NewPoolDb() (*PoolDb, error) {
	db, err := memdb.NewMemDB(poolDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &PoolDb{Db: db}, nil
}

// NewPoolDbFromState builds a projection holding the given live pools and
// held leases. Used to rehydrate after winning an election.
func NewPoolDbFromState(pools []*domain.WorkerPool, leases []*domain.Lease) (*PoolDb, error) {
	db, err := NewPoolDb()
	if err != nil {
		return nil, err
	}
	txn := db.WriteTxn()
	defer txn.Abort()
	if err := db.Upsert(txn, pools); err != nil {
		return nil, err
	}
	if err := db.UpsertLeases(txn, leases); err != nil {
		return nil, err
	}
	txn.Commit()
	return db, nil
}

// Upsert inserts the given pools, replacing any previous entry with the same
// id. Pools passed to this function must not be subsequently modified.
func (db *PoolDb) Upsert(txn *memdb.Txn, pools []*domain.WorkerPool) error {
	for _, pool := range pools {
		if err := txn.Insert(poolsTable, pool); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// GetById returns the pool with the given id or nil if no such pool exists.
// The pool returned must not be modified; update through Upsert with a copy.
func (db *PoolDb) GetById(txn *memdb.Txn, id string) (*domain.WorkerPool, error) {
	iter, err := txn.Get(poolsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj := iter.Next(); obj != nil {
		return obj.(*domain.WorkerPool), nil
	}
	return nil, nil
}

// GetByKind returns the pool serving the given model and adapter, or nil.
// The projection holds at most tens of pools, so a scan is fine here.
func (db *PoolDb) GetByKind(txn *memdb.Txn, kind domain.Kind) (*domain.WorkerPool, error) {
	iter, err := txn.Get(poolsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		pool := obj.(*domain.WorkerPool)
		if pool.Kind() == kind {
			return pool, nil
		}
	}
	return nil, nil
}

// GetByState returns all pools currently in the given state.
func (db *PoolDb) GetByState(txn *memdb.Txn, state domain.PoolState) ([]*domain.WorkerPool, error) {
	iter, err := txn.Get(poolsTable, stateIndex, state.String())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	pools := []*domain.WorkerPool{}
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		pools = append(pools, obj.(*domain.WorkerPool))
	}
	return pools, nil
}

// GetAll returns all pools in the projection.
func (db *PoolDb) GetAll(txn *memdb.Txn) ([]*domain.WorkerPool, error) {
	iter, err := txn.Get(poolsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	pools := []*domain.WorkerPool{}
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		pools = append(pools, obj.(*domain.WorkerPool))
	}
	return pools, nil
}

// Delete removes a pool that went terminal. Unknown ids are ignored.
func (db *PoolDb) Delete(txn *memdb.Txn, id string) error {
	existing, err := db.GetById(txn, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	return errors.WithStack(txn.Delete(poolsTable, existing))
}

// UpsertLeases inserts the given leases. Leases passed to this function must
// not be subsequently modified.
func (db *PoolDb) UpsertLeases(txn *memdb.Txn, leases []*domain.Lease) error {
	for _, lease := range leases {
		if err := txn.Insert(leasesTable, lease); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// GetLeaseById returns the lease with the given id or nil.
func (db *PoolDb) GetLeaseById(txn *memdb.Txn, id string) (*domain.Lease, error) {
	iter, err := txn.Get(leasesTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj := iter.Next(); obj != nil {
		return obj.(*domain.Lease), nil
	}
	return nil, nil
}

// GetLeaseForPool returns the lease held by the given pool, or nil. A pool
// holds at most one lease at a time.
func (db *PoolDb) GetLeaseForPool(txn *memdb.Txn, poolId string) (*domain.Lease, error) {
	iter, err := txn.Get(leasesTable, poolIndex, poolId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj := iter.Next(); obj != nil {
		return obj.(*domain.Lease), nil
	}
	return nil, nil
}

// DeleteLease removes a released lease from the projection.
func (db *PoolDb) DeleteLease(txn *memdb.Txn, id string) error {
	existing, err := db.GetLeaseById(txn, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	return errors.WithStack(txn.Delete(leasesTable, existing))
}

// HeldBytes sums granted bytes over all leases in the projection, i.e. over
// every lease still counted against the host budget.
func (db *PoolDb) HeldBytes(txn *memdb.Txn) (int64, error) {
	iter, err := txn.Get(leasesTable, idIndex)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	var held int64
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		held += obj.(*domain.Lease).GrantedBytes
	}
	return held, nil
}

// ReadTxn returns a read-only transaction.
// Multiple read-only transactions can access the db concurrently.
func (db *PoolDb) ReadTxn() *memdb.Txn {
	return db.Db.Txn(false)
}

// WriteTxn returns a writeable transaction.
// Only a single write transaction may access the db at any given time.
func (db *PoolDb) WriteTxn() *memdb.Txn {
	return db.Db.Txn(true)
}

// poolDbSchema creates the database schema: a pools table indexed by id and
// state, and a leases table indexed by id and owning pool.
func poolDbSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			poolsTable: {
				Name: poolsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "PoolId"},
					},
					stateIndex: {
						Name:    stateIndex,
						Indexer: &memdb.StringFieldIndex{Field: "State"},
					},
				},
			},
			leasesTable: {
				Name: leasesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "LeaseId"},
					},
					poolIndex: {
						Name:    poolIndex,
						Indexer: &memdb.StringFieldIndex{Field: "PoolId"},
					},
				},
			},
		},
	}
}
