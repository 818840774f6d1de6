package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
)

// JobStore is the durable record of job state transitions, independent of
// queue-log position. It is the sole source of truth for job status queries.
type JobStore interface {
	Create(job *domain.Job) error
	Get(jobId string) (*domain.Job, error)
	ListByStatus(status domain.JobStatus, limit int) ([]*domain.Job, error)
	ListByKindAndStatus(kind domain.Kind, statuses ...domain.JobStatus) ([]*domain.Job, error)
	MarkClaimed(jobId string, consumerId string) error
	MarkProcessing(jobId string, consumerId string) error
	MarkDone(jobId string, consumerId string, result []byte) error
	MarkFailed(jobId string, consumerId string, errorMessage string) error
	Requeue(jobId string, errorMessage string) error
	MarkDeadLetter(jobId string, errorMessage string) error
	CountByStatus() (map[domain.JobStatus]int64, error)
	CountOutstandingByKind() (map[domain.Kind]int64, error)
	DeleteTerminalOlderThan(age time.Duration) (int64, error)
}

// SQLJobStore persists jobs to the relational backend. All status updates
// are guarded by the set of legal predecessor statuses and bump the version
// column, so a stale writer can never overwrite a later transition.
type SQLJobStore struct {
	db    *Database
	clock util.Clock
}

func NewSQLJobStore(db *Database, clock util.Clock) *SQLJobStore {
	return &SQLJobStore{db: db, clock: clock}
}

const jobColumns = "job_id, model_id, adapter_id, payload, status, retry_count, max_retries, claimed_by, version, created_at, updated_at, result, error"

// Create inserts the job in pending state. Inserting an id that already
// exists returns ErrAlreadyExists and leaves the stored record untouched,
// which is what makes submission idempotent by job_id.
func (s *SQLJobStore) Create(job *domain.Job) error {
	unlock := s.db.lock()
	defer unlock()

	now := s.clock.Now().Unix()
	res, err := s.db.exec(`INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, 0, ?, '', 1, ?, ?, NULL, '')
		ON CONFLICT (job_id) DO NOTHING`,
		job.JobId, job.ModelId, job.AdapterId, job.Payload,
		domain.JobPending.String(), job.MaxRetries, now, now)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if affected == 0 {
		return errors.WithStack(&flotillaerrors.ErrAlreadyExists{Type: "job", Value: job.JobId})
	}
	return nil
}

func (s *SQLJobStore) Get(jobId string) (*domain.Job, error) {
	row := s.db.queryRow("SELECT "+jobColumns+" FROM jobs WHERE job_id = ?", jobId)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.WithStack(&flotillaerrors.ErrNotFound{Type: "job", Value: jobId})
	} else if err != nil {
		return nil, wrapDatabaseError(err)
	}
	return job, nil
}

func (s *SQLJobStore) ListByStatus(status domain.JobStatus, limit int) ([]*domain.Job, error) {
	rows, err := s.db.query(
		"SELECT "+jobColumns+" FROM jobs WHERE status = ? ORDER BY created_at LIMIT ?",
		status.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*domain.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, wrapDatabaseError(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.WithStack(rows.Err())
}

// ListByKindAndStatus returns the jobs of one kind currently in any of the
// given statuses, oldest first. The pool manager uses it to find the jobs a
// failing or draining pool still has on its plate.
func (s *SQLJobStore) ListByKindAndStatus(kind domain.Kind, statuses ...domain.JobStatus) ([]*domain.Job, error) {
	query := fmt.Sprintf(
		"SELECT "+jobColumns+" FROM jobs WHERE model_id = ? AND adapter_id = ? AND status IN (%s) ORDER BY created_at",
		sqlPlaceholders(len(statuses)))
	args := []interface{}{kind.ModelId, kind.AdapterId}
	for _, status := range statuses {
		args = append(args, status.String())
	}

	rows, err := s.db.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*domain.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, wrapDatabaseError(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.WithStack(rows.Err())
}

// MarkClaimed records that a consumer took delivery of the job's queue entry.
func (s *SQLJobStore) MarkClaimed(jobId string, consumerId string) error {
	return s.transition(jobId, domain.JobClaimed, "", ", claimed_by = ?", consumerId)
}

// MarkProcessing records that the claiming consumer started executing. The
// update only applies if the caller still holds the claim.
func (s *SQLJobStore) MarkProcessing(jobId string, consumerId string) error {
	return s.transition(jobId, domain.JobProcessing, consumerId, "")
}

func (s *SQLJobStore) MarkDone(jobId string, consumerId string, result []byte) error {
	return s.transition(jobId, domain.JobDone, consumerId, ", claimed_by = '', result = ?", result)
}

func (s *SQLJobStore) MarkFailed(jobId string, consumerId string, errorMessage string) error {
	return s.transition(jobId, domain.JobFailed, consumerId, ", claimed_by = '', error = ?", errorMessage)
}

// Requeue returns a claimed, processing or failed job to pending and spends
// one retry. Used by the reclaimer for abandoned claims and by the pool
// manager when a load failure requeues a pool's in-flight jobs.
func (s *SQLJobStore) Requeue(jobId string, errorMessage string) error {
	return s.transition(jobId, domain.JobPending, "",
		", claimed_by = '', retry_count = retry_count + 1, error = ?", errorMessage)
}

func (s *SQLJobStore) MarkDeadLetter(jobId string, errorMessage string) error {
	return s.transition(jobId, domain.JobDeadLetter, "", ", claimed_by = '', error = ?", errorMessage)
}

// transition applies a guarded status update: the row must currently be in
// one of the legal predecessor statuses of to, and, when consumerId is not
// empty, still claimed by that consumer. On conflict the error distinguishes
// an illegal edge from a stale writer losing its claim.
func (s *SQLJobStore) transition(jobId string, to domain.JobStatus, consumerId string, extraSet string, extraArgs ...interface{}) error {
	unlock := s.db.lock()
	defer unlock()

	from := domain.JobStatusesBefore(to)
	query := fmt.Sprintf(
		"UPDATE jobs SET status = ?, version = version + 1, updated_at = ?%s WHERE job_id = ? AND status IN (%s)",
		extraSet, sqlPlaceholders(len(from)))
	args := []interface{}{to.String(), s.clock.Now().Unix()}
	args = append(args, extraArgs...)
	args = append(args, jobId)
	for _, status := range from {
		args = append(args, status.String())
	}
	if consumerId != "" {
		query += " AND claimed_by = ?"
		args = append(args, consumerId)
	}

	res, err := s.db.exec(query, args...)
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

	existing, err := s.Get(jobId)
	if err != nil {
		return err
	}
	if existing.Status.CanTransitionTo(to) {
		// the edge is legal, so the writer lost its claim to someone else
		return errors.WithStack(&flotillaerrors.ErrStaleTransition{
			Type: "job", Id: jobId, Version: existing.Version,
		})
	}
	return errors.WithStack(&flotillaerrors.ErrInvalidTransition{
		Type: "job", Id: jobId, From: existing.Status.String(), To: to.String(),
	})
}

func (s *SQLJobStore) CountByStatus() (map[domain.JobStatus]int64, error) {
	rows, err := s.db.query("SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[domain.JobStatus]int64{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, wrapDatabaseError(err)
		}
		counts[domain.JobStatus(status)] = count
	}
	return counts, errors.WithStack(rows.Err())
}

// CountOutstandingByKind counts non-terminal jobs per (model, adapter) pair.
// The admission engine derives pool demand from it.
func (s *SQLJobStore) CountOutstandingByKind() (map[domain.Kind]int64, error) {
	rows, err := s.db.query(
		"SELECT model_id, adapter_id, COUNT(*) FROM jobs WHERE status IN (?, ?, ?) GROUP BY model_id, adapter_id",
		domain.JobPending.String(), domain.JobClaimed.String(), domain.JobProcessing.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[domain.Kind]int64{}
	for rows.Next() {
		var modelId, adapterId string
		var count int64
		if err := rows.Scan(&modelId, &adapterId, &count); err != nil {
			return nil, wrapDatabaseError(err)
		}
		counts[domain.Kind{ModelId: modelId, AdapterId: adapterId}] = count
	}
	return counts, errors.WithStack(rows.Err())
}

// DeleteTerminalOlderThan archives done and dead-letter jobs whose last
// update is older than age, returning the number of rows removed.
func (s *SQLJobStore) DeleteTerminalOlderThan(age time.Duration) (int64, error) {
	unlock := s.db.lock()
	defer unlock()

	cutoff := s.clock.Now().Add(-age).Unix()
	res, err := s.db.exec(
		"DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?",
		domain.JobDone.String(), domain.JobDeadLetter.String(), cutoff)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return affected, errors.WithStack(err)
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scannable) (*domain.Job, error) {
	var job domain.Job
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(
		&job.JobId, &job.ModelId, &job.AdapterId, &job.Payload, &status,
		&job.RetryCount, &job.MaxRetries, &job.ClaimedBy, &job.Version,
		&createdAt, &updatedAt, &job.Result, &job.Error)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	job.CreatedAt = time.Unix(createdAt, 0).UTC()
	job.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &job, nil
}

func sqlPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
