package domain

import (
	"time"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobClaimed    JobStatus = "claimed"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
	JobDeadLetter JobStatus = "dead_letter"
)

func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal reports whether a job record is immutable. Failed jobs are not
// terminal: they may be requeued once after a pool load failure.
func (s JobStatus) IsTerminal() bool {
	return s == JobDone || s == JobDeadLetter
}

// jobEdges are the legal job status transitions. Claimed and processing jobs
// return to pending when their queue entry is reclaimed.
var jobEdges = map[JobStatus][]JobStatus{
	JobPending:    {JobClaimed, JobDeadLetter},
	JobClaimed:    {JobProcessing, JobPending, JobDeadLetter},
	JobProcessing: {JobDone, JobFailed, JobPending, JobDeadLetter},
	JobFailed:     {JobPending, JobDeadLetter},
	JobDone:       {},
	JobDeadLetter: {},
}

func (s JobStatus) CanTransitionTo(to JobStatus) bool {
	for _, next := range jobEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

// JobStatuses lists the statuses that may transition to the given status,
// used to guard store updates.
func JobStatusesBefore(to JobStatus) []JobStatus {
	from := []JobStatus{}
	for status, edges := range jobEdges {
		for _, next := range edges {
			if next == to {
				from = append(from, status)
			}
		}
	}
	return from
}

type Job struct {
	JobId      string
	ModelId    string
	AdapterId  string
	Payload    []byte
	Status     JobStatus
	RetryCount int
	MaxRetries int
	// Consumer currently working the job, empty when unclaimed
	ClaimedBy string
	// Bumped on every applied transition
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	Result    []byte
	Error     string
}

func (j *Job) Kind() Kind {
	return Kind{ModelId: j.ModelId, AdapterId: j.AdapterId}
}

// RetryCeiling is the job's own retry limit when set, otherwise the queue
// default.
func (j *Job) RetryCeiling(defaultMax int) int {
	if j.MaxRetries > 0 {
		return j.MaxRetries
	}
	return defaultMax
}
