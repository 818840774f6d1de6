package worker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
)

// Executor runs one job against the pool's loaded model. The production
// executor lives in the external worker binary; in-process pools use the
// simulated executor.
type Executor interface {
	Execute(ctx context.Context, job *domain.Job) ([]byte, error)
}

// SimulatedExecutor stands in for a model server: it echoes the payload back
// after a fixed latency. Failures can be scripted per job.
type SimulatedExecutor struct {
	latency time.Duration

	mu       sync.Mutex
	failures map[string]string
}

func NewSimulatedExecutor(latency time.Duration) *SimulatedExecutor {
	return &SimulatedExecutor{latency: latency, failures: map[string]string{}}
}

// FailJob scripts the next execution of the given job to fail.
func (e *SimulatedExecutor) FailJob(jobId string, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[jobId] = message
}

func (e *SimulatedExecutor) Execute(ctx context.Context, job *domain.Job) ([]byte, error) {
	if e.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.latency):
		}
	}

	e.mu.Lock()
	message, failed := e.failures[job.JobId]
	delete(e.failures, job.JobId)
	e.mu.Unlock()

	if failed {
		return nil, errors.New(message)
	}
	return job.Payload, nil
}
