package pools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
	"github.com/flotillaproject/flotilla/internal/flotilla/repository"
	"github.com/flotillaproject/flotilla/internal/flotilla/worker"
)

const RunnerTypeInProcess = "inprocess"
const RunnerTypeExec = "exec"

// Runner starts and stops the replicas serving a pool.
//
// Start blocks until the pool is ready to serve (model and adapter loaded) or
// ctx expires; replicas then claim work until Drain or Stop. A replica dying
// after a successful Start is reported once through onExit. Drain and Stop
// are safe to call for pools the runner does not know.
type Runner interface {
	Start(ctx context.Context, pool *domain.WorkerPool, onExit func(error)) error
	Drain(poolId string)
	Stop(poolId string)
}

// InProcessRunner hosts replica runtimes inside the orchestrator process and
// is the default runner. Model load is simulated with a configurable delay;
// load failures can be scripted per kind, standing in for the external
// worker binary's real load path.
type InProcessRunner struct {
	queue          repository.JobQueue
	jobs           repository.JobStore
	pools          repository.PoolStore
	executor       worker.Executor
	claimBatchSize int64
	loadDelay      time.Duration

	mu           sync.Mutex
	served       map[string]*servedPool
	loadFailures map[string]string
}

type servedPool struct {
	cancel   context.CancelFunc
	runtimes []*worker.Runtime
}

func NewInProcessRunner(
	queue repository.JobQueue,
	jobs repository.JobStore,
	pools repository.PoolStore,
	executor worker.Executor,
	claimBatchSize int64,
	loadDelay time.Duration,
) *InProcessRunner {
	return &InProcessRunner{
		queue:          queue,
		jobs:           jobs,
		pools:          pools,
		executor:       executor,
		claimBatchSize: claimBatchSize,
		loadDelay:      loadDelay,
		served:         map[string]*servedPool{},
		loadFailures:   map[string]string{},
	}
}

// FailLoads scripts every subsequent load of the given kind to fail.
func (r *InProcessRunner) FailLoads(kind string, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadFailures[kind] = message
}

func (r *InProcessRunner) Start(ctx context.Context, pool *domain.WorkerPool, onExit func(error)) error {
	if err := r.load(ctx, pool); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, runCtx := errgroup.WithContext(runCtx)
	runtimes := make([]*worker.Runtime, 0, pool.ReplicaCount)
	for i := 0; i < pool.ReplicaCount; i++ {
		consumerId := fmt.Sprintf("%s-replica-%d", pool.PoolId, i)
		runtime := worker.NewRuntime(consumerId, pool, r.queue, r.jobs, r.pools, r.executor, r.claimBatchSize)
		runtimes = append(runtimes, runtime)
		g.Go(func() error {
			return runtime.Run(runCtx)
		})
	}

	r.mu.Lock()
	r.served[pool.PoolId] = &servedPool{cancel: cancel, runtimes: runtimes}
	r.mu.Unlock()

	go func() {
		err := g.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			onExit(err)
		}
	}()
	return nil
}

func (r *InProcessRunner) load(ctx context.Context, pool *domain.WorkerPool) error {
	kind := pool.Kind().String()
	r.mu.Lock()
	message, failed := r.loadFailures[kind]
	r.mu.Unlock()
	if failed {
		return errors.Errorf("loading %s: %s", kind, message)
	}

	if r.loadDelay > 0 {
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "loading %s", kind)
		case <-time.After(r.loadDelay):
		}
	}
	return nil
}

func (r *InProcessRunner) Drain(poolId string) {
	r.mu.Lock()
	sp := r.served[poolId]
	r.mu.Unlock()
	if sp == nil {
		return
	}
	for _, runtime := range sp.runtimes {
		runtime.Drain()
	}
}

func (r *InProcessRunner) Stop(poolId string) {
	r.mu.Lock()
	sp := r.served[poolId]
	delete(r.served, poolId)
	r.mu.Unlock()
	if sp != nil {
		sp.cancel()
	}
}

// ExecRunner spawns one worker process per replica. The worker binary owns
// loading, claiming and executing; the runner only tracks process lifetime.
// An exit while the pool is live is a replica failure; SIGTERM asks a worker
// to drain and a clean exit after that is expected.
type ExecRunner struct {
	command []string

	mu     sync.Mutex
	served map[string]*execPool
}

type execPool struct {
	processes []*exec.Cmd
	draining  bool
	stopping  bool
}

func NewExecRunner(command []string) *ExecRunner {
	return &ExecRunner{command: command, served: map[string]*execPool{}}
}

func (r *ExecRunner) Start(ctx context.Context, pool *domain.WorkerPool, onExit func(error)) error {
	if len(r.command) == 0 {
		return errors.New("no worker command configured")
	}

	ep := &execPool{}
	for i := 0; i < pool.ReplicaCount; i++ {
		cmd := exec.Command(r.command[0], r.command[1:]...)
		cmd.Env = append(os.Environ(),
			"FLOTILLA_POOL_ID="+pool.PoolId,
			"FLOTILLA_KIND="+pool.Kind().String(),
			fmt.Sprintf("FLOTILLA_REPLICA=%d", i))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			r.kill(ep)
			return errors.Wrapf(err, "starting replica %d of pool %s", i, pool.PoolId)
		}
		ep.processes = append(ep.processes, cmd)
	}

	r.mu.Lock()
	r.served[pool.PoolId] = ep
	r.mu.Unlock()

	for i, cmd := range ep.processes {
		go r.watch(pool.PoolId, i, cmd, onExit)
	}
	return nil
}

func (r *ExecRunner) watch(poolId string, replica int, cmd *exec.Cmd, onExit func(error)) {
	err := cmd.Wait()

	r.mu.Lock()
	ep := r.served[poolId]
	stopping := ep == nil || ep.stopping
	draining := ep != nil && ep.draining
	r.mu.Unlock()

	if stopping {
		return
	}
	if draining && err == nil {
		// a drained worker exiting cleanly is the expected outcome
		return
	}
	onExit(errors.Errorf("replica %d of pool %s exited: %v", replica, poolId, err))
}

func (r *ExecRunner) Drain(poolId string) {
	r.mu.Lock()
	ep := r.served[poolId]
	if ep != nil {
		ep.draining = true
	}
	r.mu.Unlock()
	if ep == nil {
		return
	}
	for _, cmd := range ep.processes {
		if cmd.Process == nil {
			continue
		}
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			log.Warnf("Could not signal replica of pool %s: %s", poolId, err)
		}
	}
}

func (r *ExecRunner) Stop(poolId string) {
	r.mu.Lock()
	ep := r.served[poolId]
	if ep != nil {
		ep.stopping = true
	}
	delete(r.served, poolId)
	r.mu.Unlock()
	if ep != nil {
		r.kill(ep)
	}
}

func (r *ExecRunner) kill(ep *execPool) {
	for _, cmd := range ep.processes {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}
