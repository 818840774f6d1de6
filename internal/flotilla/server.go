package flotilla

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/flotillaproject/flotilla/internal/common"
	"github.com/flotillaproject/flotilla/internal/common/health"
	"github.com/flotillaproject/flotilla/internal/common/requestid"
	stanUtil "github.com/flotillaproject/flotilla/internal/common/stan-util"
	"github.com/flotillaproject/flotilla/internal/common/task"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/flotilla/api"
	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
	"github.com/flotillaproject/flotilla/internal/flotilla/events"
	"github.com/flotillaproject/flotilla/internal/flotilla/leader"
	"github.com/flotillaproject/flotilla/internal/flotilla/metadata"
	"github.com/flotillaproject/flotilla/internal/flotilla/metrics"
	"github.com/flotillaproject/flotilla/internal/flotilla/pools"
	"github.com/flotillaproject/flotilla/internal/flotilla/repository"
	"github.com/flotillaproject/flotilla/internal/flotilla/scheduling"
	"github.com/flotillaproject/flotilla/internal/flotilla/worker"
)

// Serve runs the orchestrator until ctx is cancelled or a service fails.
func Serve(ctx context.Context, config *configuration.FlotillaConfig, healthChecks *health.MultiChecker) error {
	if err := validateFlotillaConfig(config); err != nil {
		return err
	}

	// We call startupCompleteCheck.MarkComplete() when all services have been started.
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks.Add(startupCompleteCheck)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// List of services to run concurrently.
	// Because we want to start services only once all input validation has been completed,
	// we add all services to a slice and start them together at the end of this function.
	var services []func() error

	db, err := repository.OpenDatabase(config)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorf("failed to close database connection: %s", err)
		}
	}()
	if err := db.CreateTables(); err != nil {
		return err
	}
	healthChecks.Add(db)

	clock := &util.DefaultClock{}
	jobStore := repository.NewSQLJobStore(db, clock)
	poolStore := repository.NewSQLPoolStore(db, clock)
	leaseStore := repository.NewSQLLeaseStore(db, clock)
	lockStore := repository.NewSQLLockStore(db)

	redisClient := redis.NewUniversalClient(&config.Redis)
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Errorf("failed to close redis client: %s", err)
		}
	}()
	queue := repository.NewRedisJobQueue(redisClient, config.Queue.ClaimBlock, config.Queue.DeadLetterMaxLen)
	healthChecks.Add(queue)

	var publisher events.Publisher = events.NoopPublisher{}
	if len(config.EventsNats.Servers) > 0 {
		stanClient, err := stanUtil.DurableConnect(
			config.EventsNats.ClusterId,
			"flotilla-server-"+util.NewULID(),
			strings.Join(config.EventsNats.Servers, ","),
		)
		if err != nil {
			return errors.WithStack(err)
		}
		defer func() {
			if err := stanClient.Close(); err != nil {
				log.Errorf("failed to close events connection: %s", err)
			}
		}()
		stanPublisher := events.NewStanPublisher(stanClient, config.EventsNats.Subject)
		healthChecks.Add(stanPublisher)
		publisher = stanPublisher
	}

	var leaderController leader.LeaderController
	if config.Leader.Enabled {
		if config.Leader.HolderId == "" {
			config.Leader.HolderId = "flotilla-" + util.NewULID()
		}
		databaseController := leader.NewDatabaseLeaderController(lockStore, config.Leader)
		databaseController.RegisterListener(&leaderElectedPublisher{
			publisher: publisher,
			holderId:  config.Leader.HolderId,
		})
		services = append(services, func() error {
			return databaseController.Run(ctx)
		})
		leaderController = databaseController
	} else {
		leaderController = leader.NewStandaloneLeaderController()
	}

	estimator, err := metadata.NewClient(config.Metadata, config.Retry)
	if err != nil {
		return err
	}

	var runner pools.Runner
	switch config.Pools.Runner {
	case pools.RunnerTypeExec:
		runner = pools.NewExecRunner(config.Pools.WorkerCommand)
	case pools.RunnerTypeInProcess, "":
		runner = pools.NewInProcessRunner(
			queue,
			jobStore,
			poolStore,
			worker.NewSimulatedExecutor(config.Pools.ExecutionDelay),
			config.Queue.ClaimBatchSize,
			config.Pools.LoadDelay,
		)
	default:
		return errors.Errorf("unknown runner type %q, must be %q or %q",
			config.Pools.Runner, pools.RunnerTypeInProcess, pools.RunnerTypeExec)
	}

	manager := pools.NewManager(
		jobStore, poolStore, leaseStore, queue,
		runner, estimator, publisher, clock,
		config.Pools, config.Lease, config.Queue,
	)
	engine := scheduling.NewAdmissionEngine(
		jobStore, poolStore, leaseStore,
		estimator, manager, clock,
		config.Lease, config.Pools, config.Scheduling,
	)
	scheduler := scheduling.NewScheduler(leaderController, poolStore, leaseStore, engine)
	reclaimer := scheduling.NewReclaimer(leaderController, queue, jobStore, publisher, config.Queue)
	leaseManager := scheduling.NewLeaseManager(leaderController, leaseStore, poolStore, config.Lease)
	retention := scheduling.NewRetention(leaderController, jobStore, poolStore, leaseStore, config.Retention)

	// Allows for registering functions to be run periodically in the background.
	taskManager := task.NewBackgroundTaskManager(metrics.MetricPrefix)
	defer taskManager.StopAll(time.Second * 2)
	taskManager.Register(scheduler.Tick, config.Scheduling.Interval, "admission")
	taskManager.Register(manager.Tick, config.Scheduling.Interval, "pool_reconcile")
	taskManager.Register(reclaimer.Tick, config.Queue.ReclaimInterval, "reclaim")
	taskManager.Register(leaseManager.Tick, config.Lease.ExpiryScan, "lease_expiry")
	taskManager.Register(retention.Tick, config.Retention.Interval, "retention")

	metrics.ExposeDataMetrics(jobStore, leaseStore, leaderController)

	apiServer, err := api.NewServer(
		jobStore, queue, poolStore, leaseStore,
		manager, estimator, leaderController,
		config.Pools, config.Retry,
	)
	if err != nil {
		return err
	}
	mux := apiServer.Handler()
	health.SetupHttpMux(mux, healthChecks)
	log.Infof("Flotilla REST API listening on %d", config.ApiPort)
	shutdownApiServer := common.ServeHttp(config.ApiPort, requestid.Middleware(mux, false))
	defer shutdownApiServer()

	// The HTTP servers run outside the errgroup, so keep Serve alive until
	// the context is cancelled even when no background service is registered.
	services = append(services, func() error {
		<-ctx.Done()
		return nil
	})

	// Start all services and wait for the context to be cancelled,
	// which happens if the parent context is cancelled or if any of the services returns an error.
	// We start all services at the end of the function to ensure all services are ready.
	for _, service := range services {
		g.Go(service)
	}

	startupCompleteCheck.MarkComplete()
	log.Info("Flotilla orchestrator startup complete")
	return g.Wait()
}

func validateFlotillaConfig(config *configuration.FlotillaConfig) error {
	if config.Lease.HostBudgetBytes <= 0 {
		return errors.WithStack(fmt.Errorf("lease host budget should be greater than 0: is %d", config.Lease.HostBudgetBytes))
	}
	if config.Queue.ClaimBatchSize <= 0 {
		return errors.WithStack(fmt.Errorf("queue claim batch size should be greater than 0: is %d", config.Queue.ClaimBatchSize))
	}
	for name, interval := range map[string]time.Duration{
		"scheduling.interval":   config.Scheduling.Interval,
		"queue.reclaimInterval": config.Queue.ReclaimInterval,
		"lease.expiryScan":      config.Lease.ExpiryScan,
		"retention.interval":    config.Retention.Interval,
	} {
		if interval <= 0 {
			return errors.WithStack(fmt.Errorf("%s should be greater than 0: is %s", name, interval))
		}
	}
	return nil
}

// leaderElectedPublisher reports leadership changes on the event stream.
type leaderElectedPublisher struct {
	publisher events.Publisher
	holderId  string
}

func (p *leaderElectedPublisher) OnStartedLeading(ctx context.Context) {
	err := p.publisher.Publish(&events.Event{
		Type:       events.EventLeaderElected,
		OccurredAt: time.Now(),
		HolderId:   p.holderId,
	})
	if err != nil {
		log.Warnf("Could not publish %s event: %s", events.EventLeaderElected, err)
	}
}

func (p *leaderElectedPublisher) OnStoppedLeading() {}
