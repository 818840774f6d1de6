package configuration

import (
	"time"

	"github.com/go-redis/redis"
)

type FlotillaConfig struct {
	ApiPort     uint16
	MetricsPort uint16

	Redis redis.UniversalOptions

	// Type of database used - must be either 'postgres' or 'sqlite'
	DatabaseType string
	// Absolute or relative path for sqlite database and must include the db name
	// This field is only read when DatabaseType is 'sqlite'
	DatabasePath string
	// Configuration details for using a Postgres database; this field is
	// ignored if the DatabaseType above is not 'postgres'
	PostgresConfig PostgresConfig

	Queue      QueueConfig
	Leader     LeaderConfig
	Lease      LeaseConfig
	Pools      PoolsConfig
	Scheduling SchedulingConfig
	Retention  RetentionConfig
	Metadata   MetadataConfig
	EventsNats NatsConfig
	Retry      RetryConfig
}

type PostgresConfig struct {
	PoolMaxOpenConns    int
	PoolMaxIdleConns    int
	PoolMaxConnLifetime time.Duration
	Connection          map[string]string
}

type QueueConfig struct {
	// Number of entries a consumer claims per call
	ClaimBatchSize int64
	// How long a claim call blocks waiting for new entries
	ClaimBlock time.Duration
	// Claimed entries idle longer than this are eligible for reclaim
	IdleThreshold time.Duration
	// Interval between reclaim sweeps on the leader
	ReclaimInterval time.Duration
	// Deliveries beyond this count route the job to the dead-letter stream.
	// Individual jobs may override it at submission.
	MaxRetries int
	// Upper bound kept in the dead-letter stream
	DeadLetterMaxLen int64
}

type LeaderConfig struct {
	// When false a standalone controller is used and this instance
	// is always the leader.
	Enabled  bool
	LockName string
	HolderId string
	// Interval between acquire/renew attempts
	Interval time.Duration
	// Time after which the lock may be taken over if not renewed
	Ttl time.Duration
}

type LeaseConfig struct {
	// Total GPU memory leasable on this host
	HostBudgetBytes int64
	// Leases not renewed within the ttl are forcibly released
	Ttl           time.Duration
	RenewInterval time.Duration
	ExpiryScan    time.Duration
}

type PoolsConfig struct {
	DefaultReplicaCount int
	DefaultPriority     int
	// Pools at or above this priority are never eviction victims
	ProtectedPriority int
	// How long a draining pool waits for in-flight jobs
	DrainGracePeriod time.Duration
	// Provisioning longer than this fails the pool
	ProvisionTimeout time.Duration
	// Runner used to start replicas - 'inprocess' or 'exec'
	Runner string
	// Argv template for the exec runner
	WorkerCommand []string
	// Simulated model load time, used by the in-process runner only
	LoadDelay time.Duration
	// Simulated per-job execution time, used by the in-process runner only
	ExecutionDelay time.Duration
}

type SchedulingConfig struct {
	// Reconciliation tick
	Interval time.Duration
	// 'least-recently-active' or 'lowest-priority'
	EvictionPolicy string
}

type RetentionConfig struct {
	// Terminal jobs older than this are deleted
	Age      time.Duration
	Interval time.Duration
}

type MetadataConfig struct {
	// Base URL of the artifact store; when empty only the catalog is used
	BaseUrl string
	// Static model/adapter footprint catalog
	CatalogPath string
	CacheTtl    time.Duration
	Timeout     time.Duration
	// Footprint assumed when a model is unknown everywhere
	FallbackModelBytes int64
}

type NatsConfig struct {
	Servers   []string
	ClusterId string
	Subject   string
}

type RetryConfig struct {
	Attempts     uint
	InitialDelay time.Duration
}
