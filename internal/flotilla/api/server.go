package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/requestid"
	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
	"github.com/flotillaproject/flotilla/internal/flotilla/leader"
	"github.com/flotillaproject/flotilla/internal/flotilla/repository"
)

// submittedCacheSize bounds the per-instance cache of recently accepted job
// ids. The jobs table is the source of truth for idempotency; the cache only
// saves the duplicate-submit round trip.
const submittedCacheSize = 10000

// PoolController is the slice of the pool manager the API drives.
type PoolController interface {
	StopPool(poolId string) error
	StopAll() (int, error)
	SwapAdapter(ctx context.Context, poolId string, adapterId string) error
}

// FootprintEstimator sizes explicitly requested pools.
type FootprintEstimator interface {
	EstimateBytes(ctx context.Context, kind domain.Kind) int64
}

// Server is the REST control surface: job submission and status, dead-letter
// reprocessing, pool control and cluster status.
type Server struct {
	jobs       repository.JobStore
	queue      repository.JobQueue
	pools      repository.PoolStore
	leases     repository.LeaseStore
	controller PoolController
	estimator  FootprintEstimator
	leader     leader.LeaderController

	defaultReplicas int
	defaultPriority int
	retryAttempts   uint
	retryDelay      time.Duration

	mu        sync.Mutex
	submitted *simplelru.LRU
}

func NewServer(
	jobs repository.JobStore,
	queue repository.JobQueue,
	pools repository.PoolStore,
	leases repository.LeaseStore,
	controller PoolController,
	estimator FootprintEstimator,
	leaderController leader.LeaderController,
	poolsConfig configuration.PoolsConfig,
	retryConfig configuration.RetryConfig,
) (*Server, error) {
	submitted, err := simplelru.NewLRU(submittedCacheSize, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	defaultReplicas := poolsConfig.DefaultReplicaCount
	if defaultReplicas <= 0 {
		defaultReplicas = 1
	}
	attempts := retryConfig.Attempts
	if attempts == 0 {
		attempts = 1
	}
	delay := retryConfig.InitialDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	return &Server{
		jobs:            jobs,
		queue:           queue,
		pools:           pools,
		leases:          leases,
		controller:      controller,
		estimator:       estimator,
		leader:          leaderController,
		defaultReplicas: defaultReplicas,
		defaultPriority: poolsConfig.DefaultPriority,
		retryAttempts:   attempts,
		retryDelay:      delay,
		submitted:       submitted,
	}, nil
}

// Handler returns the mux with every API route mounted. The caller may add
// further routes, e.g., the health endpoint, before serving it.
func (s *Server) Handler() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJob)
	mux.HandleFunc("/api/v1/pools", s.handlePools)
	mux.HandleFunc("/api/v1/pools/", s.handlePoolAction)
	mux.HandleFunc("/api/v1/leases", s.handleLeases)
	mux.HandleFunc("/api/v1/status/leader", s.handleLeaderStatus)
	return mux
}

func (s *Server) handleLeaderStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	report := s.leader.GetLeaderReport()
	writeJson(w, http.StatusOK, map[string]interface{}{
		"holder_id":        report.LeaderName,
		"is_self":          report.IsCurrentProcessLeader,
		"ttl_remaining_ms": report.TtlRemaining.Milliseconds(),
	})
}

func (s *Server) recentlySubmitted(jobId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted.Contains(jobId)
}

func (s *Server) rememberSubmitted(jobId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted.Add(jobId, nil)
}

func writeJson(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("Could not write response: %s", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := flotillaerrors.StatusFromError(err)
	if status == http.StatusInternalServerError {
		log.Errorf("Request %s failed: %s", requestid.FromContextOrMissing(r.Context()), err)
	} else {
		log.Debugf("Request %s rejected with %d: %s", requestid.FromContextOrMissing(r.Context()), status, err)
	}
	writeJson(w, status, map[string]string{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJson(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}
