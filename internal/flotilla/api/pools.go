package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
)

type poolRequest struct {
	ModelId      string `json:"model_id"`
	AdapterId    string `json:"adapter_id"`
	ReplicaCount int    `json:"replica_count"`
	Priority     int    `json:"priority"`
}

type swapRequest struct {
	AdapterId string `json:"adapter_id"`
}

type poolResponse struct {
	PoolId              string    `json:"pool_id"`
	ModelId             string    `json:"model_id"`
	AdapterId           string    `json:"adapter_id,omitempty"`
	State               string    `json:"state"`
	ReplicaCount        int       `json:"replica_count"`
	Priority            int       `json:"priority"`
	MemoryEstimateBytes int64     `json:"memory_estimate_bytes"`
	LeaseId             string    `json:"lease_id,omitempty"`
	StatusMessage       string    `json:"status_message,omitempty"`
	LastActivityAt      time.Time `json:"last_activity_at"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func poolResponseFrom(pool *domain.WorkerPool) *poolResponse {
	return &poolResponse{
		PoolId:              pool.PoolId,
		ModelId:             pool.ModelId,
		AdapterId:           pool.AdapterId,
		State:               pool.State.String(),
		ReplicaCount:        pool.ReplicaCount,
		Priority:            pool.Priority,
		MemoryEstimateBytes: pool.MemoryEstimateBytes,
		LeaseId:             pool.LeaseId,
		StatusMessage:       pool.StatusMessage,
		LastActivityAt:      pool.LastActivityAt,
		CreatedAt:           pool.CreatedAt,
		UpdatedAt:           pool.UpdatedAt,
	}
}

type leaseResponse struct {
	LeaseId        string    `json:"lease_id"`
	PoolId         string    `json:"pool_id"`
	RequestedBytes int64     `json:"requested_bytes"`
	GrantedBytes   int64     `json:"granted_bytes"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	TtlRenewedAt   time.Time `json:"ttl_renewed_at"`
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listPools(w, r)
	case http.MethodPost:
		s.requestPool(w, r)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handlePoolAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/pools/")
	if r.Method == http.MethodGet {
		s.getPool(w, r, rest)
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	switch {
	case rest == "stop-all":
		s.stopAllPools(w, r)
	case strings.HasSuffix(rest, "/stop"):
		s.stopPool(w, r, strings.TrimSuffix(rest, "/stop"))
	case strings.HasSuffix(rest, "/swap"):
		s.swapPool(w, r, strings.TrimSuffix(rest, "/swap"))
	default:
		writeError(w, r, errors.WithStack(&flotillaerrors.ErrNotFound{Type: "pool action", Value: rest}))
	}
}

// requestPool records an explicit pool request. The admission engine grants
// it a lease on a later tick; until then the pool stays requested.
func (s *Server) requestPool(w http.ResponseWriter, r *http.Request) {
	req := &poolRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, r, errors.WithStack(&flotillaerrors.ErrInvalidArgument{
			Name: "body", Value: nil, Message: err.Error(),
		}))
		return
	}
	if req.ModelId == "" {
		writeError(w, r, errors.WithStack(&flotillaerrors.ErrInvalidArgument{
			Name: "model_id", Value: req.ModelId, Message: "model_id is required",
		}))
		return
	}

	replicas := req.ReplicaCount
	if replicas <= 0 {
		replicas = s.defaultReplicas
	}
	priority := req.Priority
	if priority <= 0 {
		priority = s.defaultPriority
	}

	kind := domain.Kind{ModelId: req.ModelId, AdapterId: req.AdapterId}
	pool := &domain.WorkerPool{
		PoolId:              util.NewULID(),
		ModelId:             req.ModelId,
		AdapterId:           req.AdapterId,
		ReplicaCount:        replicas,
		Priority:            priority,
		MemoryEstimateBytes: s.estimator.EstimateBytes(r.Context(), kind),
	}
	if err := s.pools.Create(pool); err != nil {
		writeError(w, r, err)
		return
	}

	created, err := s.pools.Get(pool.PoolId)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.Infof("Pool %s requested for kind %s", pool.PoolId, kind.String())
	writeJson(w, http.StatusCreated, poolResponseFrom(created))
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.pools.List()
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]*poolResponse, 0, len(pools))
	for _, pool := range pools {
		out = append(out, poolResponseFrom(pool))
	}
	writeJson(w, http.StatusOK, out)
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request, poolId string) {
	if poolId == "" || strings.Contains(poolId, "/") {
		writeError(w, r, errors.WithStack(&flotillaerrors.ErrNotFound{Type: "pool", Value: poolId}))
		return
	}
	pool, err := s.pools.Get(poolId)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusOK, poolResponseFrom(pool))
}

func (s *Server) stopPool(w http.ResponseWriter, r *http.Request, poolId string) {
	if err := s.controller.StopPool(poolId); err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusAccepted, map[string]string{
		"pool_id": poolId,
		"state":   domain.PoolDraining.String(),
	})
}

func (s *Server) swapPool(w http.ResponseWriter, r *http.Request, poolId string) {
	req := &swapRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, r, errors.WithStack(&flotillaerrors.ErrInvalidArgument{
			Name: "body", Value: nil, Message: err.Error(),
		}))
		return
	}
	if req.AdapterId == "" {
		writeError(w, r, errors.WithStack(&flotillaerrors.ErrInvalidArgument{
			Name: "adapter_id", Value: req.AdapterId, Message: "adapter_id is required",
		}))
		return
	}
	if err := s.controller.SwapAdapter(r.Context(), poolId, req.AdapterId); err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusAccepted, map[string]string{
		"pool_id":    poolId,
		"adapter_id": req.AdapterId,
	})
}

func (s *Server) stopAllPools(w http.ResponseWriter, r *http.Request) {
	stopped, err := s.controller.StopAll()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusOK, map[string]int{"stopped": stopped})
}

func (s *Server) handleLeases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	leases, err := s.leases.ListHeld()
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]*leaseResponse, 0, len(leases))
	for _, lease := range leases {
		out = append(out, &leaseResponse{
			LeaseId:        lease.LeaseId,
			PoolId:         lease.PoolId,
			RequestedBytes: lease.RequestedBytes,
			GrantedBytes:   lease.GrantedBytes,
			State:          lease.State.String(),
			CreatedAt:      lease.CreatedAt,
			TtlRenewedAt:   lease.TtlRenewedAt,
		})
	}
	writeJson(w, http.StatusOK, out)
}
