package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
	"github.com/flotillaproject/flotilla/internal/flotilla/leader"
	"github.com/flotillaproject/flotilla/internal/flotilla/repository"
)

func TestSubmitCreatesPendingJob(t *testing.T) {
	withApiFixture(func(f *apiFixture) {
		w := f.do(http.MethodPost, "/api/v1/jobs",
			`{"job_id": "j1", "model_id": "llama-7b", "payload": {"prompt": "hi"}, "max_retries": 2}`)

		require.Equal(t, http.StatusCreated, w.Code)
		resp := decodeJob(t, w)
		assert.Equal(t, "j1", resp.JobId)
		assert.Equal(t, "pending", resp.Status)

		entries, err := f.queue.Claim("llama-7b", "probe", 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "j1", entries[0].JobId)
	})
}

func TestSubmitIsIdempotent(t *testing.T) {
	withApiFixture(func(f *apiFixture) {
		body := `{"job_id": "j1", "model_id": "llama-7b", "payload": {"prompt": "hi"}}`

		first := f.do(http.MethodPost, "/api/v1/jobs", body)
		second := f.do(http.MethodPost, "/api/v1/jobs", body)

		require.Equal(t, http.StatusCreated, first.Code)
		require.Equal(t, http.StatusOK, second.Code)
		assert.Equal(t, "j1", decodeJob(t, second).JobId)

		// no duplicate entry was appended
		entries, err := f.queue.Claim("llama-7b", "probe", 10)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestSubmitGeneratesJobId(t *testing.T) {
	withApiFixture(func(f *apiFixture) {
		w := f.do(http.MethodPost, "/api/v1/jobs", `{"model_id": "llama-7b", "payload": {}}`)

		require.Equal(t, http.StatusCreated, w.Code)
		assert.NotEmpty(t, decodeJob(t, w).JobId)
	})
}

func TestSubmitValidatesRequest(t *testing.T) {
	withApiFixture(func(f *apiFixture) {
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/jobs", `{"payload": {}}`).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/jobs", `not json`).Code)
		assert.Equal(t, http.StatusBadRequest,
			f.do(http.MethodPost, "/api/v1/jobs", `{"model_id": "m", "max_retries": -1}`).Code)
	})
}

func TestSubmitRepairsRowWithoutEntry(t *testing.T) {
	withApiFixture(func(f *apiFixture) {
		// a crashed submit on another instance left the row but no entry
		require.NoError(t, f.jobs.Create(&domain.Job{JobId: "j1", ModelId: "llama-7b", Payload: []byte(`{}`)}))

		w := f.do(http.MethodPost, "/api/v1/jobs", `{"job_id": "j1", "model_id": "llama-7b", "payload": {}}`)

		require.Equal(t, http.StatusOK, w.Code)
		entries, err := f.queue.Claim("llama-7b", "probe", 10)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestGetJobReturnsResult(t *testing.T) {
	withApiFixture(func(f *apiFixture) {
		require.NoError(t, f.jobs.Create(&domain.Job{JobId: "j1", ModelId: "llama-7b", Payload: []byte(`{}`)}))
		require.NoError(t, f.jobs.MarkClaimed("j1", "c1"))
		require.NoError(t, f.jobs.MarkProcessing("j1", "c1"))
		require.NoError(t, f.jobs.MarkDone("j1", "c1", []byte("completion")))

		w := f.do(http.MethodGet, "/api/v1/jobs/j1", "")

		require.Equal(t, http.StatusOK, w.Code)
		resp := decodeJob(t, w)
		assert.Equal(t, "done", resp.Status)
		assert.Equal(t, []byte("completion"), resp.Result)
	})
}

func TestGetJobUnknownIs404(t *testing.T) {
	withApiFixture(func(f *apiFixture) {
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/jobs/nope", "").Code)
	})
}

func TestReprocessRequiresDeadLetter(t *testing.T) {
	withApiFixture(func(f *apiFixture) {
		require.NoError(t, f.jobs.Create(&domain.Job{JobId: "j1", ModelId: "llama-7b", Payload: []byte(`{}`)}))

		w := f.do(http.MethodPost, "/api/v1/jobs/j1/reprocess", "")

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestReprocessCreatesFreshJob(t *testing.T) {
	withApiFixture(func(f *apiFixture) {
		require.NoError(t, f.jobs.Create(&domain.Job{
			JobId: "j1", ModelId: "llama-7b", Payload: []byte(`{"prompt": "hi"}`), MaxRetries: 2,
		}))
		require.NoError(t, f.jobs.MarkDeadLetter("j1", "poison"))

		w := f.do(http.MethodPost, "/api/v1/jobs/j1/reprocess", "")

		require.Equal(t, http.StatusCreated, w.Code)
		resp := map[string]string{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "j1", resp["source_job_id"])
		require.NotEmpty(t, resp["job_id"])
		require.NotEqual(t, "j1", resp["job_id"])

		fresh, err := f.jobs.Get(resp["job_id"])
		require.NoError(t, err)
		assert.Equal(t, domain.JobPending, fresh.Status)
		assert.Equal(t, []byte(`{"prompt": "hi"}`), fresh.Payload)
		assert.Equal(t, 2, fresh.MaxRetries)

		// the original record is untouched
		source, err := f.jobs.Get("j1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobDeadLetter, source.Status)

		entries, err := f.queue.Claim("llama-7b", "probe", 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, resp["job_id"], entries[0].JobId)
	})
}

func TestRequestPoolAppliesDefaults(t *testing.T) {
	withApiFixture(func(f *apiFixture) {
		w := f.do(http.MethodPost, "/api/v1/pools", `{"model_id": "llama-7b"}`)

		require.Equal(t, http.StatusCreated, w.Code)
		resp := &poolResponse{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), resp))
		assert.Equal(t, "requested", resp.State)
		assert.Equal(t, 2, resp.ReplicaCount)
		assert.Equal(t, 5, resp.Priority)
		assert.Equal(t, int64(40), resp.MemoryEstimateBytes)
	})
}

func TestStopPoolRoutesToController(t *testing.T) {
	withApiFixture(func(f *apiFixture) {
		w := f.do(http.MethodPost, "/api/v1/pools/p1/stop", "")

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, []string{"p1"}, f.controller.stopped)
	})
}

func TestStopPoolErrorsAreMapped(t *testing.T) {
	withApiFixture(func(f *apiFixture) {
		f.controller.err = &flotillaerrors.ErrNotFound{Type: "pool", Value: "p1"}

		assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/v1/pools/p1/stop", "").Code)
	})
}

func TestSwapPoolRoutesToController(t *testing.T) {
	withApiFixture(func(f *apiFixture) {
		w := f.do(http.MethodPost, "/api/v1/pools/p1/swap", `{"adapter_id": "style-b"}`)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, []string{"p1:style-b"}, f.controller.swapped)
	})
}

func TestSwapRejectionSurfacesCapacityStatus(t *testing.T) {
	withApiFixture(func(f *apiFixture) {
		f.controller.err = &flotillaerrors.ErrInsufficientCapacity{RequestedBytes: 80, AvailableBytes: 10, BudgetBytes: 100}

		w := f.do(http.MethodPost, "/api/v1/pools/p1/swap", `{"adapter_id": "style-xl"}`)

		assert.Equal(t, http.StatusInsufficientStorage, w.Code)
	})
}

func TestStopAllReportsCount(t *testing.T) {
	withApiFixture(func(f *apiFixture) {
		f.controller.stopAll = 3

		w := f.do(http.MethodPost, "/api/v1/pools/stop-all", "")

		require.Equal(t, http.StatusOK, w.Code)
		resp := map[string]int{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 3, resp["stopped"])
	})
}

func TestListPoolsAndLeases(t *testing.T) {
	withApiFixture(func(f *apiFixture) {
		require.NoError(t, f.pools.Create(&domain.WorkerPool{PoolId: "p1", ModelId: "llama-7b", ReplicaCount: 1}))
		require.NoError(t, f.leases.Create(&domain.Lease{LeaseId: "l1", PoolId: "p1", RequestedBytes: 40, GrantedBytes: 40}, 100))

		pools := f.do(http.MethodGet, "/api/v1/pools", "")
		require.Equal(t, http.StatusOK, pools.Code)
		poolList := []*poolResponse{}
		require.NoError(t, json.Unmarshal(pools.Body.Bytes(), &poolList))
		require.Len(t, poolList, 1)
		assert.Equal(t, "p1", poolList[0].PoolId)

		leases := f.do(http.MethodGet, "/api/v1/leases", "")
		require.Equal(t, http.StatusOK, leases.Code)
		leaseList := []*leaseResponse{}
		require.NoError(t, json.Unmarshal(leases.Body.Bytes(), &leaseList))
		require.Len(t, leaseList, 1)
		assert.Equal(t, "l1", leaseList[0].LeaseId)
	})
}

func TestLeaderStatus(t *testing.T) {
	withApiFixture(func(f *apiFixture) {
		w := f.do(http.MethodGet, "/api/v1/status/leader", "")

		require.Equal(t, http.StatusOK, w.Code)
		resp := map[string]interface{}{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "standalone", resp["holder_id"])
		assert.Equal(t, true, resp["is_self"])
	})
}

func TestMethodsAreEnforced(t *testing.T) {
	withApiFixture(func(f *apiFixture) {
		assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/api/v1/jobs", "").Code)
		assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodDelete, "/api/v1/pools", "").Code)
		assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodPost, "/api/v1/status/leader", "").Code)
	})
}

type apiFixture struct {
	jobs       repository.JobStore
	pools      repository.PoolStore
	leases     repository.LeaseStore
	queue      repository.JobQueue
	controller *fakeController
	handler    http.Handler
}

func withApiFixture(action func(f *apiFixture)) {
	db, err := repository.OpenSqliteInMemory()
	if err != nil {
		panic(err)
	}
	defer db.Close()
	if err := db.CreateTables(); err != nil {
		panic(err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := util.NewTestClock(time.Unix(1700000000, 0))
	f := &apiFixture{
		jobs:       repository.NewSQLJobStore(db, clock),
		pools:      repository.NewSQLPoolStore(db, clock),
		leases:     repository.NewSQLLeaseStore(db, clock),
		queue:      repository.NewRedisJobQueue(client, 0, 1000),
		controller: &fakeController{},
	}
	server, err := NewServer(
		f.jobs, f.queue, f.pools, f.leases, f.controller,
		&stubEstimator{bytes: map[string]int64{}, fallback: 40},
		leader.NewStandaloneLeaderController(),
		configuration.PoolsConfig{DefaultReplicaCount: 2, DefaultPriority: 5},
		configuration.RetryConfig{Attempts: 2, InitialDelay: time.Millisecond})
	if err != nil {
		panic(err)
	}
	f.handler = server.Handler()
	action(f)
}

func (f *apiFixture) do(method string, path string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeJob(t *testing.T, w *httptest.ResponseRecorder) *jobResponse {
	resp := &jobResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), resp))
	return resp
}

type fakeController struct {
	stopped []string
	swapped []string
	stopAll int
	err     error
}

func (c *fakeController) StopPool(poolId string) error {
	if c.err != nil {
		return c.err
	}
	c.stopped = append(c.stopped, poolId)
	return nil
}

func (c *fakeController) StopAll() (int, error) {
	return c.stopAll, c.err
}

func (c *fakeController) SwapAdapter(ctx context.Context, poolId string, adapterId string) error {
	if c.err != nil {
		return c.err
	}
	c.swapped = append(c.swapped, poolId+":"+adapterId)
	return nil
}

type stubEstimator struct {
	bytes    map[string]int64
	fallback int64
}

func (e *stubEstimator) EstimateBytes(ctx context.Context, kind domain.Kind) int64 {
	if b, ok := e.bytes[kind.String()]; ok {
		return b
	}
	return e.fallback
}
