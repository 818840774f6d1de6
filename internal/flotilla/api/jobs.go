package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
	"github.com/flotillaproject/flotilla/internal/flotilla/metrics"
)

type submitRequest struct {
	JobId      string          `json:"job_id"`
	ModelId    string          `json:"model_id"`
	AdapterId  string          `json:"adapter_id"`
	Payload    json.RawMessage `json:"payload"`
	MaxRetries int             `json:"max_retries"`
}

type jobResponse struct {
	JobId      string          `json:"job_id"`
	ModelId    string          `json:"model_id"`
	AdapterId  string          `json:"adapter_id,omitempty"`
	Status     string          `json:"status"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Result     []byte          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func jobResponseFrom(job *domain.Job) *jobResponse {
	return &jobResponse{
		JobId:      job.JobId,
		ModelId:    job.ModelId,
		AdapterId:  job.AdapterId,
		Status:     job.Status.String(),
		RetryCount: job.RetryCount,
		MaxRetries: job.MaxRetries,
		Payload:    json.RawMessage(job.Payload),
		Result:     job.Result,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	s.submitJob(w, r)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	if jobId := strings.TrimSuffix(rest, "/reprocess"); jobId != rest {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		s.reprocessJob(w, r, jobId)
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if rest == "" || strings.Contains(rest, "/") {
		writeError(w, r, errors.WithStack(&flotillaerrors.ErrNotFound{Type: "job", Value: rest}))
		return
	}
	s.getJob(w, r, rest)
}

// submitJob accepts a job, persists it and appends a queue entry. Submission
// is idempotent on the supplied job id: resubmitting an accepted job returns
// its current status instead of creating a duplicate.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	req := &submitRequest{}
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
	if req.MaxRetries < 0 {
		writeError(w, r, errors.WithStack(&flotillaerrors.ErrInvalidArgument{
			Name: "max_retries", Value: req.MaxRetries, Message: "max_retries cannot be negative",
		}))
		return
	}
	if req.JobId == "" {
		req.JobId = util.NewULID()
	}

	if s.recentlySubmitted(req.JobId) {
		s.respondExisting(w, r, req.JobId)
		return
	}

	job := &domain.Job{
		JobId:      req.JobId,
		ModelId:    req.ModelId,
		AdapterId:  req.AdapterId,
		Payload:    []byte(req.Payload),
		MaxRetries: req.MaxRetries,
	}
	if err := s.jobs.Create(job); err != nil {
		var exists *flotillaerrors.ErrAlreadyExists
		if errors.As(err, &exists) {
			s.respondDuplicate(w, r, req.JobId)
			return
		}
		writeError(w, r, err)
		return
	}
	if err := s.enqueue(job); err != nil {
		// the row exists but carries no entry yet; a resubmit of the same
		// id repairs this through respondDuplicate
		writeError(w, r, err)
		return
	}
	s.rememberSubmitted(job.JobId)

	created, err := s.jobs.Get(job.JobId)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.Infof("Job %s accepted for kind %s", job.JobId, job.Kind().String())
	writeJson(w, http.StatusCreated, jobResponseFrom(created))
}

func (s *Server) respondExisting(w http.ResponseWriter, r *http.Request, jobId string) {
	job, err := s.jobs.Get(jobId)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusOK, jobResponseFrom(job))
}

// respondDuplicate handles a submit whose row already exists but which this
// instance has not seen succeed. The row may have been written by a crashed
// submit that never reached the queue, so a still-pending job is enqueued
// again; duplicate entries are arbitrated at claim time.
func (s *Server) respondDuplicate(w http.ResponseWriter, r *http.Request, jobId string) {
	job, err := s.jobs.Get(jobId)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if job.Status == domain.JobPending {
		if err := s.enqueue(job); err != nil {
			writeError(w, r, err)
			return
		}
	}
	s.rememberSubmitted(jobId)
	writeJson(w, http.StatusOK, jobResponseFrom(job))
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request, jobId string) {
	job, err := s.jobs.Get(jobId)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusOK, jobResponseFrom(job))
}

// reprocessJob creates a fresh pending job from a dead-lettered one. The
// original job is left untouched so the failure history stays intact.
func (s *Server) reprocessJob(w http.ResponseWriter, r *http.Request, jobId string) {
	source, err := s.jobs.Get(jobId)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if source.Status != domain.JobDeadLetter {
		writeError(w, r, errors.WithStack(&flotillaerrors.ErrInvalidTransition{
			Type: "job", Id: jobId, From: source.Status.String(), To: domain.JobPending.String(),
		}))
		return
	}

	job := &domain.Job{
		JobId:      util.NewULID(),
		ModelId:    source.ModelId,
		AdapterId:  source.AdapterId,
		Payload:    source.Payload,
		MaxRetries: source.MaxRetries,
	}
	if err := s.jobs.Create(job); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.enqueue(job); err != nil {
		writeError(w, r, err)
		return
	}
	log.Infof("Dead-lettered job %s reprocessed as %s", jobId, job.JobId)
	writeJson(w, http.StatusCreated, map[string]string{"job_id": job.JobId, "source_job_id": jobId})
}

func (s *Server) enqueue(job *domain.Job) error {
	err := retry.Do(
		func() error {
			_, err := s.queue.Enqueue(job)
			return err
		},
		retry.Attempts(s.retryAttempts),
		retry.Delay(s.retryDelay),
		retry.RetryIf(flotillaerrors.IsRetryable),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		metrics.JobsEnqueued.Inc()
	}
	return err
}
