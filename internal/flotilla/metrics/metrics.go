package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
	"github.com/flotillaproject/flotilla/internal/flotilla/leader"
	"github.com/flotillaproject/flotilla/internal/flotilla/repository"
)

// MetricPrefix namespaces the ambient metrics (background task histograms).
// The counter and gauge names below are unprefixed: they are the interface
// dashboards and alerts are built against.
const MetricPrefix = "flotilla_"

var JobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "jobs_enqueued_total",
	Help: "Number of jobs appended to the queue",
})

var JobsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "jobs_reclaimed_total",
	Help: "Number of stale queue entries redelivered by the reclaimer",
})

var JobsDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "jobs_dead_lettered_total",
	Help: "Number of jobs routed to the dead-letter stream",
})

var PoolEvictions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "pool_evictions_total",
	Help: "Number of worker pools evicted to free lease capacity",
})

var pendingJobsDesc = prometheus.NewDesc(
	"pending_jobs",
	"Number of jobs waiting to be claimed",
	nil,
	nil,
)

var activeLeasesBytesDesc = prometheus.NewDesc(
	"active_leases_bytes",
	"GPU memory bytes currently committed against the host budget",
	nil,
	nil,
)

var leaderIsSelfDesc = prometheus.NewDesc(
	"leader_is_self",
	"1 when this instance holds the leader lock, 0 otherwise",
	nil,
	nil,
)

// ExposeDataMetrics registers a collector deriving gauges from the durable
// stores at scrape time, so the values stay correct across restarts and
// leadership changes.
func ExposeDataMetrics(
	jobStore repository.JobStore,
	leaseStore repository.LeaseStore,
	controller leader.LeaderController,
) *OrchestratorInfoCollector {
	collector := &OrchestratorInfoCollector{
		jobStore:   jobStore,
		leaseStore: leaseStore,
		controller: controller,
	}
	prometheus.MustRegister(collector)
	return collector
}

type OrchestratorInfoCollector struct {
	jobStore   repository.JobStore
	leaseStore repository.LeaseStore
	controller leader.LeaderController
}

func (c *OrchestratorInfoCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- pendingJobsDesc
	desc <- activeLeasesBytesDesc
	desc <- leaderIsSelfDesc
}

func (c *OrchestratorInfoCollector) Collect(metrics chan<- prometheus.Metric) {
	counts, err := c.jobStore.CountByStatus()
	if err != nil {
		log.Errorf("Error while getting job status metrics %s", err)
		recordInvalidMetrics(metrics, err)
		return
	}

	heldBytes, err := c.leaseStore.HeldBytes()
	if err != nil {
		log.Errorf("Error while getting lease metrics %s", err)
		recordInvalidMetrics(metrics, err)
		return
	}

	leaderIsSelf := 0.0
	if c.controller.GetToken().IsLeader() {
		leaderIsSelf = 1.0
	}

	metrics <- prometheus.MustNewConstMetric(pendingJobsDesc, prometheus.GaugeValue, float64(counts[domain.JobPending]))
	metrics <- prometheus.MustNewConstMetric(activeLeasesBytesDesc, prometheus.GaugeValue, float64(heldBytes))
	metrics <- prometheus.MustNewConstMetric(leaderIsSelfDesc, prometheus.GaugeValue, leaderIsSelf)
}

func recordInvalidMetrics(metrics chan<- prometheus.Metric, e error) {
	metrics <- prometheus.NewInvalidMetric(pendingJobsDesc, e)
	metrics <- prometheus.NewInvalidMetric(activeLeasesBytesDesc, e)
	metrics <- prometheus.NewInvalidMetric(leaderIsSelfDesc, e)
}
