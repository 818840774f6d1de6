package task

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type task struct {
	function    func(ctx context.Context)
	interval    time.Duration
	metricName  string
	stopChannel chan bool
}

// BackgroundTaskManager runs periodic tasks, each on its own goroutine with a
// latency histogram. It is not threadsafe, it should only be accessed from a
// single thread.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		wg:            &sync.WaitGroup{},
	}
}

// Register starts running backgroundTask once per interval. The task receives
// a context bounded by the interval so a stalled dependency cannot wedge the
// loop past its next scheduled run.
func (m *BackgroundTaskManager) Register(backgroundTask func(ctx context.Context), interval time.Duration, metricName string) {
	task := &task{
		function:    backgroundTask,
		interval:    interval,
		metricName:  metricName,
		stopChannel: make(chan bool),
	}
	m.startBackgroundTask(task)
	m.tasks = append(m.tasks, task)
}

// StopAll requests all tasks to stop and waits for them to finish.
// Returns true if the timeout elapsed before all tasks stopped.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task) {
	var taskDurationHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + task.metricName + "_latency_seconds",
			Help:    "Background loop " + task.metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})

	runOnce := func() {
		ctx, cancel := context.WithTimeout(context.Background(), task.interval)
		defer cancel()
		start := time.Now()
		task.function(ctx)
		taskDurationHistogram.Observe(time.Since(start).Seconds())
	}

	m.wg.Add(1)
	go func() {
		runOnce()
		for {
			select {
			case <-time.After(task.interval):
			case <-task.stopChannel:
				m.wg.Done()
				return
			}
			runOnce()
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	for _, task := range m.tasks {
		task.stopChannel <- true
	}
}
