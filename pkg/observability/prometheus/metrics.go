package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer is the default Prometheus registerer
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "pthreads"}, DefaultRegistry)

	// Metrics collection
	metricsOnce sync.Once
	metrics     *PoolMetrics
)

// PoolMetrics holds the worker pool and proxying protocol metrics.
// All methods are safe to call on a nil receiver, which records nothing.
type PoolMetrics struct {
	// Pool metrics
	UnitsIdle      prometheus.Gauge
	UnitsRunning   prometheus.Gauge
	UnitsCreated   prometheus.Counter
	UnitsDestroyed prometheus.Counter
	Spawns         *prometheus.CounterVec

	// Protocol metrics
	Messages      *prometheus.CounterVec
	QueueDrains   prometheus.Counter
	DrainedTasks  prometheus.Counter
	SyncProxyTime prometheus.Histogram
	WorkerFaults  *prometheus.CounterVec
}

// GetMetrics returns the global metrics instance
func GetMetrics() *PoolMetrics {
	metricsOnce.Do(func() {
		metrics = NewPoolMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewPoolMetrics creates the metric collection on registerer
func NewPoolMetrics(registerer prometheus.Registerer) *PoolMetrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PoolMetrics{
		UnitsIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pthreads_units_idle",
				Help: "Number of execution units waiting in the idle pool",
			},
		),
		UnitsRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pthreads_units_running",
				Help: "Number of execution units hosting a thread",
			},
		),
		UnitsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pthreads_units_created_total",
				Help: "Total number of execution units created",
			},
		),
		UnitsDestroyed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pthreads_units_destroyed_total",
				Help: "Total number of execution units force-terminated",
			},
		),
		Spawns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pthreads_spawns_total",
				Help: "Total number of thread spawn requests by outcome",
			},
			[]string{"result"}, // result: ok, eagain, error
		),
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pthreads_messages_total",
				Help: "Total number of protocol messages handled by the coordinator",
			},
			[]string{"command", "disposition"}, // disposition: handled, forwarded, unknown_target, unrecognized
		),
		QueueDrains: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pthreads_queue_drains_total",
				Help: "Total number of proxied call queue drains",
			},
		),
		DrainedTasks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pthreads_drained_tasks_total",
				Help: "Total number of proxied calls executed by drains",
			},
		),
		SyncProxyTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pthreads_sync_proxy_duration_seconds",
				Help:    "Time a caller spent blocked on a synchronous proxied call",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
		),
		WorkerFaults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pthreads_worker_faults_total",
				Help: "Total number of fatal execution unit faults",
			},
			[]string{"stage"},
		),
	}
}

// UpdatePool sets the pool occupancy gauges
func (m *PoolMetrics) UpdatePool(idle, running int) {
	if m == nil {
		return
	}
	m.UnitsIdle.Set(float64(idle))
	m.UnitsRunning.Set(float64(running))
}

// UnitCreated counts a new execution unit
func (m *PoolMetrics) UnitCreated() {
	if m == nil {
		return
	}
	m.UnitsCreated.Inc()
}

// UnitDestroyed counts a force-terminated execution unit
func (m *PoolMetrics) UnitDestroyed() {
	if m == nil {
		return
	}
	m.UnitsDestroyed.Inc()
}

// RecordSpawn counts a spawn outcome
func (m *PoolMetrics) RecordSpawn(result string) {
	if m == nil {
		return
	}
	m.Spawns.WithLabelValues(result).Inc()
}

// RecordMessage counts a coordinator message
func (m *PoolMetrics) RecordMessage(command, disposition string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(command, disposition).Inc()
}

// RecordDrain counts one queue drain and the calls it executed
func (m *PoolMetrics) RecordDrain(tasks int) {
	if m == nil {
		return
	}
	m.QueueDrains.Inc()
	m.DrainedTasks.Add(float64(tasks))
}

// RecordSyncProxy observes the time spent waiting on a synchronous call
func (m *PoolMetrics) RecordSyncProxy(d time.Duration) {
	if m == nil {
		return
	}
	m.SyncProxyTime.Observe(d.Seconds())
}

// RecordFault counts a fatal worker fault
func (m *PoolMetrics) RecordFault(stage string) {
	if m == nil {
		return
	}
	m.WorkerFaults.WithLabelValues(stage).Inc()
}
