package metrics

import (
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/isdmx/runbox/job"
)

// Gauges reports live scheduler state.
type Gauges interface {
	QueueLength() int
	ActiveJobs() int
}

// Snapshot is a copy of the aggregated execution metrics.
type Snapshot struct {
	TotalExecutions      int64            `json:"total_executions"`
	SuccessfulExecutions int64            `json:"successful_executions"`
	FailedExecutions     int64            `json:"failed_executions"`
	TimeoutExecutions    int64            `json:"timeout_executions"`
	AverageDuration      time.Duration    `json:"average_duration"`
	LanguageUsage        map[string]int64 `json:"language_usage"`
	UserUsage            map[string]int64 `json:"user_usage"`
	Rejections           map[string]int64 `json:"rejections,omitempty"`
	QueueLength          int              `json:"queue_length"`
	ActiveJobs           int              `json:"active_jobs"`
}

// Reporter records terminal results. It is safe for concurrent use.
type Reporter struct {
	mu     sync.Mutex
	totals Snapshot
	avg    float64
	gauges Gauges

	registry   *prometheus.Registry
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	memory     *prometheus.HistogramVec
	rejections *prometheus.CounterVec
}

// NewReporter returns a reporter with its own Prometheus registry.
func NewReporter() *Reporter {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Reporter{
		totals: Snapshot{
			LanguageUsage: map[string]int64{},
			UserUsage:     map[string]int64{},
			Rejections:    map[string]int64{},
		},
		registry: reg,
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runbox_executions_total",
			Help: "Terminal jobs by language and status.",
		}, []string{"language", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runbox_execution_duration_seconds",
			Help:    "Wall time of the job pipeline.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"language"}),
		memory: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runbox_memory_peak_bytes",
			Help:    "Peak sampled sandbox memory per job.",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 7),
		}, []string{"language"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runbox_rejections_total",
			Help: "Submissions refused before queueing.",
		}, []string{"reason"}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "runbox_queue_length",
		Help: "Jobs waiting for a sandbox slot.",
	}, func() float64 { return float64(r.gauge().QueueLength) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "runbox_active_jobs",
		Help: "Sandbox slots in use.",
	}, func() float64 { return float64(r.gauge().ActiveJobs) })
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// SetGauges attaches the live queue source.
func (r *Reporter) SetGauges(g Gauges) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges = g
}

// Record counts one terminal result.
func (r *Reporter) Record(res job.Result) {
	r.mu.Lock()
	r.totals.TotalExecutions++
	switch res.Status {
	case job.StatusCompleted:
		r.totals.SuccessfulExecutions++
	case job.StatusTimeout:
		r.totals.TimeoutExecutions++
	default:
		r.totals.FailedExecutions++
	}
	r.avg += (float64(res.Duration) - r.avg) / float64(r.totals.TotalExecutions)
	r.totals.AverageDuration = time.Duration(r.avg)
	r.totals.LanguageUsage[res.Language]++
	if res.UserID != "" {
		r.totals.UserUsage[res.UserID]++
	}
	r.mu.Unlock()

	r.executions.WithLabelValues(res.Language, string(res.Status)).Inc()
	r.duration.WithLabelValues(res.Language).Observe(res.Duration.Seconds())
	if res.MemoryUsage > 0 {
		r.memory.WithLabelValues(res.Language).Observe(float64(res.MemoryUsage))
	}
}

// Rejected counts a submission refused by the gate or the rate limiter.
func (r *Reporter) Rejected(reason string) {
	r.mu.Lock()
	r.totals.Rejections[reason]++
	r.mu.Unlock()
	r.rejections.WithLabelValues(reason).Inc()
}

// Snapshot returns a copy of the current totals.
func (r *Reporter) Snapshot() Snapshot {
	g := r.gauge()

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.totals
	s.LanguageUsage = maps.Clone(r.totals.LanguageUsage)
	s.UserUsage = maps.Clone(r.totals.UserUsage)
	s.Rejections = maps.Clone(r.totals.Rejections)
	s.QueueLength = g.QueueLength
	s.ActiveJobs = g.ActiveJobs
	return s
}

// Registry exposes the private registry for additional collectors.
func (r *Reporter) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Reporter) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Reporter) gauge() Snapshot {
	r.mu.Lock()
	g := r.gauges
	r.mu.Unlock()
	if g == nil {
		return Snapshot{}
	}
	return Snapshot{QueueLength: g.QueueLength(), ActiveJobs: g.ActiveJobs()}
}
