package receiver

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors the event loop reports to.
// Unlike the teacher's package-level var block + init()-time
// MustRegister (fine for a single binary's own metrics), this is a
// library: callers construct one Metrics per receiver and register it
// against whatever prometheus.Registerer they already run, so two
// receivers in the same process never collide on metric names.
type Metrics struct {
	PollsTotal             prometheus.Counter
	PollEmptyTotal         prometheus.Counter
	RecordsConsumedTotal   *prometheus.CounterVec
	PausesTotal            prometheus.Counter
	ResumesTotal           prometheus.Counter
	CommitsTotal           *prometheus.CounterVec
	CommitRetriesTotal     prometheus.Counter
	ConsecutiveCommitFails prometheus.Gauge
	DeferredCommits        prometheus.Gauge
	BatchPendingSize       prometheus.Gauge
	ConsumerThreadPanics   prometheus.Counter
}

// NewMetrics builds and registers the receiver's collectors against reg.
// groupID is applied as a constant label so multiple receivers in one
// process remain distinguishable on the same registry.
func NewMetrics(reg prometheus.Registerer, groupID string) *Metrics {
	constLabels := prometheus.Labels{"consumer_group": groupID}

	m := &Metrics{
		PollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "kreactor_polls_total",
			Help:        "Total number of poll() calls issued to the consumer client.",
			ConstLabels: constLabels,
		}),
		PollEmptyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "kreactor_poll_empty_total",
			Help:        "Total number of poll() calls that returned no records.",
			ConstLabels: constLabels,
		}),
		RecordsConsumedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "kreactor_records_consumed_total",
			Help:        "Total number of records polled for delivery downstream.",
			ConstLabels: constLabels,
		}, []string{"topic", "partition"}),
		PausesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "kreactor_pauses_total",
			Help:        "Total number of times partitions were paused for backpressure.",
			ConstLabels: constLabels,
		}),
		ResumesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "kreactor_resumes_total",
			Help:        "Total number of times partitions were resumed.",
			ConstLabels: constLabels,
		}),
		CommitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "kreactor_commits_total",
			Help:        "Total number of commit cycles by ack mode and result, including cycles with nothing to commit.",
			ConstLabels: constLabels,
		}, []string{"mode", "result"}),
		CommitRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "kreactor_commit_retries_total",
			Help:        "Total number of commit retries scheduled after a retryable failure.",
			ConstLabels: constLabels,
		}),
		ConsecutiveCommitFails: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "kreactor_consecutive_commit_failures",
			Help:        "Current streak of consecutive commit failures.",
			ConstLabels: constLabels,
		}),
		DeferredCommits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "kreactor_deferred_commits",
			Help:        "Current number of polled-but-unacknowledged offsets.",
			ConstLabels: constLabels,
		}),
		BatchPendingSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "kreactor_batch_pending_size",
			Help:        "Current number of acknowledgements accumulated since the last commit drain.",
			ConstLabels: constLabels,
		}),
		ConsumerThreadPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "kreactor_consumer_thread_panics_total",
			Help:        "Total number of panics recovered from consumer-thread tasks.",
			ConstLabels: constLabels,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.PollsTotal,
			m.PollEmptyTotal,
			m.RecordsConsumedTotal,
			m.PausesTotal,
			m.ResumesTotal,
			m.CommitsTotal,
			m.CommitRetriesTotal,
			m.ConsecutiveCommitFails,
			m.DeferredCommits,
			m.BatchPendingSize,
			m.ConsumerThreadPanics,
		)
	}

	return m
}
