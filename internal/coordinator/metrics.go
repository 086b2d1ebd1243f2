package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the coordinator-side counters and gauges exposed on
// the /metrics endpoint.
type Metrics struct {
	jobsDispatched   prometheus.Counter
	jobsCompleted    prometheus.Counter
	jobsFailed       *prometheus.CounterVec
	jobsRequeued     prometheus.Counter
	jobsExpired      prometheus.Counter
	dispatchReverted prometheus.Counter
	devicesReachable prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labelfleet_jobs_dispatched_total",
			Help: "Jobs sent to a device by the dispatch loop",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labelfleet_jobs_completed_total",
			Help: "Jobs reported completed by devices",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labelfleet_jobs_failed_total",
			Help: "Jobs reported failed by devices, by error kind",
		}, []string{"kind"}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labelfleet_jobs_requeued_total",
			Help: "Failed jobs returned to the queue by the retry sweep",
		}),
		jobsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labelfleet_jobs_expired_total",
			Help: "Jobs forced to expired by the age sweep",
		}),
		dispatchReverted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labelfleet_dispatch_reverted_total",
			Help: "Sends that failed at the transport layer and were reverted to queued",
		}),
		devicesReachable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labelfleet_devices_reachable",
			Help: "Devices currently considered reachable",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.jobsDispatched, m.jobsCompleted, m.jobsFailed,
			m.jobsRequeued, m.jobsExpired, m.dispatchReverted,
			m.devicesReachable,
		)
	}
	return m
}
