package queue

import "github.com/prometheus/client_golang/prometheus"

// queueMetrics holds the queue's collectors. They are always allocated so
// callers can update unconditionally; registration only happens when the
// configuration supplies a Registerer.
type queueMetrics struct {
	submitted prometheus.Counter
	fastPath  prometheus.Counter
	spilled   prometheus.Counter
	verdicts  *prometheus.CounterVec
	retries   prometheus.Counter
	expired   prometheus.Counter
}

func newQueueMetrics(reg prometheus.Registerer, name string) *queueMetrics {
	labels := prometheus.Labels{"queue": name}
	m := &queueMetrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "spillq_submitted_total",
			Help:        "Records accepted by submit.",
			ConstLabels: labels,
		}),
		fastPath: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "spillq_fast_path_total",
			Help:        "Records handed directly to a worker without touching disk.",
			ConstLabels: labels,
		}),
		spilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "spillq_spilled_total",
			Help:        "Records persisted to the spill store.",
			ConstLabels: labels,
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "spillq_verdicts_total",
			Help:        "Consumer verdicts by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "spillq_retries_scheduled_total",
			Help:        "Records scheduled for a delayed retry.",
			ConstLabels: labels,
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "spillq_expired_total",
			Help:        "Records dropped after exhausting MaxTries.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.submitted, m.fastPath, m.spilled, m.verdicts, m.retries, m.expired)
	}
	return m
}

// registerDepthGauges exposes live depths via closures; called once the
// stores exist. Only registered collectors need unregistering on Stop.
func (q *Queue[T]) registerDepthGauges(reg prometheus.Registerer) []prometheus.Collector {
	if reg == nil {
		return nil
	}
	labels := prometheus.Labels{"queue": q.cfg.Name}
	spillDepth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "spillq_spill_depth",
		Help:        "Entries currently in the spill store.",
		ConstLabels: labels,
	}, func() float64 { return float64(q.store.Size()) })
	retryDepth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "spillq_retry_depth",
		Help:        "Records waiting in the retry scheduler.",
		ConstLabels: labels,
	}, func() float64 { return float64(q.sched.Len()) })
	permits := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "spillq_available_permits",
		Help:        "Admission permits currently available.",
		ConstLabels: labels,
	}, func() float64 { return float64(q.permits.Available()) })
	reg.MustRegister(spillDepth, retryDepth, permits)
	return []prometheus.Collector{spillDepth, retryDepth, permits}
}
