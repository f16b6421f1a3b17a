package metrics

import "github.com/prometheus/client_golang/prometheus"

// DispatchMetrics exposes counters/histograms for the booking assignment flow.
type DispatchMetrics struct {
	transitionsTotal   *prometheus.CounterVec
	staleTotal         *prometheus.CounterVec
	sideEffectFailures *prometheus.CounterVec
	offersTotal        *prometheus.CounterVec
	timeToAccept       prometheus.Histogram
	liveCountdowns     prometheus.Gauge
}

func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "massage",
			Subsystem: "dispatch",
			Name:      "transitions_total",
			Help:      "Applied booking lifecycle transitions",
		}, []string{"from", "to"}),
		staleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "massage",
			Subsystem: "dispatch",
			Name:      "stale_responses_total",
			Help:      "Responses and expiries dropped because the offer had moved on",
		}, []string{"reason"}),
		sideEffectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "massage",
			Subsystem: "dispatch",
			Name:      "side_effect_failures_total",
			Help:      "Best-effort side effects that failed after a transition",
		}, []string{"effect"}),
		offersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "massage",
			Subsystem: "dispatch",
			Name:      "offers_total",
			Help:      "Offers sent to therapists",
		}, []string{"mode"}),
		timeToAccept: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "massage",
			Subsystem: "dispatch",
			Name:      "time_to_accept_seconds",
			Help:      "Time from submission to acceptance",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		liveCountdowns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "massage",
			Subsystem: "dispatch",
			Name:      "countdowns_live",
			Help:      "Countdowns currently armed in this process",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitionsTotal, m.staleTotal, m.sideEffectFailures, m.offersTotal, m.timeToAccept, m.liveCountdowns)
	return m
}

func (m *DispatchMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *DispatchMetrics) ObserveStale(reason string) {
	if m == nil {
		return
	}
	m.staleTotal.WithLabelValues(reason).Inc()
}

func (m *DispatchMetrics) ObserveSideEffectFailure(effect string) {
	if m == nil {
		return
	}
	m.sideEffectFailures.WithLabelValues(effect).Inc()
}

// ObserveOffer counts offers; mode is "single" or "broadcast".
func (m *DispatchMetrics) ObserveOffer(mode string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.offersTotal.WithLabelValues(mode).Add(float64(n))
}

func (m *DispatchMetrics) ObserveTimeToAccept(seconds float64) {
	if m == nil {
		return
	}
	m.timeToAccept.Observe(seconds)
}

func (m *DispatchMetrics) SetLiveCountdowns(n int) {
	if m == nil {
		return
	}
	m.liveCountdowns.Set(float64(n))
}
