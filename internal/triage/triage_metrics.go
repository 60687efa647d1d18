package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	AnalysesTotal    *prometheus.CounterVec
	AnalysisDuration *prometheus.HistogramVec
	RecordsTotal     prometheus.Counter
	ThreatsTotal     prometheus.Counter
	BatchRecords     prometheus.Histogram
	ResultsTotal     *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	StageErrorsTotal *prometheus.CounterVec
	PersistTotal     *prometheus.CounterVec
	PersistDuration  *prometheus.HistogramVec
	NotifyTotal      *prometheus.CounterVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edrtriage_analyses_total",
			Help: "Total analyze calls by outcome.",
		}, []string{"outcome"}),
		AnalysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edrtriage_analysis_duration_seconds",
			Help:    "Duration of analyze calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}, []string{"outcome"}),
		RecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edrtriage_records_processed_total",
			Help: "Total alert records processed by successful analyses.",
		}),
		ThreatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edrtriage_threats_detected_total",
			Help: "Total records selected by the detector.",
		}),
		BatchRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edrtriage_batch_records",
			Help:    "Records per analyzed batch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1 .. ~262k
		}),
		ResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edrtriage_results_total",
			Help: "Total ranked results by final priority bucket.",
		}, []string{"bucket"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edrtriage_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
		}, []string{"stage"}),
		StageErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edrtriage_stage_errors_total",
			Help: "Total pipeline stage failures.",
		}, []string{"stage"}),
		PersistTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edrtriage_state_persist_total",
			Help: "Total state document writes by document and status.",
		}, []string{"document", "status"}),
		PersistDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edrtriage_state_persist_duration_seconds",
			Help:    "Duration of state document writes in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms .. ~1s
		}, []string{"document"}),
		NotifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edrtriage_notifications_total",
			Help: "Total notifications by notifier and status.",
		}, []string{"notifier", "status"}),
	}

	reg.MustRegister(
		m.AnalysesTotal,
		m.AnalysisDuration,
		m.RecordsTotal,
		m.ThreatsTotal,
		m.BatchRecords,
		m.ResultsTotal,
		m.StageDuration,
		m.StageErrorsTotal,
		m.PersistTotal,
		m.PersistDuration,
		m.NotifyTotal,
	)

	return m
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// PipelineHooks returns hooks that record stage timings.
func (m *Metrics) PipelineHooks() PipelineHooks {
	return PipelineHooks{
		OnStage: func(stage string, duration float64, err error) {
			m.StageDuration.WithLabelValues(stage).Observe(duration)
			if err != nil {
				m.StageErrorsTotal.WithLabelValues(stage).Inc()
			}
		},
	}
}

// StateHooks returns hooks that record persistence outcomes.
func (m *Metrics) StateHooks() StateHooks {
	return StateHooks{
		OnPersist: func(doc string, duration float64, err error) {
			m.PersistTotal.WithLabelValues(doc, status(err)).Inc()
			m.PersistDuration.WithLabelValues(doc).Observe(duration)
		},
	}
}

// ServiceHooks returns hooks that record analysis and notification outcomes.
func (m *Metrics) ServiceHooks() ServiceHooks {
	return ServiceHooks{
		OnAnalysis: func(e *AnalysisEvent) {
			m.AnalysesTotal.WithLabelValues(e.Outcome).Inc()
			m.AnalysisDuration.WithLabelValues(e.Outcome).Observe(e.Duration)
			if e.Outcome != OutcomeSuccess {
				return
			}
			m.RecordsTotal.Add(float64(e.Records))
			m.ThreatsTotal.Add(float64(e.Threats))
			m.BatchRecords.Observe(float64(e.Records))
			m.ResultsTotal.WithLabelValues(string(BucketHigh)).Add(float64(e.Buckets.High))
			m.ResultsTotal.WithLabelValues(string(BucketMedium)).Add(float64(e.Buckets.Medium))
			m.ResultsTotal.WithLabelValues(string(BucketLow)).Add(float64(e.Buckets.Low))
		},
		OnNotify: func(notifier string, err error) {
			m.NotifyTotal.WithLabelValues(notifier, status(err)).Inc()
		},
	}
}
