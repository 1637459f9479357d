package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus collectors of the service.
type Metrics struct {
	RequestCounter  *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	SessionsStarted    prometheus.Counter
	Transitions        *prometheus.CounterVec
	Finalizations      *prometheus.CounterVec
	FinalizationErrors prometheus.Counter
	Fallbacks          *prometheus.CounterVec
	TimerFirings       *prometheus.CounterVec
	GradingDuration    *prometheus.HistogramVec
	ReconcileProcessed *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"method", "endpoint"},
		),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exam_sessions_started_total",
			Help: "Exam sessions created",
		}),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exam_transitions_total",
				Help: "Question state machine transitions applied",
			},
			[]string{"action"},
		),
		Finalizations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exam_finalizations_total",
				Help: "Sessions finalized, by terminal status",
			},
			[]string{"status"},
		),
		FinalizationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exam_finalization_failures_total",
			Help: "Finalization attempts that failed and rolled back",
		}),
		Fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exam_finalization_fallbacks_total",
				Help: "Sessions degraded after finalization failed",
			},
			[]string{"kind"},
		),
		TimerFirings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exam_timer_firings_total",
				Help: "Timer callbacks fired, by kind",
			},
			[]string{"kind"},
		),
		GradingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exam_grading_duration_seconds",
				Help:    "Duration of grading a single answer",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"type"},
		),
		ReconcileProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exam_reconcile_sessions_total",
				Help: "Sessions handled by the reconcile sweep, by outcome",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(
		m.RequestCounter, m.RequestDuration,
		m.SessionsStarted, m.Transitions, m.Finalizations, m.FinalizationErrors,
		m.Fallbacks, m.TimerFirings, m.GradingDuration, m.ReconcileProcessed,
	)
	return m
}

// NewNop returns collectors registered nowhere, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// RegisterActiveTimers exposes the live timer count as a gauge.
func RegisterActiveTimers(reg prometheus.Registerer, count func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "exam_active_timers",
			Help: "Sessions holding an in-process section timer",
		},
		func() float64 { return float64(count()) },
	))
}

// ObserveGrading records how long grading one answer took.
func (m *Metrics) ObserveGrading(questionType string, start time.Time) {
	m.GradingDuration.WithLabelValues(questionType).Observe(time.Since(start).Seconds())
}

// Middleware records request count and latency per route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestCounter.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the Prometheus scrape endpoint for the given gatherer.
func Handler(g prometheus.Gatherer) gin.HandlerFunc {
	h := promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
