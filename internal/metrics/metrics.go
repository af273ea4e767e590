// Package metrics exposes the service's Prometheus instruments.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"welfare-agent/internal/domain"
)

// Recorder implements the narrow observer interfaces of the classifier,
// the user-context cache, the orchestrator and the chat service.
type Recorder struct {
	intents     *prometheus.CounterVec
	lookups     *prometheus.CounterVec
	answers     *prometheus.HistogramVec
	lockWait    prometheus.Histogram
	rateLimited *prometheus.CounterVec
	swept       *prometheus.CounterVec
}

// NewRecorder registers every instrument on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		intents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "welfare_intent_total",
			Help: "Classified messages by intent and the tier that decided (0 when no tier ran).",
		}, []string{"intent", "tier"}),
		lookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "welfare_backend_lookup_total",
			Help: "Government backend lookups by name and result.",
		}, []string{"lookup", "result"}),
		answers: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "welfare_answer_seconds",
			Help:    "Time to produce an answer, by intent and outcome.",
			Buckets: []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"intent", "outcome"}),
		lockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "welfare_conversation_lock_wait_seconds",
			Help:    "Time spent waiting for a conversation lock.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "welfare_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by category.",
		}, []string{"category"}),
		swept: f.NewCounterVec(prometheus.CounterOpts{
			Name: "welfare_retention_swept_total",
			Help: "Records removed by the retention sweep.",
		}, []string{"kind"}),
	}
}

func (r *Recorder) ObserveIntent(intent domain.Intent, tier int) {
	r.intents.WithLabelValues(string(intent), strconv.Itoa(tier)).Inc()
}

func (r *Recorder) ObserveLookup(lookup string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.lookups.WithLabelValues(lookup, result).Inc()
}

func (r *Recorder) ObserveAnswer(intent domain.Intent, outcome string, elapsed time.Duration) {
	r.answers.WithLabelValues(string(intent), outcome).Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveLockWait(elapsed time.Duration) {
	r.lockWait.Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveRateLimited(category string) {
	r.rateLimited.WithLabelValues(category).Inc()
}

func (r *Recorder) ObserveSweep(turns, contexts int) {
	r.swept.WithLabelValues("turns").Add(float64(turns))
	r.swept.WithLabelValues("contexts").Add(float64(contexts))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
