package quentin

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "quentin"

// Metrics holds the bot's prometheus collectors. A nil *Metrics is
// valid, and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	submissions     *prometheus.CounterVec
	ocrRequests     *prometheus.CounterVec
	ocrOutage       prometheus.Gauge
	pointsAwarded   *prometheus.CounterVec
	questsAnnounced *prometheus.CounterVec
}

// NewMetrics registers collectors on a new registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		submissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "submissions_total",
				Help:      "Submissions processed, by outcome",
			},
			[]string{"outcome"},
		),
		ocrRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "ocr_requests_total",
				Help:      "OCR requests made, by result",
			},
			[]string{"result"},
		),
		ocrOutage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "ocr_outage",
				Help:      "1 while the OCR provider is considered down",
			},
		),
		pointsAwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "points_awarded_total",
				Help:      "Points awarded to factions, by game",
			},
			[]string{"game"},
		),
		questsAnnounced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "quests_announced_total",
				Help:      "Quests announced, by game",
			},
			[]string{"game"},
		),
	}
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) submission(outcome MessageOutcome) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) ocrRequest(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
		var pe *ProviderError
		if errors.As(err, &pe) {
			result = string(pe.Kind)
		}
	}
	m.ocrRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) setOCROutage(down bool) {
	if m == nil {
		return
	}
	if down {
		m.ocrOutage.Set(1)
	} else {
		m.ocrOutage.Set(0)
	}
}

func (m *Metrics) awarded(game GameID, points int) {
	if m == nil || points <= 0 {
		return
	}
	m.pointsAwarded.WithLabelValues(string(game)).Add(float64(points))
}

func (m *Metrics) questAnnounced(game GameID) {
	if m == nil {
		return
	}
	m.questsAnnounced.WithLabelValues(string(game)).Inc()
}
