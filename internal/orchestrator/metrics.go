package orchestrator

import (
	"time"

	"github.com/devghori1264/mcpanel/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var allPhases = []models.Phase{
	models.PhaseStopped,
	models.PhaseProvisioning,
	models.PhaseRestoring,
	models.PhaseRunning,
	models.PhaseStopping,
	models.PhaseArchiving,
	models.PhaseTearingDown,
	models.PhaseFailed,
}

// Metrics groups the orchestrator's Prometheus collectors. One instance is
// shared by every orchestrator registered on the same registry.
type Metrics struct {
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	calls       *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	phase       *prometheus.GaugeVec
}

// NewMetrics registers the collectors on reg. A nil reg keeps them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpanel",
			Name:      "phase_transitions_total",
			Help:      "Committed lifecycle phase transitions.",
		}, []string{"server", "from", "to"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpanel",
			Name:      "request_rejections_total",
			Help:      "Operator requests rejected by a failed precondition.",
		}, []string{"server", "op"}),
		calls: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcpanel",
			Name:      "external_call_duration_seconds",
			Help:      "Duration of external calls including retries.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 180, 600},
		}, []string{"call", "result"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpanel",
			Name:      "external_call_retries_total",
			Help:      "Retried external call attempts.",
		}, []string{"call"}),
		phase: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcpanel",
			Name:      "phase",
			Help:      "Current lifecycle phase (1 for the active phase).",
		}, []string{"server", "phase"}),
	}
}

func (m *Metrics) observeCall(call string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.calls.WithLabelValues(call, result).Observe(d.Seconds())
}

func (m *Metrics) setPhase(server string, p models.Phase) {
	for _, ph := range allPhases {
		v := 0.0
		if ph == p {
			v = 1
		}
		m.phase.WithLabelValues(server, string(ph)).Set(v)
	}
}
