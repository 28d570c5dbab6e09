// Package metrics exposes engine telemetry as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Micca1978/ztengine/pkg/types"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	SessionsCreated  *prometheus.CounterVec
	SessionsExpired  *prometheus.CounterVec
	AccessDecisions  *prometheus.CounterVec
	AnomaliesTotal   prometheus.Counter
	RiskUpdates      *prometheus.CounterVec
	ScoringFailures  prometheus.Counter
	ActiveSessions   prometheus.Gauge
	AverageRisk      prometheus.Gauge
	RiskBand         *prometheus.GaugeVec
	ThreatIndicators prometheus.Gauge
	IndicatorsPruned prometheus.Counter
}

// New registers the engine collectors on reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created, by initial trust level",
		}, []string{"trust_level"}),
		SessionsExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Total number of sessions removed, by reason",
		}, []string{"reason"}),
		AccessDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_decisions_total",
			Help:      "Total number of access decisions, by result and deny code",
		}, []string{"result", "code"}),
		AnomaliesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_detected_total",
			Help:      "Total number of behavioral anomaly events",
		}),
		RiskUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_updates_total",
			Help:      "Total number of external risk updates applied, by intelligence type",
		}, []string{"type"}),
		ScoringFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scoring_failures_total",
			Help:      "Total number of session creations aborted by scoring failures",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live sessions at the last sweep",
		}),
		AverageRisk: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "average_risk_score",
			Help:      "Average session risk score at the last sweep",
		}),
		RiskBand: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_by_risk_band",
			Help:      "Number of sessions per risk band at the last sweep",
		}, []string{"band"}),
		ThreatIndicators: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threat_indicators",
			Help:      "Number of stored threat intelligence records",
		}),
		IndicatorsPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threat_indicators_pruned_total",
			Help:      "Total number of expired threat intelligence records removed",
		}),
	}
}

// NewUnregistered builds collectors on a private registry.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry(), "ztengine")
}

// Observe publishes a metrics snapshot to the gauges.
func (m *Metrics) Observe(s types.SecurityMetrics) {
	m.ActiveSessions.Set(float64(s.ActiveSessions))
	m.AverageRisk.Set(s.AverageRiskScore)
	m.ThreatIndicators.Set(float64(s.ThreatIndicators))
	m.RiskBand.WithLabelValues("minimal").Set(float64(s.RiskBands.Minimal))
	m.RiskBand.WithLabelValues("guarded").Set(float64(s.RiskBands.Guarded))
	m.RiskBand.WithLabelValues("elevated").Set(float64(s.RiskBands.Elevated))
	m.RiskBand.WithLabelValues("high").Set(float64(s.RiskBands.High))
	m.RiskBand.WithLabelValues("critical").Set(float64(s.RiskBands.Critical))
}

// Decision counts an access decision.
func (m *Metrics) Decision(d *types.AccessDecision) {
	if d.Allowed {
		m.AccessDecisions.WithLabelValues("allow", "").Inc()
		return
	}
	m.AccessDecisions.WithLabelValues("deny", string(d.Code)).Inc()
}
