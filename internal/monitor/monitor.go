// Package monitor runs the periodic sweep that expires sessions, prunes
// threat intelligence and publishes security metrics.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/Micca1978/ztengine/internal/audit"
	"github.com/Micca1978/ztengine/internal/config"
	"github.com/Micca1978/ztengine/internal/logging"
	"github.com/Micca1978/ztengine/internal/metrics"
	"github.com/Micca1978/ztengine/internal/session"
	"github.com/Micca1978/ztengine/internal/threatintel"
	"github.com/Micca1978/ztengine/pkg/types"
)

var (
	ErrAlreadyRunning = errors.New("monitor is already running")
	ErrNotRunning     = errors.New("monitor is not running")
)

// Deps are the collaborators of a Monitor.
type Deps struct {
	Sessions *session.Manager
	Store    threatintel.Store
	Sink     audit.Sink
	Metrics  *metrics.Metrics
	Logger   logrus.FieldLogger
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Expired int
	Pruned  int
	Metrics types.SecurityMetrics
}

// Monitor owns the background sweep goroutine.
type Monitor struct {
	sessions *session.Manager
	store    threatintel.Store
	sink     audit.Sink
	metrics  *metrics.Metrics
	logger   logrus.FieldLogger
	interval time.Duration

	tomb *tomb.Tomb
	mu   sync.Mutex
}

// New creates a stopped monitor.
func New(cfg config.MonitoringConfig, deps Deps) *Monitor {
	m := &Monitor{
		sessions: deps.Sessions,
		store:    deps.Store,
		sink:     deps.Sink,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		interval: cfg.Interval,
	}
	if m.sink == nil {
		m.sink = audit.Discard{}
	}
	if m.metrics == nil {
		m.metrics = metrics.NewUnregistered()
	}
	if m.logger == nil {
		m.logger = logging.Discard()
	}
	return m
}

// Start launches the sweep loop.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tomb != nil {
		return ErrAlreadyRunning
	}
	t := &tomb.Tomb{}
	m.tomb = t
	t.Go(func() error {
		return m.run(t)
	})

	m.logger.WithField("interval", m.interval.String()).Info("monitor started")
	return nil
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	t := m.tomb
	m.tomb = nil
	m.mu.Unlock()

	if t == nil {
		return ErrNotRunning
	}
	t.Kill(nil)
	err := t.Wait()
	m.logger.Info("monitor stopped")
	return err
}

func (m *Monitor) run(t *tomb.Tomb) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.Sweep(t.Context(nil)); err != nil {
				m.logger.WithError(err).Error("monitor sweep failed")
			}
		case <-t.Dying():
			return nil
		}
	}
}

// Sweep expires stale sessions, prunes expired intelligence and publishes
// a metrics snapshot. Session expiry still runs when the store fails.
func (m *Monitor) Sweep(ctx context.Context) (*SweepResult, error) {
	now := m.sessions.Now()
	result := &SweepResult{}

	result.Expired = m.sessions.ExpireStale(now)

	pruned, err := m.store.Prune(ctx, now)
	if err != nil {
		return result, fmt.Errorf("failed to prune threat intelligence: %w", err)
	}
	result.Pruned = pruned
	m.metrics.IndicatorsPruned.Add(float64(pruned))

	snapshot, err := Collect(ctx, m.sessions, m.store)
	if err != nil {
		return result, err
	}
	result.Metrics = snapshot
	m.metrics.Observe(snapshot)

	m.logger.WithFields(logrus.Fields{
		"expired":         result.Expired,
		"pruned":          result.Pruned,
		"active_sessions": snapshot.ActiveSessions,
		"average_risk":    snapshot.AverageRiskScore,
	}).Debug("monitor sweep complete")

	m.sink.Emit(types.SecurityEvent{
		EventType: types.EventTypeMetrics,
		Severity:  types.SeverityLow,
		Details: map[string]interface{}{
			"expired": result.Expired,
			"pruned":  result.Pruned,
			"metrics": snapshot,
		},
		Timestamp: now,
	})
	return result, nil
}

// Collect derives a metrics snapshot from stored sessions and intelligence.
// It has no side effects, so repeated calls without mutations are equal.
func Collect(ctx context.Context, sessions *session.Manager, store threatintel.Store) (types.SecurityMetrics, error) {
	snapshot := types.SecurityMetrics{
		TrustLevels: map[types.TrustLevel]int{
			types.TrustUntrusted: 0,
			types.TrustLow:       0,
			types.TrustMedium:    0,
			types.TrustHigh:      0,
			types.TrustVerified:  0,
		},
	}

	total := 0
	for _, s := range sessions.Snapshot() {
		snapshot.ActiveSessions++
		snapshot.RiskBands.Add(s.RiskScore)
		snapshot.TrustLevels[s.TrustLevel]++
		total += s.RiskScore
	}
	if snapshot.ActiveSessions > 0 {
		snapshot.AverageRiskScore = float64(total) / float64(snapshot.ActiveSessions)
	}

	count, err := store.Count(ctx)
	if err != nil {
		return snapshot, fmt.Errorf("failed to count threat intelligence: %w", err)
	}
	snapshot.ThreatIndicators = count
	return snapshot, nil
}
