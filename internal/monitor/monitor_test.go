package monitor

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Micca1978/ztengine/internal/audit"
	"github.com/Micca1978/ztengine/internal/config"
	"github.com/Micca1978/ztengine/internal/logging"
	"github.com/Micca1978/ztengine/internal/metrics"
	"github.com/Micca1978/ztengine/internal/risk"
	"github.com/Micca1978/ztengine/internal/session"
	"github.com/Micca1978/ztengine/internal/threatintel"
	"github.com/Micca1978/ztengine/pkg/types"
)

var start = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	monitor  *Monitor
	sessions *session.Manager
	store    *threatintel.MemoryStore
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	clock    *clock
}

func newFixture(t *testing.T, interval time.Duration) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Monitoring.Interval = interval

	f := &fixture{
		store:    threatintel.NewMemoryStore(),
		recorder: audit.NewRecorder(100, logging.Discard()),
		metrics:  metrics.NewUnregistered(),
		clock:    &clock{t: start},
	}
	f.sessions = session.NewManager(cfg.Session, session.Deps{
		Scorer:   risk.NewScorer(f.store, nil, cfg.Scoring.BotMarkers, cfg.Session.MinFingerprintLength),
		Provider: session.NewStaticProvider(cfg.Roles),
		Sink:     f.recorder,
		Metrics:  f.metrics,
		Logger:   logging.Discard(),
		Now:      f.clock.Now,
	})
	f.monitor = New(cfg.Monitoring, Deps{
		Sessions: f.sessions,
		Store:    f.store,
		Sink:     f.recorder,
		Metrics:  f.metrics,
		Logger:   logging.Discard(),
	})
	return f
}

func (f *fixture) create(t *testing.T, user string, factors ...types.AuthFactor) *types.Session {
	t.Helper()
	s, err := f.sessions.CreateSession(context.Background(), session.CreateRequest{
		UserID:            user,
		IP:                "198.51.100.7",
		UserAgent:         "Mozilla/5.0",
		DeviceFingerprint: strings.Repeat("m", 32),
		Factors:           factors,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func TestSweep(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	if err := f.store.Add(ctx,
		types.ThreatIntelligence{ID: "old", Type: "botnet", Indicators: []string{"203.0.113.1"}, Severity: types.SeverityLow, Expires: start.Add(time.Minute)},
		types.ThreatIntelligence{ID: "live", Type: "botnet", Indicators: []string{"203.0.113.2"}, Severity: types.SeverityLow, Expires: start.Add(time.Hour)},
	); err != nil {
		t.Fatalf("Add: %v", err)
	}

	short := f.create(t, "alice", types.FactorPassword, types.FactorMFA, types.FactorBiometric)
	f.create(t, "bob", types.FactorPassword)
	if err := f.sessions.Update(short.ID, func(tx *session.Tx) error {
		tx.Session.LimitTime(time.Minute)
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	f.clock.Advance(2 * time.Minute)
	result, err := f.monitor.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if result.Expired != 1 || result.Pruned != 1 {
		t.Errorf("expected 1 expired and 1 pruned, got %+v", result)
	}
	if result.Metrics.ActiveSessions != 1 || result.Metrics.ThreatIndicators != 1 {
		t.Errorf("unexpected metrics %+v", result.Metrics)
	}
	// bob: password only, risk 24
	if result.Metrics.RiskBands.Guarded != 1 || result.Metrics.AverageRiskScore != 24 {
		t.Errorf("unexpected risk distribution %+v", result.Metrics)
	}
	if result.Metrics.TrustLevels[types.TrustHigh] != 1 {
		t.Errorf("expected one high-trust session, got %v", result.Metrics.TrustLevels)
	}

	if got := testutil.ToFloat64(f.metrics.ActiveSessions); got != 1 {
		t.Errorf("expected active sessions gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.IndicatorsPruned); got != 1 {
		t.Errorf("expected 1 pruned indicator counted, got %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.SessionsExpired.WithLabelValues(session.ReasonTimeLimit)); got != 1 {
		t.Errorf("expected 1 time-limit expiry counted, got %v", got)
	}
	if n := len(f.recorder.GetEventsByType(types.EventTypeMetrics)); n != 1 {
		t.Errorf("expected one security_metrics event, got %d", n)
	}
}

func TestCollectIsIdempotent(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.create(t, "alice", types.FactorPassword, types.FactorMFA)
	f.create(t, "bob", types.FactorBiometric, types.FactorMFA)

	first, err := Collect(context.Background(), f.sessions, f.store)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	second, err := Collect(context.Background(), f.sessions, f.store)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Errorf("snapshots differ:\n%+v\n%+v", first, second)
	}
	if first.ActiveSessions != 2 {
		t.Errorf("expected 2 sessions, got %d", first.ActiveSessions)
	}
}

func TestSweepReportsStoreFailure(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.monitor.store = failingStore{f.store}

	s := f.create(t, "alice", types.FactorPassword)
	f.clock.Advance(time.Hour)

	result, err := f.monitor.Sweep(context.Background())
	if err == nil {
		t.Fatal("expected an error from the failing store")
	}
	if result.Expired != 1 {
		t.Errorf("expected session expiry to run despite the failure, got %+v", result)
	}
	if _, ok := f.sessions.Get(s.ID); ok {
		t.Error("expected the idle session to be gone")
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	f.create(t, "alice", types.FactorPassword)

	if err := f.monitor.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	if err := f.monitor.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.monitor.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.recorder.GetEventsByType(types.EventTypeMetrics)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("monitor never swept")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.monitor.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.monitor.Start(); err != nil {
		t.Errorf("expected restart after stop, got %v", err)
	}
	_ = f.monitor.Stop()
}

type failingStore struct{ threatintel.Store }

func (failingStore) Prune(context.Context, time.Time) (int, error) {
	return 0, errors.New("redis: connection refused")
}
