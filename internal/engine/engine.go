// Package engine is the service root wiring every zero-trust component.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/Micca1978/ztengine/internal/access"
	"github.com/Micca1978/ztengine/internal/audit"
	"github.com/Micca1978/ztengine/internal/auth"
	"github.com/Micca1978/ztengine/internal/behavior"
	"github.com/Micca1978/ztengine/internal/config"
	"github.com/Micca1978/ztengine/internal/geo"
	"github.com/Micca1978/ztengine/internal/logging"
	"github.com/Micca1978/ztengine/internal/metrics"
	"github.com/Micca1978/ztengine/internal/monitor"
	"github.com/Micca1978/ztengine/internal/policy"
	"github.com/Micca1978/ztengine/internal/risk"
	"github.com/Micca1978/ztengine/internal/session"
	"github.com/Micca1978/ztengine/internal/threatintel"
	"github.com/Micca1978/ztengine/pkg/types"
)

var ErrClosed = errors.New("engine is closed")

type options struct {
	store    threatintel.Store
	provider session.Provider
	geo      geo.Resolver
	registry *prometheus.Registry
	logger   logrus.FieldLogger
	now      func() time.Time
}

// Option customizes an Engine.
type Option func(*options)

// WithThreatStore replaces the configured threat intelligence backend.
func WithThreatStore(store threatintel.Store) Option {
	return func(o *options) { o.store = store }
}

// WithProvider replaces the static role provider.
func WithProvider(p session.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithGeoResolver replaces the configured GeoIP database.
func WithGeoResolver(r geo.Resolver) Option {
	return func(o *options) { o.geo = r }
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithLogger replaces the logger built from configuration.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Engine owns the stores and components of one zero-trust engine instance.
type Engine struct {
	cfg      *config.Config
	logger   logrus.FieldLogger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	recorder *audit.Recorder

	store    threatintel.Store
	feed     *threatintel.FeedLoader
	geo      geo.Resolver
	models   *behavior.Models
	policies *policy.Engine
	sessions *session.Manager
	access   *access.Validator
	monitor  *monitor.Monitor
	verifier *auth.Verifier

	closers []io.Closer
	closed  atomic.Bool
	mu      sync.Mutex
}

// New builds an engine from configuration. The monitor does not run until Start.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	var logCloser io.Closer
	if o.logger == nil {
		o.logger, logCloser = logging.New(&cfg.Logging)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	if o.now == nil {
		o.now = time.Now
	}

	e := &Engine{
		cfg:      cfg,
		logger:   o.logger,
		registry: o.registry,
		metrics:  metrics.New(o.registry, cfg.Metrics.Namespace),
		recorder: audit.NewRecorder(cfg.Monitoring.EventBuffer, o.logger.WithField("component", "audit")),
		models:   behavior.NewModels(),
	}

	if logCloser != nil {
		e.closers = append(e.closers, logCloser)
	}

	e.store = o.store
	if e.store == nil {
		store, err := newStore(&cfg.ThreatIntel)
		if err != nil {
			e.closeAll()
			return nil, err
		}
		e.store = store
	}
	e.closers = append(e.closers, e.store)

	if cfg.ThreatIntel.FeedPath != "" {
		e.feed = threatintel.NewFeedLoader(cfg.ThreatIntel.FeedPath, e.store, o.logger).WithClock(o.now)
	}

	e.geo = o.geo
	if e.geo == nil && cfg.GeoIP.Enabled {
		db, err := geo.OpenMaxMind(cfg.GeoIP.DatabasePath)
		if err != nil {
			e.closeAll()
			return nil, err
		}
		e.geo = db
		e.closers = append(e.closers, db)
	}

	provider := o.provider
	if provider == nil {
		provider = session.NewStaticProvider(cfg.Roles)
	}

	e.policies = policy.NewEngine(cfg.ToPolicies(), cfg.Session.ReverifyWindow, o.logger.WithField("component", "policy"))

	e.sessions = session.NewManager(cfg.Session, session.Deps{
		Scorer:   risk.NewScorer(e.store, e.models, cfg.Scoring.BotMarkers, cfg.Session.MinFingerprintLength),
		Provider: provider,
		Geo:      e.geo,
		Sink:     e.recorder,
		Metrics:  e.metrics,
		Logger:   o.logger.WithField("component", "session"),
		Now:      o.now,
	})

	e.access = access.NewValidator(cfg.Session, cfg.Behavior, access.Deps{
		Sessions: e.sessions,
		Analyzer: behavior.NewAnalyzer(cfg.Behavior, e.models),
		Policies: e.policies,
		Sink:     e.recorder,
		Metrics:  e.metrics,
		Logger:   o.logger.WithField("component", "access"),
	})

	e.monitor = monitor.New(cfg.Monitoring, monitor.Deps{
		Sessions: e.sessions,
		Store:    e.store,
		Sink:     e.recorder,
		Metrics:  e.metrics,
		Logger:   o.logger.WithField("component", "monitor"),
	})

	e.verifier = auth.NewVerifier(&cfg.Assertions, o.now)

	return e, nil
}

func newStore(cfg *config.ThreatIntelConfig) (threatintel.Store, error) {
	switch cfg.Backend {
	case "redis":
		store, err := threatintel.NewRedisStore(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis threat store: %w", err)
		}
		return store, nil
	default:
		return threatintel.NewMemoryStore(), nil
	}
}

// Start loads the threat feed, schedules its reloads and starts the monitor
// when monitoring is enabled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}

	if e.feed != nil {
		if _, err := e.feed.Load(ctx); err != nil {
			return err
		}
		if err := e.feed.Schedule(e.cfg.ThreatIntel.FeedSchedule); err != nil {
			return err
		}
	}
	if e.cfg.Monitoring.Enabled {
		if err := e.monitor.Start(); err != nil {
			return err
		}
	}

	e.logger.WithFields(logrus.Fields{
		"threat_backend": e.cfg.ThreatIntel.Backend,
		"policies":       len(e.policies.GetPolicies()),
		"monitoring":     e.cfg.Monitoring.Enabled,
	}).Info("zero-trust engine started")
	return nil
}

// Close stops background work and releases the stores.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := e.monitor.Stop(); err != nil && !errors.Is(err, monitor.ErrNotRunning) {
		errs = append(errs, err)
	}
	if e.feed != nil {
		e.feed.Stop()
	}
	e.recorder.Close()
	e.logger.Info("zero-trust engine stopped")

	errs = append(errs, e.closeAll())
	return errors.Join(errs...)
}

func (e *Engine) closeAll() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// CreateSession scores and stores a new session for an authenticated user.
func (e *Engine) CreateSession(ctx context.Context, req session.CreateRequest) (*types.Session, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.sessions.CreateSession(ctx, req)
}

// CreateSessionFromAssertion verifies an identity provider assertion and
// creates a session for its subject.
func (e *Engine) CreateSessionFromAssertion(ctx context.Context, assertion, ip, userAgent, deviceFingerprint string) (*types.Session, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	a, err := e.verifier.Verify(assertion)
	if err != nil {
		return nil, err
	}
	if len(a.Unmapped) > 0 {
		e.logger.WithFields(logrus.Fields{
			"user_id": a.Subject,
			"methods": a.Unmapped,
		}).Debug("ignoring unknown authentication methods")
	}
	return e.sessions.CreateSession(ctx, session.CreateRequest{
		UserID:            a.Subject,
		IP:                ip,
		UserAgent:         userAgent,
		DeviceFingerprint: deviceFingerprint,
		Factors:           a.Factors,
		VerifiedAt:        a.AuthTime,
	})
}

// ValidateAccess decides whether the session may perform the request. A
// closed engine denies everything.
func (e *Engine) ValidateAccess(ctx context.Context, sessionID string, req types.AccessRequest) *types.AccessDecision {
	if e.closed.Load() {
		return &types.AccessDecision{
			Code:            types.DenyInternal,
			Reason:          ErrClosed.Error(),
			RequiredActions: []string{types.ActionRetry},
		}
	}
	return e.access.ValidateAccess(ctx, sessionID, req)
}

// UpdateSessionRisk applies external risk intelligence to a session.
func (e *Engine) UpdateSessionRisk(ctx context.Context, sessionID string, intel types.RiskIntelligence) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.sessions.UpdateSessionRisk(ctx, sessionID, intel)
}

// GetSecurityMetrics returns a snapshot of engine state.
func (e *Engine) GetSecurityMetrics(ctx context.Context) (types.SecurityMetrics, error) {
	return monitor.Collect(ctx, e.sessions, e.store)
}

// GetSession returns a copy of a live session.
func (e *Engine) GetSession(sessionID string) (*types.Session, bool) {
	return e.sessions.Get(sessionID)
}

// RevokeSession removes a session immediately.
func (e *Engine) RevokeSession(sessionID string) bool {
	return e.sessions.Expire(sessionID, session.ReasonRevoked)
}

// AddThreatIntelligence stores indicator records.
func (e *Engine) AddThreatIntelligence(ctx context.Context, records ...types.ThreatIntelligence) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.store.Add(ctx, records...)
}

// Sweep runs one monitor pass synchronously.
func (e *Engine) Sweep(ctx context.Context) (*monitor.SweepResult, error) {
	return e.monitor.Sweep(ctx)
}

// Policies returns the policy engine.
func (e *Engine) Policies() *policy.Engine {
	return e.policies
}

// Events returns the audit recorder.
func (e *Engine) Events() *audit.Recorder {
	return e.recorder
}

// Registry returns the Prometheus registry holding the engine's collectors.
func (e *Engine) Registry() *prometheus.Registry {
	return e.registry
}
