// Package session manages zero-trust sessions: creation, risk updates and
// expiry, each guarded by a per-session lock.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/Micca1978/ztengine/internal/audit"
	"github.com/Micca1978/ztengine/internal/config"
	"github.com/Micca1978/ztengine/internal/geo"
	"github.com/Micca1978/ztengine/internal/logging"
	"github.com/Micca1978/ztengine/internal/metrics"
	"github.com/Micca1978/ztengine/internal/risk"
	"github.com/Micca1978/ztengine/pkg/types"
)

var (
	ErrInvalidRequest      = errors.New("invalid session request")
	ErrInvalidIntelligence = errors.New("invalid risk intelligence")
)

// Expiry reasons.
const (
	ReasonTimeLimit   = "time_limit"
	ReasonMaxLifetime = "max_lifetime"
	ReasonIdle        = "idle_timeout"
	ReasonRevoked     = "revoked"
)

// severityWeight is the base risk delta of external intelligence.
var severityWeight = map[types.Severity]float64{
	types.SeverityLow:      5,
	types.SeverityMedium:   15,
	types.SeverityHigh:     30,
	types.SeverityCritical: 50,
}

// typeMultiplier scales severityWeight by intelligence type.
var typeMultiplier = map[string]float64{
	types.IntelThreatDetected: 1.5,
	types.IntelBehaviorChange: 1.0,
	types.IntelLocationChange: 0.8,
	types.IntelDeviceChange:   1.2,
}

// restrictedActions are denied to sessions created above the restricted risk level.
var restrictedActions = []string{types.ActionDataExport, types.ActionAdmin, types.ActionSensitiveData}

// escalatedActions are denied after a large external risk increase.
var escalatedActions = []string{types.ActionSensitiveData, types.ActionAdmin}

const idBytes = 32

// CreateRequest carries the outcome of an authentication.
type CreateRequest struct {
	UserID            string
	IP                string
	UserAgent         string
	DeviceFingerprint string
	Factors           []types.AuthFactor
	// VerifiedAt is when the factors were presented; zero means now.
	VerifiedAt time.Time
}

// Deps are the collaborators of a Manager. Only Scorer and Provider are required.
type Deps struct {
	Scorer   *risk.Scorer
	Provider Provider
	Geo      geo.Resolver
	Sink     audit.Sink
	Metrics  *metrics.Metrics
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

type entry struct {
	mu      sync.Mutex
	session *types.Session
	removed bool
}

// Manager owns the live sessions.
type Manager struct {
	cfg      config.SessionConfig
	scorer   *risk.Scorer
	provider Provider
	geo      geo.Resolver
	sink     audit.Sink
	metrics  *metrics.Metrics
	logger   logrus.FieldLogger
	now      func() time.Time

	sessions map[string]*entry
	mu       sync.RWMutex
}

// NewManager creates a session manager.
func NewManager(cfg config.SessionConfig, deps Deps) *Manager {
	m := &Manager{
		cfg:      cfg,
		scorer:   deps.Scorer,
		provider: deps.Provider,
		geo:      deps.Geo,
		sink:     deps.Sink,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      deps.Now,
		sessions: make(map[string]*entry),
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
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time {
	return m.now()
}

// CreateSession scores the request, classifies it and stores a new session.
// A scoring failure aborts creation.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*types.Session, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	for _, f := range req.Factors {
		if !risk.KnownFactor(f) {
			return nil, fmt.Errorf("%w: unknown authentication factor %q", ErrInvalidRequest, f)
		}
	}

	now := m.now()
	derived := Fingerprint(req.UserAgent, req.IP)
	fingerprint := req.DeviceFingerprint
	if fingerprint == "" {
		fingerprint = derived
	}

	assessment, err := m.scorer.Score(ctx, risk.Input{
		UserID:             req.UserID,
		IP:                 req.IP,
		UserAgent:          req.UserAgent,
		Fingerprint:        req.DeviceFingerprint,
		DerivedFingerprint: derived,
		Factors:            req.Factors,
	}, now)
	if err != nil {
		m.metrics.ScoringFailures.Inc()
		m.logger.WithError(err).WithField("user_id", req.UserID).Error("session creation aborted")
		return nil, err
	}

	trust := risk.Classify(assessment.Score, req.Factors)

	id, err := newID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	g := m.grants(ctx, req.UserID, trust)

	verifiedAt := req.VerifiedAt
	if verifiedAt.IsZero() {
		verifiedAt = now
	}

	s := &types.Session{
		ID:                id,
		UserID:            req.UserID,
		DeviceFingerprint: fingerprint,
		IPAddress:         req.IP,
		UserAgent:         req.UserAgent,
		Geography:         m.locate(req.IP),
		RiskScore:         assessment.Score,
		TrustLevel:        trust,
		Roles:             g.roles,
		Permissions:       g.permissions,
		Restrictions: types.Restrictions{
			AllowedResources: g.resources,
			DeniedActions:    []string{},
		},
		Verification: types.Verification{
			Factors:          append([]types.AuthFactor(nil), req.Factors...),
			Strength:         assessment.Strength,
			LastVerification: verifiedAt,
		},
		CreatedAt:    now,
		LastActivity: now,
	}
	if s.RiskScore > m.cfg.RestrictedRiskAbove {
		for _, a := range restrictedActions {
			s.DenyAction(a)
		}
	}
	if trust == types.TrustUntrusted {
		s.LimitTime(m.cfg.UntrustedTimeLimit)
	}
	if m.cfg.BindIP && req.IP != "" {
		s.Restrictions.AllowedIPs = []string{req.IP}
	}

	m.mu.Lock()
	m.sessions[id] = &entry{session: s}
	m.mu.Unlock()

	m.metrics.SessionsCreated.WithLabelValues(string(trust)).Inc()
	m.logger.WithFields(logrus.Fields{
		"session_id":  id,
		"user_id":     s.UserID,
		"risk_score":  s.RiskScore,
		"trust_level": string(trust),
	}).Info("session created")

	m.sink.Emit(types.SecurityEvent{
		EventType: types.EventTypeSessionCreated,
		Severity:  createdSeverity(trust),
		SessionID: id,
		UserID:    s.UserID,
		IPAddress: s.IPAddress,
		RiskScore: s.RiskScore,
		Trust:     trust,
		Details: map[string]interface{}{
			"components": assessment.Components,
		},
		Timestamp: now,
	})

	return s.Clone(), nil
}

// grants resolves roles and grants, failing closed to an empty grant.
func (m *Manager) grants(ctx context.Context, userID string, trust types.TrustLevel) grant {
	if m.provider == nil {
		return grant{resources: []string{}}
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
	defer cancel()

	g, err := resolve(ctx, m.provider, userID, trust)
	if err != nil {
		m.logger.WithError(err).WithField("user_id", userID).Warn("role provider failed, granting nothing")
		return grant{resources: []string{}}
	}
	if g.resources == nil {
		g.resources = []string{}
	}
	return g
}

func (m *Manager) locate(ip string) *types.Geography {
	if m.geo == nil || ip == "" {
		return nil
	}
	g, err := m.geo.Resolve(ip)
	if err != nil {
		m.logger.WithError(err).WithField("ip_address", ip).Debug("geography unavailable")
		return nil
	}
	return g
}

func createdSeverity(trust types.TrustLevel) types.Severity {
	switch trust {
	case types.TrustUntrusted:
		return types.SeverityHigh
	case types.TrustLow:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

// RiskDelta returns the risk increase for intel.
func RiskDelta(intel types.RiskIntelligence) (float64, error) {
	weight, ok := severityWeight[intel.Severity]
	if !ok {
		return 0, fmt.Errorf("%w: unknown severity %q", ErrInvalidIntelligence, intel.Severity)
	}
	multiplier, ok := typeMultiplier[intel.Type]
	if !ok {
		return 0, fmt.Errorf("%w: unknown type %q", ErrInvalidIntelligence, intel.Type)
	}
	return weight * multiplier, nil
}

// UpdateSessionRisk applies external intelligence to a live session. An
// unknown session id is ignored.
func (m *Manager) UpdateSessionRisk(ctx context.Context, sessionID string, intel types.RiskIntelligence) error {
	delta, err := RiskDelta(intel)
	if err != nil {
		return err
	}

	err = m.Update(sessionID, func(tx *Tx) error {
		s := tx.Session
		previous := s.RiskScore
		s.RiskScore = risk.Clamp(s.RiskScore + int(math.Round(delta)))
		s.TrustLevel = risk.Classify(s.RiskScore, s.Verification.Factors)
		if delta > float64(m.cfg.EscalationDeltaAbove) {
			for _, a := range escalatedActions {
				s.DenyAction(a)
			}
			s.LimitTime(m.cfg.EscalationTimeLimit)
		}

		m.metrics.RiskUpdates.WithLabelValues(intel.Type).Inc()
		m.logger.WithFields(logrus.Fields{
			"session_id":  s.ID,
			"user_id":     s.UserID,
			"risk_score":  s.RiskScore,
			"trust_level": string(s.TrustLevel),
			"intel_type":  intel.Type,
		}).Info("session risk updated")

		m.sink.Emit(types.SecurityEvent{
			EventType: types.EventTypeRiskUpdated,
			Severity:  intel.Severity,
			SessionID: s.ID,
			UserID:    s.UserID,
			RiskScore: s.RiskScore,
			Trust:     s.TrustLevel,
			Details: map[string]interface{}{
				"previous_risk": previous,
				"delta":         delta,
				"type":          intel.Type,
				"source":        intel.Source,
			},
			Timestamp: m.now(),
		})
		return nil
	})
	if errors.Is(err, types.ErrInvalidSession) {
		return nil
	}
	return err
}

// Tx is the locked view of one session passed to Update callbacks.
type Tx struct {
	Session *types.Session
	expire  string
}

// Expire removes the session once the callback returns.
func (tx *Tx) Expire(reason string) {
	tx.expire = reason
}

// Update runs fn with exclusive access to the session. Changes made to
// tx.Session are kept. It returns types.ErrInvalidSession for unknown ids.
func (m *Manager) Update(sessionID string, fn func(tx *Tx) error) error {
	e := m.lookup(sessionID)
	if e == nil {
		return types.ErrInvalidSession
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return types.ErrInvalidSession
	}

	tx := &Tx{Session: e.session}
	err := fn(tx)
	if tx.expire != "" {
		m.removeLocked(e, tx.expire)
	}
	return err
}

// Get returns a copy of a live session. A session found expired is removed.
func (m *Manager) Get(sessionID string) (*types.Session, bool) {
	var out *types.Session
	err := m.Update(sessionID, func(tx *Tx) error {
		if reason, expired := m.ExpiryReason(tx.Session, m.now()); expired {
			tx.Expire(reason)
			return types.ErrInvalidSession
		}
		out = tx.Session.Clone()
		return nil
	})
	return out, err == nil
}

// Expire removes a session regardless of its state.
func (m *Manager) Expire(sessionID, reason string) bool {
	return m.Update(sessionID, func(tx *Tx) error {
		tx.Expire(reason)
		return nil
	}) == nil
}

// ExpiryReason reports why s is no longer valid at now.
func (m *Manager) ExpiryReason(s *types.Session, now time.Time) (string, bool) {
	switch {
	case s.TimeLimitExceeded(now):
		return ReasonTimeLimit, true
	case m.cfg.MaxLifetime > 0 && now.Sub(s.CreatedAt) > m.cfg.MaxLifetime:
		return ReasonMaxLifetime, true
	case m.cfg.IdleTimeout > 0 && now.Sub(s.LastActivity) > m.cfg.IdleTimeout:
		return ReasonIdle, true
	}
	return "", false
}

// ExpireStale removes every session expired at now and returns how many
// were removed. Each check-and-delete holds that session's lock.
func (m *Manager) ExpireStale(now time.Time) int {
	removed := 0
	for _, id := range m.ids() {
		err := m.Update(id, func(tx *Tx) error {
			if reason, expired := m.ExpiryReason(tx.Session, now); expired {
				tx.Expire(reason)
				removed++
			}
			return nil
		})
		if err != nil && !errors.Is(err, types.ErrInvalidSession) {
			m.logger.WithError(err).WithField("session_id", id).Warn("expiry check failed")
		}
	}
	return removed
}

// Snapshot returns copies of all stored sessions ordered by id.
func (m *Manager) Snapshot() []*types.Session {
	ids := m.ids()
	out := make([]*types.Session, 0, len(ids))
	for _, id := range ids {
		_ = m.Update(id, func(tx *Tx) error {
			out = append(out, tx.Session.Clone())
			return nil
		})
	}
	return out
}

// Count returns the number of stored sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (m *Manager) lookup(sessionID string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// removeLocked deletes e from the store. The caller holds e.mu.
func (m *Manager) removeLocked(e *entry, reason string) {
	e.removed = true
	s := e.session

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	m.metrics.SessionsExpired.WithLabelValues(reason).Inc()
	m.logger.WithFields(logrus.Fields{
		"session_id": s.ID,
		"user_id":    s.UserID,
		"reason":     reason,
	}).Info("session expired")

	m.sink.Emit(types.SecurityEvent{
		EventType: types.EventTypeSessionExpired,
		Severity:  types.SeverityLow,
		SessionID: s.ID,
		UserID:    s.UserID,
		IPAddress: s.IPAddress,
		RiskScore: s.RiskScore,
		Trust:     s.TrustLevel,
		Details:   map[string]interface{}{"reason": reason},
		Timestamp: m.now(),
	})
}

// Fingerprint derives a stable device fingerprint from the user agent and IP.
func Fingerprint(userAgent, ip string) string {
	sum := blake2b.Sum256([]byte(userAgent + ip))
	return hex.EncodeToString(sum[:])
}

func newID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
