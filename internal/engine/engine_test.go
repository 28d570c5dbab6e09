package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Micca1978/ztengine/internal/auth"
	"github.com/Micca1978/ztengine/internal/config"
	"github.com/Micca1978/ztengine/internal/geo"
	"github.com/Micca1978/ztengine/internal/logging"
	"github.com/Micca1978/ztengine/internal/session"
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

func newEngine(t *testing.T, cfg *config.Config, opts ...Option) (*Engine, *clock) {
	t.Helper()
	c := &clock{t: start}
	opts = append([]Option{WithClock(c.Now), WithLogger(logging.Discard())}, opts...)
	e, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, c
}

func request(user string, factors ...types.AuthFactor) session.CreateRequest {
	return session.CreateRequest{
		UserID:            user,
		IP:                "198.51.100.7",
		UserAgent:         "Mozilla/5.0",
		DeviceFingerprint: strings.Repeat("d", 32),
		Factors:           factors,
	}
}

func TestSessionLifecycle(t *testing.T) {
	e, c := newEngine(t, config.Default())
	ctx := context.Background()

	if err := e.AddThreatIntelligence(ctx, types.ThreatIntelligence{
		ID:         "feed-1",
		Type:       types.ThreatTypeMaliciousIP,
		Indicators: []string{"198.51.100.7"},
		Severity:   types.SeverityHigh,
		Confidence: 90,
		Expires:    start.Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("AddThreatIntelligence: %v", err)
	}

	s, err := e.CreateSession(ctx, request("alice", types.FactorPassword, types.FactorMFA, types.FactorBiometric))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	// high severity 30 + malicious location 20 + auth 1.5
	if s.RiskScore != 52 || s.TrustLevel != types.TrustMedium {
		t.Fatalf("expected risk 52 at medium trust, got %d at %s", s.RiskScore, s.TrustLevel)
	}

	if d := e.ValidateAccess(ctx, s.ID, types.AccessRequest{Resource: "documents", Action: "read"}); !d.Allowed {
		t.Fatalf("expected documents to be allowed, got %+v", d)
	}
	d := e.ValidateAccess(ctx, s.ID, types.AccessRequest{Resource: "reports", Action: "read"})
	if d.Allowed || d.Code != types.DenyInsufficientTrust {
		t.Fatalf("expected insufficient trust for reports, got %+v", d)
	}

	if err := e.UpdateSessionRisk(ctx, s.ID, types.RiskIntelligence{
		Type:     types.IntelThreatDetected,
		Severity: types.SeverityCritical,
		Source:   "edr",
	}); err != nil {
		t.Fatalf("UpdateSessionRisk: %v", err)
	}

	got, ok := e.GetSession(s.ID)
	if !ok {
		t.Fatal("session disappeared")
	}
	if got.RiskScore != 100 || got.TrustLevel != types.TrustUntrusted {
		t.Errorf("expected risk 100 untrusted, got %d %s", got.RiskScore, got.TrustLevel)
	}
	if got.Restrictions.TimeLimit != 15*time.Minute {
		t.Errorf("expected a 15 minute time limit, got %v", got.Restrictions.TimeLimit)
	}

	m, err := e.GetSecurityMetrics(ctx)
	if err != nil {
		t.Fatalf("GetSecurityMetrics: %v", err)
	}
	if m.ActiveSessions != 1 || m.ThreatIndicators != 1 || m.RiskBands.Critical != 1 {
		t.Errorf("unexpected metrics %+v", m)
	}
	if m.TrustLevels[types.TrustUntrusted] != 1 || m.AverageRiskScore != 100 {
		t.Errorf("unexpected trust distribution %+v", m)
	}

	c.Advance(16 * time.Minute)
	d = e.ValidateAccess(ctx, s.ID, types.AccessRequest{Resource: "documents", Action: "read"})
	if d.Allowed || d.Code != types.DenyInvalidSession {
		t.Fatalf("expected the session to have expired, got %+v", d)
	}

	events := e.Events()
	for _, typ := range []types.EventType{
		types.EventTypeSessionCreated,
		types.EventTypeRiskUpdated,
		types.EventTypeSessionExpired,
		types.EventTypeAccessAllowed,
		types.EventTypeAccessDenied,
	} {
		if len(events.GetEventsByType(typ)) == 0 {
			t.Errorf("expected at least one %s event", typ)
		}
	}
}

func TestSecurityMetricsAreIdempotent(t *testing.T) {
	e, _ := newEngine(t, config.Default())
	ctx := context.Background()

	for _, user := range []string{"alice", "bob", "carol"} {
		if _, err := e.CreateSession(ctx, request(user, types.FactorPassword)); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}

	first, err := e.GetSecurityMetrics(ctx)
	if err != nil {
		t.Fatalf("GetSecurityMetrics: %v", err)
	}
	second, err := e.GetSecurityMetrics(ctx)
	if err != nil {
		t.Fatalf("GetSecurityMetrics: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("snapshots differ:\n%+v\n%+v", first, second)
	}
	if first.ActiveSessions != 3 || first.TrustLevels[types.TrustHigh] != 3 {
		t.Errorf("unexpected snapshot %+v", first)
	}
}

func TestCreateSessionFromAssertion(t *testing.T) {
	cfg := config.Default()
	cfg.Assertions.Secret = "idp-secret"
	cfg.Assertions.Issuer = "https://idp.example.com"
	e, c := newEngine(t, cfg)
	ctx := context.Background()

	token, err := auth.Issue(&cfg.Assertions, "bob", []string{"pwd", "otp"}, c.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c.Advance(time.Minute)

	s, err := e.CreateSessionFromAssertion(ctx, token, "198.51.100.20", "Mozilla/5.0", strings.Repeat("b", 32))
	if err != nil {
		t.Fatalf("CreateSessionFromAssertion: %v", err)
	}
	if s.UserID != "bob" {
		t.Errorf("expected user bob, got %s", s.UserID)
	}
	if !s.Verification.HasFactor(types.FactorPassword) || !s.Verification.HasFactor(types.FactorMFA) {
		t.Errorf("expected password and mfa factors, got %v", s.Verification.Factors)
	}
	if s.RiskScore != 12 || s.TrustLevel != types.TrustHigh {
		t.Errorf("expected risk 12 at high trust, got %d at %s", s.RiskScore, s.TrustLevel)
	}
	if !s.Verification.LastVerification.Equal(start) {
		t.Errorf("expected verification at assertion time, got %v", s.Verification.LastVerification)
	}

	if _, err := e.CreateSessionFromAssertion(ctx, token, "198.51.100.20", "Mozilla/5.0", ""); !errors.Is(err, auth.ErrTokenReplayed) {
		t.Errorf("expected ErrTokenReplayed, got %v", err)
	}
}

func TestConfiguredPolicies(t *testing.T) {
	cfg := config.Default()
	cfg.Policies = []config.PolicyConfig{{
		ID:            "dashboard-mfa",
		Name:          "Dashboard requires MFA",
		Priority:      10,
		ResourceTypes: []string{"dashboard"},
		RequireMFA:    true,
		Notify:        []string{"secops"},
	}}
	e, _ := newEngine(t, cfg)
	ctx := context.Background()

	s, err := e.CreateSession(ctx, request("alice", types.FactorPassword))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	d := e.ValidateAccess(ctx, s.ID, types.AccessRequest{Resource: "dashboard", Action: "read"})
	if d.Allowed || d.Code != types.DenyPolicyViolation {
		t.Fatalf("expected a policy violation, got %+v", d)
	}
	if len(d.RequiredActions) != 1 || d.RequiredActions[0] != types.ActionEnableMFA {
		t.Errorf("expected enable-mfa, got %v", d.RequiredActions)
	}

	if !e.Policies().RemovePolicy("dashboard-mfa") {
		t.Fatal("expected the configured policy to be removable")
	}
	if d := e.ValidateAccess(ctx, s.ID, types.AccessRequest{Resource: "dashboard", Action: "read"}); !d.Allowed {
		t.Errorf("expected allow once the policy is removed, got %+v", d)
	}
}

func TestStartLoadsFeed(t *testing.T) {
	dir := t.TempDir()
	feed := filepath.Join(dir, "feed.yaml")
	content := `indicators:
  - id: tor-exit
    type: malicious-ip
    indicators: ["203.0.113.50"]
    severity: critical
    confidence: 80
    expires: 2026-03-11T12:00:00Z
  - id: stale
    type: botnet
    indicators: ["203.0.113.51"]
    severity: low
    expires: 2026-03-01T00:00:00Z
`
	if err := os.WriteFile(feed, []byte(content), 0o600); err != nil {
		t.Fatalf("write feed: %v", err)
	}

	cfg := config.Default()
	cfg.ThreatIntel.FeedPath = feed
	cfg.ThreatIntel.FeedSchedule = "@every 1h"
	cfg.Monitoring.Enabled = true
	e, _ := newEngine(t, cfg)
	ctx := context.Background()

	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m, err := e.GetSecurityMetrics(ctx)
	if err != nil {
		t.Fatalf("GetSecurityMetrics: %v", err)
	}
	if m.ThreatIndicators != 1 {
		t.Errorf("expected only the live indicator to load, got %d", m.ThreatIndicators)
	}

	req := request("mallory", types.FactorPassword, types.FactorMFA, types.FactorBiometric)
	req.IP = "203.0.113.50"
	s, err := e.CreateSession(ctx, req)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	// critical 40 + malicious location 20 + auth 1.5
	if s.RiskScore != 62 || s.TrustLevel != types.TrustLow {
		t.Errorf("expected risk 62 at low trust, got %d at %s", s.RiskScore, s.TrustLevel)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func TestOptions(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, _ := newEngine(t, config.Default(),
		WithRegistry(reg),
		WithGeoResolver(geo.Static{"198.51.100.7": {Country: "NL", City: "Amsterdam"}}),
	)

	s, err := e.CreateSession(context.Background(), request("alice", types.FactorPassword))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.Geography == nil || s.Geography.Country != "NL" {
		t.Errorf("expected geography from the resolver, got %+v", s.Geography)
	}
	if e.Registry() != reg {
		t.Error("expected the supplied registry")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "ztengine_sessions_created_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected session metrics on the supplied registry")
	}
}

func TestRevokeSession(t *testing.T) {
	e, _ := newEngine(t, config.Default())
	ctx := context.Background()

	s, err := e.CreateSession(ctx, request("alice", types.FactorPassword))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !e.RevokeSession(s.ID) {
		t.Fatal("expected revoke to succeed")
	}
	if e.RevokeSession(s.ID) {
		t.Error("expected a second revoke to report nothing removed")
	}
	d := e.ValidateAccess(ctx, s.ID, types.AccessRequest{Resource: "documents", Action: "read"})
	if d.Code != types.DenyInvalidSession {
		t.Errorf("expected invalid session after revoke, got %+v", d)
	}
}

func TestRedisBackendUnavailable(t *testing.T) {
	cfg := config.Default()
	cfg.ThreatIntel.Backend = "redis"
	cfg.ThreatIntel.Redis.Addr = "127.0.0.1:1"
	cfg.ThreatIntel.Redis.DialTimeout = 100 * time.Millisecond

	if _, err := New(cfg, WithLogger(logging.Discard())); err == nil {
		t.Fatal("expected an error for an unreachable redis backend")
	}
}

func TestOperationsAfterClose(t *testing.T) {
	e, _ := newEngine(t, config.Default())
	ctx := context.Background()

	s, err := e.CreateSession(ctx, request("alice", types.FactorPassword, types.FactorMFA))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	events := e.Events().Subscribe(16)
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d := e.ValidateAccess(ctx, s.ID, types.AccessRequest{Resource: "documents", Action: "read"})
	if d.Allowed || d.Code != types.DenyInternal {
		t.Errorf("expected a closed engine to deny, got %+v", d)
	}
	if _, err := e.CreateSession(ctx, request("bob", types.FactorPassword)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from CreateSession, got %v", err)
	}
	if err := e.UpdateSessionRisk(ctx, s.ID, types.RiskIntelligence{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from UpdateSessionRisk, got %v", err)
	}
	if err := e.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Start, got %v", err)
	}

	for range events {
	}
}

func TestCloseReleasesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.OutputPath = filepath.Join(t.TempDir(), "engine.log")

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var file *os.File
	for _, c := range e.closers {
		if f, ok := c.(*os.File); ok {
			file = f
		}
	}
	if file == nil {
		t.Fatal("expected the log file to be registered for closing")
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := file.WriteString("x"); !errors.Is(err, os.ErrClosed) {
		t.Errorf("expected the log file closed, got %v", err)
	}
	data, err := os.ReadFile(cfg.Logging.OutputPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "zero-trust engine stopped") {
		t.Errorf("expected the stop message before the file was closed, got %s", data)
	}
}
