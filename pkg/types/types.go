// Package types defines the core data types for the zero-trust engine.
package types

import (
	"time"
)

// Severity represents the severity level of a threat or security event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// TrustLevel is the discrete classification of what a session may do.
type TrustLevel string

const (
	TrustUntrusted TrustLevel = "untrusted"
	TrustLow       TrustLevel = "low"
	TrustMedium    TrustLevel = "medium"
	TrustHigh      TrustLevel = "high"
	TrustVerified  TrustLevel = "verified"
)

// AuthFactor is an authentication factor reported by the identity provider.
type AuthFactor string

const (
	FactorPassword  AuthFactor = "password"
	FactorMFA       AuthFactor = "mfa"
	FactorBiometric AuthFactor = "biometric"
	FactorDevice    AuthFactor = "device"
	FactorLocation  AuthFactor = "location"
)

// EventType represents the type of security event.
type EventType string

const (
	EventTypeSessionCreated  EventType = "session_created"
	EventTypeSessionExpired  EventType = "session_expired"
	EventTypeRiskUpdated     EventType = "risk_updated"
	EventTypeAnomalyDetected EventType = "anomaly_detected"
	EventTypePolicyViolation EventType = "policy_violation"
	EventTypeAccessAllowed   EventType = "access_allowed"
	EventTypeAccessDenied    EventType = "access_denied"
	EventTypeMetrics         EventType = "security_metrics"
)

// Geography is the optional resolved location of a session's source IP.
type Geography struct {
	Country string `json:"country,omitempty" yaml:"country,omitempty"`
	City    string `json:"city,omitempty" yaml:"city,omitempty"`
}

// Restrictions bounds what a session may reach.
type Restrictions struct {
	AllowedResources []string `json:"allowed_resources"`
	DeniedActions    []string `json:"denied_actions"`

	// TimeLimit is measured from session creation; zero means unlimited.
	TimeLimit  time.Duration `json:"time_limit,omitempty"`
	AllowedIPs []string      `json:"allowed_ips,omitempty"`
}

// Verification records how the principal was authenticated.
type Verification struct {
	Factors          []AuthFactor `json:"factors"`
	Strength         int          `json:"strength"`
	LastVerification time.Time    `json:"last_verification"`
}

// HasFactor reports whether f was used.
func (v Verification) HasFactor(f AuthFactor) bool {
	for _, have := range v.Factors {
		if have == f {
			return true
		}
	}
	return false
}

// ActivityEntry is one recorded action in a session's activity log.
type ActivityEntry struct {
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one authenticated principal's ongoing interaction window.
type Session struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	DeviceFingerprint string          `json:"device_fingerprint"`
	IPAddress         string          `json:"ip_address"`
	UserAgent         string          `json:"user_agent,omitempty"`
	Geography         *Geography      `json:"geography,omitempty"`
	RiskScore         int             `json:"risk_score"`
	TrustLevel        TrustLevel      `json:"trust_level"`
	Roles             []string        `json:"roles,omitempty"`
	Permissions       []string        `json:"permissions"`
	Restrictions      Restrictions    `json:"restrictions"`
	Verification      Verification    `json:"verification"`
	CreatedAt         time.Time       `json:"created_at"`
	LastActivity      time.Time       `json:"last_activity"`
	Activity          []ActivityEntry `json:"activity,omitempty"`
}

// Clone returns a deep copy safe to hand out of the session lock.
func (s *Session) Clone() *Session {
	c := *s
	if s.Geography != nil {
		g := *s.Geography
		c.Geography = &g
	}
	c.Roles = append([]string(nil), s.Roles...)
	c.Permissions = append([]string(nil), s.Permissions...)
	c.Restrictions.AllowedResources = append([]string(nil), s.Restrictions.AllowedResources...)
	c.Restrictions.DeniedActions = append([]string(nil), s.Restrictions.DeniedActions...)
	c.Restrictions.AllowedIPs = append([]string(nil), s.Restrictions.AllowedIPs...)
	c.Verification.Factors = append([]AuthFactor(nil), s.Verification.Factors...)
	c.Activity = append([]ActivityEntry(nil), s.Activity...)
	return &c
}

// TimeLimitExceeded reports whether the absolute time limit has passed at now.
func (s *Session) TimeLimitExceeded(now time.Time) bool {
	return s.Restrictions.TimeLimit > 0 && now.After(s.CreatedAt.Add(s.Restrictions.TimeLimit))
}

// DenyAction adds action to the denied set if not already present.
func (s *Session) DenyAction(action string) {
	for _, a := range s.Restrictions.DeniedActions {
		if a == action {
			return
		}
	}
	s.Restrictions.DeniedActions = append(s.Restrictions.DeniedActions, action)
}

// LimitTime sets the time limit to d unless a stricter limit is already in place.
func (s *Session) LimitTime(d time.Duration) {
	if s.Restrictions.TimeLimit == 0 || d < s.Restrictions.TimeLimit {
		s.Restrictions.TimeLimit = d
	}
}

// TimeWindow is a time-of-day range in "HH:MM" form. End may be before Start
// for windows that wrap midnight.
type TimeWindow struct {
	Start string `json:"start" yaml:"start" toml:"start"`
	End   string `json:"end" yaml:"end" toml:"end"`
}

// PolicyCondition is a field/operator/value test over session attributes.
type PolicyCondition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator string      `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value" yaml:"value"`
}

// PolicyConditions decide which sessions and resources a policy covers.
type PolicyConditions struct {
	UserRoles          []string          `json:"user_roles,omitempty"`
	ResourceTypes      []string          `json:"resource_types,omitempty"`
	RiskThreshold      int               `json:"risk_threshold"`
	TimeWindows        []TimeWindow      `json:"time_windows,omitempty"`
	DeviceRequirements []PolicyCondition `json:"device_requirements,omitempty"`
}

// PolicyActions are applied when a policy covers a request.
type PolicyActions struct {
	Allow         bool     `json:"allow"`
	RequireMFA    bool     `json:"require_mfa"`
	RequireReauth bool     `json:"require_reauth"`
	LogLevel      string   `json:"log_level,omitempty"`
	Notify        []string `json:"notify,omitempty"`
}

// Policy is a named, prioritized zero-trust rule.
type Policy struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Priority    int              `json:"priority"`
	Enabled     bool             `json:"enabled"`
	Conditions  PolicyConditions `json:"conditions"`
	Actions     PolicyActions    `json:"actions"`
}

// PolicyViolation is one reason a policy blocked a request.
type PolicyViolation struct {
	PolicyID   string `json:"policy_id"`
	PolicyName string `json:"policy_name"`
	Reason     string `json:"reason"`
}

// ThreatIntelligence is a time-bounded indicator-of-compromise record.
type ThreatIntelligence struct {
	ID         string    `json:"id" yaml:"id"`
	Type       string    `json:"type" yaml:"type"`
	Indicators []string  `json:"indicators" yaml:"indicators"`
	Severity   Severity  `json:"severity" yaml:"severity"`
	Confidence int       `json:"confidence" yaml:"confidence"`
	Source     string    `json:"source,omitempty" yaml:"source,omitempty"`
	Expires    time.Time `json:"expires" yaml:"expires"`
}

// Expired reports whether the record must no longer be evaluated at now.
func (t *ThreatIntelligence) Expired(now time.Time) bool {
	return !now.Before(t.Expires)
}

// Threat indicator types with scoring meaning.
const (
	ThreatTypeMaliciousIP = "malicious-ip"
)

// Risk intelligence types pushed by external feeds.
const (
	IntelThreatDetected = "threat-detected"
	IntelBehaviorChange = "behavior-change"
	IntelLocationChange = "location-change"
	IntelDeviceChange   = "device-change"
)

// RiskIntelligence is an external signal that adjusts a live session's risk.
type RiskIntelligence struct {
	Type     string                 `json:"type"`
	Severity Severity               `json:"severity"`
	Source   string                 `json:"source,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// RiskBands is the histogram of session risk scores by classifier band.
type RiskBands struct {
	Minimal  int `json:"minimal"`  // 0-19
	Guarded  int `json:"guarded"`  // 20-39
	Elevated int `json:"elevated"` // 40-59
	High     int `json:"high"`     // 60-79
	Critical int `json:"critical"` // 80-100
}

// Add counts score into its band.
func (b *RiskBands) Add(score int) {
	switch {
	case score >= 80:
		b.Critical++
	case score >= 60:
		b.High++
	case score >= 40:
		b.Elevated++
	case score >= 20:
		b.Guarded++
	default:
		b.Minimal++
	}
}

// SecurityMetrics is a derived, read-only snapshot of engine state.
type SecurityMetrics struct {
	ActiveSessions   int                `json:"active_sessions"`
	RiskBands        RiskBands          `json:"risk_bands"`
	TrustLevels      map[TrustLevel]int `json:"trust_levels"`
	AverageRiskScore float64            `json:"average_risk_score"`
	ThreatIndicators int                `json:"threat_indicators"`
}

// AccessContext carries optional request attributes.
type AccessContext struct {
	IP         string                 `json:"ip,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// AccessRequest is a (resource, action) access attempt on a session.
type AccessRequest struct {
	Resource string        `json:"resource"`
	Action   string        `json:"action"`
	Context  AccessContext `json:"context,omitempty"`
}

// Remediation actions returned to the calling layer.
const (
	ActionAuthenticate   = "authenticate"
	ActionReauthenticate = "re-authenticate"
	ActionEnableMFA      = "enable-mfa"
	ActionEscalate       = "escalate-privileges"
	ActionReduceRisk     = "reduce-risk-score"
	ActionVerifyDevice   = "verify-device"
	ActionRetry          = "retry"
)

// High-risk actions guarded by risk overrides and re-verification.
const (
	ActionDataExport     = "data-export"
	ActionAdmin          = "admin-actions"
	ActionSensitiveData  = "sensitive-data"
	ActionUserManagement = "user-management"
)

// AllResources is the wildcard entry of Restrictions.AllowedResources.
const AllResources = "all"

// AccessDecision is the result of validating one access request.
type AccessDecision struct {
	Allowed          bool              `json:"allowed"`
	Code             DenyCode          `json:"code,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	RequiredActions  []string          `json:"required_actions,omitempty"`
	NewRiskScore     *int              `json:"new_risk_score,omitempty"`
	PolicyViolations []PolicyViolation `json:"policy_violations,omitempty"`
	AnomalyScore     float64           `json:"anomaly_score,omitempty"`
}

// SecurityEvent is an audit record emitted to the observability sink.
type SecurityEvent struct {
	ID        string                 `json:"id"`
	EventType EventType              `json:"event_type"`
	Severity  Severity               `json:"severity"`
	SessionID string                 `json:"session_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	RiskScore int                    `json:"risk_score"`
	Trust     TrustLevel             `json:"trust_level,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
