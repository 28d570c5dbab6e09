// Package policy provides policy evaluation for the zero-trust engine.
package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Micca1978/ztengine/internal/config"
	"github.com/Micca1978/ztengine/internal/logging"
	"github.com/Micca1978/ztengine/pkg/types"
)

// Request is one (session, resource, action) triple to evaluate.
type Request struct {
	Session  *types.Session
	Resource string
	Action   string
	Context  types.AccessContext
	Now      time.Time
}

// Result accumulates the violations of every enabled policy.
type Result struct {
	Violations      []types.PolicyViolation
	RequiredActions []string
	// Triggered lists each violating policy once, in evaluation order.
	Triggered []types.Policy
}

// Violated reports whether any policy blocked the request.
func (r *Result) Violated() bool {
	return len(r.Violations) > 0
}

func (r *Result) violate(p *types.Policy, reason string, required ...string) {
	r.Violations = append(r.Violations, types.PolicyViolation{
		PolicyID:   p.ID,
		PolicyName: p.Name,
		Reason:     reason,
	})
	for _, action := range required {
		r.require(action)
	}
	if n := len(r.Triggered); n == 0 || r.Triggered[n-1].ID != p.ID {
		r.Triggered = append(r.Triggered, *p)
	}
}

func (r *Result) require(action string) {
	for _, a := range r.RequiredActions {
		if a == action {
			return
		}
	}
	r.RequiredActions = append(r.RequiredActions, action)
}

// Engine evaluates zero-trust policies against sessions.
type Engine struct {
	policies       []types.Policy
	reverifyWindow time.Duration
	logger         logrus.FieldLogger
	mu             sync.RWMutex
}

// NewEngine creates a policy engine. Requests older than reverifyWindow since
// the last verification fail policies that require re-authentication.
func NewEngine(policies []types.Policy, reverifyWindow time.Duration, logger logrus.FieldLogger) *Engine {
	engine := &Engine{
		policies:       append([]types.Policy(nil), policies...),
		reverifyWindow: reverifyWindow,
		logger:         logger,
	}
	engine.sort()
	return engine
}

// sort orders policies by priority (highest first), then by id.
func (e *Engine) sort() {
	sort.SliceStable(e.policies, func(i, j int) bool {
		if e.policies[i].Priority != e.policies[j].Priority {
			return e.policies[i].Priority > e.policies[j].Priority
		}
		return e.policies[i].ID < e.policies[j].ID
	})
}

// Evaluate checks every enabled policy independently and returns all
// violations. A policy's user roles, when set, limit which sessions it
// applies to.
func (e *Engine) Evaluate(req Request) *Result {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{}
	for i := range e.policies {
		p := &e.policies[i]
		if !p.Enabled || !appliesTo(p, req.Session) {
			continue
		}
		before := len(result.Violations)
		e.evaluatePolicy(p, req, result)
		if len(result.Violations) > before {
			e.logViolation(p, req, result.Violations[before:])
		}
	}
	return result
}

func (e *Engine) evaluatePolicy(p *types.Policy, req Request, result *Result) {
	s := req.Session

	if s.RiskScore > p.Conditions.RiskThreshold {
		result.violate(p,
			fmt.Sprintf("risk score %d exceeds threshold %d", s.RiskScore, p.Conditions.RiskThreshold),
			types.ActionReduceRisk)
	}

	if covers(p, req.Resource) {
		if !p.Actions.Allow {
			result.violate(p, fmt.Sprintf("access to %s is not allowed", req.Resource))
		}
		if p.Actions.RequireMFA && !s.Verification.HasFactor(types.FactorMFA) {
			result.violate(p, "multi-factor authentication required", types.ActionEnableMFA)
		}
		if p.Actions.RequireReauth && req.Now.Sub(s.Verification.LastVerification) > e.reverifyWindow {
			result.violate(p, "re-authentication required", types.ActionReauthenticate)
		}
		for _, cond := range p.Conditions.DeviceRequirements {
			if !e.evaluateCondition(req, &cond) {
				result.violate(p,
					fmt.Sprintf("device requirement %s %s %v not met", cond.Field, cond.Operator, cond.Value),
					types.ActionVerifyDevice)
			}
		}
	}

	if len(p.Conditions.TimeWindows) > 0 && !withinWindows(p.Conditions.TimeWindows, req.Now) {
		result.violate(p, fmt.Sprintf("outside permitted time windows at %s", req.Now.Format("15:04")))
	}
}

func (e *Engine) logViolation(p *types.Policy, req Request, violations []types.PolicyViolation) {
	if e.logger == nil {
		return
	}
	reasons := make([]string, 0, len(violations))
	for _, v := range violations {
		reasons = append(reasons, v.Reason)
	}
	level := logrus.WarnLevel
	if p.Actions.LogLevel != "" {
		level = logging.ParseLevel(p.Actions.LogLevel)
	}
	e.logger.WithFields(logrus.Fields{
		"policy_id":  p.ID,
		"session_id": req.Session.ID,
		"user_id":    req.Session.UserID,
		"resource":   req.Resource,
		"action":     req.Action,
		"reasons":    reasons,
	}).Log(level, "policy violation")
}

// appliesTo reports whether the policy's role filter admits the session.
func appliesTo(p *types.Policy, s *types.Session) bool {
	if len(p.Conditions.UserRoles) == 0 {
		return true
	}
	for _, want := range p.Conditions.UserRoles {
		for _, have := range s.Roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

// covers reports whether resource is one of the policy's resource types.
func covers(p *types.Policy, resource string) bool {
	for _, r := range p.Conditions.ResourceTypes {
		if r == resource || r == types.AllResources {
			return true
		}
	}
	return false
}

// withinWindows reports whether now falls in any window. Windows whose end
// precedes their start wrap midnight; equal bounds cover the whole day.
// Unparseable windows never match.
func withinWindows(windows []types.TimeWindow, now time.Time) bool {
	minute := now.Hour()*60 + now.Minute()
	for _, w := range windows {
		start, err := config.ParseClock(w.Start)
		if err != nil {
			continue
		}
		end, err := config.ParseClock(w.End)
		if err != nil {
			continue
		}
		switch {
		case start == end:
			return true
		case start < end:
			if minute >= start && minute < end {
				return true
			}
		default:
			if minute >= start || minute < end {
				return true
			}
		}
	}
	return false
}

// evaluateCondition evaluates a single device requirement. A missing value
// fails every operator.
func (e *Engine) evaluateCondition(req Request, condition *types.PolicyCondition) bool {
	value := e.getContextValue(req, condition.Field)

	switch condition.Operator {
	case "eq":
		return e.compareEqual(value, condition.Value)
	case "ne":
		return value != nil && !e.compareEqual(value, condition.Value)
	case "gt":
		return e.compareGreaterThan(value, condition.Value)
	case "lt":
		return e.compareLessThan(value, condition.Value)
	case "gte":
		return e.compareGreaterThan(value, condition.Value) || e.compareEqual(value, condition.Value)
	case "lte":
		return e.compareLessThan(value, condition.Value) || e.compareEqual(value, condition.Value)
	case "in":
		return e.compareIn(value, condition.Value)
	case "not_in":
		return value != nil && !e.compareIn(value, condition.Value)
	case "regex":
		return e.compareRegex(value, condition.Value)
	case "contains":
		return e.compareContains(value, condition.Value)
	case "starts_with":
		return e.compareStartsWith(value, condition.Value)
	case "ends_with":
		return e.compareEndsWith(value, condition.Value)
	case "present":
		return value != nil && fmt.Sprintf("%v", value) != ""
	default:
		return false
	}
}

// getContextValue extracts a session or request value using dot notation.
func (e *Engine) getContextValue(req Request, field string) interface{} {
	s := req.Session
	parts := strings.Split(field, ".")

	switch parts[0] {
	case "device_fingerprint":
		return s.DeviceFingerprint
	case "ip_address":
		return s.IPAddress
	case "user_agent":
		return s.UserAgent
	case "trust_level":
		return string(s.TrustLevel)
	case "risk_score":
		return s.RiskScore
	case "country":
		if s.Geography == nil {
			return nil
		}
		return s.Geography.Country
	case "city":
		if s.Geography == nil {
			return nil
		}
		return s.Geography.City
	case "factors":
		factors := make([]string, 0, len(s.Verification.Factors))
		for _, f := range s.Verification.Factors {
			factors = append(factors, string(f))
		}
		return strings.Join(factors, ",")
	case "attributes":
		if len(parts) > 1 && req.Context.Attributes != nil {
			return e.getNestedValue(req.Context.Attributes, parts[1:])
		}
		return nil
	default:
		return nil
	}
}

// getNestedValue retrieves a nested value from a map using path parts.
func (e *Engine) getNestedValue(data map[string]interface{}, parts []string) interface{} {
	if len(parts) == 0 {
		return data
	}

	value, exists := data[parts[0]]
	if !exists {
		return nil
	}

	if len(parts) == 1 {
		return value
	}

	if nested, ok := value.(map[string]interface{}); ok {
		return e.getNestedValue(nested, parts[1:])
	}

	return nil
}

func (e *Engine) compareEqual(a, b interface{}) bool {
	if a == nil {
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func (e *Engine) compareGreaterThan(a, b interface{}) bool {
	aFloat, aOk := toFloat64(a)
	bFloat, bOk := toFloat64(b)
	if aOk && bOk {
		return aFloat > bFloat
	}
	return false
}

func (e *Engine) compareLessThan(a, b interface{}) bool {
	aFloat, aOk := toFloat64(a)
	bFloat, bOk := toFloat64(b)
	if aOk && bOk {
		return aFloat < bFloat
	}
	return false
}

func (e *Engine) compareIn(value, list interface{}) bool {
	if value == nil {
		return false
	}
	strValue := fmt.Sprintf("%v", value)

	switch v := list.(type) {
	case []interface{}:
		for _, item := range v {
			if fmt.Sprintf("%v", item) == strValue {
				return true
			}
		}
	case []string:
		for _, item := range v {
			if item == strValue {
				return true
			}
		}
	}

	return false
}

func (e *Engine) compareRegex(value, pattern interface{}) bool {
	if value == nil {
		return false
	}
	re, err := regexp.Compile(fmt.Sprintf("%v", pattern))
	if err != nil {
		return false
	}
	return re.MatchString(fmt.Sprintf("%v", value))
}

func (e *Engine) compareContains(value, substr interface{}) bool {
	if value == nil {
		return false
	}
	return strings.Contains(fmt.Sprintf("%v", value), fmt.Sprintf("%v", substr))
}

func (e *Engine) compareStartsWith(value, prefix interface{}) bool {
	if value == nil {
		return false
	}
	return strings.HasPrefix(fmt.Sprintf("%v", value), fmt.Sprintf("%v", prefix))
}

func (e *Engine) compareEndsWith(value, suffix interface{}) bool {
	if value == nil {
		return false
	}
	return strings.HasSuffix(fmt.Sprintf("%v", value), fmt.Sprintf("%v", suffix))
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// AddPolicy adds or replaces a policy by id.
func (e *Engine) AddPolicy(policy types.Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, p := range e.policies {
		if p.ID == policy.ID {
			e.policies[i] = policy
			e.sort()
			return
		}
	}
	e.policies = append(e.policies, policy)
	e.sort()
}

// RemovePolicy removes a policy by ID.
func (e *Engine) RemovePolicy(policyID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, p := range e.policies {
		if p.ID == policyID {
			e.policies = append(e.policies[:i], e.policies[i+1:]...)
			return true
		}
	}
	return false
}

// GetPolicies returns all policies in evaluation order.
func (e *Engine) GetPolicies() []types.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]types.Policy, len(e.policies))
	copy(result, e.policies)
	return result
}
