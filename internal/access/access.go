// Package access decides whether a session may perform an action on a resource.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Micca1978/ztengine/internal/audit"
	"github.com/Micca1978/ztengine/internal/behavior"
	"github.com/Micca1978/ztengine/internal/config"
	"github.com/Micca1978/ztengine/internal/logging"
	"github.com/Micca1978/ztengine/internal/metrics"
	"github.com/Micca1978/ztengine/internal/policy"
	"github.com/Micca1978/ztengine/internal/risk"
	"github.com/Micca1978/ztengine/internal/session"
	"github.com/Micca1978/ztengine/pkg/types"
)

// highRiskActions need a recent verification when the session is risky.
var highRiskActions = map[string]bool{
	types.ActionAdmin:          true,
	types.ActionDataExport:     true,
	types.ActionSensitiveData:  true,
	types.ActionUserManagement: true,
}

const highRiskAbove = 50

// Deps are the collaborators of a Validator.
type Deps struct {
	Sessions *session.Manager
	Analyzer *behavior.Analyzer
	Policies *policy.Engine
	Sink     audit.Sink
	Metrics  *metrics.Metrics
	Logger   logrus.FieldLogger
}

// Validator is the access decision entry point.
type Validator struct {
	sessions        *session.Manager
	analyzer        *behavior.Analyzer
	policies        *policy.Engine
	sink            audit.Sink
	metrics         *metrics.Metrics
	logger          logrus.FieldLogger
	activityLogSize int
	reverifyWindow  time.Duration
	anomalyBump     int
}

// NewValidator creates a validator.
func NewValidator(sessionCfg config.SessionConfig, behaviorCfg config.BehaviorConfig, deps Deps) *Validator {
	v := &Validator{
		sessions:        deps.Sessions,
		analyzer:        deps.Analyzer,
		policies:        deps.Policies,
		sink:            deps.Sink,
		metrics:         deps.Metrics,
		logger:          deps.Logger,
		activityLogSize: sessionCfg.ActivityLogSize,
		reverifyWindow:  sessionCfg.ReverifyWindow,
		anomalyBump:     behaviorCfg.AnomalyRiskBump,
	}
	if v.sink == nil {
		v.sink = audit.Discard{}
	}
	if v.metrics == nil {
		v.metrics = metrics.NewUnregistered()
	}
	if v.logger == nil {
		v.logger = logging.Discard()
	}
	return v
}

// ValidateAccess decides one access request. It never fails open: an
// unexpected error or panic denies with a retry remediation.
func (v *Validator) ValidateAccess(ctx context.Context, sessionID string, req types.AccessRequest) (decision *types.AccessDecision) {
	var userID string
	defer func() {
		if r := recover(); r != nil {
			v.logger.WithFields(logrus.Fields{
				"session_id": sessionID,
				"panic":      fmt.Sprint(r),
			}).Error("access validation panicked")
			decision = internalError()
		}
		v.record(sessionID, userID, req, decision)
	}()

	if err := ctx.Err(); err != nil {
		return internalError()
	}

	err := v.sessions.Update(sessionID, func(tx *session.Tx) error {
		userID = tx.Session.UserID
		decision = v.decide(tx, req)
		return nil
	})
	switch {
	case errors.Is(err, types.ErrInvalidSession):
		return deny(types.DenyInvalidSession, "session not found", types.ActionAuthenticate)
	case err != nil:
		v.logger.WithError(err).WithField("session_id", sessionID).Error("access validation failed")
		return internalError()
	case decision == nil:
		return internalError()
	}
	return decision
}

// decide runs under the session lock.
func (v *Validator) decide(tx *session.Tx, req types.AccessRequest) *types.AccessDecision {
	s := tx.Session
	now := v.sessions.Now()

	expiry, expired := v.sessions.ExpiryReason(s, now)

	s.Activity = append(s.Activity, types.ActivityEntry{
		Action:    req.Action,
		Resource:  req.Resource,
		Timestamp: now,
	})
	if n := len(s.Activity); n > v.activityLogSize {
		s.Activity = append([]types.ActivityEntry(nil), s.Activity[n-v.activityLogSize:]...)
	}
	s.LastActivity = now

	analysis := v.analyzer.Analyze(s, now)
	if v.analyzer.Anomalous(analysis) {
		v.applyAnomaly(s, analysis, req, now)
	}

	if expired {
		tx.Expire(expiry)
		return withRisk(deny(types.DenyInvalidSession, "session expired", types.ActionAuthenticate), s, analysis)
	}

	if len(s.Restrictions.AllowedIPs) > 0 && req.Context.IP != "" && !contains(s.Restrictions.AllowedIPs, req.Context.IP) {
		return withRisk(deny(types.DenyReauthentication,
			fmt.Sprintf("request from %s is outside the session's allowed addresses", req.Context.IP),
			types.ActionReauthenticate), s, analysis)
	}

	result := v.policies.Evaluate(policy.Request{
		Session:  s,
		Resource: req.Resource,
		Action:   req.Action,
		Context:  req.Context,
		Now:      now,
	})
	if result.Violated() {
		v.notifyViolations(s, req, result, now)
		d := deny(types.DenyPolicyViolation, "blocked by policy", result.RequiredActions...)
		d.PolicyViolations = result.Violations
		return withRisk(d, s, analysis)
	}

	if !contains(s.Restrictions.AllowedResources, types.AllResources) && !contains(s.Restrictions.AllowedResources, req.Resource) {
		return withRisk(deny(types.DenyInsufficientTrust,
			fmt.Sprintf("resource %s is not allowed at trust level %s", req.Resource, s.TrustLevel),
			types.ActionEscalate), s, analysis)
	}

	if contains(s.Restrictions.DeniedActions, req.Action) {
		return withRisk(deny(types.DenyInsufficientTrust,
			fmt.Sprintf("action %s is denied for this session", req.Action),
			types.ActionReduceRisk), s, analysis)
	}

	if highRiskActions[req.Action] && s.RiskScore > highRiskAbove && now.Sub(s.Verification.LastVerification) > v.reverifyWindow {
		return withRisk(deny(types.DenyReauthentication,
			fmt.Sprintf("action %s requires recent verification", req.Action),
			types.ActionReauthenticate), s, analysis)
	}

	return withRisk(&types.AccessDecision{Allowed: true}, s, analysis)
}

func (v *Validator) applyAnomaly(s *types.Session, analysis behavior.Result, req types.AccessRequest, now time.Time) {
	previous := s.RiskScore
	s.RiskScore = risk.Clamp(s.RiskScore + v.anomalyBump)
	s.TrustLevel = risk.Classify(s.RiskScore, s.Verification.Factors)

	v.metrics.AnomaliesTotal.Inc()
	v.logger.WithFields(logrus.Fields{
		"session_id":    s.ID,
		"user_id":       s.UserID,
		"anomaly_score": analysis.Score,
		"risk_score":    s.RiskScore,
	}).Warn("behavioral anomaly detected")

	v.sink.Emit(types.SecurityEvent{
		Timestamp: now,
		EventType: types.EventTypeAnomalyDetected,
		Severity:  types.SeverityHigh,
		SessionID: s.ID,
		UserID:    s.UserID,
		Action:    req.Action,
		Resource:  req.Resource,
		RiskScore: s.RiskScore,
		Trust:     s.TrustLevel,
		Details: map[string]interface{}{
			"anomaly_score": analysis.Score,
			"reasons":       analysis.Reasons,
			"previous_risk": previous,
		},
	})
}

func (v *Validator) notifyViolations(s *types.Session, req types.AccessRequest, result *policy.Result, now time.Time) {
	for _, p := range result.Triggered {
		reasons := make([]string, 0)
		for _, violation := range result.Violations {
			if violation.PolicyID == p.ID {
				reasons = append(reasons, violation.Reason)
			}
		}
		v.sink.Emit(types.SecurityEvent{
			Timestamp: now,
			EventType: types.EventTypePolicyViolation,
			Severity:  types.SeverityMedium,
			SessionID: s.ID,
			UserID:    s.UserID,
			Action:    req.Action,
			Resource:  req.Resource,
			IPAddress: req.Context.IP,
			RiskScore: s.RiskScore,
			Trust:     s.TrustLevel,
			Details: map[string]interface{}{
				"policy_id": p.ID,
				"reasons":   reasons,
				"notify":    p.Actions.Notify,
			},
		})
	}
}

func (v *Validator) record(sessionID, userID string, req types.AccessRequest, d *types.AccessDecision) {
	if d == nil {
		return
	}
	v.metrics.Decision(d)

	event := types.SecurityEvent{
		Timestamp: v.sessions.Now(),
		EventType: types.EventTypeAccessAllowed,
		Severity:  types.SeverityLow,
		SessionID: sessionID,
		UserID:    userID,
		Action:    req.Action,
		Resource:  req.Resource,
		IPAddress: req.Context.IP,
	}
	if d.NewRiskScore != nil {
		event.RiskScore = *d.NewRiskScore
	}
	if !d.Allowed {
		event.EventType = types.EventTypeAccessDenied
		event.Severity = types.SeverityMedium
		event.Details = map[string]interface{}{
			"code":             string(d.Code),
			"reason":           d.Reason,
			"required_actions": d.RequiredActions,
		}
	}
	v.sink.Emit(event)
}

func deny(code types.DenyCode, reason string, required ...string) *types.AccessDecision {
	return &types.AccessDecision{
		Allowed:         false,
		Code:            code,
		Reason:          reason,
		RequiredActions: append([]string(nil), required...),
	}
}

func internalError() *types.AccessDecision {
	return deny(types.DenyInternal, "internal error during access validation", types.ActionRetry)
}

func withRisk(d *types.AccessDecision, s *types.Session, analysis behavior.Result) *types.AccessDecision {
	score := s.RiskScore
	d.NewRiskScore = &score
	d.AnomalyScore = analysis.Score
	return d
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
