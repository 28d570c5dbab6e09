package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSession           = errors.New("invalid session")
	ErrPolicyViolation          = errors.New("policy violation")
	ErrInsufficientTrust        = errors.New("insufficient trust")
	ErrReauthenticationRequired = errors.New("reauthentication required")
	ErrScoringFailure           = errors.New("risk scoring failed")
	ErrInternal                 = errors.New("internal error")
)

// DenyCode classifies why an access request was denied.
type DenyCode string

const (
	DenyInvalidSession    DenyCode = "invalid_session"
	DenyPolicyViolation   DenyCode = "policy_violation"
	DenyInsufficientTrust DenyCode = "insufficient_trust"
	DenyReauthentication  DenyCode = "reauthentication_required"
	DenyInternal          DenyCode = "internal_error"
)

// ScoringError reports a dependency failure during risk computation.
type ScoringError struct {
	Stage string
	Err   error
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("risk scoring failed at %s: %v", e.Stage, e.Err)
}

func (e *ScoringError) Unwrap() []error {
	return []error{ErrScoringFailure, e.Err}
}

// PolicyViolationError carries every violation that blocked a request.
type PolicyViolationError struct {
	Violations []PolicyViolation
}

func (e *PolicyViolationError) Error() string {
	reasons := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		reasons = append(reasons, fmt.Sprintf("%s: %s", v.PolicyID, v.Reason))
	}
	return "policy violation: " + strings.Join(reasons, "; ")
}

func (e *PolicyViolationError) Unwrap() error {
	return ErrPolicyViolation
}

// Err converts a denied decision into its typed error; nil when allowed.
func (d *AccessDecision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Code {
	case DenyInvalidSession:
		return fmt.Errorf("%w: %s", ErrInvalidSession, d.Reason)
	case DenyPolicyViolation:
		return &PolicyViolationError{Violations: d.PolicyViolations}
	case DenyInsufficientTrust:
		return fmt.Errorf("%w: %s", ErrInsufficientTrust, d.Reason)
	case DenyReauthentication:
		return fmt.Errorf("%w: %s", ErrReauthenticationRequired, d.Reason)
	default:
		return fmt.Errorf("%w: %s", ErrInternal, d.Reason)
	}
}
