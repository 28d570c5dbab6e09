package risk

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/Micca1978/ztengine/internal/threatintel"
	"github.com/Micca1978/ztengine/pkg/types"
)

// Signal names reported in an Assessment.
const (
	SignalThreatIntel   = "threat_intel"
	SignalAuthStrength  = "auth_strength"
	SignalUnknownDevice = "unknown_device"
	SignalAutomation    = "automation_user_agent"
	SignalHighRiskIP    = "high_risk_location"
	SignalPriorAnomaly  = "prior_anomaly"
)

// severityPenalty is added per matching threat record.
var severityPenalty = map[types.Severity]float64{
	types.SeverityCritical: 40,
	types.SeverityHigh:     30,
	types.SeverityMedium:   20,
	types.SeverityLow:      10,
}

const (
	unknownDevicePts  = 15
	automationPts     = 25
	highRiskIPPts     = 20
	priorAnomalyPts   = 30
	priorAnomalyAbove = 0.7
)

// AnomalyHistory reports the last anomaly score observed for a user.
type AnomalyHistory interface {
	PriorAnomaly(userID string) (float64, bool)
}

// Input is the session-creation request being scored.
type Input struct {
	UserID    string
	IP        string
	UserAgent string
	// Fingerprint is the caller-supplied device fingerprint, possibly empty.
	Fingerprint string
	// DerivedFingerprint is matched against threat intel alongside Fingerprint.
	DerivedFingerprint string
	Factors            []types.AuthFactor
}

// Component is one additive contribution to a score.
type Component struct {
	Signal string  `json:"signal"`
	Points float64 `json:"points"`
	Detail string  `json:"detail,omitempty"`
}

// Assessment is an explainable risk score.
type Assessment struct {
	Score      int         `json:"score"`
	Strength   int         `json:"strength"`
	Components []Component `json:"components"`
}

// Scorer computes additive 0-100 risk scores.
type Scorer struct {
	store                threatintel.Store
	history              AnomalyHistory
	botMarkers           []string
	minFingerprintLength int
}

// NewScorer creates a scorer. history may be nil.
func NewScorer(store threatintel.Store, history AnomalyHistory, botMarkers []string, minFingerprintLength int) *Scorer {
	markers := make([]string, 0, len(botMarkers))
	for _, m := range botMarkers {
		markers = append(markers, strings.ToLower(m))
	}
	return &Scorer{
		store:                store,
		history:              history,
		botMarkers:           markers,
		minFingerprintLength: minFingerprintLength,
	}
}

// Score computes the risk of in at now. A threat intelligence failure
// returns a *types.ScoringError and no score.
func (s *Scorer) Score(ctx context.Context, in Input, now time.Time) (*Assessment, error) {
	a := &Assessment{}

	indicators := []string{in.IP, in.Fingerprint}
	if in.DerivedFingerprint != in.Fingerprint {
		indicators = append(indicators, in.DerivedFingerprint)
	}
	matches, err := s.store.Lookup(ctx, now, indicators...)
	if err != nil {
		return nil, &types.ScoringError{Stage: "threat intelligence lookup", Err: err}
	}

	highRiskIP := false
	for _, rec := range matches {
		a.add(SignalThreatIntel, severityPenalty[rec.Severity], rec.ID)
		if rec.Type == types.ThreatTypeMaliciousIP && contains(rec.Indicators, in.IP) {
			highRiskIP = true
		}
	}

	a.Strength = AuthStrength(in.Factors)
	a.add(SignalAuthStrength, float64((100-a.Strength)*3)/10, "")

	if len(in.Fingerprint) < s.minFingerprintLength {
		a.add(SignalUnknownDevice, unknownDevicePts, "")
	}

	if marker := s.automationMarker(in.UserAgent); marker != "" {
		a.add(SignalAutomation, automationPts, marker)
	}

	if highRiskIP {
		a.add(SignalHighRiskIP, highRiskIPPts, in.IP)
	}

	if s.history != nil {
		if prior, ok := s.history.PriorAnomaly(in.UserID); ok && prior > priorAnomalyAbove {
			a.add(SignalPriorAnomaly, priorAnomalyPts, "")
		}
	}

	total := 0.0
	for _, c := range a.Components {
		total += c.Points
	}
	a.Score = Clamp(int(math.Round(total)))
	return a, nil
}

func (s *Scorer) automationMarker(userAgent string) string {
	ua := strings.ToLower(userAgent)
	for _, m := range s.botMarkers {
		if strings.Contains(ua, m) {
			return m
		}
	}
	return ""
}

func (a *Assessment) add(signal string, points float64, detail string) {
	if points == 0 {
		return
	}
	a.Components = append(a.Components, Component{Signal: signal, Points: points, Detail: detail})
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
