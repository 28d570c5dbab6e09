// Package behavior scores session activity for anomalous patterns.
package behavior

import (
	"sync"
	"time"

	"github.com/Micca1978/ztengine/internal/config"
	"github.com/Micca1978/ztengine/pkg/types"
)

const (
	repeatWindow = 10
	repeatAbove  = 5

	repeatWeight   = 0.3
	hourWeight     = 0.2
	durationWeight = 0.1
)

// Reasons reported in a Result.
const (
	ReasonRepeatedAction = "repeated_action"
	ReasonUnusualHour    = "unusual_hour"
	ReasonLongSession    = "long_session"
)

// Result is the anomaly score of a session at one point in time.
type Result struct {
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}

// Analyzer scores sessions against fixed behavioral heuristics.
type Analyzer struct {
	unusualHours      map[int]bool
	maxNormalDuration time.Duration
	threshold         float64
	models            *Models
}

// NewAnalyzer creates an analyzer. models may be nil.
func NewAnalyzer(cfg config.BehaviorConfig, models *Models) *Analyzer {
	hours := make(map[int]bool, len(cfg.UnusualHours))
	for _, h := range cfg.UnusualHours {
		hours[h] = true
	}
	return &Analyzer{
		unusualHours:      hours,
		maxNormalDuration: cfg.MaxNormalDuration,
		threshold:         cfg.AnomalyThreshold,
		models:            models,
	}
}

// Analyze scores s at now. The session's activity log is expected to already
// contain the action being validated. The score is recorded in the user's
// model when one is configured.
func (a *Analyzer) Analyze(s *types.Session, now time.Time) Result {
	var r Result

	if repeated(s.Activity) {
		r.add(repeatWeight, ReasonRepeatedAction)
	}
	if a.unusualHours[now.Hour()] {
		r.add(hourWeight, ReasonUnusualHour)
	}
	if now.Sub(s.CreatedAt) > a.maxNormalDuration {
		r.add(durationWeight, ReasonLongSession)
	}

	if a.models != nil {
		a.models.Record(s.UserID, r.Score, a.Anomalous(r), now)
	}
	return r
}

// Anomalous reports whether r crosses the configured threshold.
func (a *Analyzer) Anomalous(r Result) bool {
	return r.Score > a.threshold
}

func (r *Result) add(weight float64, reason string) {
	r.Score += weight
	r.Reasons = append(r.Reasons, reason)
}

// repeated reports whether one action makes up more than repeatAbove of the
// last repeatWindow entries.
func repeated(activity []types.ActivityEntry) bool {
	if len(activity) > repeatWindow {
		activity = activity[len(activity)-repeatWindow:]
	}
	counts := make(map[string]int, len(activity))
	for _, e := range activity {
		counts[e.Action]++
		if counts[e.Action] > repeatAbove {
			return true
		}
	}
	return false
}

// Model is the behavioral history kept for one user.
type Model struct {
	LastScore float64   `json:"last_score"`
	Anomalies int       `json:"anomalies"`
	Updated   time.Time `json:"updated"`
}

// Models holds per-user behavioral history.
type Models struct {
	users map[string]Model
	mu    sync.RWMutex
}

// NewModels creates an empty model store.
func NewModels() *Models {
	return &Models{users: make(map[string]Model)}
}

// Record stores the latest score for userID.
func (m *Models) Record(userID string, score float64, anomalous bool, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	model := m.users[userID]
	model.LastScore = score
	model.Updated = now
	if anomalous {
		model.Anomalies++
	}
	m.users[userID] = model
}

// PriorAnomaly returns the last recorded score for userID.
func (m *Models) PriorAnomaly(userID string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	model, ok := m.users[userID]
	return model.LastScore, ok
}

// Get returns the model for userID.
func (m *Models) Get(userID string) (Model, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	model, ok := m.users[userID]
	return model, ok
}
