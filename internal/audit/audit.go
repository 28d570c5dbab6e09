// Package audit records engine security events and fans them out to subscribers.
package audit

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Micca1978/ztengine/pkg/types"
)

// Sink receives security events. Emit must not block.
type Sink interface {
	Emit(event types.SecurityEvent)
}

// Recorder keeps a bounded event history, logs each event and delivers it
// to subscribers without blocking the emitter.
type Recorder struct {
	capacity    int
	events      []types.SecurityEvent
	subscribers []chan types.SecurityEvent
	dropped     atomic.Int64
	closed      bool
	logger      logrus.FieldLogger
	mu          sync.RWMutex
}

// NewRecorder creates a recorder holding at most capacity events.
func NewRecorder(capacity int, logger logrus.FieldLogger) *Recorder {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Recorder{
		capacity: capacity,
		events:   make([]types.SecurityEvent, 0, capacity),
		logger:   logger,
	}
}

// Emit records a security event.
func (r *Recorder) Emit(event types.SecurityEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	r.mu.Lock()
	if len(r.events) == r.capacity {
		copy(r.events, r.events[1:])
		r.events = r.events[:len(r.events)-1]
	}
	r.events = append(r.events, event)
	if !r.closed {
		for _, ch := range r.subscribers {
			select {
			case ch <- event:
			default:
				r.dropped.Add(1)
			}
		}
	}
	r.mu.Unlock()

	r.logEvent(event)
}

func (r *Recorder) logEvent(event types.SecurityEvent) {
	entry := r.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": string(event.EventType),
		"severity":   string(event.Severity),
		"risk_score": event.RiskScore,
	})
	if event.SessionID != "" {
		entry = entry.WithField("session_id", event.SessionID)
	}
	if event.UserID != "" {
		entry = entry.WithField("user_id", event.UserID)
	}
	if event.Trust != "" {
		entry = entry.WithField("trust_level", string(event.Trust))
	}
	if event.Action != "" {
		entry = entry.WithField("action", event.Action)
	}
	if event.Resource != "" {
		entry = entry.WithField("resource", event.Resource)
	}
	if event.IPAddress != "" {
		entry = entry.WithField("ip_address", event.IPAddress)
	}

	switch event.Severity {
	case types.SeverityCritical:
		entry.Error("security event")
	case types.SeverityHigh:
		entry.Warn("security event")
	case types.SeverityMedium:
		entry.Info("security event")
	default:
		entry.Debug("security event")
	}
}

// Subscribe returns a channel receiving every subsequent event. Events are
// dropped for a subscriber whose buffer is full.
//
// Subscribing to a closed recorder returns a closed channel.
func (r *Recorder) Subscribe(buffer int) <-chan types.SecurityEvent {
	ch := make(chan types.SecurityEvent, buffer)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(ch)
		return ch
	}
	r.subscribers = append(r.subscribers, ch)
	return ch
}

// Close closes all subscriber channels. Events emitted afterwards are still
// kept in the history but no longer delivered.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, ch := range r.subscribers {
		close(ch)
	}
	r.subscribers = nil
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// GetEvents returns all retained events.
func (r *Recorder) GetEvents() []types.SecurityEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]types.SecurityEvent, len(r.events))
	copy(result, r.events)
	return result
}

// GetEventsByType returns retained events filtered by type.
func (r *Recorder) GetEventsByType(eventType types.EventType) []types.SecurityEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]types.SecurityEvent, 0)
	for _, event := range r.events {
		if event.EventType == eventType {
			result = append(result, event)
		}
	}
	return result
}

// severityOrder ranks severities for minimum-severity queries.
var severityOrder = map[types.Severity]int{
	types.SeverityLow:      1,
	types.SeverityMedium:   2,
	types.SeverityHigh:     3,
	types.SeverityCritical: 4,
}

// GetEventsBySeverity returns retained events at or above minSeverity.
func (r *Recorder) GetEventsBySeverity(minSeverity types.Severity) []types.SecurityEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	minLevel := severityOrder[minSeverity]
	result := make([]types.SecurityEvent, 0)
	for _, event := range r.events {
		if severityOrder[event.Severity] >= minLevel {
			result = append(result, event)
		}
	}
	return result
}

// GetEventsBySession returns retained events for one session.
func (r *Recorder) GetEventsBySession(sessionID string) []types.SecurityEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]types.SecurityEvent, 0)
	for _, event := range r.events {
		if event.SessionID == sessionID {
			result = append(result, event)
		}
	}
	return result
}

// ExportEvents exports retained events to JSON.
func (r *Recorder) ExportEvents() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return json.Marshal(r.events)
}

// Discard is a Sink that drops every event.
type Discard struct{}

func (Discard) Emit(types.SecurityEvent) {}
