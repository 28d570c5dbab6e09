// Package threatintel stores time-bounded indicators of compromise.
package threatintel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Micca1978/ztengine/pkg/types"
)

var ErrInvalidRecord = errors.New("invalid threat intelligence record")

// Store holds threat intelligence records. Lookup never returns records
// that are expired at now.
type Store interface {
	Add(ctx context.Context, records ...types.ThreatIntelligence) error
	Lookup(ctx context.Context, now time.Time, indicators ...string) ([]types.ThreatIntelligence, error)
	Prune(ctx context.Context, now time.Time) (int, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// normalize validates a record and assigns an id when missing.
func normalize(rec types.ThreatIntelligence) (types.ThreatIntelligence, error) {
	if len(rec.Indicators) == 0 {
		return rec, fmt.Errorf("%w: no indicators", ErrInvalidRecord)
	}
	if !rec.Severity.Valid() {
		return rec, fmt.Errorf("%w: unknown severity %q", ErrInvalidRecord, rec.Severity)
	}
	if rec.Expires.IsZero() {
		return rec, fmt.Errorf("%w: missing expiry", ErrInvalidRecord)
	}
	if rec.Confidence < 0 || rec.Confidence > 100 {
		return rec, fmt.Errorf("%w: confidence %d out of range", ErrInvalidRecord, rec.Confidence)
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.Indicators = append([]string(nil), rec.Indicators...)
	return rec, nil
}
