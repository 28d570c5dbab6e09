package threatintel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/Micca1978/ztengine/internal/config"
	"github.com/Micca1978/ztengine/internal/logging"
	"github.com/Micca1978/ztengine/pkg/types"
)

const testPrefix = "zte-test:"

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	m.SetTime(base)

	s, err := NewRedisStore(config.RedisConfig{Addr: m.Addr(), KeyPrefix: testPrefix})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, m
}

func TestRedisStoreLookup(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)
	err := s.Add(ctx,
		record("a", types.ThreatTypeMaliciousIP, types.SeverityHigh, base.Add(time.Hour), "10.0.0.1"),
		record("b", "compromised-device", types.SeverityLow, base.Add(time.Hour), "fp-1", "10.0.0.1"),
		record("c", types.ThreatTypeMaliciousIP, types.SeverityCritical, base.Add(time.Minute), "10.0.0.1"),
	)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	tests := []struct {
		name       string
		now        time.Time
		indicators []string
		want       []string
	}{
		{"ip matches all live records", base, []string{"10.0.0.1"}, []string{"a", "b", "c"}},
		{"expired record skipped", base.Add(time.Minute), []string{"10.0.0.1"}, []string{"a", "b"}},
		{"record returned once across indicators", base, []string{"10.0.0.1", "fp-1"}, []string{"a", "b", "c"}},
		{"fingerprint", base, []string{"fp-1"}, []string{"b"}},
		{"no match", base, []string{"192.168.1.1"}, nil},
		{"empty indicator ignored", base, []string{""}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Lookup(ctx, tt.now, tt.indicators...)
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d records, got %d", len(tt.want), len(got))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("record %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}
}

func TestRedisStoreReplaceByID(t *testing.T) {
	ctx := context.Background()
	s, m := newRedisStore(t)
	_ = s.Add(ctx, record("x", types.ThreatTypeMaliciousIP, types.SeverityHigh, base.Add(time.Hour), "10.0.0.1"))
	if err := s.Add(ctx, record("x", types.ThreatTypeMaliciousIP, types.SeverityHigh, base.Add(time.Hour), "10.0.0.9")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if got, _ := s.Lookup(ctx, base, "10.0.0.1"); len(got) != 0 {
		t.Errorf("expected old indicator to be unindexed, got %v", got)
	}
	if m.Exists(testPrefix + "idx:10.0.0.1") {
		t.Error("expected the old index set to be gone")
	}
	if got, _ := s.Lookup(ctx, base, "10.0.0.9"); len(got) != 1 {
		t.Errorf("expected replaced record under new indicator, got %v", got)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("expected 1 record after replace, got %d", n)
	}
}

func TestRedisStorePrune(t *testing.T) {
	ctx := context.Background()
	s, m := newRedisStore(t)
	err := s.Add(ctx,
		record("live", types.ThreatTypeMaliciousIP, types.SeverityHigh, base.Add(time.Hour), "10.0.0.1"),
		record("dead", types.ThreatTypeMaliciousIP, types.SeverityHigh, base, "10.0.0.2"),
		record("soon", types.ThreatTypeMaliciousIP, types.SeverityHigh, base.Add(500*time.Millisecond), "10.0.0.3"),
	)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	removed, err := s.Prune(ctx, base)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 pruned record, got %d", removed)
	}
	if n, _ := s.Count(ctx); n != 2 {
		t.Errorf("expected 2 remaining records, got %d", n)
	}
	if m.Exists(testPrefix + "idx:10.0.0.2") {
		t.Error("expected index entry for pruned record to be removed")
	}
	if m.Exists(testPrefix + "rec:dead") {
		t.Error("expected pruned record body to be removed")
	}
	if got, _ := s.Lookup(ctx, base.Add(499*time.Millisecond), "10.0.0.3"); len(got) != 1 {
		t.Errorf("expected the sub-second record to survive the prune, got %v", got)
	}

	removed, err = s.Prune(ctx, base.Add(500*time.Millisecond))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected the sub-second record to be pruned once expired, got %d", removed)
	}
}

func TestRedisStoreRejectsInvalidRecords(t *testing.T) {
	s, _ := newRedisStore(t)
	err := s.Add(context.Background(), types.ThreatIntelligence{Indicators: []string{"x"}, Severity: "extreme", Expires: base})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestFeedReloadWithRedis(t *testing.T) {
	s, _ := newRedisStore(t)
	loader := NewFeedLoader(writeFeed(t, anonymousFeed), s, logging.Discard()).WithClock(func() time.Time { return base })

	for i := 0; i < 3; i++ {
		if _, err := loader.Load(context.Background()); err != nil {
			t.Fatalf("Load %d: %v", i, err)
		}
	}
	got, err := s.Lookup(context.Background(), base, "203.0.113.7")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected one record after repeated loads, got %d", len(got))
	}
}
