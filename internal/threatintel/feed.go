package threatintel

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"github.com/Micca1978/ztengine/pkg/types"
)

// feedFile is the on-disk feed layout.
type feedFile struct {
	Indicators []types.ThreatIntelligence `yaml:"indicators"`
}

// ReadFeed parses a YAML threat feed file.
func ReadFeed(path string) ([]types.ThreatIntelligence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read threat feed: %w", err)
	}
	var feed feedFile
	if err := yaml.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("failed to parse threat feed: %w", err)
	}
	return feed.Indicators, nil
}

// FeedLoader loads a feed file into a Store, optionally on a cron schedule.
type FeedLoader struct {
	path   string
	store  Store
	logger logrus.FieldLogger
	now    func() time.Time
	cron   *cron.Cron
}

// NewFeedLoader creates a loader for the feed at path.
func NewFeedLoader(path string, store Store, logger logrus.FieldLogger) *FeedLoader {
	return &FeedLoader{
		path:   path,
		store:  store,
		logger: logger.WithField("component", "threat_feed"),
		now:    time.Now,
	}
}

// WithClock sets the clock used to skip expired records.
func (l *FeedLoader) WithClock(now func() time.Time) *FeedLoader {
	l.now = now
	return l
}

// Load reads the feed and adds its live records to the store.
func (l *FeedLoader) Load(ctx context.Context) (int, error) {
	records, err := ReadFeed(l.path)
	if err != nil {
		return 0, err
	}

	now := l.now()
	live := records[:0]
	for _, rec := range records {
		if rec.Expired(now) {
			continue
		}
		if rec.ID == "" {
			rec.ID = FeedRecordID(rec)
		}
		live = append(live, rec)
	}
	if err := l.store.Add(ctx, live...); err != nil {
		return 0, fmt.Errorf("failed to load threat feed: %w", err)
	}

	l.logger.WithFields(logrus.Fields{
		"path":    l.path,
		"loaded":  len(live),
		"skipped": len(records) - len(live),
	}).Info("threat feed loaded")
	return len(live), nil
}

// FeedRecordID derives a stable id for a feed record that carries none, so
// reloading the same feed replaces records instead of duplicating them.
func FeedRecordID(rec types.ThreatIntelligence) string {
	indicators := append([]string(nil), rec.Indicators...)
	sort.Strings(indicators)
	sum := blake2b.Sum256([]byte(rec.Type + "\x00" + rec.Source + "\x00" + strings.Join(indicators, "\x00")))
	return "feed-" + hex.EncodeToString(sum[:16])
}

// Schedule reloads the feed on the given cron spec until Stop is called.
func (l *FeedLoader) Schedule(spec string) error {
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := l.Load(ctx); err != nil {
			l.logger.WithError(err).Warn("scheduled threat feed reload failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid feed schedule %q: %w", spec, err)
	}
	l.cron = c
	c.Start()
	return nil
}

// Stop halts scheduled reloads and waits for a running reload to finish.
func (l *FeedLoader) Stop() {
	if l.cron == nil {
		return
	}
	<-l.cron.Stop().Done()
}
