package threatintel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Micca1978/ztengine/internal/config"
	"github.com/Micca1978/ztengine/pkg/types"
)

// retention keeps expired records readable long enough for Prune to unindex them.
const retention = 24 * time.Hour

// RedisStore shares threat intelligence between engine instances.
//
// Layout under the key prefix:
//
//	rec:<id>        JSON record, expiring retention after the record itself
//	idx:<indicator> set of record ids
//	expiry          sorted set of record ids scored by expiry (unix milliseconds)
type RedisStore struct {
	client *redis.Client
	config config.RedisConfig
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ztengine:threatintel:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, config: cfg}, nil
}

func (s *RedisStore) recordKey(id string) string {
	return s.config.KeyPrefix + "rec:" + id
}

func (s *RedisStore) indexKey(indicator string) string {
	return s.config.KeyPrefix + "idx:" + indicator
}

func (s *RedisStore) expiryKey() string {
	return s.config.KeyPrefix + "expiry"
}

// Add inserts or replaces records by id.
func (s *RedisStore) Add(ctx context.Context, records ...types.ThreatIntelligence) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	defer cancel()

	for _, rec := range records {
		n, err := normalize(rec)
		if err != nil {
			return err
		}
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", n.ID, err)
		}

		old, err := s.get(ctx, n.ID)
		if err != nil {
			return err
		}

		pipe := s.client.TxPipeline()
		if old != nil {
			for _, ind := range old.Indicators {
				pipe.SRem(ctx, s.indexKey(ind), old.ID)
			}
		}
		pipe.Set(ctx, s.recordKey(n.ID), data, 0)
		pipe.ExpireAt(ctx, s.recordKey(n.ID), n.Expires.Add(retention))
		for _, ind := range n.Indicators {
			pipe.SAdd(ctx, s.indexKey(ind), n.ID)
		}
		pipe.ZAdd(ctx, s.expiryKey(), &redis.Z{Score: float64(n.Expires.UnixMilli()), Member: n.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to store record %s: %w", n.ID, err)
		}
	}
	return nil
}

// Lookup returns live records containing any of the indicators.
func (s *RedisStore) Lookup(ctx context.Context, now time.Time, indicators ...string) ([]types.ThreatIntelligence, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.ReadTimeout)
	defer cancel()

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, 0, len(indicators))
	for _, ind := range indicators {
		if ind == "" {
			continue
		}
		cmds = append(cmds, pipe.SMembers(ctx, s.indexKey(ind)))
	}
	if len(cmds) == 0 {
		return nil, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to query indicator index: %w", err)
	}

	seen := make(map[string]struct{})
	var keys []string
	for _, cmd := range cmds {
		for _, id := range cmd.Val() {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			keys = append(keys, s.recordKey(id))
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}

	var result []types.ThreatIntelligence
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec types.ThreatIntelligence
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("corrupt threat record: %w", err)
		}
		if rec.Expired(now) {
			continue
		}
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Prune removes records that expired at or before now.
func (s *RedisStore) Prune(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	defer cancel()

	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan expiry index: %w", err)
	}

	removed := 0
	for _, id := range ids {
		rec, err := s.get(ctx, id)
		if err != nil {
			return removed, err
		}
		// scores are truncated to the millisecond
		if rec != nil && !rec.Expired(now) {
			continue
		}
		pipe := s.client.TxPipeline()
		if rec != nil {
			for _, ind := range rec.Indicators {
				pipe.SRem(ctx, s.indexKey(ind), id)
			}
		}
		pipe.Del(ctx, s.recordKey(id))
		pipe.ZRem(ctx, s.expiryKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("failed to prune record %s: %w", id, err)
		}
		removed++
	}
	return removed, nil
}

// Count returns the number of stored records.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.ReadTimeout)
	defer cancel()

	n, err := s.client.ZCard(ctx, s.expiryKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return int(n), nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) get(ctx context.Context, id string) (*types.ThreatIntelligence, error) {
	val, err := s.client.Get(ctx, s.recordKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", id, err)
	}
	var rec types.ThreatIntelligence
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("corrupt threat record %s: %w", id, err)
	}
	return &rec, nil
}
