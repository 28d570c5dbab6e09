// Package config provides configuration loading and validation for the zero-trust engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Micca1978/ztengine/pkg/types"
)

// Config represents the main configuration structure.
type Config struct {
	Session     SessionConfig     `yaml:"session" toml:"session"`
	Scoring     ScoringConfig     `yaml:"scoring" toml:"scoring"`
	Behavior    BehaviorConfig    `yaml:"behavior" toml:"behavior"`
	Policies    []PolicyConfig    `yaml:"policies" toml:"policies"`
	Roles       RolesConfig       `yaml:"roles" toml:"roles"`
	ThreatIntel ThreatIntelConfig `yaml:"threat_intel" toml:"threat_intel"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" toml:"monitoring"`
	Assertions  AssertionConfig   `yaml:"assertions" toml:"assertions"`
	GeoIP       GeoIPConfig       `yaml:"geoip" toml:"geoip"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// SessionConfig represents session lifecycle configuration.
type SessionConfig struct {
	UntrustedTimeLimit   time.Duration `yaml:"untrusted_time_limit" toml:"untrusted_time_limit"`
	EscalationTimeLimit  time.Duration `yaml:"escalation_time_limit" toml:"escalation_time_limit"`
	MaxLifetime          time.Duration `yaml:"max_lifetime" toml:"max_lifetime"`
	IdleTimeout          time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	ReverifyWindow       time.Duration `yaml:"reverify_window" toml:"reverify_window"`
	ActivityLogSize      int           `yaml:"activity_log_size" toml:"activity_log_size"`
	BindIP               bool          `yaml:"bind_ip" toml:"bind_ip"`
	ProviderTimeout      time.Duration `yaml:"provider_timeout" toml:"provider_timeout"`
	MinFingerprintLength int           `yaml:"min_fingerprint_length" toml:"min_fingerprint_length"`
	RestrictedRiskAbove  int           `yaml:"restricted_risk_above" toml:"restricted_risk_above"`
	EscalationDeltaAbove int           `yaml:"escalation_delta_above" toml:"escalation_delta_above"`
}

// ScoringConfig represents risk scoring configuration.
type ScoringConfig struct {
	BotMarkers []string `yaml:"bot_markers" toml:"bot_markers"`
}

// BehaviorConfig represents behavioral analysis configuration.
type BehaviorConfig struct {
	UnusualHours      []int         `yaml:"unusual_hours" toml:"unusual_hours"`
	MaxNormalDuration time.Duration `yaml:"max_normal_duration" toml:"max_normal_duration"`
	AnomalyThreshold  float64       `yaml:"anomaly_threshold" toml:"anomaly_threshold"`
	AnomalyRiskBump   int           `yaml:"anomaly_risk_bump" toml:"anomaly_risk_bump"`
}

// PolicyConfig represents a policy configuration.
type PolicyConfig struct {
	ID                 string             `yaml:"id" toml:"id"`
	Name               string             `yaml:"name" toml:"name"`
	Description        string             `yaml:"description,omitempty" toml:"description"`
	Priority           int                `yaml:"priority" toml:"priority"`
	Enabled            *bool              `yaml:"enabled,omitempty" toml:"enabled"`
	UserRoles          []string           `yaml:"user_roles,omitempty" toml:"user_roles"`
	ResourceTypes      []string           `yaml:"resource_types,omitempty" toml:"resource_types"`
	RiskThreshold      *int               `yaml:"risk_threshold,omitempty" toml:"risk_threshold"`
	TimeWindows        []types.TimeWindow `yaml:"time_windows,omitempty" toml:"time_windows"`
	DeviceRequirements []ConditionConfig  `yaml:"device_requirements,omitempty" toml:"device_requirements"`
	Allow              *bool              `yaml:"allow,omitempty" toml:"allow"`
	RequireMFA         bool               `yaml:"require_mfa" toml:"require_mfa"`
	RequireReauth      bool               `yaml:"require_reauth" toml:"require_reauth"`
	LogLevel           string             `yaml:"log_level,omitempty" toml:"log_level"`
	Notify             []string           `yaml:"notify,omitempty" toml:"notify"`
}

// ConditionConfig represents a policy device requirement.
type ConditionConfig struct {
	Field    string      `yaml:"field" toml:"field"`
	Operator string      `yaml:"operator" toml:"operator"`
	Value    interface{} `yaml:"value" toml:"value"`
}

// RolesConfig backs the static identity/role provider.
type RolesConfig struct {
	// UserRoles maps a user id to its roles.
	UserRoles map[string][]string `yaml:"user_roles" toml:"user_roles"`

	// ByTrust maps a trust level to what sessions at that level receive.
	ByTrust map[string]TrustGrant `yaml:"by_trust" toml:"by_trust"`
}

// TrustGrant lists permissions and resources granted at a trust level.
type TrustGrant struct {
	Permissions []string `yaml:"permissions" toml:"permissions"`
	Resources   []string `yaml:"resources" toml:"resources"`
}

// ThreatIntelConfig represents threat intelligence store configuration.
type ThreatIntelConfig struct {
	Backend      string      `yaml:"backend" toml:"backend"`
	FeedPath     string      `yaml:"feed_path,omitempty" toml:"feed_path"`
	FeedSchedule string      `yaml:"feed_schedule,omitempty" toml:"feed_schedule"`
	Redis        RedisConfig `yaml:"redis" toml:"redis"`
}

// RedisConfig represents the Redis threat intelligence backend.
type RedisConfig struct {
	Addr         string        `yaml:"addr" toml:"addr"`
	Password     string        `yaml:"password" toml:"password"`
	DB           int           `yaml:"db" toml:"db"`
	PoolSize     int           `yaml:"pool_size" toml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix" toml:"key_prefix"`
}

// MonitoringConfig represents continuous monitoring configuration.
type MonitoringConfig struct {
	Enabled  bool          `yaml:"enabled" toml:"enabled"`
	Interval time.Duration `yaml:"interval" toml:"interval"`

	// EventBuffer bounds audit history and each subscriber channel.
	EventBuffer int `yaml:"event_buffer" toml:"event_buffer"`
}

// AssertionConfig represents identity provider assertion verification.
type AssertionConfig struct {
	Secret   string        `yaml:"secret" toml:"secret"`
	Issuer   string        `yaml:"issuer" toml:"issuer"`
	Audience string        `yaml:"audience" toml:"audience"`
	MaxAge   time.Duration `yaml:"max_age" toml:"max_age"`
}

// GeoIPConfig represents geography resolution configuration.
type GeoIPConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	DatabasePath string `yaml:"database_path,omitempty" toml:"database_path"`
}

// MetricsConfig represents the Prometheus endpoint configuration.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`
	Namespace  string `yaml:"namespace" toml:"namespace"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	OutputPath string `yaml:"output_path,omitempty" toml:"output_path"`
}

// Load loads configuration from a YAML or TOML file and environment variables.
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the config
	expandedData := os.ExpandEnv(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(configPath), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromEnv applies ZTE_* environment overrides.
func (c *Config) loadFromEnv() {
	if secret := os.Getenv("ZTE_ASSERTION_SECRET"); secret != "" {
		c.Assertions.Secret = secret
	}
	if addr := os.Getenv("ZTE_REDIS_ADDR"); addr != "" {
		c.ThreatIntel.Redis.Addr = addr
	}
	if password := os.Getenv("ZTE_REDIS_PASSWORD"); password != "" {
		c.ThreatIntel.Redis.Password = password
	}
	if db := os.Getenv("ZTE_GEOIP_DB"); db != "" {
		c.GeoIP.DatabasePath = db
		c.GeoIP.Enabled = true
	}
	if level := os.Getenv("ZTE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.Validate()
	return cfg
}

// Validate fills defaults and validates the configuration.
func (c *Config) Validate() error {
	s := &c.Session
	if s.UntrustedTimeLimit == 0 {
		s.UntrustedTimeLimit = 15 * time.Minute
	}
	if s.EscalationTimeLimit == 0 {
		s.EscalationTimeLimit = 15 * time.Minute
	}
	if s.MaxLifetime == 0 {
		s.MaxLifetime = 8 * time.Hour
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = 30 * time.Minute
	}
	if s.ReverifyWindow == 0 {
		s.ReverifyWindow = 10 * time.Minute
	}
	if s.ActivityLogSize == 0 {
		s.ActivityLogSize = 50
	}
	if s.ProviderTimeout == 0 {
		s.ProviderTimeout = 2 * time.Second
	}
	if s.MinFingerprintLength == 0 {
		s.MinFingerprintLength = 16
	}
	if s.RestrictedRiskAbove == 0 {
		s.RestrictedRiskAbove = 70
	}
	if s.EscalationDeltaAbove == 0 {
		s.EscalationDeltaAbove = 20
	}
	if s.ActivityLogSize < 10 {
		return fmt.Errorf("session.activity_log_size must be at least 10, got %d", s.ActivityLogSize)
	}

	if len(c.Scoring.BotMarkers) == 0 {
		c.Scoring.BotMarkers = []string{
			"bot", "crawler", "spider", "scraper", "headless", "phantomjs",
			"selenium", "puppeteer", "playwright", "curl", "wget",
			"python-requests", "python-urllib", "go-http-client", "java/",
		}
	}

	b := &c.Behavior
	if b.UnusualHours == nil {
		b.UnusualHours = []int{22, 23, 0, 1, 2, 3, 4, 5}
	}
	for _, h := range b.UnusualHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("behavior.unusual_hours contains invalid hour %d", h)
		}
	}
	if b.MaxNormalDuration == 0 {
		b.MaxNormalDuration = 7200 * time.Second
	}
	if b.AnomalyThreshold == 0 {
		b.AnomalyThreshold = 0.8
	}
	if b.AnomalyRiskBump == 0 {
		b.AnomalyRiskBump = 20
	}

	for i, p := range c.Policies {
		if p.ID == "" {
			return fmt.Errorf("policies[%d]: id is required", i)
		}
		for _, w := range p.TimeWindows {
			if _, err := ParseClock(w.Start); err != nil {
				return fmt.Errorf("policy %s: %w", p.ID, err)
			}
			if _, err := ParseClock(w.End); err != nil {
				return fmt.Errorf("policy %s: %w", p.ID, err)
			}
		}
	}

	if c.Roles.ByTrust == nil {
		c.Roles.ByTrust = map[string]TrustGrant{
			string(types.TrustVerified): {Permissions: []string{"read", "write", "admin"}, Resources: []string{types.AllResources}},
			string(types.TrustHigh):     {Permissions: []string{"read", "write"}, Resources: []string{"documents", "reports", "dashboard"}},
			string(types.TrustMedium):   {Permissions: []string{"read"}, Resources: []string{"documents", "dashboard"}},
			string(types.TrustLow):      {Permissions: []string{"read"}, Resources: []string{"dashboard"}},
		}
	}
	for level := range c.Roles.ByTrust {
		switch types.TrustLevel(level) {
		case types.TrustUntrusted, types.TrustLow, types.TrustMedium, types.TrustHigh, types.TrustVerified:
		default:
			return fmt.Errorf("roles.by_trust has unknown trust level %q", level)
		}
	}

	t := &c.ThreatIntel
	if t.Backend == "" {
		t.Backend = "memory"
	}
	if t.Backend != "memory" && t.Backend != "redis" {
		return fmt.Errorf("threat_intel.backend must be memory or redis, got %q", t.Backend)
	}
	if t.Backend == "redis" && t.Redis.Addr == "" {
		return fmt.Errorf("threat_intel.redis.addr is required for the redis backend")
	}
	if t.FeedPath != "" && t.FeedSchedule == "" {
		t.FeedSchedule = "@every 5m"
	}

	if c.Monitoring.Interval == 0 {
		c.Monitoring.Interval = 60 * time.Second
	}
	if c.Monitoring.EventBuffer == 0 {
		c.Monitoring.EventBuffer = 1000
	}

	if c.Assertions.MaxAge == 0 {
		c.Assertions.MaxAge = 5 * time.Minute
	}
	if c.GeoIP.Enabled && c.GeoIP.DatabasePath == "" {
		return fmt.Errorf("geoip.database_path is required when geoip is enabled")
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "ztengine"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ToPolicies converts policy configuration into engine policies.
func (c *Config) ToPolicies() []types.Policy {
	policies := make([]types.Policy, 0, len(c.Policies))
	for _, pc := range c.Policies {
		p := types.Policy{
			ID:          pc.ID,
			Name:        pc.Name,
			Description: pc.Description,
			Priority:    pc.Priority,
			Enabled:     pc.Enabled == nil || *pc.Enabled,
			Conditions: types.PolicyConditions{
				UserRoles:     pc.UserRoles,
				ResourceTypes: pc.ResourceTypes,
				RiskThreshold: 100,
				TimeWindows:   pc.TimeWindows,
			},
			Actions: types.PolicyActions{
				Allow:         pc.Allow == nil || *pc.Allow,
				RequireMFA:    pc.RequireMFA,
				RequireReauth: pc.RequireReauth,
				LogLevel:      pc.LogLevel,
				Notify:        pc.Notify,
			},
		}
		if pc.RiskThreshold != nil {
			p.Conditions.RiskThreshold = *pc.RiskThreshold
		}
		for _, cond := range pc.DeviceRequirements {
			p.Conditions.DeviceRequirements = append(p.Conditions.DeviceRequirements, types.PolicyCondition{
				Field:    cond.Field,
				Operator: cond.Operator,
				Value:    cond.Value,
			})
		}
		policies = append(policies, p)
	}
	return policies
}

// ParseClock parses an "HH:MM" time of day into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// GetEnv returns environment variable value or default.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
