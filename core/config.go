package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the routing core. Configuration is
// layered: defaults, then environment variables (RELAY_*), then
// functional options, highest priority last.
type Config struct {
	// Preprocessing
	MaxContentLen     int      `yaml:"max_content_len" env:"RELAY_MAX_CONTENT_LEN"`
	MaxParameters     int      `yaml:"max_parameters" env:"RELAY_MAX_PARAMETERS"`
	MaxParameterLen   int      `yaml:"max_parameter_len" env:"RELAY_MAX_PARAMETER_LEN"`
	BlocklistPatterns []string `yaml:"blocklist_patterns"`
	SpamTokenRatio    float64  `yaml:"spam_token_ratio" env:"RELAY_SPAM_TOKEN_RATIO"`

	// TierPriorityBonus maps tenant tier to the priority bonus applied
	// during preprocessing.
	TierPriorityBonus map[TenantTier]int `yaml:"tier_priority_bonus"`

	// Default provider prices used for cost estimation before routing.
	DefaultInputTokenCost  float64 `yaml:"default_input_token_cost" env:"RELAY_DEFAULT_INPUT_TOKEN_COST"`
	DefaultOutputTokenCost float64 `yaml:"default_output_token_cost" env:"RELAY_DEFAULT_OUTPUT_TOKEN_COST"`

	// Batching
	MaxBatchSize int           `yaml:"max_batch_size" env:"RELAY_MAX_BATCH_SIZE"`
	MinBatchSize int           `yaml:"min_batch_size" env:"RELAY_MIN_BATCH_SIZE"`
	MaxWaitTime  time.Duration `yaml:"max_wait_time" env:"RELAY_MAX_WAIT_TIME"`

	// Dispatch
	ConcurrencyLimit int `yaml:"concurrency_limit" env:"RELAY_CONCURRENCY_LIMIT"`
	HighWater        int `yaml:"high_water" env:"RELAY_HIGH_WATER"`
	LowWater         int `yaml:"low_water" env:"RELAY_LOW_WATER"`

	// Retry
	MaxRetries     int           `yaml:"max_retries" env:"RELAY_MAX_RETRIES"`
	BaseRetryDelay time.Duration `yaml:"base_retry_delay" env:"RELAY_BASE_RETRY_DELAY"`
	MaxRetryDelay  time.Duration `yaml:"max_retry_delay" env:"RELAY_MAX_RETRY_DELAY"`
	RetryJitter    bool          `yaml:"retry_jitter" env:"RELAY_RETRY_JITTER"`

	// Circuit breaker
	BreakerThreshold int           `yaml:"breaker_threshold" env:"RELAY_BREAKER_THRESHOLD"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout" env:"RELAY_BREAKER_TIMEOUT"`

	// Fallback and degradation
	FallbackEnabled    bool   `yaml:"fallback_enabled" env:"RELAY_FALLBACK_ENABLED"`
	DegradationEnabled bool   `yaml:"degradation_enabled" env:"RELAY_DEGRADATION_ENABLED"`
	EmergencyAgentID   string `yaml:"emergency_agent_id" env:"RELAY_EMERGENCY_AGENT_ID"`

	// Execution
	DeadlineSafetyMargin time.Duration `yaml:"deadline_safety_margin" env:"RELAY_DEADLINE_SAFETY_MARGIN"`

	// Cache
	CacheTTL time.Duration `yaml:"cache_ttl" env:"RELAY_CACHE_TTL"`

	// Registry
	HealthDwellTime time.Duration `yaml:"health_dwell_time" env:"RELAY_HEALTH_DWELL_TIME"`

	// Event bus
	EventBufferSize int `yaml:"event_buffer_size" env:"RELAY_EVENT_BUFFER_SIZE"`

	// Logging
	LogLevel string `yaml:"log_level" env:"RELAY_LOG_LEVEL"`
}

// DefaultBlocklistPatterns are the credential-shaped rules applied when
// no tenant-specific blocklist is configured.
var DefaultBlocklistPatterns = []string{
	`password\s*[:=]\s*\S+`,
	`api[_-]?key\s*[:=]\s*\S+`,
	`token\s*[:=]\s*\S+`,
}

// DefaultConfig returns the conservative defaults from the design doc.
func DefaultConfig() *Config {
	return &Config{
		MaxContentLen:     100_000,
		MaxParameters:     20,
		MaxParameterLen:   10_000,
		BlocklistPatterns: append([]string(nil), DefaultBlocklistPatterns...),
		SpamTokenRatio:    0.3,
		TierPriorityBonus: map[TenantTier]int{
			TierEnterprise: 3,
			TierPro:        2,
			TierPlus:       1,
		},
		DefaultInputTokenCost:  0.000002,
		DefaultOutputTokenCost: 0.000006,

		MaxBatchSize: 50,
		MinBatchSize: 3,
		MaxWaitTime:  2 * time.Second,

		ConcurrencyLimit: 10,
		HighWater:        100,
		LowWater:         50,

		MaxRetries:     3,
		BaseRetryDelay: 1 * time.Second,
		MaxRetryDelay:  30 * time.Second,
		RetryJitter:    true,

		BreakerThreshold: 10,
		BreakerTimeout:   60 * time.Second,

		FallbackEnabled:    true,
		DegradationEnabled: true,

		DeadlineSafetyMargin: 250 * time.Millisecond,

		CacheTTL: 24 * time.Hour,

		HealthDwellTime: 30 * time.Second,

		EventBufferSize: 1024,

		LogLevel: "info",
	}
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithMaxBatchSize overrides the batch size cap.
func WithMaxBatchSize(n int) Option {
	return func(c *Config) { c.MaxBatchSize = n }
}

// WithMaxWaitTime overrides the base batch wait window.
func WithMaxWaitTime(d time.Duration) Option {
	return func(c *Config) { c.MaxWaitTime = d }
}

// WithConcurrencyLimit overrides the dispatcher concurrency cap.
func WithConcurrencyLimit(n int) Option {
	return func(c *Config) { c.ConcurrencyLimit = n }
}

// WithBreaker overrides the breaker threshold and timeout.
func WithBreaker(threshold int, timeout time.Duration) Option {
	return func(c *Config) {
		c.BreakerThreshold = threshold
		c.BreakerTimeout = timeout
	}
}

// WithEmergencyAgent configures the last-resort routing target.
func WithEmergencyAgent(id string) Option {
	return func(c *Config) { c.EmergencyAgentID = id }
}

// NewConfig builds a Config from defaults, environment, then options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnvironment()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML config file over the defaults.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnvironment()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironment() {
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	envInt("RELAY_MAX_CONTENT_LEN", &c.MaxContentLen)
	envInt("RELAY_MAX_BATCH_SIZE", &c.MaxBatchSize)
	envInt("RELAY_MIN_BATCH_SIZE", &c.MinBatchSize)
	envDuration("RELAY_MAX_WAIT_TIME", &c.MaxWaitTime)
	envInt("RELAY_CONCURRENCY_LIMIT", &c.ConcurrencyLimit)
	envInt("RELAY_HIGH_WATER", &c.HighWater)
	envInt("RELAY_LOW_WATER", &c.LowWater)
	envInt("RELAY_MAX_RETRIES", &c.MaxRetries)
	envDuration("RELAY_BASE_RETRY_DELAY", &c.BaseRetryDelay)
	envDuration("RELAY_MAX_RETRY_DELAY", &c.MaxRetryDelay)
	envBool("RELAY_RETRY_JITTER", &c.RetryJitter)
	envInt("RELAY_BREAKER_THRESHOLD", &c.BreakerThreshold)
	envDuration("RELAY_BREAKER_TIMEOUT", &c.BreakerTimeout)
	envBool("RELAY_FALLBACK_ENABLED", &c.FallbackEnabled)
	envBool("RELAY_DEGRADATION_ENABLED", &c.DegradationEnabled)
	envDuration("RELAY_CACHE_TTL", &c.CacheTTL)
	envDuration("RELAY_HEALTH_DWELL_TIME", &c.HealthDwellTime)
	envInt("RELAY_EVENT_BUFFER_SIZE", &c.EventBufferSize)
	if v := os.Getenv("RELAY_EMERGENCY_AGENT_ID"); v != "" {
		c.EmergencyAgentID = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks internal consistency of the configuration.
func (c *Config) Validate() error {
	if c.MaxContentLen < 1 {
		return fmt.Errorf("%w: max_content_len must be positive, got %d", ErrValidation, c.MaxContentLen)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("%w: max_batch_size must be positive, got %d", ErrValidation, c.MaxBatchSize)
	}
	if c.MinBatchSize < 1 || c.MinBatchSize > c.MaxBatchSize {
		return fmt.Errorf("%w: min_batch_size must be in [1, max_batch_size], got %d", ErrValidation, c.MinBatchSize)
	}
	if c.ConcurrencyLimit < 1 {
		return fmt.Errorf("%w: concurrency_limit must be positive, got %d", ErrValidation, c.ConcurrencyLimit)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be non-negative, got %d", ErrValidation, c.MaxRetries)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("%w: breaker_threshold must be positive, got %d", ErrValidation, c.BreakerThreshold)
	}
	if c.LowWater < 0 || c.LowWater > c.HighWater {
		return fmt.Errorf("%w: low_water must be in [0, high_water], got %d", ErrValidation, c.LowWater)
	}
	if c.SpamTokenRatio <= 0 || c.SpamTokenRatio > 1 {
		return fmt.Errorf("%w: spam_token_ratio must be in (0,1], got %f", ErrValidation, c.SpamTokenRatio)
	}
	return nil
}

// WaitTimeFor scales the base batch wait window by priority band.
// Urgent requests wait a tenth of the base window, low the whole of it.
func (c *Config) WaitTimeFor(priority int) time.Duration {
	base := float64(c.MaxWaitTime)
	switch {
	case priority >= 8:
		return time.Duration(base * 0.1)
	case priority >= 6:
		return time.Duration(base * 0.3)
	case priority >= 4:
		return time.Duration(base * 0.7)
	default:
		return c.MaxWaitTime
	}
}
