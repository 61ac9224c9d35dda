package deepstream

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	yaml "gopkg.in/yaml.v2"
)

// Config holds every client tunable named in spec section 6, plus the
// connection URL and default merge strategy. Defaults are resolved in
// DefaultConfig from original_source/deepstreampy, per SPEC_FULL.md
// section 14 item 4.
type Config struct {
	URL string `yaml:"url"`

	SubscriptionTimeout  time.Duration `yaml:"subscriptionTimeout"`
	RecordReadAckTimeout time.Duration `yaml:"recordReadAckTimeout"`
	RecordReadTimeout    time.Duration `yaml:"recordReadTimeout"`
	RecordDeleteTimeout  time.Duration `yaml:"recordDeleteTimeout"`
	RPCAckTimeout        time.Duration `yaml:"rpcAckTimeout"`
	RPCResponseTimeout   time.Duration `yaml:"rpcResponseTimeout"`

	HeartbeatInterval    time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTolerance   int           `yaml:"heartbeatTolerance"` // multiple of HeartbeatInterval

	MaxReconnectAttempts       int           `yaml:"maxReconnectAttempts"`
	ReconnectIntervalIncrement time.Duration `yaml:"reconnectIntervalIncrement"`
	MaxReconnectInterval       time.Duration `yaml:"maxReconnectInterval"`

	MergeStrategy MergeStrategy `yaml:"-"`

	// MaxOutboundFramesPerSecond, when non-zero, throttles outbound frame
	// emission through a token-bucket limiter (SPEC_FULL.md section 11.4).
	// Zero (the default) disables limiting.
	MaxOutboundFramesPerSecond float64 `yaml:"maxOutboundFramesPerSecond"`
	OutboundBurst              int     `yaml:"outboundBurst"`
}

// DefaultConfig returns the canonical tunables resolved in SPEC_FULL.md
// section 14 item 4 against deepstreampy's constants.
func DefaultConfig() *Config {
	return &Config{
		SubscriptionTimeout:        2 * time.Second,
		RecordReadAckTimeout:       1 * time.Second,
		RecordReadTimeout:          3 * time.Second,
		RecordDeleteTimeout:        2 * time.Second,
		RPCAckTimeout:              6 * time.Second,
		RPCResponseTimeout:         10 * time.Second,
		HeartbeatInterval:          30 * time.Second,
		HeartbeatTolerance:         2,
		MaxReconnectAttempts:       3,
		ReconnectIntervalIncrement: 4 * time.Second,
		MaxReconnectInterval:       30 * time.Second,
		MergeStrategy:              RemoteWins,
	}
}

// limiter builds the rate.Limiter described by MaxOutboundFramesPerSecond,
// or nil when outbound throttling is disabled.
func (c *Config) limiter() *rate.Limiter {
	if c.MaxOutboundFramesPerSecond <= 0 {
		return nil
	}
	burst := c.OutboundBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.MaxOutboundFramesPerSecond), burst)
}

// LoadConfigFile parses a YAML config file (e.g. deepstream.yaml) on top of
// DefaultConfig, via gopkg.in/yaml.v2.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %q", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config file %q", path)
	}
	return cfg, nil
}

// LoadConfigEnv overlays DEEPSTREAM_* environment variables onto cfg,
// optionally seeded from a .env file via github.com/joho/godotenv. envFile
// may be empty, in which case only the process environment is consulted.
func LoadConfigEnv(cfg *Config, envFile string) (*Config, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, errors.Wrapf(err, "load env file %q", envFile)
		}
	}
	if v := os.Getenv("DEEPSTREAM_URL"); v != "" {
		cfg.URL = v
	}
	if v, ok := envDuration("DEEPSTREAM_HEARTBEAT_INTERVAL"); ok {
		cfg.HeartbeatInterval = v
	}
	if v, ok := envDuration("DEEPSTREAM_SUBSCRIPTION_TIMEOUT"); ok {
		cfg.SubscriptionTimeout = v
	}
	if v, ok := envInt("DEEPSTREAM_MAX_RECONNECT_ATTEMPTS"); ok {
		cfg.MaxReconnectAttempts = v
	}
	return cfg, nil
}

func envDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
