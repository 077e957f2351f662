package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"basketchain/native/oracle"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "BASKETD_"

// Duration wraps time.Duration to support YAML unmarshalling. An explicit
// zero is kept apart from an absent value so "0s" can disable a feature.
type Duration struct {
	time.Duration
	set bool
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	d.set = true
	return nil
}

func (d *Duration) orDefault(def time.Duration) {
	if !d.set {
		d.Duration = def
		d.set = true
	}
}

// Config captures runtime configuration for basketd.
type Config struct {
	Environment    string          `yaml:"environment"`
	ListenAddress  string          `yaml:"listen"`
	OpsToken       string          `yaml:"ops_token"`
	OpsJWT         OpsJWTConfig    `yaml:"ops_jwt"`
	CustodyAccount string          `yaml:"custody_account"`
	NativeSymbol   string          `yaml:"native_symbol"`
	NativeDecimals uint8           `yaml:"native_decimals"`
	StepTimeout    Duration        `yaml:"step_timeout"`
	TokensFile     string          `yaml:"tokens_file"`
	RegistryPath   string          `yaml:"registry_path"`
	Journal        JournalConfig   `yaml:"journal"`
	Ledger         LedgerConfig    `yaml:"ledger"`
	Oracle         OracleConfig    `yaml:"oracle"`
	Recon          ReconConfig     `yaml:"recon"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`
}

// OpsJWTConfig accepts HS256 operator tokens on the saga endpoints.
type OpsJWTConfig struct {
	Secret   string `yaml:"secret"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// JournalConfig selects the saga journal database.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// Path is used to build a SQLite DSN when DSN is empty.
	Path string `yaml:"path"`
}

// LedgerConfig points at the ledger node RPC endpoint.
type LedgerConfig struct {
	URL       string   `yaml:"url"`
	AuthToken string   `yaml:"auth_token"`
	Timeout   Duration `yaml:"timeout"`
}

// OracleConfig tunes the price cache.
type OracleConfig struct {
	Mode            string            `yaml:"mode"`
	FreshTTL        Duration          `yaml:"fresh_ttl"`
	StaleTTL        Duration          `yaml:"stale_ttl"`
	MinInterval     Duration          `yaml:"min_interval"`
	MaxRetries      *uint64           `yaml:"max_retries"`
	BaseBackoff     Duration          `yaml:"base_backoff"`
	MaxBackoff      Duration          `yaml:"max_backoff"`
	MaxRetryAfter   Duration          `yaml:"max_retry_after"`
	RequestTimeout  Duration          `yaml:"request_timeout"`
	RefreshInterval Duration          `yaml:"refresh_interval"`
	Fallbacks       map[string]string `yaml:"fallbacks"`
	Symbols         []string          `yaml:"symbols"`
	CoinGecko       CoinGeckoConfig   `yaml:"coingecko"`
}

// CoinGeckoConfig configures the upstream HTTP feed.
type CoinGeckoConfig struct {
	Endpoint string            `yaml:"endpoint"`
	APIKey   string            `yaml:"api_key"`
	IDs      map[string]string `yaml:"ids"`
}

// ReconConfig tunes the reconciliation sweep.
type ReconConfig struct {
	Interval   Duration    `yaml:"interval"`
	StaleAfter Duration    `yaml:"stale_after"`
	Kafka      KafkaConfig `yaml:"kafka"`
}

// KafkaConfig enables alert publishing when both fields are set.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Enabled reports whether alerts should be published.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && strings.TrimSpace(k.Topic) != ""
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint string `yaml:"otlp_endpoint"`
	Insecure bool   `yaml:"insecure"`
	Traces   bool   `yaml:"traces"`
	Metrics  bool   `yaml:"metrics"`
}

// Load reads an optional .env file, the YAML file at path (when non-empty),
// applies BASKETD_* environment overrides and defaults, then validates.
func Load(path string) (Config, error) {
	cfg := Config{}
	if err := LoadDotEnv(os.Getenv(EnvPrefix + "ENV_FILE")); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path (".env" when empty) into the
// process environment without overriding variables already set. A missing
// file is not an error.
func LoadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("ENVIRONMENT", &cfg.Environment)
	str("LISTEN", &cfg.ListenAddress)
	str("OPS_TOKEN", &cfg.OpsToken)
	str("OPS_JWT_SECRET", &cfg.OpsJWT.Secret)
	str("CUSTODY_ACCOUNT", &cfg.CustodyAccount)
	str("NATIVE_SYMBOL", &cfg.NativeSymbol)
	str("TOKENS_FILE", &cfg.TokensFile)
	str("REGISTRY_PATH", &cfg.RegistryPath)
	str("JOURNAL_DRIVER", &cfg.Journal.Driver)
	str("JOURNAL_DSN", &cfg.Journal.DSN)
	str("JOURNAL_PATH", &cfg.Journal.Path)
	str("LEDGER_URL", &cfg.Ledger.URL)
	str("LEDGER_TOKEN", &cfg.Ledger.AuthToken)
	str("ORACLE_MODE", &cfg.Oracle.Mode)
	str("COINGECKO_ENDPOINT", &cfg.Oracle.CoinGecko.Endpoint)
	str("COINGECKO_API_KEY", &cfg.Oracle.CoinGecko.APIKey)
	str("OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)
	str("ALERT_TOPIC", &cfg.Recon.Kafka.Topic)
	if v, ok := lookup(EnvPrefix + "ALERT_BROKERS"); ok {
		cfg.Recon.Kafka.Brokers = cfg.Recon.Kafka.Brokers[:0]
		for _, broker := range strings.Split(v, ",") {
			if broker = strings.TrimSpace(broker); broker != "" {
				cfg.Recon.Kafka.Brokers = append(cfg.Recon.Kafka.Brokers, broker)
			}
		}
	}

	if v, ok := lookup(EnvPrefix + "NATIVE_DECIMALS"); ok {
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 8)
		if err != nil {
			return fmt.Errorf("%sNATIVE_DECIMALS: %w", EnvPrefix, err)
		}
		cfg.NativeDecimals = uint8(parsed)
	}
	if v, ok := lookup(EnvPrefix + "ORACLE_MAX_RETRIES"); ok {
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%sORACLE_MAX_RETRIES: %w", EnvPrefix, err)
		}
		cfg.Oracle.MaxRetries = &parsed
	}
	durations := map[string]*Duration{
		"STEP_TIMEOUT":            &cfg.StepTimeout,
		"LEDGER_TIMEOUT":          &cfg.Ledger.Timeout,
		"ORACLE_FRESH_TTL":        &cfg.Oracle.FreshTTL,
		"ORACLE_STALE_TTL":        &cfg.Oracle.StaleTTL,
		"ORACLE_MIN_INTERVAL":     &cfg.Oracle.MinInterval,
		"ORACLE_REFRESH_INTERVAL": &cfg.Oracle.RefreshInterval,
		"RECON_INTERVAL":          &cfg.Recon.Interval,
	}
	for key, dst := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		dst.Duration = parsed
		dst.set = true
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = "HBAR"
	}
	cfg.NativeSymbol = strings.ToUpper(cfg.NativeSymbol)
	if cfg.NativeDecimals == 0 {
		cfg.NativeDecimals = 8
	}
	cfg.StepTimeout.orDefault(15 * time.Second)
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	if cfg.Journal.DSN == "" && cfg.Journal.Path == "" {
		cfg.Journal.Path = "/var/data/basketd.sqlite"
	}
	cfg.Ledger.Timeout.orDefault(30 * time.Second)

	defaults := oracle.DefaultConfig()
	o := &cfg.Oracle
	if o.Mode == "" {
		o.Mode = string(oracle.ModeLive)
	}
	o.FreshTTL.orDefault(defaults.FreshTTL)
	o.StaleTTL.orDefault(defaults.StaleTTL)
	o.MinInterval.orDefault(defaults.MinInterval)
	if o.MaxRetries == nil {
		retries := defaults.MaxRetries
		o.MaxRetries = &retries
	}
	o.BaseBackoff.orDefault(defaults.BaseBackoff)
	o.MaxBackoff.orDefault(defaults.MaxBackoff)
	o.MaxRetryAfter.orDefault(defaults.MaxRetryAfter)
	o.RequestTimeout.orDefault(defaults.RequestTimeout)
	o.RefreshInterval.orDefault(defaults.RefreshInterval)

	cfg.Recon.Interval.orDefault(5 * time.Minute)
	cfg.Recon.StaleAfter.orDefault(10 * time.Minute)
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.CustodyAccount) == "" {
		return fmt.Errorf("custody_account must be configured")
	}
	if cfg.NativeDecimals > 18 {
		return fmt.Errorf("native_decimals must not exceed 18")
	}
	if strings.TrimSpace(cfg.Ledger.URL) == "" {
		return fmt.Errorf("ledger.url must be configured")
	}
	if strings.TrimSpace(cfg.TokensFile) == "" {
		return fmt.Errorf("tokens_file must be configured")
	}
	if cfg.Ledger.Timeout.Duration > 0 && cfg.Ledger.Timeout.Duration < cfg.StepTimeout.Duration {
		return fmt.Errorf("ledger.timeout (%s) must not be shorter than step_timeout (%s)",
			cfg.Ledger.Timeout.Duration, cfg.StepTimeout.Duration)
	}
	if _, err := oracle.ParseMode(cfg.Oracle.Mode); err != nil {
		return err
	}
	if _, err := cfg.fallbacks(); err != nil {
		return err
	}
	return nil
}

// OracleCacheConfig converts the YAML oracle block into cache configuration.
func (c Config) OracleCacheConfig() (oracle.Config, error) {
	mode, err := oracle.ParseMode(c.Oracle.Mode)
	if err != nil {
		return oracle.Config{}, err
	}
	fallbacks, err := c.fallbacks()
	if err != nil {
		return oracle.Config{}, err
	}
	out := oracle.Config{
		Mode:            mode,
		FreshTTL:        c.Oracle.FreshTTL.Duration,
		StaleTTL:        c.Oracle.StaleTTL.Duration,
		MinInterval:     c.Oracle.MinInterval.Duration,
		BaseBackoff:     c.Oracle.BaseBackoff.Duration,
		MaxBackoff:      c.Oracle.MaxBackoff.Duration,
		MaxRetryAfter:   c.Oracle.MaxRetryAfter.Duration,
		RequestTimeout:  c.Oracle.RequestTimeout.Duration,
		RefreshInterval: c.Oracle.RefreshInterval.Duration,
		Fallbacks:       fallbacks,
		Symbols:         append([]string(nil), c.Oracle.Symbols...),
	}
	if c.Oracle.MaxRetries != nil {
		out.MaxRetries = *c.Oracle.MaxRetries
	}
	return out, nil
}

func (c Config) fallbacks() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.Oracle.Fallbacks))
	for sym, raw := range c.Oracle.Fallbacks {
		price, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("oracle.fallbacks.%s: %w", sym, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("oracle.fallbacks.%s must be positive", sym)
		}
		out[oracle.NormaliseSymbol(sym)] = price
	}
	return out, nil
}
