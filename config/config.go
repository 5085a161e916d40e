// Package config loads the service configuration from YAML with ESCROW_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "configs/config.yaml"

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Env        string           `yaml:"env"`
	Server     ServerConfig     `yaml:"server"`
	DB         DBConfig         `yaml:"db"`
	Auth       AuthConfig       `yaml:"auth"`
	Settlement SettlementConfig `yaml:"settlement"`
	StepUp     StepUpConfig     `yaml:"stepup"`
	Blob       BlobConfig       `yaml:"blob"`
	Notify     NotifyConfig     `yaml:"notify"`
	Logging    LoggingConfig    `yaml:"logging"`
	Review     ReviewConfig     `yaml:"review"`
}

type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type DBConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	TokenTTL  Duration `yaml:"token_ttl"`
}

// SettlementConfig selects the adapter at startup; the mode never changes at runtime.
type SettlementConfig struct {
	Mode            string   `yaml:"mode"`
	RPCURL          string   `yaml:"rpc_url"`
	AuthToken       string   `yaml:"auth_token"`
	ChainID         string   `yaml:"chain_id"`
	OperatorAddress string   `yaml:"operator_address"`
	AuthorityKey    string   `yaml:"authority_key"`
	Timeout         Duration `yaml:"timeout"`
	GatewayProvider string   `yaml:"gateway_provider"`
}

type StepUpConfig struct {
	TTL            Duration `yaml:"ttl"`
	Digits         int      `yaml:"digits"`
	BcryptCost     int      `yaml:"bcrypt_cost"`
	IssuePerMinute int      `yaml:"issue_per_minute"`
	IssueBurst     int      `yaml:"issue_burst"`
}

type BlobConfig struct {
	Backend      string   `yaml:"backend"`
	Bucket       string   `yaml:"bucket"`
	Region       string   `yaml:"region"`
	Endpoint     string   `yaml:"endpoint"`
	UsePathStyle bool     `yaml:"use_path_style"`
	HTTPTimeout  Duration `yaml:"http_timeout"`
}

type NotifyConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	BatchSize    int      `yaml:"batch_size"`
	MaxAttempts  int      `yaml:"max_attempts"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type ReviewConfig struct {
	Window Duration `yaml:"window"`
}

// Load reads path (or $ESCROW_CONFIG, then DefaultPath), applies env overrides
// and defaults, and validates. A missing default file is not an error.
func Load(path string) (Config, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv("ESCROW_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := Config{}
	file, err := os.Open(path)
	switch {
	case err == nil:
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("config: decode %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("ESCROW_ENV", &cfg.Env)
	str("ESCROW_DB_DSN", &cfg.DB.DSN)
	str("ESCROW_HTTP_ADDR", &cfg.Server.Addr)
	str("ESCROW_JWT_SECRET", &cfg.Auth.JWTSecret)
	str("ESCROW_SETTLEMENT_MODE", &cfg.Settlement.Mode)
	str("ESCROW_SETTLEMENT_RPC_URL", &cfg.Settlement.RPCURL)
	str("ESCROW_SETTLEMENT_AUTH_TOKEN", &cfg.Settlement.AuthToken)
	str("ESCROW_AUTHORITY_KEY", &cfg.Settlement.AuthorityKey)
	str("ESCROW_BLOB_BACKEND", &cfg.Blob.Backend)
	str("ESCROW_S3_BUCKET", &cfg.Blob.Bucket)
	str("ESCROW_S3_REGION", &cfg.Blob.Region)
	str("ESCROW_S3_ENDPOINT", &cfg.Blob.Endpoint)
	str("ESCROW_LOG_LEVEL", &cfg.Logging.Level)
	str("ESCROW_LOG_FILE", &cfg.Logging.File)

	if v, ok := lookup("ESCROW_SETTLEMENT_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: ESCROW_SETTLEMENT_TIMEOUT: %w", err)
		}
		cfg.Settlement.Timeout.Duration = d
	}
	if v, ok := lookup("ESCROW_STEPUP_ISSUE_PER_MINUTE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: ESCROW_STEPUP_ISSUE_PER_MINUTE: %w", err)
		}
		cfg.StepUp.IssuePerMinute = n
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout.Duration == 0 {
		cfg.Server.ReadTimeout.Duration = 15 * time.Second
	}
	if cfg.Server.WriteTimeout.Duration == 0 {
		cfg.Server.WriteTimeout.Duration = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout.Duration == 0 {
		cfg.Server.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.DB.MaxConns <= 0 {
		cfg.DB.MaxConns = 10
	}
	if cfg.Auth.TokenTTL.Duration == 0 {
		cfg.Auth.TokenTTL.Duration = 12 * time.Hour
	}
	if cfg.Settlement.Mode == "" {
		cfg.Settlement.Mode = "mock"
	}
	cfg.Settlement.Mode = strings.ToLower(cfg.Settlement.Mode)
	if cfg.Settlement.Timeout.Duration == 0 {
		cfg.Settlement.Timeout.Duration = 15 * time.Second
	}
	if cfg.StepUp.TTL.Duration == 0 {
		cfg.StepUp.TTL.Duration = 10 * time.Minute
	}
	if cfg.StepUp.Digits == 0 {
		cfg.StepUp.Digits = 6
	}
	if cfg.StepUp.IssueBurst == 0 {
		cfg.StepUp.IssueBurst = 3
	}
	if cfg.Blob.Backend == "" {
		cfg.Blob.Backend = "http"
	}
	cfg.Blob.Backend = strings.ToLower(cfg.Blob.Backend)
	if cfg.Blob.HTTPTimeout.Duration == 0 {
		cfg.Blob.HTTPTimeout.Duration = 30 * time.Second
	}
	if cfg.Notify.PollInterval.Duration == 0 {
		cfg.Notify.PollInterval.Duration = time.Second
	}
	if cfg.Notify.BatchSize == 0 {
		cfg.Notify.BatchSize = 20
	}
	if cfg.Notify.MaxAttempts == 0 {
		cfg.Notify.MaxAttempts = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Review.Window.Duration == 0 {
		cfg.Review.Window.Duration = 7 * 24 * time.Hour
	}
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.DB.DSN == "" {
		errs = append(errs, errors.New("db.dsn is required"))
	}
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 characters"))
	}
	switch c.Settlement.Mode {
	case "mock", "fiat":
	case "chain":
		if c.Settlement.RPCURL == "" {
			errs = append(errs, errors.New("settlement.rpc_url is required in chain mode"))
		}
		if c.Settlement.AuthorityKey == "" {
			errs = append(errs, errors.New("settlement.authority_key is required in chain mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("settlement.mode %q must be fiat, chain or mock", c.Settlement.Mode))
	}
	if c.StepUp.Digits < 6 || c.StepUp.Digits > 10 {
		errs = append(errs, fmt.Errorf("stepup.digits %d out of range [6,10]", c.StepUp.Digits))
	}
	if c.StepUp.TTL.Duration > time.Hour {
		errs = append(errs, errors.New("stepup.ttl must not exceed 1h"))
	}
	switch c.Blob.Backend {
	case "http":
	case "s3":
		if c.Blob.Region == "" {
			errs = append(errs, errors.New("blob.region is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.backend %q must be http or s3", c.Blob.Backend))
	}
	if c.Notify.BatchSize < 0 || c.Notify.MaxAttempts < 0 {
		errs = append(errs, errors.New("notify.batch_size and notify.max_attempts must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
