package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"docgate.org/internal/auth"
)

// Config holds every runtime setting of the API server.
type Config struct {
	HTTPAddr string `toml:"http_addr"`
	GRPCAddr string `toml:"grpc_addr"`
	BaseURL  string `toml:"base_url"`

	StoreDriver string `toml:"store_driver"` // memory | postgres | sqlite
	StoreDSN    string `toml:"store_dsn"`
	AutoMigrate bool   `toml:"auto_migrate"`

	StorageDir     string `toml:"storage_dir"`
	MaxUploadBytes int64  `toml:"max_upload_bytes"`

	AuthSecret string   `toml:"auth_secret"`
	TokenTTL   Duration `toml:"token_ttl"`

	RateLimitRPS      float64 `toml:"rate_limit_rps"`
	RateLimitBurst    int     `toml:"rate_limit_burst"`
	OTPRateLimitRPS   float64 `toml:"otp_rate_limit_rps"`
	OTPRateLimitBurst int     `toml:"otp_rate_limit_burst"`

	CORSOrigins []string `toml:"cors_origins"`

	Owners []auth.Owner `toml:"owners"`
}

// Duration decodes TOML strings like "90m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns settings suitable for local development.
func Default() Config {
	return Config{
		HTTPAddr:          ":8080",
		GRPCAddr:          ":9090",
		BaseURL:           "http://localhost:8080",
		StoreDriver:       "memory",
		AutoMigrate:       true,
		StorageDir:        "./data/files",
		MaxUploadBytes:    25 << 20,
		TokenTTL:          Duration{auth.DefaultTokenTTL},
		RateLimitRPS:      20,
		RateLimitBurst:    40,
		OTPRateLimitRPS:   0.2,
		OTPRateLimitBurst: 5,
	}
}

// Load builds the configuration: defaults, then the TOML file named by path
// (or DOCGATE_CONFIG when path is empty), then DOCGATE_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = strings.TrimSpace(os.Getenv("DOCGATE_CONFIG"))
	}
	if path != "" {
		if err := LoadTOML(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv returns defaults overlaid with environment variables only.
func FromEnv() Config {
	cfg := Default()
	applyEnv(&cfg)
	return cfg
}

func LoadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getenvDefault("DOCGATE_HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = getenvDefault("DOCGATE_GRPC_ADDR", cfg.GRPCAddr)
	cfg.BaseURL = getenvDefault("DOCGATE_BASE_URL", cfg.BaseURL)
	cfg.StoreDriver = strings.ToLower(getenvDefault("DOCGATE_STORE", cfg.StoreDriver))
	cfg.StoreDSN = getenvDefault("DOCGATE_STORE_DSN", cfg.StoreDSN)
	cfg.AutoMigrate = getenvBool("DOCGATE_AUTO_MIGRATE", cfg.AutoMigrate)
	cfg.StorageDir = getenvDefault("DOCGATE_STORAGE_DIR", cfg.StorageDir)
	cfg.MaxUploadBytes = int64(getenvInt("DOCGATE_MAX_UPLOAD_BYTES", int(cfg.MaxUploadBytes)))
	cfg.AuthSecret = getenvDefault("DOCGATE_AUTH_SECRET", cfg.AuthSecret)
	if v := strings.TrimSpace(os.Getenv("DOCGATE_TOKEN_TTL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.TokenTTL = Duration{d}
		}
	}
	cfg.RateLimitRPS = getenvFloat("DOCGATE_RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = getenvInt("DOCGATE_RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.OTPRateLimitRPS = getenvFloat("DOCGATE_OTP_RATE_LIMIT_RPS", cfg.OTPRateLimitRPS)
	cfg.OTPRateLimitBurst = getenvInt("DOCGATE_OTP_RATE_LIMIT_BURST", cfg.OTPRateLimitBurst)
	if origins := splitCSV(os.Getenv("DOCGATE_CORS_ORIGINS")); len(origins) > 0 {
		cfg.CORSOrigins = origins
	}
	// DOCGATE_OWNERS=id|email|name|bcrypt-hash;...
	for _, entry := range strings.Split(os.Getenv("DOCGATE_OWNERS"), ";") {
		parts := strings.Split(strings.TrimSpace(entry), "|")
		if len(parts) != 4 {
			continue
		}
		cfg.Owners = append(cfg.Owners, auth.Owner{
			ID:           strings.TrimSpace(parts[0]),
			Email:        strings.TrimSpace(parts[1]),
			Name:         strings.TrimSpace(parts[2]),
			PasswordHash: strings.TrimSpace(parts[3]),
		})
	}
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case "memory":
	case "postgres", "sqlite":
		if strings.TrimSpace(c.StoreDSN) == "" {
			errs = append(errs, fmt.Errorf("store_dsn is required for %s", c.StoreDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	if strings.TrimSpace(c.AuthSecret) == "" {
		errs = append(errs, errors.New("auth_secret is required"))
	}
	if strings.TrimSpace(c.StorageDir) == "" {
		errs = append(errs, errors.New("storage_dir is required"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max_upload_bytes must be positive"))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 || c.OTPRateLimitRPS <= 0 || c.OTPRateLimitBurst <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	return errors.Join(errs...)
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1"
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
