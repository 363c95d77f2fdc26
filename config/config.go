package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

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

// Config captures the runtime configuration for settled.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"env"`
	LogLevel      string          `yaml:"log_level"`
	UtilityMSP    string          `yaml:"utility_msp"`
	CompanyMSP    string          `yaml:"company_msp"`
	Ledger        LedgerConfig    `yaml:"ledger"`
	Data          DataConfig      `yaml:"data"`
	TrustRoots    []TrustRoot     `yaml:"trust_roots"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

// LedgerConfig configures the JSON-RPC ledger client.
type LedgerConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	AuthToken string   `yaml:"auth_token"`
	Timeout   Duration `yaml:"timeout"`
	Attempts  int      `yaml:"attempts"`
	Backoff   Duration `yaml:"backoff"`
}

// DataConfig configures local persistence.
type DataConfig struct {
	Dir       string `yaml:"dir"`
	AuditPath string `yaml:"audit_path"`
}

// TrustRoot names a PEM bundle of root certificates for one MSP.
type TrustRoot struct {
	MSP      string `yaml:"msp"`
	CertFile string `yaml:"cert_file"`
}

// RateLimitConfig throttles the HTTP API.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7450"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Ledger.Timeout.Duration == 0 {
		cfg.Ledger.Timeout.Duration = 15 * time.Second
	}
	if cfg.Ledger.Attempts <= 0 {
		cfg.Ledger.Attempts = 3
	}
	if cfg.Ledger.Backoff.Duration == 0 {
		cfg.Ledger.Backoff.Duration = 250 * time.Millisecond
	}
	if cfg.RateLimit.PerSecond <= 0 {
		cfg.RateLimit.PerSecond = 50
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 100
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.UtilityMSP) == "" {
		return fmt.Errorf("utility_msp must be configured")
	}
	if strings.TrimSpace(c.CompanyMSP) == "" {
		return fmt.Errorf("company_msp must be configured")
	}
	if strings.TrimSpace(c.Ledger.Endpoint) == "" {
		return fmt.Errorf("ledger.endpoint must be configured")
	}
	for i, root := range c.TrustRoots {
		if strings.TrimSpace(root.MSP) == "" || strings.TrimSpace(root.CertFile) == "" {
			return fmt.Errorf("trust_roots[%d]: msp and cert_file required", i)
		}
	}
	return nil
}
