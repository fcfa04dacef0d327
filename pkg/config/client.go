package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. SST_REGISTRY_PATH.
const EnvPrefix = "SST"

// Duration accepts "1s"-style strings in JSON and in the environment.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// LogConfig controls the rotating log file.
type LogConfig struct {
	Dir        string `json:"log_dir" envconfig:"LOG_DIR"`
	MaxSizeMB  int    `json:"log_max_size_mb" envconfig:"LOG_MAX_SIZE_MB"`
	MaxBackups int    `json:"log_max_backups" envconfig:"LOG_MAX_BACKUPS"`
	MaxAgeDays int    `json:"log_max_age_days" envconfig:"LOG_MAX_AGE_DAYS"`
}

// ClientConfig configures the telemetry client. ReconnectInterval paces
// retries of registered servers that are down; zero disables them.
type ClientConfig struct {
	RegistryPath      string   `json:"registry_path" envconfig:"REGISTRY_PATH"`
	RegistryKey       string   `json:"registry_key" envconfig:"REGISTRY_KEY"`
	ClientID          uint16   `json:"client_id" envconfig:"CLIENT_ID"`
	RetryDelay        Duration `json:"retry_delay" envconfig:"RETRY_DELAY"`
	DialTimeout       Duration `json:"dial_timeout" envconfig:"DIAL_TIMEOUT"`
	ReconnectInterval Duration `json:"reconnect_interval" envconfig:"RECONNECT_INTERVAL"`
	CAFile            string   `json:"ca_file" envconfig:"CA_FILE"`
	DNSServers        []string `json:"dns_servers" envconfig:"DNS_SERVERS"`
	ListenAddr        string   `json:"listen_addr" envconfig:"LISTEN_ADDR"`
	LogConfig
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RegistryPath:      filepath.Join("config", "servers.json"),
		RetryDelay:        Duration{time.Second},
		DialTimeout:       Duration{15 * time.Second},
		ReconnectInterval: Duration{5 * time.Second},
		ListenAddr:        "127.0.0.1:7788",
	}
}

// LoadClientConfig reads JSON from path (default config/client.json) and applies env overrides.
// A missing file is not an error.
func LoadClientConfig(path string) (ClientConfig, error) {
	if path == "" {
		path = filepath.Join("config", "client.json")
	}
	cfg := DefaultClientConfig()
	if err := readJSON(path, &cfg); err != nil {
		return cfg, err
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("env overrides: %w", err)
	}
	// normalize
	cfg.RegistryPath = strings.TrimSpace(cfg.RegistryPath)
	cfg.RegistryKey = strings.TrimSpace(cfg.RegistryKey)
	cfg.CAFile = strings.TrimSpace(cfg.CAFile)
	cfg.ListenAddr = strings.TrimSpace(cfg.ListenAddr)
	cfg.DNSServers = cleanList(cfg.DNSServers)
	return cfg, nil
}

func (c ClientConfig) Validate() error {
	if c.RegistryPath == "" {
		return errors.New("registry_path is required")
	}
	if c.RetryDelay.Duration <= 0 {
		return fmt.Errorf("retry_delay must be positive, got %s", c.RetryDelay)
	}
	if c.DialTimeout.Duration <= 0 {
		return fmt.Errorf("dial_timeout must be positive, got %s", c.DialTimeout)
	}
	if c.ReconnectInterval.Duration < 0 {
		return fmt.Errorf("reconnect_interval must not be negative, got %s", c.ReconnectInterval)
	}
	return nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func cleanList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}
