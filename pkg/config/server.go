package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"sst/telemetry/pkg/proto"
)

type TLSConfig struct {
	CertFile string `json:"cert_file" envconfig:"CERT_FILE"`
	KeyFile  string `json:"key_file" envconfig:"KEY_FILE"`
}

// ServerConfig configures the telemetry emitter.
type ServerConfig struct {
	Addr     string    `json:"addr" envconfig:"ADDR"`
	TLS      TLSConfig `json:"tls" envconfig:"TLS"`
	Secret   string    `json:"secret" envconfig:"SECRET"`
	ClientID uint16    `json:"client_id" envconfig:"EMITTER_ID"`
	Interval Duration  `json:"interval" envconfig:"INTERVAL"`
	Mounts   []string  `json:"mounts" envconfig:"MOUNTS"`
	LogConfig
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:     ":9443",
		Interval: Duration{time.Second},
	}
}

// LoadServerConfig reads JSON from path (default config/server.json) and applies env overrides.
func LoadServerConfig(path string) (ServerConfig, error) {
	if path == "" {
		path = filepath.Join("config", "server.json")
	}
	cfg := defaultServerConfig()
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".json" {
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err := readJSON(path, &cfg); err != nil {
		return cfg, err
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("env overrides: %w", err)
	}
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	cfg.Secret = strings.TrimSpace(cfg.Secret)
	cfg.TLS.CertFile = strings.TrimSpace(cfg.TLS.CertFile)
	cfg.TLS.KeyFile = strings.TrimSpace(cfg.TLS.KeyFile)
	cfg.Mounts = cleanList(cfg.Mounts)
	return cfg, nil
}

func (c ServerConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if _, err := proto.ParseSecret(c.Secret); err != nil {
		return fmt.Errorf("secret: %w", err)
	}
	if c.Interval.Duration <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file must be set together")
	}
	return nil
}
