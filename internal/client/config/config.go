package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds runtime settings for blobctl's API client.
//
// Fields:
//   - ServerURL: base URL of the blob store HTTP API.
//   - Concurrency: number of parts uploaded at the same time.
//   - RequestTimeout: deadline of each API call; part transfers are not bound by it.
type Config struct {
	ServerURL      string
	Concurrency    int
	RequestTimeout time.Duration
	LogLevel       string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerURL = "http://127.0.0.1:8080"
	c.Concurrency = 8
	c.RequestTimeout = 30 * time.Second
	c.LogLevel = "info"
}

// Validate reports settings the client cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid server url %q: scheme must be http or https", c.ServerURL)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	return nil
}

// Load applies defaults, then the JSON file at path when path is not empty.
// Command-line flags are applied by the caller on top of the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if path == "" {
		return cfg, nil
	}
	if err := loadJSONFile(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}
