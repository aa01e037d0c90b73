// Package config loads the three JSON configuration files a site reads at
// startup: manager.json for this process's own listening port, failure
// timeout, and log path; postgres.json for the resource manager's
// connection credentials; and site.json for the ordered site directory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/txcoord/txmanager/pkg/sitedir"
)

// Manager holds the per-process settings read from manager.json.
type Manager struct {
	Port             int    `json:"port"`
	FailureTimeoutMS int    `json:"failure_timeout_ms"`
	LogPath          string `json:"log_path"`
}

// FailureTimeout returns the configured blocking-read timeout, falling
// back to a sensible default when the config file omits it.
func (m Manager) FailureTimeout() time.Duration {
	if m.FailureTimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(m.FailureTimeoutMS) * time.Millisecond
}

// Postgres holds the resource manager connection credentials read from
// postgres.json.
type Postgres struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"sslmode"`
}

// DSN builds a libpq-style connection string from the credentials.
func (p Postgres) DSN() string {
	sslmode := p.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		p.Host, p.Port, p.Database, p.User, p.Password, sslmode,
	)
}

// Config is the fully loaded configuration for one site.
type Config struct {
	Manager  Manager
	Postgres Postgres
	Sites    []sitedir.Site
}

// Load reads manager.json, postgres.json, and site.json from dir.
func Load(dir string) (*Config, error) {
	var cfg Config

	if err := readJSON(filepath.Join(dir, "manager.json"), &cfg.Manager); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, "postgres.json"), &cfg.Postgres); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, "site.json"), &cfg.Sites); err != nil {
		return nil, err
	}

	if cfg.Manager.Port <= 0 {
		return nil, fmt.Errorf("config: manager.json: port must be positive")
	}
	if len(cfg.Sites) == 0 {
		return nil, fmt.Errorf("config: site.json: site list must not be empty")
	}

	return &cfg, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}
