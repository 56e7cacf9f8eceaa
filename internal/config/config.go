package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"icssync/internal/temporal"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// Target backends.
const (
	BackendGoogle = "google"
	BackendCalDAV = "caldav"
)

// FeedConfig describes the ICS subscription being mirrored.
type FeedConfig struct {
	// URL is the ICS subscription endpoint. It usually embeds a secret.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used in logs and the run ledger.
	ID string `yaml:"id" json:"id"`
	// UserAgent overrides the browser-like default some hosts require.
	UserAgent string `yaml:"user_agent,omitempty" json:"user_agent,omitempty"`
}

// ExcludeConfig drops feed events before planning.
type ExcludeConfig struct {
	Prefixes []string `yaml:"prefixes" json:"prefixes"`
	Titles   []string `yaml:"titles" json:"titles"`
}

// GoogleConfig configures the Google Calendar backend.
type GoogleConfig struct {
	CalendarID      string `yaml:"calendar_id" json:"calendar_id"`
	CredentialsFile string `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty"`
	TokenFile       string `yaml:"token_file,omitempty" json:"token_file,omitempty"`
}

// CalDAVConfig configures the CalDAV backend.
type CalDAVConfig struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// Calendar is a collection path ("/dav/calendars/me/work/") or a
	// calendar display name.
	Calendar string `yaml:"calendar" json:"calendar"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	// Auth is "basic" (default) or "digest".
	Auth string `yaml:"auth,omitempty" json:"auth,omitempty"`
}

// TargetConfig selects and configures the store being written.
type TargetConfig struct {
	Backend string       `yaml:"backend" json:"backend"`
	Google  GoogleConfig `yaml:"google" json:"google"`
	CalDAV  CalDAVConfig `yaml:"caldav" json:"caldav"`
}

// SyncConfig tunes reconciliation and dispatch.
type SyncConfig struct {
	// DescriptionLimit is the store's description truncation length in
	// characters.
	DescriptionLimit int `yaml:"description_limit" json:"description_limit"`
	// StrictCollisions fails a run when two feed events share a match key.
	StrictCollisions bool `yaml:"strict_collisions" json:"strict_collisions"`
	// Workers bounds concurrent store requests.
	Workers int `yaml:"workers" json:"workers"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // console or json
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the status API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone applied to floating feed times when the
	// feed carries no X-WR-TIMEZONE.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// used by "serve" for periodic runs.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	Feed    FeedConfig    `yaml:"feed" json:"feed"`
	Exclude ExcludeConfig `yaml:"exclude" json:"exclude"`
	Target  TargetConfig  `yaml:"target" json:"target"`
	Sync    SyncConfig    `yaml:"sync" json:"sync"`
	Log     LogConfig     `yaml:"log" json:"log"`

	// CacheDir holds the feed's ETag cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
	// HistoryPath is the SQLite run ledger. Empty disables it.
	HistoryPath string `yaml:"history_path" json:"history_path"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		Timezone:    "UTC",
		RefreshCron: "*/15 * * * *",
		Feed:        FeedConfig{ID: "feed"},
		Exclude: ExcludeConfig{
			Prefixes: []string{"Declined:"},
			Titles:   []string{},
		},
		Target: TargetConfig{
			Backend: BackendGoogle,
			Google:  GoogleConfig{CalendarID: "primary"},
		},
		Sync: SyncConfig{
			DescriptionLimit: 8000,
			Workers:          4,
		},
		Log:         LogConfig{Level: "info", Format: "console"},
		CacheDir:    "./var/ics-cache",
		HistoryPath: "./var/history.db",
		BasicAuth:   nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.Feed.ID == "" {
		c.Feed.ID = def.Feed.ID
	}
	// A nil prefix list means "not configured"; an explicit [] disables it.
	if c.Exclude.Prefixes == nil {
		c.Exclude.Prefixes = def.Exclude.Prefixes
	}
	if c.Exclude.Titles == nil {
		c.Exclude.Titles = []string{}
	}
	c.Target.Backend = strings.ToLower(strings.TrimSpace(c.Target.Backend))
	if c.Target.Backend == "" {
		c.Target.Backend = def.Target.Backend
	}
	if c.Target.Backend == BackendGoogle && c.Target.Google.CalendarID == "" {
		c.Target.Google.CalendarID = def.Target.Google.CalendarID
	}
	if c.Sync.DescriptionLimit <= 0 {
		c.Sync.DescriptionLimit = def.Sync.DescriptionLimit
	}
	if c.Sync.Workers <= 0 {
		c.Sync.Workers = def.Sync.Workers
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}
}

// Validate reports every problem that would prevent a sync from running.
func (c *Config) Validate() error {
	var errs []error
	if c.Feed.URL == "" {
		errs = append(errs, errors.New("feed.url is required"))
	}
	if _, _, err := temporal.LoadZone(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errs = append(errs, fmt.Errorf("refresh: %w", err))
	}
	switch c.Target.Backend {
	case BackendGoogle:
		if c.Target.Google.CalendarID == "" {
			errs = append(errs, errors.New("target.google.calendar_id is required"))
		}
	case BackendCalDAV:
		if c.Target.CalDAV.Endpoint == "" {
			errs = append(errs, errors.New("target.caldav.endpoint is required"))
		}
		if c.Target.CalDAV.Calendar == "" {
			errs = append(errs, errors.New("target.caldav.calendar is required"))
		}
		switch strings.ToLower(c.Target.CalDAV.Auth) {
		case "", "basic", "digest":
		default:
			errs = append(errs, fmt.Errorf("target.caldav.auth: unknown mode %q", c.Target.CalDAV.Auth))
		}
	default:
		errs = append(errs, fmt.Errorf("target.backend: unknown backend %q", c.Target.Backend))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		errs = append(errs, errors.New("basic_auth requires username and password"))
	}
	return errors.Join(errs...)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".icssync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
