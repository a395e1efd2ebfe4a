package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"clinicboard/internal/model"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

const (
	DefaultListen       = "127.0.0.1:8080"
	DefaultTimezone     = "America/Bogota"
	DefaultRefresh      = "@every 60s"
	DefaultTick         = time.Second
	DefaultFetchTimeout = 15 * time.Second
	DefaultCacheDir     = "./var/ics-cache"
	DefaultPreviewPath  = "./var/preview.png"
)

// GoogleConfig holds service-account credentials for the Google Calendar
// provider. Environment variables override these values.
type GoogleConfig struct {
	ServiceAccountEmail string `yaml:"service_account_email,omitempty" json:"service_account_email,omitempty"`
	PrivateKey          string `yaml:"private_key,omitempty" json:"-"`
	// CredentialsFile is a service-account JSON key, used when email/key are empty.
	CredentialsFile string `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty"`
}

// Enabled reports whether any credentials are configured.
func (g GoogleConfig) Enabled() bool {
	return (g.ServiceAccountEmail != "" && g.PrivateKey != "") || g.CredentialsFile != ""
}

// CalDAVConfig describes the CalDAV server used by "caldav" calendars.
type CalDAVConfig struct {
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"-"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the Web UI/API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// CaptureConfig controls the periodic kiosk screenshot.
type CaptureConfig struct {
	// Refresh is a cron spec; empty disables periodic capture.
	Refresh string `yaml:"refresh,omitempty" json:"refresh,omitempty"`
	// URL defaults to the TV page of this server.
	URL    string `yaml:"url,omitempty" json:"url,omitempty"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
	Width  int    `yaml:"width,omitempty" json:"width,omitempty"`
	Height int    `yaml:"height,omitempty" json:"height,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the Web UI and API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for calendars without their own.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Refresh is a cron spec ("@every 60s", "*/5 * * * *") driving
	// periodic re-aggregation.
	Refresh string `yaml:"refresh" json:"refresh"`

	// Tick is how often the live classification is re-evaluated.
	Tick time.Duration `yaml:"tick" json:"tick"`

	// FetchTimeout bounds each per-calendar fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`

	// CacheDir stores ICS HTTP cache entries.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	LogLevel string `yaml:"log_level,omitempty" json:"log_level,omitempty"`

	Calendars []model.CalendarConfig `yaml:"calendars" json:"calendars"`

	Google  GoogleConfig  `yaml:"google,omitempty" json:"google"`
	CalDAV  CalDAVConfig  `yaml:"caldav,omitempty" json:"caldav"`
	Capture CaptureConfig `yaml:"capture,omitempty" json:"capture"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultCalendars is the calendar set written on first run.
func DefaultCalendars() []model.CalendarConfig {
	mk := func(id, label string, sort int) model.CalendarConfig {
		return model.CalendarConfig{
			ID:                 id,
			Label:              label,
			Type:               model.TypeResource,
			Provider:           model.ProviderGoogle,
			ProviderCalendarID: "primary",
			Timezone:           DefaultTimezone,
			Active:             true,
			ShowDetails:        true,
			SortOrder:          sort,
		}
	}
	return []model.CalendarConfig{
		mk("consultorio", "Consultorio", 1),
		mk("procedimientos", "Sala de Procedimientos", 2),
		mk("hiperbarica", "Cámara Hiperbárica", 3),
		mk("postoperatorio", "Postoperatorio", 4),
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       DefaultListen,
		Timezone:     DefaultTimezone,
		Refresh:      DefaultRefresh,
		Tick:         DefaultTick,
		FetchTimeout: DefaultFetchTimeout,
		CacheDir:     DefaultCacheDir,
		Calendars:    DefaultCalendars(),
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.Refresh == "" {
		c.Refresh = DefaultRefresh
	}
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.CacheDir == "" {
		c.CacheDir = DefaultCacheDir
	}
	if c.Capture.Output == "" {
		c.Capture.Output = DefaultPreviewPath
	}
	if c.Calendars == nil {
		c.Calendars = []model.CalendarConfig{}
	}
}

// ApplyEnv overrides secrets from the environment (typically loaded from
// .env). Empty variables leave the file values alone.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Google.ServiceAccountEmail, "GOOGLE_SERVICE_ACCOUNT_EMAIL")
	set(&c.Google.PrivateKey, "GOOGLE_PRIVATE_KEY")
	set(&c.Google.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
	set(&c.CalDAV.Endpoint, "CALDAV_ENDPOINT")
	set(&c.CalDAV.Username, "CALDAV_USERNAME")
	set(&c.CalDAV.Password, "CALDAV_PASSWORD")
	set(&c.LogLevel, "LOG_LEVEL")
}

// Location resolves the default timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks the settings the scheduler depends on plus every calendar.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.Refresh); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", c.Refresh, err)
	}
	if c.Capture.Refresh != "" {
		if _, err := cron.ParseStandard(c.Capture.Refresh); err != nil {
			return fmt.Errorf("invalid capture schedule %q: %w", c.Capture.Refresh, err)
		}
	}
	return ValidateCalendars(c.Calendars)
}

// ErrInvalidCalendars wraps every calendar validation failure.
var ErrInvalidCalendars = errors.New("invalid calendar configuration")

// ValidateCalendars checks ids are present and unique, and that type,
// provider and timezone are known.
func ValidateCalendars(cals []model.CalendarConfig) error {
	seen := make(map[string]struct{}, len(cals))
	var errs []error
	for i, cal := range cals {
		id := strings.TrimSpace(cal.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("calendar #%d: id is empty", i))
			continue
		}
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("calendar %s: duplicate id", id))
		}
		seen[id] = struct{}{}
		if !cal.Type.Valid() {
			errs = append(errs, fmt.Errorf("calendar %s: unknown type %q", id, cal.Type))
		}
		switch cal.ProviderName() {
		case model.ProviderGoogle, model.ProviderICS, model.ProviderCalDAV:
		default:
			errs = append(errs, fmt.Errorf("calendar %s: unknown provider %q", id, cal.Provider))
		}
		if cal.Timezone != "" {
			if _, err := time.LoadLocation(cal.Timezone); err != nil {
				errs = append(errs, fmt.Errorf("calendar %s: invalid timezone %q", id, cal.Timezone))
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidCalendars, errors.Join(errs...))
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
	tmp, err := os.CreateTemp(dir, ".clinicboard-config-*.tmp")
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
