package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata" // containers often ship without zoneinfo

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// NOTE: Load creates a default config on first run and Save writes
// atomically with 0600 permissions.

// DatasetConfig describes one schedule track backed by a CSV file.
type DatasetConfig struct {
	// ID is used in URLs, staging file names and calendar UIDs.
	ID string `yaml:"id" json:"id" validate:"required,slug"`
	// Name is shown in the UI and used for download file names.
	Name string `yaml:"name" json:"name" validate:"required"`
	// Path is the canonical CSV file.
	Path string `yaml:"path" json:"path" validate:"required"`
}

// ColumnsConfig names the fixed metadata columns of the CSV header. Every
// other column is a person.
type ColumnsConfig struct {
	Date string `yaml:"date" json:"date" validate:"required"`
	Day  string `yaml:"day" json:"day" validate:"required"`
	Week string `yaml:"week" json:"week" validate:"required"`
	Year string `yaml:"year" json:"year" validate:"required"`
}

// StagingConfig enables deferred writes: edits go to one file per week under
// Dir and are folded into the canonical file by a reconcile pass.
type StagingConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Dir     string `yaml:"dir" json:"dir" validate:"required_if=Enabled true"`
}

// SyncConfig configures the git remote that durable writes are pushed to.
//
// Token is never read from YAML; cmd/weekplan resolves it from the
// environment variable named by TokenEnv and passes it in explicitly.
type SyncConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	RepoPath    string `yaml:"repo_path" json:"repo_path" validate:"required_if=Enabled true"`
	Remote      string `yaml:"remote" json:"remote"`
	Branch      string `yaml:"branch" json:"branch"`
	AuthorName  string `yaml:"author_name" json:"author_name"`
	AuthorEmail string `yaml:"author_email" json:"author_email" validate:"omitempty,email"`
	Username    string `yaml:"username" json:"username"`
	TokenEnv    string `yaml:"token_env" json:"token_env"`
	Token       string `yaml:"-" json:"-"`

	// PushDelay, if non-zero, defers the push after a save so that several
	// quick edits end up in one commit. Go duration syntax ("30s").
	PushDelay string `yaml:"push_delay" json:"push_delay"`

	// Cron, if set, runs a sync of every dataset on this schedule.
	Cron string `yaml:"cron" json:"cron"`
}

// HighlightRule styles cells in the read-only view. Cells containing Keyword
// (case-insensitive) get Class unless they also contain Exclude.
type HighlightRule struct {
	Keyword string `yaml:"keyword" json:"keyword" validate:"required"`
	Class   string `yaml:"class" json:"class" validate:"required"`
	Exclude string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
	// Count includes this keyword in the per-day occurrence summary.
	Count bool `yaml:"count,omitempty" json:"count,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the Web UI/API.
// PasswordHash (bcrypt) takes precedence over Password.
type BasicAuthConfig struct {
	Username     string `yaml:"username" json:"username"`
	Password     string `yaml:"password,omitempty" json:"password,omitempty"`
	PasswordHash string `yaml:"password_hash,omitempty" json:"password_hash,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the Web UI and API.
	Listen string `yaml:"listen" json:"listen" validate:"required,hostname_port"`

	// Timezone is the IANA timezone used to decide "today" and to anchor
	// stored dates.
	Timezone string `yaml:"timezone" json:"timezone"`

	LogLevel string `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// DateFormat is the layout of the date column in storage. It is required
	// and never guessed: deployments differ ("2006-01-02" vs "02-01-2006").
	// Both Go layouts and YYYY/MM/DD token forms are accepted.
	DateFormat string `yaml:"date_format" json:"date_format" validate:"required"`

	// DisplayDateFormat formats dates in the read-only view.
	DisplayDateFormat string `yaml:"display_date_format" json:"display_date_format"`

	Columns ColumnsConfig `yaml:"columns" json:"columns"`

	// DayNames are the localized names Monday..Sunday written to the day
	// column.
	DayNames []string `yaml:"day_names" json:"day_names" validate:"len=7,dive,required"`

	// Sentinel is the "no assignment" label.
	Sentinel string `yaml:"sentinel" json:"sentinel" validate:"required"`

	Datasets []DatasetConfig `yaml:"datasets" json:"datasets" validate:"dive"`

	Staging StagingConfig `yaml:"staging" json:"staging"`

	// HorizonWeeks is how many weeks ahead the extender scaffolds rows for.
	HorizonWeeks int `yaml:"horizon_weeks" json:"horizon_weeks" validate:"gte=0,lte=104"`

	// Workdays lists the weekdays that get rows ("monday".."sunday").
	Workdays []string `yaml:"workdays" json:"workdays" validate:"dive,oneof=monday tuesday wednesday thursday friday saturday sunday"`

	// CompactCron is the schedule for pruning past weeks from every dataset.
	// Empty disables the background job; pruning still happens on load.
	CompactCron string `yaml:"compact_cron" json:"compact_cron"`

	Highlights []HighlightRule `yaml:"highlights" json:"highlights" validate:"dive"`

	Sync SyncConfig `yaml:"sync" json:"sync"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

var defaultDayNames = []string{"Maandag", "Dinsdag", "Woensdag", "Donderdag", "Vrijdag", "Zaterdag", "Zondag"}

var defaultWorkdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday"}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:            "127.0.0.1:8080",
		Timezone:          "Europe/Amsterdam",
		LogLevel:          "info",
		DateFormat:        "2006-01-02",
		DisplayDateFormat: "02-01-2006",
		Columns: ColumnsConfig{
			Date: "Datum",
			Day:  "Dag",
			Week: "Week",
			Year: "Jaar",
		},
		DayNames: append([]string(nil), defaultDayNames...),
		Sentinel: "-",
		Datasets: []DatasetConfig{
			{ID: "dev", Name: "Dev", Path: "data/data_planning_dev.csv"},
			{ID: "support", Name: "Support - Exposure", Path: "data/data_planning_support.csv"},
		},
		Staging:      StagingConfig{Enabled: false, Dir: "data/staging"},
		HorizonWeeks: 4,
		Workdays:     append([]string(nil), defaultWorkdays...),
		CompactCron:  "5 0 * * 1",
		Highlights: []HighlightRule{
			{Keyword: "Apeldoorn", Class: "office", Count: true},
			{Keyword: "Thuis", Class: "home"},
			{Keyword: "Vrij", Class: "off", Exclude: "Vrijdag"},
		},
		Sync: SyncConfig{
			Enabled:    false,
			Remote:     "origin",
			Branch:     "main",
			AuthorName: "weekplan",
			TokenEnv:   "WEEKPLAN_GIT_TOKEN",
		},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly. DateFormat is left alone
// on purpose: an empty value fails validation.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	if c.DisplayDateFormat == "" {
		c.DisplayDateFormat = c.DateFormat
	}
	if c.Columns.Date == "" {
		c.Columns.Date = "Datum"
	}
	if c.Columns.Day == "" {
		c.Columns.Day = "Dag"
	}
	if c.Columns.Week == "" {
		c.Columns.Week = "Week"
	}
	if c.Columns.Year == "" {
		c.Columns.Year = "Jaar"
	}
	if len(c.DayNames) == 0 {
		c.DayNames = append([]string(nil), defaultDayNames...)
	}
	if c.Sentinel == "" {
		c.Sentinel = "-"
	}
	if c.Datasets == nil {
		c.Datasets = []DatasetConfig{}
	}
	if c.Workdays == nil {
		c.Workdays = append([]string(nil), defaultWorkdays...)
	}
	for i := range c.Workdays {
		c.Workdays[i] = strings.ToLower(strings.TrimSpace(c.Workdays[i]))
	}
	if c.Staging.Dir == "" {
		c.Staging.Dir = "data/staging"
	}
	if c.Sync.Remote == "" {
		c.Sync.Remote = "origin"
	}
	if c.Sync.Branch == "" {
		c.Sync.Branch = "main"
	}
	if c.Sync.AuthorName == "" {
		c.Sync.AuthorName = "weekplan"
	}
}

// slugPattern keeps dataset ids safe in URLs and file names.
var slugPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks struct tags plus the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	seen := make(map[string]bool, len(c.Datasets))
	for _, ds := range c.Datasets {
		if seen[ds.ID] {
			return fmt.Errorf("config: duplicate dataset id %q", ds.ID)
		}
		seen[ds.ID] = true
	}

	if _, err := ParseDateLayout(c.DateFormat); err != nil {
		return fmt.Errorf("config: date_format: %w", err)
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("config: timezone: %w", err)
		}
	}
	for name, spec := range map[string]string{"compact_cron": c.CompactCron, "sync.cron": c.Sync.Cron} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	if c.Sync.PushDelay != "" {
		if _, err := time.ParseDuration(c.Sync.PushDelay); err != nil {
			return fmt.Errorf("config: sync.push_delay: %w", err)
		}
	}
	return nil
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// PushDelayDuration returns the parsed push delay, zero if unset or invalid.
func (c *Config) PushDelayDuration() time.Duration {
	if c.Sync.PushDelay == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Sync.PushDelay)
	if err != nil || d < 0 {
		return 0
	}
	return d
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
//   - normalize defaults and validate
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
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

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

	tmp, err := os.CreateTemp(dir, ".weekplan-config-*.tmp")
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
