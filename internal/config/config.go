package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/contactpulse/contactpulse/internal/metrics"
)

const (
	configFileName = "config.json"
	usersFileName  = "users.json"
	dbFileName     = "snapshots.db"
	envPrefix      = "CONTACTPULSE_"
)

// Config holds all application configuration.
type Config struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	DataDir   string `json:"data_dir"`
	DBPath    string `json:"-"`
	UsersFile string `json:"users_file"`

	// Exactly one payload source is used. SourceURL wins when
	// both are set.
	SourceURL  string `json:"source_url"`
	PayloadDir string `json:"payload_dir"`

	Teams           []string      `json:"teams,omitempty"`
	Timezone        string        `json:"timezone"`
	TiePolicy       string        `json:"tie_policy"`
	TopN            int           `json:"top_n"`
	DetailLimit     int           `json:"detail_limit"`
	LowDayThreshold int           `json:"low_day_threshold"`
	KeepSnapshots   int           `json:"keep_snapshots"`
	FetchTimeout    time.Duration `json:"-"`
	RefreshInterval time.Duration `json:"-"`
	WriteTimeout    time.Duration `json:"-"`
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf(
			"determining home directory: %w", err,
		)
	}
	dataDir := filepath.Join(home, ".contactpulse")
	return Config{
		Host:            "127.0.0.1",
		Port:            8090,
		DataDir:         dataDir,
		DBPath:          filepath.Join(dataDir, dbFileName),
		Timezone:        "Local",
		TiePolicy:       string(metrics.TieShared),
		TopN:            metrics.DefaultTopN,
		DetailLimit:     metrics.DefaultDetailLimit,
		LowDayThreshold: metrics.DefaultLowDayThreshold,
		KeepSnapshots:   50,
		FetchTimeout:    30 * time.Second,
		RefreshInterval: 5 * time.Minute,
		WriteTimeout:    30 * time.Second,
	}, nil
}

// Load builds a Config by layering:
// defaults < config file < .env < env < flags.
// The provided FlagSet must already be parsed by the caller.
// Only flags that were explicitly set override the lower layers.
func Load(fs *flag.FlagSet) (Config, error) {
	cfg, err := LoadMinimal()
	if err != nil {
		return cfg, err
	}
	if err := applyFlags(&cfg, fs); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadMinimal builds a Config from defaults, the config file,
// .env files and the environment, without parsing CLI flags.
func LoadMinimal() (Config, error) {
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}
	// .env never overrides variables already in the
	// environment.
	if err := loadDotEnv(".env"); err != nil {
		return cfg, err
	}
	if v := os.Getenv(envPrefix + "DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if err := loadDotEnv(filepath.Join(cfg.DataDir, ".env")); err != nil {
		return cfg, err
	}

	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	if err := cfg.loadEnv(); err != nil {
		return cfg, err
	}
	cfg.DBPath = filepath.Join(cfg.DataDir, dbFileName)
	if cfg.UsersFile == "" {
		cfg.UsersFile = filepath.Join(cfg.DataDir, usersFileName)
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func (c *Config) configPath() string {
	return filepath.Join(c.DataDir, configFileName)
}

func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.configPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	// Pointer fields distinguish "absent" from zero values.
	var file struct {
		Host            *string  `json:"host"`
		Port            *int     `json:"port"`
		UsersFile       *string  `json:"users_file"`
		SourceURL       *string  `json:"source_url"`
		PayloadDir      *string  `json:"payload_dir"`
		Teams           []string `json:"teams"`
		Timezone        *string  `json:"timezone"`
		TiePolicy       *string  `json:"tie_policy"`
		TopN            *int     `json:"top_n"`
		DetailLimit     *int     `json:"detail_limit"`
		LowDayThreshold *int     `json:"low_day_threshold"`
		KeepSnapshots   *int     `json:"keep_snapshots"`
		FetchTimeout    *string  `json:"fetch_timeout"`
		RefreshInterval *string  `json:"refresh_interval"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	setString(&c.Host, file.Host)
	setString(&c.UsersFile, file.UsersFile)
	setString(&c.SourceURL, file.SourceURL)
	setString(&c.PayloadDir, file.PayloadDir)
	setString(&c.Timezone, file.Timezone)
	setString(&c.TiePolicy, file.TiePolicy)
	setInt(&c.Port, file.Port)
	setInt(&c.TopN, file.TopN)
	setInt(&c.DetailLimit, file.DetailLimit)
	setInt(&c.LowDayThreshold, file.LowDayThreshold)
	setInt(&c.KeepSnapshots, file.KeepSnapshots)
	if len(file.Teams) > 0 {
		c.Teams = file.Teams
	}
	if err := setDuration(&c.FetchTimeout, file.FetchTimeout); err != nil {
		return fmt.Errorf("fetch_timeout: %w", err)
	}
	if err := setDuration(&c.RefreshInterval, file.RefreshInterval); err != nil {
		return fmt.Errorf("refresh_interval: %w", err)
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func (c *Config) loadEnv() error {
	strs := map[string]*string{
		"HOST":        &c.Host,
		"USERS_FILE":  &c.UsersFile,
		"SOURCE_URL":  &c.SourceURL,
		"PAYLOAD_DIR": &c.PayloadDir,
		"TIMEZONE":    &c.Timezone,
		"TIE_POLICY":  &c.TiePolicy,
	}
	for name, dst := range strs {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PORT":              &c.Port,
		"TOP_N":             &c.TopN,
		"DETAIL_LIMIT":      &c.DetailLimit,
		"LOW_DAY_THRESHOLD": &c.LowDayThreshold,
		"KEEP_SNAPSHOTS":    &c.KeepSnapshots,
	}
	for name, dst := range ints {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = n
	}

	durs := map[string]*time.Duration{
		"FETCH_TIMEOUT":    &c.FetchTimeout,
		"REFRESH_INTERVAL": &c.RefreshInterval,
	}
	for name, dst := range durs {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			continue
		}
		if err := setDuration(dst, &v); err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
	}

	if v := os.Getenv(envPrefix + "TEAMS"); v != "" {
		c.Teams = splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// RegisterSourceFlags registers the flags shared by every command
// that fetches and computes payloads.
func RegisterSourceFlags(fs *flag.FlagSet) {
	fs.String("source-url", "", "Upstream analytics endpoint")
	fs.String("payload-dir", "", "Directory of <team>.json payload files")
	fs.String("tz", "Local", "IANA time zone used for hour and date buckets")
	fs.String("tie-policy", "shared", "Rank ties: shared, dense, or ordinal")
}

// RegisterServeFlags registers serve-command flags on fs.
// The caller must call fs.Parse before passing fs to Load.
func RegisterServeFlags(fs *flag.FlagSet) {
	RegisterSourceFlags(fs)
	fs.String("host", "127.0.0.1", "Host to bind to")
	fs.Int("port", 8090, "Port to listen on")
	fs.String("users-file", "", "JSON file of API users")
	fs.String("teams", "", "Comma-separated teams to refresh on a schedule")
	fs.Duration("refresh-interval", 5*time.Minute, "Refresh period, 0 disables")
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *flag.FlagSet) error {
	if fs == nil {
		return nil
	}
	var err error
	fs.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		switch f.Name {
		case "host":
			cfg.Host = v
		case "port":
			// flag already validated the int; ignore parse error
			cfg.Port, _ = strconv.Atoi(v)
		case "source-url":
			cfg.SourceURL = v
		case "payload-dir":
			cfg.PayloadDir = v
		case "tz":
			cfg.Timezone = v
		case "tie-policy":
			cfg.TiePolicy = v
		case "users-file":
			cfg.UsersFile = v
		case "teams":
			cfg.Teams = splitList(v)
		case "refresh-interval":
			cfg.RefreshInterval, err = time.ParseDuration(v)
		}
	})
	return err
}

// Validate checks values that would otherwise fail later.
func (c *Config) Validate() error {
	if _, err := metrics.ParseTiePolicy(c.TiePolicy); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.KeepSnapshots < 1 {
		return fmt.Errorf("keep_snapshots must be at least 1, got %d", c.KeepSnapshots)
	}
	return nil
}

// HasSource reports whether a payload source is configured.
func (c *Config) HasSource() bool {
	return c.SourceURL != "" || c.PayloadDir != ""
}

// Location resolves Timezone. "" and "Local" mean the host zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading time zone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// MetricsOptions converts the engine settings.
func (c *Config) MetricsOptions() (metrics.Options, error) {
	policy, err := metrics.ParseTiePolicy(c.TiePolicy)
	if err != nil {
		return metrics.Options{}, err
	}
	loc, err := c.Location()
	if err != nil {
		return metrics.Options{}, err
	}
	return metrics.Options{
		TiePolicy:       policy,
		TopN:            c.TopN,
		DetailLimit:     c.DetailLimit,
		LowDayThreshold: c.LowDayThreshold,
		Location:        loc,
	}, nil
}

// ResolveDataDir returns the effective data directory by applying
// defaults and environment overrides, without reading any files.
func ResolveDataDir() (string, error) {
	cfg, err := Default()
	if err != nil {
		return "", err
	}
	if v := os.Getenv(envPrefix + "DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	return cfg.DataDir, nil
}
