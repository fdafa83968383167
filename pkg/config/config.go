package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon configuration. All values are read once at
// startup and passed down; the engines never reload it.
type Config struct {
	// ServerName is the advertised host name used when building
	// printer and job URIs.
	ServerName string `yaml:"server_name"`

	// ListenAddr is the address the IPP channel front binds to.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the Prometheus/health endpoint address. Empty
	// disables the metrics listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// DefaultPolicy names the policy applied where no destination
	// scope exists.
	DefaultPolicy string `yaml:"default_policy"`

	// RemoteRoot replaces "root" in requests arriving over remote
	// connections. Empty disables the rewrite.
	RemoteRoot string `yaml:"remote_root"`

	// StrictConformance fails requests with malformed attributes
	// instead of repairing them.
	StrictConformance bool `yaml:"strict_conformance"`

	DefaultLanguage string `yaml:"default_language"`
	DefaultCharset  string `yaml:"default_charset"`

	// Job limits. Zero disables the corresponding cap.
	MaxJobs           int `yaml:"max_jobs"`
	MaxJobsPerPrinter int `yaml:"max_jobs_per_printer"`
	MaxJobsPerUser    int `yaml:"max_jobs_per_user"`
	MaxCopies         int `yaml:"max_copies"`

	// JobRetention keeps terminal jobs (and their history) for this
	// long; zero purges them immediately.
	JobRetention time.Duration `yaml:"job_retention"`

	// MultipleOperationTimeout force-closes multi-file intake idle
	// longer than this.
	MultipleOperationTimeout time.Duration `yaml:"multiple_operation_timeout"`

	// Subscription limits.
	MaxSubscriptions     int           `yaml:"max_subscriptions"`
	MaxLeaseDuration     time.Duration `yaml:"max_lease_duration"`
	DefaultLeaseDuration time.Duration `yaml:"default_lease_duration"`
	MaxEventsPerSub      int           `yaml:"max_events_per_subscription"`

	// TempPrinterTTL expires idle temporary printers.
	TempPrinterTTL time.Duration `yaml:"temp_printer_ttl"`

	// FileDevice permits file:// device URIs.
	FileDevice bool `yaml:"file_device"`

	// BackendDir holds the device backend executables, one per device
	// URI scheme. Empty accepts the well-known schemes unprobed.
	BackendDir string `yaml:"backend_dir"`

	// Directories. SpoolDir holds job data and control state; StateDir
	// holds the persistent database; CacheDir holds derived data.
	SpoolDir string `yaml:"spool_dir"`
	StateDir string `yaml:"state_dir"`
	CacheDir string `yaml:"cache_dir"`

	// Notifiers maps recipient URI schemes to notifier binaries.
	Notifiers map[string]string `yaml:"notifiers"`

	// DeviceCommand and DriverCommand are the helper binaries polled
	// for available devices and driver files. Empty disables the
	// corresponding enumeration.
	DeviceCommand string `yaml:"device_command"`
	DriverCommand string `yaml:"driver_command"`

	// ProbeCommand verifies a temporary printer's device and emits its
	// description file. Empty skips probing.
	ProbeCommand  string        `yaml:"probe_command"`
	HelperTimeout time.Duration `yaml:"helper_timeout"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerName:               "localhost",
		ListenAddr:               ":631",
		DefaultPolicy:            "default",
		RemoteRoot:               "remroot",
		DefaultLanguage:          "en-us",
		DefaultCharset:           "utf-8",
		MaxJobs:                  500,
		MaxJobsPerPrinter:        0,
		MaxJobsPerUser:           0,
		MaxCopies:                9999,
		JobRetention:             24 * time.Hour,
		MultipleOperationTimeout: 5 * time.Minute,
		MaxSubscriptions:         100,
		MaxLeaseDuration:         0,
		DefaultLeaseDuration:     24 * time.Hour,
		MaxEventsPerSub:          100,
		TempPrinterTTL:           time.Minute,
		HelperTimeout:            30 * time.Second,
		BackendDir:               "/usr/lib/printd/backend",
		SpoolDir:                 "/var/spool/printd",
		StateDir:                 "/var/lib/printd",
		CacheDir:                 "/var/cache/printd",
		Notifiers:                map[string]string{},
		LogLevel:                 "info",
	}
}

// Load reads a YAML configuration file over the defaults. A missing
// file yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks invariants the engines rely on.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return fmt.Errorf("server_name must not be empty")
	}
	if c.MaxCopies < 1 {
		return fmt.Errorf("max_copies must be at least 1")
	}
	if c.MaxEventsPerSub < 1 {
		return fmt.Errorf("max_events_per_subscription must be at least 1")
	}
	if c.DefaultCharset != "utf-8" && c.DefaultCharset != "us-ascii" {
		return fmt.Errorf("default_charset must be utf-8 or us-ascii")
	}
	return nil
}

// RequestRoot returns the directory holding spooled job files.
func (c *Config) RequestRoot() string {
	return c.SpoolDir
}

// DatabasePath returns the bbolt database location under StateDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDir, "printd.db")
}
