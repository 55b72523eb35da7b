// Package config loads the daemon's INI-like configuration file and applies
// VNIDS_* environment overrides on top of it. Invalid values are fatal at
// startup: the caller is expected to log and exit 1.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/vnidsd/vnidsd/log"
	"github.com/vnidsd/vnidsd/vnidserr"
)

// Config is the fully resolved, validated daemon configuration. YAML tags
// let operators dump the effective configuration (vnidsd -dump-config) for
// debugging, independent of the INI format it was loaded from.
type Config struct {
	General  General  `yaml:"general"`
	Suricata Suricata `yaml:"suricata"`
	IPC      IPC      `yaml:"ipc"`
	Storage  Storage  `yaml:"storage"`
	Watchdog Watchdog `yaml:"watchdog"`
}

// General holds [general] section keys.
type General struct {
	LogLevel  log.Level `yaml:"log_level"`
	PIDFile   string    `yaml:"pid_file"`
	Daemonize bool      `yaml:"daemonize"`
}

// Suricata holds [suricata] section keys.
type Suricata struct {
	Binary    string `yaml:"binary"`
	Config    string `yaml:"config"`
	RulesDir  string `yaml:"rules_dir"`
	Interface string `yaml:"interface"`
}

// IPC holds [ipc] section keys.
type IPC struct {
	SocketDir       string `yaml:"socket_dir"`
	EventBufferSize int    `yaml:"event_buffer_size"`
}

// Storage holds [storage] section keys. MaxSizeMB of 0 means "unset": the
// store falls back to its own 100,000-row default rather than a bridged
// megabyte figure (see daemon.storeCapFromMB).
type Storage struct {
	Database      string `yaml:"database"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSizeMB     int    `yaml:"max_size_mb"`
}

// Watchdog holds [watchdog] section keys.
type Watchdog struct {
	CheckIntervalMS    int `yaml:"check_interval_ms"`
	HeartbeatTimeoutS  int `yaml:"heartbeat_timeout_s"`
	MaxRestartAttempts int `yaml:"max_restart_attempts"`
}

const (
	defaultLogLevel           = "info"
	defaultPIDFile            = "/var/run/vnids/vnidsd.pid"
	defaultSocketDir          = "/var/run/vnids"
	defaultEventBufferSize    = 4096
	defaultRetentionDays      = 30
	defaultCheckIntervalMS    = 5000
	defaultHeartbeatTimeoutS  = 15
	defaultMaxRestartAttempts = 5
)

// Load reads the INI file at path, applies VNIDS_* environment overrides,
// validates every recognized key, and returns the resolved Config. A
// validation failure returns a non-nil error describing the first offending
// key; the caller treats this as fatal.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	v.SetDefault("general.log_level", defaultLogLevel)
	v.SetDefault("general.pid_file", defaultPIDFile)
	v.SetDefault("general.daemonize", false)
	v.SetDefault("ipc.socket_dir", defaultSocketDir)
	v.SetDefault("ipc.event_buffer_size", defaultEventBufferSize)
	v.SetDefault("storage.retention_days", defaultRetentionDays)
	// storage.max_size_mb is intentionally left unset: 0 tells
	// daemon.storeCapFromMB to defer to store.Open's own 100,000-row
	// default rather than bridging an arbitrary megabyte figure.
	v.SetDefault("watchdog.check_interval_ms", defaultCheckIntervalMS)
	v.SetDefault("watchdog.heartbeat_timeout_s", defaultHeartbeatTimeoutS)
	v.SetDefault("watchdog.max_restart_attempts", defaultMaxRestartAttempts)

	if err := v.ReadInConfig(); err != nil {
		return nil, vnidserr.New(vnidserr.Fatal, "config.read", fmt.Errorf("read %s: %w", path, err))
	}

	v.SetEnvPrefix("vnids")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// Each override variable is bound by its documented name; a single-arg
	// BindEnv would derive section-qualified names (VNIDS_GENERAL_LOG_LEVEL
	// and so on) instead.
	for key, env := range map[string]string{
		"general.log_level":  "VNIDS_LOG_LEVEL",
		"suricata.binary":    "VNIDS_SURICATA_BINARY",
		"suricata.config":    "VNIDS_SURICATA_CONFIG",
		"suricata.interface": "VNIDS_INTERFACE",
		"ipc.socket_dir":     "VNIDS_SOCKET_DIR",
		"storage.database":   "VNIDS_DATABASE",
	} {
		_ = v.BindEnv(key, env)
	}

	switch lvl := v.GetString("general.log_level"); lvl {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return nil, vnidserr.New(vnidserr.Fatal, "config.validate", fmt.Errorf("general.log_level %q is not one of trace, debug, info, warn, error, fatal", lvl))
	}

	cfg := &Config{
		General: General{
			LogLevel:  log.ParseLevel(v.GetString("general.log_level")),
			PIDFile:   v.GetString("general.pid_file"),
			Daemonize: v.GetBool("general.daemonize"),
		},
		Suricata: Suricata{
			Binary:    v.GetString("suricata.binary"),
			Config:    v.GetString("suricata.config"),
			RulesDir:  v.GetString("suricata.rules_dir"),
			Interface: v.GetString("suricata.interface"),
		},
		IPC: IPC{
			SocketDir:       v.GetString("ipc.socket_dir"),
			EventBufferSize: v.GetInt("ipc.event_buffer_size"),
		},
		Storage: Storage{
			Database:      v.GetString("storage.database"),
			RetentionDays: v.GetInt("storage.retention_days"),
			MaxSizeMB:     v.GetInt("storage.max_size_mb"),
		},
		Watchdog: Watchdog{
			CheckIntervalMS:    v.GetInt("watchdog.check_interval_ms"),
			HeartbeatTimeoutS:  v.GetInt("watchdog.heartbeat_timeout_s"),
			MaxRestartAttempts: v.GetInt("watchdog.max_restart_attempts"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DumpYAML renders the effective, post-validation configuration as YAML, for
// operators debugging what the daemon actually resolved from file + env.
func (c *Config) DumpYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// validate checks every recognized key's range. Any failure is classified
// vnidserr.Fatal: startup validation errors exit the process with status 1
// rather than falling back to a default.
func (c *Config) validate() error {
	if c.Suricata.Binary == "" {
		return vnidserr.New(vnidserr.Fatal, "config.validate", fmt.Errorf("suricata.binary is required"))
	}
	if c.Storage.Database == "" {
		return vnidserr.New(vnidserr.Fatal, "config.validate", fmt.Errorf("storage.database is required"))
	}
	if c.IPC.EventBufferSize < 1024 || c.IPC.EventBufferSize > 1048576 {
		return vnidserr.New(vnidserr.Fatal, "config.validate", fmt.Errorf("ipc.event_buffer_size %d out of range [1024, 1048576]", c.IPC.EventBufferSize))
	}
	if c.Storage.RetentionDays < 1 || c.Storage.RetentionDays > 365 {
		return vnidserr.New(vnidserr.Fatal, "config.validate", fmt.Errorf("storage.retention_days %d out of range [1, 365]", c.Storage.RetentionDays))
	}
	if c.Watchdog.CheckIntervalMS < 100 || c.Watchdog.CheckIntervalMS > 10000 {
		return vnidserr.New(vnidserr.Fatal, "config.validate", fmt.Errorf("watchdog.check_interval_ms %d out of range [100, 10000]", c.Watchdog.CheckIntervalMS))
	}
	if c.Watchdog.HeartbeatTimeoutS < 1 || c.Watchdog.HeartbeatTimeoutS > 60 {
		return vnidserr.New(vnidserr.Fatal, "config.validate", fmt.Errorf("watchdog.heartbeat_timeout_s %d out of range [1, 60]", c.Watchdog.HeartbeatTimeoutS))
	}
	if c.Watchdog.MaxRestartAttempts < 0 {
		return vnidserr.New(vnidserr.Fatal, "config.validate", fmt.Errorf("watchdog.max_restart_attempts must be >= 0"))
	}
	return nil
}
