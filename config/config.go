package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// EnvPrefix prefixes environment overrides, e.g. TINYHTTPD_TRIG_MODE
const EnvPrefix = "TINYHTTPD"

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all application configuration.
// Precedence: defaults, JSON file, environment, explicit flags.
type Config struct {
	Port        int    `config:"port"`
	TrigMode    int    `config:"trig.mode"`
	TimeoutMS   int    `config:"timeout.ms"`
	OptLinger   bool   `config:"linger"`
	Workers     int    `config:"workers"`
	MaxConns    int    `config:"max.conns"`
	Root        string `config:"root"`
	LogLevel    string `config:"log.level"`
	LogDir      string `config:"log.dir"`
	LogQueue    int    `config:"log.queue"`
	OpenLog     bool   `config:"log.open"`
	AuthDB      string `config:"auth.db"`
	MetricsAddr string `config:"metrics.addr"`
	GCPercent   int    `config:"gc.percent"`
	MemLimitMB  int    `config:"gc.memlimit"`
	Env         string `config:"env"`

	// File is the optional JSON config path
	File string `config:"-"`
}

// New loads configuration from args, an optional JSON file and the
// environment.
func New(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("tinyhttpd", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", 1316, "listen port (1024-65535, 0 for any)")
	fs.IntVar(&cfg.TrigMode, "trig-mode", 3, "edge triggering: 0 none, 1 conn, 2 listen, 3 both")
	fs.IntVar(&cfg.TimeoutMS, "timeout", 60000, "idle connection timeout in milliseconds, 0 disables")
	fs.BoolVar(&cfg.OptLinger, "linger", false, "linger up to 1s on close for unsent data")
	fs.IntVar(&cfg.Workers, "workers", 6, "worker pool size")
	fs.IntVar(&cfg.MaxConns, "max-conns", 65536, "maximum live connections")
	fs.StringVar(&cfg.Root, "root", "./resources", "document root")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug/info/warn/error)")
	fs.StringVar(&cfg.LogDir, "log-dir", "", "rotating log directory; empty logs to stderr")
	fs.IntVar(&cfg.LogQueue, "log-queue", 1024, "async log queue size, 0 for synchronous")
	fs.BoolVar(&cfg.OpenLog, "open-log", true, "enable logging")
	fs.StringVar(&cfg.AuthDB, "auth-db", "", "credential store directory; empty keeps users in memory")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Prometheus metrics listen address; empty disables")
	fs.IntVar(&cfg.GCPercent, "gc-percent", 0, "GOGC override, 0 keeps the runtime default")
	fs.IntVar(&cfg.MemLimitMB, "memory-limit-mb", 0, "soft memory limit in MiB, 0 for none")
	fs.StringVar(&cfg.Env, "env", "development", "Environment (development/production)")
	fs.StringVar(&cfg.File, "config", "", "JSON config file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Remember explicit flags so they win over file and environment
	explicit := make(map[string]string)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	m := NewManager()
	if cfg.File != "" {
		if err := m.LoadFromJSON(cfg.File); err != nil {
			return nil, err
		}
	}
	m.LoadFromEnv(EnvPrefix)
	if err := m.Unmarshal("", cfg); err != nil {
		return nil, err
	}

	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Timeout returns the idle timeout; negative when disabled
func (c *Config) Timeout() time.Duration {
	if c.TimeoutMS == 0 {
		return -1
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Validate checks ranges and the document root
func (c *Config) Validate() error {
	if c.Port != 0 && (c.Port < 1024 || c.Port > 65535) {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.TrigMode < 0 || c.TrigMode > 3 {
		return fmt.Errorf("%w: trig-mode %d", ErrInvalidConfig, c.TrigMode)
	}
	if c.TimeoutMS < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", ErrInvalidConfig)
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("%w: max-conns must be positive", ErrInvalidConfig)
	}
	if c.LogQueue < 0 {
		return fmt.Errorf("%w: negative log-queue", ErrInvalidConfig)
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("%w: log-level %q", ErrInvalidConfig, c.LogLevel)
		}
	}
	fi, err := os.Stat(c.Root)
	if err != nil {
		return fmt.Errorf("%w: root: %v", ErrInvalidConfig, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: root %s is not a directory", ErrInvalidConfig, c.Root)
	}
	return nil
}
