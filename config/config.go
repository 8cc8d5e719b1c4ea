// Package config builds the jobq CLI's runtime Config from flags,
// environment variables and an optional file, mirroring the
// mapstructure-tagged Config + Decode pattern dg-queue's driver
// constructors use for their own per-driver option structs.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the decoded configuration for one jobq CLI invocation.
type Config struct {
	// Driver selects the backend: "db", "file", "memory" or "broker".
	Driver string `mapstructure:"driver"`

	// Timeout is the poll timeout passed to Driver.Reserve on each
	// attempt. In isolated mode each subprocess is limited by its job's
	// TTR, not by Timeout.
	Timeout time.Duration `mapstructure:"timeout"`

	// Isolate switches dispatch to the isolated subprocess mode.
	Isolate bool `mapstructure:"isolate"`

	// NoRepeat makes the runner perform a single reserve-and-dispatch
	// attempt and exit, instead of running until signaled.
	NoRepeat bool `mapstructure:"no_repeat"`

	// QueueURL is the driver-specific connection string: a DSN for
	// "db", a directory path for "file", a host:port for "broker".
	// Unused by "memory".
	QueueURL string `mapstructure:"queue_url"`

	// MaxJobs, if positive, stops the runner after it has completed
	// that many jobs instead of running until signaled. Ignored with
	// --no-repeat, which already performs a single attempt and exits.
	MaxJobs int `mapstructure:"max_jobs"`
}

// Load assembles a Config from, in increasing precedence: built-in
// defaults, an optional YAML config file, JOBQ_-prefixed environment
// variables, and flags already parsed into fs.
func Load(fs *pflag.FlagSet, configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("jobq")
	v.AutomaticEnv()

	v.SetDefault("driver", "memory")
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("isolate", false)
	v.SetDefault("no_repeat", false)
	v.SetDefault("queue_url", "")
	v.SetDefault("max_jobs", 0)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
		// BindPFlags keys each flag by its dashed name; bind the dashed
		// flags again under the underscore keys the struct tags use.
		for key, name := range map[string]string{"no_repeat": "no-repeat", "queue_url": "queue-url", "max_jobs": "max-jobs"} {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports whether cfg names a known driver and, where the
// driver requires one, a non-empty QueueURL.
func (c *Config) Validate() error {
	switch c.Driver {
	case "memory":
		return nil
	case "db", "file", "broker":
		if c.QueueURL == "" {
			return fmt.Errorf("--queue-url is required for driver %q", c.Driver)
		}
		return nil
	default:
		return fmt.Errorf("unknown driver %q: want one of db, file, memory, broker", c.Driver)
	}
}
