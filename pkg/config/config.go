// SPDX-License-Identifier: APACHE-2.0

// Package config loads the controller database configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Konsole512/ZeroTierOne/pkg/api"
	"github.com/Konsole512/ZeroTierOne/pkg/lfdb"
)

const (
	BackendFile = "file"
	BackendLF   = "lf"
)

// Config selects and configures a database backend.
type Config struct {
	Backend string `yaml:"backend"`
	// Path is the root directory of the file backend.
	Path string `yaml:"path"`
	// ControllerAddress is the 10 hex digit address of the controller.
	ControllerAddress  string        `yaml:"controller_address"`
	StoreOnlineState   bool          `yaml:"store_online_state"`
	FlushInterval      time.Duration `yaml:"flush_interval"`
	WatchExternalEdits bool          `yaml:"watch_external_edits"`
	LF                 LFConfig      `yaml:"lf"`
}

// LFConfig configures the LF backend.
type LFConfig struct {
	Endpoint     string `yaml:"endpoint"`
	OwnerPublic  string `yaml:"owner_public"`
	OwnerPrivate string `yaml:"owner_private"`
	NamePrefix   string `yaml:"name_prefix"`

	PollInterval   time.Duration `yaml:"poll_interval"`
	Rewind         time.Duration `yaml:"rewind"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	QueryQPS       float64       `yaml:"query_qps"`
	QueryBurst     int           `yaml:"query_burst"`

	// CachePath is a bbolt file holding synced records across restarts.
	// Records are only kept in memory when empty.
	CachePath string `yaml:"cache_path"`
	// CacheSize bounds the records kept in memory in front of the bbolt
	// cache, 0 disables the bound.
	CacheSize int `yaml:"cache_size"`
	// ResetCache drops the bbolt cache on startup so every record is
	// fetched again.
	ResetCache bool `yaml:"reset_cache"`
}

// DefaultConfig returns the defaults applied before a file is parsed.
func DefaultConfig() Config {
	return Config{
		Backend:       BackendFile,
		FlushInterval: 5 * time.Second,
		LF: LFConfig{
			NamePrefix:     lfdb.DefaultNamePrefix,
			PollInterval:   lfdb.DefaultPollInterval,
			Rewind:         lfdb.DefaultRewind,
			RequestTimeout: lfdb.DefaultTimeout,
			QueryQPS:       10,
			QueryBurst:     4,
		},
	}
}

// Load reads a YAML configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendFile:
		if c.Path == "" {
			errs = append(errs, errors.New("path is required for the file backend"))
		}
		if c.FlushInterval <= 0 {
			errs = append(errs, fmt.Errorf("flush_interval must be positive, got %v", c.FlushInterval))
		}
	case BackendLF:
		if _, err := c.Controller(); err != nil {
			errs = append(errs, err)
		}
		if u, err := url.Parse(c.LF.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("lf.endpoint %q is not a URL", c.LF.Endpoint))
		}
		if c.LF.OwnerPublic == "" {
			errs = append(errs, errors.New("lf.owner_public is required"))
		}
		if c.LF.PollInterval <= 0 {
			errs = append(errs, fmt.Errorf("lf.poll_interval must be positive, got %v", c.LF.PollInterval))
		}
		if c.LF.Rewind < 0 {
			errs = append(errs, fmt.Errorf("lf.rewind must not be negative, got %v", c.LF.Rewind))
		}
		if c.LF.QueryQPS < 0 || c.LF.QueryBurst < 0 || c.LF.CacheSize < 0 {
			errs = append(errs, errors.New("lf.query_qps, lf.query_burst and lf.cache_size must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported backend: %q (expected %q or %q)", c.Backend, BackendFile, BackendLF))
	}
	return errors.Join(errs...)
}

// Controller returns the parsed controller address.
func (c Config) Controller() (uint64, error) {
	if len(c.ControllerAddress) != 10 {
		return 0, fmt.Errorf("controller_address %q must be 10 hex digits", c.ControllerAddress)
	}
	addr, ok := api.ParseMemberID(c.ControllerAddress)
	if !ok {
		return 0, fmt.Errorf("controller_address %q is not a valid address", c.ControllerAddress)
	}
	return addr, nil
}
