package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the path of the config file.
const EnvVar = "CACHING_PROXY_CONFIG"

type Config struct {
	// Timeout for receiving a complete request header from a client,
	// and for writing the response back.
	ClientTimeout time.Duration `yaml:"clientTimeout"`
	// Timeout for writing a request to the origin and reading its whole response.
	OriginTimeout time.Duration `yaml:"originTimeout"`
	// Timeout for connecting to the origin.
	DialTimeout time.Duration `yaml:"dialTimeout"`
	// Time given to in-flight connections on shutdown before they are closed.
	ShutdownGrace time.Duration `yaml:"shutdownGrace"`
	// Maximum size of a request header block.
	MaxHeaderBytes int   `yaml:"maxHeaderBytes"`
	Cache          Cache `yaml:"cache"`
	Admin          Admin `yaml:"admin"`
	Log            Log   `yaml:"log"`
}

type Cache struct {
	// SQLite file for persisting the cache. Use "memory" for an in-memory database
	// and "" to disable persistence.
	File  string `yaml:"file"`
	Redis Redis  `yaml:"redis"`
}

// Redis replaces the SQLite file as cache persistence when Addr is set.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

type Admin struct {
	// Address for the admin HTTP server (metrics and cache management).
	// The admin server is disabled if empty.
	Addr string `yaml:"addr"`
}

type Log struct {
	Level string `yaml:"level"`
	// Log file to use in addition to stdout.
	File string `yaml:"file"`
}

// Default returns the configuration used when no config file is given.
func Default() Config {
	return Config{
		ClientTimeout:  30 * time.Second,
		OriginTimeout:  10 * time.Second,
		DialTimeout:    5 * time.Second,
		ShutdownGrace:  10 * time.Second,
		MaxHeaderBytes: 64 * 1024,
		Cache: Cache{
			File: "proxyCache.db",
			Redis: Redis{
				Key: "caching-proxy",
			},
		},
		Log: Log{
			Level: "debug",
		},
	}
}

// Load reads the config file at filename on top of the defaults.
// An empty filename returns the defaults.
func Load(filename string) (Config, error) {
	config := Default()
	if filename == "" {
		return config, nil
	}
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, errors.Wrap(err, "could not read config")
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, errors.Wrapf(err, "could not parse config %s", filename)
	}
	return config, config.Validate()
}

// FromEnv loads the config file named by the CACHING_PROXY_CONFIG environment variable.
func FromEnv() (Config, error) {
	return Load(os.Getenv(EnvVar))
}

func (c Config) Validate() error {
	if c.ClientTimeout <= 0 || c.OriginTimeout <= 0 || c.DialTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.ShutdownGrace < 0 {
		return errors.New("shutdownGrace must not be negative")
	}
	if c.MaxHeaderBytes <= 0 {
		return errors.New("maxHeaderBytes must be positive")
	}
	if _, err := c.Log.ZerologLevel(); err != nil {
		return err
	}
	return nil
}

// ZerologLevel parses the configured log level, defaulting to debug.
func (l Log) ZerologLevel() (zerolog.Level, error) {
	if l.Level == "" {
		return zerolog.DebugLevel, nil
	}
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		return zerolog.DebugLevel, errors.Wrapf(err, "invalid log level %q", l.Level)
	}
	return level, nil
}
