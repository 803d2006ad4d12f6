// Package config loads expstream settings from defaults, an optional YAML
// file, EXPSTREAM_ environment variables and command-line flags, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/zoravur/expstream/internal/source"
)

const EnvPrefix = "EXPSTREAM_"

// Config is the top-level configuration.
type Config struct {
	Database    DatabaseConfig    `koanf:"database"`
	Replication ReplicationConfig `koanf:"replication"`
	Metadata    MetadataConfig    `koanf:"metadata"`
	Log         LogConfig         `koanf:"log"`
	HTTP        HTTPConfig        `koanf:"http"`
}

// DatabaseConfig holds the server-wide part of every experiment's connection
// URI. The database name is always the experiment id.
type DatabaseConfig struct {
	Driver   string `koanf:"driver"` // pgx or pq
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	SSLMode  string `koanf:"sslmode"`
}

// Credentials converts the database section for the source package.
func (d DatabaseConfig) Credentials() source.Credentials {
	return source.Credentials{
		User:     d.User,
		Password: d.Password,
		Host:     d.Host,
		Port:     d.Port,
		SSLMode:  d.SSLMode,
	}
}

type ReplicationConfig struct {
	ConnectInterval time.Duration `koanf:"connect_interval"`
	SchemaInterval  time.Duration `koanf:"schema_interval"`
	FetchInterval   time.Duration `koanf:"fetch_interval"`
	PageSize        int           `koanf:"page_size"`
}

type MetadataConfig struct {
	Table    string        `koanf:"table"`
	Interval time.Duration `koanf:"interval"`
	PageSize int           `koanf:"page_size"`
}

type LogConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

// Defaults returns the built-in configuration.
func Defaults() map[string]any {
	return map[string]any{
		"database.driver":              "pgx",
		"database.user":                "oml",
		"database.host":                "localhost",
		"database.port":                5432,
		"database.sslmode":             "disable",
		"replication.connect_interval": 10 * time.Second,
		"replication.schema_interval":  5 * time.Second,
		"replication.fetch_interval":   5 * time.Second,
		"replication.page_size":        20,
		"metadata.table":               "omf_ec_meta_data",
		"metadata.interval":            3 * time.Second,
		"metadata.page_size":           100,
		"log.level":                    "info",
		"log.development":              false,
		"http.addr":                    ":8080",
	}
}

// Default returns Defaults decoded into a Config.
func Default() *Config {
	cfg, err := Load("", nil)
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// Load reads configuration. path may be empty; flags may be nil. Only flags
// that were explicitly set override other sources; flag names map to keys by
// turning the first "-" into "." and the rest into "_", so --database-host
// sets database.host and --replication-page-size sets replication.page_size.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// EXPSTREAM_DATABASE__HOST -> database.host
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			return flagKey(f.Name), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func flagKey(name string) string {
	section, rest, ok := strings.Cut(name, "-")
	if !ok {
		return name
	}
	return section + "." + strings.ReplaceAll(rest, "-", "_")
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "pgx", "pq":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver))
	}
	if c.Database.Host == "" {
		errs = append(errs, errors.New("database.host is required"))
	}
	for name, d := range map[string]time.Duration{
		"replication.connect_interval": c.Replication.ConnectInterval,
		"replication.schema_interval":  c.Replication.SchemaInterval,
		"replication.fetch_interval":   c.Replication.FetchInterval,
		"metadata.interval":            c.Metadata.Interval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Replication.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("replication.page_size must be positive, got %d", c.Replication.PageSize))
	}
	if c.Metadata.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("metadata.page_size must be positive, got %d", c.Metadata.PageSize))
	}
	if c.Metadata.Table == "" {
		errs = append(errs, errors.New("metadata.table is required"))
	}
	return errors.Join(errs...)
}
