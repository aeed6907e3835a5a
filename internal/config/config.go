// Package config resolves managedsp settings from command-line flags,
// MANAGEDSP_* environment variables and an optional config file, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable the service reads.
const EnvPrefix = "MANAGEDSP"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the resolved settings shared by every command.
type Config struct {
	Driver         string
	DBPath         string
	DBMaxOpenConns int
	DBMaxIdleConns int
	PostgresDSN    string
	LogLevel       string

	CapacityBase      int
	PortRetryLimit    int
	ProvisionAttempts int

	GeoURL     string
	GeoTimeout time.Duration

	RedisURL   string
	StatsdAddr string
	NodeName   string
}

const defaultDBPath = "./managedsp.db"
const defaultCapacityBase = 200
const defaultPortRetryLimit = 64
const defaultProvisionAttempts = 5
const defaultGeoTimeout = 2 * time.Second
const defaultDBMaxOpenConns = 10
const defaultDBMaxIdleConns = 10

// Flag names, also the viper keys. The matching environment variable is
// MANAGEDSP_ followed by the upper-cased name with dashes as underscores.
const (
	flagConfig            = "config"
	flagDriver            = "driver"
	flagDB                = "db"
	flagDBMaxOpenConns    = "db-max-open-conns"
	flagDBMaxIdleConns    = "db-max-idle-conns"
	flagPostgresDSN       = "postgres-dsn"
	flagLogLevel          = "log-level"
	flagCapacityBase      = "capacity-base"
	flagPortRetryLimit    = "port-retry-limit"
	flagProvisionAttempts = "provision-attempts"
	flagGeoURL            = "geo-url"
	flagGeoTimeout        = "geo-timeout"
	flagRedisURL          = "redis-url"
	flagStatsdAddr        = "statsd-addr"
	flagNodeName          = "node-name"
)

// NewFlagSet returns a FlagSet carrying the shared settings flags. Commands
// add their own flags before parsing.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String(flagConfig, "", "Config file (yaml, toml or json)")
	fs.String(flagDriver, DriverSQLite, "Store driver: sqlite|postgres")
	fs.String(flagDB, defaultDBPath, "SQLite database path")
	fs.Int(flagDBMaxOpenConns, defaultDBMaxOpenConns, "SQLite max open connections")
	fs.Int(flagDBMaxIdleConns, defaultDBMaxIdleConns, "SQLite max idle connections")
	fs.String(flagPostgresDSN, "", "PostgreSQL connection string")
	fs.String(flagLogLevel, "info", "Log level: debug|info|warn|error")
	fs.Int(flagCapacityBase, defaultCapacityBase, "Deployments per dual-stack server (single-stack servers take twice as many)")
	fs.Int(flagPortRetryLimit, defaultPortRetryLimit, "Port draws per server before provisioning gives up")
	fs.Int(flagProvisionAttempts, defaultProvisionAttempts, "Provisioning attempts after lock conflicts")
	fs.String(flagGeoURL, "", "Geolocation lookup URL; empty disables lookups")
	fs.Duration(flagGeoTimeout, defaultGeoTimeout, "Geolocation lookup timeout")
	fs.String(flagRedisURL, "", "Redis URL (redis://host:port/db) for freshness notifications; empty disables them")
	fs.String(flagStatsdAddr, "", "StatsD address (host:port); empty disables metrics")
	fs.String(flagNodeName, "", "Node name tagged on metrics")
	return fs
}

// Load resolves the shared settings of a parsed FlagSet.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}
	if path := strings.TrimSpace(v.GetString(flagConfig)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := Config{
		Driver:            strings.ToLower(strings.TrimSpace(v.GetString(flagDriver))),
		DBPath:            strings.TrimSpace(v.GetString(flagDB)),
		DBMaxOpenConns:    v.GetInt(flagDBMaxOpenConns),
		DBMaxIdleConns:    v.GetInt(flagDBMaxIdleConns),
		PostgresDSN:       strings.TrimSpace(v.GetString(flagPostgresDSN)),
		LogLevel:          strings.ToLower(strings.TrimSpace(v.GetString(flagLogLevel))),
		CapacityBase:      v.GetInt(flagCapacityBase),
		PortRetryLimit:    v.GetInt(flagPortRetryLimit),
		ProvisionAttempts: v.GetInt(flagProvisionAttempts),
		GeoURL:            strings.TrimSpace(v.GetString(flagGeoURL)),
		GeoTimeout:        v.GetDuration(flagGeoTimeout),
		RedisURL:          strings.TrimSpace(v.GetString(flagRedisURL)),
		StatsdAddr:        strings.TrimSpace(v.GetString(flagStatsdAddr)),
		NodeName:          strings.TrimSpace(v.GetString(flagNodeName)),
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse parses args into fs and resolves the settings. Commands register
// their own flags on fs first.
func Parse(fs *pflag.FlagSet, args []string) (Config, error) {
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return Load(fs)
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.DBPath == "" {
			return errors.New("missing --db or MANAGEDSP_DB")
		}
		if c.DBMaxOpenConns <= 0 {
			return errors.New("db max open conns must be > 0")
		}
		if c.DBMaxIdleConns <= 0 {
			return errors.New("db max idle conns must be > 0")
		}
		if c.DBMaxIdleConns > c.DBMaxOpenConns {
			return errors.New("db max idle conns cannot exceed db max open conns")
		}
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return errors.New("missing --postgres-dsn or MANAGEDSP_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("driver must be one of: %s, %s", DriverSQLite, DriverPostgres)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log level must be one of: debug, info, warn, error")
	}
	if c.CapacityBase <= 0 {
		return errors.New("capacity base must be > 0")
	}
	if c.PortRetryLimit <= 0 {
		return errors.New("port retry limit must be > 0")
	}
	if c.ProvisionAttempts <= 0 {
		return errors.New("provision attempts must be > 0")
	}
	if c.GeoURL != "" && c.GeoTimeout <= 0 {
		return errors.New("geo timeout must be > 0")
	}
	return nil
}
