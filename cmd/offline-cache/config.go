package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	dynamostorage "github.com/always-cache/offline-cache/cache/dynamodb"
	"github.com/always-cache/offline-cache/cache/postgres"
	"github.com/always-cache/offline-cache/classify"
	"github.com/always-cache/offline-cache/strategy"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/caarlos0/env/v11"
	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

// Config is read from the config file, then overlaid with OFFLINE_CACHE_*
// environment variables, then with the flags given on the command line.
type Config struct {
	Origin          string `yaml:"origin" env:"OFFLINE_CACHE_ORIGIN"`
	Addr            string `yaml:"addr" env:"OFFLINE_CACHE_ADDR"`
	Host            string `yaml:"host" env:"OFFLINE_CACHE_HOST"`
	Port            int    `yaml:"port" env:"OFFLINE_CACHE_PORT"`
	AdminAddr       string `yaml:"adminAddr" env:"OFFLINE_CACHE_ADMIN_ADDR"`
	DeferActivation bool   `yaml:"deferActivation" env:"OFFLINE_CACHE_DEFER_ACTIVATION"`

	Storage       string `yaml:"storage" env:"OFFLINE_CACHE_STORAGE"`
	DB            string `yaml:"db" env:"OFFLINE_CACHE_DB"`
	PostgresDSN   string `yaml:"postgresDsn" env:"OFFLINE_CACHE_POSTGRES_DSN"`
	DynamoDBTable string `yaml:"dynamodbTable" env:"OFFLINE_CACHE_DYNAMODB_TABLE"`
	CreateTable   bool   `yaml:"createTable" env:"OFFLINE_CACHE_DYNAMODB_CREATE_TABLE"`

	Trace   bool   `yaml:"trace" env:"OFFLINE_CACHE_TRACE"`
	LogFile string `yaml:"logFile" env:"OFFLINE_CACHE_LOG_FILE"`

	Product    string            `yaml:"product" env:"OFFLINE_CACHE_PRODUCT"`
	Version    string            `yaml:"version" env:"OFFLINE_CACHE_VERSION"`
	Limits     map[string]int    `yaml:"limits" env:"OFFLINE_CACHE_LIMITS"`
	Strategies map[string]string `yaml:"strategies" env:"OFFLINE_CACHE_STRATEGIES"`
	Precache   []string          `yaml:"precache" env:"OFFLINE_CACHE_PRECACHE" envSeparator:","`
	Classify   classify.Options  `yaml:"classify"`
}

func defaultConfig() Config {
	return Config{
		Port:      8080,
		AdminAddr: "127.0.0.1:8081",
		Storage:   "sqlite",
		DB:        "cache.db",
	}
}

// loadConfig parses args and builds the configuration.
func loadConfig(args []string, output io.Writer) (Config, error) {
	var (
		configFilename string
		flags          Config
	)
	fs := flag.NewFlagSet("offline-cache", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&configFilename, "config", "", "Path to config file")
	fs.StringVar(&flags.Origin, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	fs.StringVar(&flags.Addr, "addr", "", "Origin IP address to proxy to")
	fs.StringVar(&flags.Host, "host", "", "Hostname of origin")
	fs.IntVar(&flags.Port, "port", 8080, "Port to listen on")
	fs.StringVar(&flags.AdminAddr, "admin-addr", "127.0.0.1:8081", "Address of the control endpoints (empty to disable)")
	fs.StringVar(&flags.Storage, "storage", "sqlite", "Storage backend: sqlite, memory, postgres or dynamodb")
	fs.StringVar(&flags.DB, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	fs.StringVar(&flags.PostgresDSN, "postgres-dsn", "", "PostgreSQL connection string")
	fs.StringVar(&flags.DynamoDBTable, "dynamodb-table", "", "DynamoDB table name")
	fs.BoolVar(&flags.CreateTable, "create-table", false, "Create the DynamoDB table on startup")
	fs.BoolVar(&flags.DeferActivation, "defer-activation", false, "Wait for a SKIP_WAITING message before activating")
	fs.BoolVar(&flags.Trace, "vv", false, "Verbosity: trace logging")
	fs.StringVar(&flags.LogFile, "log-file", "", "Log file to use (in addition to stdout)")
	fs.StringVar(&flags.Version, "cache-version", "", "Version tag of the cache partitions")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	config := defaultConfig()
	if configFilename != "" {
		if err := readConfigFile(configFilename, &config); err != nil {
			return Config{}, err
		}
	}
	if err := env.Parse(&config); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			config.Origin = flags.Origin
		case "addr":
			config.Addr = flags.Addr
		case "host":
			config.Host = flags.Host
		case "port":
			config.Port = flags.Port
		case "admin-addr":
			config.AdminAddr = flags.AdminAddr
		case "storage":
			config.Storage = flags.Storage
		case "db":
			config.DB = flags.DB
		case "postgres-dsn":
			config.PostgresDSN = flags.PostgresDSN
		case "dynamodb-table":
			config.DynamoDBTable = flags.DynamoDBTable
		case "create-table":
			config.CreateTable = flags.CreateTable
		case "defer-activation":
			config.DeferActivation = flags.DeferActivation
		case "vv":
			config.Trace = flags.Trace
		case "log-file":
			config.LogFile = flags.LogFile
		case "cache-version":
			config.Version = flags.Version
		}
	})
	return config, nil
}

func readConfigFile(filename string, config *Config) error {
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return errors.WrapWithContext(err, errors.CodeInvalidConfig, "malformed config file", map[string]interface{}{
			"file": filename,
		})
	}
	return nil
}

// Manifest applies the configured overrides to the default manifest.
func (c Config) Manifest() (offlinecache.Manifest, error) {
	m := offlinecache.DefaultManifest()
	if c.Product != "" {
		m.Product = c.Product
	}
	if c.Version != "" {
		m.Version = c.Version
	}
	if len(c.Precache) > 0 {
		m.Precache = c.Precache
	}
	for name, maxEntries := range c.Limits {
		if _, ok := m.Partition(offlinecache.Partition(name)); !ok {
			return m, errors.WithContext(
				errors.New(errors.CodeInvalidConfig, "limit for unknown partition"), "partition", name)
		}
		m = m.WithLimit(offlinecache.Partition(name), maxEntries)
	}
	for name, value := range c.Strategies {
		if _, ok := m.Partition(offlinecache.Partition(name)); !ok {
			return m, errors.WithContext(
				errors.New(errors.CodeInvalidConfig, "strategy for unknown partition"), "partition", name)
		}
		kind, err := strategy.ParseKind(value)
		if err != nil {
			return m, errors.Wrap(err, errors.CodeInvalidConfig, "invalid strategy")
		}
		m = m.WithStrategy(offlinecache.Partition(name), kind)
	}
	return m, m.Validate()
}

// OriginURL returns the origin to proxy to and the hostname to use for it.
func (c Config) OriginURL() (url.URL, string, error) {
	switch {
	case c.Origin != "":
		originUrl, err := url.Parse(c.Origin)
		if err != nil {
			return url.URL{}, "", err
		}
		return *originUrl, "", nil
	case c.Addr != "":
		originUrl, err := url.Parse("https://" + c.Addr)
		if err != nil {
			return url.URL{}, "", err
		}
		return *originUrl, c.Host, nil
	}
	return url.URL{}, "", errors.New(errors.CodeInvalidConfig, "please specify origin")
}

// openStorage opens the configured storage backend.
func (c Config) openStorage(ctx context.Context) (cache.Storage, error) {
	switch c.Storage {
	case "sqlite":
		dbFilename := c.DB
		if dbFilename == "memory" {
			dbFilename = "file::memory:?cache=shared"
		}
		return cache.NewSQLiteStorage(dbFilename)
	case "memory":
		return cache.NewMemStorage(), nil
	case "postgres":
		return postgres.Open(ctx, c.PostgresDSN)
	case "dynamodb":
		awsConfig, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsConfig)
		if c.CreateTable {
			if err := dynamostorage.CreateTable(ctx, client, c.DynamoDBTable); err != nil {
				return nil, fmt.Errorf("create table %s: %w", c.DynamoDBTable, err)
			}
		}
		return dynamostorage.New(client, &dynamostorage.Config{Table: c.DynamoDBTable})
	}
	return nil, errors.WithContext(
		errors.New(errors.CodeInvalidConfig, "unsupported storage"), "storage", c.Storage)
}
