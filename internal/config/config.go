package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultProgramID = "Coxgjx4UMQZPRdDZT9CAdrvt4TMTyUKH79ziJiNFHk8S"
)

// Config models taskledger.yml.
type Config struct {
	Env      string         `yaml:"env"`
	Program  ProgramConfig  `yaml:"program"`
	RPC      RPCConfig      `yaml:"rpc"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Backfill BackfillConfig `yaml:"backfill"`
	Log      LogConfig      `yaml:"log"`
}

type ProgramConfig struct {
	ID string `yaml:"id"`
}

type RPCConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Retry   RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Initial  time.Duration `yaml:"initial"`
	Max      time.Duration `yaml:"max"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	// DSN is a postgres connection string or a sqlite file path.
	DSN string `yaml:"dsn"`
}

type ServerConfig struct {
	Addr           string `yaml:"addr"`
	BasePath       string `yaml:"base_path"`
	AdminJWTSecret string `yaml:"admin_jwt_secret"`
}

type WebhookConfig struct {
	Secret            string `yaml:"secret"`
	RebuildOnTerminal bool   `yaml:"rebuild_on_terminal"`
}

type BackfillConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
	PageSize     int `yaml:"page_size"`
	Concurrency  int `yaml:"concurrency"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "" || c.Env == "development"
}

// Default returns a config usable against a public devnet node and a local
// sqlite file.
func Default() *Config {
	return &Config{
		Env:     "development",
		Program: ProgramConfig{ID: DefaultProgramID},
		RPC: RPCConfig{
			URL:     "https://api.devnet.solana.com",
			Timeout: 15 * time.Second,
			Retry:   RetryConfig{Attempts: 4, Initial: 500 * time.Millisecond, Max: 8 * time.Second},
		},
		Database: DatabaseConfig{Driver: DriverSQLite, DSN: ".taskledger/taskledger.db"},
		Server:   ServerConfig{Addr: "127.0.0.1:8080", BasePath: "/v1"},
		Backfill: BackfillConfig{DefaultLimit: 500, MaxLimit: 2000, PageSize: 100, Concurrency: 20},
		Log:      LogConfig{Level: "info"},
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Program.ID == "" {
		return fmt.Errorf("config.program.id is required")
	}
	if c.RPC.URL == "" {
		return fmt.Errorf("config.rpc.url is required")
	}
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("config.rpc.timeout must be positive")
	}
	if c.RPC.Retry.Attempts < 1 {
		return fmt.Errorf("config.rpc.retry.attempts must be at least 1")
	}
	if c.RPC.Retry.Initial <= 0 || c.RPC.Retry.Max < c.RPC.Retry.Initial {
		return fmt.Errorf("config.rpc.retry requires 0 < initial <= max")
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("config.database.driver must be %q or %q", DriverSQLite, DriverPostgres)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("config.database.dsn is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	b := c.Backfill
	if b.DefaultLimit < 1 || b.MaxLimit < b.DefaultLimit {
		return fmt.Errorf("config.backfill requires 0 < default_limit <= max_limit")
	}
	if b.PageSize < 1 || b.PageSize > 1000 {
		return fmt.Errorf("config.backfill.page_size must be within 1..1000")
	}
	if b.Concurrency < 1 {
		return fmt.Errorf("config.backfill.concurrency must be at least 1")
	}
	return nil
}

// FromYAML parses raw YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads config from path. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadDotEnv loads .env.<service>, falling back to .env, outside production.
func LoadDotEnv(service string) {
	if os.Getenv("TASKLEDGER_ENV") == "production" {
		return
	}
	if err := godotenv.Load(fmt.Sprintf(".env.%s", service)); err != nil {
		_ = godotenv.Load(".env")
	}
}

// Keys lists the dotted keys Set accepts.
func Keys() []string {
	return []string{
		"env", "program.id",
		"rpc.url", "rpc.timeout", "rpc.retry.attempts", "rpc.retry.initial", "rpc.retry.max",
		"database.driver", "database.dsn",
		"server.addr", "server.base_path", "server.admin_jwt_secret",
		"webhook.secret", "webhook.rebuild_on_terminal",
		"backfill.default_limit", "backfill.max_limit", "backfill.page_size", "backfill.concurrency",
		"log.level",
	}
}

// Set overrides one dotted key from its string form (env vars, flags).
func (c *Config) Set(key, value string) error {
	var err error
	switch key {
	case "env":
		c.Env = value
	case "program.id":
		c.Program.ID = value
	case "rpc.url":
		c.RPC.URL = value
	case "rpc.timeout":
		c.RPC.Timeout, err = time.ParseDuration(value)
	case "rpc.retry.attempts":
		c.RPC.Retry.Attempts, err = strconv.Atoi(value)
	case "rpc.retry.initial":
		c.RPC.Retry.Initial, err = time.ParseDuration(value)
	case "rpc.retry.max":
		c.RPC.Retry.Max, err = time.ParseDuration(value)
	case "database.driver":
		c.Database.Driver = value
	case "database.dsn":
		c.Database.DSN = value
	case "server.addr":
		c.Server.Addr = value
	case "server.base_path":
		c.Server.BasePath = value
	case "server.admin_jwt_secret":
		c.Server.AdminJWTSecret = value
	case "webhook.secret":
		c.Webhook.Secret = value
	case "webhook.rebuild_on_terminal":
		c.Webhook.RebuildOnTerminal, err = strconv.ParseBool(value)
	case "backfill.default_limit":
		c.Backfill.DefaultLimit, err = strconv.Atoi(value)
	case "backfill.max_limit":
		c.Backfill.MaxLimit, err = strconv.Atoi(value)
	case "backfill.page_size":
		c.Backfill.PageSize, err = strconv.Atoi(value)
	case "backfill.concurrency":
		c.Backfill.Concurrency, err = strconv.Atoi(value)
	case "log.level":
		c.Log.Level = value
	default:
		return fmt.Errorf("unknown config key %s", key)
	}
	if err != nil {
		return fmt.Errorf("config %s: %w", key, err)
	}
	return nil
}

// GenerateDefault returns a commented starter file.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `env: development

program:
  id: Coxgjx4UMQZPRdDZT9CAdrvt4TMTyUKH79ziJiNFHk8S

rpc:
  url: https://api.devnet.solana.com
  timeout: 15s
  retry:
    attempts: 4
    initial: 500ms
    max: 8s

database:
  driver: sqlite            # or postgres
  dsn: .taskledger/taskledger.db

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  admin_jwt_secret: ""      # empty leaves admin endpoints open

webhook:
  secret: ""                # empty accepts every delivery
  rebuild_on_terminal: false

backfill:
  default_limit: 500
  max_limit: 2000
  page_size: 100
  concurrency: 20

log:
  level: info
`
