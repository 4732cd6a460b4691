// Package config loads server configuration from an optional YAML file
// overlaid with LATTICE_* environment variables.
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

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string       `yaml:"environment" validate:"oneof=development production test"`
	Server      ServerConfig `yaml:"server"`
	Log         LogConfig    `yaml:"log"`
	Store       StoreConfig  `yaml:"store"`
	Bus         BusConfig    `yaml:"bus"`
	Rooms       RoomsConfig  `yaml:"rooms"`
	Replay      ReplayConfig `yaml:"replay"`
	Auth        AuthConfig   `yaml:"auth"`
	Limits      LimitsConfig `yaml:"limits"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite postgres memory"`
	Path   string `yaml:"path" validate:"required_if=Driver sqlite"`
	DSN    string `yaml:"dsn" validate:"required_if=Driver postgres"`
}

type BusConfig struct {
	Driver   string `yaml:"driver" validate:"oneof=local redis"`
	RedisURL string `yaml:"redis_url" validate:"required_if=Driver redis"`
}

type RoomsConfig struct {
	AutoCreate        bool     `yaml:"auto_create"`
	TrackingByDefault bool     `yaml:"tracking_by_default"`
	Public            []string `yaml:"public"`
	AllowAnonymous    bool     `yaml:"allow_anonymous"`
}

type ReplayConfig struct {
	ThrottleCeiling time.Duration `yaml:"throttle_ceiling" validate:"gt=0"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type LimitsConfig struct {
	MessagesPerSecond     float64 `yaml:"messages_per_second" validate:"gt=0"`
	Burst                 int     `yaml:"burst" validate:"gt=0"`
	MaxMessageSize        int64   `yaml:"max_message_size" validate:"gt=0"`
	HTTPRequestsPerSecond float64 `yaml:"http_requests_per_second" validate:"gte=0"`
	HTTPBurst             int     `yaml:"http_burst" validate:"gte=0"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log:   LogConfig{Level: "info"},
		Store: StoreConfig{Driver: "sqlite", Path: "./data/lattice.db"},
		Bus:   BusConfig{Driver: "local"},
		Rooms: RoomsConfig{
			AutoCreate:        true,
			TrackingByDefault: true,
		},
		Replay: ReplayConfig{ThrottleCeiling: 2 * time.Second},
		Limits: LimitsConfig{
			MessagesPerSecond:     100,
			Burst:                 200,
			MaxMessageSize:        1024 * 1024,
			HTTPRequestsPerSecond: 20,
			HTTPBurst:             40,
		},
	}
}

// Load reads path (if not empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	return validate.Struct(c)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) applyEnv() {
	c.Environment = getEnv("LATTICE_ENVIRONMENT", c.Environment)

	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	c.Server.Addr = getEnv("LATTICE_SERVER_ADDR", c.Server.Addr)
	c.Server.AllowedOrigins = getEnvList("LATTICE_ALLOWED_ORIGINS", c.Server.AllowedOrigins)
	c.Server.ShutdownTimeout = getEnvDuration("LATTICE_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Log.Level = getEnv("LATTICE_LOG_LEVEL", c.Log.Level)

	c.Store.Driver = getEnv("LATTICE_STORE_DRIVER", c.Store.Driver)
	c.Store.Path = getEnv("LATTICE_DB_PATH", c.Store.Path)
	c.Store.Path = getEnv("LATTICE_STORE_PATH", c.Store.Path)
	c.Store.DSN = getEnv("LATTICE_STORE_DSN", c.Store.DSN)

	c.Bus.Driver = getEnv("LATTICE_BUS_DRIVER", c.Bus.Driver)
	c.Bus.RedisURL = getEnv("LATTICE_REDIS_URL", c.Bus.RedisURL)

	c.Rooms.AutoCreate = getEnvBool("LATTICE_AUTO_CREATE_ROOMS", c.Rooms.AutoCreate)
	c.Rooms.TrackingByDefault = getEnvBool("LATTICE_TRACKING_BY_DEFAULT", c.Rooms.TrackingByDefault)
	c.Rooms.Public = getEnvList("LATTICE_PUBLIC_ROOMS", c.Rooms.Public)
	c.Rooms.AllowAnonymous = getEnvBool("LATTICE_ALLOW_ANONYMOUS", c.Rooms.AllowAnonymous)

	c.Replay.ThrottleCeiling = getEnvDuration("LATTICE_REPLAY_THROTTLE_CEILING", c.Replay.ThrottleCeiling)

	c.Auth.JWTSecret = getEnv("LATTICE_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.Issuer = getEnv("LATTICE_JWT_ISSUER", c.Auth.Issuer)

	c.Limits.MessagesPerSecond = getEnvFloat("LATTICE_MESSAGES_PER_SECOND", c.Limits.MessagesPerSecond)
	c.Limits.Burst = getEnvInt("LATTICE_MESSAGE_BURST", c.Limits.Burst)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
