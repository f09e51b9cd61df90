// Package config loads the server configuration from a YAML file with
// SPEEDFOG_* environment overrides on top, so containers can tweak a deployed
// config without rewriting the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Seeds    SeedsConfig    `yaml:"seeds"`
	Monitor  MonitorConfig  `yaml:"monitor"`
}

type ServerConfig struct {
	Port         string   `yaml:"port"`
	Env          string   `yaml:"env"`
	AllowOrigins []string `yaml:"allow_origins"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	EventPrefix string `yaml:"event_prefix"`
}

type SeedsConfig struct {
	Dir  string `yaml:"dir"`
	Pool string `yaml:"pool"`
}

type MonitorConfig struct {
	InactivityMinutes int `yaml:"inactivity_minutes"`
	NoShowMinutes     int `yaml:"no_show_minutes"`
}

// InactivityTimeout is how long a runner's in-game time may stand still.
func (m MonitorConfig) InactivityTimeout() time.Duration {
	return time.Duration(m.InactivityMinutes) * time.Minute
}

// NoShowTimeout is how long a registered entrant gets to start playing.
func (m MonitorConfig) NoShowTimeout() time.Duration {
	return time.Duration(m.NoShowMinutes) * time.Minute
}

// Load reads the YAML file at path, fills defaults and applies environment
// overrides. A missing file is not an error: defaults plus environment make a
// complete config.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			decoder := yaml.NewDecoder(f)
			decodeErr := decoder.Decode(cfg)
			f.Close()
			if decodeErr != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, decodeErr)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Env:  "development",
		},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{
			EventPrefix: "speedfog:events:",
		},
		Seeds: SeedsConfig{
			Pool: "default",
		},
		Monitor: MonitorConfig{
			InactivityMinutes: 15,
			NoShowMinutes:     15,
		},
	}
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "SPEEDFOG_PORT")
	setString(&c.Server.Env, "SPEEDFOG_ENV")
	setString(&c.Database.URL, "SPEEDFOG_DATABASE_URL")
	setInt(&c.Database.MaxOpenConns, "SPEEDFOG_DB_MAX_OPEN_CONNS")
	setInt(&c.Database.MaxIdleConns, "SPEEDFOG_DB_MAX_IDLE_CONNS")
	setString(&c.Redis.Addr, "SPEEDFOG_REDIS_ADDR")
	setString(&c.Redis.Password, "SPEEDFOG_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "SPEEDFOG_REDIS_DB")
	setString(&c.Redis.EventPrefix, "SPEEDFOG_EVENT_PREFIX")
	setString(&c.Seeds.Dir, "SPEEDFOG_SEEDS_DIR")
	setString(&c.Seeds.Pool, "SPEEDFOG_SEEDS_POOL")
	setInt(&c.Monitor.InactivityMinutes, "SPEEDFOG_INACTIVITY_MINUTES")
	setInt(&c.Monitor.NoShowMinutes, "SPEEDFOG_NO_SHOW_MINUTES")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
