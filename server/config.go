package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/puyokura/relaychat/logging"
	"github.com/puyokura/relaychat/model"
)

type TransportConfig struct {
	Kind         string `mapstructure:"kind"` // memory, redis, nats
	RedisAddr    string `mapstructure:"redis_addr"`
	NATSURL      string `mapstructure:"nats_url"`
	Prefix       string `mapstructure:"prefix"`
	SelfDelivery bool   `mapstructure:"self_delivery"`
}

type StoreConfig struct {
	Kind       string `mapstructure:"kind"` // memory, file, sqlite, redis
	Dir        string `mapstructure:"dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
	RedisAddr  string `mapstructure:"redis_addr"`
	Prefix     string `mapstructure:"prefix"`
}

type LeaseConfig struct {
	Key string        `mapstructure:"key"`
	TTL time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

type Config struct {
	Host            string          `mapstructure:"host"`
	Port            string          `mapstructure:"port"`
	ServerName      string          `mapstructure:"server_name"`
	WelcomeMessage  string          `mapstructure:"welcome_message"`
	Rooms           []string        `mapstructure:"rooms"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	Transport       TransportConfig `mapstructure:"transport"`
	Store           StoreConfig     `mapstructure:"store"`
	Lease           LeaseConfig     `mapstructure:"lease"`
	Log             LogConfig       `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "localhost")
	v.SetDefault("port", "8999")
	v.SetDefault("server_name", "RelayChat Server")
	v.SetDefault("welcome_message", "Welcome to RelayChat! Type /help for commands.")
	v.SetDefault("rooms", model.DefaultRooms)
	v.SetDefault("shutdown_timeout", "30s")

	v.SetDefault("transport.kind", "memory")
	v.SetDefault("transport.redis_addr", "localhost:6379")
	v.SetDefault("transport.nats_url", "nats://localhost:4222")
	v.SetDefault("transport.prefix", "relaychat")
	v.SetDefault("transport.self_delivery", false)

	v.SetDefault("store.kind", "file")
	v.SetDefault("store.dir", "data")
	v.SetDefault("store.sqlite_path", "data/relaychat.db")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.prefix", "relaychat")

	v.SetDefault("lease.key", "relaychat:authority")
	v.SetDefault("lease.ttl", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "logs/server.log")
}

// LoadConfig reads path, creating it from defaults when it does not exist.
// RELAYCHAT_* environment variables override file values, with dots in
// keys written as underscores (RELAYCHAT_TRANSPORT_KIND).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("RELAYCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := v.WriteConfigAs(path); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	} else if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(c.Rooms) == 0 {
		c.Rooms = model.DefaultRooms
	}
	return &c, nil
}

func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func (c *Config) Logging() logging.Config {
	return logging.Config{Level: c.Log.Level, Development: c.Log.Development, File: c.Log.File}
}
