package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Log       LogConfig        `mapstructure:"log"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Database  DatabaseConfig   `mapstructure:"database"`
	MQTT      MQTTConfig       `mapstructure:"mqtt"`
	Engine    EngineConfig     `mapstructure:"engine"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Auth      AuthConfig       `mapstructure:"auth"`
	MDNS      MDNSConfig       `mapstructure:"mdns"`
	Remote    RemoteConfig     `mapstructure:"remote_access"`
	Schedules []ScheduleConfig `mapstructure:"schedules"`
}

type AppConfig struct {
	AgentID string `mapstructure:"agent_id"`
	Port    int    `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// TreePrefix namespaces the property tree keys
	TreePrefix string `mapstructure:"tree_prefix"`
}

type DatabaseConfig struct {
	// URL is optional; execution history is disabled when empty
	URL string `mapstructure:"url"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
}

type EngineConfig struct {
	RulesRoot    string `mapstructure:"rules_root"`
	TriggersRoot string `mapstructure:"triggers_root"`
	Timezone     string `mapstructure:"timezone"`
	OverlapGuard bool   `mapstructure:"overlap_guard"`
	// DurableDelays routes delayed action_execute events through asynq
	DurableDelays bool `mapstructure:"durable_delays"`
}

type HTTPConfig struct {
	URLTimeout time.Duration `mapstructure:"url_timeout"`
}

type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	AdminUser     string        `mapstructure:"admin_user"`
	AdminPassHash string        `mapstructure:"admin_password_hash"`
	TokenLifetime time.Duration `mapstructure:"token_lifetime"`
}

type MDNSConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	LocalName string `mapstructure:"local_name"`
}

type RemoteConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	PublicWS   string        `mapstructure:"public_ws"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// ScheduleConfig raises Event with Params on every Cron tick
type ScheduleConfig struct {
	ID     string            `mapstructure:"id"`
	Cron   string            `mapstructure:"cron"`
	Event  string            `mapstructure:"event"`
	Params map[string]string `mapstructure:"params"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.agent_id", "dsrules")
	v.SetDefault("app.port", 5069)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.tree_prefix", "dss")
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "dsrules-engine")
	v.SetDefault("engine.rules_root", "/usr/events")
	v.SetDefault("engine.triggers_root", "/usr/triggers")
	v.SetDefault("engine.timezone", "Local")
	v.SetDefault("engine.overlap_guard", true)
	v.SetDefault("engine.durable_delays", true)
	v.SetDefault("http.url_timeout", 10*time.Second)
	v.SetDefault("auth.admin_user", "admin")
	v.SetDefault("auth.token_lifetime", 24*time.Hour)
	v.SetDefault("mdns.enabled", false)
	v.SetDefault("mdns.local_name", "dsrules.local")
	v.SetDefault("remote_access.enabled", false)
	v.SetDefault("remote_access.retry_delay", 2*time.Second)
}

// LoadConfig reads configuration from file, .env, or env vars
func LoadConfig(path string) (*Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DSR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("app.port out of range: %d", c.App.Port)
	}
	if !strings.HasPrefix(c.Engine.RulesRoot, "/") {
		return fmt.Errorf("engine.rules_root must be absolute: %q", c.Engine.RulesRoot)
	}
	if !strings.HasPrefix(c.Engine.TriggersRoot, "/") {
		return fmt.Errorf("engine.triggers_root must be absolute: %q", c.Engine.TriggersRoot)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("engine.timezone: %w", err)
	}
	if c.Remote.Enabled && c.Remote.PublicWS == "" {
		return errors.New("remote_access.public_ws is required when remote access is enabled")
	}
	for i, s := range c.Schedules {
		if s.Cron == "" || s.Event == "" {
			return fmt.Errorf("schedules[%d]: cron and event are required", i)
		}
	}
	return nil
}

// Location returns the time zone conditions are evaluated in
func (c *Config) Location() (*time.Location, error) {
	if c.Engine.Timezone == "" || c.Engine.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Engine.Timezone)
}
