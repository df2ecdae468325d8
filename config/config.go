package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

const MinScanInterval = 5 * time.Second

type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	Inverter  InverterConfig  `mapstructure:"inverter"`
	Collector CollectorConfig `mapstructure:"collector"`
	History   HistoryConfig   `mapstructure:"history"`
	API       APIConfig       `mapstructure:"api"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Database  DatabaseConfig  `mapstructure:"database"`
}

type InverterConfig struct {
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	UnitID  uint8         `mapstructure:"unit_id"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CollectorConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	ScanInterval     time.Duration `mapstructure:"scan_interval"`
	PingHost         string        `mapstructure:"ping_host"`
	CheckStatusFirst bool          `mapstructure:"check_status_first"`
}

type HistoryConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	RememberImports bool          `mapstructure:"remember_imports"`
}

type APIConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

type DatabaseConfig struct {
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/solarmax-monitor")
	}

	setDefaults(v)

	v.SetEnvPrefix("solarmax")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("inverter.host", "")
	v.SetDefault("inverter.port", 502)
	v.SetDefault("inverter.unit_id", 1)
	v.SetDefault("inverter.timeout", "3s")
	v.SetDefault("collector.enabled", true)
	v.SetDefault("collector.scan_interval", "10s")
	v.SetDefault("collector.ping_host", "")
	v.SetDefault("collector.check_status_first", true)
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.monitor_interval", "60s")
	v.SetDefault("history.remember_imports", false)
	v.SetDefault("api.port", 8045)
	v.SetDefault("api.enabled", true)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic_prefix", "solarmax")
	v.SetDefault("mqtt.client_id", "solarmax-monitor")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("database.path", "./solarmax.db")
	v.SetDefault("database.retention", "720h")
}

// Validate checks the bounds the poll and history loops rely on.
func (c *Config) Validate() error {
	if c.Inverter.Host == "" {
		return errors.New("config param inverter.host is required")
	}
	if c.Inverter.Port <= 0 || c.Inverter.Port > 65535 {
		return fmt.Errorf("config param inverter.port out of range: %d", c.Inverter.Port)
	}
	if c.Inverter.Timeout <= 0 {
		return errors.New("config param inverter.timeout should be > 0")
	}
	if c.Collector.ScanInterval < MinScanInterval {
		return fmt.Errorf("config param collector.scan_interval should be >= %s", MinScanInterval)
	}
	if c.History.MonitorInterval <= 0 {
		return errors.New("config param history.monitor_interval should be > 0")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses log_level into a zap level.
func (c *Config) Level() (zapcore.Level, error) {
	switch c.LogLevel {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "trace", "debug":
		return zapcore.DebugLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("config param log_level unknown: %q", c.LogLevel)
	}
}

// Redacted returns a copy safe for logging.
func (c Config) Redacted() Config {
	if c.MQTT.Username != "" {
		c.MQTT.Username = "*redacted*"
	}
	if c.MQTT.Password != "" {
		c.MQTT.Password = "*redacted*"
	}
	return c
}
