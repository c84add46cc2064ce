package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Camera     CameraConfig     `mapstructure:"camera"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Retention  RetentionConfig  `mapstructure:"retention"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type CameraConfig struct {
	// DefaultConfidence is used when a detection report omits confidence.
	DefaultConfidence float64 `mapstructure:"default_confidence"`
	DevicePath        string  `mapstructure:"device_path"`
}

type MonitoringConfig struct {
	// CapacityWarningThreshold is the occupancy ratio (0..1) above which a
	// capacity_warning alert is raised before the lot is actually full.
	CapacityWarningThreshold float64 `mapstructure:"capacity_warning_threshold"`
	// DefaultPenalty applies per excess vehicle when the owning contractor
	// cannot be resolved.
	DefaultPenalty float64       `mapstructure:"default_penalty"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
}

type StreamConfig struct {
	SignalingURL          string        `mapstructure:"signaling_url"`
	RoomID                string        `mapstructure:"room_id"`
	ReconnectInitialDelay time.Duration `mapstructure:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `mapstructure:"reconnect_max_delay"`
	ReconnectMaxAttempts  int           `mapstructure:"reconnect_max_attempts"`
	IngestURL             string        `mapstructure:"ingest_url"`
}

type RetentionConfig struct {
	CapacityLogDays int    `mapstructure:"capacity_log_days"`
	Schedule        string `mapstructure:"schedule"`
}

func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("database.dsn", "host=localhost user=parking password=parking dbname=parking port=5432 sslmode=disable")
	v.SetDefault("camera.default_confidence", 0.85)
	v.SetDefault("camera.device_path", "/dev/video0")
	v.SetDefault("monitoring.capacity_warning_threshold", 0.9)
	v.SetDefault("monitoring.default_penalty", 50.0)
	v.SetDefault("monitoring.ping_interval", 30*time.Second)
	v.SetDefault("stream.signaling_url", "ws://localhost:9000/signal")
	v.SetDefault("stream.reconnect_initial_delay", time.Second)
	v.SetDefault("stream.reconnect_max_delay", 30*time.Second)
	v.SetDefault("stream.reconnect_max_attempts", 5)
	v.SetDefault("retention.capacity_log_days", 30)
	v.SetDefault("retention.schedule", "0 3 * * *")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("PARKING_MONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Monitoring.CapacityWarningThreshold <= 0 || c.Monitoring.CapacityWarningThreshold >= 1 {
		return fmt.Errorf("monitoring.capacity_warning_threshold must be in (0,1), got %v", c.Monitoring.CapacityWarningThreshold)
	}
	if c.Camera.DefaultConfidence < 0 || c.Camera.DefaultConfidence > 1 {
		return fmt.Errorf("camera.default_confidence must be in [0,1], got %v", c.Camera.DefaultConfidence)
	}
	if c.Stream.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("stream.reconnect_max_attempts must be at least 1, got %d", c.Stream.ReconnectMaxAttempts)
	}
	return nil
}
