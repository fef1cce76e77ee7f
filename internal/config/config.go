package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DB holds Postgres connection settings.
type DB struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the Postgres connection URL.
func (c DB) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// Duration parses "2s"-style strings from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Timings collects every configurable interval and threshold.
type Timings struct {
	TickInterval           Duration `yaml:"tick_interval"`
	GraceMargin            Duration `yaml:"grace_margin"`
	InProgressTimeout      Duration `yaml:"in_progress_timeout"`
	StuckOverdue           Duration `yaml:"stuck_overdue"`
	StuckNoDeadline        Duration `yaml:"stuck_no_deadline"`
	EmergencyInterval      Duration `yaml:"emergency_interval"`
	MembershipPollInterval Duration `yaml:"membership_poll_interval"`
	ReconcileInterval      Duration `yaml:"reconcile_interval"`
	HeartbeatInterval      Duration `yaml:"heartbeat_interval"`
	LivenessWindow         Duration `yaml:"liveness_window"`
	ReconnectBase          Duration `yaml:"reconnect_base"`
	ReconnectMax           Duration `yaml:"reconnect_max"`
}

// Config is the full process configuration: defaults, overridden by an
// optional YAML file, overridden by environment variables.
type Config struct {
	DB DB `yaml:"db"`

	SessionID string `yaml:"session_id"`
	ClientID  string `yaml:"client_id"`

	// StoreBackend selects "postgres" or "memory".
	StoreBackend string `yaml:"store_backend"`
	// FeedTransport selects "nats" or "postgres".
	FeedTransport string `yaml:"feed_transport"`

	NATSURL     string `yaml:"nats_url"`
	GatewayPort string `yaml:"gateway_port"`

	Timings Timings `yaml:"timings"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DB: DB{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			Database: "conclave",
			SSLMode:  "disable",
		},
		StoreBackend:  "postgres",
		FeedTransport: "nats",
		NATSURL:       "nats://localhost:4222",
		GatewayPort:   "8080",
		Timings: Timings{
			TickInterval:           Duration(time.Second),
			GraceMargin:            Duration(2 * time.Second),
			InProgressTimeout:      Duration(30 * time.Second),
			StuckOverdue:           Duration(30 * time.Second),
			StuckNoDeadline:        Duration(5 * time.Minute),
			EmergencyInterval:      Duration(60 * time.Second),
			MembershipPollInterval: Duration(30 * time.Second),
			ReconcileInterval:      Duration(2 * time.Second),
			HeartbeatInterval:      Duration(10 * time.Second),
			LivenessWindow:         Duration(30 * time.Second),
			ReconnectBase:          Duration(time.Second),
			ReconnectMax:           Duration(30 * time.Second),
		},
	}
}

// Load builds the configuration. path may be empty to skip the YAML
// layer.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DB.Host = getEnv("DB_HOST", c.DB.Host)
	if port, err := strconv.Atoi(getEnv("DB_PORT", strconv.Itoa(c.DB.Port))); err == nil {
		c.DB.Port = port
	}
	c.DB.User = getEnv("DB_USER", c.DB.User)
	c.DB.Password = getEnv("DB_PASSWORD", c.DB.Password)
	c.DB.Database = getEnv("DB_NAME", c.DB.Database)
	c.DB.SSLMode = getEnv("DB_SSLMODE", c.DB.SSLMode)

	c.SessionID = getEnv("SESSION_ID", c.SessionID)
	c.ClientID = getEnv("CLIENT_ID", c.ClientID)
	c.StoreBackend = getEnv("STORE_BACKEND", c.StoreBackend)
	c.FeedTransport = getEnv("FEED_TRANSPORT", c.FeedTransport)
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.GatewayPort = getEnv("GATEWAY_PORT", c.GatewayPort)

	applyDurationEnv("TICK_INTERVAL", &c.Timings.TickInterval)
	applyDurationEnv("GRACE_MARGIN", &c.Timings.GraceMargin)
	applyDurationEnv("IN_PROGRESS_TIMEOUT", &c.Timings.InProgressTimeout)
	applyDurationEnv("STUCK_OVERDUE", &c.Timings.StuckOverdue)
	applyDurationEnv("STUCK_NO_DEADLINE", &c.Timings.StuckNoDeadline)
	applyDurationEnv("EMERGENCY_INTERVAL", &c.Timings.EmergencyInterval)
	applyDurationEnv("MEMBERSHIP_POLL_INTERVAL", &c.Timings.MembershipPollInterval)
	applyDurationEnv("RECONCILE_INTERVAL", &c.Timings.ReconcileInterval)
	applyDurationEnv("HEARTBEAT_INTERVAL", &c.Timings.HeartbeatInterval)
	applyDurationEnv("LIVENESS_WINDOW", &c.Timings.LivenessWindow)
	applyDurationEnv("RECONNECT_BASE", &c.Timings.ReconnectBase)
	applyDurationEnv("RECONNECT_MAX", &c.Timings.ReconnectMax)
}

func applyDurationEnv(key string, target *Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return
	}
	*target = Duration(parsed)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
