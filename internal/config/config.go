// Package config loads the crewline configuration: a YAML file merged
// with CREWLINE_-prefixed environment variables, with sane defaults for
// everything not set.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the whole process configuration, shared by the gateway and
// worker roles.
type Config struct {
	Server Server `yaml:"server" mapstructure:"server"`
	Store  Store  `yaml:"store" mapstructure:"store"`
	Crews  Crews  `yaml:"crews" mapstructure:"crews"`
	Worker Worker `yaml:"worker" mapstructure:"worker"`
	Gate   Gate   `yaml:"gate" mapstructure:"gate"`

	// Agents maps agent names (as referenced by crew tasks) to the base
	// URLs of the services that perform their work.
	Agents map[string]string `yaml:"agents" mapstructure:"agents"`
}

// Server configures the HTTP gateway.
type Server struct {
	Host               string        `yaml:"host" mapstructure:"host"`
	Port               int           `yaml:"port" mapstructure:"port"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	StreamPollInterval time.Duration `yaml:"stream_poll_interval" mapstructure:"stream_poll_interval"`
}

// Addr is the listen address in host:port form.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Store configures the sqlite store shared by all roles. Every process
// that should see the same executions must point at the same path.
type Store struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// Crews configures where crew definitions are loaded from.
type Crews struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// Worker configures the execution worker.
type Worker struct {
	Count         int           `yaml:"count" mapstructure:"count"`
	ClaimInterval time.Duration `yaml:"claim_interval" mapstructure:"claim_interval"`
	CallTimeout   time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
}

// Gate configures human-input resolution latency knobs.
type Gate struct {
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// Load reads configuration from path (or the default search locations
// when path is empty) and overlays CREWLINE_-prefixed environment
// variables. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.heartbeat_interval", 15*time.Second)
	v.SetDefault("server.stream_poll_interval", 500*time.Millisecond)
	v.SetDefault("store.path", "crewline.db")
	v.SetDefault("crews.dir", "crews")
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.claim_interval", 500*time.Millisecond)
	v.SetDefault("worker.call_timeout", 5*time.Minute)
	v.SetDefault("gate.poll_interval", 500*time.Millisecond)
	v.SetDefault("gate.sweep_interval", 5*time.Second)

	v.SetEnvPrefix("CREWLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("crewline")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be positive, got %d", c.Worker.Count)
	}
	return nil
}
