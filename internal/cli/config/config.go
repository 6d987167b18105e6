package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL      = "http://127.0.0.1:8090"
	DefaultTimeout      = 10 * time.Second
	DefaultStatePath    = "configs/evalctl_state.json"
	DefaultHistoryFile  = "/tmp/evalctl_history"
	DefaultCommandTopic = "evaluation.commands"
)

// Config holds CLI configuration.
type Config struct {
	// BaseURL is the status API of the evaluation service.
	BaseURL      string        `yaml:"baseURL"`
	Timeout      time.Duration `yaml:"timeout"`
	Brokers      []string      `yaml:"brokers"`
	CommandTopic string        `yaml:"commandTopic"`
	// RedisAddr enables status reads from the job status cache.
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	// RedisKeyPrefix must match the service's redis.keyPrefix.
	RedisKeyPrefix string `yaml:"redisKeyPrefix"`
	StatePath      string `yaml:"statePath"`
	HistoryFile    string `yaml:"historyFile"`
	PrettyJSON     *bool  `yaml:"prettyJSON"`
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config file failed: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file failed: %w", err)
		}
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CommandTopic == "" {
		cfg.CommandTopic = DefaultCommandTopic
	}
	if cfg.StatePath == "" {
		cfg.StatePath = DefaultStatePath
	}
	if cfg.HistoryFile == "" {
		cfg.HistoryFile = DefaultHistoryFile
	}
	if cfg.PrettyJSON == nil {
		value := true
		cfg.PrettyJSON = &value
	}
}
