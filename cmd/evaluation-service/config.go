package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"cloudeval/internal/common/cache"
	"cloudeval/internal/common/db"
	"cloudeval/internal/common/mq"
	"cloudeval/internal/common/storage"
	"cloudeval/pkg/utils/logger"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second

	defaultCommandTopic = "evaluation.commands"
	defaultEventTopic   = "evaluation.events"
	defaultDeadLetter   = "evaluation.commands.dlq"
	defaultEventBuffer  = 1024
	defaultHTTPTimeout  = 10 * time.Second

	storeMySQL  = "mysql"
	storeMemory = "memory"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// KafkaConfig holds Kafka settings. Kafka is disabled when no brokers are set.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ClientID      string        `yaml:"clientID"`
	MinBytes      int           `yaml:"minBytes"`
	MaxBytes      int           `yaml:"maxBytes"`
	MaxWait       time.Duration `yaml:"maxWait"`
	BatchSize     int           `yaml:"batchSize"`
	BatchTimeout  time.Duration `yaml:"batchTimeout"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	RequiredAcks  int           `yaml:"requiredAcks"`
	Compression   string        `yaml:"compression"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	DeadLetter    string        `yaml:"deadLetterTopic"`
	MessageTTL    time.Duration `yaml:"messageTTL"`
}

// MinIOConfig holds evidence archive storage settings. The archive is
// disabled when no endpoint is set.
type MinIOConfig struct {
	storage.MinIOConfig `yaml:",inline"`
	Bucket              string `yaml:"bucket"`
}

// EvaluationConfig holds engine and sandbox settings.
type EvaluationConfig struct {
	Store                 string        `yaml:"store"`
	SeedFile              string        `yaml:"seedFile"`
	SandboxTimeout        time.Duration `yaml:"sandboxTimeout"`
	MaxSleep              time.Duration `yaml:"maxSleep"`
	AllowedModules        []string      `yaml:"allowedModules"`
	AllowedHTTPHosts      []string      `yaml:"allowedHTTPHosts"`
	HTTPTimeout           time.Duration `yaml:"httpTimeout"`
	AWSEndpoint           string        `yaml:"awsEndpoint"`
	InlineEvidenceLimit   int           `yaml:"inlineEvidenceLimit"`
	EstimatePerAssessment time.Duration `yaml:"estimatePerAssessment"`
	StatusTTL             time.Duration `yaml:"statusTTL"`
	CommandTopic          string        `yaml:"commandTopic"`
	EventTopic            string        `yaml:"eventTopic"`
	EventBuffer           int           `yaml:"eventBuffer"`
}

// AppConfig holds evaluation-service config.
type AppConfig struct {
	Server     ServerConfig      `yaml:"server"`
	Logger     logger.Config     `yaml:"logger"`
	Database   db.MySQLConfig    `yaml:"database"`
	Redis      cache.RedisConfig `yaml:"redis"`
	Kafka      KafkaConfig       `yaml:"kafka"`
	MinIO      MinIOConfig       `yaml:"minio"`
	Evaluation EvaluationConfig  `yaml:"evaluation"`
}

// loadEnv loads KEY=VALUE pairs from path without overriding variables that
// are already set. A missing file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file failed: %w", err)
	}
	return nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyEvaluationDefaults(&cfg.Evaluation)
	switch cfg.Evaluation.Store {
	case storeMySQL:
		if cfg.Database.DSN == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
	case storeMemory:
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Evaluation.Store)
	}
	if cfg.Redis.Addr != "" {
		cfg.Redis.ApplyDefaults()
	}
	if cfg.MinIO.Endpoint != "" && cfg.MinIO.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	applyServerDefaults(&cfg.Server)
	applyKafkaDefaults(&cfg.Kafka)
	return &cfg, nil
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Addr == "" {
		cfg.Addr = defaultHTTPAddr
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
}

func applyEvaluationDefaults(cfg *EvaluationConfig) {
	if cfg.Store == "" {
		cfg.Store = storeMySQL
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.CommandTopic == "" {
		cfg.CommandTopic = defaultCommandTopic
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = defaultEventTopic
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
}

func applyKafkaDefaults(cfg *KafkaConfig) {
	if cfg.ClientID == "" {
		cfg.ClientID = "evaluation-service"
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "evaluation-service"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.DeadLetter == "" {
		cfg.DeadLetter = defaultDeadLetter
	}
}

func (k KafkaConfig) enabled() bool {
	return len(k.Brokers) > 0
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		Compression:  parseCompression(k.Compression),
	}
}

func (k KafkaConfig) subscribeOptions() *mq.SubscribeOptions {
	return &mq.SubscribeOptions{
		ConsumerGroup:   k.ConsumerGroup,
		Concurrency:     k.Concurrency,
		MaxRetries:      k.MaxRetries,
		RetryDelay:      k.RetryDelay,
		DeadLetterTopic: k.DeadLetter,
		MessageTTL:      k.MessageTTL,
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}
