package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cloudeval/internal/evaluation/model"
	"cloudeval/internal/evaluation/repository"

	"github.com/segmentio/kafka-go"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

func TestLoadAppConfigDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "evaluation:\n  store: memory\nredis:\n  addr: 127.0.0.1:6379\n")

	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.Server.Addr != defaultHTTPAddr || cfg.Server.ReadTimeout != defaultReadTimeout {
		t.Fatalf("server defaults not applied: %+v", cfg.Server)
	}
	if cfg.Evaluation.CommandTopic != defaultCommandTopic || cfg.Evaluation.EventTopic != defaultEventTopic {
		t.Fatalf("topic defaults not applied: %+v", cfg.Evaluation)
	}
	if cfg.Redis.PoolSize == 0 || cfg.Redis.DialTimeout == 0 {
		t.Fatalf("redis defaults not applied: %+v", cfg.Redis)
	}
	if cfg.Kafka.enabled() {
		t.Fatalf("kafka should be disabled without brokers")
	}
	if cfg.Kafka.DeadLetter != defaultDeadLetter || cfg.Kafka.Concurrency != 1 {
		t.Fatalf("kafka defaults not applied: %+v", cfg.Kafka)
	}
}

func TestLoadAppConfigValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
	}{
		{name: "mysql without dsn", content: "evaluation:\n  store: mysql\n"},
		{name: "default store without dsn", content: "server:\n  addr: :9000\n"},
		{name: "unknown store", content: "evaluation:\n  store: sqlite\n"},
		{name: "minio without bucket", content: "evaluation:\n  store: memory\nminio:\n  endpoint: localhost:9000\n"},
		{name: "malformed yaml", content: "evaluation: [\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := loadAppConfig(writeConfig(t, tt.content)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadAppConfigExpandsEnv(t *testing.T) {
	t.Setenv("EVAL_TEST_DSN", "user:pass@tcp(db:3306)/eval")
	path := writeConfig(t, "database:\n  dsn: ${EVAL_TEST_DSN}\n")

	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.Database.DSN != "user:pass@tcp(db:3306)/eval" {
		t.Fatalf("unexpected dsn: %q", cfg.Database.DSN)
	}
	if cfg.Evaluation.Store != storeMySQL {
		t.Fatalf("expected mysql store by default, got %q", cfg.Evaluation.Store)
	}
}

func TestKafkaConfigConversion(t *testing.T) {
	t.Parallel()
	k := KafkaConfig{
		Brokers:       []string{"k:9092"},
		Compression:   "ZSTD",
		RequiredAcks:  -1,
		ConsumerGroup: "g",
		Concurrency:   2,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		DeadLetter:    "dlq",
		MessageTTL:    time.Minute,
	}
	mqCfg := k.toMQConfig()
	if mqCfg.Compression != kafka.Zstd || mqCfg.RequiredAcks != kafka.RequireAll {
		t.Fatalf("unexpected mq config: %+v", mqCfg)
	}
	opts := k.subscribeOptions()
	if opts.ConsumerGroup != "g" || opts.DeadLetterTopic != "dlq" || opts.MaxRetries != 3 {
		t.Fatalf("unexpected subscribe options: %+v", opts)
	}
	if parseCompression("unknown") != kafka.Compression(0) {
		t.Fatalf("unknown compression should disable compression")
	}
}

func TestLoadSeed(t *testing.T) {
	t.Setenv("EVAL_TEST_SECRET", "s3cr3t")
	path := writeConfig(t, `studentAssessments:
  - id: sa-1
    assessmentID: a-1
    studentID: st-1
tasks:
  - id: t-2
    assessmentID: a-1
    taskNumber: 2
    provider: aws
    totalMarks: 10
    checks:
      - id: c-1
        checkNumber: 1
        points: 10
        script: return { passed = true }
  - id: t-1
    assessmentID: a-1
    taskNumber: 1
    provider: gcp
    totalMarks: 5
credentials:
  - studentAssessmentID: sa-1
    provider: aws
    values:
      access_key_id: AKIA
      secret_access_key: ${EVAL_TEST_SECRET}
`)
	store := repository.NewMemoryStore()
	if err := loadSeed(path, store); err != nil {
		t.Fatalf("load seed failed: %v", err)
	}

	ctx := context.Background()
	sa, err := store.GetStudentAssessment(ctx, "sa-1")
	if err != nil || sa.AssessmentID != "a-1" {
		t.Fatalf("unexpected student assessment: %+v, %v", sa, err)
	}
	tasks, err := store.ListTasks(ctx, "a-1")
	if err != nil || len(tasks) != 2 || tasks[0].ID != "t-1" {
		t.Fatalf("unexpected tasks: %+v, %v", tasks, err)
	}
	checks, err := store.ListChecks(ctx, "t-2")
	if err != nil || len(checks) != 1 || checks[0].TaskID != "t-2" {
		t.Fatalf("unexpected checks: %+v, %v", checks, err)
	}
	creds, err := store.GetCredentials(ctx, "sa-1", model.ProviderAWS)
	if err != nil || creds.Get("secret_access_key") != "s3cr3t" {
		t.Fatalf("unexpected credentials: %+v, %v", creds, err)
	}
}

func TestLoadSeedRejectsIncompleteEntries(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "tasks:\n  - id: t-1\n")
	if err := loadSeed(path, repository.NewMemoryStore()); err == nil {
		t.Fatalf("expected error for task without assessment")
	}
}
