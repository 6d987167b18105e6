package main

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestMergeMap(t *testing.T) {
	t.Parallel()
	base := map[string]interface{}{
		"kafka": map[string]interface{}{"clientID": "svc", "concurrency": 1},
		"store": "mysql",
	}
	override := map[string]interface{}{
		"kafka": map[string]interface{}{"concurrency": 4},
		"store": "memory",
	}
	merged := mergeMap(base, override)
	kafka := merged["kafka"].(map[string]interface{})
	if kafka["clientID"] != "svc" || kafka["concurrency"] != 4 {
		t.Fatalf("unexpected kafka section: %v", kafka)
	}
	if merged["store"] != "memory" {
		t.Fatalf("expected scalar override, got %v", merged["store"])
	}
	if base["store"] != "mysql" {
		t.Fatalf("base was mutated")
	}
}

func TestApplyShared(t *testing.T) {
	t.Parallel()
	shared := SharedProfile{
		Brokers:      []string{"kafka:9092"},
		RedisAddr:    "redis:6379",
		CommandTopic: "cmds",
		HTTPAddr:     "eval:8090",
	}

	svc := map[string]interface{}{"kafka": map[string]interface{}{"clientID": "svc"}}
	applyShared(shared, serviceEvaluation, svc)
	if got := svc["kafka"].(map[string]interface{})["brokers"].([]interface{}); len(got) != 1 || got[0] != "kafka:9092" {
		t.Fatalf("unexpected brokers: %v", got)
	}
	if svc["redis"].(map[string]interface{})["addr"] != "redis:6379" {
		t.Fatalf("redis addr not applied: %v", svc["redis"])
	}
	if svc["evaluation"].(map[string]interface{})["commandTopic"] != "cmds" {
		t.Fatalf("command topic not applied")
	}

	cli := map[string]interface{}{}
	applyShared(shared, serviceCLI, cli)
	if cli["baseURL"] != "http://eval:8090" || cli["redisAddr"] != "redis:6379" || cli["commandTopic"] != "cmds" {
		t.Fatalf("unexpected cli config: %v", cli)
	}

	other := map[string]interface{}{}
	applyShared(shared, "unknown", other)
	if len(other) != 0 {
		t.Fatalf("unknown service should be untouched: %v", other)
	}
}

func TestRunRendersServices(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.yaml"), "evaluation:\n  store: mysql\nkafka:\n  clientID: svc\n")
	writeFile(t, filepath.Join(dir, "cli.yaml"), "timeout: 5s\n")
	writeFile(t, filepath.Join(dir, "profile.yaml"), `outputDir: out
shared:
  brokers: ["k1:9092"]
  commandTopic: cmds
services:
  evaluation-service:
    base: base.yaml
    output: evaluation_service.yaml
    overrides:
      evaluation:
        store: memory
  evalctl:
    base: cli.yaml
`)

	if err := run(filepath.Join(dir, "profile.yaml"), ""); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var svc map[string]interface{}
	readYAML(t, filepath.Join(dir, "out", "evaluation_service.yaml"), &svc)
	evaluation := svc["evaluation"].(map[string]interface{})
	if evaluation["store"] != "memory" || evaluation["commandTopic"] != "cmds" {
		t.Fatalf("unexpected evaluation section: %v", evaluation)
	}

	var cli map[string]interface{}
	readYAML(t, filepath.Join(dir, "out", "cli.yaml"), &cli)
	if cli["timeout"] != "5s" || cli["commandTopic"] != "cmds" {
		t.Fatalf("unexpected cli config: %v", cli)
	}
}

func TestRunRequiresServices(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "profile.yaml"), "outputDir: out\n")
	if err := run(filepath.Join(dir, "profile.yaml"), ""); err == nil {
		t.Fatalf("expected error for empty profile")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s failed: %v", path, err)
	}
}

func readYAML(t *testing.T, path string, out interface{}) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s failed: %v", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		t.Fatalf("parse %s failed: %v", path, err)
	}
}
