package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	serviceEvaluation = "evaluation-service"
	serviceCLI        = "evalctl"
)

// Profile renders one config per service from a base file plus overrides.
type Profile struct {
	OutputDir string                    `yaml:"outputDir"`
	Shared    SharedProfile             `yaml:"shared"`
	Services  map[string]ServiceProfile `yaml:"services"`
}

// SharedProfile holds the infrastructure endpoints both binaries must agree on.
type SharedProfile struct {
	Brokers      []string `yaml:"brokers"`
	RedisAddr    string   `yaml:"redisAddr"`
	CommandTopic string   `yaml:"commandTopic"`
	HTTPAddr     string   `yaml:"httpAddr"`
}

type ServiceProfile struct {
	Base      string                 `yaml:"base"`
	Output    string                 `yaml:"output"`
	Overrides map[string]interface{} `yaml:"overrides"`
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile failed: %w", err)
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile failed: %w", err)
	}
	if len(profile.Services) == 0 {
		return nil, errors.New("profile has no services")
	}
	return &profile, nil
}

func render(profile *Profile, name string, svc ServiceProfile) (map[string]interface{}, error) {
	base, err := loadYAML(svc.Base)
	if err != nil {
		return nil, fmt.Errorf("load base config failed: %w", err)
	}
	root, ok := normalizeValue(base).(map[string]interface{})
	if !ok {
		return nil, errors.New("base config is not a map")
	}
	if len(svc.Overrides) > 0 {
		override, _ := normalizeValue(svc.Overrides).(map[string]interface{})
		root = mergeMap(root, override)
	}
	applyShared(profile.Shared, name, root)
	return root, nil
}

// applyShared writes the shared endpoints into the keys each binary reads.
func applyShared(shared SharedProfile, name string, root map[string]interface{}) {
	switch name {
	case serviceEvaluation:
		if len(shared.Brokers) > 0 {
			child(root, "kafka")["brokers"] = stringList(shared.Brokers)
		}
		if shared.RedisAddr != "" {
			child(root, "redis")["addr"] = shared.RedisAddr
		}
		if shared.CommandTopic != "" {
			child(root, "evaluation")["commandTopic"] = shared.CommandTopic
		}
		if shared.HTTPAddr != "" {
			child(root, "server")["addr"] = shared.HTTPAddr
		}
	case serviceCLI:
		if len(shared.Brokers) > 0 {
			root["brokers"] = stringList(shared.Brokers)
		}
		if shared.RedisAddr != "" {
			root["redisAddr"] = shared.RedisAddr
		}
		if shared.CommandTopic != "" {
			root["commandTopic"] = shared.CommandTopic
		}
		if shared.HTTPAddr != "" {
			root["baseURL"] = "http://" + shared.HTTPAddr
		}
	}
}

func child(root map[string]interface{}, key string) map[string]interface{} {
	m, ok := root[key].(map[string]interface{})
	if !ok {
		m = map[string]interface{}{}
		root[key] = m
	}
	return m
}

func stringList(in []string) []interface{} {
	out := make([]interface{}, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

func loadYAML(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read yaml failed: %w", err)
	}
	var value interface{}
	if err := yaml.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("parse yaml failed: %w", err)
	}
	return value, nil
}

func writeYAML(path string, value interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir failed: %w", err)
	}
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal yaml failed: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write yaml failed: %w", err)
	}
	return nil
}

func resolveOutputPath(outputDir string, svc ServiceProfile) (string, error) {
	output := svc.Output
	if output == "" {
		output = filepath.Base(svc.Base)
	}
	if output == "" || output == "." {
		return "", errors.New("output path is empty")
	}
	if filepath.IsAbs(output) {
		return output, nil
	}
	return filepath.Join(outputDir, output), nil
}

func normalizeValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[k] = normalizeValue(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[fmt.Sprint(k)] = normalizeValue(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(typed))
		for _, item := range typed {
			out = append(out, normalizeValue(item))
		}
		return out
	default:
		return value
	}
}

// mergeMap returns base with override applied; nested maps merge recursively,
// anything else is replaced.
func mergeMap(base, override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for key, value := range override {
		baseChild, baseIsMap := merged[key].(map[string]interface{})
		overrideChild, overrideIsMap := value.(map[string]interface{})
		if baseIsMap && overrideIsMap {
			merged[key] = mergeMap(baseChild, overrideChild)
			continue
		}
		merged[key] = value
	}
	return merged
}
