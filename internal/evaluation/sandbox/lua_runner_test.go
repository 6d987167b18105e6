package sandbox_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"cloudeval/internal/evaluation/model"
	"cloudeval/internal/evaluation/sandbox"
	appErr "cloudeval/pkg/errors"
)

func newRunner(timeout time.Duration) *sandbox.LuaRunner {
	return sandbox.NewLuaRunner(sandbox.LuaConfig{
		Timeout:  timeout,
		MaxSleep: 50 * time.Millisecond,
	}, sandbox.JSONModule{})
}

func TestLuaRunnerResultContract(t *testing.T) {
	t.Parallel()
	creds := &model.CloudCredentials{
		Provider: model.ProviderAWS,
		Values: map[string]string{
			"region":            "eu-west-1",
			"access_key_id":     "AKIA",
			"secret_access_key": "shh",
		},
	}

	tests := []struct {
		name     string
		script   string
		passed   bool
		evidence string
		errMsg   string
	}{
		{
			name:     "returned table",
			script:   `return { passed = true, evidence = "bucket found" }`,
			passed:   true,
			evidence: "bucket found",
		},
		{
			name: "validate function",
			script: `function validate(creds)
				return { passed = creds.region == "eu-west-1", evidence = provider }
			end`,
			passed:   true,
			evidence: "aws",
		},
		{
			name:   "secrets are hidden",
			script: `return { passed = credentials.secret_access_key == nil and credentials.access_key_id == nil }`,
			passed: true,
		},
		{
			name:   "failed with error field",
			script: `return { passed = false, error = "no instances" }`,
			errMsg: "no instances",
		},
		{
			name:   "no result",
			script: `local x = 1`,
			errMsg: "script did not return a result",
		},
		{
			name:   "passed is not boolean",
			script: `return { passed = "yes" }`,
			errMsg: "result.passed must be a boolean",
		},
		{
			name:   "raised error",
			script: `error("boom")`,
			errMsg: "boom",
		},
		{
			name:   "syntax error",
			script: `return {`,
			errMsg: "<string>",
		},
		{
			name:     "print becomes evidence",
			script:   `print("checked", 3) return { passed = true }`,
			passed:   true,
			evidence: "checked\t3",
		},
		{
			name:     "table evidence is encoded",
			script:   `return { passed = true, evidence = { count = 2 } }`,
			passed:   true,
			evidence: `{"count":2}`,
		},
		{
			name:   "json module",
			script: `local json = require("json") return { passed = json.get('{"a":{"b":5}}', "a.b") == 5 }`,
			passed: true,
		},
	}

	runner := newRunner(2 * time.Second)
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := runner.Run(context.Background(), sandbox.Request{
				Script:      tt.script,
				Credentials: creds,
				Provider:    model.ProviderAWS,
			})
			if res.Passed != tt.passed {
				t.Fatalf("expected passed=%v, got %+v", tt.passed, res)
			}
			if tt.evidence != "" && res.Evidence != tt.evidence {
				t.Fatalf("expected evidence %q, got %q", tt.evidence, res.Evidence)
			}
			if tt.errMsg != "" && !strings.Contains(res.Error, tt.errMsg) {
				t.Fatalf("expected error containing %q, got %q", tt.errMsg, res.Error)
			}
		})
	}
}

func TestLuaRunnerTimeout(t *testing.T) {
	t.Parallel()
	runner := newRunner(100 * time.Millisecond)
	start := time.Now()
	res := runner.Run(context.Background(), sandbox.Request{Script: `while true do end`})
	elapsed := time.Since(start)
	if res.Passed || res.Error != "timeout" {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if elapsed > time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
	if !appErr.Is(sandbox.AsError(res), appErr.SandboxTimeout) {
		t.Fatalf("expected sandbox timeout code")
	}
}

func TestLuaRunnerRequestTimeoutOverride(t *testing.T) {
	t.Parallel()
	runner := newRunner(time.Minute)
	res := runner.Run(context.Background(), sandbox.Request{
		Script:  `while true do end`,
		Timeout: 50 * time.Millisecond,
	})
	if res.Error != "timeout" {
		t.Fatalf("expected timeout, got %+v", res)
	}
}

func TestLuaRunnerSleepIsCapped(t *testing.T) {
	t.Parallel()
	runner := newRunner(2 * time.Second)
	start := time.Now()
	res := runner.Run(context.Background(), sandbox.Request{Script: `sleep(3600) return { passed = true }`})
	if !res.Passed {
		t.Fatalf("expected pass after capped sleep, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("sleep was not capped: %v", elapsed)
	}
}

func TestLuaRunnerModuleAllowList(t *testing.T) {
	t.Parallel()
	runner := newRunner(time.Second)

	tests := []struct {
		name    string
		script  string
		modules []string
	}{
		{name: "unknown module", script: `local os = require("os")`},
		{name: "registered but not allowed", script: `local j = require("json")`, modules: []string{"aws"}},
		{name: "empty override", script: `local j = require("json")`, modules: []string{}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := runner.Run(context.Background(), sandbox.Request{Script: tt.script, Modules: tt.modules})
			if res.Passed || !sandbox.IsModuleNotAllowed(res) {
				t.Fatalf("expected module not allowed, got %+v", res)
			}
			if !appErr.Is(sandbox.AsError(res), appErr.ModuleNotAllowed) {
				t.Fatalf("expected module not allowed code, got %v", sandbox.AsError(res))
			}
		})
	}
}

func TestLuaRunnerUnsafeGlobalsAbsent(t *testing.T) {
	t.Parallel()
	runner := newRunner(time.Second)
	res := runner.Run(context.Background(), sandbox.Request{
		Script: `return { passed = io == nil and os == nil and dofile == nil and load == nil and loadstring == nil }`,
	})
	if !res.Passed {
		t.Fatalf("expected unsafe globals to be absent, got %+v", res)
	}
}

func TestLuaRunnerHonoursCallerCancellation(t *testing.T) {
	t.Parallel()
	runner := newRunner(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	res := runner.Run(ctx, sandbox.Request{Script: `while true do end`})
	if res.Passed || res.Error == "" {
		t.Fatalf("expected failure after cancellation, got %+v", res)
	}
}
