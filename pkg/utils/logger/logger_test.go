package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cloudeval/pkg/utils/contextkey"

	"go.uber.org/zap"
)

func TestContextFieldsAndErrorSink(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "app.log")
	errOut := filepath.Join(dir, "error.log")
	if err := Init(Config{Level: "info", Format: "json", OutputPath: out, ErrorPath: errOut}); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	t.Cleanup(func() { globalLogger = nil })

	ctx := context.WithValue(context.Background(), contextkey.TraceID, "trace-1")
	ctx = context.WithValue(ctx, contextkey.JobID, "job-9")
	Debug(ctx, "hidden")
	Info(ctx, "job started", zap.String("type", "assessment"))
	Warn(ctx, "check slow")
	_ = Sync()

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read log failed: %v", err)
	}
	text := string(data)
	for _, want := range []string{`"trace_id":"trace-1"`, `"job_id":"job-9"`, `"type":"assessment"`, `"msg":"check slow"`} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %s in %s", want, text)
		}
	}
	if strings.Contains(text, "hidden") {
		t.Fatalf("debug entry should be filtered: %s", text)
	}

	errData, err := os.ReadFile(errOut)
	if err != nil {
		t.Fatalf("read error log failed: %v", err)
	}
	if strings.Contains(string(errData), "job started") || !strings.Contains(string(errData), "check slow") {
		t.Fatalf("error sink should hold warn and above only: %s", errData)
	}
}

func TestInvalidLevel(t *testing.T) {
	t.Parallel()
	if _, err := NewLogger(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
}

func TestUninitializedLoggerIsSilent(t *testing.T) {
	Info(context.Background(), "nobody listens")
	if err := Sync(); err != nil {
		t.Fatalf("sync without logger should succeed: %v", err)
	}
}
