package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestReporterWritesFields(t *testing.T) {
	var buf bytes.Buffer
	reporter := NewReporter(zerolog.New(&buf))

	reporter.Report(context.Background(), Fields{"alert_id": "a1", "destination": "https://hook"}, errors.New("boom"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("日志应为 JSON: %v", err)
	}
	if line["alert_id"] != "a1" || line["destination"] != "https://hook" {
		t.Fatalf("缺少上下文字段: %#v", line)
	}
	if line["error"] != "boom" || line["level"] != "error" {
		t.Fatalf("错误字段不正确: %#v", line)
	}
}

func TestNewLoggerWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "engine.log")
	logger := NewLogger(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path, MaxSizeMB: 1}})

	logger.Debug().Str("component", "test").Msg("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("日志文件应存在: %v", err)
	}
	if !bytes.Contains(data, []byte("hello")) {
		t.Fatalf("日志文件内容不正确: %s", data)
	}
}
