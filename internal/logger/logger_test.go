package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"taskledger/internal/config"
)

func TestProductionWritesJSONWithContextAttrs(t *testing.T) {
	cfg := config.Default()
	cfg.Env = "production"
	var buf bytes.Buffer
	l := New(*cfg, &buf)
	ctx := WithAttrs(context.Background(), slog.String("run_id", "r1"))
	l.InfoContext(ctx, "backfill done", "ingested", 3)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %v: %s", err, buf.String())
	}
	if rec["run_id"] != "r1" || rec["msg"] != "backfill done" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "warn"
	var buf bytes.Buffer
	l := New(*cfg, &buf)
	l.Info("hidden")
	l.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}
