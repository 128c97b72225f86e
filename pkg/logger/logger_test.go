package logger

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesAppAndAuditFiles(t *testing.T) {
	dir := t.TempDir()
	appPath := filepath.Join(dir, "logs", "app.log")
	auditPath := filepath.Join(dir, "audit", "audit.log")

	err := Init(Config{
		Level:       "debug",
		OutputPaths: []string{appPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = Sync()
		defaultLogger.Store(nil)
		auditLogger.Store(nil)
	})

	Named("agent").Debug("round complete", slog.Int("round", 1))
	Audit().Info("agent.process", slog.String("conversation_id", "c1"))
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	app, err := os.ReadFile(appPath)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(app))), &entry); err != nil {
		t.Fatalf("app log is not json: %v", err)
	}
	if entry["component"] != "agent" || entry["msg"] != "round complete" {
		t.Fatalf("unexpected app entry %v", entry)
	}

	audit, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(audit), `"conversation_id":"c1"`) {
		t.Fatalf("audit entry missing: %s", audit)
	}
	if strings.Contains(string(app), "agent.process") {
		t.Fatalf("audit entries must not leak into the app log")
	}
}

func TestInitRejectsAuditWithoutPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDefaultsWithoutInit(t *testing.T) {
	if L() == nil || Audit() == nil || Named("x") == nil {
		t.Fatalf("loggers must never be nil")
	}
}
