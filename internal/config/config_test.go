package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "hub.yaml", `
storage:
  lock_timeout_ms: 250
formations:
  file: formations.yaml
logging:
  audit:
    enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("expected sqlite driver, got %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Path != filepath.Join(dir, "data", "tasks.db") {
		t.Fatalf("unexpected storage path %q", cfg.Storage.Path)
	}
	if cfg.Storage.LockTimeout().Milliseconds() != 250 || cfg.Storage.BusyTimeoutMS != 5000 {
		t.Fatalf("unexpected timeouts: %+v", cfg.Storage)
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.Size != 1024 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Processor.Workers != 4 || cfg.Processor.MaxAttempts != 3 {
		t.Fatalf("unexpected processor defaults: %+v", cfg.Processor)
	}
	if cfg.Formations.File != filepath.Join(dir, "formations.yaml") {
		t.Fatalf("formations file not resolved: %q", cfg.Formations.File)
	}
	if cfg.Logging.Audit.Path != filepath.Join(dir, "logs", "audit.log") {
		t.Fatalf("audit path not defaulted: %q", cfg.Logging.Audit.Path)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "hub.json", `{
  "storage": {"driver": "MySQL", "dsn": "u:p@tcp(db:3306)/hub"},
  "queue": {"driver": "redis", "redis": {"address": "cache:6379"}},
  "metrics": {"address": ":9102"}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "mysql" || cfg.Queue.Redis.BlockWaitSeconds != 5 || cfg.Metrics.Address != ":9102" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"bad_driver.json":   `{"storage": {"driver": "postgres"}}`,
		"mysql_no_dsn.json": `{"storage": {"driver": "mysql"}}`,
		"redis.json":        `{"queue": {"driver": "redis"}}`,
		"rabbit.json":       `{"queue": {"driver": "rabbitmq"}}`,
		"queue.json":        `{"queue": {"driver": "kafka"}}`,
		"lock.json":         `{"storage": {"lock_timeout_ms": -1}}`,
		"broken.yaml":       "storage: [",
	}
	for name, content := range cases {
		if _, err := Load(writeFile(t, dir, name, content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "路径为空") {
		t.Fatalf("expected empty path error, got %v", err)
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvPath, "")
	if PathFromEnv() != DefaultPath {
		t.Fatalf("expected default path")
	}
	t.Setenv(EnvPath, "/etc/hub.yaml")
	if PathFromEnv() != "/etc/hub.yaml" {
		t.Fatalf("expected env path")
	}
}
