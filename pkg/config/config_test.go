package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  address: 127.0.0.1
  port: 9090
  db_path: /data/chatsync
logging:
  level: debug
sync:
  dedup_window: 5s
relay:
  send_buffer: 128
  event_rps: 10
retention:
  enabled: true
  cron: "0 3 * * *"
  keep_versions: 4
  idle_room_age: 12h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:9090" {
		t.Fatalf("addr: %q", cfg.Addr())
	}
	if cfg.Server.DBPath != "/data/chatsync" || cfg.Logging.Level != "debug" {
		t.Fatalf("fields wrong: %+v", cfg)
	}
	if cfg.Sync.DedupWindow.Duration() != 5*time.Second {
		t.Fatalf("dedup window: %v", cfg.Sync.DedupWindow.Duration())
	}
	if cfg.Relay.SendBuffer != 128 || cfg.Relay.EventRPS != 10 {
		t.Fatalf("relay config wrong: %+v", cfg.Relay)
	}
	if !cfg.Retention.Enabled || cfg.Retention.Cron != "0 3 * * *" || cfg.Retention.KeepVersions != 4 {
		t.Fatalf("retention config wrong: %+v", cfg.Retention)
	}
	if cfg.Retention.IdleRoomAge.Duration() != 12*time.Hour {
		t.Fatalf("idle room age: %v", cfg.Retention.IdleRoomAge.Duration())
	}
}

func TestDurationAcceptsNumericSeconds(t *testing.T) {
	path := writeConfig(t, "sync:\n  dedup_window: 3\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.DedupWindow.Duration() != 3*time.Second {
		t.Fatalf("numeric seconds not parsed: %v", cfg.Sync.DedupWindow.Duration())
	}
}

func TestAddrDefaultsPort(t *testing.T) {
	var cfg Config
	if cfg.Addr() != ":8080" {
		t.Fatalf("default addr: %q", cfg.Addr())
	}
}

func TestLoadEffectiveEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\nlogging:\n  level: info\n")
	t.Setenv("CHATSYNC_LOG_LEVEL", "debug")
	t.Setenv("CHATSYNC_DB_PATH", "/env/db")

	eff, err := LoadEffective(Flags{Config: path, Set: map[string]bool{"config": true}})
	if err != nil {
		t.Fatalf("LoadEffective: %v", err)
	}
	if eff.Config.Logging.Level != "debug" {
		t.Fatalf("env did not override file: %q", eff.Config.Logging.Level)
	}
	if eff.DBPath != "/env/db" {
		t.Fatalf("db path: %q", eff.DBPath)
	}
	if eff.Addr != ":9090" {
		t.Fatalf("addr should keep file port: %q", eff.Addr)
	}
	if eff.Source != "env" {
		t.Fatalf("source: %q", eff.Source)
	}
}

func TestLoadEffectiveFlagsWin(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	eff, err := LoadEffective(Flags{
		Addr:   ":7070",
		DB:     "/flag/db",
		Config: path,
		Set:    map[string]bool{"config": true, "addr": true, "db": true},
	})
	if err != nil {
		t.Fatalf("LoadEffective: %v", err)
	}
	if eff.Addr != ":7070" || eff.DBPath != "/flag/db" || eff.Source != "flags" {
		t.Fatalf("flags did not win: %+v", eff)
	}
}

func TestLoadEffectiveMissingFileFallsBack(t *testing.T) {
	eff, err := LoadEffective(Flags{
		Addr:   ":8080",
		DB:     "./.database",
		Config: filepath.Join(t.TempDir(), "absent.yaml"),
		Set:    map[string]bool{},
	})
	if err != nil {
		t.Fatalf("missing config file must not be fatal: %v", err)
	}
	if eff.DBPath != "./.database" {
		t.Fatalf("db fallback: %q", eff.DBPath)
	}
}

func TestRuntimeBackendKeys(t *testing.T) {
	SetRuntime(&RuntimeConfig{BackendKeys: map[string]struct{}{"k1": {}}})
	t.Cleanup(func() { SetRuntime(nil) })

	keys := GetBackendKeys()
	if _, ok := keys["k1"]; !ok {
		t.Fatalf("backend key missing")
	}
	// the returned map is a copy
	keys["k2"] = struct{}{}
	if _, ok := GetBackendKeys()["k2"]; ok {
		t.Fatalf("caller mutation leaked into runtime config")
	}
}
