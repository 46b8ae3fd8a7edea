package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
shared:
  socket_path: /run/shellq/shellq.sock
  secret_path: /etc/shellq/secret
  cert_path: /etc/shellq/cert.pem
  key_path: /etc/shellq/key.pem
  pid_path: /run/shellq/shellq.pid
daemon:
  task_log_dir: /var/log/shellq
  groups:
    default: 2
    build: 4
  kill_grace: 2s
logging:
  level: debug
  console: true
  file:
    enabled: false
storage:
  driver: sqlite
  path: /var/lib/shellq/state.db
  snapshot_schedule: "*/5 * * * *"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "shellq.yaml", validYAML))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Shared.SocketPath != "/run/shellq/shellq.sock" {
		t.Fatalf("socket_path: %q", cfg.Shared.SocketPath)
	}
	if cfg.Daemon.Groups["build"] != 4 {
		t.Fatalf("groups.build: %d", cfg.Daemon.Groups["build"])
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging: %+v", cfg.Logging)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage: %+v", cfg.Storage)
	}
	kg, err := cfg.KillGrace()
	if err != nil {
		t.Fatalf("KillGrace: %v", err)
	}
	if kg != 2*time.Second {
		t.Fatalf("kill_grace: %v", kg)
	}
}

func TestParseJSON(t *testing.T) {
	content := `{
  "shared": {
    "host": "127.0.0.1",
    "port": 6924,
    "secret_path": "/etc/shellq/secret",
    "cert_path": "/etc/shellq/cert.pem",
    "key_path": "/etc/shellq/key.pem",
    "pid_path": "/run/shellq/shellq.pid"
  },
  "daemon": {"task_log_dir": "/var/log/shellq"},
  "logging": {"console": true, "file": {"enabled": false}}
}`
	m := NewManager(writeConfig(t, "shellq.json", content))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Shared.Host != "127.0.0.1" || cfg.Shared.Port != 6924 {
		t.Fatalf("tcp endpoint: %+v", cfg.Shared)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	content := strings.Replace(validYAML, "daemon:", "daemon:\n  typo_field: 1", 1)
	m := NewManager(writeConfig(t, "shellq.yaml", content))
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errSub string
	}{
		{
			"no endpoint",
			func(c *Config) { c.Shared.SocketPath = ""; c.Shared.Host = ""; c.Shared.Port = 0 },
			"socket_path or host+port",
		},
		{
			"no secret",
			func(c *Config) { c.Shared.SecretPath = "" },
			"secret_path",
		},
		{
			"no tls material",
			func(c *Config) { c.Shared.CertPath = "" },
			"cert_path",
		},
		{
			"zero group slots",
			func(c *Config) { c.Daemon.Groups = map[string]int{"build": 0} },
			"slots must be positive",
		},
		{
			"bad kill grace",
			func(c *Config) { c.Daemon.KillGrace = "five seconds" },
			"kill_grace",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(writeConfig(t, "shellq.yaml", validYAML))
			cfg, err := m.Parse()
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			tc.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.errSub) {
				t.Fatalf("error %q does not mention %q", err, tc.errSub)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	var cfg Config
	if got := cfg.Shell(); got != "/bin/sh" {
		t.Fatalf("shell default: %q", got)
	}
	kg, err := cfg.KillGrace()
	if err != nil || kg != 5*time.Second {
		t.Fatalf("kill_grace default: %v, %v", kg, err)
	}
	st, err := cfg.ShutdownTimeout()
	if err != nil || st != 10*time.Second {
		t.Fatalf("shutdown_timeout default: %v, %v", st, err)
	}
	if got := cfg.AuthFailuresPerMin(); got != 30 {
		t.Fatalf("auth_failures_per_min default: %d", got)
	}
}

func TestParseDurationField(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"1500ms", 1500 * time.Millisecond, false},
		{"2m", 2 * time.Minute, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range tests {
		got, err := ParseDurationField("test.field", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestWatchPublishesValidatedUpdates(t *testing.T) {
	path := writeConfig(t, "shellq.yaml", validYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan error, 1)
	go func() { watchDone <- m.Watch(ctx) }()

	// Give the watcher a beat to register before rewriting the file.
	time.Sleep(100 * time.Millisecond)

	updated := strings.Replace(validYAML, "level: debug", "level: warn", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("stale config published: %+v", cfg.Logging)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no config update published")
	}

	cancel()
	select {
	case <-watchDone:
	case <-time.After(time.Second):
		t.Fatalf("Watch did not stop on cancel")
	}
}
