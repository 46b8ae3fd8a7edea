package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the daemon configuration.
//
// The file may be JSON or YAML (by extension); both are decoded strictly, so
// unknown fields are rejected instead of silently ignored.
type Config struct {
	Shared  SharedConfig   `json:"shared"`
	Daemon  DaemonConfig   `json:"daemon"`
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`
}

// SharedConfig holds the settings both the daemon and its clients need to
// find and trust each other.
type SharedConfig struct {
	// SocketPath is the unix socket the daemon listens on.
	// If empty, the daemon falls back to TCP on Host:Port.
	SocketPath string `json:"socket_path,omitempty"`
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`

	// SecretPath points to the shared-secret file. Its raw bytes are the
	// credential; clients must present them verbatim.
	SecretPath string `json:"secret_path"`

	// CertPath/KeyPath are the TLS material used to encrypt the channel
	// after authentication.
	CertPath string `json:"cert_path"`
	KeyPath  string `json:"key_path"`

	// PidPath is where the daemon records its process id.
	PidPath string `json:"pid_path"`
}

type DaemonConfig struct {
	// Shell runs task commands as `<shell> -c <command>`. Default "/bin/sh".
	Shell string `json:"shell,omitempty"`

	// TaskLogDir is where per-task stdout/stderr capture files live.
	TaskLogDir string `json:"task_log_dir"`

	// Groups are created at startup if missing (name -> parallel slots).
	// The "default" group always exists with at least 1 slot.
	Groups map[string]int `json:"groups,omitempty"`

	// KillGrace is how long a killed task gets between SIGTERM and SIGKILL.
	// Go duration string; default "5s".
	KillGrace string `json:"kill_grace,omitempty"`

	// ShutdownTimeout bounds graceful shutdown (drain + final snapshot).
	// Go duration string; default "10s".
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	// AuthFailuresPerMin throttles failed authentication attempts across the
	// whole gateway. Default 30.
	AuthFailuresPerMin int `json:"auth_failures_per_min,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig configures the state snapshot backend.
//
// Driver values:
//   - "file": JSON snapshot file, written atomically
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", persistence is disabled.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only

	// SnapshotSchedule is a cron expression for periodic snapshots
	// (e.g. "*/5 * * * *"). Empty disables the periodic snapshotter;
	// a snapshot is still taken on shutdown.
	SnapshotSchedule string `json:"snapshot_schedule,omitempty"`

	// KeepSnapshots bounds snapshot history (sqlite only). Default 5.
	KeepSnapshots int `json:"keep_snapshots,omitempty"`
}

// Validate checks cross-field requirements that strict decoding can't.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Shared.SocketPath) == "" {
		if strings.TrimSpace(c.Shared.Host) == "" || c.Shared.Port <= 0 {
			return errors.New("shared: either socket_path or host+port is required")
		}
	}
	if strings.TrimSpace(c.Shared.SecretPath) == "" {
		return errors.New("shared.secret_path is required")
	}
	if strings.TrimSpace(c.Shared.CertPath) == "" || strings.TrimSpace(c.Shared.KeyPath) == "" {
		return errors.New("shared: cert_path and key_path are required")
	}
	for name, slots := range c.Daemon.Groups {
		if strings.TrimSpace(name) == "" {
			return errors.New("daemon.groups: empty group name")
		}
		if slots <= 0 {
			return fmt.Errorf("daemon.groups[%s]: parallel slots must be positive", name)
		}
	}
	if _, err := c.KillGrace(); err != nil {
		return err
	}
	if _, err := c.ShutdownTimeout(); err != nil {
		return err
	}
	return nil
}

func (c *Config) Shell() string {
	s := strings.TrimSpace(c.Daemon.Shell)
	if s == "" {
		return "/bin/sh"
	}
	return s
}

func (c *Config) KillGrace() (time.Duration, error) {
	return ParseDurationOrDefault("daemon.kill_grace", c.Daemon.KillGrace, 5*time.Second)
}

func (c *Config) ShutdownTimeout() (time.Duration, error) {
	return ParseDurationOrDefault("daemon.shutdown_timeout", c.Daemon.ShutdownTimeout, 10*time.Second)
}

func (c *Config) AuthFailuresPerMin() int {
	if c.Daemon.AuthFailuresPerMin <= 0 {
		return 30
	}
	return c.Daemon.AuthFailuresPerMin
}
