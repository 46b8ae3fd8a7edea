package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// writePidFile records the daemon's pid so service managers and tests can
// detect liveness before the control socket exists.
func writePidFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func removePidFile(path string) {
	if path == "" {
		return
	}
	// Only remove our own pid file; a successor may already own the path.
	b, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil && pid != os.Getpid() {
		return
	}
	_ = os.Remove(path)
}
