package proc

import (
	"os"
	"sort"
	"strconv"
	"strings"
)

// Environment variables injected into every child so commands can introspect
// their scheduling context.
const (
	EnvWorkerID = "SHELLQ_WORKER_ID"
	EnvGroup    = "SHELLQ_GROUP"
)

// baseEnvAllowlist is the only part of the daemon's environment children may
// inherit. Everything else (secrets, service-manager variables, test
// injections) stays with the daemon.
var baseEnvAllowlist = []string{
	"PATH", "HOME", "SHELL", "USER", "LOGNAME", "LANG", "LC_ALL", "TERM", "TMPDIR",
}

// sanitizedBaseEnv snapshots the allowlisted daemon environment once, at
// supervisor construction.
func sanitizedBaseEnv() map[string]string {
	base := make(map[string]string, len(baseEnvAllowlist))
	for _, k := range baseEnvAllowlist {
		if v, ok := os.LookupEnv(k); ok {
			base[k] = v
		}
	}
	return base
}

// childEnv merges task overrides over the sanitized base and injects the
// scheduling context. Returned in sorted KEY=VALUE form for determinism.
func childEnv(base map[string]string, overrides map[string]string, group string, slot int) []string {
	merged := make(map[string]string, len(base)+len(overrides)+2)
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		if strings.TrimSpace(k) == "" {
			continue
		}
		merged[k] = v
	}
	merged[EnvWorkerID] = strconv.Itoa(slot)
	merged[EnvGroup] = group

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
