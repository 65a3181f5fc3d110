package transport

import (
	"os"
	"sort"
	"strings"
)

// DefaultEnvAllowList is what the worker inherits from the parent. Nothing
// else crosses, so tokens and credentials in the parent environment stay put.
var DefaultEnvAllowList = []string{
	"PATH",
	"HOME",
	"TMPDIR",
	"LANG",
	"LANGUAGE",
	"LC_ALL",
	"LC_CTYPE",
	"LC_MESSAGES",
	"TZ",
	"RUST_LOG",
	"BINDERY_LOG_LEVEL",
	"SYSTEMROOT",
}

// RestrictedEnv builds a worker environment from the allow-listed names of
// the current environment plus extra, which wins on conflicts. Extra keys
// are not filtered. The result is sorted for stable process listings.
func RestrictedEnv(allow []string, extra map[string]string) []string {
	return restrictEnv(os.Environ(), allow, extra)
}

func restrictEnv(environ, allow []string, extra map[string]string) []string {
	allowed := make(map[string]bool, len(allow))
	for _, name := range allow {
		allowed[name] = true
	}

	vars := make(map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !allowed[name] {
			continue
		}
		vars[name] = value
	}
	for k, v := range extra {
		vars[k] = v
	}

	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
