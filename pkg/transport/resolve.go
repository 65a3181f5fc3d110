package transport

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/odvcencio/bindery/pkg/errors"
)

// DefaultDeniedDirs are never acceptable homes for the worker binary.
var DefaultDeniedDirs = []string{
	"/etc",
	"/proc",
	"/sys",
	"/dev",
	"/boot",
	"/private/etc",
	`C:\Windows\System32`,
}

// DefaultSearchDirs returns the usual install locations, in search order.
func DefaultSearchDirs() []string {
	var dirs []string
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs,
			filepath.Join(home, ".cargo", "bin"),
			filepath.Join(home, ".local", "bin"),
		)
	}
	return append(dirs, "/usr/local/bin", "/opt/homebrew/bin")
}

// ResolveOptions drives ResolveExecutable.
type ResolveOptions struct {
	// ExplicitPath is tried first when set.
	ExplicitPath string
	// Name is the binary name searched in SearchDirs and on PATH.
	Name       string
	SearchDirs []string
	DeniedDirs []string
	// LookPath defaults to exec.LookPath.
	LookPath func(string) (string, error)
}

// ResolveExecutable finds the worker binary: the explicit path, then the
// search directories, then PATH. A candidate is rejected when it or its
// symlink target lies under a denied directory, or when it is not an
// executable regular file.
func ResolveExecutable(opts ResolveOptions) (string, error) {
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	var candidates []string
	if opts.ExplicitPath != "" {
		candidates = append(candidates, expandHome(opts.ExplicitPath))
	}
	if opts.Name != "" {
		for _, dir := range opts.SearchDirs {
			candidates = append(candidates, filepath.Join(expandHome(dir), executableName(opts.Name)))
		}
		if p, err := lookPath(opts.Name); err == nil {
			candidates = append(candidates, p)
		}
	}

	var rejected []string
	for _, c := range candidates {
		path, err := checkCandidate(c, opts.DeniedDirs)
		if err == nil {
			return path, nil
		}
		rejected = append(rejected, fmt.Sprintf("%s: %v", c, err))
	}

	e := errors.New(errors.ErrCodeProcessSpawn, "no usable worker executable found").
		WithRemediation("Install the worker binary or set worker.path to its absolute location")
	if opts.Name != "" {
		e.WithContext("name", opts.Name)
	}
	if len(rejected) > 0 {
		e.WithContext("rejected", strings.Join(rejected, "; "))
	}
	return "", e
}

func checkCandidate(path string, denied []string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if dir, ok := underDenied(abs, denied); ok {
		return "", fmt.Errorf("under denied directory %s", dir)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("not a regular file")
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("not executable")
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	if dir, ok := underDenied(resolved, denied); ok {
		return "", fmt.Errorf("resolves under denied directory %s", dir)
	}
	return abs, nil
}

func underDenied(path string, denied []string) (string, bool) {
	for _, d := range denied {
		if d == "" {
			continue
		}
		clean := filepath.Clean(d)
		if runtime.GOOS == "windows" {
			if strings.EqualFold(path, clean) || strings.HasPrefix(strings.ToLower(path), strings.ToLower(clean)+`\`) {
				return d, true
			}
			continue
		}
		if path == clean || strings.HasPrefix(path, clean+string(filepath.Separator)) {
			return d, true
		}
	}
	return "", false
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func executableName(name string) string {
	if runtime.GOOS == "windows" && filepath.Ext(name) == "" {
		return name + ".exe"
	}
	return name
}
