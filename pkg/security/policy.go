package security

import (
	"path/filepath"
	"strings"
)

const (
	DefaultMaxRequestBytes  = 10 << 20
	DefaultMaxResponseBytes = 50 << 20
)

// DefaultBlockedMethods are methods the worker must never be asked to run.
var DefaultBlockedMethods = []string{
	"system/exec",
	"system/shell",
	"process/spawn",
	"fs/rmrf",
	"debug/eval",
}

// Policy configures the pipeline.
type Policy struct {
	MaxRequestBytes  int64
	MaxResponseBytes int64
	BlockedMethods   []string
	// WorkspaceRoots enables the path escape check when non-empty.
	WorkspaceRoots []string
	// SanitizeResponses redacts credential-looking values in responses.
	SanitizeResponses bool
}

// DefaultPolicy returns the built-in limits.
func DefaultPolicy() Policy {
	return Policy{
		MaxRequestBytes:  DefaultMaxRequestBytes,
		MaxResponseBytes: DefaultMaxResponseBytes,
		BlockedMethods:   append([]string(nil), DefaultBlockedMethods...),
	}
}

type compiledPolicy struct {
	Policy
	blocked map[string]bool
	roots   []string
}

func compilePolicy(p Policy) *compiledPolicy {
	if p.MaxRequestBytes <= 0 {
		p.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if p.MaxResponseBytes <= 0 {
		p.MaxResponseBytes = DefaultMaxResponseBytes
	}
	cp := &compiledPolicy{Policy: p, blocked: make(map[string]bool, len(p.BlockedMethods))}
	for _, m := range p.BlockedMethods {
		cp.blocked[strings.ToLower(strings.TrimSpace(m))] = true
	}
	for _, root := range p.WorkspaceRoots {
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		cp.roots = append(cp.roots, filepath.Clean(abs))
	}
	return cp
}

func (cp *compiledPolicy) methodBlocked(method string) bool {
	return cp.blocked[strings.ToLower(strings.TrimSpace(method))]
}

func (cp *compiledPolicy) insideWorkspace(path string) bool {
	clean := filepath.Clean(path)
	for _, root := range cp.roots {
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
