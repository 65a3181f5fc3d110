package security

import (
	"encoding/json"
	"fmt"
	"maps"
	"path/filepath"
	"regexp"
	"slices"
)

// pathKeyRe matches parameter names that carry filesystem paths.
var pathKeyRe = regexp.MustCompile(`(?i)(path|file|dir|directory|folder|cwd|root)s?$`)

// checkPaths flags absolute paths in path-like parameters that resolve
// outside every workspace root. Relative paths are left to the traversal
// pattern.
func (p *Pipeline) checkPaths(pol *compiledPolicy, params json.RawMessage) []Threat {
	if len(params) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return nil
	}

	var threats []Threat
	seen := make(map[string]bool)
	walkPaths(decoded, "params", false, func(location, value string) {
		if !filepath.IsAbs(value) || pol.insideWorkspace(value) || seen[value] {
			return
		}
		seen[value] = true
		threats = append(threats, Threat{
			Type:        ThreatProcessEscape,
			Severity:    SeverityHigh,
			Description: fmt.Sprintf("path %q is outside the workspace", value),
			Location:    location,
			Blocked:     true,
			Remediation: "Only reference files inside the configured workspace roots",
		})
	})
	return threats
}

func walkPaths(v any, location string, pathKey bool, visit func(location, value string)) {
	switch t := v.(type) {
	case map[string]any:
		// Sorted so threats come out in the same order on every call.
		for _, k := range slices.Sorted(maps.Keys(t)) {
			walkPaths(t[k], location+"."+k, pathKeyRe.MatchString(k), visit)
		}
	case []any:
		for i, child := range t {
			walkPaths(child, fmt.Sprintf("%s[%d]", location, i), pathKey, visit)
		}
	case string:
		if pathKey {
			visit(location, t)
		}
	}
}
