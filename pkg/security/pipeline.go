package security

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Request is an outgoing call. Params are the already-serialized JSON
// parameters so the scan covers exactly what will be written.
type Request struct {
	Method string
	Params json.RawMessage
}

// Response is an incoming result payload.
type Response struct {
	Method string
	Result json.RawMessage
}

type scanPattern struct {
	expr        string
	threat      ThreatType
	severity    Severity
	blocked     bool
	description string
	remediation string
}

// injectionPatterns run as one alternation so a payload is scanned once.
// encoding/json escapes '<' as \u003c, so both spellings are matched.
var injectionPatterns = []scanPattern{
	{
		expr:        `\.\./`,
		threat:      ThreatJSONInjection,
		severity:    SeverityHigh,
		blocked:     true,
		description: "path traversal sequence in parameters",
		remediation: "Use paths relative to the workspace root without parent references",
	},
	{
		expr:        `\$\(`,
		threat:      ThreatJSONInjection,
		severity:    SeverityHigh,
		blocked:     true,
		description: "shell command substitution in parameters",
		remediation: "Remove shell substitutions from parameter values",
	},
	{
		expr:        `eval\(`,
		threat:      ThreatJSONInjection,
		severity:    SeverityHigh,
		blocked:     true,
		description: "eval call in parameters",
		remediation: "Do not send executable code in parameters",
	},
	{
		expr:        `(?i:(?:<|\\u003c)script)`,
		threat:      ThreatJSONInjection,
		severity:    SeverityHigh,
		blocked:     true,
		description: "script tag in parameters",
		remediation: "Escape or strip markup before sending it to the worker",
	},
}

// sensitiveLabel matches object keys that usually hold credentials.
const sensitiveLabel = `[^"]*(?:password|passwd|secret|token|(?:api|private|access)[_-]?key)[^"]*`

var sensitivePatterns = []scanPattern{
	{
		expr:        `(?i:"` + sensitiveLabel + `"\s*:\s*"[^"]+")`,
		threat:      ThreatDataExfiltration,
		severity:    SeverityMedium,
		description: "credential-labeled field in response",
		remediation: "Enable response sanitization or stop the worker from returning credentials",
	},
	{
		expr:        `[A-Za-z0-9+/]{64,}={0,2}`,
		threat:      ThreatDataExfiltration,
		severity:    SeverityMedium,
		description: "long base64-like run in response",
		remediation: "Check whether the worker is returning encoded secrets or file contents",
	},
}

var (
	injectionRe = compileAlternation(injectionPatterns)
	sensitiveRe = compileAlternation(sensitivePatterns)

	redactRe = regexp.MustCompile(`(?i)("` + sensitiveLabel + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
)

func compileAlternation(patterns []scanPattern) *regexp.Regexp {
	parts := make([]string, len(patterns))
	for i, p := range patterns {
		parts[i] = "(" + p.expr + ")"
	}
	return regexp.MustCompile(strings.Join(parts, "|"))
}

// scan returns the index of every pattern that matched at least once.
func scan(re *regexp.Regexp, patterns []scanPattern, payload []byte) []int {
	seen := make([]bool, len(patterns))
	var hits []int
	for _, loc := range re.FindAllSubmatchIndex(payload, -1) {
		for i := range patterns {
			if seen[i] || loc[2*(i+1)] < 0 {
				continue
			}
			seen[i] = true
			hits = append(hits, i)
		}
		if len(hits) == len(patterns) {
			break
		}
	}
	return hits
}

// Pipeline validates requests and responses against a Policy. It is safe for
// concurrent use; SetPolicy swaps the policy atomically.
type Pipeline struct {
	policy atomic.Pointer[compiledPolicy]
}

// NewPipeline returns a pipeline enforcing p.
func NewPipeline(p Policy) *Pipeline {
	pl := &Pipeline{}
	pl.SetPolicy(p)
	return pl
}

// SetPolicy replaces the active policy.
func (p *Pipeline) SetPolicy(policy Policy) {
	p.policy.Store(compilePolicy(policy))
}

// Policy returns the active policy.
func (p *Pipeline) Policy() Policy {
	return p.policy.Load().Policy
}

// ValidateRequest runs every request check; none short-circuits another.
// The request is allowed unless a blocking threat was found.
func (p *Pipeline) ValidateRequest(req Request) Result {
	started := time.Now()
	pol := p.policy.Load()
	var threats []Threat

	size := int64(len(req.Method) + len(req.Params))
	if size > pol.MaxRequestBytes {
		threats = append(threats, Threat{
			Type:     ThreatResourceExhaustion,
			Severity: SeverityHigh,
			Description: fmt.Sprintf("request payload %s exceeds limit %s",
				humanize.IBytes(uint64(size)), humanize.IBytes(uint64(pol.MaxRequestBytes))),
			Location:    "request",
			Blocked:     true,
			Remediation: "Split the request or send references instead of inline content",
		})
	}

	if pol.methodBlocked(req.Method) {
		threats = append(threats, Threat{
			Type:        ThreatUnauthorizedAccess,
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("method %q is not permitted", req.Method),
			Location:    "method",
			Blocked:     true,
		})
	}

	for _, i := range scan(injectionRe, injectionPatterns, req.Params) {
		pat := injectionPatterns[i]
		threats = append(threats, Threat{
			Type:        pat.threat,
			Severity:    pat.severity,
			Description: pat.description,
			Location:    "params",
			Blocked:     pat.blocked,
			Remediation: pat.remediation,
		})
	}

	if len(pol.roots) > 0 {
		threats = append(threats, p.checkPaths(pol, req.Params)...)
	}

	return finish(threats, started)
}

// ValidateResponse reports oversized payloads and credential-looking data.
// Responses are always allowed; findings feed sanitization and audit.
func (p *Pipeline) ValidateResponse(resp Response) Result {
	started := time.Now()
	pol := p.policy.Load()
	var threats []Threat

	size := int64(len(resp.Result))
	if size > pol.MaxResponseBytes {
		threats = append(threats, Threat{
			Type:     ThreatResourceExhaustion,
			Severity: SeverityMedium,
			Description: fmt.Sprintf("response payload %s exceeds limit %s",
				humanize.IBytes(uint64(size)), humanize.IBytes(uint64(pol.MaxResponseBytes))),
			Location:    "response",
			Remediation: "Page large results from the worker",
		})
	}

	for _, i := range scan(sensitiveRe, sensitivePatterns, resp.Result) {
		pat := sensitivePatterns[i]
		threats = append(threats, Threat{
			Type:        pat.threat,
			Severity:    pat.severity,
			Description: pat.description,
			Location:    "result",
			Blocked:     pat.blocked,
			Remediation: pat.remediation,
		})
	}

	res := finish(threats, started)
	res.Allowed = true
	return res
}

// SanitizeResponse redacts the string values of credential-labeled fields
// when the policy enables sanitization. The output stays valid JSON.
func (p *Pipeline) SanitizeResponse(raw json.RawMessage) (json.RawMessage, bool) {
	if !p.policy.Load().SanitizeResponses || len(raw) == 0 {
		return raw, false
	}
	if !redactRe.Match(raw) {
		return raw, false
	}
	return redactRe.ReplaceAll(raw, []byte(`${1}"[REDACTED]"`)), true
}
