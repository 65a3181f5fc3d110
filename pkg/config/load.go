package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/odvcencio/bindery/pkg/errors"
	"github.com/odvcencio/bindery/pkg/ratelimit"
	"github.com/odvcencio/bindery/pkg/security"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report yaml names in errors.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Load reads, defaults and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config").
			WithContext("path", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		if be, ok := errors.As(err); ok {
			be.WithContext("path", path)
		}
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML, rejecting unknown fields, then normalizes and
// validates. An empty document yields the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, errors.ErrCodeConfigParse, "failed to parse config")
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validatorInstance().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", trimRoot(fe.Namespace()), fe.Tag()))
			}
			return errors.New(errors.ErrCodeConfigInvalid, "invalid config: "+strings.Join(msgs, "; "))
		}
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid config")
	}

	seen := make(map[string]bool, len(c.RateLimit.Rules))
	for i, r := range c.RateLimit.Rules {
		if seen[r.ID] {
			return errors.Newf(errors.ErrCodeConfigInvalid, "rate_limit.rules[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true
		if _, err := ratelimit.CompilePattern(r.ResourcePattern); err != nil {
			return errors.Wrap(err, errors.ErrCodeConfigInvalid,
				fmt.Sprintf("rate_limit.rules[%d]: invalid resource_pattern", i))
		}
	}

	if _, err := c.Security.MemoryLimit(); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "security.max_process_memory is not a size")
	}
	if _, ok := security.ParseSeverity(c.Audit.EmitSeverity); !ok {
		return errors.Newf(errors.ErrCodeConfigInvalid, "audit.emit_severity %q is unknown", c.Audit.EmitSeverity)
	}
	for _, root := range c.Security.WorkspaceRoots {
		if !filepath.IsAbs(expandHome(root)) {
			return errors.Newf(errors.ErrCodeConfigInvalid, "security.workspace_roots: %q is not absolute", root)
		}
	}
	return nil
}

func trimRoot(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
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
