// Package policy loads the approval policy table: action type to approval
// rules. The engine only reads it.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultKey names the policy applied to action types without their own entry.
const DefaultKey = "*"

// DefaultExpiry applies when a policy leaves expiry_seconds unset.
const DefaultExpiry = 24 * time.Hour

// Policy holds the approval rules of one action type.
type Policy struct {
	// AutoApproveThreshold auto-approves items whose amount is at or below it.
	AutoApproveThreshold *float64 `yaml:"auto_approve_threshold" toml:"auto_approve_threshold" json:"auto_approve_threshold,omitempty"`
	RequiresApproval     bool     `yaml:"requires_approval" toml:"requires_approval" json:"requires_approval"`
	ExpirySeconds        int64    `yaml:"expiry_seconds" toml:"expiry_seconds" json:"expiry_seconds,omitempty"`
	// NeverRetry sends any handler error straight to Failed (financial operations).
	NeverRetry bool `yaml:"never_retry" toml:"never_retry" json:"never_retry,omitempty"`
}

// Expiry returns how long an approval request under this policy stays pending.
func (p Policy) Expiry() time.Duration {
	if p.ExpirySeconds <= 0 {
		return DefaultExpiry
	}
	return time.Duration(p.ExpirySeconds) * time.Second
}

// Table maps action types to policies.
type Table struct {
	Policies map[string]Policy
	Source   string
	LoadedAt time.Time
}

// fallback applies when neither the action type nor "*" has an entry.
var fallback = Policy{RequiresApproval: true, ExpirySeconds: int64(DefaultExpiry / time.Second)}

// Lookup returns the policy for actionType. The boolean reports whether an
// explicit entry (not the built-in fallback) was used.
func (t *Table) Lookup(actionType string) (Policy, bool) {
	if t != nil {
		if p, ok := t.Policies[actionType]; ok {
			return p, true
		}
		if p, ok := t.Policies[DefaultKey]; ok {
			return p, true
		}
	}
	return fallback, false
}

// ActionTypes lists the configured action types, sorted.
func (t *Table) ActionTypes() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.Policies))
	for k := range t.Policies {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate reports every invalid entry.
func (t *Table) Validate() error {
	var errs []error
	for _, name := range t.ActionTypes() {
		p := t.Policies[name]
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("policy with empty action type"))
		}
		if p.AutoApproveThreshold != nil && *p.AutoApproveThreshold < 0 {
			errs = append(errs, fmt.Errorf("%s: auto_approve_threshold must be >= 0", name))
		}
		if p.ExpirySeconds < 0 {
			errs = append(errs, fmt.Errorf("%s: expiry_seconds must be >= 0", name))
		}
	}
	return errors.Join(errs...)
}

// Format of a policy file.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported policy file extension %q", filepath.Ext(path))
	}
}

// Parse decodes a policy table. The document is a map of action type to policy.
func Parse(data []byte, format Format) (*Table, error) {
	policies := map[string]Policy{}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &policies); err != nil {
			return nil, fmt.Errorf("failed to parse yaml policy: %w", err)
		}
	case FormatTOML:
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&policies); err != nil {
			return nil, fmt.Errorf("failed to parse toml policy: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &policies); err != nil {
			return nil, fmt.Errorf("failed to parse json policy: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown policy format %q", format)
	}
	t := &Table{Policies: policies}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Load reads and validates a policy file.
func Load(path string) (*Table, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	t, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	t.Source = path
	t.LoadedAt = time.Now()
	return t, nil
}
