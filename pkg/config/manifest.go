package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openibank/openibank-sub001/pkg/contracts"
	"github.com/openibank/openibank-sub001/pkg/kernel"
	"github.com/openibank/openibank-sub001/pkg/policy"
)

// Manifest describes the agents a node hosts.
type Manifest struct {
	RunID     string        `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	HandleTTL time.Duration `yaml:"handle_ttl,omitempty" json:"handle_ttl,omitempty"`
	Agents    []AgentSpec   `yaml:"agents" json:"agents"`
}

// AgentSpec configures one kernel.
type AgentSpec struct {
	Name            string               `yaml:"name" json:"name"`
	Role            string               `yaml:"role" json:"role"`
	Mode            string               `yaml:"mode,omitempty" json:"mode,omitempty"`
	Capabilities    []string             `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Contracts       []contracts.Contract `yaml:"contracts,omitempty" json:"contracts,omitempty"`
	TraceMaxEntries *int                 `yaml:"trace_max_entries,omitempty" json:"trace_max_entries,omitempty"`
	Policy          PolicySpec           `yaml:"policy,omitempty" json:"policy,omitempty"`
	// Funding mints balances for the agent on the node's ledger, by asset.
	Funding map[string]int64 `yaml:"funding,omitempty" json:"funding,omitempty"`
}

// PolicySpec composes the agent's policy. All configured parts must allow;
// an empty spec allows everything.
type PolicySpec struct {
	DenyKinds      []string      `yaml:"deny_kinds,omitempty" json:"deny_kinds,omitempty"`
	DenyCategories []string      `yaml:"deny_categories,omitempty" json:"deny_categories,omitempty"`
	Counterparties []string      `yaml:"allowed_counterparties,omitempty" json:"allowed_counterparties,omitempty"`
	Rules          []policy.Rule `yaml:"rules,omitempty" json:"rules,omitempty"`
	// WASM is a path to a WASI policy module, relative to the manifest.
	WASM string `yaml:"wasm,omitempty" json:"wasm,omitempty"`
}

var knownKinds = map[policy.Kind]bool{
	policy.KindPayment:        true,
	policy.KindInvoice:        true,
	policy.KindArbitration:    true,
	policy.KindReleaseEscrow:  true,
	policy.KindReceivePayment: true,
	policy.KindDeliverService: true,
}

// LoadManifest parses a YAML manifest and validates it. A relative WASM path
// is resolved against the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("load manifest %q: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %q: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i := range m.Agents {
		if w := m.Agents[i].Policy.WASM; w != "" && !filepath.IsAbs(w) {
			m.Agents[i].Policy.WASM = filepath.Join(dir, w)
		}
	}
	return m, nil
}

// ParseManifest decodes YAML, rejecting unknown fields, and validates it.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifests loads every *.yaml manifest in dir, keyed by file name without
// extension.
func LoadManifests(dir string) (map[string]*Manifest, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Manifest, len(matches))
	for _, path := range matches {
		m, err := LoadManifest(path)
		if err != nil {
			return nil, err
		}
		out[strings.TrimSuffix(filepath.Base(path), ".yaml")] = m
	}
	return out, nil
}

// Validate rejects unknown roles and modes, duplicate agents, malformed
// contracts and unknown policy kinds.
func (m *Manifest) Validate() error {
	if m.HandleTTL < 0 {
		return fmt.Errorf("handle_ttl must not be negative")
	}
	var errs []error
	seen := make(map[string]bool, len(m.Agents))
	for i, a := range m.Agents {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: name is required", i))
			continue
		}
		if seen[a.Name] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate agent %q", i, a.Name))
		}
		seen[a.Name] = true
		if err := a.validate(); err != nil {
			errs = append(errs, fmt.Errorf("agent %q: %w", a.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (a AgentSpec) validate() error {
	if _, err := kernel.ParseRole(a.Role); err != nil {
		return err
	}
	if a.Mode != "" {
		if _, err := kernel.ParseMode(a.Mode); err != nil {
			return err
		}
	}
	for _, c := range a.Capabilities {
		if c == "" {
			return fmt.Errorf("empty capability name")
		}
	}
	if _, err := contracts.NewSet(a.Contracts...); err != nil {
		return err
	}
	if a.TraceMaxEntries != nil && *a.TraceMaxEntries < 0 {
		return fmt.Errorf("trace_max_entries must not be negative")
	}
	for _, k := range a.Policy.DenyKinds {
		if !knownKinds[policy.Kind(k)] {
			return fmt.Errorf("unknown policy kind %q", k)
		}
	}
	for asset, amt := range a.Funding {
		if amt <= 0 {
			return fmt.Errorf("funding %s must be positive", asset)
		}
	}
	return nil
}

// Apply overlays the manifest's node settings on the environment config.
func (c *Config) Apply(m *Manifest) {
	if m.RunID != "" {
		c.RunID = m.RunID
	}
	if m.HandleTTL > 0 {
		c.HandleTTL = m.HandleTTL
	}
}
