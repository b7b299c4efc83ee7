// Package manifest parses a unit's ling.yml manifest: a flat YAML document
// at the root, kebab-case keys, no top-level wrapper node.
package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// AccessType is the governance lattice's grant level.
type AccessType string

const (
	AccessNone    AccessType = "NONE"
	AccessRead    AccessType = "READ"
	AccessWrite   AccessType = "WRITE"
	AccessExecute AccessType = "EXECUTE"
)

// Satisfies reports whether a grant at level g covers a requirement of
// level required, using NONE < READ < WRITE < EXECUTE.
func (g AccessType) Satisfies(required AccessType) bool {
	return rank(g) >= rank(required)
}

func rank(a AccessType) int {
	switch a {
	case AccessRead:
		return 1
	case AccessWrite:
		return 2
	case AccessExecute:
		return 3
	default:
		return 0
	}
}

// CapabilityGrant declares a capability the unit requests at install time.
type CapabilityGrant struct {
	Capability string     `yaml:"capability"`
	AccessType AccessType `yaml:"access-type"`
}

// PermissionRule declares a per-method-pattern permission requirement.
type PermissionRule struct {
	MethodPattern string `yaml:"method-pattern"`
	PermissionID  string `yaml:"permission-id"`
}

// AuditRule declares whether a method pattern should be audited and under
// what action name.
type AuditRule struct {
	MethodPattern string `yaml:"method-pattern"`
	Enabled       bool   `yaml:"enabled"`
	Action        string `yaml:"action"`
}

// Governance is the manifest's optional governance block.
type Governance struct {
	Capabilities []CapabilityGrant `yaml:"capabilities"`
	Permissions  []PermissionRule  `yaml:"permissions"`
	Audits       []AuditRule       `yaml:"audits"`
}

// Manifest is the full unit descriptor loaded from a manifest document.
type Manifest struct {
	ID          string                 `yaml:"id"`
	Version     string                 `yaml:"version"`
	MainEntry   string                 `yaml:"main-entry"`
	Description string                 `yaml:"description"`
	Governance  Governance             `yaml:"governance"`
	Properties  map[string]interface{} `yaml:"properties"`
}

// Canary reports the manifest's declared canary flag, defaulting to false
// when the properties block omits it or holds a non-bool value.
func (m *Manifest) Canary() bool {
	if m.Properties == nil {
		return false
	}
	v, ok := m.Properties["canary"].(bool)
	return ok && v
}

// Parse decodes a manifest document. A top-level "ling:" wrapper key is
// rejected, matching the source format's prohibition on wrapping nodes.
func Parse(data []byte) (*Manifest, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("manifest: invalid yaml: %w", err)
	}
	if _, wrapped := raw["ling"]; wrapped {
		return nil, fmt.Errorf("manifest: top-level 'ling:' wrapper is not accepted")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: invalid yaml: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("manifest: id is required")
	}
	if m.Version == "" {
		return nil, fmt.Errorf("manifest: version is required")
	}
	if m.MainEntry == "" {
		return nil, fmt.Errorf("manifest: main-entry is required")
	}
	return &m, nil
}
