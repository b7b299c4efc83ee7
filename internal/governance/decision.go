// Package governance implements the decision pipeline and per-invocation
// flow: an ordered chain of policy providers, permission enforcement,
// retry-then-fallback execution, and trace/audit emission.
package governance

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/lingframe/lingcore/internal/manifest"
)

// ProviderOrder enumerates the priority chain; lower wins.
const (
	OrderHostRules ProviderOrder = iota
	OrderDynamicPatch
	OrderUnitPolicy
	OrderMethodAnnotation
	OrderNamePrefix
)

type ProviderOrder int

// Decision is the merged governance record for one invocation.
type Decision struct {
	RequiredPermission string
	AccessType         manifest.AccessType
	AuditEnabled       bool
	AuditAction        string
	Timeout            int64 // milliseconds, 0 = host default
	RetryCount         int
	FallbackValue      interface{}
	HasFallback        bool
	SourceTag          string
}

// Provider is one link in the chain. Resolve returns (nil, false) for "no
// opinion" on any field it doesn't want to fill.
type Provider interface {
	Order() ProviderOrder
	Resolve(declaringType, method string) (*Decision, bool)
}

// merge copies every unset field of dst from src. The source tag follows
// the required permission: it names the first provider that supplied
// RequiredPermission, whichever providers filled the other fields.
func merge(dst *Decision, src *Decision, sourceTag string) {
	if dst.RequiredPermission == "" && src.RequiredPermission != "" {
		dst.RequiredPermission = src.RequiredPermission
		if dst.SourceTag == "" {
			dst.SourceTag = sourceTag
		}
	}
	if dst.AccessType == "" && src.AccessType != "" {
		dst.AccessType = src.AccessType
	}
	if !dst.AuditEnabled && src.AuditEnabled {
		dst.AuditEnabled = true
	}
	if dst.AuditAction == "" {
		dst.AuditAction = src.AuditAction
	}
	if dst.Timeout == 0 {
		dst.Timeout = src.Timeout
	}
	if dst.RetryCount == 0 {
		dst.RetryCount = src.RetryCount
	}
	if !dst.HasFallback && src.HasFallback {
		dst.HasFallback = true
		dst.FallbackValue = src.FallbackValue
	}
}

// namePrefixReads and namePrefixWrites form the fallback-tier inference table.
var namePrefixReads = []string{"get", "find", "query", "list", "select", "count", "check", "is", "has"}
var namePrefixWrites = []string{"create", "save", "insert", "update", "modify", "delete", "remove", "add", "set"}

// InferFromName implements the P4 name-prefix fallback provider.
func InferFromName(declaringType, method string) *Decision {
	access := manifest.AccessExecute
	lower := strings.ToLower(method)
	for _, p := range namePrefixReads {
		if strings.HasPrefix(lower, p) {
			access = manifest.AccessRead
			break
		}
	}
	if access == manifest.AccessExecute {
		for _, p := range namePrefixWrites {
			if strings.HasPrefix(lower, p) {
				access = manifest.AccessWrite
				break
			}
		}
	}

	d := &Decision{
		RequiredPermission: declaringType + ":" + string(access),
		AccessType:         access,
	}
	// Audit is implicitly enabled for WRITE and EXECUTE; READ is not
	// audited unless explicitly enabled by an earlier provider.
	if access == manifest.AccessWrite || access == manifest.AccessExecute {
		d.AuditEnabled = true
		d.AuditAction = method
	}
	return d
}

// DefaultDecision is the fail-safe constant decision used when no provider
// in the chain answers.
func DefaultDecision(declaringType string) *Decision {
	return &Decision{
		RequiredPermission: "default:execute",
		AccessType:         manifest.AccessExecute,
		AuditEnabled:       true,
		AuditAction:        "default:execute",
		SourceTag:          "default",
	}
}

// ManifestPolicyProvider supplies the decisions declared by a unit's own
// manifest (governance.permissions / governance.audits), using gobwas/glob
// for ant-glob method-pattern matching.
type ManifestPolicyProvider struct {
	order       ProviderOrder
	permissions []compiledPermissionRule
	audits      []compiledAuditRule
}

type compiledPermissionRule struct {
	pattern      glob.Glob
	permissionID string
}

type compiledAuditRule struct {
	pattern glob.Glob
	enabled bool
	action  string
}

// NewManifestPolicyProvider compiles a unit's declared rules once at
// install time so method dispatch does not re-parse glob patterns per call.
func NewManifestPolicyProvider(order ProviderOrder, g manifest.Governance) (*ManifestPolicyProvider, error) {
	p := &ManifestPolicyProvider{order: order}
	for _, rule := range g.Permissions {
		compiled, err := glob.Compile(rule.MethodPattern)
		if err != nil {
			return nil, err
		}
		p.permissions = append(p.permissions, compiledPermissionRule{pattern: compiled, permissionID: rule.PermissionID})
	}
	for _, rule := range g.Audits {
		compiled, err := glob.Compile(rule.MethodPattern)
		if err != nil {
			return nil, err
		}
		p.audits = append(p.audits, compiledAuditRule{pattern: compiled, enabled: rule.Enabled, action: rule.Action})
	}
	return p, nil
}

func (p *ManifestPolicyProvider) Order() ProviderOrder { return p.order }

func (p *ManifestPolicyProvider) Resolve(declaringType, method string) (*Decision, bool) {
	var d Decision
	found := false

	for _, rule := range p.permissions {
		if rule.pattern.Match(method) {
			d.RequiredPermission = rule.permissionID
			found = true
			break
		}
	}
	for _, rule := range p.audits {
		if rule.pattern.Match(method) {
			d.AuditEnabled = rule.enabled
			d.AuditAction = rule.action
			found = true
			break
		}
	}

	if !found {
		return nil, false
	}
	return &d, true
}

// StaticProvider answers with a fixed decision regardless of method,
// used for P0 host rules and P1 dynamic patch registry entries that target
// an entire fqsid rather than a glob pattern.
type StaticProvider struct {
	order    ProviderOrder
	decision *Decision
}

func NewStaticProvider(order ProviderOrder, d *Decision) *StaticProvider {
	return &StaticProvider{order: order, decision: d}
}

func (s *StaticProvider) Order() ProviderOrder { return s.order }

func (s *StaticProvider) Resolve(string, string) (*Decision, bool) {
	if s.decision == nil {
		return nil, false
	}
	return s.decision, true
}

// Chain runs providers in ascending Order, merging their partial answers,
// and falls back to name-prefix inference then the default constant for
// any field still unset.
type Chain struct {
	providers []Provider
}

func NewChain(providers ...Provider) *Chain {
	c := &Chain{providers: append([]Provider(nil), providers...)}
	sortProviders(c.providers)
	return c
}

func sortProviders(p []Provider) {
	for i := 1; i < len(p); i++ {
		for j := i; j > 0 && p[j].Order() < p[j-1].Order(); j-- {
			p[j], p[j-1] = p[j-1], p[j]
		}
	}
}

func (c *Chain) Arbitrate(declaringType, method string) *Decision {
	result := &Decision{}
	for _, p := range c.providers {
		if d, ok := p.Resolve(declaringType, method); ok {
			tag := providerTag(p.Order())
			merge(result, d, tag)
		}
	}

	merge(result, InferFromName(declaringType, method), "name-prefix-inference")
	merge(result, DefaultDecision(declaringType), "default")

	if result.SourceTag == "" {
		result.SourceTag = "default"
	}
	return result
}

func providerTag(o ProviderOrder) string {
	switch o {
	case OrderHostRules:
		return "host-rule"
	case OrderDynamicPatch:
		return "dynamic-patch"
	case OrderUnitPolicy:
		return "unit-policy"
	case OrderMethodAnnotation:
		return "method-annotation"
	case OrderNamePrefix:
		return "name-prefix-inference"
	default:
		return "unknown"
	}
}
