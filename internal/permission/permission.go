// Package permission implements the in-memory permission service: a
// unit-id -> capability -> access table with a contract-prefix whitelist
// and a configurable host bypass. The map-of-maps-under-one-mutex shape
// follows the same concurrent-table idiom as infrastructure/state's
// PersistentState, minus persistence — permission state does not need to
// survive a process restart.
package permission

import (
	"sync"

	"github.com/lingframe/lingcore/internal/manifest"
)

const hostCallerID = "__host__"

// Service is the process-wide permission table.
type Service struct {
	mu              sync.RWMutex
	grants          map[string]map[string]manifest.AccessType
	contractPrefix  string
	bypassHostCaller bool
}

// Config controls the whitelist and host-bypass behavior.
type Config struct {
	// ContractPrefix names the capability prefix that is always allowed;
	// contract methods cannot be gated.
	ContractPrefix string
	// BypassHostCaller, when true, lets the host caller id skip permission
	// checks entirely, per the host-governance.check-permissions config key.
	BypassHostCaller bool
}

func New(cfg Config) *Service {
	return &Service{
		grants:           make(map[string]map[string]manifest.AccessType),
		contractPrefix:   cfg.ContractPrefix,
		bypassHostCaller: cfg.BypassHostCaller,
	}
}

// Grant sets unitID's access to capability.
func (s *Service) Grant(unitID, capability string, access manifest.AccessType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grants[unitID] == nil {
		s.grants[unitID] = make(map[string]manifest.AccessType)
	}
	s.grants[unitID][capability] = access
}

// Revoke sets unitID's access to capability down to NONE.
func (s *Service) Revoke(unitID, capability string) {
	s.Grant(unitID, capability, manifest.AccessNone)
}

// GetPermission returns the currently granted access level.
func (s *Service) GetPermission(unitID, capability string) manifest.AccessType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if caps, ok := s.grants[unitID]; ok {
		if access, ok := caps[capability]; ok {
			return access
		}
	}
	return manifest.AccessNone
}

// RemoveUnit drops every grant row for unitID, called during uninstall.
func (s *Service) RemoveUnit(unitID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, unitID)
}

// Decision is the outcome of a permission check, carrying enough context
// for the kernel to build a PermissionDeniedErr and an audit record.
type Decision struct {
	Allowed    bool
	Granted    manifest.AccessType
	SourceTag  string
}

// IsAllowed checks whether callerID's granted access for capability
// satisfies required, applying the contract-prefix whitelist and the
// host-bypass rule before consulting the grant table.
func (s *Service) IsAllowed(callerID, capability string, required manifest.AccessType) Decision {
	if s.contractPrefix != "" && hasPrefix(capability, s.contractPrefix) {
		return Decision{Allowed: true, Granted: manifest.AccessExecute, SourceTag: "contract-whitelist"}
	}
	if s.bypassHostCaller && callerID == hostCallerID {
		return Decision{Allowed: true, Granted: manifest.AccessExecute, SourceTag: "host-bypass"}
	}

	granted := s.GetPermission(callerID, capability)
	return Decision{
		Allowed:   granted.Satisfies(required),
		Granted:   granted,
		SourceTag: "permission-table",
	}
}

// HostCallerID returns the sentinel caller id used for host-originated
// calls, so the manager/kernel can construct invocation contexts
// consistently.
func HostCallerID() string { return hostCallerID }

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
