// Package rbac implements the access-control contract from spec.md
// §3/§4.7: a flat key-to-role map plus a per-tool allowed-roles map,
// with tool restrictions taking precedence and an empty allowed set
// denying every caller. Grounded on the teacher's auth.MemoryAPIKeyStore
// (auth/apikey.go) for the hashed-key lookup and constant-time-compare
// discipline — chosen over the heavier auth.SimpleRBACAuthorizer
// (auth/rbac.go, which models role inheritance and tool wildcards) since
// spec.md's RBAC model is intentionally flat: no hierarchy, no
// wildcards, just two maps.
package rbac

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
)

// Role identifies a caller's permission class.
type Role string

// HashKey hashes an API key for storage/lookup, mirroring the teacher's
// auth.HashAPIKey so keys are never held in the clear.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// constantTimeEqual compares two hex digests without leaking timing.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Config configures an Authorizer.
type Config struct {
	// Enabled, when false, makes CanAccess always return true.
	Enabled bool

	// DefaultRole is assigned to a caller whose key has no mapping.
	DefaultRole Role
}

// Authorizer is the RBAC state from spec.md §3.
type Authorizer struct {
	mu sync.RWMutex
	cfg Config

	// keyToRole maps a hashed API key to a role.
	keyToRole map[string]Role

	// toolAllowedRoles maps a tool name to its allowed role set. A tool
	// absent from this map is unrestricted (spec.md §3).
	toolAllowedRoles map[string]map[Role]struct{}

	denials uint64
	allows  uint64
}

// New creates an Authorizer.
func New(cfg Config) *Authorizer {
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = "guest"
	}
	return &Authorizer{
		cfg:              cfg,
		keyToRole:        make(map[string]Role),
		toolAllowedRoles: make(map[string]map[Role]struct{}),
	}
}

// MapKey assigns role to the (hashed) key, replacing any prior mapping.
func (a *Authorizer) MapKey(apiKey string, role Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keyToRole[HashKey(apiKey)] = role
}

// UnmapKey removes a key's role mapping.
func (a *Authorizer) UnmapKey(apiKey string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.keyToRole, HashKey(apiKey))
}

// RestrictTool sets the allowed-roles set for tool. An empty roles list
// denies every caller (spec.md §4.7).
func (a *Authorizer) RestrictTool(tool string, roles ...Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	a.toolAllowedRoles[tool] = set
}

// ClearToolRestriction removes tool's entry entirely, making it
// unrestricted again.
func (a *Authorizer) ClearToolRestriction(tool string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.toolAllowedRoles, tool)
}

// RoleFor resolves the role for apiKey, defaulting to DefaultRole when
// unmapped or empty.
func (a *Authorizer) RoleFor(apiKey string) Role {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.roleForLocked(apiKey)
}

func (a *Authorizer) roleForLocked(apiKey string) Role {
	if apiKey == "" {
		return a.cfg.DefaultRole
	}
	hashed := HashKey(apiKey)
	for storedHash, role := range a.keyToRole {
		if constantTimeEqual(storedHash, hashed) {
			return role
		}
	}
	return a.cfg.DefaultRole
}

// CanAccess reports whether apiKey may invoke tool (spec.md §4.7):
// true if RBAC is disabled, or tool has no restriction entry, or the
// caller's resolved role is in tool's allowed set. Tool restrictions
// take precedence over role existence; an empty allowed set denies
// everyone.
func (a *Authorizer) CanAccess(tool string, apiKey string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.cfg.Enabled {
		a.allows++
		return true
	}

	allowed, restricted := a.toolAllowedRoles[tool]
	if !restricted {
		a.allows++
		return true
	}

	role := a.roleForLocked(apiKey)
	if _, ok := allowed[role]; ok {
		a.allows++
		return true
	}
	a.denials++
	return false
}

// Stats is the diagnostic projection for the authorizer.
type Stats struct {
	Allows          uint64 `json:"allows"`
	Denials         uint64 `json:"denials"`
	RestrictedTools int    `json:"restrictedTools"`
	MappedKeys      int    `json:"mappedKeys"`
}

// Snapshot returns the current diagnostic projection.
func (a *Authorizer) Snapshot() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Stats{
		Allows:          a.allows,
		Denials:         a.denials,
		RestrictedTools: len(a.toolAllowedRoles),
		MappedKeys:      len(a.keyToRole),
	}
}
