package rbac

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ============================================================================
// PRINCIPALS
// ============================================================================

// PrincipalKind is the closed set of principal types the engine authorizes.
type PrincipalKind uint8

const (
	KindUtilisateur PrincipalKind = iota + 1
	KindVendeur
	KindAgent
	KindAdmin
)

func (k PrincipalKind) String() string {
	switch k {
	case KindUtilisateur:
		return "utilisateur"
	case KindVendeur:
		return "vendeur"
	case KindAgent:
		return "agent"
	case KindAdmin:
		return "admin"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the four known kinds.
func (k PrincipalKind) Valid() bool {
	switch k {
	case KindUtilisateur, KindVendeur, KindAgent, KindAdmin:
		return true
	}
	return false
}

// ParsePrincipalKind maps the textual form back to a kind.
func ParsePrincipalKind(s string) (PrincipalKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "utilisateur", "user":
		return KindUtilisateur, nil
	case "vendeur", "vendor":
		return KindVendeur, nil
	case "agent":
		return KindAgent, nil
	case "admin":
		return KindAdmin, nil
	}
	return 0, &ValidationError{Field: "principal.kind", Message: fmt.Sprintf("unknown principal kind %q", s)}
}

func (k PrincipalKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid principal kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *PrincipalKind) UnmarshalText(b []byte) error {
	parsed, err := ParsePrincipalKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Principal is the already-authenticated entity being authorized.
type Principal struct {
	Kind PrincipalKind `json:"kind" yaml:"kind"`
	ID   string        `json:"id" yaml:"id"`
}

// Key is the stable identity used for ledger indexing and cache keys.
func (p Principal) Key() string {
	return p.Kind.String() + ":" + p.ID
}

func (p Principal) String() string { return p.Key() }

// ParsePrincipal reads the "kind:id" form produced by Key.
func ParsePrincipal(s string) (Principal, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return Principal{}, &ValidationError{Field: "principal", Message: fmt.Sprintf("expected kind:id, got %q", s)}
	}
	k, err := ParsePrincipalKind(kind)
	if err != nil {
		return Principal{}, err
	}
	p := Principal{Kind: k, ID: id}
	return p, p.validate()
}

func (p Principal) validate() error {
	if !p.Kind.Valid() {
		return &ValidationError{Field: "principal.kind", Message: "principal kind is required"}
	}
	if strings.TrimSpace(p.ID) == "" {
		return &ValidationError{Field: "principal.id", Message: "principal id is required"}
	}
	return nil
}

// ============================================================================
// REQUEST CONTEXT AND DECISIONS
// ============================================================================

// AccessContext carries the request attributes policies and restrictions look at.
// A zero Time means "now" according to the engine clock.
type AccessContext struct {
	Time           time.Time      `json:"time"`
	IP             net.IP         `json:"ip,omitempty"`
	Location       string         `json:"location,omitempty"`
	Device         string         `json:"device,omitempty"`
	MFAVerified    bool           `json:"mfa_verified,omitempty"`
	SessionStarted time.Time      `json:"session_started,omitempty"`
	Resource       map[string]any `json:"resource,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Decision reasons.
const (
	ReasonGranted             = "granted"
	ReasonNoRole              = "no_role"
	ReasonRoleSuspended       = "role_suspended"
	ReasonUnknownPermission   = "unknown_permission"
	ReasonPermissionInactive  = "permission_inactive"
	ReasonPermissionDenied    = "permission_denied"
	ReasonDependencyUnmet     = "dependency_unmet"
	ReasonRestrictionViolated = "restriction_violated"
	ReasonMFARequired         = "mfa_required"
	ReasonSessionExpired      = "session_expired"
	ReasonStoreUnavailable    = "store_unavailable"
	ReasonInvalidRequest      = "invalid_request"
	reasonPolicyPrefix        = "policy:"
)

// PolicyReason is the reason attached to a decision settled by a policy.
func PolicyReason(policyID string) string { return reasonPolicyPrefix + policyID }

// AccessCheckResult is the auditable outcome of one check.
type AccessCheckResult struct {
	Permission    string        `json:"permission"`
	Allowed       bool          `json:"allowed"`
	Reason        string        `json:"reason"`
	MatchedRole   string        `json:"matched_role,omitempty"`
	MatchedPolicy string        `json:"matched_policy,omitempty"`
	MatchedRule   string        `json:"matched_rule,omitempty"`
	Latency       time.Duration `json:"latency"`
	Cached        bool          `json:"cached,omitempty"`
	Trace         []string      `json:"trace,omitempty"`
	EvaluatedAt   time.Time     `json:"evaluated_at"`
	TraceID       string        `json:"trace_id,omitempty"`
}

func deny(code, reason string) *AccessCheckResult {
	return &AccessCheckResult{Permission: code, Allowed: false, Reason: reason}
}

// Effect is the verdict a policy rule produces.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
	EffectAudit Effect = "audit"
)

func (e Effect) valid() bool {
	return e == EffectAllow || e == EffectDeny || e == EffectAudit
}

// Page bounds list operations. Zero Limit means the default page size.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (p Page) bounds(total int) (int, int) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	start := p.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return start, end
}
