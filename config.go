package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// RBACConfig holds every engine setting. It is passed by value into New.
// Zero limits disable the corresponding check.
type RBACConfig struct {
	HeritagePermissions    bool            `json:"heritage_permissions" yaml:"heritage_permissions" cbor:"heritage_permissions" envconfig:"HERITAGE_PERMISSIONS"`
	RolesParUtilisateurMax int             `json:"roles_par_utilisateur_max" yaml:"roles_par_utilisateur_max" cbor:"roles_par_utilisateur_max" envconfig:"ROLES_PAR_UTILISATEUR_MAX"`
	PermissionsParRoleMax  int             `json:"permissions_par_role_max" yaml:"permissions_par_role_max" cbor:"permissions_par_role_max" envconfig:"PERMISSIONS_PAR_ROLE_MAX"`
	HierarchyDepthMax      int             `json:"hierarchy_depth_max" yaml:"hierarchy_depth_max" cbor:"hierarchy_depth_max" envconfig:"HIERARCHY_DEPTH_MAX"`
	DecisionCacheTTL       time.Duration   `json:"decision_cache_ttl" yaml:"decision_cache_ttl" cbor:"decision_cache_ttl" envconfig:"DECISION_CACHE_TTL"`
	CacheBackend           string          `json:"cache_backend" yaml:"cache_backend" cbor:"cache_backend" envconfig:"CACHE_BACKEND"`
	Ristretto              RistrettoConfig `json:"ristretto" yaml:"ristretto" cbor:"ristretto" envconfig:"RISTRETTO"`
	CheckTimeout           time.Duration   `json:"check_timeout" yaml:"check_timeout" cbor:"check_timeout" envconfig:"CHECK_TIMEOUT"`
	StoreTimeout           time.Duration   `json:"store_timeout" yaml:"store_timeout" cbor:"store_timeout" envconfig:"STORE_TIMEOUT"`
	StoreReadRetries       int             `json:"store_read_retries" yaml:"store_read_retries" cbor:"store_read_retries" envconfig:"STORE_READ_RETRIES"`
	RetryBackoff           time.Duration   `json:"retry_backoff" yaml:"retry_backoff" cbor:"retry_backoff" envconfig:"RETRY_BACKOFF"`
	PolicyPrecedence       string          `json:"policy_precedence" yaml:"policy_precedence" cbor:"policy_precedence" envconfig:"POLICY_PRECEDENCE"`
	DefaultEvaluationMode  EvaluationMode  `json:"default_evaluation_mode" yaml:"default_evaluation_mode" cbor:"default_evaluation_mode" envconfig:"DEFAULT_EVALUATION_MODE"`
	BusinessHours          BusinessHours   `json:"business_hours" yaml:"business_hours" cbor:"business_hours" envconfig:"BUSINESS_HOURS"`
	Audit                  AuditConfig     `json:"audit" yaml:"audit" cbor:"audit" envconfig:"AUDIT"`
	SweepInterval          time.Duration   `json:"sweep_interval" yaml:"sweep_interval" cbor:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
	RequireApproval        bool            `json:"require_approval" yaml:"require_approval" cbor:"require_approval" envconfig:"REQUIRE_APPROVAL"`
}

// RistrettoConfig sizes the local admission-controlled cache.
type RistrettoConfig struct {
	NumCounters int64 `json:"num_counters" yaml:"num_counters" cbor:"num_counters" envconfig:"NUM_COUNTERS"`
	MaxCost     int64 `json:"max_cost" yaml:"max_cost" cbor:"max_cost" envconfig:"MAX_COST"`
	BufferItems int64 `json:"buffer_items" yaml:"buffer_items" cbor:"buffer_items" envconfig:"BUFFER_ITEMS"`
}

// BusinessHours defines the window behind the business_hours predicate.
type BusinessHours struct {
	Start    string         `json:"start" yaml:"start" cbor:"start" envconfig:"START"`
	End      string         `json:"end" yaml:"end" cbor:"end" envconfig:"END"`
	Weekdays []time.Weekday `json:"weekdays,omitempty" yaml:"weekdays,omitempty" cbor:"weekdays,omitempty" envconfig:"WEEKDAYS"`
	Timezone string         `json:"timezone,omitempty" yaml:"timezone,omitempty" cbor:"timezone,omitempty" envconfig:"TIMEZONE"`
}

// AuditConfig controls the audit queue and the retention period.
type AuditConfig struct {
	BufferSize     int           `json:"buffer_size" yaml:"buffer_size" cbor:"buffer_size" envconfig:"BUFFER_SIZE"`
	BatchSize      int           `json:"batch_size" yaml:"batch_size" cbor:"batch_size" envconfig:"BATCH_SIZE"`
	FlushInterval  time.Duration `json:"flush_interval" yaml:"flush_interval" cbor:"flush_interval" envconfig:"FLUSH_INTERVAL"`
	Overflow       string        `json:"overflow" yaml:"overflow" cbor:"overflow" envconfig:"OVERFLOW"`
	BlockTimeout   time.Duration `json:"block_timeout" yaml:"block_timeout" cbor:"block_timeout" envconfig:"BLOCK_TIMEOUT"`
	StorageTimeout time.Duration `json:"storage_timeout" yaml:"storage_timeout" cbor:"storage_timeout" envconfig:"STORAGE_TIMEOUT"`
	Retention      time.Duration `json:"retention" yaml:"retention" cbor:"retention" envconfig:"RETENTION"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() RBACConfig {
	return RBACConfig{
		HeritagePermissions:    true,
		RolesParUtilisateurMax: 10,
		PermissionsParRoleMax:  200,
		HierarchyDepthMax:      10,
		DecisionCacheTTL:       30 * time.Second,
		CacheBackend:           CacheMemory,
		Ristretto:              RistrettoConfig{NumCounters: 1e5, MaxCost: 1e4, BufferItems: 64},
		CheckTimeout:           2 * time.Second,
		StoreTimeout:           time.Second,
		StoreReadRetries:       2,
		RetryBackoff:           20 * time.Millisecond,
		PolicyPrecedence:       PrecedenceDenyOverrides,
		DefaultEvaluationMode:  ModeFirstMatch,
		BusinessHours:          BusinessHours{Start: "09:00", End: "18:00", Timezone: "UTC"},
		Audit: AuditConfig{
			BufferSize:     4096,
			BatchSize:      128,
			FlushInterval:  time.Second,
			Overflow:       OverflowDropOldest,
			BlockTimeout:   100 * time.Millisecond,
			StorageTimeout: 5 * time.Second,
			Retention:      365 * 24 * time.Hour,
		},
		SweepInterval: time.Minute,
	}
}

// Validate reports every invalid field at once.
func (c RBACConfig) Validate() error {
	var errs []error
	bad := func(field, msg string) {
		errs = append(errs, &ValidationError{Field: field, Message: msg})
	}
	nonNegative := map[string]int64{
		"roles_par_utilisateur_max": int64(c.RolesParUtilisateurMax),
		"permissions_par_role_max":  int64(c.PermissionsParRoleMax),
		"hierarchy_depth_max":       int64(c.HierarchyDepthMax),
		"store_read_retries":        int64(c.StoreReadRetries),
		"decision_cache_ttl":        int64(c.DecisionCacheTTL),
		"check_timeout":             int64(c.CheckTimeout),
		"store_timeout":             int64(c.StoreTimeout),
		"retry_backoff":             int64(c.RetryBackoff),
		"sweep_interval":            int64(c.SweepInterval),
		"audit.buffer_size":         int64(c.Audit.BufferSize),
		"audit.batch_size":          int64(c.Audit.BatchSize),
		"audit.retention":           int64(c.Audit.Retention),
	}
	fields := make([]string, 0, len(nonNegative))
	for f := range nonNegative {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		if nonNegative[f] < 0 {
			bad(f, "must not be negative")
		}
	}
	switch c.CacheBackend {
	case "", CacheMemory, CacheNone:
	case CacheRistretto:
		if c.Ristretto.NumCounters <= 0 || c.Ristretto.MaxCost <= 0 || c.Ristretto.BufferItems <= 0 {
			bad("ristretto", "num_counters, max_cost and buffer_items must be positive")
		}
	default:
		bad("cache_backend", fmt.Sprintf("unknown backend %q", c.CacheBackend))
	}
	switch c.PolicyPrecedence {
	case "", PrecedenceDenyOverrides, PrecedencePolicyFirst:
	default:
		bad("policy_precedence", fmt.Sprintf("unknown precedence %q", c.PolicyPrecedence))
	}
	if c.DefaultEvaluationMode != "" && !c.DefaultEvaluationMode.valid() {
		bad("default_evaluation_mode", fmt.Sprintf("unknown mode %q", c.DefaultEvaluationMode))
	}
	switch c.Audit.Overflow {
	case "", OverflowDropOldest, OverflowBlock:
	default:
		bad("audit.overflow", fmt.Sprintf("unknown overflow policy %q", c.Audit.Overflow))
	}
	if c.BusinessHours.Start != "" || c.BusinessHours.End != "" {
		if _, err := clockBetween(time.Time{}, c.BusinessHours.Start, c.BusinessHours.End); err != nil {
			bad("business_hours", err.Error())
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// LOADING
// ============================================================================

// Format names a serialization format for configs, seeds and reports.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
	FormatCSV  Format = "csv"
	FormatDSL  Format = "dsl"
)

// FormatFromPath guesses the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cbor", ".bin":
		return FormatCBOR, nil
	case ".csv":
		return FormatCSV, nil
	case ".rbac", ".dsl", ".txt":
		return FormatDSL, nil
	}
	return "", fmt.Errorf("unrecognized file extension %q", filepath.Ext(path))
}

func decode(format Format, data []byte, v any) error {
	switch format {
	case FormatYAML:
		return yaml.Unmarshal(data, v)
	case FormatJSON:
		return json.Unmarshal(data, v)
	case FormatCBOR:
		return cbor.Unmarshal(data, v)
	}
	return fmt.Errorf("format %q cannot be decoded here", format)
}

func encode(format Format, v any) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(v)
	case FormatJSON:
		return json.MarshalIndent(v, "", "  ")
	case FormatCBOR:
		return cbor.Marshal(v)
	}
	return nil, fmt.Errorf("format %q cannot be encoded here", format)
}

// LoadConfig reads path over DefaultConfig, then applies RBAC_* environment
// variables. An empty path loads only defaults and environment.
func LoadConfig(path string) (RBACConfig, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		format, err := FormatFromPath(path)
		if err != nil {
			return cfg, err
		}
		if err := decode(format, data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process("RBAC", &cfg); err != nil {
		return cfg, fmt.Errorf("environment overlay: %w", err)
	}
	return cfg, cfg.Validate()
}

// ============================================================================
// SEED
// ============================================================================

// Seed is a complete set of definitions to apply to an engine.
type Seed struct {
	Version     int               `json:"version" yaml:"version" cbor:"version"`
	Permissions []*Permission     `json:"permissions,omitempty" yaml:"permissions,omitempty" cbor:"permissions,omitempty"`
	Roles       []*Role           `json:"roles,omitempty" yaml:"roles,omitempty" cbor:"roles,omitempty"`
	Policies    []*SecurityPolicy `json:"policies,omitempty" yaml:"policies,omitempty" cbor:"policies,omitempty"`
	Assignments []AssignRequest   `json:"assignments,omitempty" yaml:"assignments,omitempty" cbor:"assignments,omitempty"`
}

// ConfigLoader decodes seeds from the supported formats.
type ConfigLoader struct {
	dsl *DSLParser
}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{dsl: NewDSLParser()}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Seed, error) { return l.Load(FormatYAML, data) }

func (l *ConfigLoader) LoadJSON(data []byte) (*Seed, error) { return l.Load(FormatJSON, data) }

func (l *ConfigLoader) LoadCBOR(data []byte) (*Seed, error) { return l.Load(FormatCBOR, data) }

// Load decodes data in the given format.
func (l *ConfigLoader) Load(format Format, data []byte) (*Seed, error) {
	if format == FormatDSL {
		return l.dsl.Parse(data)
	}
	seed := &Seed{}
	if err := decode(format, data, seed); err != nil {
		return nil, fmt.Errorf("decode %s seed: %w", format, err)
	}
	return seed, nil
}

// LoadFile reads a seed, choosing the format from the extension.
func (l *ConfigLoader) LoadFile(path string) (*Seed, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return l.Load(format, data)
}

// Encode serializes the seed.
func (s *Seed) Encode(format Format) ([]byte, error) {
	if format == FormatDSL {
		return NewDSLEncoder().Encode(s)
	}
	return encode(format, s)
}

// ApplySeed creates or updates everything in seed. Permissions are created
// first without their graph edges, then updated with them, so declaration
// order does not matter. Roles are created parents first.
func (e *Engine) ApplySeed(ctx context.Context, seed *Seed) error {
	catalog := e.Permissions()
	for _, p := range seed.Permissions {
		if _, err := catalog.Get(ctx, p.Code); err == nil {
			continue
		}
		bare := p.clone()
		bare.Dependencies, bare.Conflicts = nil, nil
		if err := catalog.Create(ctx, bare); err != nil {
			return fmt.Errorf("create permission %s: %w", p.Code, err)
		}
	}
	for _, p := range seed.Permissions {
		if err := catalog.Update(ctx, p.clone()); err != nil {
			return fmt.Errorf("update permission %s: %w", p.Code, err)
		}
	}

	roles, err := parentsFirst(seed.Roles)
	if err != nil {
		return err
	}
	store := e.Roles()
	for _, r := range roles {
		if _, err := store.Get(ctx, r.Code); err == nil {
			if err := store.Update(ctx, r.clone()); err != nil {
				return fmt.Errorf("update role %s: %w", r.Code, err)
			}
			continue
		}
		if err := store.Create(ctx, r.clone()); err != nil {
			return fmt.Errorf("create role %s: %w", r.Code, err)
		}
	}

	policies := e.Policies()
	for _, p := range seed.Policies {
		if _, err := policies.Get(ctx, p.ID); err == nil {
			if err := policies.Update(ctx, p.clone()); err != nil {
				return fmt.Errorf("update policy %s: %w", p.ID, err)
			}
			continue
		}
		if err := policies.Create(ctx, p.clone()); err != nil {
			return fmt.Errorf("create policy %s: %w", p.ID, err)
		}
	}

	ledger := e.Assignments()
	for _, req := range seed.Assignments {
		p := req.Principal
		if hasLiveAssignment(ledger.List(ctx, AssignmentFilter{Principal: &p, RoleCode: req.RoleCode}, Page{Limit: maxPageSize})) {
			continue
		}
		if _, err := ledger.Assign(ctx, req); err != nil {
			return fmt.Errorf("assign %s to %s: %w", req.RoleCode, p.Key(), err)
		}
	}
	e.logger.Info("seed applied", "permissions", len(seed.Permissions), "roles", len(seed.Roles),
		"policies", len(seed.Policies), "assignments", len(seed.Assignments))
	return nil
}

func hasLiveAssignment(list []*RoleAssignment, _ int) bool {
	for _, a := range list {
		if !a.Status.Terminal() {
			return true
		}
	}
	return false
}

// parentsFirst orders roles so every parent defined in the slice precedes
// its children.
func parentsFirst(roles []*Role) ([]*Role, error) {
	byCode := make(map[string]*Role, len(roles))
	for _, r := range roles {
		byCode[r.Code] = r
	}
	const (
		visiting = 1
		done     = 2
	)
	mark := make(map[string]int, len(roles))
	out := make([]*Role, 0, len(roles))
	var visit func(r *Role) error
	visit = func(r *Role) error {
		switch mark[r.Code] {
		case done:
			return nil
		case visiting:
			return &ConflictError{Entity: "role", ID: r.Code, Reason: "hierarchy cycle in seed"}
		}
		mark[r.Code] = visiting
		if parent, ok := byCode[r.Parent]; ok {
			if err := visit(parent); err != nil {
				return err
			}
		}
		mark[r.Code] = done
		out = append(out, r)
		return nil
	}
	for _, r := range roles {
		if err := visit(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Snapshot exports the current definitions and live assignments as a seed.
func (e *Engine) Snapshot() *Seed {
	s := e.snapshot()
	seed := &Seed{Version: 1}
	for _, p := range sortedPermissions(s.permissions) {
		seed.Permissions = append(seed.Permissions, p.clone())
	}
	for _, idx := range s.roles.liveIndices() {
		seed.Roles = append(seed.Roles, s.roles.nodes[idx].role.clone())
	}
	for _, id := range s.policyOrder {
		seed.Policies = append(seed.Policies, s.policies[id].clone())
	}
	for _, a := range s.ledger.sorted() {
		if a.Status.Terminal() {
			continue
		}
		seed.Assignments = append(seed.Assignments, AssignRequest{
			Principal:        a.Principal,
			RoleCode:         a.RoleCode,
			DateDebut:        a.DateDebut,
			DateFin:          a.DateFin,
			Permanent:        a.Permanent,
			Motif:            a.Motif,
			Context:          a.Context,
			Restrictions:     a.Restrictions,
			RequiresApproval: a.RequiresApproval,
		})
	}
	return seed
}
