package rbac

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// COMPLIANCE REPORTS
// ============================================================================

// Anomaly kinds.
const (
	AnomalyPrivilegeEscalation = "privilege_escalation"
	AnomalyInactivePrivilege   = "inactive_privilege"
)

// ReportRequest selects the period and the thresholds of a report.
type ReportRequest struct {
	From time.Time `json:"from" yaml:"from"`
	To   time.Time `json:"to" yaml:"to"`
	// ExpiringWithin lists assignments whose date_fin falls inside the horizon.
	ExpiringWithin time.Duration `json:"expiring_within" yaml:"expiring_within"`
	// HighPrivilegeLevel is the role level from which a role counts as privileged.
	HighPrivilegeLevel int `json:"high_privilege_level" yaml:"high_privilege_level"`
	// InactivityWindow is how long a privileged principal may go without a
	// decision before it is flagged.
	InactivityWindow time.Duration `json:"inactivity_window" yaml:"inactivity_window"`
}

func (r *ReportRequest) normalize(now time.Time) error {
	if r.To.IsZero() {
		r.To = now
	}
	if r.From.IsZero() {
		r.From = r.To.Add(-30 * 24 * time.Hour)
	}
	if !r.From.Before(r.To) {
		return &ValidationError{Field: "from", Message: "period start must precede its end"}
	}
	if r.ExpiringWithin <= 0 {
		r.ExpiringWithin = 7 * 24 * time.Hour
	}
	if r.HighPrivilegeLevel <= 0 {
		r.HighPrivilegeLevel = 8
	}
	if r.InactivityWindow <= 0 {
		r.InactivityWindow = 90 * 24 * time.Hour
	}
	return nil
}

// DecisionStats aggregates decision audit entries.
type DecisionStats struct {
	Total                 int            `json:"total" yaml:"total" cbor:"total"`
	Allowed               int            `json:"allowed" yaml:"allowed" cbor:"allowed"`
	Denied                int            `json:"denied" yaml:"denied" cbor:"denied"`
	DenyReasons           map[string]int `json:"deny_reasons" yaml:"deny_reasons" cbor:"deny_reasons"`
	RestrictionViolations int            `json:"restriction_violations" yaml:"restriction_violations" cbor:"restriction_violations"`
	DeniedByPermission    map[string]int `json:"denied_by_permission" yaml:"denied_by_permission" cbor:"denied_by_permission"`
}

// ExpiringAssignment is an active grant about to lapse.
type ExpiringAssignment struct {
	ID        string    `json:"id" yaml:"id" cbor:"id"`
	Principal string    `json:"principal" yaml:"principal" cbor:"principal"`
	RoleCode  string    `json:"role_code" yaml:"role_code" cbor:"role_code"`
	DateFin   time.Time `json:"date_fin" yaml:"date_fin" cbor:"date_fin"`
}

// Anomaly is one finding that deserves a human look.
type Anomaly struct {
	Kind      string    `json:"kind" yaml:"kind" cbor:"kind"`
	Principal string    `json:"principal,omitempty" yaml:"principal,omitempty" cbor:"principal,omitempty"`
	RoleCode  string    `json:"role_code" yaml:"role_code" cbor:"role_code"`
	Detail    string    `json:"detail" yaml:"detail" cbor:"detail"`
	At        time.Time `json:"at" yaml:"at" cbor:"at"`
}

// Inventory counts the current definitions.
type Inventory struct {
	Permissions       int `json:"permissions" yaml:"permissions" cbor:"permissions"`
	Roles             int `json:"roles" yaml:"roles" cbor:"roles"`
	Policies          int `json:"policies" yaml:"policies" cbor:"policies"`
	ActiveAssignments int `json:"active_assignments" yaml:"active_assignments" cbor:"active_assignments"`
}

// ComplianceReport summarizes one period of the audit stream.
type ComplianceReport struct {
	GeneratedAt time.Time            `json:"generated_at" yaml:"generated_at" cbor:"generated_at"`
	From        time.Time            `json:"from" yaml:"from" cbor:"from"`
	To          time.Time            `json:"to" yaml:"to" cbor:"to"`
	Decisions   DecisionStats        `json:"decisions" yaml:"decisions" cbor:"decisions"`
	Mutations   map[string]int       `json:"mutations" yaml:"mutations" cbor:"mutations"`
	Expiring    []ExpiringAssignment `json:"expiring" yaml:"expiring" cbor:"expiring"`
	Anomalies   []Anomaly            `json:"anomalies" yaml:"anomalies" cbor:"anomalies"`
	Inventory   Inventory            `json:"inventory" yaml:"inventory" cbor:"inventory"`
}

// ComplianceReporter builds reports from the audit trail and the current state.
type ComplianceReporter struct {
	e *Engine
}

func (e *Engine) Compliance() *ComplianceReporter { return &ComplianceReporter{e: e} }

// Generate queries decisions, mutations and the inactivity window in
// parallel, then derives the anomalies from the current snapshot.
func (c *ComplianceReporter) Generate(ctx context.Context, req ReportRequest) (*ComplianceReport, error) {
	if err := req.normalize(c.e.now()); err != nil {
		return nil, err
	}
	rec := c.e.audit
	if err := rec.Flush(ctx); err != nil {
		return nil, err
	}
	s := c.e.snapshot()

	var decisions, mutations, recent []AuditEntry
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		decisions, err = c.e.auditSink.Query(gctx, AuditFilter{Kind: AuditDecision, Start: req.From, End: req.To})
		return err
	})
	g.Go(func() error {
		var err error
		mutations, err = c.e.auditSink.Query(gctx, AuditFilter{Kind: AuditMutation, Start: req.From, End: req.To})
		return err
	})
	g.Go(func() error {
		var err error
		recent, err = c.e.auditSink.Query(gctx, AuditFilter{Kind: AuditDecision, Start: req.To.Add(-req.InactivityWindow), End: req.To})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, unavailable("compliance.query", err)
	}

	report := &ComplianceReport{
		GeneratedAt: c.e.now(),
		From:        req.From,
		To:          req.To,
		Decisions:   decisionStats(decisions),
		Mutations:   make(map[string]int),
		Inventory: Inventory{
			Permissions: len(s.permissions),
			Roles:       len(s.roles.liveIndices()),
			Policies:    len(s.policies),
		},
	}
	for _, m := range mutations {
		report.Mutations[m.Action]++
	}
	for _, a := range s.ledger.sorted() {
		if a.Status == StatusActif {
			report.Inventory.ActiveAssignments++
		}
		if a.Status == StatusActif && a.DateFin != nil && !a.DateFin.Before(req.To) && a.DateFin.Before(req.To.Add(req.ExpiringWithin)) {
			report.Expiring = append(report.Expiring, ExpiringAssignment{
				ID: a.ID, Principal: a.Principal.Key(), RoleCode: a.RoleCode, DateFin: *a.DateFin,
			})
		}
	}
	sort.Slice(report.Expiring, func(i, j int) bool { return report.Expiring[i].DateFin.Before(report.Expiring[j].DateFin) })
	report.Anomalies = append(escalations(s, mutations, req.HighPrivilegeLevel), inactivePrivileged(s, recent, req)...)
	c.e.logger.Info("compliance report generated", "decisions", report.Decisions.Total,
		"mutations", len(mutations), "anomalies", len(report.Anomalies))
	return report, nil
}

func decisionStats(entries []AuditEntry) DecisionStats {
	st := DecisionStats{DenyReasons: make(map[string]int), DeniedByPermission: make(map[string]int)}
	for _, d := range entries {
		st.Total++
		if d.Result == ResultAllow {
			st.Allowed++
			continue
		}
		st.Denied++
		st.DenyReasons[d.Reason]++
		st.DeniedByPermission[d.TargetID]++
		if d.Reason == ReasonRestrictionViolated {
			st.RestrictionViolations++
		}
	}
	return st
}

// roleLevel returns the level of code, or 0 when it no longer exists.
func roleLevel(s *state, code string) int {
	if code == "" {
		return 0
	}
	if idx, ok := s.roles.lookup(code); ok {
		return s.roles.nodes[idx].role.Level
	}
	return 0
}

// parentOf reads the parent field of an audited role value, which is a
// *Role in memory and a decoded map after a round trip through storage.
func parentOf(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case *Role:
		return r.Parent
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	var probe struct {
		Parent string `json:"parent"`
	}
	_ = json.Unmarshal(b, &probe)
	return probe.Parent
}

func escalations(s *state, mutations []AuditEntry, high int) []Anomaly {
	var out []Anomaly
	for _, m := range mutations {
		switch m.Action {
		case "assignment.create", "assignment.approve", "assignment.reactivate":
			role := m.Metadata["role"]
			if level := roleLevel(s, role); level >= high {
				out = append(out, Anomaly{
					Kind:      AnomalyPrivilegeEscalation,
					Principal: m.Principal,
					RoleCode:  role,
					Detail:    fmt.Sprintf("%s of level %d role by %s", m.Action, level, m.Actor),
					At:        m.Timestamp,
				})
			}
		case "role.set_parent":
			oldParent, newParent := parentOf(m.Before), parentOf(m.After)
			oldLevel, newLevel := roleLevel(s, oldParent), roleLevel(s, newParent)
			if newLevel > oldLevel && newLevel >= high {
				out = append(out, Anomaly{
					Kind:     AnomalyPrivilegeEscalation,
					RoleCode: m.TargetID,
					Detail:   fmt.Sprintf("parent changed from %q (level %d) to %q (level %d) by %s", oldParent, oldLevel, newParent, newLevel, m.Actor),
					At:       m.Timestamp,
				})
			}
		}
	}
	return out
}

func inactivePrivileged(s *state, recent []AuditEntry, req ReportRequest) []Anomaly {
	seen := make(map[string]bool, len(recent))
	for _, d := range recent {
		seen[d.Principal] = true
	}
	var out []Anomaly
	cutoff := req.To.Add(-req.InactivityWindow)
	for _, a := range s.ledger.sorted() {
		if a.Status != StatusActif || a.CreatedAt.After(cutoff) {
			continue
		}
		level := roleLevel(s, a.RoleCode)
		if level < req.HighPrivilegeLevel || seen[a.Principal.Key()] {
			continue
		}
		out = append(out, Anomaly{
			Kind:      AnomalyInactivePrivilege,
			Principal: a.Principal.Key(),
			RoleCode:  a.RoleCode,
			Detail:    fmt.Sprintf("level %d role unused for %s", level, req.InactivityWindow),
			At:        req.To,
		})
	}
	return out
}

// ============================================================================
// EXPORT
// ============================================================================

var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil)
	})
)

// Compress zstd-compresses an exported payload.
func Compress(data []byte) ([]byte, error) {
	enc, err := zstdEncoder()
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return enc.EncodeAll(data, nil), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	dec, err := zstdDecoder()
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

// Export encodes the report. CSV flattens it into section,key,value rows.
func (r *ComplianceReport) Export(format Format, compress bool) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if format == FormatCSV {
		data, err = r.csv()
	} else {
		data, err = encode(format, r)
	}
	if err != nil {
		return nil, fmt.Errorf("export report as %s: %w", format, err)
	}
	if compress {
		return Compress(data)
	}
	return data, nil
}

// ExportSigned exports the report and signs the exported bytes.
func (r *ComplianceReport) ExportSigned(signer *ReportSigner, format Format, compress bool) (*SignedReport, error) {
	data, err := r.Export(format, compress)
	if err != nil {
		return nil, err
	}
	return signer.Sign(data, format, compress), nil
}

func (r *ComplianceReport) csv() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	rows := [][]string{
		{"section", "key", "value"},
		{"period", "from", r.From.Format(time.RFC3339)},
		{"period", "to", r.To.Format(time.RFC3339)},
		{"decisions", "total", strconv.Itoa(r.Decisions.Total)},
		{"decisions", "allowed", strconv.Itoa(r.Decisions.Allowed)},
		{"decisions", "denied", strconv.Itoa(r.Decisions.Denied)},
		{"decisions", "restriction_violations", strconv.Itoa(r.Decisions.RestrictionViolations)},
	}
	for _, k := range sortedKeys(r.Decisions.DenyReasons) {
		rows = append(rows, []string{"deny_reason", k, strconv.Itoa(r.Decisions.DenyReasons[k])})
	}
	for _, k := range sortedKeys(r.Decisions.DeniedByPermission) {
		rows = append(rows, []string{"denied_permission", k, strconv.Itoa(r.Decisions.DeniedByPermission[k])})
	}
	for _, k := range sortedKeys(r.Mutations) {
		rows = append(rows, []string{"mutation", k, strconv.Itoa(r.Mutations[k])})
	}
	for _, a := range r.Expiring {
		rows = append(rows, []string{"expiring", a.ID, a.Principal + " " + a.RoleCode + " " + a.DateFin.Format(time.RFC3339)})
	}
	for _, a := range r.Anomalies {
		rows = append(rows, []string{"anomaly", a.Kind, a.Principal + " " + a.RoleCode + ": " + a.Detail})
	}
	rows = append(rows,
		[]string{"inventory", "permissions", strconv.Itoa(r.Inventory.Permissions)},
		[]string{"inventory", "roles", strconv.Itoa(r.Inventory.Roles)},
		[]string{"inventory", "policies", strconv.Itoa(r.Inventory.Policies)},
		[]string{"inventory", "active_assignments", strconv.Itoa(r.Inventory.ActiveAssignments)},
	)
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ============================================================================
// REPLAY
// ============================================================================

// ReplayResult compares a recorded decision with a fresh evaluation.
type ReplayResult struct {
	Entry   AuditEntry         `json:"entry"`
	Current *AccessCheckResult `json:"current"`
	Changed bool               `json:"changed"`
}

// Replay re-evaluates recorded decisions against the current state at their
// original timestamps. Only the principal, permission and time are recorded,
// so decisions that depended on request attributes may differ.
func (c *ComplianceReporter) Replay(ctx context.Context, filter AuditFilter) ([]ReplayResult, error) {
	filter.Kind = AuditDecision
	entries, err := c.e.audit.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]ReplayResult, 0, len(entries))
	for _, entry := range entries {
		principal, err := ParsePrincipal(entry.Principal)
		if err != nil {
			continue
		}
		res, err := c.e.Simulate(ctx, principal, entry.TargetID, AccessContext{Time: entry.Timestamp})
		if err != nil {
			return nil, err
		}
		allowed := entry.Result == ResultAllow
		out = append(out, ReplayResult{
			Entry:   entry,
			Current: res,
			Changed: res.Allowed != allowed || res.Reason != entry.Reason,
		})
	}
	return out, nil
}
