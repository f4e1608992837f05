package rbac

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

var root = Principal{Kind: KindAdmin, ID: "root"}

// reportFixture records three decisions at monday10, then moves the clock
// 100 days forward.
func reportFixture(t *testing.T) (*Engine, *testClock) {
	t.Helper()
	e, clock := newTestEngine(t, nil)
	seedProducts(t, e)
	mustCreatePermission(t, e, NewPermissionBuilder("finance.approve").Type(TypeApprove).Level(3).Build())
	mustCreateRole(t, e, NewRoleBuilder("directeur").Level(9).Permissions("finance.approve").Build())

	ctx := WithActor(context.Background(), "admin:ops")
	mustAssign(t, e, root, "directeur")
	until := monday10.AddDate(0, 0, 103)
	if _, err := e.Assignments().Assign(ctx, AssignRequest{Principal: vendor, RoleCode: "vendeur", DateFin: &until}); err != nil {
		t.Fatalf("assign vendeur: %v", err)
	}

	mustCheck(t, e, vendor, "produit.create", AccessContext{})
	mustCheck(t, e, vendor, "produit.delete", AccessContext{})
	mustCheck(t, e, Principal{Kind: KindUtilisateur, ID: "u-1"}, "produit.create", AccessContext{})

	clock.Advance(100 * 24 * time.Hour)
	return e, clock
}

func generate(t *testing.T, e *Engine) *ComplianceReport {
	t.Helper()
	report, err := e.Compliance().Generate(context.Background(), ReportRequest{From: monday10.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return report
}

func TestComplianceReport(t *testing.T) {
	e, clock := reportFixture(t)
	report := generate(t, e)

	if !report.To.Equal(clock.Now()) {
		t.Fatalf("period end should default to now, got %v", report.To)
	}
	d := report.Decisions
	if d.Total != 3 || d.Allowed != 1 || d.Denied != 2 {
		t.Fatalf("decision stats: %+v", d)
	}
	if d.DenyReasons[ReasonUnknownPermission] != 1 || d.DenyReasons[ReasonNoRole] != 1 {
		t.Fatalf("deny reasons: %v", d.DenyReasons)
	}
	if d.DeniedByPermission["produit.delete"] != 1 || d.DeniedByPermission["produit.create"] != 1 {
		t.Fatalf("denied by permission: %v", d.DeniedByPermission)
	}
	if report.Mutations["assignment.create"] != 2 || report.Mutations["role.create"] != 2 {
		t.Fatalf("mutations: %v", report.Mutations)
	}

	if len(report.Expiring) != 1 || report.Expiring[0].Principal != vendor.Key() {
		t.Fatalf("expiring: %+v", report.Expiring)
	}

	var escalation, inactive int
	for _, a := range report.Anomalies {
		switch a.Kind {
		case AnomalyPrivilegeEscalation:
			escalation++
			if a.Principal != root.Key() || a.RoleCode != "directeur" {
				t.Fatalf("escalation anomaly: %+v", a)
			}
		case AnomalyInactivePrivilege:
			inactive++
			if a.Principal != root.Key() {
				t.Fatalf("inactive anomaly: %+v", a)
			}
		}
	}
	if escalation != 1 || inactive != 1 {
		t.Fatalf("anomalies: %+v", report.Anomalies)
	}

	inv := report.Inventory
	if inv.Permissions != 3 || inv.Roles != 2 || inv.Policies != 0 || inv.ActiveAssignments != 2 {
		t.Fatalf("inventory: %+v", inv)
	}
}

func TestComplianceInactivityClearedByRecentDecision(t *testing.T) {
	e, _ := reportFixture(t)
	mustCheck(t, e, root, "finance.approve", AccessContext{})
	for _, a := range generate(t, e).Anomalies {
		if a.Kind == AnomalyInactivePrivilege {
			t.Fatalf("a recent decision should clear the inactivity finding: %+v", a)
		}
	}
}

func TestComplianceRejectsInvertedPeriod(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.Compliance().Generate(context.Background(), ReportRequest{From: monday10, To: monday10.Add(-time.Hour)})
	if !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReportExportFormats(t *testing.T) {
	e, _ := reportFixture(t)
	report := generate(t, e)

	data, err := report.Export(FormatJSON, false)
	if err != nil {
		t.Fatalf("json export: %v", err)
	}
	var fromJSON ComplianceReport
	if err := json.Unmarshal(data, &fromJSON); err != nil {
		t.Fatalf("json decode: %v", err)
	}
	if fromJSON.Decisions.Total != 3 || len(fromJSON.Anomalies) != 2 {
		t.Fatalf("json report: %+v", fromJSON)
	}

	data, err = report.Export(FormatYAML, false)
	if err != nil {
		t.Fatalf("yaml export: %v", err)
	}
	var fromYAML ComplianceReport
	if err := yaml.Unmarshal(data, &fromYAML); err != nil {
		t.Fatalf("yaml decode: %v", err)
	}
	if fromYAML.Inventory != report.Inventory {
		t.Fatalf("yaml inventory: %+v", fromYAML.Inventory)
	}

	data, err = report.Export(FormatCBOR, false)
	if err != nil {
		t.Fatalf("cbor export: %v", err)
	}
	var fromCBOR ComplianceReport
	if err := cbor.Unmarshal(data, &fromCBOR); err != nil {
		t.Fatalf("cbor decode: %v", err)
	}
	if fromCBOR.Mutations["assignment.create"] != 2 {
		t.Fatalf("cbor mutations: %v", fromCBOR.Mutations)
	}

	data, err = report.Export(FormatCSV, false)
	if err != nil {
		t.Fatalf("csv export: %v", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("csv decode: %v", err)
	}
	if got := rows[0]; got[0] != "section" || got[1] != "key" || got[2] != "value" {
		t.Fatalf("csv header: %v", got)
	}
	want := map[[2]string]string{
		{"decisions", "total"}:                  "3",
		{"deny_reason", ReasonNoRole}:           "1",
		{"mutation", "assignment.create"}:       "2",
		{"inventory", "active_assignments"}:     "2",
		{"denied_permission", "produit.delete"}: "1",
	}
	for _, row := range rows[1:] {
		if v, ok := want[[2]string{row[0], row[1]}]; ok {
			if row[2] != v {
				t.Fatalf("csv row %v: want %s", row, v)
			}
			delete(want, [2]string{row[0], row[1]})
		}
	}
	if len(want) != 0 {
		t.Fatalf("csv rows missing: %v", want)
	}
}

func TestReportCompression(t *testing.T) {
	e, _ := reportFixture(t)
	report := generate(t, e)
	plain, err := report.Export(FormatJSON, false)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	packed, err := report.Export(FormatJSON, true)
	if err != nil {
		t.Fatalf("export compressed: %v", err)
	}
	if bytes.Equal(plain, packed) {
		t.Fatalf("compressed export should differ from plain export")
	}
	out, err := Decompress(packed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(out, plain) {
		t.Fatalf("decompressed payload differs")
	}
	direct, err := Compress(plain)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if out, err := Decompress(direct); err != nil || !bytes.Equal(out, plain) {
		t.Fatalf("compress round trip: %v", err)
	}
	if _, err := Decompress([]byte("not zstd")); err == nil {
		t.Fatalf("garbage should not decompress")
	}
}

func TestReportSigning(t *testing.T) {
	e, _ := reportFixture(t)
	report := generate(t, e)
	signer, err := NewReportSigner(nil)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	signed, err := report.ExportSigned(signer, FormatCSV, true)
	if err != nil {
		t.Fatalf("export signed: %v", err)
	}
	if signed.Format != FormatCSV || !signed.Compressed {
		t.Fatalf("envelope: %+v", signed)
	}
	pub := signer.CurrentPublicKey()
	if err := VerifyReport(pub, signed); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifyReport(nil, signed); err != nil {
		t.Fatalf("verify with embedded key: %v", err)
	}

	tampered := *signed
	tampered.Payload = append([]byte{}, signed.Payload...)
	tampered.Payload[0] ^= 0xff
	if err := VerifyReport(pub, &tampered); err == nil {
		t.Fatalf("tampered payload must not verify")
	}

	if err := signer.RotateSigningKey(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := VerifyReport(signer.CurrentPublicKey(), signed); err == nil {
		t.Fatalf("a report signed before rotation must not verify with the new key")
	}
}

func TestReportSignerFromSeed(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	a, err := ReportSignerFromSeed(base64.StdEncoding.EncodeToString(seed))
	if err != nil {
		t.Fatalf("from seed: %v", err)
	}
	b, err := NewReportSigner(ed25519.NewKeyFromSeed(seed))
	if err != nil {
		t.Fatalf("from key: %v", err)
	}
	if !a.CurrentPublicKey().Equal(b.CurrentPublicKey()) {
		t.Fatalf("the same seed should yield the same key")
	}
	if _, err := ReportSignerFromSeed(base64.StdEncoding.EncodeToString([]byte("short"))); !IsValidationError(err) {
		t.Fatalf("expected validation error for a short seed, got %v", err)
	}
	if _, err := NewReportSigner(ed25519.PrivateKey{1, 2, 3}); !IsValidationError(err) {
		t.Fatalf("expected validation error for a short key, got %v", err)
	}
}

func TestReplay(t *testing.T) {
	e, _ := reportFixture(t)
	ctx := context.Background()
	if err := e.Roles().RemovePermission(ctx, "vendeur", "produit.create"); err != nil {
		t.Fatalf("remove permission: %v", err)
	}
	if err := e.AuditRecorder().Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	results, err := e.Compliance().Replay(ctx, AuditFilter{Principal: vendor.Key()})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected the two vendor decisions, got %d", len(results))
	}
	for _, r := range results {
		switch r.Entry.TargetID {
		case "produit.create":
			if !r.Changed || r.Current.Allowed || r.Current.Reason != ReasonPermissionDenied {
				t.Fatalf("revoked grant should replay as changed: %+v", r.Current)
			}
		case "produit.delete":
			if r.Changed {
				t.Fatalf("unknown permission should replay unchanged: %+v", r.Current)
			}
		default:
			t.Fatalf("unexpected replayed entry %s", r.Entry.TargetID)
		}
	}
}
