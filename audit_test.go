package rbac

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// gatedSink blocks WriteBatch until released so the queue can fill up.
type gatedSink struct {
	*MemoryAuditSink
	gate chan struct{}
	once sync.Once
}

func newGatedSink() *gatedSink {
	return &gatedSink{MemoryAuditSink: NewMemoryAuditSink(), gate: make(chan struct{})}
}

func (g *gatedSink) release() { g.once.Do(func() { close(g.gate) }) }

func (g *gatedSink) WriteBatch(ctx context.Context, entries []AuditEntry) error {
	<-g.gate
	return g.MemoryAuditSink.WriteBatch(ctx, entries)
}

type failingSink struct{ *MemoryAuditSink }

func (failingSink) WriteBatch(context.Context, []AuditEntry) error { return errors.New("disk full") }

func TestAuditRecorderFlushAndQuery(t *testing.T) {
	sink := NewMemoryAuditSink()
	r := NewAuditRecorder(sink, AuditConfig{BatchSize: 100, FlushInterval: time.Hour}, nil)
	defer r.Close(context.Background())

	base := monday10
	for i := 0; i < 5; i++ {
		r.Record(AuditEntry{Kind: AuditMutation, Action: fmt.Sprintf("role.op%d", i), TargetID: fmt.Sprint(i), Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	r.Record(AuditEntry{Kind: AuditDecision, Action: "access.check", Principal: "vendeur:v-42", Timestamp: base})

	got, err := r.Query(context.Background(), AuditFilter{ActionPrefix: "role."})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 5 || got[0].Action != "role.op0" || got[0].ID == "" {
		t.Fatalf("unexpected entries: %+v", got)
	}
	page, _ := r.Query(context.Background(), AuditFilter{Kind: AuditMutation, Offset: 1, Limit: 2})
	if len(page) != 2 || page[0].TargetID != "1" || page[1].TargetID != "2" {
		t.Fatalf("unexpected page: %+v", page)
	}
	window, _ := r.Query(context.Background(), AuditFilter{Start: base.Add(2 * time.Minute), End: base.Add(3 * time.Minute)})
	if len(window) != 2 {
		t.Fatalf("expected two entries in the window, got %d", len(window))
	}
	if written, dropped, failed := r.Stats(); written != 6 || dropped != 0 || failed != 0 {
		t.Fatalf("unexpected stats: %d %d %d", written, dropped, failed)
	}
}

func TestAuditRecorderDropOldest(t *testing.T) {
	sink := newGatedSink()
	r := NewAuditRecorder(sink, AuditConfig{BufferSize: 4, BatchSize: 1, FlushInterval: time.Hour, Overflow: OverflowDropOldest}, nil)

	// the writer picks up the first entry and blocks in the sink
	r.Record(AuditEntry{Action: "a.0", Timestamp: monday10})
	time.Sleep(20 * time.Millisecond)
	for i := 1; i <= 10; i++ {
		r.Record(AuditEntry{Action: fmt.Sprintf("a.%d", i), Timestamp: monday10.Add(time.Duration(i) * time.Second)})
	}
	_, dropped, _ := r.Stats()
	if dropped != 6 {
		t.Fatalf("expected 6 dropped entries, got %d", dropped)
	}
	sink.release()
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, _ := sink.Query(context.Background(), AuditFilter{ActionPrefix: "a."})
	if len(got) != 5 {
		t.Fatalf("expected the first and the four newest entries, got %d", len(got))
	}
	for i, want := range []string{"a.0", "a.7", "a.8", "a.9", "a.10"} {
		if got[i].Action != want {
			t.Fatalf("entry %d: expected %s, got %s", i, want, got[i].Action)
		}
	}
}

func TestAuditRecorderBlockTimesOut(t *testing.T) {
	sink := newGatedSink()
	defer sink.release()
	r := NewAuditRecorder(sink, AuditConfig{BufferSize: 1, BatchSize: 1, FlushInterval: time.Hour, Overflow: OverflowBlock, BlockTimeout: 10 * time.Millisecond}, nil)
	r.Record(AuditEntry{Action: "b.0"})
	time.Sleep(20 * time.Millisecond)
	r.Record(AuditEntry{Action: "b.1"})

	start := time.Now()
	r.Record(AuditEntry{Action: "b.2"})
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("block policy should wait for room")
	}
	if _, dropped, _ := r.Stats(); dropped != 1 {
		t.Fatalf("expected one entry dropped after the timeout, got %d", dropped)
	}
}

func TestAuditRecorderSinkFailure(t *testing.T) {
	r := NewAuditRecorder(failingSink{NewMemoryAuditSink()}, AuditConfig{BatchSize: 10}, nil)
	r.Record(AuditEntry{Action: "x"})
	r.Record(AuditEntry{Action: "y"})
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if written, _, failed := r.Stats(); written != 0 || failed != 2 {
		t.Fatalf("unexpected stats: written=%d failed=%d", written, failed)
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	r.Record(AuditEntry{Action: "late"})
	if _, dropped, _ := r.Stats(); dropped != 1 {
		t.Fatalf("records after close are dropped, got %d", dropped)
	}
}

func TestAuditRetention(t *testing.T) {
	sink := NewMemoryAuditSink()
	r := NewAuditRecorder(sink, AuditConfig{Retention: 30 * 24 * time.Hour}, nil)
	defer r.Close(context.Background())
	r.Record(AuditEntry{Action: "old", Timestamp: monday10.AddDate(0, -2, 0)})
	r.Record(AuditEntry{Action: "new", Timestamp: monday10.AddDate(0, 0, -1)})
	_ = r.Flush(context.Background())

	n, err := r.PurgeExpired(context.Background(), monday10)
	if err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	left, _ := r.Query(context.Background(), AuditFilter{})
	if len(left) != 1 || left[0].Action != "new" {
		t.Fatalf("unexpected remaining entries: %+v", left)
	}

	keep := NewAuditRecorder(NewMemoryAuditSink(), AuditConfig{}, nil)
	defer keep.Close(context.Background())
	if n, _ := keep.PurgeExpired(context.Background(), monday10); n != 0 {
		t.Fatalf("zero retention keeps everything")
	}
}

func TestEngineAuditTrail(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := WithActor(context.Background(), "admin:ops")
	mustCreatePermission(t, e, NewPermissionBuilder("produit.create").Build())
	if err := e.Roles().Create(ctx, NewRoleBuilder("vendeur").Permissions("produit.create").Build()); err != nil {
		t.Fatalf("create role: %v", err)
	}
	a, err := e.Assignments().Assign(ctx, AssignRequest{Principal: vendor, RoleCode: "vendeur", Permanent: true})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := e.Assignments().Suspend(ctx, a.ID, "abus"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	mustCheck(t, e, vendor, "produit.create", AccessContext{})

	rec := e.AuditRecorder()
	roles, _ := rec.Query(ctx, AuditFilter{Action: "role.create"})
	if len(roles) != 1 || roles[0].Actor != "admin:ops" || roles[0].After == nil || !roles[0].Timestamp.Equal(monday10) {
		t.Fatalf("unexpected role audit: %+v", roles)
	}
	susp, _ := rec.Query(ctx, AuditFilter{Action: "assignment.suspend"})
	if len(susp) != 1 || susp[0].Reason != "abus" || susp[0].Principal != "vendeur:v-42" || susp[0].Metadata["status"] != "suspendu" {
		t.Fatalf("unexpected suspend audit: %+v", susp)
	}
	decisions, _ := rec.Query(ctx, AuditFilter{Kind: AuditDecision, Principal: "vendeur:v-42"})
	if len(decisions) != 1 || decisions[0].Result != ResultDeny || decisions[0].Reason != ReasonRoleSuspended {
		t.Fatalf("unexpected decision audit: %+v", decisions)
	}
	if err := e.Permissions().Create(ctx, NewPermissionBuilder("produit.create").Build()); !IsConflictError(err) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	perms, _ := rec.Query(ctx, AuditFilter{TargetType: "permission", Kind: AuditMutation})
	if len(perms) != 1 {
		t.Fatalf("rejected mutations leave no audit entry, got %d", len(perms))
	}
}
