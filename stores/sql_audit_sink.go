package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rbac"
)

// SQLAuditSink persists audit entries in rbac_audit_log.
type SQLAuditSink struct {
	db *squealx.DB
}

func NewSQLAuditSink(db *squealx.DB) *SQLAuditSink {
	return &SQLAuditSink{db: db}
}

const insertAudit = `INSERT INTO rbac_audit_log(id, kind, action, target_type, target_id, actor, principal, result, reason, timestamp, latency_ns, trace_id, before_json, after_json, metadata_json)
VALUES(:id, :kind, :action, :target_type, :target_id, :actor, :principal, :result, :reason, :timestamp, :latency_ns, :trace_id, :before_json, :after_json, :metadata_json)`

func (s *SQLAuditSink) WriteBatch(ctx context.Context, entries []rbac.AuditEntry) error {
	for i := range entries {
		e := &entries[i]
		meta := ""
		if len(e.Metadata) > 0 {
			meta = jsonOrEmpty(e.Metadata)
		}
		_, err := s.db.NamedExecContext(ctx, insertAudit, map[string]any{
			"id":            e.ID,
			"kind":          e.Kind,
			"action":        e.Action,
			"target_type":   e.TargetType,
			"target_id":     e.TargetID,
			"actor":         e.Actor,
			"principal":     e.Principal,
			"result":        e.Result,
			"reason":        e.Reason,
			"timestamp":     e.Timestamp.UTC(),
			"latency_ns":    int64(e.Latency),
			"trace_id":      e.TraceID,
			"before_json":   jsonOrEmpty(e.Before),
			"after_json":    jsonOrEmpty(e.After),
			"metadata_json": meta,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLAuditSink) Query(ctx context.Context, filter rbac.AuditFilter) ([]rbac.AuditEntry, error) {
	q := `SELECT id, kind, action, target_type, target_id, actor, principal, result, reason, timestamp, latency_ns, trace_id, before_json, after_json, metadata_json FROM rbac_audit_log WHERE 1=1`
	params := map[string]any{}
	add := func(col, val string) {
		if val != "" {
			q += " AND " + col + " = :" + col
			params[col] = val
		}
	}
	add("kind", filter.Kind)
	add("action", filter.Action)
	add("target_type", filter.TargetType)
	add("target_id", filter.TargetID)
	add("actor", filter.Actor)
	add("principal", filter.Principal)
	if filter.ActionPrefix != "" {
		q += " AND action LIKE :action_prefix"
		params["action_prefix"] = filter.ActionPrefix + "%"
	}
	if !filter.Start.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = filter.Start.UTC()
	}
	if !filter.End.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = filter.End.UTC()
	}
	q += " ORDER BY timestamp, id"
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		q += " LIMIT :limit OFFSET :offset"
		params["limit"] = limit
		params["offset"] = filter.Offset
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]rbac.AuditEntry, 0)
	for r.Next() {
		var e rbac.AuditEntry
		var tsRaw any
		var latency int64
		var before, after, meta string
		if err := r.Scan(&e.ID, &e.Kind, &e.Action, &e.TargetType, &e.TargetID, &e.Actor, &e.Principal,
			&e.Result, &e.Reason, &tsRaw, &latency, &e.TraceID, &before, &after, &meta); err != nil {
			return nil, err
		}
		e.Timestamp = scanTime(tsRaw)
		e.Latency = time.Duration(latency)
		e.Before = decodeAny(before)
		e.After = decodeAny(after)
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *SQLAuditSink) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.NamedExecContext(ctx, `DELETE FROM rbac_audit_log WHERE timestamp < :before`, map[string]any{"before": before.UTC()})
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
