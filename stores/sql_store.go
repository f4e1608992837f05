package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rbac"
)

// SQLStore persists permissions, roles, assignments and policies as JSON
// documents with a few indexed columns. Reads go through squealx; Apply runs
// in a database/sql transaction with positional placeholders (sqlite, mysql).
type SQLStore struct {
	db  *squealx.DB
	raw *sql.DB
}

func NewSQLStore(raw *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: squealx.NewDb(raw, driver, "rbac"), raw: raw}
}

// DB exposes the squealx handle, e.g. for Migrate or an audit sink.
func (s *SQLStore) DB() *squealx.DB { return s.db }

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.raw.PingContext(ctx)
}

func (s *SQLStore) Load(ctx context.Context) (*rbac.Dataset, error) {
	ds := &rbac.Dataset{}
	if err := loadDocs(ctx, s.db, `SELECT data_json FROM rbac_permissions ORDER BY code`, &ds.Permissions); err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	if err := loadDocs(ctx, s.db, `SELECT data_json FROM rbac_roles ORDER BY code`, &ds.Roles); err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	if err := loadDocs(ctx, s.db, `SELECT data_json FROM rbac_assignments ORDER BY id`, &ds.Assignments); err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}
	if err := loadDocs(ctx, s.db, `SELECT data_json FROM rbac_policies ORDER BY id`, &ds.Policies); err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	return ds, nil
}

func loadDocs[T any](ctx context.Context, db *squealx.DB, q string, out *[]*T) error {
	r, err := db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return err
	}
	defer r.Close()
	for r.Next() {
		var doc string
		if err := r.Scan(&doc); err != nil {
			return err
		}
		v := new(T)
		if err := json.Unmarshal([]byte(doc), v); err != nil {
			return fmt.Errorf("decode document: %w", err)
		}
		*out = append(*out, v)
	}
	return nil
}

// Apply writes the whole batch or nothing.
func (s *SQLStore) Apply(ctx context.Context, batch *rbac.Batch) error {
	tx, err := s.raw.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, op := range batch.Ops {
		if err := applyOp(ctx, tx, op); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%s %s: %w", op.Kind, op.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func applyOp(ctx context.Context, tx *sql.Tx, op rbac.BatchOp) error {
	table, keyCol := "", ""
	switch op.Kind {
	case rbac.EntityPermission:
		table, keyCol = "rbac_permissions", "code"
	case rbac.EntityRole:
		table, keyCol = "rbac_roles", "code"
	case rbac.EntityAssignment:
		table, keyCol = "rbac_assignments", "id"
	case rbac.EntityPolicy:
		table, keyCol = "rbac_policies", "id"
	default:
		return fmt.Errorf("unknown entity kind %q", op.Kind)
	}
	if absent(op.Value) {
		_, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+keyCol+` = ?`, op.Key)
		return err
	}
	doc, err := json.Marshal(op.Value)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	switch v := op.Value.(type) {
	case *rbac.Permission:
		_, err = tx.ExecContext(ctx, `INSERT INTO rbac_permissions(code, perm_group, active, data_json, updated_at) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(code) DO UPDATE SET perm_group=excluded.perm_group, active=excluded.active, data_json=excluded.data_json, updated_at=excluded.updated_at`,
			v.Code, v.Group, boolToInt(v.Active), string(doc), now)
	case *rbac.Role:
		_, err = tx.ExecContext(ctx, `INSERT INTO rbac_roles(code, parent, data_json, updated_at) VALUES(?, ?, ?, ?)
ON CONFLICT(code) DO UPDATE SET parent=excluded.parent, data_json=excluded.data_json, updated_at=excluded.updated_at`,
			v.Code, v.Parent, string(doc), now)
	case *rbac.RoleAssignment:
		_, err = tx.ExecContext(ctx, `INSERT INTO rbac_assignments(id, principal, role_code, status, date_fin, data_json, updated_at) VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, date_fin=excluded.date_fin, data_json=excluded.data_json, updated_at=excluded.updated_at`,
			v.ID, v.Principal.Key(), v.RoleCode, string(v.Status), sqlNullTimeOrNil(v.DateFin), string(doc), now)
	case *rbac.SecurityPolicy:
		_, err = tx.ExecContext(ctx, `INSERT INTO rbac_policies(id, data_json, updated_at) VALUES(?, ?, ?)
ON CONFLICT(id) DO UPDATE SET data_json=excluded.data_json, updated_at=excluded.updated_at`,
			v.ID, string(doc), now)
	default:
		return fmt.Errorf("unexpected value %T", op.Value)
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
