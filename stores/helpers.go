package stores

import (
	"encoding/json"
	"time"

	"github.com/oarkflow/date"

	"github.com/oarkflow/rbac"
)

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

// scanTime converts whatever the driver returned for a timestamp column.
func scanTime(raw any) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t
		}
	}
	return time.Time{}
}

func sqlNullTimeOrNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func jsonOrEmpty(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// decodeAny turns a stored JSON document back into a generic value.
func decodeAny(s string) any {
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

// absent reports whether a batch value means "delete", including typed nils.
func absent(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case *rbac.Permission:
		return x == nil
	case *rbac.Role:
		return x == nil
	case *rbac.RoleAssignment:
		return x == nil
	case *rbac.SecurityPolicy:
		return x == nil
	}
	return false
}
