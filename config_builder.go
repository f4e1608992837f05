package rbac

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SeedBuilder provides a fluent API for building seeds
type SeedBuilder struct {
	seed *Seed
}

func NewSeedBuilder() *SeedBuilder {
	return &SeedBuilder{seed: &Seed{Version: 1}}
}

func (b *SeedBuilder) Version(v int) *SeedBuilder {
	b.seed.Version = v
	return b
}

func (b *SeedBuilder) AddPermission(p *Permission) *SeedBuilder {
	b.seed.Permissions = append(b.seed.Permissions, p)
	return b
}

func (b *SeedBuilder) AddRole(r *Role) *SeedBuilder {
	b.seed.Roles = append(b.seed.Roles, r)
	return b
}

func (b *SeedBuilder) AddPolicy(p *SecurityPolicy) *SeedBuilder {
	b.seed.Policies = append(b.seed.Policies, p)
	return b
}

func (b *SeedBuilder) Assign(principal Principal, role string) *SeedBuilder {
	b.seed.Assignments = append(b.seed.Assignments, AssignRequest{Principal: principal, RoleCode: role, Permanent: true})
	return b
}

func (b *SeedBuilder) AssignUntil(principal Principal, role string, until time.Time) *SeedBuilder {
	b.seed.Assignments = append(b.seed.Assignments, AssignRequest{Principal: principal, RoleCode: role, DateFin: &until})
	return b
}

func (b *SeedBuilder) Build() *Seed {
	return b.seed
}

func (b *SeedBuilder) ToYAML() ([]byte, error) {
	return b.seed.Encode(FormatYAML)
}

func (b *SeedBuilder) ToJSON() ([]byte, error) {
	return b.seed.Encode(FormatJSON)
}

// ConditionBuilder writes conditions in the textual rule syntax
type ConditionBuilder struct {
	expr string
}

func NewCondition() *ConditionBuilder {
	return &ConditionBuilder{}
}

func literal(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

func (c *ConditionBuilder) Predicate(name string) *ConditionBuilder {
	c.expr = name
	return c
}

func (c *ConditionBuilder) Eq(field string, value any) *ConditionBuilder {
	c.expr = field + " == " + literal(value)
	return c
}

func (c *ConditionBuilder) Ne(field string, value any) *ConditionBuilder {
	c.expr = field + " != " + literal(value)
	return c
}

func (c *ConditionBuilder) In(field string, values ...any) *ConditionBuilder {
	items := make([]string, len(values))
	for i, v := range values {
		items[i] = literal(v)
	}
	c.expr = field + " in [" + strings.Join(items, ",") + "]"
	return c
}

func (c *ConditionBuilder) Gte(field string, value any) *ConditionBuilder {
	c.expr = field + " >= " + literal(value)
	return c
}

func (c *ConditionBuilder) Lt(field string, value any) *ConditionBuilder {
	c.expr = field + " < " + literal(value)
	return c
}

// Between matches request times inside the daily window, wrapping past midnight.
func (c *ConditionBuilder) Between(start, end string) *ConditionBuilder {
	c.expr = "env.time between " + start + "-" + end
	return c
}

func (c *ConditionBuilder) InCIDR(field, cidr string) *ConditionBuilder {
	c.expr = field + " in_cidr " + cidr
	return c
}

func (c *ConditionBuilder) Not() *ConditionBuilder {
	c.expr = "not (" + c.expr + ")"
	return c
}

func (c *ConditionBuilder) And(other *ConditionBuilder) *ConditionBuilder {
	c.expr = "(" + c.expr + ") and (" + other.expr + ")"
	return c
}

func (c *ConditionBuilder) Or(other *ConditionBuilder) *ConditionBuilder {
	c.expr = "(" + c.expr + ") or (" + other.expr + ")"
	return c
}

func (c *ConditionBuilder) String() string {
	return c.expr
}

// Build parses the condition, so a builder mistake surfaces here.
func (c *ConditionBuilder) Build() (Expr, error) {
	return ParseCondition(c.expr)
}
