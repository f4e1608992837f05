package rbac

import (
	"fmt"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// EXPRESSION LANGUAGE (policy conditions)
// ============================================================================

// Expr is a compiled policy condition.
type Expr interface {
	Evaluate(ctx *EvalContext) (bool, error)
	String() string
}

// EvalContext provides data for expression evaluation.
type EvalContext struct {
	Principal  Principal
	Permission string
	Roles      []string
	Access     *AccessContext
	Now        time.Time
	Hours      *BusinessClock
}

// FieldRef is an unquoted right-hand operand naming another field.
type FieldRef string

// BusinessClock decides the named calendar predicates.
type BusinessClock struct {
	Start    string
	End      string
	Weekdays []time.Weekday
	Location *time.Location
}

// NewBusinessClock resolves the configured business hours.
func NewBusinessClock(cfg BusinessHours) (*BusinessClock, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("business hours timezone: %w", err)
		}
		loc = l
	}
	if cfg.Start == "" && cfg.End == "" {
		cfg.Start, cfg.End = "09:00", "18:00"
	}
	if _, err := clockBetween(time.Time{}, cfg.Start, cfg.End); err != nil {
		return nil, fmt.Errorf("business hours: %w", err)
	}
	days := cfg.Weekdays
	if len(days) == 0 {
		days = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
	}
	return &BusinessClock{Start: cfg.Start, End: cfg.End, Weekdays: days, Location: loc}, nil
}

func (b *BusinessClock) open(t time.Time) bool {
	t = t.In(b.Location)
	if !slices.Contains(b.Weekdays, t.Weekday()) {
		return false
	}
	ok, _ := clockBetween(t, b.Start, b.End)
	return ok
}

func (b *BusinessClock) weekend(t time.Time) bool {
	d := t.In(b.Location).Weekday()
	return d == time.Saturday || d == time.Sunday
}

// Named predicates usable as a bare condition.
const (
	PredicateBusinessHours        = "business_hours"
	PredicateOutsideBusinessHours = "outside_business_hours"
	PredicateWeekend              = "weekend"
	PredicateMFAVerified          = "mfa_verified"
)

// PredicateExpr evaluates one of the named predicates.
type PredicateExpr struct {
	Name string
}

func (e *PredicateExpr) Evaluate(ctx *EvalContext) (bool, error) {
	if ctx.Hours == nil {
		return false, fmt.Errorf("predicate %s: no business clock", e.Name)
	}
	switch e.Name {
	case PredicateBusinessHours:
		return ctx.Hours.open(ctx.Now), nil
	case PredicateOutsideBusinessHours:
		return !ctx.Hours.open(ctx.Now), nil
	case PredicateWeekend:
		return ctx.Hours.weekend(ctx.Now), nil
	case PredicateMFAVerified:
		return ctx.Access != nil && ctx.Access.MFAVerified, nil
	}
	return false, fmt.Errorf("unknown predicate %s", e.Name)
}

func (e *PredicateExpr) String() string { return e.Name }

func isPredicate(name string) bool {
	switch name {
	case PredicateBusinessHours, PredicateOutsideBusinessHours, PredicateWeekend, PredicateMFAVerified:
		return true
	}
	return false
}

// AndExpr represents logical AND
type AndExpr struct {
	Left  Expr
	Right Expr
}

func (e *AndExpr) Evaluate(ctx *EvalContext) (bool, error) {
	left, err := e.Left.Evaluate(ctx)
	if err != nil || !left {
		return false, err
	}
	return e.Right.Evaluate(ctx)
}

func (e *AndExpr) String() string {
	return fmt.Sprintf("(%s and %s)", e.Left.String(), e.Right.String())
}

// OrExpr represents logical OR
type OrExpr struct {
	Left  Expr
	Right Expr
}

func (e *OrExpr) Evaluate(ctx *EvalContext) (bool, error) {
	left, err := e.Left.Evaluate(ctx)
	if err != nil {
		return false, err
	}
	if left {
		return true, nil
	}
	return e.Right.Evaluate(ctx)
}

func (e *OrExpr) String() string {
	return fmt.Sprintf("(%s or %s)", e.Left.String(), e.Right.String())
}

// NotExpr negates its operand.
type NotExpr struct {
	Inner Expr
}

func (e *NotExpr) Evaluate(ctx *EvalContext) (bool, error) {
	v, err := e.Inner.Evaluate(ctx)
	if err != nil {
		return false, err
	}
	return !v, nil
}

func (e *NotExpr) String() string { return "not " + e.Inner.String() }

// EqExpr represents equality check
type EqExpr struct {
	Field string
	Value any
}

func (e *EqExpr) Evaluate(ctx *EvalContext) (bool, error) {
	c, ok := compare(getField(ctx, e.Field), resolve(ctx, e.Value))
	return ok && c == 0, nil
}

func (e *EqExpr) String() string {
	return fmt.Sprintf("%s == %v", e.Field, e.Value)
}

// NeExpr represents inequality check
type NeExpr struct {
	Field string
	Value any
}

func (e *NeExpr) Evaluate(ctx *EvalContext) (bool, error) {
	c, ok := compare(getField(ctx, e.Field), resolve(ctx, e.Value))
	return !ok || c != 0, nil
}

func (e *NeExpr) String() string {
	return fmt.Sprintf("%s != %v", e.Field, e.Value)
}

// InExpr represents membership check
type InExpr struct {
	Field  string
	Values []any
}

func (e *InExpr) Evaluate(ctx *EvalContext) (bool, error) {
	val := getField(ctx, e.Field)
	for _, v := range e.Values {
		if c, ok := compare(val, resolve(ctx, v)); ok && c == 0 {
			return true, nil
		}
	}
	return false, nil
}

func (e *InExpr) String() string {
	return fmt.Sprintf("%s in %v", e.Field, e.Values)
}

// CompareExpr orders a field against a value with <, <=, > or >=.
type CompareExpr struct {
	Field string
	Op    string
	Value any
}

func (e *CompareExpr) Evaluate(ctx *EvalContext) (bool, error) {
	c, ok := compare(getField(ctx, e.Field), resolve(ctx, e.Value))
	if !ok {
		return false, nil
	}
	switch e.Op {
	case ">=":
		return c >= 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case "<":
		return c < 0, nil
	}
	return false, fmt.Errorf("unknown operator %s", e.Op)
}

func (e *CompareExpr) String() string {
	return fmt.Sprintf("%s %s %v", e.Field, e.Op, e.Value)
}

// TimeBetweenExpr checks the request clock against a daily window. Start after
// End wraps over midnight.
type TimeBetweenExpr struct {
	Start string
	End   string
}

func (e *TimeBetweenExpr) Evaluate(ctx *EvalContext) (bool, error) {
	t := ctx.Now
	if ctx.Hours != nil {
		t = t.In(ctx.Hours.Location)
	}
	return clockBetween(t, e.Start, e.End)
}

func (e *TimeBetweenExpr) String() string {
	return fmt.Sprintf("env.time between %s-%s", e.Start, e.End)
}

// CIDRExpr checks a field holding an IP against a network.
type CIDRExpr struct {
	Field string
	Net   *net.IPNet
}

func (e *CIDRExpr) Evaluate(ctx *EvalContext) (bool, error) {
	var ip net.IP
	switch v := getField(ctx, e.Field).(type) {
	case net.IP:
		ip = v
	case string:
		ip = net.ParseIP(v)
	}
	if ip == nil {
		return false, nil
	}
	return e.Net.Contains(ip), nil
}

func (e *CIDRExpr) String() string {
	return fmt.Sprintf("%s in_cidr %s", e.Field, e.Net.String())
}

// RegexExpr matches a string field against a precompiled pattern.
type RegexExpr struct {
	Field string
	Re    *regexp.Regexp
}

func (e *RegexExpr) Evaluate(ctx *EvalContext) (bool, error) {
	s, ok := getField(ctx, e.Field).(string)
	if !ok {
		return false, nil
	}
	return e.Re.MatchString(s), nil
}

func (e *RegexExpr) String() string {
	return fmt.Sprintf("%s matches %q", e.Field, e.Re.String())
}

// RangeExpr checks Min <= field <= Max.
type RangeExpr struct {
	Field string
	Min   float64
	Max   float64
}

func (e *RangeExpr) Evaluate(ctx *EvalContext) (bool, error) {
	f, ok := toFloat(getField(ctx, e.Field))
	if !ok {
		return false, nil
	}
	return f >= e.Min && f <= e.Max, nil
}

func (e *RangeExpr) String() string {
	return fmt.Sprintf("%s in_range %g..%g", e.Field, e.Min, e.Max)
}

// TrueExpr always returns true (unconditional rule)
type TrueExpr struct{}

func (e *TrueExpr) Evaluate(*EvalContext) (bool, error) { return true, nil }

func (e *TrueExpr) String() string { return "true" }

// ============================================================================
// EXPRESSION BUILDER
// ============================================================================

// ExprBuilder composes conditions without going through the parser.
type ExprBuilder struct {
	expr Expr
}

func NewExprBuilder() *ExprBuilder { return &ExprBuilder{} }

func (b *ExprBuilder) push(e Expr) *ExprBuilder {
	if b.expr == nil {
		b.expr = e
	} else {
		b.expr = &AndExpr{Left: b.expr, Right: e}
	}
	return b
}

// PrincipalKindIn requires the principal kind to be one of kinds.
func (b *ExprBuilder) PrincipalKindIn(kinds ...PrincipalKind) *ExprBuilder {
	vals := make([]any, 0, len(kinds))
	for _, k := range kinds {
		vals = append(vals, k.String())
	}
	return b.push(&InExpr{Field: "principal.kind", Values: vals})
}

// Predicate adds a named predicate such as business_hours.
func (b *ExprBuilder) Predicate(name string) *ExprBuilder {
	return b.push(&PredicateExpr{Name: name})
}

func (b *ExprBuilder) And(other Expr) *ExprBuilder { return b.push(other) }

func (b *ExprBuilder) Or(other Expr) *ExprBuilder {
	if b.expr == nil {
		b.expr = other
		return b
	}
	b.expr = &OrExpr{Left: b.expr, Right: other}
	return b
}

func (b *ExprBuilder) Not() *ExprBuilder {
	if b.expr != nil {
		b.expr = &NotExpr{Inner: b.expr}
	}
	return b
}

func (b *ExprBuilder) Build() Expr {
	if b.expr == nil {
		return &TrueExpr{}
	}
	return b.expr
}

// ============================================================================
// FIELD ACCESS AND COMPARISON
// ============================================================================

func resolve(ctx *EvalContext, v any) any {
	if ref, ok := v.(FieldRef); ok {
		return getField(ctx, string(ref))
	}
	return v
}

func getField(ctx *EvalContext, field string) any {
	switch {
	case field == "permission":
		return ctx.Permission
	case strings.HasPrefix(field, "principal."):
		return getPrincipalField(ctx, field[len("principal."):])
	case strings.HasPrefix(field, "env."):
		return getEnvField(ctx, field[len("env."):])
	case strings.HasPrefix(field, "resource."):
		if ctx.Access != nil {
			return ctx.Access.Resource[field[len("resource."):]]
		}
	case strings.HasPrefix(field, "extra."):
		if ctx.Access != nil {
			return ctx.Access.Extra[field[len("extra."):]]
		}
	}
	return nil
}

func getPrincipalField(ctx *EvalContext, field string) any {
	switch field {
	case "kind":
		return ctx.Principal.Kind.String()
	case "id":
		return ctx.Principal.ID
	case "roles":
		return ctx.Roles
	}
	return nil
}

func getEnvField(ctx *EvalContext, field string) any {
	switch field {
	case "time":
		return ctx.Now.Format("15:04")
	case "weekday":
		return strings.ToLower(ctx.Now.Weekday().String())
	case "ip":
		if ctx.Access != nil && ctx.Access.IP != nil {
			return ctx.Access.IP.String()
		}
	case "location":
		if ctx.Access != nil {
			return ctx.Access.Location
		}
	case "device":
		if ctx.Access != nil {
			return ctx.Access.Device
		}
	case "mfa":
		return ctx.Access != nil && ctx.Access.MFAVerified
	}
	return nil
}

// compare orders a against b. ok is false when the values are not comparable.
// A []string left side compares equal when it contains b.
func compare(a, b any) (int, bool) {
	if list, isList := a.([]string); isList {
		if bs, ok := b.(string); ok && slices.Contains(list, bs) {
			return 0, true
		}
		return -1, false
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af == bf:
				return 0, true
			case af < bf:
				return -1, true
			default:
				return 1, true
			}
		}
	}
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), true
		}
	case bool:
		if bv, ok := b.(bool); ok {
			if av == bv {
				return 0, true
			}
			return 1, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
