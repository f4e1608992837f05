package rbac

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DSL Syntax, one directive per line, '#' starts a comment:
// permission <code> <type> <scope> <level> [group:<g>] [deps:<a,b>] [conflicts:<a,b>]
//            [daily:<n>] [monthly:<n>] [window:<days>@<HH:MM>-<HH:MM>] [name:<text>]
// role <code> <level> <perms|-> [parent:<code>] [mfa] [session:<duration>] [max:<n>] [system] [name:<text>]
// policy <id> <mode> [scope:<patterns>] [kinds:<kinds>] [inactive] [name:<text>]
// rule <policy> <allow|deny|audit> <priority> <condition> [id:<id>]
// assign <kind>:<id> <role> [from:<rfc3339>] [until:<rfc3339>] [permanent] [approval] [motif:<text>]
// Values containing spaces are written in Go double-quoted form.

type DSLParser struct {
	line int
}

func NewDSLParser() *DSLParser {
	return &DSLParser{}
}

type DSLEncoder struct {
	buf []byte
}

func NewDSLEncoder() *DSLEncoder {
	return &DSLEncoder{buf: make([]byte, 0, 4096)}
}

func (e *DSLEncoder) Encode(seed *Seed) ([]byte, error) {
	e.buf = e.buf[:0]

	for _, p := range seed.Permissions {
		e.word("permission", p.Code, string(p.Type), string(p.Scope), strconv.Itoa(p.Level))
		e.opt("group", p.Group)
		e.opt("deps", strings.Join(p.Dependencies, ","))
		e.opt("conflicts", strings.Join(p.Conflicts, ","))
		e.restrictions(p.Restrictions)
		e.opt("name", p.Name)
		e.buf = append(e.buf, '\n')
	}

	for _, r := range seed.Roles {
		perms := "-"
		if len(r.Permissions) > 0 {
			perms = strings.Join(r.Permissions, ",")
		}
		e.word("role", r.Code, strconv.Itoa(r.Level), perms)
		e.opt("parent", r.Parent)
		if r.MFARequired {
			e.word("mfa")
		}
		if r.SessionTimeout > 0 {
			e.opt("session", r.SessionTimeout.String())
		}
		if r.MaxPermissions > 0 {
			e.opt("max", strconv.Itoa(r.MaxPermissions))
		}
		if r.System {
			e.word("system")
		}
		e.opt("name", r.Name)
		e.buf = append(e.buf, '\n')
	}

	for _, p := range seed.Policies {
		mode := p.Mode
		if mode == "" {
			mode = ModeFirstMatch
		}
		e.word("policy", p.ID, string(mode))
		e.opt("scope", strings.Join(p.Scope.Permissions, ","))
		kinds := make([]string, len(p.Scope.PrincipalKinds))
		for i, k := range p.Scope.PrincipalKinds {
			kinds[i] = k.String()
		}
		e.opt("kinds", strings.Join(kinds, ","))
		if !p.Active {
			e.word("inactive")
		}
		e.opt("name", p.Name)
		e.buf = append(e.buf, '\n')
		for _, rule := range p.Rules {
			e.word("rule", p.ID, string(rule.Action), strconv.Itoa(rule.Priority))
			e.value(rule.Condition)
			e.opt("id", rule.ID)
			e.buf = append(e.buf, '\n')
		}
	}

	for _, a := range seed.Assignments {
		e.word("assign", a.Principal.Key(), a.RoleCode)
		if !a.DateDebut.IsZero() {
			e.opt("from", a.DateDebut.Format(time.RFC3339))
		}
		if a.DateFin != nil {
			e.opt("until", a.DateFin.Format(time.RFC3339))
		}
		if a.Permanent {
			e.word("permanent")
		}
		if a.RequiresApproval {
			e.word("approval")
		}
		e.opt("motif", a.Motif)
		e.buf = append(e.buf, '\n')
	}

	return e.buf, nil
}

func (e *DSLEncoder) word(words ...string) {
	for _, w := range words {
		if len(e.buf) > 0 && e.buf[len(e.buf)-1] != '\n' {
			e.buf = append(e.buf, ' ')
		}
		e.buf = append(e.buf, w...)
	}
}

func (e *DSLEncoder) value(v string) {
	if len(e.buf) > 0 && e.buf[len(e.buf)-1] != '\n' {
		e.buf = append(e.buf, ' ')
	}
	e.appendValue(v)
}

func (e *DSLEncoder) appendValue(v string) {
	if v == "" || strings.ContainsAny(v, " \t\"#") {
		e.buf = strconv.AppendQuote(e.buf, v)
		return
	}
	e.buf = append(e.buf, v...)
}

func (e *DSLEncoder) opt(key, v string) {
	if v == "" {
		return
	}
	e.word(key + ":")
	e.appendValue(v)
}

func (e *DSLEncoder) restrictions(r *Restrictions) {
	if r == nil {
		return
	}
	if r.DailyQuota > 0 {
		e.opt("daily", strconv.Itoa(r.DailyQuota))
	}
	if r.MonthlyQuota > 0 {
		e.opt("monthly", strconv.Itoa(r.MonthlyQuota))
	}
	for _, w := range r.TimeWindows {
		days := make([]string, len(w.Days))
		for i, d := range w.Days {
			days[i] = dayNames[d]
		}
		e.opt("window", strings.Join(days, ",")+"@"+w.Start+"-"+w.End)
	}
}

var dayNames = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

func parseDay(s string) (time.Weekday, error) {
	s = strings.ToLower(s)
	for i, name := range dayNames {
		if s == name {
			return time.Weekday(i), nil
		}
	}
	return 0, fmt.Errorf("unknown day %q", s)
}

func (p *DSLParser) Parse(data []byte) (*Seed, error) {
	seed := &Seed{Version: 1}
	policies := make(map[string]*SecurityPolicy)

	p.line = 0
	for _, raw := range bytes.Split(data, []byte{'\n'}) {
		p.line++
		line := bytes.TrimSpace(raw)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		parts, err := splitLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", p.line, err)
		}
		if len(parts) == 0 {
			continue
		}

		switch parts[0] {
		case "permission":
			err = p.parsePermission(seed, parts[1:])
		case "role":
			err = p.parseRole(seed, parts[1:])
		case "policy":
			err = p.parsePolicy(seed, policies, parts[1:])
		case "rule":
			err = p.parseRule(policies, parts[1:])
		case "assign":
			err = p.parseAssign(seed, parts[1:])
		default:
			err = fmt.Errorf("unknown directive: %s", parts[0])
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", p.line, err)
		}
	}

	return seed, nil
}

// splitLine splits on blanks. A double-quoted segment may appear anywhere in
// a token and is unquoted in place.
func splitLine(line []byte) ([]string, error) {
	parts := make([]string, 0, 8)
	var cur strings.Builder
	inToken := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case ch == '"':
			j := i + 1
			for ; j < len(line); j++ {
				if line[j] == '\\' {
					j++
					continue
				}
				if line[j] == '"' {
					break
				}
			}
			if j >= len(line) {
				return nil, fmt.Errorf("unterminated quote")
			}
			s, err := strconv.Unquote(string(line[i : j+1]))
			if err != nil {
				return nil, fmt.Errorf("bad quoted value: %w", err)
			}
			cur.WriteString(s)
			inToken = true
			i = j
		case ch == ' ' || ch == '\t':
			if inToken {
				parts = append(parts, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteByte(ch)
			inToken = true
		}
	}
	if inToken {
		parts = append(parts, cur.String())
	}
	return parts, nil
}

// options splits trailing key:value and bare flag tokens.
func options(parts []string) (map[string][]string, error) {
	opts := make(map[string][]string, len(parts))
	for _, part := range parts {
		key, val, ok := strings.Cut(part, ":")
		if !ok {
			opts[part] = append(opts[part], "")
			continue
		}
		if key == "" {
			return nil, fmt.Errorf("empty option key in %q", part)
		}
		opts[key] = append(opts[key], val)
	}
	return opts, nil
}

func first(opts map[string][]string, key string) string {
	if v := opts[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func has(opts map[string][]string, key string) bool {
	_, ok := opts[key]
	return ok
}

func parseList(s string) []string {
	if s == "" || s == "-" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (p *DSLParser) parsePermission(seed *Seed, parts []string) error {
	if len(parts) < 4 {
		return fmt.Errorf("permission requires: <code> <type> <scope> <level>")
	}
	level, err := strconv.Atoi(parts[3])
	if err != nil {
		return fmt.Errorf("permission level: %w", err)
	}
	opts, err := options(parts[4:])
	if err != nil {
		return err
	}
	perm := &Permission{
		Code:         parts[0],
		Type:         PermissionType(parts[1]),
		Scope:        PermissionScope(parts[2]),
		Level:        level,
		Group:        first(opts, "group"),
		Name:         first(opts, "name"),
		Dependencies: parseList(first(opts, "deps")),
		Conflicts:    parseList(first(opts, "conflicts")),
		Active:       true,
	}
	r := &Restrictions{}
	if v := first(opts, "daily"); v != "" {
		if r.DailyQuota, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("daily quota: %w", err)
		}
	}
	if v := first(opts, "monthly"); v != "" {
		if r.MonthlyQuota, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("monthly quota: %w", err)
		}
	}
	for _, w := range opts["window"] {
		tw, err := parseWindow(w)
		if err != nil {
			return err
		}
		r.TimeWindows = append(r.TimeWindows, tw)
	}
	if r.DailyQuota > 0 || r.MonthlyQuota > 0 || len(r.TimeWindows) > 0 {
		perm.Restrictions = r
	}
	seed.Permissions = append(seed.Permissions, perm)
	return nil
}

// parseWindow reads "mon,tue@09:00-18:00"; the day list is optional.
func parseWindow(s string) (TimeWindow, error) {
	var tw TimeWindow
	days, span, ok := strings.Cut(s, "@")
	if !ok {
		span, days = days, ""
	}
	for _, d := range parseList(days) {
		wd, err := parseDay(d)
		if err != nil {
			return tw, err
		}
		tw.Days = append(tw.Days, wd)
	}
	start, end, ok := strings.Cut(span, "-")
	if !ok {
		return tw, fmt.Errorf("window %q: expected HH:MM-HH:MM", s)
	}
	tw.Start, tw.End = start, end
	return tw, nil
}

func (p *DSLParser) parseRole(seed *Seed, parts []string) error {
	if len(parts) < 3 {
		return fmt.Errorf("role requires: <code> <level> <perms|->")
	}
	level, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("role level: %w", err)
	}
	opts, err := options(parts[3:])
	if err != nil {
		return err
	}
	role := &Role{
		Code:        parts[0],
		Level:       level,
		Permissions: parseList(parts[2]),
		Parent:      first(opts, "parent"),
		Name:        first(opts, "name"),
		MFARequired: has(opts, "mfa"),
		System:      has(opts, "system"),
		Active:      true,
		Modifiable:  !has(opts, "system"),
	}
	if v := first(opts, "session"); v != "" {
		if role.SessionTimeout, err = time.ParseDuration(v); err != nil {
			return fmt.Errorf("session timeout: %w", err)
		}
	}
	if v := first(opts, "max"); v != "" {
		if role.MaxPermissions, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("max permissions: %w", err)
		}
	}
	seed.Roles = append(seed.Roles, role)
	return nil
}

func (p *DSLParser) parsePolicy(seed *Seed, policies map[string]*SecurityPolicy, parts []string) error {
	if len(parts) < 2 {
		return fmt.Errorf("policy requires: <id> <mode>")
	}
	if _, dup := policies[parts[0]]; dup {
		return fmt.Errorf("policy %s declared twice", parts[0])
	}
	mode := EvaluationMode(parts[1])
	if !mode.valid() {
		return fmt.Errorf("policy %s: unknown mode %q", parts[0], parts[1])
	}
	opts, err := options(parts[2:])
	if err != nil {
		return err
	}
	pol := &SecurityPolicy{
		ID:     parts[0],
		Name:   first(opts, "name"),
		Mode:   mode,
		Active: !has(opts, "inactive"),
		Scope:  PolicyScope{Permissions: parseList(first(opts, "scope"))},
	}
	for _, k := range parseList(first(opts, "kinds")) {
		kind, err := ParsePrincipalKind(k)
		if err != nil {
			return err
		}
		pol.Scope.PrincipalKinds = append(pol.Scope.PrincipalKinds, kind)
	}
	policies[pol.ID] = pol
	seed.Policies = append(seed.Policies, pol)
	return nil
}

func (p *DSLParser) parseRule(policies map[string]*SecurityPolicy, parts []string) error {
	if len(parts) < 4 {
		return fmt.Errorf("rule requires: <policy> <action> <priority> <condition>")
	}
	pol, ok := policies[parts[0]]
	if !ok {
		return fmt.Errorf("rule references undeclared policy %s", parts[0])
	}
	action := Effect(parts[1])
	if !action.valid() {
		return fmt.Errorf("rule action %q", parts[1])
	}
	priority, err := strconv.Atoi(parts[2])
	if err != nil {
		return fmt.Errorf("rule priority: %w", err)
	}
	if _, err := ParseCondition(parts[3]); err != nil {
		return fmt.Errorf("rule condition: %w", err)
	}
	opts, err := options(parts[4:])
	if err != nil {
		return err
	}
	pol.Rules = append(pol.Rules, Rule{ID: first(opts, "id"), Condition: parts[3], Action: action, Priority: priority})
	return nil
}

func (p *DSLParser) parseAssign(seed *Seed, parts []string) error {
	if len(parts) < 2 {
		return fmt.Errorf("assign requires: <kind>:<id> <role>")
	}
	principal, err := ParsePrincipal(parts[0])
	if err != nil {
		return err
	}
	opts, err := options(parts[2:])
	if err != nil {
		return err
	}
	req := AssignRequest{
		Principal:        principal,
		RoleCode:         parts[1],
		Permanent:        has(opts, "permanent"),
		RequiresApproval: has(opts, "approval"),
		Motif:            first(opts, "motif"),
	}
	if v := first(opts, "from"); v != "" {
		if req.DateDebut, err = time.Parse(time.RFC3339, v); err != nil {
			return fmt.Errorf("from: %w", err)
		}
	}
	if v := first(opts, "until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("until: %w", err)
		}
		req.DateFin = &t
	}
	seed.Assignments = append(seed.Assignments, req)
	return nil
}
