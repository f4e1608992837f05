package rbac

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	cidrRe       = regexp.MustCompile(`^([a-zA-Z0-9_\.]+)\s+in_cidr\s+"?([0-9a-fA-F:\./]+)"?$`)
	betweenRe    = regexp.MustCompile(`^env\.time\s+between\s+"?(\d{1,2}:\d{2})"?\s*(?:-|and)\s*"?(\d{1,2}:\d{2})"?$`)
	rangeRe      = regexp.MustCompile(`^([a-zA-Z0-9_\.]+)\s+in_range\s+(-?[0-9\.]+)\s*\.\.\s*(-?[0-9\.]+)$`)
	inRe         = regexp.MustCompile(`^([a-zA-Z0-9_\.]+)\s+in\s*\[([^\]]*)\]$`)
	matchesRe    = regexp.MustCompile(`^([a-zA-Z0-9_\.]+)\s+matches\s+"(.*)"$`)
	betweenAndRe = regexp.MustCompile(`between\s+"?(\d{1,2}:\d{2})"?\s+and\s+`)
	binaryRe     = regexp.MustCompile(`^([a-zA-Z0-9_\.]+)\s*(==|!=|>=|<=|>|<)\s*("[^"]*"|'[^']*'|[^\s]+)$`)
)

// ParseCondition compiles a condition string into an Expr. The grammar covers
// named predicates, comparisons, membership, CIDR, regex, time windows, numeric
// ranges, "not", "and", "or" and parentheses. "and" binds tighter than "or".
func ParseCondition(s string) (Expr, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "true" {
		return &TrueExpr{}, nil
	}
	// "between 09:00 and 18:00" must not be split as a conjunction.
	s = betweenAndRe.ReplaceAllString(s, "between $1-")
	if parts := splitTopLevel(s, "or"); len(parts) > 1 {
		return foldBinary(parts, func(l, r Expr) Expr { return &OrExpr{Left: l, Right: r} })
	}
	if parts := splitTopLevel(s, "and"); len(parts) > 1 {
		return foldBinary(parts, func(l, r Expr) Expr { return &AndExpr{Left: l, Right: r} })
	}
	if rest, ok := strings.CutPrefix(s, "not "); ok {
		inner, err := ParseCondition(rest)
		if err != nil {
			return nil, err
		}
		return &NotExpr{Inner: inner}, nil
	}
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") && enclosed(s) {
		return ParseCondition(s[1 : len(s)-1])
	}
	return parseAtom(s)
}

// MustParseCondition is ParseCondition for static conditions; it panics on error.
func MustParseCondition(s string) Expr {
	e, err := ParseCondition(s)
	if err != nil {
		panic(err)
	}
	return e
}

func foldBinary(parts []string, join func(l, r Expr) Expr) (Expr, error) {
	var out Expr
	for _, p := range parts {
		e, err := ParseCondition(p)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = e
		} else {
			out = join(out, e)
		}
	}
	return out, nil
}

func parseAtom(s string) (Expr, error) {
	if isPredicate(s) {
		return &PredicateExpr{Name: s}, nil
	}
	if m := cidrRe.FindStringSubmatch(s); m != nil {
		_, n, err := net.ParseCIDR(m[2])
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", s, err)
		}
		return &CIDRExpr{Field: m[1], Net: n}, nil
	}
	if m := betweenRe.FindStringSubmatch(s); m != nil {
		return &TimeBetweenExpr{Start: padClock(m[1]), End: padClock(m[2])}, nil
	}
	if m := rangeRe.FindStringSubmatch(s); m != nil {
		lo, err1 := strconv.ParseFloat(m[2], 64)
		hi, err2 := strconv.ParseFloat(m[3], 64)
		if err1 != nil || err2 != nil || lo > hi {
			return nil, fmt.Errorf("condition %q: bad range", s)
		}
		return &RangeExpr{Field: m[1], Min: lo, Max: hi}, nil
	}
	if m := inRe.FindStringSubmatch(s); m != nil {
		items := splitCSV(m[2])
		vals := make([]any, 0, len(items))
		for _, it := range items {
			vals = append(vals, it)
		}
		return &InExpr{Field: m[1], Values: vals}, nil
	}
	if m := matchesRe.FindStringSubmatch(s); m != nil {
		re, err := regexp.Compile(m[2])
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", s, err)
		}
		return &RegexExpr{Field: m[1], Re: re}, nil
	}
	if m := binaryRe.FindStringSubmatch(s); m != nil {
		val := parseOperand(m[3])
		switch m[2] {
		case "==":
			return &EqExpr{Field: m[1], Value: val}, nil
		case "!=":
			return &NeExpr{Field: m[1], Value: val}, nil
		default:
			return &CompareExpr{Field: m[1], Op: m[2], Value: val}, nil
		}
	}
	return nil, fmt.Errorf("unsupported condition syntax: %s", s)
}

// parseOperand turns a literal into a typed value; unquoted dotted names become field refs.
func parseOperand(s string) any {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	for _, prefix := range []string{"principal.", "env.", "resource.", "extra."} {
		if strings.HasPrefix(s, prefix) {
			return FieldRef(s)
		}
	}
	if s == "permission" {
		return FieldRef(s)
	}
	return s
}

func padClock(s string) string {
	if len(s) == 4 {
		return "0" + s
	}
	return s
}

// splitTopLevel splits s on the keyword op outside quotes, brackets and parentheses.
func splitTopLevel(s, op string) []string {
	sep := " " + op + " "
	var parts []string
	depth, start := 0, 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(' || c == '[':
			depth++
		case c == ')' || c == ']':
			depth--
		case depth == 0 && strings.HasPrefix(s[i:], sep):
			parts = append(parts, strings.TrimSpace(s[start:i]))
			start = i + len(sep)
			i += len(sep) - 1
		}
	}
	if parts == nil {
		return nil
	}
	return append(parts, strings.TrimSpace(s[start:]))
}

// enclosed reports whether the opening parenthesis of s closes at its last byte.
func enclosed(s string) bool {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(s)-1 {
				return false
			}
		}
	}
	return depth == 0
}

// splitCSV splits items like "\"a\",\"b\"" or "a, b" into []string (trimmed, unquoted)
func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, "\"'")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
