package rbac

import (
	"context"
	"errors"
	"net"
	"time"
)

// CheckRequest is the wire form of a single access check.
type CheckRequest struct {
	Principal  string         `json:"principal" yaml:"principal"` // kind:id
	Permission string         `json:"permission" yaml:"permission"`
	Context    RequestContext `json:"context,omitempty" yaml:"context,omitempty"`
	Explain    bool           `json:"explain,omitempty" yaml:"explain,omitempty"`
}

// BulkCheckRequest checks several codes for one principal and context.
type BulkCheckRequest struct {
	Principal   string         `json:"principal" yaml:"principal"`
	Permissions []string       `json:"permissions" yaml:"permissions"`
	Context     RequestContext `json:"context,omitempty" yaml:"context,omitempty"`
}

// RequestContext is AccessContext with textual time and address fields.
type RequestContext struct {
	Time           string         `json:"time,omitempty" yaml:"time,omitempty"` // RFC 3339
	IP             string         `json:"ip,omitempty" yaml:"ip,omitempty"`
	Location       string         `json:"location,omitempty" yaml:"location,omitempty"`
	Device         string         `json:"device,omitempty" yaml:"device,omitempty"`
	MFAVerified    bool           `json:"mfa_verified,omitempty" yaml:"mfa_verified,omitempty"`
	SessionStarted string         `json:"session_started,omitempty" yaml:"session_started,omitempty"`
	Resource       map[string]any `json:"resource,omitempty" yaml:"resource,omitempty"`
	Extra          map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// CheckResponse carries a decision, or an error kind when the request failed.
type CheckResponse struct {
	Permission    string   `json:"permission"`
	Allowed       bool     `json:"allowed"`
	Reason        string   `json:"reason"`
	MatchedRole   string   `json:"matched_role,omitempty"`
	MatchedPolicy string   `json:"matched_policy,omitempty"`
	MatchedRule   string   `json:"matched_rule,omitempty"`
	Cached        bool     `json:"cached,omitempty"`
	LatencyMicros int64    `json:"latency_us"`
	Trace         []string `json:"trace,omitempty"`
	TraceID       string   `json:"trace_id,omitempty"`
	Error         string   `json:"error,omitempty"`
	ErrorKind     string   `json:"error_kind,omitempty"`
}

// BulkCheckResponse holds results in request order.
type BulkCheckResponse struct {
	Results   []*CheckResponse `json:"results"`
	Error     string           `json:"error,omitempty"`
	ErrorKind string           `json:"error_kind,omitempty"`
}

// ErrorKind names the error class for clients that cannot use errors.Is.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	}
	return "internal"
}

func (rc RequestContext) toAccessContext() (AccessContext, error) {
	ac := AccessContext{
		Location:    rc.Location,
		Device:      rc.Device,
		MFAVerified: rc.MFAVerified,
		Resource:    rc.Resource,
		Extra:       rc.Extra,
	}
	var err error
	if rc.Time != "" {
		if ac.Time, err = time.Parse(time.RFC3339, rc.Time); err != nil {
			return ac, &ValidationError{Field: "context.time", Message: err.Error()}
		}
	}
	if rc.SessionStarted != "" {
		if ac.SessionStarted, err = time.Parse(time.RFC3339, rc.SessionStarted); err != nil {
			return ac, &ValidationError{Field: "context.session_started", Message: err.Error()}
		}
	}
	if rc.IP != "" {
		if ac.IP = net.ParseIP(rc.IP); ac.IP == nil {
			return ac, &ValidationError{Field: "context.ip", Message: "not an IP address: " + rc.IP}
		}
	}
	return ac, nil
}

func toResponse(res *AccessCheckResult, err error) *CheckResponse {
	out := &CheckResponse{Error: errString(err), ErrorKind: ErrorKind(err)}
	if res == nil {
		out.Reason = ReasonInvalidRequest
		return out
	}
	out.Permission = res.Permission
	out.Allowed = res.Allowed
	out.Reason = res.Reason
	out.MatchedRole = res.MatchedRole
	out.MatchedPolicy = res.MatchedPolicy
	out.MatchedRule = res.MatchedRule
	out.Cached = res.Cached
	out.LatencyMicros = res.Latency.Microseconds()
	out.Trace = res.Trace
	out.TraceID = res.TraceID
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// HandleCheck unwraps the request once and runs CheckAccess or Explain.
func (e *Engine) HandleCheck(ctx context.Context, req *CheckRequest) *CheckResponse {
	principal, err := ParsePrincipal(req.Principal)
	if err != nil {
		return toResponse(deny(req.Permission, ReasonInvalidRequest), err)
	}
	ac, err := req.Context.toAccessContext()
	if err != nil {
		return toResponse(deny(req.Permission, ReasonInvalidRequest), err)
	}
	if req.Explain {
		return toResponse(e.Explain(ctx, principal, req.Permission, ac))
	}
	return toResponse(e.CheckAccess(ctx, principal, req.Permission, ac))
}

// HandleBulkCheck is HandleCheck for several codes.
func (e *Engine) HandleBulkCheck(ctx context.Context, req *BulkCheckRequest) *BulkCheckResponse {
	fail := func(err error) *BulkCheckResponse {
		out := &BulkCheckResponse{Error: err.Error(), ErrorKind: ErrorKind(err)}
		for _, code := range req.Permissions {
			out.Results = append(out.Results, toResponse(deny(code, ReasonInvalidRequest), nil))
		}
		return out
	}
	principal, err := ParsePrincipal(req.Principal)
	if err != nil {
		return fail(err)
	}
	ac, err := req.Context.toAccessContext()
	if err != nil {
		return fail(err)
	}
	results, err := e.CheckBulkAccess(ctx, principal, req.Permissions, ac)
	out := &BulkCheckResponse{Results: make([]*CheckResponse, len(results)), Error: errString(err), ErrorKind: ErrorKind(err)}
	for i, res := range results {
		out.Results[i] = toResponse(res, nil)
	}
	return out
}
