package rbac

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Restrictions limit when and how often a grant may be used.
type Restrictions struct {
	TimeWindows  []TimeWindow `json:"time_windows,omitempty" yaml:"time_windows,omitempty" cbor:"time_windows,omitempty"`
	DailyQuota   int          `json:"daily_quota,omitempty" yaml:"daily_quota,omitempty" cbor:"daily_quota,omitempty"`
	MonthlyQuota int          `json:"monthly_quota,omitempty" yaml:"monthly_quota,omitempty" cbor:"monthly_quota,omitempty"`
}

// TimeWindow is a daily clock range, optionally limited to some weekdays.
// Start after End wraps over midnight.
type TimeWindow struct {
	Days  []time.Weekday `json:"days,omitempty" yaml:"days,omitempty" cbor:"days,omitempty"`
	Start string         `json:"start" yaml:"start" cbor:"start"` // "08:00"
	End   string         `json:"end" yaml:"end" cbor:"end"`       // "18:00"
}

func (r *Restrictions) clone() *Restrictions {
	if r == nil {
		return nil
	}
	dup := *r
	dup.TimeWindows = make([]TimeWindow, len(r.TimeWindows))
	for i, w := range r.TimeWindows {
		dup.TimeWindows[i] = TimeWindow{Days: slices.Clone(w.Days), Start: w.Start, End: w.End}
	}
	return &dup
}

func (r *Restrictions) validate() error {
	if r == nil {
		return nil
	}
	if r.DailyQuota < 0 || r.MonthlyQuota < 0 {
		return &ValidationError{Field: "restrictions", Message: "quotas cannot be negative"}
	}
	for _, w := range r.TimeWindows {
		if _, err := time.Parse("15:04", w.Start); err != nil {
			return &ValidationError{Field: "restrictions.time_windows.start", Message: fmt.Sprintf("bad clock value %q", w.Start)}
		}
		if _, err := time.Parse("15:04", w.End); err != nil {
			return &ValidationError{Field: "restrictions.time_windows.end", Message: fmt.Sprintf("bad clock value %q", w.End)}
		}
		for _, d := range w.Days {
			if d < time.Sunday || d > time.Saturday {
				return &ValidationError{Field: "restrictions.time_windows.days", Message: fmt.Sprintf("bad weekday %d", d)}
			}
		}
	}
	return nil
}

func (r *Restrictions) hasQuota() bool {
	return r != nil && (r.DailyQuota > 0 || r.MonthlyQuota > 0)
}

// withinWindows reports whether t falls in at least one window. No windows means always.
func (r *Restrictions) withinWindows(t time.Time) bool {
	if r == nil || len(r.TimeWindows) == 0 {
		return true
	}
	for _, w := range r.TimeWindows {
		if w.contains(t) {
			return true
		}
	}
	return false
}

func (w TimeWindow) contains(t time.Time) bool {
	if len(w.Days) > 0 && !slices.Contains(w.Days, t.Weekday()) {
		return false
	}
	ok, err := clockBetween(t, w.Start, w.End)
	return err == nil && ok
}

// clockBetween compares only hour and minute; start > end wraps over midnight.
func clockBetween(t time.Time, startS, endS string) (bool, error) {
	start, err := time.Parse("15:04", startS)
	if err != nil {
		return false, err
	}
	end, err := time.Parse("15:04", endS)
	if err != nil {
		return false, err
	}
	cur := t.Hour()*60 + t.Minute()
	s := start.Hour()*60 + start.Minute()
	e := end.Hour()*60 + end.Minute()
	if s <= e {
		return cur >= s && cur < e, nil
	}
	return cur >= s || cur < e, nil
}

// ============================================================================
// QUOTA COUNTERS
// ============================================================================

// QuotaCounter tracks usage of quota-restricted permissions.
type QuotaCounter interface {
	// Count returns the current value of key, zero when absent.
	Count(ctx context.Context, key string) (int64, error)
	// Increment adds one to key and returns the new value. The key expires at expiresAt.
	Increment(ctx context.Context, key string, expiresAt time.Time) (int64, error)
}

type quotaPeriod struct {
	key   string
	limit int
	until time.Time
}

// quotaPeriods lists the counters that apply to principal+code at t.
func quotaPeriods(r *Restrictions, principal Principal, code string, t time.Time) []quotaPeriod {
	if !r.hasQuota() {
		return nil
	}
	t = t.UTC()
	base := "quota:" + principal.Key() + ":" + code
	var out []quotaPeriod
	if r.DailyQuota > 0 {
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		out = append(out, quotaPeriod{key: base + ":d:" + day.Format("2006-01-02"), limit: r.DailyQuota, until: day.AddDate(0, 0, 1)})
	}
	if r.MonthlyQuota > 0 {
		month := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		out = append(out, quotaPeriod{key: base + ":m:" + month.Format("2006-01"), limit: r.MonthlyQuota, until: month.AddDate(0, 1, 0)})
	}
	return out
}

// MemoryQuotaCounter is a process-local QuotaCounter.
type MemoryQuotaCounter struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]quotaEntry
}

type quotaEntry struct {
	value     int64
	expiresAt time.Time
}

func NewMemoryQuotaCounter() *MemoryQuotaCounter {
	return &MemoryQuotaCounter{now: time.Now, entries: make(map[string]quotaEntry)}
}

func (m *MemoryQuotaCounter) Count(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !m.now().Before(e.expiresAt) {
		return 0, nil
	}
	return e.value, nil
}

func (m *MemoryQuotaCounter) Increment(_ context.Context, key string, expiresAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !m.now().Before(e.expiresAt) {
		e = quotaEntry{}
	}
	e.value++
	e.expiresAt = expiresAt
	m.entries[key] = e
	return e.value, nil
}
