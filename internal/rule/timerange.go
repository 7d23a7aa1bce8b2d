package rule

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeRange selects the event time window for a query or rule. Exactly one
// form is used: a relative window (LastSeconds back from now) or an absolute
// half-open [From, To) range in UTC with millisecond precision.
type TimeRange struct {
	LastSeconds uint64     `json:"last_seconds,omitempty"`
	From        *time.Time `json:"from,omitempty"`
	To          *time.Time `json:"to,omitempty"`
}

// Resolved is an absolute half-open [From, To) window.
type Resolved struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Span returns the window duration.
func (r Resolved) Span() time.Duration { return r.To.Sub(r.From) }

// IsRelative reports whether the range is anchored to "now".
func (tr TimeRange) IsRelative() bool { return tr.LastSeconds > 0 }

// Resolve evaluates the range against now, truncating to millisecond
// precision. It enforces from < to; span limits are the safety guard's job.
func (tr TimeRange) Resolve(now time.Time) (Resolved, error) {
	now = now.UTC().Truncate(time.Millisecond)

	if tr.LastSeconds > 0 {
		if tr.From != nil || tr.To != nil {
			return Resolved{}, fmt.Errorf("time range: last_seconds and from/to are mutually exclusive")
		}
		return Resolved{
			From: now.Add(-time.Duration(tr.LastSeconds) * time.Second),
			To:   now,
		}, nil
	}

	if tr.From == nil || tr.To == nil {
		return Resolved{}, fmt.Errorf("time range: either last_seconds or both from and to are required")
	}

	from := tr.From.UTC().Truncate(time.Millisecond)
	to := tr.To.UTC().Truncate(time.Millisecond)
	if !from.Before(to) {
		return Resolved{}, fmt.Errorf("time range: from (%s) must be before to (%s)", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	return Resolved{From: from, To: to}, nil
}

// MarshalJSON emits only the populated form.
func (tr TimeRange) MarshalJSON() ([]byte, error) {
	if tr.LastSeconds > 0 {
		return json.Marshal(struct {
			LastSeconds uint64 `json:"last_seconds"`
		}{tr.LastSeconds})
	}
	return json.Marshal(struct {
		From *time.Time `json:"from"`
		To   *time.Time `json:"to"`
	}{tr.From, tr.To})
}
