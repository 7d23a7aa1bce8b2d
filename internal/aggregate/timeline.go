package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/darkermemo/huntql/common/apperr"
	"github.com/darkermemo/huntql/internal/compile"
	"github.com/darkermemo/huntql/internal/eventstore"
)

// maxTimelineBuckets bounds the response size; wider intervals are the fix.
const maxTimelineBuckets = 2000

// TimelineRequest asks for event counts per fixed interval.
type TimelineRequest struct {
	Compiled    *compile.CompiledQuery
	IntervalMS  uint64
	Consistency eventstore.Consistency
	Timeout     time.Duration
}

// TimelineBucket is one interval's count. Start is the inclusive bucket
// start; the bucket ends one interval later.
type TimelineBucket struct {
	Start time.Time `json:"t"`
	Count uint64    `json:"count"`
}

// chTimeLayout is how ClickHouse renders DateTime64(3) in JSON output.
const chTimeLayout = "2006-01-02 15:04:05.000"

// Timeline counts matching events per interval, aligned to the range start.
// The result is dense: every bucket in [from, to) appears, zero-filled, so
// sparse data still renders as a complete histogram. The final bucket may
// cover less than a full interval.
func (s *Service) Timeline(ctx context.Context, req TimelineRequest) ([]TimelineBucket, error) {
	if req.IntervalMS == 0 {
		return nil, apperr.Validation("interval_ms must be positive")
	}

	res := req.Compiled.TimeResolved
	span := res.Span()
	interval := time.Duration(req.IntervalMS) * time.Millisecond
	n := int((span + interval - 1) / interval)
	if n > maxTimelineBuckets {
		return nil, apperr.Validation("interval_ms %d yields %d buckets (max %d); widen the interval",
			req.IntervalMS, n, maxTimelineBuckets)
	}

	fromMs := res.From.UnixMilli()
	intervalMs := interval.Milliseconds()
	sql := fmt.Sprintf(
		"SELECT fromUnixTimestamp64Milli(%d + intDiv(toUnixTimestamp64Milli(`time`) - %d, %d) * %d, 'UTC') AS bucket, count() AS cnt "+
			"FROM %s WHERE %s GROUP BY bucket ORDER BY bucket",
		fromMs, fromMs, intervalMs, intervalMs,
		compile.QuoteIdent(s.table), req.Compiled.WhereText)

	rs, err := s.store.Query(ctx, sql, eventstore.QueryOptions{
		Consistency:      req.Consistency,
		MaxExecutionTime: req.Timeout,
	})
	if err != nil {
		return nil, err
	}

	counts := make(map[int64]uint64, len(rs.Data))
	for _, row := range rs.Data {
		str, _ := row["bucket"].(string)
		t, err := time.Parse(chTimeLayout, str)
		if err != nil {
			continue
		}
		counts[t.UnixMilli()] = asUint64(row["cnt"])
	}

	buckets := make([]TimelineBucket, n)
	for i := 0; i < n; i++ {
		start := res.From.Add(time.Duration(i) * interval)
		buckets[i] = TimelineBucket{Start: start, Count: counts[start.UnixMilli()]}
	}
	return buckets, nil
}
