package compile

import (
	"fmt"
	"strings"
	"time"

	"github.com/darkermemo/huntql/common/apperr"
	"github.com/darkermemo/huntql/internal/catalog"
	"github.com/darkermemo/huntql/internal/rule"
)

// Cost weights per family, applied to the resolved span in seconds. Funnel
// and join shapes scan the same rows more than once on the server side.
const (
	costSearch    = 1.0
	costThreshold = 1.5
	costRatio     = 1.5
	costFirstSeen = 2.0
	costBeaconing = 2.5
	costSequence  = 3.0
	costAbsence   = 4.0
)

// Tie-break encoding for strict_order: millisecond timestamps are scaled so
// the low bits carry the ingestion sequence number, making the funnel
// ordering total even for equal timestamps.
const seqTieBase = 1 << 20

const tieBreakExpr = "toUnixTimestamp64Milli(`time`) * 1048576 + modulo(`ingest_seq`, 1048576)"

func (c *Compiler) lowerSequence(snap *catalog.Snapshot, s *rule.Sequence, cq *CompiledQuery, fields fieldSet) error {
	if len(s.Stages) < 2 {
		return apperr.Validation("sequence requires at least 2 stages, got %d", len(s.Stages))
	}
	if s.WindowSec == 0 {
		return apperr.Validation("sequence window_sec must be positive")
	}
	strict := s.Strict
	if strict == "" {
		strict = rule.StrictAny
	}

	// A min_count of k repeats the stage condition k times, so the funnel
	// only reaches full depth after k qualifying events.
	var funnelConds []string
	var prefilter []string
	for i, stage := range s.Stages {
		if len(stage.Match) == 0 {
			return apperr.Validation("sequence stage %d has no conditions", i)
		}
		cond, err := c.condsSQL(snap, stage.Match, fields, cq)
		if err != nil {
			return err
		}
		prefilter = append(prefilter, cond)
		repeat := stage.MinCount
		if repeat < 1 {
			repeat = 1
		}
		for j := 0; j < repeat; j++ {
			funnelConds = append(funnelConds, cond)
		}
	}

	tsExpr := timeExprMillis
	window := int64(s.WindowSec) * 1000
	var mode string
	switch strict {
	case rule.StrictAny:
	case rule.StrictOrder:
		tsExpr = tieBreakExpr
		window *= seqTieBase
		mode = ", 'strict_order'"
	case rule.StrictOnce:
		mode = ", 'strict_deduplication'"
	default:
		return apperr.Validation("unknown strict mode %q", strict)
	}

	keys := groupKey(s.By)
	cq.GroupBy = keys
	cq.WhereText = andJoin([]string{
		scopePredicate(s.TenantID, cq.TimeResolved),
		orJoin(prefilter),
	})

	cq.Text = fmt.Sprintf(
		"SELECT %s, windowFunnel(%d%s)(%s, %s) AS level, min(`time`) AS window_start, max(`time`) AS window_end "+
			"FROM %s WHERE %s GROUP BY %s HAVING level >= %d",
		keyList(keys), window, mode, tsExpr, strings.Join(funnelConds, ", "),
		quoteIdent(c.table), cq.WhereText, keyList(keys), len(funnelConds))
	cq.EstimatedCost = cq.TimeResolved.Span().Seconds() * costSequence
	return nil
}

func (c *Compiler) lowerSequenceAbsence(snap *catalog.Snapshot, s *rule.SequenceAbsence, cq *CompiledQuery, fields fieldSet) error {
	if len(s.First) == 0 {
		return apperr.Validation("sequence_absence requires a first pattern")
	}
	if len(s.Absent) == 0 {
		return apperr.Validation("sequence_absence requires an absent pattern")
	}
	if s.WindowSec == 0 {
		return apperr.Validation("sequence_absence window_sec must be positive")
	}

	firstCond, err := c.condsSQL(snap, s.First, fields, cq)
	if err != nil {
		return err
	}
	absentCond, err := c.condsSQL(snap, s.Absent, fields, cq)
	if err != nil {
		return err
	}

	keys := groupKey(s.By)
	cq.GroupBy = keys
	scope := scopePredicate(s.TenantID, cq.TimeResolved)
	cq.WhereText = andJoin([]string{scope, orJoin([]string{firstCond, absentCond})})
	windowMs := int64(s.WindowSec) * 1000

	// Groups with no absent-pattern events at all join against an empty
	// array, which counts as zero occurrences.
	cq.Text = fmt.Sprintf(
		"SELECT %s, f.first_time AS first_time FROM "+
			"(SELECT %s, min(`time`) AS first_time FROM %s WHERE %s GROUP BY %s) AS f "+
			"LEFT JOIN "+
			"(SELECT %s, groupArray(%s) AS absent_ms FROM %s WHERE %s GROUP BY %s) AS a "+
			"USING (%s) "+
			"WHERE arrayCount(t -> t > toUnixTimestamp64Milli(f.first_time) AND t <= toUnixTimestamp64Milli(f.first_time) + %d, a.absent_ms) = 0",
		keyList(keys),
		keyList(keys), quoteIdent(c.table), andJoin([]string{scope, firstCond}), keyList(keys),
		keyList(keys), timeExprMillis, quoteIdent(c.table), andJoin([]string{scope, absentCond}), keyList(keys),
		keyList(keys),
		windowMs)

	if cq.TimeResolved.To.Sub(cq.TimeResolved.From) > time.Duration(s.WindowSec)*time.Second {
		cq.Warnings = append(cq.Warnings,
			fmt.Sprintf("absence windows opening within %ds of the range end are evaluated against available data only", s.WindowSec))
	}
	cq.EstimatedCost = cq.TimeResolved.Span().Seconds() * costAbsence
	return nil
}

func (c *Compiler) lowerChain(snap *catalog.Snapshot, s *rule.Chain, cq *CompiledQuery, fields fieldSet) error {
	if len(s.Stages) < 2 {
		return apperr.Validation("chain requires at least 2 stages, got %d", len(s.Stages))
	}
	if s.WindowSec == 0 {
		return apperr.Validation("chain window_sec must be positive")
	}

	var conds []string
	for i, stage := range s.Stages {
		if len(stage) == 0 {
			return apperr.Validation("chain stage %d has no conditions", i)
		}
		cond, err := c.condsSQL(snap, stage, fields, cq)
		if err != nil {
			return err
		}
		conds = append(conds, cond)
	}

	keys := groupKey(s.By)
	cq.GroupBy = keys
	cq.WhereText = andJoin([]string{
		scopePredicate(s.TenantID, cq.TimeResolved),
		orJoin(conds),
	})
	cq.Text = fmt.Sprintf(
		"SELECT %s, windowFunnel(%d)(%s, %s) AS level, min(`time`) AS window_start, max(`time`) AS window_end "+
			"FROM %s WHERE %s GROUP BY %s HAVING level >= %d",
		keyList(keys), int64(s.WindowSec)*1000, timeExprMillis, strings.Join(conds, ", "),
		quoteIdent(c.table), cq.WhereText, keyList(keys), len(conds))
	cq.EstimatedCost = cq.TimeResolved.Span().Seconds() * costSequence
	return nil
}

func (c *Compiler) lowerRollingThreshold(snap *catalog.Snapshot, s *rule.RollingThreshold, cq *CompiledQuery, fields fieldSet) error {
	if s.WindowSec == 0 {
		return apperr.Validation("rolling_threshold window_sec must be positive")
	}
	switch s.Cmp {
	case rule.CmpGt, rule.CmpGte, rule.CmpLt, rule.CmpLte:
	default:
		return apperr.Validation("unknown comparison operator %q", s.Cmp)
	}

	aggExpr, err := c.aggSQL(snap, s.Agg, s.Field, fields)
	if err != nil {
		return err
	}
	matchCond, err := c.condsSQL(snap, s.Match, fields, cq)
	if err != nil {
		return err
	}

	keys := groupKey(s.By)
	cq.GroupBy = keys
	window := time.Duration(s.WindowSec) * time.Second

	if s.Time.IsRelative() {
		// Live evaluation: one window right-aligned to now.
		res := cq.TimeResolved
		if wStart := res.To.Add(-window); wStart.After(res.From) {
			res.From = wStart
		}
		cq.TimeResolved = res
		cq.WhereText = andJoin([]string{scopePredicate(s.TenantID, res), matchCond})
		cq.Text = fmt.Sprintf(
			"SELECT %s, %s AS value FROM %s WHERE %s GROUP BY %s HAVING value %s %s",
			keyList(keys), aggExpr, quoteIdent(c.table), cq.WhereText, keyList(keys),
			s.Cmp, numberLit(s.Threshold))
	} else {
		// Historical replay: tumbling windows left-aligned to the range start.
		fromMs := cq.TimeResolved.From.UnixMilli()
		windowMs := window.Milliseconds()
		cq.WhereText = andJoin([]string{scopePredicate(s.TenantID, cq.TimeResolved), matchCond})
		cq.Text = fmt.Sprintf(
			"SELECT %s, fromUnixTimestamp64Milli(%d + intDiv(%s - %d, %d) * %d, 'UTC') AS window_start, %s AS value "+
				"FROM %s WHERE %s GROUP BY %s, window_start HAVING value %s %s",
			keyList(keys), fromMs, timeExprMillis, fromMs, windowMs, windowMs, aggExpr,
			quoteIdent(c.table), cq.WhereText, keyList(keys),
			s.Cmp, numberLit(s.Threshold))
	}
	cq.EstimatedCost = cq.TimeResolved.Span().Seconds() * costThreshold
	return nil
}

func (c *Compiler) aggSQL(snap *catalog.Snapshot, agg rule.AggFunc, field string, fields fieldSet) (string, error) {
	switch agg {
	case rule.AggCount:
		if field != "" {
			return "", apperr.Validation("count takes no field")
		}
		return "count()", nil
	case rule.AggSum, rule.AggAvg:
		if field == "" {
			return "", apperr.Validation("%s requires a field", agg)
		}
		f, ok := snap.Field(field)
		if !ok {
			return "", apperr.Validation("unknown aggregate field %q", field)
		}
		if f.Type != catalog.TypeInt && f.Type != catalog.TypeFloat {
			return "", apperr.Validation("aggregate field %q must be numeric, got %s", field, f.Type)
		}
		fields.add(field)
		return fmt.Sprintf("%s(%s)", agg, quoteIdent(field)), nil
	default:
		return "", apperr.Validation("unknown aggregate function %q", agg)
	}
}

func (c *Compiler) lowerRatio(snap *catalog.Snapshot, s *rule.Ratio, cq *CompiledQuery, fields fieldSet) error {
	if len(s.Numerator) == 0 || len(s.Denominator) == 0 {
		return apperr.Validation("ratio requires numerator and denominator conditions")
	}
	if s.BucketSec == 0 {
		return apperr.Validation("ratio bucket_sec must be positive")
	}
	if s.K <= 0 {
		return apperr.Validation("ratio threshold k must be positive")
	}

	num, err := c.condsSQL(snap, s.Numerator, fields, cq)
	if err != nil {
		return err
	}
	den, err := c.condsSQL(snap, s.Denominator, fields, cq)
	if err != nil {
		return err
	}

	keys := groupKey(s.By)
	cq.GroupBy = keys
	cq.WhereText = andJoin([]string{
		scopePredicate(s.TenantID, cq.TimeResolved),
		orJoin([]string{num, den}),
	})
	cq.Text = fmt.Sprintf(
		"SELECT %s, toStartOfInterval(`time`, INTERVAL %d SECOND) AS bucket, "+
			"countIf(%s) AS numerator, countIf(%s) AS denominator, numerator / denominator AS ratio "+
			"FROM %s WHERE %s GROUP BY %s, bucket HAVING denominator > 0 AND ratio >= %s",
		keyList(keys), s.BucketSec, num, den,
		quoteIdent(c.table), cq.WhereText, keyList(keys), numberLit(s.K))
	cq.EstimatedCost = cq.TimeResolved.Span().Seconds() * costRatio
	return nil
}

func (c *Compiler) lowerFirstSeen(snap *catalog.Snapshot, s *rule.FirstSeen, cq *CompiledQuery, fields fieldSet) error {
	if s.Dimension == "" {
		return apperr.Validation("first_seen requires a dimension field")
	}
	if s.HorizonDays == 0 {
		return apperr.Validation("first_seen horizon_days must be positive")
	}
	if err := c.checkGroupField(snap, s.Dimension); err != nil {
		return apperr.Validation("first_seen dimension: %s", dropReason(err))
	}
	fields.add(s.Dimension)

	filterCond, err := c.condsSQL(snap, s.Filter, fields, cq)
	if err != nil {
		return err
	}

	horizon := time.Duration(s.HorizonDays) * 24 * time.Hour
	horizonFrom := cq.TimeResolved.From.Add(-horizon)
	dim := quoteIdent(s.Dimension)
	keys := groupKey(s.By)
	cq.GroupBy = append(append([]string{}, keys...), s.Dimension)

	scope := scopePredicate(s.TenantID, cq.TimeResolved)
	cq.WhereText = andJoin([]string{scope, filterCond})
	baseline := andJoin([]string{
		fmt.Sprintf("`tenant_id` = %s", stringLit(s.TenantID)),
		fmt.Sprintf("`time` >= %s", timeLit(horizonFrom)),
		fmt.Sprintf("`time` < %s", timeLit(cq.TimeResolved.From)),
		filterCond,
	})
	cq.Text = fmt.Sprintf(
		"SELECT %s, %s AS value, min(`time`) AS first_time, count() AS matches FROM %s "+
			"WHERE %s AND %s NOT IN (SELECT DISTINCT %s FROM %s WHERE %s) "+
			"GROUP BY %s, value",
		keyList(keys), dim, quoteIdent(c.table),
		cq.WhereText, dim, dim, quoteIdent(c.table), baseline,
		keyList(keys))
	// Cost includes the baseline scan over the horizon.
	cq.EstimatedCost = (cq.TimeResolved.Span() + horizon).Seconds() * costFirstSeen
	return nil
}

func (c *Compiler) lowerBeaconing(snap *catalog.Snapshot, s *rule.Beaconing, cq *CompiledQuery, fields fieldSet) error {
	if len(s.By) == 0 {
		return apperr.Validation("beaconing requires a non-empty partition key")
	}
	if s.MinEvents < 3 {
		return apperr.Validation("beaconing min_events must be at least 3, got %d", s.MinEvents)
	}
	if s.MaxRSD <= 0 {
		return apperr.Validation("beaconing max_rsd must be positive")
	}

	filterCond, err := c.condsSQL(snap, s.Filter, fields, cq)
	if err != nil {
		return err
	}

	keys := s.By
	cq.GroupBy = keys
	cq.WhereText = andJoin([]string{scopePredicate(s.TenantID, cq.TimeResolved), filterCond})

	// Inter-arrival gaps in milliseconds; arrayDifference emits a leading
	// zero that must not contaminate the statistics.
	cq.Text = fmt.Sprintf(
		"SELECT %s, count() AS events, "+
			"arrayPopFront(arrayDifference(arraySort(groupArray(%s)))) AS gaps_ms, "+
			"arrayReduce('avg', gaps_ms) AS mean_gap_ms, "+
			"if(mean_gap_ms > 0, arrayReduce('stddevPop', gaps_ms) / mean_gap_ms, 1) AS rsd "+
			"FROM %s WHERE %s GROUP BY %s "+
			"HAVING events >= %d AND mean_gap_ms > 0 AND rsd <= %s",
		keyList(keys), timeExprMillis,
		quoteIdent(c.table), cq.WhereText, keyList(keys),
		s.MinEvents, numberLit(s.MaxRSD))
	cq.EstimatedCost = cq.TimeResolved.Span().Seconds() * costBeaconing
	return nil
}
