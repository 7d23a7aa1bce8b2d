package compile

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkermemo/huntql/common/apperr"
	"github.com/darkermemo/huntql/internal/catalog"
	"github.com/darkermemo/huntql/internal/rule"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testCompiler() *Compiler {
	return New(Config{
		Table:             "events",
		MaxSpan:           30 * 24 * time.Hour,
		MaxRegexCost:      500,
		DefaultScanBudget: float64(90 * 24 * 3600),
		TenantScanBudgets: map[string]float64{"tight": 60},
		Clock:             func() time.Time { return testNow },
	})
}

func lastHour() rule.TimeRange {
	return rule.TimeRange{LastSeconds: 3600}
}

func meta(tenant string, by ...string) rule.Meta {
	return rule.Meta{TenantID: tenant, Time: lastHour(), By: by}
}

func mustParse(t *testing.T, s string) *rule.Query {
	t.Helper()
	q, err := rule.ParseQuery(s)
	require.NoError(t, err)
	return q
}

func TestCompileSearchScoping(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	cq, err := c.CompileSearch(snap, "acme", lastHour(), mustParse(t, "severity:high"), "acme")
	require.NoError(t, err)

	assert.Contains(t, cq.WhereText, "`tenant_id` = 'acme'")
	assert.Contains(t, cq.WhereText, "`time` >= toDateTime64('2026-03-14 11:00:00.000', 3, 'UTC')")
	assert.Contains(t, cq.WhereText, "`time` < toDateTime64('2026-03-14 12:00:00.000', 3, 'UTC')")
	assert.Contains(t, cq.WhereText, "`severity` = 'high'")
	assert.True(t, strings.HasPrefix(cq.Text, "SELECT * FROM `events` WHERE "))
	assert.Contains(t, cq.Text, "ORDER BY `time` DESC, `ingest_seq` DESC")
	assert.Equal(t, []string{"severity"}, cq.FieldsUsed)
}

func TestCompileSearchDeterministic(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()
	q := mustParse(t, `user:alice dst_port:>1024 -status:success beacon`)

	a, err := c.CompileSearch(snap, "acme", lastHour(), q, "")
	require.NoError(t, err)
	b, err := c.CompileSearch(snap, "acme", lastHour(), q, "")
	require.NoError(t, err)

	assert.Equal(t, a.Text, b.Text)
	assert.Equal(t, a.WhereText, b.WhereText)
	assert.Equal(t, a.FieldsUsed, b.FieldsUsed)
	assert.Equal(t, a.Warnings, b.Warnings)
}

func TestCompileSearchUnknownFieldDropped(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	cq, err := c.CompileSearch(snap, "acme", lastHour(), mustParse(t, "nosuchfield:x severity:low"), "")
	require.NoError(t, err)

	require.Len(t, cq.Warnings, 1)
	assert.Contains(t, cq.Warnings[0], `"nosuchfield"`)
	assert.NotContains(t, cq.WhereText, "nosuchfield")
	assert.Contains(t, cq.WhereText, "`severity` = 'low'")
}

func TestCompileSearchBareTermExpansion(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	cq, err := c.CompileSearch(snap, "acme", lastHour(), mustParse(t, "mimikatz"), "")
	require.NoError(t, err)

	assert.Contains(t, cq.WhereText, "positionCaseInsensitive(`message`, 'mimikatz') > 0")
	assert.Contains(t, cq.WhereText, "positionCaseInsensitive(`process_cmdline`, 'mimikatz') > 0")
	assert.Contains(t, cq.WhereText, " OR ")
}

func TestCompileSearchOptsDefaultField(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	cq, err := c.CompileSearchOpts(snap, "acme", lastHour(), mustParse(t, "root"), "acme",
		SearchOptions{CoerceTypes: true, DefaultField: "user"})
	require.NoError(t, err)
	assert.Contains(t, cq.WhereText, "positionCaseInsensitive(`user`, 'root') > 0")
	assert.Equal(t, []string{"user"}, cq.FieldsUsed)

	_, err = c.CompileSearchOpts(snap, "acme", lastHour(), mustParse(t, "root"), "acme",
		SearchOptions{CoerceTypes: true, DefaultField: "nosuch"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestCompileSearchOptsCoerceTypesOff(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	cq, err := c.CompileSearchOpts(snap, "acme", lastHour(),
		mustParse(t, "dst_port:443 severity:high"), "acme", SearchOptions{})
	require.NoError(t, err)

	assert.NotContains(t, cq.WhereText, "dst_port")
	assert.Contains(t, cq.WhereText, "`severity` = 'high'")
	require.Len(t, cq.Warnings, 1)
	assert.Contains(t, cq.Warnings[0], "type coercion disabled")
}

func TestCompileSearchOptsRegexRuntimeCap(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()
	q := mustParse(t, "dns_query:/(a+)+(b+)+/")

	// Under the compiler-wide ceiling the pattern passes.
	_, err := c.CompileSearchOpts(snap, "acme", lastHour(), q, "acme",
		SearchOptions{CoerceTypes: true})
	require.NoError(t, err)

	// A tighter per-request bound rejects it.
	_, err = c.CompileSearchOpts(snap, "acme", lastHour(), q, "acme",
		SearchOptions{CoerceTypes: true, MaxRegexRuntimeMS: 5})
	require.Error(t, err)
	appErr := apperr.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperr.CodeSafetyRejected, appErr.Code)
	assert.Equal(t, GuardRegexCost, appErr.Details["guard"])
}

func TestCompileSearchNegation(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	cq, err := c.CompileSearch(snap, "acme", lastHour(), mustParse(t, "-status:success"), "")
	require.NoError(t, err)
	assert.Contains(t, cq.WhereText, "NOT (`status` = 'success')")
}

func TestCompileSearchCIDRUpgrade(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	cq, err := c.CompileSearch(snap, "acme", lastHour(), mustParse(t, "src_ip:10.0.0.0/8"), "")
	require.NoError(t, err)
	assert.Contains(t, cq.WhereText, "isIPAddressInRange(`src_ip`, '10.0.0.0/8')")
	require.NotEmpty(t, cq.Warnings)
	assert.Contains(t, cq.Warnings[0], "ip_in_cidr")
}

func TestCompileSearchMatchAll(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	cq, err := c.CompileSearch(snap, "acme", lastHour(), mustParse(t, "*"), "")
	require.NoError(t, err)
	assert.NotContains(t, cq.WhereText, "OR")
	assert.Contains(t, cq.WhereText, "`tenant_id` = 'acme'")
}

func TestCompileSearchEnumWarning(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	cq, err := c.CompileSearch(snap, "acme", lastHour(), mustParse(t, "severity:apocalyptic"), "")
	require.NoError(t, err)
	require.NotEmpty(t, cq.Warnings)
	assert.Contains(t, cq.Warnings[0], "not a known enum value")
	// The predicate still compiles; enum membership is advisory.
	assert.Contains(t, cq.WhereText, "`severity` = 'apocalyptic'")
}

func TestCompileSearchLiteralEscaping(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	cq, err := c.CompileSearch(snap, "acme", lastHour(), mustParse(t, `user:"o'brien"`), "")
	require.NoError(t, err)
	assert.Contains(t, cq.WhereText, `'o\'brien'`)
}

func TestCompileSpecUnknownFieldRejected(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	spec := &rule.RollingThreshold{
		Meta:      meta("acme", "user"),
		Match:     []rule.FieldCondition{{Field: "bogus", Op: rule.OpEq, Value: "x"}},
		Agg:       rule.AggCount,
		WindowSec: 300,
		Cmp:       rule.CmpGte,
		Threshold: 5,
	}
	_, err := c.CompileSpec(snap, spec, "")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestCompileSequence(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	spec := &rule.Sequence{
		Meta: meta("acme", "user", "host"),
		Stages: []rule.Stage{
			{Match: []rule.FieldCondition{{Field: "event_type", Op: rule.OpEq, Value: "auth_failure"}}, MinCount: 3},
			{Match: []rule.FieldCondition{{Field: "event_type", Op: rule.OpEq, Value: "auth_success"}}},
		},
		WindowSec: 600,
		Strict:    rule.StrictAny,
	}
	cq, err := c.CompileSpec(snap, spec, "acme")
	require.NoError(t, err)

	assert.Contains(t, cq.Text, "windowFunnel(600000)(toUnixTimestamp64Milli(`time`)")
	// min_count 3 repeats the stage, so full depth is 4 conditions.
	assert.Contains(t, cq.Text, "HAVING level >= 4")
	assert.Contains(t, cq.Text, "GROUP BY `user`, `host`")
	assert.Equal(t, []string{"user", "host"}, cq.GroupBy)
}

func TestCompileSequenceStrictOrderTieBreak(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	spec := &rule.Sequence{
		Meta: meta("acme", "user"),
		Stages: []rule.Stage{
			{Match: []rule.FieldCondition{{Field: "event_type", Op: rule.OpEq, Value: "a"}}},
			{Match: []rule.FieldCondition{{Field: "event_type", Op: rule.OpEq, Value: "b"}}},
		},
		WindowSec: 60,
		Strict:    rule.StrictOrder,
	}
	cq, err := c.CompileSpec(snap, spec, "")
	require.NoError(t, err)

	assert.Contains(t, cq.Text, "'strict_order'")
	assert.Contains(t, cq.Text, "modulo(`ingest_seq`, 1048576)")
	// The window scales with the tie-break encoding.
	assert.Contains(t, cq.Text, "windowFunnel(62914560000")
}

func TestCompileSequenceTooFewStages(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	spec := &rule.Sequence{
		Meta:      meta("acme"),
		Stages:    []rule.Stage{{Match: []rule.FieldCondition{{Field: "event_type", Op: rule.OpEq, Value: "a"}}}},
		WindowSec: 60,
	}
	_, err := c.CompileSpec(snap, spec, "")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestCompileSequenceEmptyByFallsBackToTenant(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	spec := &rule.Sequence{
		Meta: meta("acme"),
		Stages: []rule.Stage{
			{Match: []rule.FieldCondition{{Field: "event_type", Op: rule.OpEq, Value: "a"}}},
			{Match: []rule.FieldCondition{{Field: "event_type", Op: rule.OpEq, Value: "b"}}},
		},
		WindowSec: 60,
	}
	cq, err := c.CompileSpec(snap, spec, "")
	require.NoError(t, err)
	assert.Contains(t, cq.Text, "GROUP BY `tenant_id`")
}

func TestCompileSequenceAbsence(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	spec := &rule.SequenceAbsence{
		Meta:      meta("acme", "host"),
		First:     []rule.FieldCondition{{Field: "event_type", Op: rule.OpEq, Value: "shutdown_initiated"}},
		Absent:    []rule.FieldCondition{{Field: "event_type", Op: rule.OpEq, Value: "shutdown_complete"}},
		WindowSec: 120,
	}
	cq, err := c.CompileSpec(snap, spec, "")
	require.NoError(t, err)

	assert.Contains(t, cq.Text, "LEFT JOIN")
	assert.Contains(t, cq.Text, "arrayCount")
	assert.Contains(t, cq.Text, "+ 120000")
	assert.Contains(t, cq.Text, "= 0")
}

func TestCompileChain(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	spec := &rule.Chain{
		Meta: meta("acme", "user"),
		Stages: [][]rule.FieldCondition{
			{{Field: "event_type", Op: rule.OpEq, Value: "download"}},
			{{Field: "event_type", Op: rule.OpEq, Value: "execute"}},
			{{Field: "event_type", Op: rule.OpEq, Value: "connect"}},
		},
		WindowSec: 900,
	}
	cq, err := c.CompileSpec(snap, spec, "")
	require.NoError(t, err)

	assert.Contains(t, cq.Text, "windowFunnel(900000)")
	assert.Contains(t, cq.Text, "HAVING level >= 3")
	assert.NotContains(t, cq.Text, "strict")
}

func TestCompileRollingThresholdLive(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	spec := &rule.RollingThreshold{
		Meta:      rule.Meta{TenantID: "acme", Time: rule.TimeRange{LastSeconds: 86400}, By: []string{"src_ip"}},
		Match:     []rule.FieldCondition{{Field: "event_type", Op: rule.OpEq, Value: "auth_failure"}},
		Agg:       rule.AggCount,
		WindowSec: 300,
		Cmp:       rule.CmpGte,
		Threshold: 50,
	}
	cq, err := c.CompileSpec(snap, spec, "")
	require.NoError(t, err)

	// Relative ranges right-align one window to now.
	assert.Contains(t, cq.WhereText, "`time` >= toDateTime64('2026-03-14 11:55:00.000', 3, 'UTC')")
	assert.Contains(t, cq.Text, "count() AS value")
	assert.Contains(t, cq.Text, "HAVING value >= 50")
	assert.NotContains(t, cq.Text, "window_start")
}

func TestCompileRollingThresholdReplay(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	spec := &rule.RollingThreshold{
		Meta:      rule.Meta{TenantID: "acme", Time: rule.TimeRange{From: &from, To: &to}, By: []string{"src_ip"}},
		Agg:       rule.AggSum,
		Field:     "bytes_out",
		WindowSec: 3600,
		Cmp:       rule.CmpGt,
		Threshold: 1e9,
	}
	cq, err := c.CompileSpec(snap, spec, "")
	require.NoError(t, err)

	// Absolute ranges tumble windows left-aligned to the range start.
	assert.Contains(t, cq.Text, "intDiv(toUnixTimestamp64Milli(`time`) - 1772323200000, 3600000)")
	assert.Contains(t, cq.Text, "sum(`bytes_out`) AS value")
	assert.Contains(t, cq.Text, "GROUP BY `src_ip`, window_start")
}

func TestCompileRollingThresholdAggValidation(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	tests := []struct {
		name string
		agg  rule.AggFunc
		fld  string
	}{
		{"sum without field", rule.AggSum, ""},
		{"avg of string field", rule.AggAvg, "user"},
		{"count with field", rule.AggCount, "bytes_out"},
		{"unknown agg", rule.AggFunc("median"), "bytes_out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := &rule.RollingThreshold{
				Meta: meta("acme", "user"), Agg: tt.agg, Field: tt.fld,
				WindowSec: 60, Cmp: rule.CmpGt, Threshold: 1,
			}
			_, err := c.CompileSpec(snap, spec, "")
			require.Error(t, err)
			assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
		})
	}
}

func TestCompileRatio(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	spec := &rule.Ratio{
		Meta:        meta("acme", "user"),
		Numerator:   []rule.FieldCondition{{Field: "status", Op: rule.OpEq, Value: "failure"}},
		Denominator: []rule.FieldCondition{{Field: "event_type", Op: rule.OpEq, Value: "auth"}},
		BucketSec:   600,
		K:           0.8,
	}
	cq, err := c.CompileSpec(snap, spec, "")
	require.NoError(t, err)

	assert.Contains(t, cq.Text, "toStartOfInterval(`time`, INTERVAL 600 SECOND)")
	assert.Contains(t, cq.Text, "countIf(`status` = 'failure') AS numerator")
	assert.Contains(t, cq.Text, "HAVING denominator > 0 AND ratio >= 0.8")
}

func TestCompileFirstSeen(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	spec := &rule.FirstSeen{
		Meta:        meta("acme"),
		Dimension:   "process_name",
		HorizonDays: 30,
		Filter:      []rule.FieldCondition{{Field: "host", Op: rule.OpEq, Value: "dc01"}},
	}
	cq, err := c.CompileSpec(snap, spec, "")
	require.NoError(t, err)

	assert.Contains(t, cq.Text, "`process_name` NOT IN (SELECT DISTINCT `process_name`")
	// Baseline covers [from - horizon, from).
	assert.Contains(t, cq.Text, "`time` >= toDateTime64('2026-02-12 11:00:00.000', 3, 'UTC')")
	assert.Contains(t, cq.Text, "`time` < toDateTime64('2026-03-14 11:00:00.000', 3, 'UTC')")
	assert.Contains(t, cq.Text, "`host` = 'dc01'")
	// Horizon scan is billed.
	assert.Greater(t, cq.EstimatedCost, float64(30*24*3600))
}

func TestCompileBeaconing(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	spec := &rule.Beaconing{
		Meta:      meta("acme", "src_ip", "dst_ip"),
		Filter:    []rule.FieldCondition{{Field: "protocol", Op: rule.OpEq, Value: "https"}},
		MinEvents: 10,
		MaxRSD:    0.1,
	}
	cq, err := c.CompileSpec(snap, spec, "")
	require.NoError(t, err)

	assert.Contains(t, cq.Text, "arrayPopFront(arrayDifference(arraySort(groupArray(")
	assert.Contains(t, cq.Text, "HAVING events >= 10 AND mean_gap_ms > 0 AND rsd <= 0.1")
	assert.Contains(t, cq.Text, "GROUP BY `src_ip`, `dst_ip`")
}

func TestCompileBeaconingRequiresPartitionKey(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	spec := &rule.Beaconing{Meta: meta("acme"), MinEvents: 10, MaxRSD: 0.1}
	_, err := c.CompileSpec(snap, spec, "")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestGuardTenantScope(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	_, err := c.CompileSearch(snap, "other", lastHour(), mustParse(t, "*"), "acme")
	require.Error(t, err)
	appErr := apperr.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperr.CodeSafetyRejected, appErr.Code)
	assert.Equal(t, GuardTenantScope, appErr.Details["guard"])
}

func TestGuardTimeSpan(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	_, err := c.CompileSearch(snap, "acme", rule.TimeRange{LastSeconds: 90 * 24 * 3600}, mustParse(t, "*"), "")
	require.Error(t, err)
	appErr := apperr.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, GuardTimeSpan, appErr.Details["guard"])
}

func TestGuardRegexComplexity(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	q := &rule.Query{Terms: []rule.Term{{
		Field: "dns_query", Op: rule.OpRegex, Value: "((((a+)+)+)+)+",
	}}}
	_, err := c.CompileSearch(snap, "acme", lastHour(), q, "")
	require.Error(t, err)
	appErr := apperr.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, GuardRegexCost, appErr.Details["guard"])
}

func TestGuardInvalidRegex(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	q := &rule.Query{Terms: []rule.Term{{
		Field: "dns_query", Op: rule.OpRegex, Value: "([unclosed",
	}}}
	_, err := c.CompileSearch(snap, "acme", lastHour(), q, "")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestGuardScanBudget(t *testing.T) {
	c := testCompiler()
	snap := catalog.BaseSnapshot()

	// The "tight" tenant has a 60 window-second budget.
	_, err := c.CompileSearch(snap, "tight", rule.TimeRange{LastSeconds: 3600}, mustParse(t, "*"), "")
	require.Error(t, err)
	appErr := apperr.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, GuardScanBudget, appErr.Details["guard"])

	_, err = c.CompileSearch(snap, "tight", rule.TimeRange{LastSeconds: 30}, mustParse(t, "*"), "")
	require.NoError(t, err)
}

func TestRegexCost(t *testing.T) {
	cheap, err := regexCost(`evil\.example\.com`)
	require.NoError(t, err)
	expensive, err := regexCost("(a+)+(b+)+(c+)+")
	require.NoError(t, err)
	assert.Less(t, cheap, expensive)
}
