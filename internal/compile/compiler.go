// Package compile lowers free-text queries and detection rule specs into
// ClickHouse SQL against the append-only events table. Compilation is a pure
// function of its inputs (catalog snapshot, spec, clock) and never touches
// the store; every compiled query passes the safety guard before it is
// returned.
package compile

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/darkermemo/huntql/common/apperr"
	"github.com/darkermemo/huntql/internal/catalog"
	"github.com/darkermemo/huntql/internal/rule"
)

// CompiledQuery is the immutable result of a compilation. It is owned by the
// caller that requested it; compiled text is never cached across tenants.
type CompiledQuery struct {
	Text          string        `json:"sql"`
	WhereText     string        `json:"where_sql"`
	FilterText    string        `json:"-"`
	Warnings      []string      `json:"warnings"`
	FieldsUsed    []string      `json:"fields_used"`
	TimeResolved  rule.Resolved `json:"time_resolved"`
	EstimatedCost float64       `json:"estimated_cost,omitempty"`

	TenantID string      `json:"-"`
	Family   rule.Family `json:"-"`
	GroupBy  []string    `json:"-"`

	regexPatterns []string
	regexBudget   int
}

// Config configures a Compiler.
type Config struct {
	// Table is the events table name.
	Table string
	// MaxSpan caps the resolved time range.
	MaxSpan time.Duration
	// MaxRegexCost caps the static complexity estimate of regex operands.
	MaxRegexCost int
	// DefaultScanBudget is the per-query estimated cost budget, in scanned
	// window-seconds, for tenants without an explicit budget.
	DefaultScanBudget float64
	// TenantScanBudgets overrides the budget per tenant.
	TenantScanBudgets map[string]float64
	// Clock supplies "now" for relative time resolution. Defaults to time.Now.
	Clock func() time.Time
}

// SearchOptions tunes one free-text compilation. The zero value is the
// strictest setting; callers that want the default coercion behavior go
// through CompileSearch.
type SearchOptions struct {
	// CoerceTypes converts string tokens to the field's storage type
	// (numeric, boolean, IP, timestamp). Disabled, a term that would need
	// conversion is dropped with a warning instead of coerced.
	CoerceTypes bool
	// DefaultField targets bare terms at one searchable field instead of
	// the disjunction over all searchable fields.
	DefaultField string
	// MaxRegexRuntimeMS lowers the regex complexity ceiling for this query,
	// treating the static cost estimate as a runtime bound. Zero keeps the
	// compiler-wide ceiling; the option can tighten it, never raise it.
	MaxRegexRuntimeMS int
}

// Compiler lowers predicates and rule specs to SQL. Safe for concurrent use.
type Compiler struct {
	table         string
	maxSpan       time.Duration
	maxRegexCost  int
	defaultBudget float64
	budgets       map[string]float64
	clock         func() time.Time
}

// New creates a Compiler, applying defaults for zero config values.
func New(cfg Config) *Compiler {
	c := &Compiler{
		table:         cfg.Table,
		maxSpan:       cfg.MaxSpan,
		maxRegexCost:  cfg.MaxRegexCost,
		defaultBudget: cfg.DefaultScanBudget,
		budgets:       cfg.TenantScanBudgets,
		clock:         cfg.Clock,
	}
	if c.table == "" {
		c.table = "events"
	}
	if c.maxSpan <= 0 {
		c.maxSpan = 90 * 24 * time.Hour
	}
	if c.maxRegexCost <= 0 {
		c.maxRegexCost = 2000
	}
	if c.defaultBudget <= 0 {
		c.defaultBudget = float64(90 * 24 * 3600)
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c
}

// CompileSearch lowers a free-text query for one tenant into a scoped SQL
// statement. Unknown or uncoercible fields are dropped with a warning, never
// an error. authScope is the caller's authorized tenant; empty skips the
// scope check (trusted internal callers).
func (c *Compiler) CompileSearch(snap *catalog.Snapshot, tenantID string, tr rule.TimeRange, q *rule.Query, authScope string) (*CompiledQuery, error) {
	return c.CompileSearchOpts(snap, tenantID, tr, q, authScope, SearchOptions{CoerceTypes: true})
}

// CompileSearchOpts is CompileSearch with per-request options applied.
func (c *Compiler) CompileSearchOpts(snap *catalog.Snapshot, tenantID string, tr rule.TimeRange, q *rule.Query, authScope string, opts SearchOptions) (*CompiledQuery, error) {
	if tenantID == "" {
		return nil, apperr.Validation("tenant_id is required")
	}

	res, err := tr.Resolve(c.clock())
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}

	cq := &CompiledQuery{
		TenantID:     tenantID,
		TimeResolved: res,
		regexBudget:  opts.MaxRegexRuntimeMS,
	}
	if snap.Degraded() {
		cq.Warnings = append(cq.Warnings, "field catalog unavailable; compiled against base catalog")
	}

	if opts.DefaultField != "" {
		f, ok := snap.Field(opts.DefaultField)
		if !ok {
			return nil, apperr.Validation("unknown default_field %q", opts.DefaultField)
		}
		if !f.Searchable {
			return nil, apperr.Validation("default_field %q is not searchable", opts.DefaultField)
		}
	}

	fields := fieldSet{}
	var termPreds []string
	if !q.MatchAll() {
		for _, term := range q.Terms {
			if term.IsBare() && opts.DefaultField != "" {
				term.Field = opts.DefaultField
				term.Op = rule.OpContains
			}
			if !term.IsBare() && !opts.CoerceTypes {
				if f, ok := snap.Field(term.Field); ok && needsCoercion(f.Type) {
					cq.Warnings = append(cq.Warnings,
						fmt.Sprintf("field %q dropped from query: type coercion disabled", term.Field))
					continue
				}
			}
			p := c.lowerTerm(snap, term, fields, cq)
			if p != "" {
				termPreds = append(termPreds, p)
			}
		}
	}

	cq.WhereText = andJoin(append([]string{scopePredicate(tenantID, res)}, termPreds...))
	// FilterText keeps the tenant and term predicates but drops the time
	// bounds, for consumers that supply their own moving window.
	cq.FilterText = andJoin(append([]string{tenantPredicate(tenantID)}, termPreds...))
	cq.FieldsUsed = fields.sorted()
	cq.Text = fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY `time` DESC, `ingest_seq` DESC",
		quoteIdent(c.table), cq.WhereText)
	cq.EstimatedCost = res.Span().Seconds()

	if err := c.guard(cq, authScope); err != nil {
		return nil, err
	}
	return cq, nil
}

// CompileSpec lowers one detection rule spec. Structured specs are strict:
// unknown fields and bad operands are validation errors, not warnings.
func (c *Compiler) CompileSpec(snap *catalog.Snapshot, spec rule.Spec, authScope string) (*CompiledQuery, error) {
	meta := spec.Common()
	if meta.TenantID == "" {
		return nil, apperr.Validation("tenant_id is required")
	}

	res, err := meta.Time.Resolve(c.clock())
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}

	cq := &CompiledQuery{
		TenantID:     meta.TenantID,
		TimeResolved: res,
		Family:       spec.Family(),
	}
	if snap.Degraded() {
		cq.Warnings = append(cq.Warnings, "field catalog unavailable; compiled against base catalog")
	}

	fields := fieldSet{}
	for _, f := range meta.By {
		if err := c.checkGroupField(snap, f); err != nil {
			return nil, err
		}
		fields.add(f)
	}

	// Exhaustive over the closed family union.
	switch s := spec.(type) {
	case *rule.Sequence:
		err = c.lowerSequence(snap, s, cq, fields)
	case *rule.SequenceAbsence:
		err = c.lowerSequenceAbsence(snap, s, cq, fields)
	case *rule.Chain:
		err = c.lowerChain(snap, s, cq, fields)
	case *rule.RollingThreshold:
		err = c.lowerRollingThreshold(snap, s, cq, fields)
	case *rule.Ratio:
		err = c.lowerRatio(snap, s, cq, fields)
	case *rule.FirstSeen:
		err = c.lowerFirstSeen(snap, s, cq, fields)
	case *rule.Beaconing:
		err = c.lowerBeaconing(snap, s, cq, fields)
	default:
		err = apperr.Validation("unknown rule family %q", spec.Family())
	}
	if err != nil {
		return nil, err
	}

	cq.FieldsUsed = fields.sorted()
	if err := c.guard(cq, authScope); err != nil {
		return nil, err
	}
	return cq, nil
}

// lowerTerm lowers one free-text term, returning "" when it is dropped.
func (c *Compiler) lowerTerm(snap *catalog.Snapshot, term rule.Term, fields fieldSet, cq *CompiledQuery) string {
	var pred string
	if term.IsBare() {
		pred = c.bareTermSQL(snap, term.Value, fields)
		if pred == "" {
			cq.Warnings = append(cq.Warnings, "no searchable fields available; bare term dropped")
			return ""
		}
	} else {
		cond, err := c.termCondition(snap, term, cq)
		if err != nil {
			cq.Warnings = append(cq.Warnings, fmt.Sprintf("field %q dropped from query: %s", term.Field, dropReason(err)))
			return ""
		}
		p, err := c.condSQL(snap, cond, fields, cq)
		if err != nil {
			cq.Warnings = append(cq.Warnings, fmt.Sprintf("field %q dropped from query: %s", term.Field, dropReason(err)))
			return ""
		}
		pred = p
	}

	if term.Negated {
		return "NOT (" + pred + ")"
	}
	return pred
}

func dropReason(err error) string {
	if appErr := apperr.As(err); appErr != nil {
		return appErr.Message
	}
	return err.Error()
}

// termCondition converts a free-text term to a FieldCondition, upgrading
// ip-typed equality on CIDR-shaped values to ip_in_cidr.
func (c *Compiler) termCondition(snap *catalog.Snapshot, term rule.Term, cq *CompiledQuery) (rule.FieldCondition, error) {
	cond := rule.FieldCondition{Field: term.Field, Op: term.Op, Value: term.Value}

	f, ok := snap.Field(term.Field)
	if !ok {
		return cond, apperr.Validation("unknown field")
	}
	if f.Type == catalog.TypeIP && term.Op == rule.OpEq && strings.Contains(term.Value, "/") {
		cond.Op = rule.OpCIDR
		cq.Warnings = append(cq.Warnings, fmt.Sprintf("field %q: CIDR value interpreted as ip_in_cidr", term.Field))
	}
	return cond, nil
}

// bareTermSQL expands a bare term into a contains-disjunction over all
// searchable fields.
func (c *Compiler) bareTermSQL(snap *catalog.Snapshot, value string, fields fieldSet) string {
	searchable := snap.SearchableFields()
	preds := make([]string, 0, len(searchable))
	for _, name := range searchable {
		f, _ := snap.Field(name)
		fields.add(name)
		preds = append(preds, containsSQL(f, value))
	}
	if len(preds) == 0 {
		return ""
	}
	return orJoin(preds)
}

// condsSQL lowers a conjunction of structured conditions (strict mode).
func (c *Compiler) condsSQL(snap *catalog.Snapshot, conds []rule.FieldCondition, fields fieldSet, cq *CompiledQuery) (string, error) {
	if len(conds) == 0 {
		return "1", nil
	}
	preds := make([]string, 0, len(conds))
	for _, cond := range conds {
		p, err := c.condSQL(snap, cond, fields, cq)
		if err != nil {
			return "", err
		}
		preds = append(preds, p)
	}
	return andJoin(preds), nil
}

// condSQL lowers a single condition, coercing the operand against the
// catalog. Errors are validation errors; the free-text path converts them to
// dropped-field warnings.
func (c *Compiler) condSQL(snap *catalog.Snapshot, cond rule.FieldCondition, fields fieldSet, cq *CompiledQuery) (string, error) {
	f, ok := snap.Field(cond.Field)
	if !ok {
		return "", apperr.Validation("unknown field %q", cond.Field)
	}
	if !f.Searchable {
		return "", apperr.Validation("field %q is not searchable", cond.Field)
	}
	fields.add(cond.Field)
	col := quoteIdent(cond.Field)

	switch cond.Op {
	case rule.OpEq, rule.OpNe, rule.OpLt, rule.OpLte, rule.OpGt, rule.OpGte:
		lit, err := c.coerceScalar(snap, f, cond.Value, cq)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", col, cond.Op, lit), nil

	case rule.OpIn, rule.OpNotIn:
		values, ok := cond.Value.([]interface{})
		if !ok || len(values) == 0 {
			return "", apperr.Validation("field %q: %s requires a non-empty list", cond.Field, cond.Op)
		}
		lits := make([]string, 0, len(values))
		for _, v := range values {
			lit, err := c.coerceScalar(snap, f, v, cq)
			if err != nil {
				return "", err
			}
			lits = append(lits, lit)
		}
		op := "IN"
		if cond.Op == rule.OpNotIn {
			op = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", col, op, strings.Join(lits, ", ")), nil

	case rule.OpContains:
		s, ok := stringValue(cond.Value)
		if !ok {
			return "", apperr.Validation("field %q: contains requires a string operand", cond.Field)
		}
		return containsSQL(f, s), nil

	case rule.OpRegex:
		pattern, ok := stringValue(cond.Value)
		if !ok || pattern == "" {
			return "", apperr.Validation("field %q: regex requires a non-empty pattern", cond.Field)
		}
		cq.regexPatterns = append(cq.regexPatterns, pattern)
		return fmt.Sprintf("match(%s, %s)", textExpr(f), stringLit(pattern)), nil

	case rule.OpCIDR:
		if f.Type != catalog.TypeIP {
			return "", apperr.Validation("field %q: ip_in_cidr requires an ip-typed field, got %s", cond.Field, f.Type)
		}
		cidr, ok := stringValue(cond.Value)
		if !ok {
			return "", apperr.Validation("field %q: ip_in_cidr requires a CIDR string", cond.Field)
		}
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return "", apperr.Validation("field %q: invalid CIDR %q", cond.Field, cidr)
		}
		return fmt.Sprintf("isIPAddressInRange(%s, %s)", col, stringLit(cidr)), nil

	default:
		return "", apperr.Validation("field %q: unsupported operator %q", cond.Field, cond.Op)
	}
}

// containsSQL renders a case-insensitive substring predicate. Non-string
// columns are cast so bare-term expansion works uniformly.
func containsSQL(f catalog.Field, value string) string {
	return fmt.Sprintf("positionCaseInsensitive(%s, %s) > 0", textExpr(f), stringLit(value))
}

// textExpr renders a field as a string expression.
func textExpr(f catalog.Field) string {
	col := quoteIdent(f.Name)
	switch f.Type {
	case catalog.TypeString, catalog.TypeEnum, catalog.TypeIP:
		return col
	default:
		return "toString(" + col + ")"
	}
}

// coerceScalar renders a literal for the field's declared type, recording
// lossy-coercion warnings on cq.
// needsCoercion reports whether a free-text string token has to be
// converted to match the field's storage type.
func needsCoercion(t catalog.Type) bool {
	switch t {
	case catalog.TypeInt, catalog.TypeFloat, catalog.TypeBool, catalog.TypeIP, catalog.TypeTimestamp:
		return true
	}
	return false
}

func (c *Compiler) coerceScalar(snap *catalog.Snapshot, f catalog.Field, value interface{}, cq *CompiledQuery) (string, error) {
	switch f.Type {
	case catalog.TypeInt:
		n, err := floatValue(value)
		if err != nil {
			return "", apperr.Validation("field %q: expected a number, got %v", f.Name, value)
		}
		if n != float64(int64(n)) {
			cq.Warnings = append(cq.Warnings, fmt.Sprintf("field %q: fractional value %v truncated to %d", f.Name, value, int64(n)))
		}
		return strconv.FormatInt(int64(n), 10), nil

	case catalog.TypeFloat:
		n, err := floatValue(value)
		if err != nil {
			return "", apperr.Validation("field %q: expected a number, got %v", f.Name, value)
		}
		return numberLit(n), nil

	case catalog.TypeBool:
		switch v := value.(type) {
		case bool:
			if v {
				return "1", nil
			}
			return "0", nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return "", apperr.Validation("field %q: expected a boolean, got %q", f.Name, v)
			}
			if b {
				return "1", nil
			}
			return "0", nil
		default:
			return "", apperr.Validation("field %q: expected a boolean, got %v", f.Name, value)
		}

	case catalog.TypeIP:
		s, ok := stringValue(value)
		if !ok {
			return "", apperr.Validation("field %q: expected an IP address, got %v", f.Name, value)
		}
		if _, err := netip.ParseAddr(s); err != nil {
			return "", apperr.Validation("field %q: invalid IP address %q", f.Name, s)
		}
		return stringLit(s), nil

	case catalog.TypeTimestamp:
		switch v := value.(type) {
		case string:
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return "", apperr.Validation("field %q: expected an RFC3339 timestamp, got %q", f.Name, v)
			}
			return timeLit(t), nil
		case float64:
			return timeLit(time.UnixMilli(int64(v)).UTC()), nil
		default:
			return "", apperr.Validation("field %q: expected a timestamp, got %v", f.Name, value)
		}

	case catalog.TypeEnum:
		s, ok := stringValue(value)
		if !ok {
			return "", apperr.Validation("field %q: expected a string, got %v", f.Name, value)
		}
		if vals := snap.Enum(f.Name); len(vals) > 0 && !contains(vals, s) {
			// Advisory only: the value may still exist in older data.
			cq.Warnings = append(cq.Warnings, fmt.Sprintf("field %q: value %q is not a known enum value", f.Name, s))
		}
		return stringLit(s), nil

	default:
		s, ok := stringValue(value)
		if !ok {
			s = fmt.Sprintf("%v", value)
			cq.Warnings = append(cq.Warnings, fmt.Sprintf("field %q: non-string value %v coerced to string", f.Name, value))
		}
		return stringLit(s), nil
	}
}

func contains(vals []string, s string) bool {
	for _, v := range vals {
		if v == s {
			return true
		}
	}
	return false
}

func stringValue(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func floatValue(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("not a number")
	}
}

// checkGroupField validates a grouping key field.
func (c *Compiler) checkGroupField(snap *catalog.Snapshot, name string) error {
	f, ok := snap.Field(name)
	if !ok {
		return apperr.Validation("unknown group-by field %q", name)
	}
	if !f.Searchable {
		return apperr.Validation("group-by field %q is not searchable", name)
	}
	return nil
}

// groupKey returns the rule's grouping columns, falling back to tenant_id
// (one global group per tenant) when no key is given.
func groupKey(by []string) []string {
	if len(by) == 0 {
		return []string{"tenant_id"}
	}
	return by
}
