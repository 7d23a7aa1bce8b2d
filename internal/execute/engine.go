package execute

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/darkermemo/huntql/common/apperr"
	"github.com/darkermemo/huntql/common/logging"
	"github.com/darkermemo/huntql/internal/catalog"
	"github.com/darkermemo/huntql/internal/compile"
	"github.com/darkermemo/huntql/internal/eventstore"
	"github.com/darkermemo/huntql/internal/rule"
)

const (
	defaultLimit = 100
	maxLimit     = 1000

	defaultTimeout = 30 * time.Second
	maxTimeout     = 60 * time.Second

	// stalenessWindow is how close to "now" an eventual-consistency read
	// must reach before the response carries a staleness warning.
	stalenessWindow = 30 * time.Second
)

// Request is one execution of a compiled search statement.
type Request struct {
	Compiled *compile.CompiledQuery
	Snapshot *catalog.Snapshot

	Limit       int
	Cursor      string
	Select      []string
	Sort        []rule.SortKey
	SampleN     uint64
	Consistency eventstore.Consistency
	Timeout     time.Duration
}

// Result is an executed page plus pagination state and warnings.
type Result struct {
	Meta                   []eventstore.Column      `json:"meta"`
	Data                   []map[string]interface{} `json:"data"`
	Rows                   int                      `json:"rows"`
	RowsBeforeLimitAtLeast int                      `json:"rows_before_limit_at_least"`
	NextCursor             string                   `json:"next_cursor,omitempty"`
	Warnings               []string                 `json:"warnings,omitempty"`
	Statistics             eventstore.Statistics    `json:"statistics"`
}

// Engine executes compiled statements with pagination, sampling and
// per-tenant concurrency limits.
type Engine struct {
	store   eventstore.Executor
	limiter *Limiter
	signer  *CursorSigner
	table   string
	logger  *logging.Logger
	clock   func() time.Time
}

// NewEngine creates an Engine over the given store.
func NewEngine(store eventstore.Executor, limiter *Limiter, signer *CursorSigner, table string, logger *logging.Logger) *Engine {
	if table == "" {
		table = "events"
	}
	return &Engine{
		store:   store,
		limiter: limiter,
		signer:  signer,
		table:   table,
		logger:  logger,
		clock:   time.Now,
	}
}

// Execute runs one page of a search query. It fetches limit+1 rows to
// decide whether a next page exists, and only issues a cursor when it does.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	out := &Result{Warnings: append([]string(nil), req.Compiled.Warnings...)}

	limit := req.Limit
	switch {
	case limit <= 0:
		limit = defaultLimit
	case limit > maxLimit:
		out.Warnings = append(out.Warnings, fmt.Sprintf("limit clamped to %d", maxLimit))
		limit = maxLimit
	}

	sortKeys, err := e.resolveSort(req.Snapshot, req.Sort)
	if err != nil {
		return nil, err
	}
	orderText := orderByText(sortKeys)

	preds := []string{req.Compiled.WhereText}
	if req.SampleN > 1 {
		preds = append(preds, fmt.Sprintf("cityHash64(%s) %% %d = 0", compile.QuoteIdent("event_id"), req.SampleN))
		out.Warnings = append(out.Warnings, fmt.Sprintf("deterministic 1-in-%d sample; counts are not scaled", req.SampleN))
	}
	where := compile.And(preds...)

	qh := queryHash(where, orderText)
	if req.Cursor != "" {
		cur, err := e.signer.Decode(req.Cursor, req.Compiled.TenantID, qh)
		if err != nil {
			return nil, err
		}
		after, err := afterPredicate(req.Snapshot, sortKeys, cur)
		if err != nil {
			return nil, err
		}
		where = compile.And(where, after)
	}

	if !req.Consistency.Valid() {
		return nil, apperr.Validation("unknown consistency level %q", req.Consistency)
	}
	if req.Consistency != eventstore.ConsistencyStrong &&
		e.clock().Sub(req.Compiled.TimeResolved.To) < stalenessWindow {
		out.Warnings = append(out.Warnings, "eventual consistency: the newest events may not be visible yet")
	}

	timeout := req.Timeout
	switch {
	case timeout <= 0:
		timeout = defaultTimeout
	case timeout > maxTimeout:
		timeout = maxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	release, err := e.limiter.Acquire(ctx, req.Compiled.TenantID)
	if err != nil {
		return nil, err
	}
	defer release()

	cols, err := selectList(req.Snapshot, req.Select, sortKeys)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s %s LIMIT %d",
		cols, compile.QuoteIdent(e.table), where, orderText, limit+1)

	rs, err := e.queryWithRetry(ctx, sql, eventstore.QueryOptions{
		Consistency:      req.Consistency,
		MaxExecutionTime: timeout,
	})
	if err != nil {
		return nil, err
	}

	out.Meta = rs.Meta
	out.Data = rs.Data
	out.RowsBeforeLimitAtLeast = rs.RowsBeforeLimitAtLeast
	out.Statistics = rs.Statistics

	if len(out.Data) > limit {
		out.Data = out.Data[:limit]
		last := out.Data[limit-1]
		token, err := e.signer.Encode(nextCursor(req.Compiled.TenantID, qh, sortKeys, last))
		if err != nil {
			return nil, apperr.Internal(err)
		}
		out.NextCursor = token
	}
	out.Rows = len(out.Data)
	return out, nil
}

// selectList renders the projected column list. An empty selection means
// every column. Sort key columns are always included so cursors can be
// built from the last row of the page.
func selectList(snap *catalog.Snapshot, selected []string, keys []rule.SortKey) (string, error) {
	if len(selected) == 0 {
		return "*", nil
	}
	seen := make(map[string]bool, len(selected)+len(keys))
	cols := make([]string, 0, len(selected)+len(keys))
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			cols = append(cols, compile.QuoteIdent(name))
		}
	}
	for _, name := range selected {
		if _, ok := snap.Field(name); !ok {
			return "", apperr.Validation("unknown field %q in select", name)
		}
		add(name)
	}
	for _, k := range keys {
		add(k.Field)
	}
	return strings.Join(cols, ", "), nil
}

// queryWithRetry retries exactly once on a store failure. Timeouts and
// client-side errors are not retried.
func (e *Engine) queryWithRetry(ctx context.Context, sql string, opts eventstore.QueryOptions) (*eventstore.ResultSet, error) {
	rs, err := e.store.Query(ctx, sql, opts)
	if err == nil {
		return rs, nil
	}
	if apperr.CodeOf(err) != apperr.CodeExecutionFailure || ctx.Err() != nil {
		return nil, err
	}
	e.logger.WarnContext(ctx, "event store query failed, retrying once", "error", err)
	return e.store.Query(ctx, sql, opts)
}

// resolveSort validates the requested sort and appends the event_id
// tie-break so the total order is deterministic across pages.
func (e *Engine) resolveSort(snap *catalog.Snapshot, sort []rule.SortKey) ([]rule.SortKey, error) {
	if len(sort) == 0 {
		sort = []rule.SortKey{{Field: "time", Dir: rule.SortDesc}}
	}
	out := make([]rule.SortKey, 0, len(sort)+1)
	for _, k := range sort {
		if k.Field == "event_id" {
			return nil, apperr.Validation("event_id is the implicit tie-break key and cannot be sorted explicitly")
		}
		f, ok := snap.Field(k.Field)
		if !ok {
			return nil, apperr.Validation("unknown sort field %q", k.Field)
		}
		if !f.Sortable {
			return nil, apperr.Validation("field %q is not sortable", k.Field)
		}
		switch k.Dir {
		case rule.SortAsc, rule.SortDesc:
		case "":
			k.Dir = rule.SortDesc
		default:
			return nil, apperr.Validation("unknown sort direction %q", k.Dir)
		}
		out = append(out, k)
	}
	return append(out, rule.SortKey{Field: "event_id", Dir: rule.SortAsc}), nil
}

func orderByText(keys []rule.SortKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		dir := "ASC"
		if k.Dir == rule.SortDesc {
			dir = "DESC"
		}
		parts[i] = compile.QuoteIdent(k.Field) + " " + dir
	}
	return "ORDER BY " + strings.Join(parts, ", ")
}

// afterPredicate builds the keyset predicate selecting rows strictly after
// the cursor position in the total sort order. Mixed sort directions rule
// out a tuple comparison, so the lexicographic expansion is spelled out.
func afterPredicate(snap *catalog.Snapshot, keys []rule.SortKey, cur Cursor) (string, error) {
	values := append([]interface{}{}, cur.SortValues...)
	values = append(values, cur.EventID)
	if len(values) != len(keys) {
		return "", apperr.Validation("cursor does not match this query")
	}

	var alternatives []string
	for i, k := range keys {
		var clauses []string
		for j := 0; j < i; j++ {
			lit, err := sortLiteral(snap, keys[j].Field, values[j])
			if err != nil {
				return "", err
			}
			clauses = append(clauses, fmt.Sprintf("%s = %s", compile.QuoteIdent(keys[j].Field), lit))
		}
		lit, err := sortLiteral(snap, k.Field, values[i])
		if err != nil {
			return "", err
		}
		op := ">"
		if k.Dir == rule.SortDesc {
			op = "<"
		}
		clauses = append(clauses, fmt.Sprintf("%s %s %s", compile.QuoteIdent(k.Field), op, lit))
		alternatives = append(alternatives, compile.And(clauses...))
	}

	parts := make([]string, len(alternatives))
	for i, a := range alternatives {
		parts[i] = "(" + a + ")"
	}
	return strings.Join(parts, " OR "), nil
}

// chTimeLayout is how ClickHouse renders DateTime64(3) in JSON output.
const chTimeLayout = "2006-01-02 15:04:05.000"

// sortLiteral renders a cursor value as a literal of the column's type.
func sortLiteral(snap *catalog.Snapshot, field string, value interface{}) (string, error) {
	f, ok := snap.Field(field)
	if !ok {
		if field == "event_id" {
			f = catalog.Field{Name: field, Type: catalog.TypeString}
		} else {
			return "", apperr.Validation("unknown sort field %q", field)
		}
	}

	switch f.Type {
	case catalog.TypeInt, catalog.TypeFloat:
		n, ok := value.(float64)
		if !ok {
			return "", apperr.Validation("cursor value for %q is not numeric", field)
		}
		return compile.NumberLiteral(n), nil
	case catalog.TypeTimestamp:
		s, ok := value.(string)
		if !ok {
			return "", apperr.Validation("cursor value for %q is not a timestamp", field)
		}
		t, err := time.Parse(chTimeLayout, s)
		if err != nil {
			return "", apperr.Validation("cursor value for %q is not a timestamp", field)
		}
		return compile.TimeLiteral(t), nil
	case catalog.TypeBool:
		if b, ok := value.(bool); ok {
			if b {
				return "1", nil
			}
			return "0", nil
		}
		return "", apperr.Validation("cursor value for %q is not a boolean", field)
	default:
		s, ok := value.(string)
		if !ok {
			return "", apperr.Validation("cursor value for %q is not a string", field)
		}
		return compile.StringLiteral(s), nil
	}
}

// nextCursor captures the pagination position after the last served row.
func nextCursor(tenantID, qh string, keys []rule.SortKey, last map[string]interface{}) Cursor {
	values := make([]interface{}, 0, len(keys)-1)
	for _, k := range keys[:len(keys)-1] {
		values = append(values, last[k.Field])
	}
	eventID, _ := last["event_id"].(string)
	return Cursor{
		TenantID:   tenantID,
		QueryHash:  qh,
		SortValues: values,
		EventID:    eventID,
	}
}
