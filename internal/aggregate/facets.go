// Package aggregate computes result-shape summaries over a compiled query's
// matching set: per-field top value counts (facets) and a dense event-count
// timeline. Both reuse the compiled scope predicate so they always describe
// the same matching set as the search itself.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/darkermemo/huntql/common/apperr"
	"github.com/darkermemo/huntql/common/logging"
	"github.com/darkermemo/huntql/internal/catalog"
	"github.com/darkermemo/huntql/internal/compile"
	"github.com/darkermemo/huntql/internal/eventstore"
)

const (
	defaultFacetLimit = 10
	maxFacetLimit     = 100
	maxFacets         = 10
)

// Facet orderings. Count-descending is the default; both break ties by
// value ascending so repeated calls return identical orderings.
const (
	OrderCountDesc = "count_desc"
	OrderValueAsc  = "value_asc"
)

// Service runs aggregate queries against the event store.
type Service struct {
	store  eventstore.Executor
	table  string
	logger *logging.Logger
}

// NewService creates an aggregate Service.
func NewService(store eventstore.Executor, table string, logger *logging.Logger) *Service {
	if table == "" {
		table = "events"
	}
	return &Service{store: store, table: table, logger: logger}
}

// FacetSpec names one field plus the shape of its value list.
type FacetSpec struct {
	Field string `json:"field"`
	// Limit caps the value list. Zero takes the default; values past the
	// hard cap are clamped.
	Limit int `json:"limit,omitempty"`
	// OrderBy is count_desc (default) or value_asc.
	OrderBy string `json:"order_by,omitempty"`
}

// FacetRequest asks for value counts over one or more fields.
type FacetRequest struct {
	Compiled    *compile.CompiledQuery
	Snapshot    *catalog.Snapshot
	Facets      []FacetSpec
	Consistency eventstore.Consistency
	Timeout     time.Duration
}

// FacetValue is one value and its occurrence count.
type FacetValue struct {
	Value string `json:"value"`
	Count uint64 `json:"count"`
}

// FacetResult is the top values of one field over the matching set.
type FacetResult struct {
	Field  string       `json:"field"`
	Values []FacetValue `json:"values"`
}

// Facets computes value counts for each requested facet. Every ordering
// breaks ties by value ascending, so repeated calls return identical
// orderings.
func (s *Service) Facets(ctx context.Context, req FacetRequest) ([]FacetResult, error) {
	if len(req.Facets) == 0 {
		return nil, apperr.Validation("at least one facet is required")
	}
	if len(req.Facets) > maxFacets {
		return nil, apperr.Validation("at most %d facets per request, got %d", maxFacets, len(req.Facets))
	}

	for i := range req.Facets {
		spec := &req.Facets[i]
		f, ok := req.Snapshot.Field(spec.Field)
		if !ok {
			return nil, apperr.Validation("unknown facet field %q", spec.Field)
		}
		if !f.Facetable {
			return nil, apperr.Validation("field %q is not facetable", spec.Field)
		}
		switch {
		case spec.Limit <= 0:
			spec.Limit = defaultFacetLimit
		case spec.Limit > maxFacetLimit:
			spec.Limit = maxFacetLimit
		}
		switch spec.OrderBy {
		case "":
			spec.OrderBy = OrderCountDesc
		case OrderCountDesc, OrderValueAsc:
		default:
			return nil, apperr.Validation("facet %q: unknown order_by %q", spec.Field, spec.OrderBy)
		}
	}

	opts := eventstore.QueryOptions{Consistency: req.Consistency, MaxExecutionTime: req.Timeout}
	out := make([]FacetResult, 0, len(req.Facets))
	for _, spec := range req.Facets {
		order := "cnt DESC, value ASC"
		if spec.OrderBy == OrderValueAsc {
			order = "value ASC"
		}
		sql := fmt.Sprintf(
			"SELECT toString(%s) AS value, count() AS cnt FROM %s WHERE %s GROUP BY value ORDER BY %s LIMIT %d",
			compile.QuoteIdent(spec.Field), compile.QuoteIdent(s.table), req.Compiled.WhereText, order, spec.Limit)

		rs, err := s.store.Query(ctx, sql, opts)
		if err != nil {
			return nil, err
		}

		facet := FacetResult{Field: spec.Field, Values: make([]FacetValue, 0, len(rs.Data))}
		for _, row := range rs.Data {
			v, _ := row["value"].(string)
			facet.Values = append(facet.Values, FacetValue{Value: v, Count: asUint64(row["cnt"])})
		}
		out = append(out, facet)
	}
	return out, nil
}

func asUint64(v interface{}) uint64 {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case uint64:
		return n
	case int64:
		if n < 0 {
			return 0
		}
		return uint64(n)
	}
	return 0
}
