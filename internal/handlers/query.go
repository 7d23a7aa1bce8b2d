package handlers

import (
	"math"
	"net/http"
	"time"

	"github.com/darkermemo/huntql/common/apperr"
	"github.com/darkermemo/huntql/common/httputil"
	"github.com/darkermemo/huntql/internal/aggregate"
	"github.com/darkermemo/huntql/internal/compile"
	"github.com/darkermemo/huntql/internal/eventstore"
	"github.com/darkermemo/huntql/internal/execute"
	"github.com/darkermemo/huntql/internal/rule"
)

type compileResponse struct {
	NormalizedQ string      `json:"normalized_q"`
	AST         *rule.Query `json:"ast"`
	*compile.CompiledQuery
}

// Compile handles POST /api/v1/compile. It validates and lowers a query
// without touching the event store.
func (h *Handler) Compile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req searchRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.observe(w, r, "compile", start, validationErr(err))
		return
	}

	q := req.AST
	if q == nil {
		parsed, err := rule.ParseQuery(req.Q)
		if err != nil {
			h.observe(w, r, "compile", start, validationErr(err))
			return
		}
		q = parsed
	}
	req.AST = q

	cq, _, err := h.compileSearch(r, req)
	if err != nil {
		h.observe(w, r, "compile", start, err)
		return
	}

	h.observe(w, r, "compile", start, nil)
	httputil.WriteJSON(w, http.StatusOK, compileResponse{
		NormalizedQ:   q.Normalize(),
		AST:           q,
		CompiledQuery: cq,
	})
}

type executeRequest struct {
	searchRequest
	Select      []string       `json:"select,omitempty"`
	Sort        []rule.SortKey `json:"sort,omitempty"`
	Limit       int            `json:"limit,omitempty"`
	Cursor      string         `json:"cursor,omitempty"`
	Sampling    *samplingSpec  `json:"sampling,omitempty"`
	Consistency string         `json:"consistency,omitempty"`
	TimeoutMS   int            `json:"timeout_ms,omitempty"`
	// RequestID is accepted for client-side correlation; the response
	// echoes the transport-level header either way.
	RequestID string `json:"request_id,omitempty"`
}

// samplingSpec asks for a deterministic subset of the matching rows.
type samplingSpec struct {
	Ratio float64 `json:"ratio"`
}

// sampleN converts the requested ratio to the engine's 1-in-N form.
func (s *samplingSpec) sampleN() (uint64, error) {
	if s == nil {
		return 0, nil
	}
	if s.Ratio <= 0 || s.Ratio > 1 {
		return 0, apperr.Validation("sampling.ratio must be in (0, 1], got %v", s.Ratio)
	}
	return uint64(math.Round(1 / s.Ratio)), nil
}

type executePage struct {
	Rows                   int                      `json:"rows"`
	RowsBeforeLimitAtLeast int                      `json:"rows_before_limit_at_least"`
	Meta                   []eventstore.Column      `json:"meta"`
	Data                   []map[string]interface{} `json:"data"`
	Statistics             eventstore.Statistics    `json:"statistics"`
}

type executeResponse struct {
	Data       executePage `json:"data"`
	NextCursor string      `json:"next_cursor,omitempty"`
	SQL        string      `json:"sql"`
	TookMS     int64       `json:"took_ms"`
	Warnings   []string    `json:"warnings,omitempty"`
}

// Execute handles POST /api/v1/execute. One call returns one page.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req executeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.observe(w, r, "search", start, validationErr(err))
		return
	}

	sampleN, err := req.Sampling.sampleN()
	if err != nil {
		h.observe(w, r, "search", start, err)
		return
	}

	cq, snap, err := h.compileSearch(r, req.searchRequest)
	if err != nil {
		h.observe(w, r, "search", start, err)
		return
	}

	res, err := h.engine.Execute(r.Context(), execute.Request{
		Compiled:    cq,
		Snapshot:    snap,
		Limit:       req.Limit,
		Cursor:      req.Cursor,
		Select:      req.Select,
		Sort:        req.Sort,
		SampleN:     sampleN,
		Consistency: eventstore.Consistency(req.Consistency),
		Timeout:     time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		h.observe(w, r, "search", start, err)
		return
	}

	h.observe(w, r, "search", start, nil)
	httputil.WriteJSON(w, http.StatusOK, executeResponse{
		Data: executePage{
			Rows:                   res.Rows,
			RowsBeforeLimitAtLeast: res.RowsBeforeLimitAtLeast,
			Meta:                   res.Meta,
			Data:                   res.Data,
			Statistics:             res.Statistics,
		},
		NextCursor: res.NextCursor,
		SQL:        cq.Text,
		TookMS:     time.Since(start).Milliseconds(),
		Warnings:   res.Warnings,
	})
}

type facetsRequest struct {
	searchRequest
	Facets      []aggregate.FacetSpec `json:"facets"`
	Consistency string                `json:"consistency,omitempty"`
}

type facetsResponse struct {
	Facets   map[string][]aggregate.FacetValue `json:"facets"`
	TookMS   int64                             `json:"took_ms"`
	Warnings []string                          `json:"warnings,omitempty"`
}

// Facets handles POST /api/v1/facets.
func (h *Handler) Facets(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req facetsRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.observe(w, r, "facets", start, validationErr(err))
		return
	}

	cq, snap, err := h.compileSearch(r, req.searchRequest)
	if err != nil {
		h.observe(w, r, "facets", start, err)
		return
	}

	facets, err := h.agg.Facets(r.Context(), aggregate.FacetRequest{
		Compiled:    cq,
		Snapshot:    snap,
		Facets:      req.Facets,
		Consistency: eventstore.Consistency(req.Consistency),
	})
	if err != nil {
		h.observe(w, r, "facets", start, err)
		return
	}

	byField := make(map[string][]aggregate.FacetValue, len(facets))
	for _, f := range facets {
		byField[f.Field] = f.Values
	}

	h.observe(w, r, "facets", start, nil)
	httputil.WriteJSON(w, http.StatusOK, facetsResponse{
		Facets:   byField,
		TookMS:   time.Since(start).Milliseconds(),
		Warnings: cq.Warnings,
	})
}

type timelineRequest struct {
	searchRequest
	IntervalMS  uint64 `json:"interval_ms"`
	Consistency string `json:"consistency,omitempty"`
}

type timelineResponse struct {
	Buckets  []aggregate.TimelineBucket `json:"buckets"`
	TookMS   int64                      `json:"took_ms"`
	Warnings []string                   `json:"warnings,omitempty"`
}

// Timeline handles POST /api/v1/timeline.
func (h *Handler) Timeline(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req timelineRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.observe(w, r, "timeline", start, validationErr(err))
		return
	}

	cq, _, err := h.compileSearch(r, req.searchRequest)
	if err != nil {
		h.observe(w, r, "timeline", start, err)
		return
	}

	buckets, err := h.agg.Timeline(r.Context(), aggregate.TimelineRequest{
		Compiled:    cq,
		IntervalMS:  req.IntervalMS,
		Consistency: eventstore.Consistency(req.Consistency),
	})
	if err != nil {
		h.observe(w, r, "timeline", start, err)
		return
	}

	h.observe(w, r, "timeline", start, nil)
	httputil.WriteJSON(w, http.StatusOK, timelineResponse{
		Buckets:  buckets,
		TookMS:   time.Since(start).Milliseconds(),
		Warnings: cq.Warnings,
	})
}
