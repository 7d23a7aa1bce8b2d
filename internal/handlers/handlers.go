// Package handlers implements the huntql HTTP API.
package handlers

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/darkermemo/huntql/common/apperr"
	"github.com/darkermemo/huntql/common/httputil"
	"github.com/darkermemo/huntql/common/logging"
	"github.com/darkermemo/huntql/common/middleware"
	"github.com/darkermemo/huntql/internal/aggregate"
	"github.com/darkermemo/huntql/internal/catalog"
	"github.com/darkermemo/huntql/internal/compile"
	"github.com/darkermemo/huntql/internal/detection"
	"github.com/darkermemo/huntql/internal/eventstore"
	"github.com/darkermemo/huntql/internal/execute"
	"github.com/darkermemo/huntql/internal/metrics"
	"github.com/darkermemo/huntql/internal/rule"
	"github.com/darkermemo/huntql/internal/tail"
)

// Handler serves all search, aggregation, tail and detection endpoints.
type Handler struct {
	compiler   *compile.Compiler
	engine     *execute.Engine
	agg        *aggregate.Service
	catalog    catalog.Provider
	detections *detection.Service
	store      eventstore.Executor
	table      string
	tailCfg    tail.Config
	maxTails   int64
	openTails  atomic.Int64
	logger     *logging.Logger
}

// Config wires a Handler's collaborators.
type Config struct {
	Compiler   *compile.Compiler
	Engine     *execute.Engine
	Aggregator *aggregate.Service
	Catalog    catalog.Provider
	Detections *detection.Service
	Store      eventstore.Executor
	Table      string
	Tail       tail.Config
	MaxTails   int
	Logger     *logging.Logger
}

// New creates a Handler.
func New(cfg Config) *Handler {
	maxTails := cfg.MaxTails
	if maxTails <= 0 {
		maxTails = 50
	}
	table := cfg.Table
	if table == "" {
		table = "events"
	}
	return &Handler{
		compiler:   cfg.Compiler,
		engine:     cfg.Engine,
		agg:        cfg.Aggregator,
		catalog:    cfg.Catalog,
		detections: cfg.Detections,
		store:      cfg.Store,
		table:      table,
		tailCfg:    cfg.Tail,
		maxTails:   int64(maxTails),
		logger:     cfg.Logger,
	}
}

// HealthCheck reports liveness plus event store reachability.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		h.logger.WarnContext(r.Context(), "event store ping failed", "error", err)
	}
	httputil.WriteJSON(w, code, map[string]string{"status": status})
}

// searchRequest is the body shared by compile, execute, facets and timeline.
// When ast is present it takes precedence over q.
type searchRequest struct {
	TenantID string         `json:"tenant_id,omitempty"`
	Time     rule.TimeRange `json:"time"`
	Q        string         `json:"q,omitempty"`
	AST      *rule.Query    `json:"ast,omitempty"`
	Options  *searchOptions `json:"options,omitempty"`
}

// searchOptions tunes compilation. coerce_types defaults to on.
type searchOptions struct {
	CoerceTypes       *bool  `json:"coerce_types,omitempty"`
	DefaultField      string `json:"default_field,omitempty"`
	MaxRegexRuntimeMS int    `json:"max_regex_runtime_ms,omitempty"`
}

func (o *searchOptions) compileOptions() compile.SearchOptions {
	opts := compile.SearchOptions{CoerceTypes: true}
	if o == nil {
		return opts
	}
	if o.CoerceTypes != nil {
		opts.CoerceTypes = *o.CoerceTypes
	}
	opts.DefaultField = o.DefaultField
	opts.MaxRegexRuntimeMS = o.MaxRegexRuntimeMS
	return opts
}

// compileSearch resolves the tenant, loads the field catalog and compiles
// the request's query. The authorized scope comes from the request context;
// a body tenant that disagrees with it is rejected by the tenant guard.
func (h *Handler) compileSearch(r *http.Request, req searchRequest) (*compile.CompiledQuery, *catalog.Snapshot, error) {
	scope := middleware.GetTenantScope(r.Context())
	tenant := req.TenantID
	if tenant == "" {
		tenant = scope
	}

	q := req.AST
	if q == nil {
		parsed, err := rule.ParseQuery(req.Q)
		if err != nil {
			return nil, nil, apperr.Validation("%s", err.Error())
		}
		q = parsed
	}

	snap := catalog.Load(r.Context(), h.catalog, tenant)
	cq, err := h.compiler.CompileSearchOpts(snap, tenant, req.Time, q, scope, req.Options.compileOptions())
	if err != nil {
		return nil, nil, err
	}
	if snap.Degraded() {
		cq.Warnings = append(cq.Warnings, "field catalog degraded to built-in schema")
	}
	return cq, snap, nil
}

func validationErr(err error) error {
	return apperr.Validation("%s", err.Error())
}

// observe records per-request metrics and writes the error response when
// err is non-nil.
func (h *Handler) observe(w http.ResponseWriter, r *http.Request, kind string, start time.Time, err error) {
	metrics.QueryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.QueriesTotal.WithLabelValues(kind, "ok").Inc()
		return
	}
	code := apperr.CodeOf(err)
	metrics.QueriesTotal.WithLabelValues(kind, string(code)).Inc()
	if code == apperr.CodeSafetyRejected {
		if appErr := apperr.As(err); appErr != nil {
			if guard, ok := appErr.Details["guard"].(string); ok {
				metrics.GuardRejections.WithLabelValues(guard).Inc()
			}
		}
	}
	httputil.WriteError(w, r, err)
}
