package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/darkermemo/huntql/common/apperr"
	"github.com/darkermemo/huntql/common/middleware"
	"github.com/darkermemo/huntql/internal/catalog"
	"github.com/darkermemo/huntql/internal/metrics"
	"github.com/darkermemo/huntql/internal/rule"
	"github.com/darkermemo/huntql/internal/tail"
)

// Tail handles GET /api/v1/tail as a server-sent event stream. The query is
// taken from the q parameter; the stream runs until the client disconnects
// or the session errors out.
func (h *Handler) Tail(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	if h.openTails.Load() >= h.maxTails {
		h.observe(w, r, "tail", start, apperr.Validation("too many open tail sessions"))
		return
	}

	scope := middleware.GetTenantScope(r.Context())
	q, err := rule.ParseQuery(r.URL.Query().Get("q"))
	if err != nil {
		h.observe(w, r, "tail", start, apperr.Validation("%s", err.Error()))
		return
	}

	// The window only seeds the compiler; tailing follows the watermark.
	lastSeconds := uint64(60)
	if raw := r.URL.Query().Get("last_seconds"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			h.observe(w, r, "tail", start, apperr.Validation("invalid last_seconds %q", raw))
			return
		}
		lastSeconds = n
	}

	snap := catalog.Load(r.Context(), h.catalog, scope)
	cq, err := h.compiler.CompileSearch(snap, scope, rule.TimeRange{LastSeconds: lastSeconds}, q, scope)
	if err != nil {
		h.observe(w, r, "tail", start, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.openTails.Add(1)
	metrics.TailSessions.Inc()
	defer func() {
		h.openTails.Add(-1)
		metrics.TailSessions.Dec()
	}()

	session := tail.NewSession(h.store, h.table, cq, h.tailCfg, h.logger)
	go session.Run(r.Context())

	for ev := range session.Events() {
		if err := writeSSE(w, ev); err != nil {
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, ev tail.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
