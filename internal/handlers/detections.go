package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/darkermemo/huntql/common/apperr"
	"github.com/darkermemo/huntql/common/httputil"
	"github.com/darkermemo/huntql/common/middleware"
	"github.com/darkermemo/huntql/internal/detection"
)

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid detection id %q", r.PathValue("id"))
	}
	return id, nil
}

// CreateDetection handles POST /api/v1/detections.
func (h *Handler) CreateDetection(w http.ResponseWriter, r *http.Request) {
	var rec detection.Record
	if err := httputil.DecodeJSON(r, &rec); err != nil {
		httputil.WriteError(w, r, validationErr(err))
		return
	}
	rec.TenantID = middleware.GetTenantScope(r.Context())

	created, err := h.detections.Create(r.Context(), &rec)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, created)
}

// ListDetections handles GET /api/v1/detections.
func (h *Handler) ListDetections(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantScope(r.Context())
	page := httputil.ParsePagination(r, 50, 500)
	includeDisabled := r.URL.Query().Get("include_disabled") == "true"

	recs, total, err := h.detections.List(r.Context(), tenant, includeDisabled, page.Limit, page.Offset())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	page.Total = total
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"detections": recs,
		"pagination": page,
	})
}

// GetDetection handles GET /api/v1/detections/{id}.
func (h *Handler) GetDetection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	rec, err := h.detections.Get(r.Context(), middleware.GetTenantScope(r.Context()), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

// UpdateDetection handles PUT /api/v1/detections/{id}. The body must carry
// the version being replaced; a stale version is rejected.
func (h *Handler) UpdateDetection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	var rec detection.Record
	if err := httputil.DecodeJSON(r, &rec); err != nil {
		httputil.WriteError(w, r, validationErr(err))
		return
	}
	rec.ID = id
	rec.TenantID = middleware.GetTenantScope(r.Context())

	updated, err := h.detections.Update(r.Context(), &rec)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

// EnableDetection handles POST /api/v1/detections/{id}/enable.
func (h *Handler) EnableDetection(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// DisableDetection handles POST /api/v1/detections/{id}/disable.
func (h *Handler) DisableDetection(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	tenant := middleware.GetTenantScope(r.Context())
	if err := h.detections.SetEnabled(r.Context(), tenant, id, enabled, tenant); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"id": id, "enabled": enabled})
}

// DeleteDetection handles DELETE /api/v1/detections/{id}. Soft delete by
// default; force=true removes the record and refuses when runs with
// findings reference it.
func (h *Handler) DeleteDetection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	tenant := middleware.GetTenantScope(r.Context())
	force := r.URL.Query().Get("force") == "true"
	if err := h.detections.Delete(r.Context(), tenant, id, tenant, force); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DetectionRuns handles GET /api/v1/detections/{id}/runs.
func (h *Handler) DetectionRuns(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	limit := httputil.ParseIntParam(r.URL.Query().Get("limit"), 20)
	runs, err := h.detections.Runs(r.Context(), middleware.GetTenantScope(r.Context()), id, limit)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// RunDetection handles POST /api/v1/detections/{id}/run, evaluating the
// detection immediately and publishing any findings.
func (h *Handler) RunDetection(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := pathID(r)
	if err != nil {
		h.observe(w, r, "detection", start, err)
		return
	}
	run, findings, err := h.detections.RunOnce(r.Context(), middleware.GetTenantScope(r.Context()), id)
	if err != nil {
		h.observe(w, r, "detection", start, err)
		return
	}
	h.observe(w, r, "detection", start, nil)
	httputil.WriteJSON(w, http.StatusOK, runOnceResponse{
		OK:        run.Status == detection.RunSucceeded,
		StartedAt: run.StartedAt,
		JobID:     run.ID,
		Run:       run,
		Findings:  findings,
	})
}

type runOnceResponse struct {
	OK        bool                `json:"ok"`
	StartedAt time.Time           `json:"started_at"`
	JobID     uuid.UUID           `json:"job_id"`
	Run       *detection.Run      `json:"run"`
	Findings  []detection.Finding `json:"findings,omitempty"`
}

// TestDetection handles POST /api/v1/detections/test. It compiles and
// evaluates a candidate without persisting or publishing anything.
func (h *Handler) TestDetection(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var rec detection.Record
	if err := httputil.DecodeJSON(r, &rec); err != nil {
		h.observe(w, r, "detection", start, validationErr(err))
		return
	}
	rec.TenantID = middleware.GetTenantScope(r.Context())
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	res, err := h.detections.Test(r.Context(), &rec)
	if err != nil {
		h.observe(w, r, "detection", start, err)
		return
	}
	h.observe(w, r, "detection", start, nil)
	httputil.WriteJSON(w, http.StatusOK, res)
}
