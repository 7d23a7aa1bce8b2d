package handlers

import (
	"net/http"

	"github.com/darkermemo/huntql/common/httputil"
	"github.com/darkermemo/huntql/common/middleware"
	"github.com/darkermemo/huntql/internal/catalog"
)

// SchemaFields handles GET /api/v1/schema/fields, returning the tenant's
// effective field catalog.
func (h *Handler) SchemaFields(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantScope(r.Context())
	snap := catalog.Load(r.Context(), h.catalog, tenant)

	resp := map[string]interface{}{"fields": snap.Fields()}
	if snap.Degraded() {
		resp["degraded"] = true
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// SchemaEnums handles GET /api/v1/schema/enums.
func (h *Handler) SchemaEnums(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantScope(r.Context())
	snap := catalog.Load(r.Context(), h.catalog, tenant)

	resp := map[string]interface{}{"enums": snap.Enums()}
	if snap.Degraded() {
		resp["degraded"] = true
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
