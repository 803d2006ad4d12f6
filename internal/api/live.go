package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func (h *handlers) listTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.reg.SnapshotView())
}

// tableRows returns a window of a table's rows. offset and limit default to
// 0 and "everything".
func (h *handlers) tableRows(w http.ResponseWriter, r *http.Request) {
	t, ok := h.reg.Get(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown table")
		return
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad offset")
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad limit")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"id":     t.ID,
		"name":   t.Name,
		"schema": t.Schema,
		"total":  t.Len(),
		"offset": offset,
		"rows":   t.Rows(offset, limit),
	})
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L(r.Context()).Warn("encoding response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}
