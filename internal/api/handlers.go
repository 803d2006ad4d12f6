package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zoravur/expstream/internal/experiment"
	"github.com/zoravur/expstream/internal/sink"
)

const maxBody = 1 << 20

type handlers struct {
	reg *sink.Registry
	eng *experiment.Engine
}

func (h *handlers) listExperiments(w http.ResponseWriter, r *http.Request) {
	out := []experiment.Status{}
	for _, id := range h.eng.IDs() {
		if run, ok := h.eng.Get(id); ok {
			out = append(out, run.Status())
		}
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (h *handlers) startExperiment(w http.ResponseWriter, r *http.Request) {
	run, err := h.eng.Start(chi.URLParam(r, "id"))
	if err != nil {
		L(r.Context()).Warn("starting experiment", zap.Error(err))
		writeError(w, r, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, run.Status())
}

func (h *handlers) experimentStatus(w http.ResponseWriter, r *http.Request) {
	run, ok := h.eng.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, experiment.ErrUnknownExperiment.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, run.Status())
}

func (h *handlers) stopExperiment(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.Stop(chi.URLParam(r, "id")); err != nil {
		h.engineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) completeExperiment(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.Complete(chi.URLParam(r, "id")); err != nil {
		h.engineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// addGraph accepts {"name": ..., "mstreams": [{"name": ..., "sql": ...}],
// "render_options": {...}}.
func (h *handlers) addGraph(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid body")
		return
	}
	var g experiment.Graph
	if err := json.Unmarshal(body, &g); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if g.GraphName == "" || len(g.MStreams) == 0 {
		writeError(w, r, http.StatusBadRequest, "graph needs a name and at least one stream")
		return
	}
	names := make(map[string]bool, len(g.MStreams))
	for _, s := range g.MStreams {
		if s.Name == "" || s.SQL == "" {
			writeError(w, r, http.StatusBadRequest, "every stream needs a name and sql")
			return
		}
		if names[s.Name] {
			writeError(w, r, http.StatusBadRequest, "duplicate stream name "+s.Name)
			return
		}
		names[s.Name] = true
	}

	if err := h.eng.AddGraph(chi.URLParam(r, "id"), &g); err != nil {
		h.engineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) engineError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, experiment.ErrUnknownExperiment) {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	L(r.Context()).Error("engine request failed", zap.Error(err))
	writeError(w, r, http.StatusInternalServerError, err.Error())
}
