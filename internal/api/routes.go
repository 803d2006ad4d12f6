package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zoravur/expstream/internal/experiment"
	"github.com/zoravur/expstream/internal/sink"
)

func SetupRoutes(reg *sink.Registry, eng *experiment.Engine) http.Handler {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware)

	ws := &WSHandler{Registry: reg}
	h := &handlers{reg: reg, eng: eng}

	r.Route("/api", func(r chi.Router) {
		r.Get("/tables", h.listTables)
		r.Get("/tables/{name}", h.tableRows)
		r.Get("/ws", ws.HandleWS)

		r.Get("/experiments", h.listExperiments)
		r.Put("/experiments/{id}", h.startExperiment)
		r.Get("/experiments/{id}", h.experimentStatus)
		r.Delete("/experiments/{id}", h.stopExperiment)
		r.Post("/experiments/{id}/graphs", h.addGraph)
		r.Post("/experiments/{id}/complete", h.completeExperiment)
	})

	return r
}
