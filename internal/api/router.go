package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))
	r.Use(PrincipalMiddleware)

	r.Get("/models", h.ListModels)
	r.Get("/models/{model}/schema", h.GetSchema)

	r.Route("/records/{model}", func(r chi.Router) {
		r.Get("/", h.ListRecords)
		r.Post("/", h.CreateRecord)
		r.Get("/{id}", h.GetRecord)
		r.Patch("/{id}", h.UpdateRecord)
		r.Delete("/{id}", h.DeleteRecord)
		r.Post("/{id}/restore", h.RestoreRecord)
	})

	r.Get("/stats", h.Stats)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
