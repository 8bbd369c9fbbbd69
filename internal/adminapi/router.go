package adminapi

import (
	"github.com/go-chi/chi/v5"

	"github.com/iotedge-spiffe/workload-identity/internal/httpcore"
)

// NewRouter mounts AdminApi's endpoints. It is served only on the admin
// Unix domain socket, so it carries no CORS and no bearer-auth middleware
// (spec §4.9: "reached only on an internal socket; no further authz").
func NewRouter(handlers *Handlers) chi.Router {
	r := httpcore.NewRouter(httpcore.RouterOptions{})

	r.Get("/entries", handlers.handleListEntries)
	r.Post("/entries", handlers.handleCreateEntries)
	r.Put("/entries", handlers.handleUpdateEntries)
	r.Delete("/entries", handlers.handleDeleteEntries)
	r.Post("/select-listEntries", handlers.handleSelectListEntries)
	r.Post("/configuration", handlers.handleConfiguration)

	return r
}
