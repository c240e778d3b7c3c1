package server

import (
	"net/http"

	"github.com/cookclip/importer/internal/importjob"
	"github.com/cookclip/importer/internal/recipe"
)

// NewHandler creates the full HTTP handler with routes and middleware.
// Exported for use in tests (e.g., httptest.NewServer).
func NewHandler(jobSvc *importjob.Service, recipeSvc *recipe.Service, serviceToken string) http.Handler {
	return newMux(jobSvc, recipeSvc, serviceToken)
}

func newMux(jobSvc *importjob.Service, recipeSvc *recipe.Service, serviceToken string) http.Handler {
	h := &handler{
		jobSvc:    jobSvc,
		recipeSvc: recipeSvc,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /api/v1/import-jobs", h.createJob)
	mux.HandleFunc("GET /api/v1/import-jobs/{id}", h.getJob)
	mux.HandleFunc("GET /api/v1/recipes/{id}", h.getRecipe)

	// Worker-facing endpoints, shared-credential only.
	internal := http.NewServeMux()
	internal.HandleFunc("GET /internal/v1/jobs/{id}", h.internalGetJob)
	internal.HandleFunc("POST /internal/v1/jobs/{id}/status", h.updateStatus)
	internal.HandleFunc("POST /internal/v1/jobs/{id}/recipe", h.createRecipeFromJob)
	internal.HandleFunc("PUT /internal/v1/jobs/{id}/transcript", h.storeTranscript)
	internal.HandleFunc("GET /internal/v1/jobs/{id}/transcript", h.getTranscript)
	mux.Handle("/internal/v1/", serviceAuth(serviceToken)(internal))

	// Apply middleware stack: recovery -> requestID -> logging
	var handler http.Handler = mux
	handler = logging(handler)
	handler = requestID(handler)
	handler = recovery(handler)

	return handler
}
