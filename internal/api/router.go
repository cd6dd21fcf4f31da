package api

import (
	"net/http"

	mw "github.com/arkhaul/arkhaul/internal/api/middleware"
	"github.com/arkhaul/arkhaul/internal/api/response"
	"github.com/go-chi/chi/v5"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	SubmitDownload http.HandlerFunc
	ListDownloads  http.HandlerFunc
	ClearDownloads http.HandlerFunc
	DownloadEvents http.HandlerFunc

	SubmitUpload http.HandlerFunc
	ListUploads  http.HandlerFunc
	ClearUploads http.HandlerFunc
	UploadEvents http.HandlerFunc

	GetJob    http.HandlerFunc
	CancelJob http.HandlerFunc
}

// NewRouter builds the Chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Route("/api/downloads", func(r chi.Router) {
			r.Post("/", orNotImplemented(deps.SubmitDownload))
			r.Get("/", orNotImplemented(deps.ListDownloads))
			r.Delete("/", orNotImplemented(deps.ClearDownloads))
			r.Get("/events", orNotImplemented(deps.DownloadEvents))
			r.Get("/{jobID}", orNotImplemented(deps.GetJob))
			r.Delete("/{jobID}", orNotImplemented(deps.CancelJob))
		})

		r.Route("/api/uploads", func(r chi.Router) {
			r.Post("/", orNotImplemented(deps.SubmitUpload))
			r.Get("/", orNotImplemented(deps.ListUploads))
			r.Delete("/", orNotImplemented(deps.ClearUploads))
			r.Get("/events", orNotImplemented(deps.UploadEvents))
			r.Get("/{jobID}", orNotImplemented(deps.GetJob))
			r.Delete("/{jobID}", orNotImplemented(deps.CancelJob))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
