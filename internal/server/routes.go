package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Tyrowin/gochat/internal/metrics"
)

// Routes returns the HTTP surface: liveness, health, the WebSocket
// endpoint, metrics when a gatherer is set and the file endpoints when file
// transfers are enabled.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.RootHandler)
	r.Get("/health", s.HealthHandler)
	r.HandleFunc("/ws", s.WebSocketHandler)

	if s.gatherer != nil {
		r.Handle("/metrics", metrics.Handler(s.gatherer))
	}

	if s.files != nil {
		r.Route("/files", func(r chi.Router) {
			r.Post("/", s.UploadHandler)
			r.Get("/{id}", s.DownloadHandler)
		})
	}

	return r
}
