package server

import (
	"log/slog"
	"net/http"

	"github.com/Tyrowin/gochat/internal/config"
)

func (s *Server) isOriginAllowed(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := config.NormalizeOrigin(originHeader)
	if !ok {
		return false
	}

	if s.cfg.AllowAll {
		return true
	}

	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == normalizedOrigin {
			return true
		}
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.isOriginAllowed(r) {
		return true
	}

	s.logger.Warn("blocked websocket connection from disallowed origin", slog.String("origin", r.Header.Get("Origin")))
	return false
}
