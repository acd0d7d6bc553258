package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/chainflow/internal/runtime/breaker"
	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
)

// StartAdminServer registers the admin API when enabled.
func (s *Service) StartAdminServer() {
	if !s.Conf.AdminEnabled {
		return
	}

	port := s.Conf.AdminPort
	if port == 0 {
		port = 8081
	}

	s.RegisterHTTPHandler(port, "/api/processors", http.HandlerFunc(s.handleGetProcessors))
	s.RegisterHTTPHandler(port, "/api/breakers", http.HandlerFunc(s.handleGetBreakers))
}

func (s *Service) handleGetProcessors(w http.ResponseWriter, r *http.Request) {
	s.writeAdminJSON(w, r, s.Processors())
}

func (s *Service) handleGetBreakers(w http.ResponseWriter, r *http.Request) {
	snapshots := []breaker.Snapshot{}
	if s.breakers != nil {
		snapshots = append(snapshots, s.breakers.Snapshots()...)
	}
	s.writeAdminJSON(w, r, snapshots)
}

func (s *Service) writeAdminJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")

	if len(s.Conf.AdminCORSAllowedOrigins) > 0 {
		if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode admin response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.AdminCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
