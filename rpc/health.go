package rpc

import (
	"net/http"

	"ainp/storage"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports per-dependency reachability: the relational store, the
// anti-fraud cache, and the push transport.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	deps := map[string]string{
		"store":     "ok",
		"cache":     "ok",
		"transport": "ok",
	}
	healthy := true
	if err := storage.Ping(s.deps.DB); err != nil {
		deps["store"] = err.Error()
		healthy = false
	}
	if err := s.deps.Cache.Ping(r.Context()); err != nil {
		deps["cache"] = err.Error()
		healthy = false
	}
	if s.deps.Hub == nil {
		deps["transport"] = "push hub not configured"
		healthy = false
	}

	status := http.StatusOK
	overall := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	s.writeJSON(w, status, map[string]any{"status": overall, "dependencies": deps})
}
