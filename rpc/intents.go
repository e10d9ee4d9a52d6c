package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"ainp/pipeline"
	"ainp/router"
)

// handleSendIntent admits a signed envelope through the full pipeline and
// routes it.
func (s *Server) handleSendIntent(w http.ResponseWriter, r *http.Request) {
	var env pipeline.Envelope
	if !s.decode(w, r, &env) {
		return
	}
	res, fault := s.deps.Pipeline.Admit(r.Context(), &env, clientIP(r))
	if fault != nil {
		s.writeFault(w, fault)
		return
	}
	if res.Degraded {
		w.Header().Set("X-RateLimit-Degraded", "true")
	}

	delivery, err := s.deps.Router.Route(r.Context(), &env, res.Intent)
	if err != nil {
		if errors.Is(err, router.ErrNoRoute) {
			s.writeKind(w, pipeline.KindNotFound, "no recipient for envelope")
			return
		}
		s.writeKind(w, pipeline.KindInternal, "routing failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "routed",
		"delivery": delivery,
	})
}

// wsIngress runs envelopes received over the push channel through the same
// admission path as HTTP sends.
func (s *Server) wsIngress(ctx context.Context, from string, data []byte) error {
	var env pipeline.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("malformed envelope frame: %w", err)
	}
	if env.FromDID != from {
		return fmt.Errorf("envelope sender %q does not match stream DID", env.FromDID)
	}
	res, fault := s.deps.Pipeline.Admit(ctx, &env, "")
	if fault != nil {
		return fault
	}
	if _, err := s.deps.Router.Route(ctx, &env, res.Intent); err != nil {
		return err
	}
	return nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
