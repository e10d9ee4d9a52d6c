package rpc

import (
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ainp/crypto"
	"ainp/discovery"
	"ainp/pipeline"
)

type registerRequest struct {
	Address      string                   `json:"address"`
	TTLMillis    int64                    `json:"ttl_ms"`
	Capabilities []discovery.CapabilityAd `json:"capabilities"`
}

// handleRegisterAgent registers or refreshes the caller's advertisement and
// opens its credit account if missing.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	did, ok := s.requireDID(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	pub, err := crypto.PublicKeyOf(did)
	if err != nil {
		s.writeKind(w, pipeline.KindSignatureError, "malformed DID")
		return
	}
	ttl := time.Duration(req.TTLMillis) * time.Millisecond
	if ttl <= 0 {
		ttl = time.Hour
	}
	err = s.deps.Index.Advertise(r.Context(), discovery.Advertisement{
		DID:          did,
		PublicKey:    pub,
		Address:      req.Address,
		TTL:          ttl,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		switch {
		case errors.Is(err, discovery.ErrDimensionMismatch), errors.Is(err, discovery.ErrEmptyAdvertisement):
			s.writeKind(w, pipeline.KindInvalidRequest, err.Error())
		default:
			s.writeKind(w, pipeline.KindInternal, "advertise failed")
		}
		return
	}

	credits := "0"
	if s.deps.Config.Features.Ledger {
		account, err := s.deps.Ledger.CreateAccount(r.Context(), did, big.NewInt(0))
		if err != nil {
			s.writeKind(w, pipeline.KindInternal, "account creation failed")
			return
		}
		credits = account.Balance
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"agent":   map[string]string{"did": did},
		"credits": credits,
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	agent, err := s.deps.Index.GetAgent(r.Context(), did)
	if err != nil {
		if errors.Is(err, discovery.ErrAgentNotFound) {
			s.writeKind(w, pipeline.KindNotFound, "agent not found")
			return
		}
		s.writeKind(w, pipeline.KindInternal, "agent lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"did":        agent.DID,
		"address":    agent.Address,
		"first_seen": agent.FirstSeen,
		"last_seen":  agent.LastSeen,
		"expires_at": agent.ExpiresAt,
		"active":     agent.Active(s.nowFn()),
	})
}

type searchRequest struct {
	Description   string    `json:"description"`
	Embedding     []float32 `json:"embedding,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	MinSimilarity float64   `json:"min_similarity,omitempty"`
	MinTrust      float64   `json:"min_trust,omitempty"`
	Limit         int       `json:"limit,omitempty"`
}

func (s *Server) handleDiscoverySearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !s.decode(w, r, &req) {
		return
	}
	embedding := req.Embedding
	if len(embedding) == 0 {
		if req.Description == "" {
			s.writeKind(w, pipeline.KindInvalidRequest, "description or embedding required")
			return
		}
		var err error
		embedding, err = s.deps.Embedder.Embed(r.Context(), req.Description)
		if err != nil {
			s.writeKind(w, pipeline.KindInternal, "embedding failed")
			return
		}
	}
	results, err := s.deps.Index.Search(r.Context(), discovery.Query{
		Embedding:     embedding,
		MinSimilarity: req.MinSimilarity,
		Tags:          req.Tags,
		MinTrust:      req.MinTrust,
		Limit:         req.Limit,
	})
	if err != nil {
		if errors.Is(err, discovery.ErrDimensionMismatch) {
			s.writeKind(w, pipeline.KindInvalidRequest, err.Error())
			return
		}
		s.writeKind(w, pipeline.KindInternal, "search failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": results})
}
