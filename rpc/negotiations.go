package rpc

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ainp/ledger"
	"ainp/negotiation"
	"ainp/pipeline"
)

type openNegotiationRequest struct {
	IntentID     string               `json:"intent_id,omitempty"`
	ResponderDID string               `json:"responder_did"`
	Proposal     negotiation.Proposal `json:"proposal"`
	MaxRounds    int                  `json:"max_rounds,omitempty"`
}

func (s *Server) handleOpenNegotiation(w http.ResponseWriter, r *http.Request) {
	did, ok := s.requireNegotiation(w, r)
	if !ok {
		return
	}
	var req openNegotiationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ResponderDID == "" {
		s.writeKind(w, pipeline.KindInvalidRequest, "responder_did required")
		return
	}
	session, err := s.deps.Negotiation.Open(r.Context(), negotiation.OpenParams{
		IntentID:     req.IntentID,
		InitiatorDID: did,
		ResponderDID: req.ResponderDID,
		Proposal:     req.Proposal,
		MaxRounds:    req.MaxRounds,
	})
	if err != nil {
		s.writeKind(w, pipeline.KindInternal, "open negotiation failed")
		return
	}
	s.writeJSON(w, http.StatusOK, sessionView(session))
}

func (s *Server) handleGetNegotiation(w http.ResponseWriter, r *http.Request) {
	did, ok := s.requireDID(w, r)
	if !ok {
		return
	}
	session, sessionID, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if !session.Participant(did) {
		s.writeKind(w, pipeline.KindForbidden, "not a session participant")
		return
	}
	rounds, err := s.deps.Negotiation.Rounds(r.Context(), sessionID)
	if err != nil {
		s.writeKind(w, pipeline.KindInternal, "round read failed")
		return
	}
	view := sessionView(session)
	view["rounds"] = rounds
	s.writeJSON(w, http.StatusOK, view)
}

type proposeRequest struct {
	Proposal negotiation.Proposal `json:"proposal"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	did, ok := s.requireNegotiation(w, r)
	if !ok {
		return
	}
	_, sessionID, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	var req proposeRequest
	if !s.decode(w, r, &req) {
		return
	}
	session, err := s.deps.Negotiation.Propose(r.Context(), sessionID, did, req.Proposal)
	if err != nil {
		s.writeNegotiationError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessionView(session))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	did, ok := s.requireNegotiation(w, r)
	if !ok {
		return
	}
	_, sessionID, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	session, err := s.deps.Negotiation.Accept(r.Context(), sessionID, did)
	if err != nil {
		s.writeNegotiationError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessionView(session))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	did, ok := s.requireNegotiation(w, r)
	if !ok {
		return
	}
	_, sessionID, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	session, err := s.deps.Negotiation.Reject(r.Context(), sessionID, did)
	if err != nil {
		s.writeNegotiationError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessionView(session))
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	did, ok := s.requireNegotiation(w, r)
	if !ok {
		return
	}
	_, sessionID, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	settlement, err := s.deps.Negotiation.Settle(r.Context(), sessionID, did)
	if err != nil {
		s.writeNegotiationError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, settlement)
}

// requireNegotiation gates the bargaining endpoints on the feature toggle and
// the caller identity.
func (s *Server) requireNegotiation(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !s.deps.Config.Features.Negotiation {
		s.writeKind(w, pipeline.KindFeatureDisabled, "negotiation disabled")
		return "", false
	}
	return s.requireDID(w, r)
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*negotiation.Session, uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeKind(w, pipeline.KindInvalidRequest, "malformed session id")
		return nil, uuid.Nil, false
	}
	session, err := s.deps.Negotiation.Get(r.Context(), id)
	if err != nil {
		s.writeNegotiationError(w, err)
		return nil, uuid.Nil, false
	}
	return session, id, true
}

func (s *Server) writeNegotiationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, negotiation.ErrSessionNotFound):
		s.writeKind(w, pipeline.KindNotFound, "negotiation not found")
	case errors.Is(err, negotiation.ErrNotParticipant):
		s.writeKind(w, pipeline.KindForbidden, "not a session participant")
	case errors.Is(err, negotiation.ErrMaxRoundsExceeded):
		s.writeKind(w, pipeline.KindMaxRounds, "round budget exhausted")
	case errors.Is(err, negotiation.ErrSessionExpired):
		s.writeKind(w, pipeline.KindNegotiationExpired, "session expired")
	case errors.Is(err, negotiation.ErrInvalidTransition):
		s.writeKind(w, pipeline.KindInvalidTransition, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		s.writeKind(w, pipeline.KindInsufficientFunds, "insufficient credits for escrow")
	default:
		s.writeKind(w, pipeline.KindInternal, "negotiation operation failed")
	}
}

func sessionView(session *negotiation.Session) map[string]any {
	return map[string]any{
		"id":                session.ID,
		"intent_id":         session.IntentID,
		"initiator_did":     session.InitiatorDID,
		"responder_did":     session.ResponderDID,
		"state":             session.State,
		"convergence_score": session.ConvergenceScore,
		"current_proposal":  session.Current(),
		"final_proposal":    session.Final(),
		"round_count":       session.RoundCount,
		"max_rounds":        session.MaxRounds,
		"settled_at":        session.SettledAt,
		"created_at":        session.CreatedAt,
		"expires_at":        session.ExpiresAt,
	}
}
