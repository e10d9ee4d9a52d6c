package rpc

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ainp/pipeline"
	"ainp/receipts"
)

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, _, ok := s.loadReceipt(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleCommittee(w http.ResponseWriter, r *http.Request) {
	receipt, _, ok := s.loadReceipt(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"receipt_id": receipt.ID,
		"committee":  receipt.CommitteeDIDs(),
		"k":          receipt.K,
		"m":          receipt.M,
		"seed":       receipt.CommitteeSeed,
	})
}

type attestRequest struct {
	Type        string   `json:"type"`
	Score       *float64 `json:"score,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
	EvidenceRef string   `json:"evidence_ref,omitempty"`
	Signature   string   `json:"signature,omitempty"`
}

// handleAttest records an attestation. The attester identity comes from the
// authenticated context, never from the body.
func (s *Server) handleAttest(w http.ResponseWriter, r *http.Request) {
	did, ok := s.requireDID(w, r)
	if !ok {
		return
	}
	_, id, ok := s.loadReceipt(w, r)
	if !ok {
		return
	}
	var req attestRequest
	if !s.decode(w, r, &req) {
		return
	}
	attestation, err := s.deps.Receipts.Attest(r.Context(), receipts.AttestParams{
		TaskID:      id,
		ByDID:       did,
		Type:        req.Type,
		Score:       req.Score,
		Confidence:  req.Confidence,
		EvidenceRef: req.EvidenceRef,
		Signature:   req.Signature,
	})
	if err != nil {
		switch {
		case errors.Is(err, receipts.ErrDuplicateAttestation):
			s.writeKind(w, pipeline.KindInvalidRequest, "attestation already recorded")
		case errors.Is(err, receipts.ErrReceiptNotFound):
			s.writeKind(w, pipeline.KindNotFound, "receipt not found")
		default:
			s.writeKind(w, pipeline.KindInternal, "attestation failed")
		}
		return
	}
	s.writeJSON(w, http.StatusOK, attestation)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireDID(w, r); !ok {
		return
	}
	_, id, ok := s.loadReceipt(w, r)
	if !ok {
		return
	}
	receipt, err := s.deps.Receipts.Finalize(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, receipts.ErrQuorumNotMet):
			s.writeKind(w, pipeline.KindQuorumNotMet, "quorum not met")
		case errors.Is(err, receipts.ErrAlreadyFinalized):
			s.writeKind(w, pipeline.KindInvalidTransition, "receipt already finalized")
		default:
			s.writeKind(w, pipeline.KindInternal, "finalize failed")
		}
		return
	}
	s.writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	ctx := r.Context()
	vector, err := s.deps.Reputation.Get(ctx, did)
	if err != nil {
		s.writeKind(w, pipeline.KindInternal, "reputation read failed")
		return
	}
	trust, err := s.deps.Reputation.TrustScore(ctx, did)
	if err != nil {
		s.writeKind(w, pipeline.KindInternal, "trust read failed")
		return
	}
	usefulness, err := s.deps.Reputation.Usefulness(ctx, did)
	if err != nil {
		s.writeKind(w, pipeline.KindInternal, "usefulness read failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"did":        did,
		"vector":     vector,
		"trust":      trust,
		"usefulness": usefulness,
	})
}

func (s *Server) loadReceipt(w http.ResponseWriter, r *http.Request) (*receipts.Receipt, uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeKind(w, pipeline.KindInvalidRequest, "malformed receipt id")
		return nil, uuid.Nil, false
	}
	receipt, err := s.deps.Receipts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, receipts.ErrReceiptNotFound) {
			s.writeKind(w, pipeline.KindNotFound, "receipt not found")
		} else {
			s.writeKind(w, pipeline.KindInternal, "receipt read failed")
		}
		return nil, uuid.Nil, false
	}
	return receipt, id, true
}
