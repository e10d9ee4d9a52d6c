package rpc

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"ainp/ledger"
	"ainp/pipeline"
)

// handleGetCredits returns the caller's own account. Balances are private to
// their owner.
func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireDID(w, r)
	if !ok {
		return
	}
	did := chi.URLParam(r, "did")
	if did != caller {
		s.writeKind(w, pipeline.KindForbidden, "balances are owner-only")
		return
	}
	account, err := s.deps.Ledger.GetAccount(r.Context(), did)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			s.writeKind(w, pipeline.KindNotFound, "account not found")
			return
		}
		s.writeKind(w, pipeline.KindInternal, "account read failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"did":      account.DID,
		"balance":  account.Balance,
		"reserved": account.Reserved,
		"earned":   account.Earned,
		"spent":    account.Spent,
	})
}

func (s *Server) handleCreditHistory(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireDID(w, r)
	if !ok {
		return
	}
	did := chi.URLParam(r, "did")
	if did != caller {
		s.writeKind(w, pipeline.KindForbidden, "transaction history is owner-only")
		return
	}
	limit, offset := 50, 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			offset = v
		}
	}
	history, err := s.deps.Ledger.TransactionHistory(r.Context(), did, limit, offset)
	if err != nil {
		s.writeKind(w, pipeline.KindInternal, "history read failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"transactions": history})
}
