package rpc

import (
	"errors"
	"io"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ainp/payments"
	"ainp/pipeline"
)

type paymentRequest struct {
	AmountAtomic string `json:"amount_atomic"`
	Rail         string `json:"rail,omitempty"`
}

// handlePaymentRequest issues a 402 payment challenge for the caller.
func (s *Server) handlePaymentRequest(w http.ResponseWriter, r *http.Request) {
	did, ok := s.requireDID(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, parsed := new(big.Int).SetString(req.AmountAtomic, 10)
	if !parsed || amount.Sign() <= 0 {
		s.writeKind(w, pipeline.KindInvalidRequest, "amount_atomic must be a positive integer")
		return
	}
	challenge, err := s.deps.Payments.CreateChallenge(r.Context(), did, amount, req.Rail)
	if err != nil {
		s.writeKind(w, pipeline.KindInternal, "challenge creation failed")
		return
	}
	w.Header().Set("WWW-Authenticate", challenge.WWWAuthenticate())
	s.writeJSON(w, http.StatusPaymentRequired, map[string]any{
		"request_id":    challenge.ID,
		"amount_atomic": challenge.AmountAtomic,
		"payment_url":   challenge.PaymentURL,
		"expires_at":    challenge.ExpiresAt,
	})
}

// handlePaymentWebhook settles a provider callback. Redeliveries are
// acknowledged idempotently.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeKind(w, pipeline.KindInvalidRequest, "unreadable body")
		return
	}
	signature := r.Header.Get("X-Webhook-Signature")
	challenge, err := s.deps.Payments.HandleWebhook(r.Context(), provider, body, signature)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrBadWebhookSignature):
			s.writeKind(w, pipeline.KindUnauthorized, "webhook signature mismatch")
		case errors.Is(err, payments.ErrChallengeNotFound):
			s.writeKind(w, pipeline.KindNotFound, "payment request not found")
		case errors.Is(err, payments.ErrChallengeExpired):
			s.writeKind(w, pipeline.KindInvalidTransition, "payment request expired")
		default:
			s.writeKind(w, pipeline.KindInternal, "webhook processing failed")
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"request_id": challenge.ID,
		"status":     challenge.Status,
	})
}
