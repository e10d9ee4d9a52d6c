package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ainp/antifraud"
	"ainp/config"
	"ainp/discovery"
	"ainp/ledger"
	"ainp/mailbox"
	"ainp/negotiation"
	"ainp/payments"
	"ainp/pipeline"
	"ainp/push"
	"ainp/receipts"
	"ainp/reputation"
	"ainp/router"

	"gorm.io/gorm"
)

// Deps carries the assembled broker components into the HTTP surface.
type Deps struct {
	Config       *config.Config
	DB           *gorm.DB
	Cache        *antifraud.Cache
	Pipeline     *pipeline.Pipeline
	Router       *router.Router
	Mailbox      *mailbox.Store
	Index        *discovery.Index
	Embedder     discovery.Embedder
	Ledger       *ledger.Ledger
	Negotiation  *negotiation.Engine
	Receipts     *receipts.Engine
	Reputation   *reputation.Engine
	Payments     *payments.Service
	Hub          *push.Hub
	Log          *slog.Logger
}

// Server is the broker's admission surface: the JSON HTTP API and the push
// websocket.
type Server struct {
	deps    Deps
	log     *slog.Logger
	handler http.Handler
	nowFn   func() time.Time
}

// NewServer builds the routed handler.
func NewServer(deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{deps: deps, log: log, nowFn: time.Now}
	s.handler = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(s.deps.Config.RequestTimeout()))
	if s.deps.Config.Features.Tracing {
		r.Use(func(next http.Handler) http.Handler {
			return otelhttp.NewHandler(next, "ainp.rpc")
		})
	}
	r.Use(s.authenticate)

	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	if s.deps.Config.Features.Monitoring {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		api.Post("/agents/register", s.handleRegisterAgent)
		api.Get("/agents/{did}", s.handleGetAgent)
		api.Post("/discovery/search", s.handleDiscoverySearch)
		api.Post("/intents/send", s.handleSendIntent)

		api.Get("/mail/inbox", s.handleInbox)
		api.Get("/mail/threads/{conversationID}", s.handleThread)
		api.Post("/mail/read", s.handleMarkRead)
		api.Post("/mail/label", s.handleLabel)

		api.Post("/negotiations", s.handleOpenNegotiation)
		api.Get("/negotiations/{id}", s.handleGetNegotiation)
		api.Post("/negotiations/{id}/propose", s.handlePropose)
		api.Post("/negotiations/{id}/accept", s.handleAccept)
		api.Post("/negotiations/{id}/reject", s.handleReject)
		api.Post("/negotiations/{id}/settle", s.handleSettle)

		api.Get("/reputation/{did}", s.handleReputation)
		api.Get("/receipts/{id}", s.handleGetReceipt)
		api.Get("/receipts/{id}/committee", s.handleCommittee)
		api.Post("/receipts/{id}/attestations", s.handleAttest)
		api.Post("/receipts/{id}/finalize", s.handleFinalize)

		api.Get("/credits/{did}", s.handleGetCredits)
		api.Get("/credits/{did}/transactions", s.handleCreditHistory)

		api.Post("/payments/requests", s.handlePaymentRequest)
		api.Post("/payments/webhooks/{provider}", s.handlePaymentWebhook)
	})

	ws := push.NewWSHandler(s.deps.Hub, s.wsAuth, s.wsIngress, s.log)
	r.Handle("/ws", ws)
	return r
}

// writeJSON renders a success body.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.log.Error("write response", slog.String("error", err.Error()))
		}
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind         string `json:"kind"`
	Message      string `json:"message,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// writeFault renders a pipeline fault with its canonical status, Retry-After
// and degradation headers.
func (s *Server) writeFault(w http.ResponseWriter, fault *pipeline.Fault) {
	if fault.Degraded {
		w.Header().Set("X-RateLimit-Degraded", "true")
	}
	if fault.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(fault.RetryAfter.Round(time.Second)/time.Second), 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fault.Status)
	body := errorBody{Error: errorDetail{Kind: fault.Kind, Message: fault.Message}}
	if fault.RetryAfter > 0 {
		body.Error.RetryAfterMS = fault.RetryAfter.Milliseconds()
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeKind is writeFault for handlers that only have an error kind.
func (s *Server) writeKind(w http.ResponseWriter, kind, message string) {
	s.writeFault(w, pipeline.NewFault(kind, message))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeKind(w, pipeline.KindInvalidRequest, "malformed JSON body")
		return false
	}
	return true
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.deps.Config.ListenAddress,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
