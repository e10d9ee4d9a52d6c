package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ainp/antifraud"
	"ainp/config"
	"ainp/discovery"
	"ainp/mailbox"
	"ainp/observability/metrics"
	"ainp/pipeline"
	"ainp/push"
)

// ErrNoRoute means the envelope named no recipient and carried nothing the
// semantic index could match.
var ErrNoRoute = errors.New("no route for envelope")

// Directory is the slice of the discovery index the router needs.
type Directory interface {
	IsActive(ctx context.Context, did string) bool
	Search(ctx context.Context, q discovery.Query) ([]discovery.Result, error)
}

// Notifier enqueues push events. The push hub implements it; it is installed
// after both sides exist so neither constructs the other.
type Notifier interface {
	Notify(ctx context.Context, event push.Event)
}

// Router decides where an admitted envelope goes: straight to its named
// recipient, or fanned out to the closest agents the index knows.
type Router struct {
	directory Directory
	embedder  discovery.Embedder
	mail      *mailbox.Store
	contacts  *antifraud.ContactStore
	cfg       config.Discovery
	log       *slog.Logger
	nowFn     func() time.Time

	mu       sync.RWMutex
	notifier Notifier
}

// New constructs the router. The notifier is installed separately via
// SetNotifier.
func New(directory Directory, embedder discovery.Embedder, mail *mailbox.Store, contacts *antifraud.ContactStore, cfg config.Discovery, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		directory: directory,
		embedder:  embedder,
		mail:      mail,
		contacts:  contacts,
		cfg:       cfg,
		log:       log,
		nowFn:     time.Now,
	}
}

// SetNowFunc overrides the wall clock, for tests.
func (r *Router) SetNowFunc(now func() time.Time) { r.nowFn = now }

// SetNotifier installs the push side once it exists.
func (r *Router) SetNotifier(n Notifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

func (r *Router) notify(ctx context.Context, event push.Event) {
	r.mu.RLock()
	notifier := r.notifier
	r.mu.RUnlock()
	if notifier != nil {
		notifier.Notify(ctx, event)
	}
}

// Delivery reports where an envelope went.
type Delivery struct {
	Mode       string   `json:"mode"` // direct or fanout
	Recipients []string `json:"recipients"`
	Stored     bool     `json:"stored"`
}

// Route delivers an admitted envelope. Named recipients get a push event and,
// for message intents, a durable mailbox copy; unaddressed envelopes fan out
// to the top-k semantic matches.
func (r *Router) Route(ctx context.Context, env *pipeline.Envelope, intent *pipeline.Intent) (*Delivery, error) {
	if env.ToDID != "" && r.directory.IsActive(ctx, env.ToDID) {
		return r.routeDirect(ctx, env, intent)
	}
	return r.routeFanout(ctx, env, intent)
}

func (r *Router) routeDirect(ctx context.Context, env *pipeline.Envelope, intent *pipeline.Intent) (*Delivery, error) {
	delivery := &Delivery{Mode: "direct", Recipients: []string{env.ToDID}}

	if intent != nil && intent.IsMessage() {
		msg, stored, err := r.mail.Put(ctx, mailbox.StoreParams{
			EnvelopeID:     env.ID,
			ConversationID: intent.ConversationID,
			FromDID:        env.FromDID,
			ToDID:          env.ToDID,
			Subject:        intent.Subject,
			Body:           intent.Body,
			Attachments:    intent.Attachments,
		})
		if err != nil {
			return nil, err
		}
		delivery.Stored = stored
		if stored {
			r.notify(ctx, push.Event{
				Kind:  "notification",
				ToDID: env.ToDID,
				Payload: map[string]any{
					"@type":           "NOTIFICATION",
					"message_id":      msg.ID.String(),
					"conversation_id": msg.ConversationID,
					"from_did":        env.FromDID,
					"subject":         intent.Subject,
				},
			})
		}
		r.recordContact(ctx, env.ToDID, env.FromDID)
	}

	r.notify(ctx, push.Event{Kind: "message", ToDID: env.ToDID, Payload: env})
	metrics.Broker().EnvelopeRouted("direct")
	return delivery, nil
}

func (r *Router) routeFanout(ctx context.Context, env *pipeline.Envelope, intent *pipeline.Intent) (*Delivery, error) {
	if intent == nil {
		return nil, ErrNoRoute
	}
	embedding := intent.Embedding
	if len(embedding) == 0 {
		if intent.Description == "" {
			return nil, ErrNoRoute
		}
		var err error
		embedding, err = r.embedder.Embed(ctx, intent.Description)
		if err != nil {
			return nil, err
		}
	}

	k := r.cfg.FanoutK
	if k <= 0 {
		k = 3
	}
	results, err := r.directory.Search(ctx, discovery.Query{
		Embedding: embedding,
		Tags:      intent.Tags,
		Limit:     k,
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNoRoute
	}

	delivery := &Delivery{Mode: "fanout"}
	for _, hit := range results {
		if hit.DID == env.FromDID {
			continue
		}
		delivery.Recipients = append(delivery.Recipients, hit.DID)
		r.notify(ctx, push.Event{Kind: "message", ToDID: hit.DID, Payload: env})
	}
	if len(delivery.Recipients) == 0 {
		return nil, ErrNoRoute
	}
	metrics.Broker().EnvelopeRouted("fanout")
	return delivery, nil
}

// recordContact remembers that owner received mail from peer, which lifts the
// greylist and postage guards for their future exchanges.
func (r *Router) recordContact(ctx context.Context, owner, peer string) {
	if r.contacts == nil {
		return
	}
	if err := r.contacts.Record(ctx, owner, peer, antifraud.ContactUnknown, r.nowFn().UTC()); err != nil {
		r.log.Warn("record contact failed",
			slog.String("owner", owner),
			slog.String("peer", peer),
			slog.String("error", err.Error()))
	}
}
