package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ainp/antifraud"
	"ainp/config"
	"ainp/crypto"
	"ainp/ledger"
	"ainp/observability/metrics"
)

const skewTolerance = 5 * time.Minute

// Pipeline runs the ordered admission checks over an incoming envelope.
// Every step short-circuits; the ordering is load-bearing: an envelope with a
// bad signature must not touch the replay cache or the rate limiter.
type Pipeline struct {
	features config.Features
	cfg      config.AntiFraud
	cache    *antifraud.Cache
	ledger   *ledger.Ledger
	limiter  *keyedLimiter
	log      *slog.Logger
	nowFn    func() time.Time
}

// New assembles the pipeline.
func New(features config.Features, cfg config.AntiFraud, rl config.RateLimit, cache *antifraud.Cache, credits *ledger.Ledger, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		features: features,
		cfg:      cfg,
		cache:    cache,
		ledger:   credits,
		limiter:  newKeyedLimiter(rl),
		log:      log,
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the wall clock, for tests.
func (p *Pipeline) SetNowFunc(now func() time.Time) { p.nowFn = now }

// Result is a successful admission. Intent is non-nil for INTENT envelopes;
// Degraded reports that an anti-fraud guard failed open.
type Result struct {
	Intent   *Intent
	Degraded bool
}

// Admit runs the full check sequence. clientIP keys the rate limiter for
// unauthenticated callers.
func (p *Pipeline) Admit(ctx context.Context, env *Envelope, clientIP string) (*Result, *Fault) {
	res := &Result{}

	if fault := p.checkStructure(env); fault != nil {
		return nil, p.reject(env, fault)
	}
	if env.Version != "" && env.Version != SupportedVersion {
		return nil, p.reject(env, NewFault(KindUnsupportedVersion,
			fmt.Sprintf("version %q not supported", env.Version)))
	}
	if fault := p.checkSignature(env); fault != nil {
		return nil, p.reject(env, fault)
	}
	if fault := p.checkFreshness(env); fault != nil {
		return nil, p.reject(env, fault)
	}

	verdict := p.cache.CheckAndMarkReplay(ctx, env.ID, env.FromDID, env.TraceID)
	res.Degraded = res.Degraded || verdict.Degraded
	if !verdict.Allowed {
		return nil, p.reject(env, NewFault(KindReplayDetected, "envelope already seen"))
	}

	if env.MsgType == MsgIntent {
		intent, fault := p.checkIntent(ctx, env, res)
		if fault != nil {
			return nil, p.reject(env, fault)
		}
		res.Intent = intent
	}

	if fault := p.checkRateLimit(env, clientIP); fault != nil {
		return nil, p.reject(env, fault)
	}

	metrics.Broker().EnvelopeAccepted(env.MsgType)
	return res, nil
}

func (p *Pipeline) checkStructure(env *Envelope) *Fault {
	switch {
	case env.ID == "":
		return NewFault(KindInvalidEnvelope, "id required")
	case env.FromDID == "":
		return NewFault(KindInvalidEnvelope, "from_did required")
	case env.Sig == "":
		return NewFault(KindInvalidEnvelope, "sig required")
	case env.MsgType == "":
		return NewFault(KindInvalidEnvelope, "msg_type required")
	case env.TTLMillis <= 0:
		return NewFault(KindInvalidEnvelope, "ttl_ms required")
	case env.TimestampMillis <= 0:
		return NewFault(KindInvalidEnvelope, "timestamp_ms required")
	case len(env.Payload) == 0:
		return NewFault(KindInvalidEnvelope, "payload required")
	}
	if !validMsgType(env.MsgType) {
		return NewFault(KindInvalidEnvelope, fmt.Sprintf("unknown msg_type %q", env.MsgType))
	}
	return nil
}

func (p *Pipeline) checkSignature(env *Envelope) *Fault {
	if !p.features.SignatureVerification {
		return nil
	}
	pub, err := crypto.PublicKeyOf(env.FromDID)
	if err != nil {
		return NewFault(KindSignatureError, "malformed sender DID")
	}
	payload, err := env.SigningBytes()
	if err != nil {
		return NewFault(KindSignatureError, "canonicalization failed")
	}
	if err := crypto.Verify(payload, env.Sig, pub); err != nil {
		return NewFault(KindInvalidSignature, "signature does not verify")
	}
	return nil
}

func (p *Pipeline) checkFreshness(env *Envelope) *Fault {
	now := p.nowFn()
	if env.Expiry().Before(now) {
		return NewFault(KindStale, "envelope expired")
	}
	if env.Timestamp().After(now.Add(skewTolerance)) {
		return NewFault(KindStale, "envelope timestamp in the future")
	}
	return nil
}

// checkIntent parses the payload and applies the email guards: content
// dedupe, then greylist, then first-contact postage.
func (p *Pipeline) checkIntent(ctx context.Context, env *Envelope, res *Result) (*Intent, *Fault) {
	intent, err := env.Intent()
	if err != nil {
		return nil, NewFault(KindInvalidIntent, "payload is not a valid intent")
	}
	if !knownIntentType(intent.Type) {
		return nil, NewFault(KindInvalidIntent, fmt.Sprintf("unknown intent type %q", intent.Type))
	}
	if !intent.IsEmail() || env.ToDID == "" {
		return intent, nil
	}

	verdict := p.cache.CheckAndMarkContentHash(ctx, env.FromDID, env.ToDID, intent.Subject, intent.Body)
	res.Degraded = res.Degraded || verdict.Degraded
	if !verdict.Allowed {
		return nil, NewFault(KindDuplicateEmail, "duplicate message content")
	}

	// Mail to oneself is never a first contact.
	if env.FromDID == env.ToDID {
		return intent, nil
	}

	verdict = p.cache.ShouldGreylistFirstContact(ctx, env.FromDID, env.ToDID)
	res.Degraded = res.Degraded || verdict.Degraded
	if !verdict.Allowed {
		fault := NewFault(KindGreylisted, "first contact greylisted, retry later")
		fault.RetryAfter = verdict.RetryAfter
		return nil, fault
	}

	if fault := p.chargePostage(ctx, env); fault != nil {
		return nil, fault
	}
	return intent, nil
}

// chargePostage spends the postage stamp on first-contact direct mail. Known
// correspondents mail for free.
func (p *Pipeline) chargePostage(ctx context.Context, env *Envelope) *Fault {
	if !p.features.Postage || !p.features.Ledger || p.cfg.PostageAmountAtomic <= 0 {
		return nil
	}
	prior, err := p.cache.Contacts().HasPriorContact(ctx, env.ToDID, env.FromDID)
	if err != nil {
		p.log.Warn("postage: contact lookup failed, waiving stamp", slog.String("error", err.Error()))
		return nil
	}
	if prior {
		return nil
	}
	amount := big.NewInt(p.cfg.PostageAmountAtomic)
	err = p.ledger.Spend(ctx, env.FromDID, amount, env.ID, "postage")
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, ledger.ErrAccountNotFound) {
			return NewFault(KindPaymentRequired, "postage required for first contact")
		}
		return NewFault(KindInternal, "postage charge failed")
	}
	return nil
}

func (p *Pipeline) checkRateLimit(env *Envelope, clientIP string) *Fault {
	key := env.FromDID
	if key == "" {
		key = clientIP
	}
	if p.limiter.Allow(key) {
		return nil
	}
	fault := NewFault(KindRateLimited, "rate limit exceeded")
	fault.RetryAfter = p.limiter.RetryAfter(key)
	return fault
}

func (p *Pipeline) reject(env *Envelope, fault *Fault) *Fault {
	metrics.Broker().EnvelopeRejected(fault.Kind)
	p.log.Info("envelope rejected",
		slog.String("envelope", env.ID),
		slog.String("from", env.FromDID),
		slog.String("kind", fault.Kind))
	return fault
}

// keyedLimiter holds one token bucket per caller key.
type keyedLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func newKeyedLimiter(cfg config.RateLimit) *keyedLimiter {
	perMinute := cfg.MaxPerMinute
	if perMinute <= 0 {
		perMinute = 120
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 20
	}
	return &keyedLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
	}
}

func (k *keyedLimiter) bucket(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	limiter, ok := k.buckets[key]
	if !ok {
		limiter = rate.NewLimiter(k.limit, k.burst)
		k.buckets[key] = limiter
	}
	return limiter
}

// Allow consumes one token for the key.
func (k *keyedLimiter) Allow(key string) bool {
	return k.bucket(key).Allow()
}

// RetryAfter estimates when the next token becomes available.
func (k *keyedLimiter) RetryAfter(key string) time.Duration {
	reservation := k.bucket(key).Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	return delay
}
