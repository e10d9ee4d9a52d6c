package antifraud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"ainp/config"
	"ainp/observability/metrics"
)

// Verdict is the outcome of one guard check. Degraded means the backing store
// was unreachable and the guard failed open.
type Verdict struct {
	Allowed    bool
	Degraded   bool
	RetryAfter time.Duration
}

// Cache implements replay suppression, content dedupe and greylisting over a
// TTL store. Every guard fails open when the store errors, flagging the
// verdict as degraded so the admission surface can mark the response.
type Cache struct {
	store    Store
	contacts *ContactStore
	cfg      config.AntiFraud
	features config.Features
	log      *slog.Logger
	nowFn    func() time.Time
}

// NewCache assembles the guard set.
func NewCache(store Store, contacts *ContactStore, cfg config.AntiFraud, features config.Features, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		store:    store,
		contacts: contacts,
		cfg:      cfg,
		features: features,
		log:      log,
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the wall clock, for tests.
func (c *Cache) SetNowFunc(now func() time.Time) { c.nowFn = now }

// Contacts exposes the contact store for the router to record deliveries.
func (c *Cache) Contacts() *ContactStore { return c.contacts }

// CheckAndMarkReplay returns an allowing verdict on first sight of the
// (id, from, trace) triple within the replay window, and a denial on a
// duplicate.
func (c *Cache) CheckAndMarkReplay(ctx context.Context, id, fromDID, traceID string) Verdict {
	if !c.features.ReplayProtection {
		return Verdict{Allowed: true}
	}
	key := fmt.Sprintf("replay:%s:%s:%s", id, fromDID, traceID)
	created, err := c.store.SetNX(ctx, key, "1", c.replayTTL())
	if err != nil {
		return c.degrade("replay", err)
	}
	return Verdict{Allowed: created}
}

// CheckAndMarkContentHash deduplicates message content. The hash covers the
// normalized from/to/subject/body concatenation; duplicates within the dedupe
// TTL are denied.
func (c *Cache) CheckAndMarkContentHash(ctx context.Context, from, to, subject, body string) Verdict {
	if !c.features.ContentDedupe {
		return Verdict{Allowed: true}
	}
	key := "dedupe:" + ContentHash(from, to, subject, body)
	created, err := c.store.SetNX(ctx, key, "1", time.Duration(c.cfg.DedupeTTLSeconds)*time.Second)
	if err != nil {
		return c.degrade("dedupe", err)
	}
	return Verdict{Allowed: created}
}

// ShouldGreylistFirstContact applies classic greylisting to first-contact
// mail: the first attempt is refused with a retry delay; a retry after the
// delay passes. Known or allowlisted correspondents are never greylisted.
func (c *Cache) ShouldGreylistFirstContact(ctx context.Context, from, to string) Verdict {
	if !c.features.Greylist {
		return Verdict{Allowed: true}
	}
	state, err := c.contacts.State(ctx, to, from)
	if err != nil {
		return c.degrade("greylist", err)
	}
	if state == ContactAllowlisted {
		return Verdict{Allowed: true}
	}
	prior, err := c.contacts.HasPriorContact(ctx, to, from)
	if err != nil {
		return c.degrade("greylist", err)
	}
	if prior {
		return Verdict{Allowed: true}
	}

	delay := time.Duration(c.cfg.GreylistDelaySeconds) * time.Second
	key := fmt.Sprintf("greylist:%s:%s", from, to)
	now := c.nowFn()
	created, err := c.store.SetNX(ctx, key, strconv.FormatInt(now.Unix(), 10), 10*delay)
	if err != nil {
		return c.degrade("greylist", err)
	}
	if created {
		// First attempt: refuse and let the sender retry after the delay.
		return Verdict{Allowed: false, RetryAfter: delay}
	}
	val, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return c.degrade("greylist", err)
	}
	if !ok {
		return Verdict{Allowed: false, RetryAfter: delay}
	}
	first, parseErr := strconv.ParseInt(val, 10, 64)
	if parseErr != nil {
		return Verdict{Allowed: false, RetryAfter: delay}
	}
	elapsed := now.Sub(time.Unix(first, 0))
	if elapsed < delay {
		return Verdict{Allowed: false, RetryAfter: delay - elapsed}
	}
	_ = c.store.Del(ctx, key)
	return Verdict{Allowed: true}
}

// Ping reports store reachability for the readiness probe.
func (c *Cache) Ping(ctx context.Context) error {
	if c.store == nil {
		return fmt.Errorf("antifraud: store not configured")
	}
	return c.store.Ping(ctx)
}

func (c *Cache) replayTTL() time.Duration {
	ttl := time.Duration(c.cfg.ReplayTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return ttl
}

func (c *Cache) degrade(guard string, err error) Verdict {
	c.log.Warn("anti-fraud store unavailable, failing open",
		slog.String("guard", guard),
		slog.String("error", err.Error()))
	metrics.Broker().CacheDegraded(true)
	return Verdict{Allowed: true, Degraded: true}
}

// ContentHash is the SHA-256 hex digest of the normalized message tuple.
func ContentHash(from, to, subject, body string) string {
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	sum := sha256.Sum256([]byte(strings.Join([]string{norm(from), norm(to), norm(subject), norm(body)}, "\n")))
	return hex.EncodeToString(sum[:])
}
