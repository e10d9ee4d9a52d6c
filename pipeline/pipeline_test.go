package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ainp/antifraud"
	"ainp/config"
	"ainp/crypto"
	"ainp/ledger"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]string
	fail    bool
}

func newMemStore() *memStore { return &memStore{entries: map[string]string{}} }

func (s *memStore) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return false, fmt.Errorf("store down")
	}
	if _, ok := s.entries[key]; ok {
		return false, nil
	}
	s.entries[key] = value
	return true, nil
}

func (s *memStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", false, fmt.Errorf("store down")
	}
	val, ok := s.entries[key]
	return val, ok, nil
}

func (s *memStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *memStore) Ping(context.Context) error {
	if s.fail {
		return fmt.Errorf("store down")
	}
	return nil
}

type fixture struct {
	pipeline *Pipeline
	store    *memStore
	ledger   *ledger.Ledger
	cfg      *config.Config
	now      time.Time
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.AntiFraud.GreylistDelaySeconds = 60
	if mutate != nil {
		mutate(cfg)
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, antifraud.AutoMigrateContacts(db))
	require.NoError(t, ledger.AutoMigrate(db))

	store := newMemStore()
	cache := antifraud.NewCache(store, antifraud.NewContactStore(db), cfg.AntiFraud, cfg.Features, nil)
	credits := ledger.New(db, nil)

	p := New(cfg.Features, cfg.AntiFraud, cfg.RateLimit, cache, credits, nil)
	f := &fixture{pipeline: p, store: store, ledger: credits, cfg: cfg, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p.SetNowFunc(func() time.Time { return f.now })
	cache.SetNowFunc(func() time.Time { return f.now })
	return f
}

func signedEnvelope(t *testing.T, kp *crypto.Keypair, mutate func(*Envelope)) *Envelope {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"@type": IntentChatMessage, "body": "hi"})
	require.NoError(t, err)
	env := &Envelope{
		ID:              "env-" + t.Name(),
		TraceID:         "trace-1",
		Version:         SupportedVersion,
		FromDID:         kp.DID,
		ToDID:           kp.DID,
		MsgType:         MsgIntent,
		TTLMillis:       600_000,
		TimestampMillis: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		Payload:         payload,
	}
	if mutate != nil {
		mutate(env)
	}
	bytes, err := env.SigningBytes()
	require.NoError(t, err)
	env.Sig = crypto.Sign(bytes, kp.Private)
	return env
}

func TestAdmitValidEnvelope(t *testing.T) {
	f := newFixture(t, nil)
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	env := signedEnvelope(t, kp, nil)
	res, fault := f.pipeline.Admit(context.Background(), env, "127.0.0.1")
	require.Nil(t, fault)
	require.NotNil(t, res.Intent)
	require.Equal(t, IntentChatMessage, res.Intent.Type)
	require.False(t, res.Degraded)
}

func TestStructureFaults(t *testing.T) {
	f := newFixture(t, nil)
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	cases := []func(*Envelope){
		func(e *Envelope) { e.ID = "" },
		func(e *Envelope) { e.FromDID = "" },
		func(e *Envelope) { e.TTLMillis = 0 },
		func(e *Envelope) { e.Payload = nil },
		func(e *Envelope) { e.MsgType = "GOSSIP" },
	}
	for i, mutate := range cases {
		env := signedEnvelope(t, kp, nil)
		mutate(env)
		_, fault := f.pipeline.Admit(context.Background(), env, "127.0.0.1")
		require.NotNil(t, fault, "case %d", i)
		require.Equal(t, KindInvalidEnvelope, fault.Kind, "case %d", i)
		require.Equal(t, 400, fault.Status)
	}

	env := signedEnvelope(t, kp, nil)
	env.Sig = ""
	_, fault := f.pipeline.Admit(context.Background(), env, "127.0.0.1")
	require.Equal(t, KindInvalidEnvelope, fault.Kind)
}

func TestUnsupportedVersion(t *testing.T) {
	f := newFixture(t, nil)
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	env := signedEnvelope(t, kp, func(e *Envelope) { e.Version = "9.9" })
	_, fault := f.pipeline.Admit(context.Background(), env, "127.0.0.1")
	require.Equal(t, KindUnsupportedVersion, fault.Kind)
}

func TestInvalidSignatureMutatesNothingDownstream(t *testing.T) {
	f := newFixture(t, nil)
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	env := signedEnvelope(t, kp, nil)
	env.Sig = crypto.Sign([]byte("other bytes"), kp.Private)
	_, fault := f.pipeline.Admit(context.Background(), env, "127.0.0.1")
	require.Equal(t, KindInvalidSignature, fault.Kind)
	require.Equal(t, 401, fault.Status)

	// The replay cache was never touched: a properly signed envelope with the
	// same id still passes.
	valid := signedEnvelope(t, kp, nil)
	_, fault = f.pipeline.Admit(context.Background(), valid, "127.0.0.1")
	require.Nil(t, fault)
}

func TestMalformedSenderDID(t *testing.T) {
	f := newFixture(t, nil)
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	env := signedEnvelope(t, kp, func(e *Envelope) { e.FromDID = "did:key:zzz" })
	_, fault := f.pipeline.Admit(context.Background(), env, "127.0.0.1")
	require.Equal(t, KindSignatureError, fault.Kind)
}

func TestFreshness(t *testing.T) {
	f := newFixture(t, nil)
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	expired := signedEnvelope(t, kp, func(e *Envelope) {
		e.TimestampMillis = f.now.Add(-2 * time.Minute).UnixMilli()
		e.TTLMillis = 1000
	})
	_, fault := f.pipeline.Admit(context.Background(), expired, "127.0.0.1")
	require.Equal(t, KindStale, fault.Kind)

	// Forward-dating beyond the skew window is rejected; within it passes.
	future := signedEnvelope(t, kp, func(e *Envelope) {
		e.TimestampMillis = f.now.Add(10 * time.Minute).UnixMilli()
	})
	_, fault = f.pipeline.Admit(context.Background(), future, "127.0.0.1")
	require.Equal(t, KindStale, fault.Kind)

	skewed := signedEnvelope(t, kp, func(e *Envelope) {
		e.ID = "env-skewed"
		e.TimestampMillis = f.now.Add(3 * time.Minute).UnixMilli()
	})
	_, fault = f.pipeline.Admit(context.Background(), skewed, "127.0.0.1")
	require.Nil(t, fault)
}

func TestReplayDetected(t *testing.T) {
	f := newFixture(t, nil)
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	env := signedEnvelope(t, kp, nil)
	_, fault := f.pipeline.Admit(context.Background(), env, "127.0.0.1")
	require.Nil(t, fault)

	_, fault = f.pipeline.Admit(context.Background(), env, "127.0.0.1")
	require.Equal(t, KindReplayDetected, fault.Kind)
	require.Equal(t, 409, fault.Status)
}

func TestUnknownIntentType(t *testing.T) {
	f := newFixture(t, nil)
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	env := signedEnvelope(t, kp, func(e *Envelope) {
		e.Payload = json.RawMessage(`{"@type":"MYSTERY"}`)
	})
	_, fault := f.pipeline.Admit(context.Background(), env, "127.0.0.1")
	require.Equal(t, KindInvalidIntent, fault.Kind)
}

func emailEnvelope(t *testing.T, kp *crypto.Keypair, id, to, subject, body string) *Envelope {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"@type": IntentEmailMessage, "subject": subject, "body": body})
	require.NoError(t, err)
	return signedEnvelope(t, kp, func(e *Envelope) {
		e.ID = id
		e.ToDID = to
		e.Payload = payload
	})
}

func TestEmailGuards(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Features.Postage = false
	})
	ctx := context.Background()
	sender, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	recipient, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	// First contact: greylisted with a retry delay.
	first := emailEnvelope(t, sender, "env-1", recipient.DID, "Hello", "greetings")
	_, fault := f.pipeline.Admit(ctx, first, "127.0.0.1")
	require.NotNil(t, fault)
	require.Equal(t, KindGreylisted, fault.Kind)
	require.Equal(t, 425, fault.Status)
	require.Equal(t, time.Minute, fault.RetryAfter)

	// Retry after the delay passes. Content dedupe marked the hash on the
	// first attempt, so the retry needs fresh content.
	f.now = f.now.Add(2 * time.Minute)
	retry := emailEnvelope(t, sender, "env-2", recipient.DID, "Hello", "greetings again")
	_, fault = f.pipeline.Admit(ctx, retry, "127.0.0.1")
	require.Nil(t, fault)

	// Identical content within the dedupe window is a duplicate.
	dup := emailEnvelope(t, sender, "env-3", recipient.DID, "Hello", "greetings again")
	_, fault = f.pipeline.Admit(ctx, dup, "127.0.0.1")
	require.Equal(t, KindDuplicateEmail, fault.Kind)
	require.Equal(t, 409, fault.Status)
}

func TestPostageChargedOnFirstContact(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Features.Greylist = false
	})
	ctx := context.Background()
	sender, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	recipient, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	// No account: first-contact mail needs payment.
	env := emailEnvelope(t, sender, "env-1", recipient.DID, "Hi", "first")
	_, fault := f.pipeline.Admit(ctx, env, "127.0.0.1")
	require.NotNil(t, fault)
	require.Equal(t, KindPaymentRequired, fault.Kind)
	require.Equal(t, 402, fault.Status)

	// Funded: the stamp is spent.
	_, err = f.ledger.CreateAccount(ctx, sender.DID, big.NewInt(10_000))
	require.NoError(t, err)
	env = emailEnvelope(t, sender, "env-2", recipient.DID, "Hi", "second")
	_, fault = f.pipeline.Admit(ctx, env, "127.0.0.1")
	require.Nil(t, fault)

	account, err := f.ledger.GetAccount(ctx, sender.DID)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(9_000), account.BalanceInt())
	require.Equal(t, big.NewInt(1_000), account.SpentInt())
}

func TestRateLimitExceeded(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.RateLimit.MaxPerMinute = 60
		cfg.RateLimit.Burst = 2
	})
	ctx := context.Background()
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		env := signedEnvelope(t, kp, func(e *Envelope) { e.ID = fmt.Sprintf("env-%d", i) })
		_, fault := f.pipeline.Admit(ctx, env, "127.0.0.1")
		require.Nil(t, fault)
	}
	env := signedEnvelope(t, kp, func(e *Envelope) { e.ID = "env-over" })
	_, fault := f.pipeline.Admit(ctx, env, "127.0.0.1")
	require.NotNil(t, fault)
	require.Equal(t, KindRateLimited, fault.Kind)
	require.Equal(t, 429, fault.Status)
	require.Positive(t, fault.RetryAfter)
}

func TestDegradedFailOpen(t *testing.T) {
	f := newFixture(t, nil)
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	f.store.fail = true
	env := signedEnvelope(t, kp, nil)
	res, fault := f.pipeline.Admit(context.Background(), env, "127.0.0.1")
	require.Nil(t, fault)
	require.True(t, res.Degraded)
}

func TestSigningBytesRoundTrip(t *testing.T) {
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	env := signedEnvelope(t, kp, nil)

	// Canonicalize-sign-verify-canonicalize is the identity on the bytes.
	first, err := env.SigningBytes()
	require.NoError(t, err)
	pub, err := crypto.PublicKeyOf(env.FromDID)
	require.NoError(t, err)
	require.NoError(t, crypto.Verify(first, env.Sig, pub))
	second, err := env.SigningBytes()
	require.NoError(t, err)
	require.Equal(t, first, second)
}
