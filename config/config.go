package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Features gates optional broker behaviour. Every toggle defaults to on so a
// bare config file yields a fully armed broker; operators switch pieces off
// explicitly.
type Features struct {
	SignatureVerification bool `toml:"SignatureVerification"`
	ReplayProtection      bool `toml:"ReplayProtection"`
	ContentDedupe         bool `toml:"ContentDedupe"`
	Greylist              bool `toml:"Greylist"`
	Postage               bool `toml:"Postage"`
	Ledger                bool `toml:"Ledger"`
	UsefulnessAggregation bool `toml:"UsefulnessAggregation"`
	UsefulnessWeighting   bool `toml:"UsefulnessWeighting"`
	Negotiation           bool `toml:"Negotiation"`
	Finalizer             bool `toml:"Finalizer"`
	Tracing               bool `toml:"Tracing"`
	Monitoring            bool `toml:"Monitoring"`
}

// Discovery holds the ranking weights and fan-out behaviour of the semantic
// index. The three weights must sum to one.
type Discovery struct {
	SimilarityWeight float64 `toml:"SimilarityWeight"`
	TrustWeight      float64 `toml:"TrustWeight"`
	UsefulnessWeight float64 `toml:"UsefulnessWeight"`
	DefaultLimit     int     `toml:"DefaultLimit"`
	FanoutK          int     `toml:"FanoutK"`
	EmbeddingDim     int     `toml:"EmbeddingDim"`

	// EmbeddingEndpoint points at an OpenAI-compatible embeddings API. When
	// empty, the broker falls back to a local hash embedder.
	EmbeddingEndpoint string `toml:"EmbeddingEndpoint"`
	EmbeddingModel    string `toml:"EmbeddingModel"`
}

// AntiFraud configures the replay, dedupe, greylist and postage guards.
type AntiFraud struct {
	ReplayTTLSeconds     int64 `toml:"ReplayTTLSeconds"`
	DedupeTTLSeconds     int64 `toml:"DedupeTTLSeconds"`
	GreylistDelaySeconds int64 `toml:"GreylistDelaySeconds"`
	PostageAmountAtomic  int64 `toml:"PostageAmountAtomic"`
}

// RateLimit bounds ingress per DID (authenticated) or IP (anonymous).
type RateLimit struct {
	MaxPerMinute float64 `toml:"MaxPerMinute"`
	Burst        int     `toml:"Burst"`
}

// IncentiveSplit distributes a settled negotiation price. Shares must sum to
// one within 1e-4.
type IncentiveSplit struct {
	Agent     float64 `toml:"Agent"`
	Broker    float64 `toml:"Broker"`
	Validator float64 `toml:"Validator"`
	Pool      float64 `toml:"Pool"`
}

// Negotiation configures the bilateral bargaining engine. TreasuryDID
// collects the cut of any split party without a configured DID; when it is
// empty too, those cuts are withheld rather than paid out.
type Negotiation struct {
	MaxRounds         int            `toml:"MaxRounds"`
	SessionTTLSeconds int64          `toml:"SessionTTLSeconds"`
	Split             IncentiveSplit `toml:"Split"`
	BrokerDID         string         `toml:"BrokerDID"`
	ValidatorDID      string         `toml:"ValidatorDID"`
	PoolDID           string         `toml:"PoolDID"`
	TreasuryDID       string         `toml:"TreasuryDID"`
}

// Receipts configures proof-of-usefulness committee sampling and quorum
// finalization.
type Receipts struct {
	QuorumK                  int    `toml:"QuorumK"`
	CommitteeM               int    `toml:"CommitteeM"`
	CommitteeSalt            string `toml:"CommitteeSalt"`
	FinalizerIntervalSeconds int64  `toml:"FinalizerIntervalSeconds"`
	FinalizerBatch           int    `toml:"FinalizerBatch"`
}

// Payments configures the 402 challenge flow and provider webhooks. The
// WebhookSecrets map is keyed by provider name; an empty secret disables
// signature verification for that provider.
type Payments struct {
	BaseURL        string            `toml:"BaseURL"`
	WebhookSecrets map[string]string `toml:"WebhookSecrets"`
}

// Reputation configures the EWMA update and the usefulness blend.
type Reputation struct {
	Alpha                     float64 `toml:"Alpha"`
	LatencyRefMillis          int64   `toml:"LatencyRefMillis"`
	AggregatorIntervalSeconds int64   `toml:"AggregatorIntervalSeconds"`
	ComputeWeight             float64 `toml:"ComputeWeight"`
	MemoryWeight              float64 `toml:"MemoryWeight"`
	RoutingWeight             float64 `toml:"RoutingWeight"`
	ValidationWeight          float64 `toml:"ValidationWeight"`
	LearningWeight            float64 `toml:"LearningWeight"`
}

// Config is the full broker configuration, loaded from TOML and overridden by
// environment variables.
type Config struct {
	ListenAddress         string `toml:"ListenAddress"`
	Environment           string `toml:"Environment"`
	DatabaseURL           string `toml:"DatabaseURL"`
	RedisAddr             string `toml:"RedisAddr"`
	RedisPassword         string `toml:"RedisPassword"`
	RedisDB               int    `toml:"RedisDB"`
	CreditUnitScale       int64  `toml:"CreditUnitScale"`
	PushQueueDepth        int    `toml:"PushQueueDepth"`
	ExpiryIntervalSeconds int64  `toml:"ExpiryIntervalSeconds"`
	RequestTimeoutSeconds int64  `toml:"RequestTimeoutSeconds"`

	Features    Features    `toml:"Features"`
	Discovery   Discovery   `toml:"Discovery"`
	AntiFraud   AntiFraud   `toml:"AntiFraud"`
	RateLimit   RateLimit   `toml:"RateLimit"`
	Negotiation Negotiation `toml:"Negotiation"`
	Receipts    Receipts    `toml:"Receipts"`
	Reputation  Reputation  `toml:"Reputation"`
	Payments    Payments    `toml:"Payments"`
}

// Default returns the configuration the broker ships with.
func Default() *Config {
	return &Config{
		ListenAddress:         ":8080",
		Environment:           "dev",
		CreditUnitScale:       1000,
		PushQueueDepth:        1000,
		ExpiryIntervalSeconds: 60,
		RequestTimeoutSeconds: 15,
		Features: Features{
			SignatureVerification: true,
			ReplayProtection:      true,
			ContentDedupe:         true,
			Greylist:              true,
			Postage:               true,
			Ledger:                true,
			UsefulnessAggregation: true,
			UsefulnessWeighting:   true,
			Negotiation:           true,
			Finalizer:             true,
			Tracing:               true,
			Monitoring:            true,
		},
		Discovery: Discovery{
			SimilarityWeight: 0.6,
			TrustWeight:      0.3,
			UsefulnessWeight: 0.1,
			DefaultLimit:     10,
			FanoutK:          3,
			EmbeddingDim:     1536,
		},
		AntiFraud: AntiFraud{
			ReplayTTLSeconds:     300,
			DedupeTTLSeconds:     86400,
			GreylistDelaySeconds: 60,
			PostageAmountAtomic:  1000,
		},
		RateLimit: RateLimit{
			MaxPerMinute: 120,
			Burst:        20,
		},
		Negotiation: Negotiation{
			MaxRounds:         10,
			SessionTTLSeconds: 3600,
			TreasuryDID:       "did:ainp:treasury",
			Split: IncentiveSplit{
				Agent:     0.70,
				Broker:    0.10,
				Validator: 0.10,
				Pool:      0.10,
			},
		},
		Receipts: Receipts{
			QuorumK:                  3,
			CommitteeM:               5,
			CommitteeSalt:            "ainp-committee-v1",
			FinalizerIntervalSeconds: 60,
			FinalizerBatch:           100,
		},
		Payments: Payments{
			BaseURL: "http://localhost:8080",
		},
		Reputation: Reputation{
			Alpha:                     0.2,
			LatencyRefMillis:          5000,
			AggregatorIntervalSeconds: 3600,
			ComputeWeight:             0.4,
			MemoryWeight:              0.3,
			RoutingWeight:             0.2,
			ValidationWeight:          0.1,
			LearningWeight:            0.5,
		},
	}
}

// Load reads the configuration from path, applies environment overrides and
// validates the result. A missing file yields the defaults (still subject to
// env overrides and validation).
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AINP_LISTEN_ADDRESS"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	envInt64(&cfg.AntiFraud.DedupeTTLSeconds, "DEDUPE_TTL_SECONDS")
	envInt64(&cfg.AntiFraud.GreylistDelaySeconds, "GREYLIST_DELAY_SECONDS")
	envInt64(&cfg.AntiFraud.GreylistDelaySeconds, "EMAIL_GREYLIST_DELAY_SECONDS")
	envInt64(&cfg.AntiFraud.PostageAmountAtomic, "POSTAGE_AMOUNT_ATOMIC")
	envFloat(&cfg.Discovery.SimilarityWeight, "DISCOVERY_SIMILARITY_WEIGHT")
	envFloat(&cfg.Discovery.TrustWeight, "DISCOVERY_TRUST_WEIGHT")
	envFloat(&cfg.Discovery.UsefulnessWeight, "DISCOVERY_USEFULNESS_WEIGHT")
	if v := os.Getenv("EMBEDDING_ENDPOINT"); v != "" {
		cfg.Discovery.EmbeddingEndpoint = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Discovery.EmbeddingModel = v
	}
	envInt(&cfg.Receipts.QuorumK, "POU_K")
	envInt(&cfg.Receipts.CommitteeM, "POU_M")
	if v := os.Getenv("POU_FINALIZER_CRON"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Receipts.FinalizerIntervalSeconds = int64(d / time.Second)
		}
	}
	if v := os.Getenv("PAYMENTS_BASE_URL"); v != "" {
		cfg.Payments.BaseURL = v
	}
	envFloat(&cfg.Reputation.Alpha, "REPUTATION_ALPHA")
	envFloat(&cfg.RateLimit.MaxPerMinute, "RATE_LIMIT_MAX_PER_MINUTE")
}

func envInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = parsed
		}
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = parsed
		}
	}
}

// FinalizerInterval returns the receipt finalizer cadence.
func (r Receipts) FinalizerInterval() time.Duration {
	return time.Duration(r.FinalizerIntervalSeconds) * time.Second
}

// AggregatorInterval returns the usefulness aggregator cadence.
func (r Reputation) AggregatorInterval() time.Duration {
	return time.Duration(r.AggregatorIntervalSeconds) * time.Second
}

// ExpiryInterval returns the negotiation/agent expiry sweep cadence.
func (c *Config) ExpiryInterval() time.Duration {
	return time.Duration(c.ExpiryIntervalSeconds) * time.Second
}

// RequestTimeout returns the default server-side request deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// SessionTTL returns the negotiation session lifetime.
func (n Negotiation) SessionTTL() time.Duration {
	return time.Duration(n.SessionTTLSeconds) * time.Second
}
