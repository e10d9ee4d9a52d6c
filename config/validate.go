package config

import (
	"fmt"
	"math"
)

const (
	weightTolerance = 1e-3
	splitTolerance  = 1e-4

	// MaxNegotiationRounds is the hard cap no configuration may exceed.
	MaxNegotiationRounds = 20
)

// Validate rejects contradictory configuration at startup.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	weightSum := cfg.Discovery.SimilarityWeight + cfg.Discovery.TrustWeight + cfg.Discovery.UsefulnessWeight
	if math.Abs(weightSum-1) > weightTolerance {
		return fmt.Errorf("discovery: weights sum to %.4f, want 1 ± %g", weightSum, weightTolerance)
	}
	if cfg.Discovery.SimilarityWeight < 0 || cfg.Discovery.TrustWeight < 0 || cfg.Discovery.UsefulnessWeight < 0 {
		return fmt.Errorf("discovery: negative ranking weight")
	}
	if cfg.Discovery.EmbeddingDim <= 0 {
		return fmt.Errorf("discovery: embedding_dim must be positive")
	}
	if cfg.Discovery.FanoutK <= 0 {
		return fmt.Errorf("discovery: fanout_k must be positive")
	}
	splitSum := cfg.Negotiation.Split.Agent + cfg.Negotiation.Split.Broker + cfg.Negotiation.Split.Validator + cfg.Negotiation.Split.Pool
	if math.Abs(splitSum-1) > splitTolerance {
		return fmt.Errorf("negotiation: incentive split sums to %.5f, want 1 ± %g", splitSum, splitTolerance)
	}
	if cfg.Negotiation.MaxRounds <= 0 || cfg.Negotiation.MaxRounds > MaxNegotiationRounds {
		return fmt.Errorf("negotiation: max_rounds %d outside (0, %d]", cfg.Negotiation.MaxRounds, MaxNegotiationRounds)
	}
	if cfg.Negotiation.SessionTTLSeconds <= 0 {
		return fmt.Errorf("negotiation: session_ttl_seconds must be positive")
	}
	if cfg.Receipts.QuorumK < 1 {
		return fmt.Errorf("receipts: quorum k must be at least 1")
	}
	if cfg.Receipts.CommitteeM < cfg.Receipts.QuorumK {
		return fmt.Errorf("receipts: committee m %d < quorum k %d", cfg.Receipts.CommitteeM, cfg.Receipts.QuorumK)
	}
	if cfg.Receipts.FinalizerIntervalSeconds <= 0 {
		return fmt.Errorf("receipts: finalizer interval must be positive")
	}
	if cfg.Reputation.Alpha <= 0 || cfg.Reputation.Alpha > 1 {
		return fmt.Errorf("reputation: alpha %.3f outside (0, 1]", cfg.Reputation.Alpha)
	}
	if cfg.Reputation.LatencyRefMillis <= 0 {
		return fmt.Errorf("reputation: latency_ref_millis must be positive")
	}
	if cfg.RateLimit.MaxPerMinute <= 0 {
		return fmt.Errorf("rate_limit: max_per_minute must be positive")
	}
	if cfg.AntiFraud.DedupeTTLSeconds < 0 || cfg.AntiFraud.ReplayTTLSeconds < 0 || cfg.AntiFraud.GreylistDelaySeconds < 0 {
		return fmt.Errorf("anti_fraud: negative TTL")
	}
	if cfg.AntiFraud.PostageAmountAtomic < 0 {
		return fmt.Errorf("anti_fraud: negative postage amount")
	}
	if cfg.CreditUnitScale <= 0 {
		return fmt.Errorf("credit_unit_scale must be positive")
	}
	if cfg.PushQueueDepth <= 0 {
		return fmt.Errorf("push_queue_depth must be positive")
	}
	return nil
}
