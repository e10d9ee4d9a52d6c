package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestValidateRejectsWeightMisSum(t *testing.T) {
	cfg := Default()
	cfg.Discovery.SimilarityWeight = 0.5
	cfg.Discovery.TrustWeight = 0.3
	cfg.Discovery.UsefulnessWeight = 0.1
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsBadSplit(t *testing.T) {
	cfg := Default()
	cfg.Negotiation.Split.Agent = 0.8
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsAlphaOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Reputation.Alpha = 0
	require.Error(t, Validate(cfg))
	cfg.Reputation.Alpha = 1.5
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsRoundCapBreach(t *testing.T) {
	cfg := Default()
	cfg.Negotiation.MaxRounds = 21
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsQuorumLargerThanCommittee(t *testing.T) {
	cfg := Default()
	cfg.Receipts.QuorumK = 6
	cfg.Receipts.CommitteeM = 5
	require.Error(t, Validate(cfg))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DISCOVERY_SIMILARITY_WEIGHT", "0.5")
	t.Setenv("DISCOVERY_TRUST_WEIGHT", "0.4")
	t.Setenv("DISCOVERY_USEFULNESS_WEIGHT", "0.1")
	t.Setenv("POU_K", "2")
	t.Setenv("RATE_LIMIT_MAX_PER_MINUTE", "30")
	t.Setenv("POU_FINALIZER_CRON", "90s")

	cfg, err := Load("")
	require.NoError(t, err)
	require.InDelta(t, 0.5, cfg.Discovery.SimilarityWeight, 1e-9)
	require.Equal(t, 2, cfg.Receipts.QuorumK)
	require.InDelta(t, 30.0, cfg.RateLimit.MaxPerMinute, 1e-9)
	require.Equal(t, "1m30s", cfg.Receipts.FinalizerInterval().String())
}
