package reputation

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ainp/config"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return NewEngine(db, config.Default().Reputation, nil)
}

func fp(v float64) *float64 { return &v }
func ip(v int64) *int64     { return &v }
func bp(v bool) *bool       { return &v }

func TestApplyEWMA(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	did := "did:key:zAgent"

	vec, err := e.Apply(ctx, did, Observation{Quality: fp(1.0)})
	require.NoError(t, err)
	// (1-0.2)*0.5 + 0.2*1.0 = 0.6
	require.InDelta(t, 0.6, vec.Quality, 1e-9)
	require.InDelta(t, NeutralPrior, vec.Safety, 1e-9, "unobserved dimensions keep their prior")

	vec, err = e.Apply(ctx, did, Observation{Quality: fp(1.0)})
	require.NoError(t, err)
	require.InDelta(t, 0.68, vec.Quality, 1e-9)
}

func TestApplyTimelinessFromLatency(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	vec, err := e.Apply(ctx, "did:key:zFast", Observation{LatencyMillis: ip(0)})
	require.NoError(t, err)
	require.InDelta(t, 0.6, vec.Timeliness, 1e-9)

	vec, err = e.Apply(ctx, "did:key:zSlow", Observation{LatencyMillis: ip(10_000)})
	require.NoError(t, err)
	// Latency at 2x the reference clamps the observation to 0.
	require.InDelta(t, 0.4, vec.Timeliness, 1e-9)
}

func TestApplyReliability(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	did := "did:key:zRel"

	vec, err := e.Apply(ctx, did, Observation{Finalized: bp(true)})
	require.NoError(t, err)
	require.InDelta(t, 0.6, vec.Reliability, 1e-9)

	vec, err = e.Apply(ctx, did, Observation{Finalized: bp(false)})
	require.NoError(t, err)
	require.InDelta(t, 0.48, vec.Reliability, 1e-9)
}

func TestTrustScoreTracksVector(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	did := "did:key:zTrust"

	score, err := e.TrustScore(ctx, did)
	require.NoError(t, err)
	require.InDelta(t, NeutralPrior, score, 1e-9, "unknown agents get the neutral prior")

	_, err = e.Apply(ctx, did, Observation{Quality: fp(1), TruthValue: fp(1), Finalized: bp(true), LatencyMillis: ip(0)})
	require.NoError(t, err)

	score, err = e.TrustScore(ctx, did)
	require.NoError(t, err)
	require.InDelta(t, 0.6, score, 1e-9)
}

func TestAggregateUsefulnessBounds(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	did := "did:key:zUse"

	for i := 0; i < 30; i++ {
		_, err := e.Apply(ctx, did, Observation{
			Quality: fp(1), Finalized: bp(true), LatencyMillis: ip(0),
			TruthValue: fp(1), Impact: fp(1),
		})
		require.NoError(t, err)
	}
	n, err := e.AggregateUsefulness(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	score, err := e.Usefulness(ctx, did)
	require.NoError(t, err)
	require.Greater(t, score, 90.0)
	require.LessOrEqual(t, score, 100.0)
}

func TestUsefulnessMonotoneInVector(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Apply(ctx, "did:key:zHigh", Observation{Quality: fp(1), Impact: fp(1)})
	require.NoError(t, err)
	_, err = e.Apply(ctx, "did:key:zLow", Observation{Quality: fp(0), Impact: fp(0)})
	require.NoError(t, err)

	_, err = e.AggregateUsefulness(ctx)
	require.NoError(t, err)

	high, err := e.Usefulness(ctx, "did:key:zHigh")
	require.NoError(t, err)
	low, err := e.Usefulness(ctx, "did:key:zLow")
	require.NoError(t, err)
	require.Greater(t, high, low)
}
