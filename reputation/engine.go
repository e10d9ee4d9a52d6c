package reputation

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"gorm.io/gorm"

	"ainp/config"
)

// Observation carries the signals extracted from one finalized (or failed)
// piece of work. Nil pointers mean "no signal"; the corresponding dimension
// keeps its prior.
type Observation struct {
	Quality       *float64
	LatencyMillis *int64
	Finalized     *bool
	Safety        *float64
	TruthValue    *float64
	Impact        *float64
	Efficiency    *float64
}

// Engine applies EWMA reputation updates and materializes the trust and
// usefulness summaries consumed by discovery.
type Engine struct {
	db    *gorm.DB
	cfg   config.Reputation
	log   *slog.Logger
	nowFn func() time.Time
}

// NewEngine constructs the reputation engine.
func NewEngine(db *gorm.DB, cfg config.Reputation, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{db: db, cfg: cfg, log: log, nowFn: time.Now}
}

// SetNowFunc overrides the wall clock, for tests.
func (e *Engine) SetNowFunc(now func() time.Time) { e.nowFn = now }

// Get returns the reputation vector for did, materializing the neutral prior
// for agents that have none yet.
func (e *Engine) Get(ctx context.Context, did string) (*Vector, error) {
	var vec Vector
	err := e.db.WithContext(ctx).First(&vec, "agent_did = ?", did).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fresh := newVector(did, e.nowFn().UTC())
		return &fresh, nil
	}
	if err != nil {
		return nil, err
	}
	return &vec, nil
}

// Apply folds an observation into the agent's vector with the configured
// alpha and refreshes the trust summary.
func (e *Engine) Apply(ctx context.Context, did string, obs Observation) (*Vector, error) {
	now := e.nowFn().UTC()
	var updated Vector
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var vec Vector
		err := tx.First(&vec, "agent_did = ?", did).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			vec = newVector(did, now)
		} else if err != nil {
			return err
		}

		alpha := e.cfg.Alpha
		if obs.Quality != nil {
			vec.Quality = ewma(vec.Quality, clamp01(*obs.Quality), alpha)
		}
		if obs.LatencyMillis != nil {
			observed := 1 - math.Min(1, float64(*obs.LatencyMillis)/float64(e.cfg.LatencyRefMillis))
			vec.Timeliness = ewma(vec.Timeliness, observed, alpha)
		}
		if obs.Finalized != nil {
			observed := 0.0
			if *obs.Finalized {
				observed = 1.0
			}
			vec.Reliability = ewma(vec.Reliability, observed, alpha)
		}
		if obs.Safety != nil {
			vec.Safety = ewma(vec.Safety, clamp01(*obs.Safety), alpha)
		}
		if obs.TruthValue != nil {
			vec.TruthValue = ewma(vec.TruthValue, clamp01(*obs.TruthValue), alpha)
		}
		if obs.Impact != nil {
			vec.Impact = ewma(vec.Impact, clamp01(*obs.Impact), alpha)
		}
		if obs.Efficiency != nil {
			vec.Efficiency = ewma(vec.Efficiency, clamp01(*obs.Efficiency), alpha)
		}
		vec.UpdatedAt = now
		if err := tx.Save(&vec).Error; err != nil {
			return err
		}
		updated = vec
		return e.refreshTrust(tx, &vec, now)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// TrustScore returns the scalar trust of did in [0,1]; unknown agents get the
// neutral prior.
func (e *Engine) TrustScore(ctx context.Context, did string) (float64, error) {
	var tv TrustVector
	err := e.db.WithContext(ctx).First(&tv, "agent_did = ?", did).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NeutralPrior, nil
	}
	if err != nil {
		return 0, err
	}
	return tv.Score, nil
}

// Usefulness returns the cached usefulness score of did in [0,100].
func (e *Engine) Usefulness(ctx context.Context, did string) (float64, error) {
	var us UsefulnessScore
	err := e.db.WithContext(ctx).First(&us, "agent_did = ?", did).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return us.Score, nil
}

// AggregateUsefulness recomputes the cached usefulness score for every agent
// with a reputation vector. The blend maps dimension groups onto the
// configured compute/memory/routing/validation/learning weights and bounds
// the result to [0,100].
func (e *Engine) AggregateUsefulness(ctx context.Context) (int, error) {
	var vectors []Vector
	if err := e.db.WithContext(ctx).Find(&vectors).Error; err != nil {
		return 0, err
	}
	now := e.nowFn().UTC()
	updated := 0
	for i := range vectors {
		vec := &vectors[i]
		score := e.blend(vec)
		row := UsefulnessScore{AgentDID: vec.AgentDID, Score: score, LastUpdated: now}
		if err := e.db.WithContext(ctx).Save(&row).Error; err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

func (e *Engine) blend(vec *Vector) float64 {
	// Heuristic grouping: compute←quality, memory←reliability,
	// routing←timeliness, validation←truth value, learning←impact.
	raw := e.cfg.ComputeWeight*vec.Quality +
		e.cfg.MemoryWeight*vec.Reliability +
		e.cfg.RoutingWeight*vec.Timeliness +
		e.cfg.ValidationWeight*vec.TruthValue +
		e.cfg.LearningWeight*vec.Impact
	return math.Max(0, math.Min(100, raw*100))
}

func (e *Engine) refreshTrust(tx *gorm.DB, vec *Vector, now time.Time) error {
	tv := TrustVector{
		AgentDID:    vec.AgentDID,
		Reliability: vec.Reliability,
		Honesty:     vec.TruthValue,
		Competence:  vec.Quality,
		Timeliness:  vec.Timeliness,
		DecayRate:   1,
		LastUpdated: now,
	}
	tv.Score = clamp01((tv.Reliability + tv.Honesty + tv.Competence + tv.Timeliness) / 4)
	return tx.Save(&tv).Error
}

func ewma(old, observed, alpha float64) float64 {
	return clamp01((1-alpha)*old + alpha*observed)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
