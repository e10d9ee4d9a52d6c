package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ainp/config"
	"ainp/reputation"
)

// Embedder turns text into a fixed-dimension vector. Embedding generation is
// an external collaborator; the broker only calls it to fill advertisements
// and queries that arrive without vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the semantic capability index with trust- and usefulness-weighted
// ranking.
type Index struct {
	db       *gorm.DB
	cfg      config.Discovery
	features config.Features
	rep      *reputation.Engine
	embedder Embedder
	log      *slog.Logger
	nowFn    func() time.Time
}

// NewIndex constructs the discovery index.
func NewIndex(db *gorm.DB, cfg config.Discovery, features config.Features, rep *reputation.Engine, embedder Embedder, log *slog.Logger) *Index {
	if log == nil {
		log = slog.Default()
	}
	return &Index{db: db, cfg: cfg, features: features, rep: rep, embedder: embedder, log: log, nowFn: time.Now}
}

// SetNowFunc overrides the wall clock, for tests.
func (i *Index) SetNowFunc(now func() time.Time) { i.nowFn = now }

// Advertise upserts the agent row, advances its expiry, and replaces its
// capability set in one transaction. Capabilities without embeddings are
// filled through the embedding collaborator before the transaction opens so
// no network call happens under the database lock.
func (i *Index) Advertise(ctx context.Context, ad Advertisement) error {
	if len(ad.Capabilities) == 0 {
		return ErrEmptyAdvertisement
	}
	for idx := range ad.Capabilities {
		capability := &ad.Capabilities[idx]
		if capability.Embedding == nil {
			if i.embedder == nil {
				return fmt.Errorf("capability %q has no embedding and no embedder is configured", capability.Description)
			}
			vec, err := i.embedder.Embed(ctx, capability.Description)
			if err != nil {
				return fmt.Errorf("embed capability %q: %w", capability.Description, err)
			}
			capability.Embedding = vec
		}
		if len(capability.Embedding) != i.cfg.EmbeddingDim {
			return fmt.Errorf("%w: capability %q has dimension %d, want %d",
				ErrDimensionMismatch, capability.Description, len(capability.Embedding), i.cfg.EmbeddingDim)
		}
	}

	now := i.nowFn().UTC()
	expires := now.Add(ad.TTL)
	return i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		agent := Agent{
			DID:       ad.DID,
			PublicKey: ad.PublicKey,
			Address:   ad.Address,
			FirstSeen: now,
			LastSeen:  now,
			ExpiresAt: &expires,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "did"}},
			DoUpdates: clause.Assignments(map[string]any{
				"address":    ad.Address,
				"last_seen":  now,
				"expires_at": expires,
			}),
		}).Create(&agent).Error; err != nil {
			return err
		}
		if err := tx.Where("agent_did = ?", ad.DID).Delete(&Capability{}).Error; err != nil {
			return err
		}
		for _, capability := range ad.Capabilities {
			embedding, err := json.Marshal(capability.Embedding)
			if err != nil {
				return err
			}
			row := Capability{
				ID:          uuid.New(),
				AgentDID:    ad.DID,
				Description: capability.Description,
				Embedding:   string(embedding),
				Version:     capability.Version,
				EvidenceRef: capability.EvidenceRef,
				CreatedAt:   now,
			}
			if len(capability.Tags) > 0 {
				tags, err := json.Marshal(capability.Tags)
				if err != nil {
					return err
				}
				row.Tags = string(tags)
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetAgent returns the agent row, or ErrAgentNotFound.
func (i *Index) GetAgent(ctx context.Context, did string) (*Agent, error) {
	var agent Agent
	if err := i.db.WithContext(ctx).First(&agent, "did = ?", did).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	return &agent, nil
}

// IsActive reports whether did is currently advertised.
func (i *Index) IsActive(ctx context.Context, did string) bool {
	agent, err := i.GetAgent(ctx, did)
	if err != nil {
		return false
	}
	return agent.Active(i.nowFn())
}

// ActiveAgentDIDs lists all agents whose advertisement has not expired,
// sorted by DID. The deterministic order is what makes committee sampling
// reproducible against a roster snapshot.
func (i *Index) ActiveAgentDIDs(ctx context.Context) ([]string, error) {
	now := i.nowFn().UTC()
	var dids []string
	err := i.db.WithContext(ctx).Model(&Agent{}).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("did ASC").
		Pluck("did", &dids).Error
	return dids, err
}

// Search ranks active capabilities against the query embedding. The rank is
// w_sim*sim + w_trust*trust + w_use*use; ties break on similarity, then DID.
func (i *Index) Search(ctx context.Context, q Query) ([]Result, error) {
	if len(q.Embedding) != i.cfg.EmbeddingDim {
		return nil, fmt.Errorf("%w: query has dimension %d, want %d",
			ErrDimensionMismatch, len(q.Embedding), i.cfg.EmbeddingDim)
	}
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = i.cfg.DefaultLimit
	}

	now := i.nowFn().UTC()
	var caps []Capability
	err := i.db.WithContext(ctx).
		Joins("JOIN agents ON agents.did = capabilities.agent_did").
		Where("agents.expires_at IS NULL OR agents.expires_at > ?", now).
		Find(&caps).Error
	if err != nil {
		return nil, err
	}

	type agentScores struct {
		trust      float64
		usefulness float64
		address    string
	}
	scores := make(map[string]agentScores)

	var results []Result
	for idx := range caps {
		capability := &caps[idx]
		if !matchesTags(capability.TagSet(), q.Tags) {
			continue
		}
		vec, err := capability.EmbeddingVec()
		if err != nil || len(vec) != len(q.Embedding) {
			continue
		}
		sim := clamp01(cosine(q.Embedding, vec))
		if sim < q.MinSimilarity {
			continue
		}

		agent, ok := scores[capability.AgentDID]
		if !ok {
			trust, err := i.rep.TrustScore(ctx, capability.AgentDID)
			if err != nil {
				return nil, err
			}
			usefulness := 0.0
			if i.features.UsefulnessWeighting {
				usefulness, err = i.rep.Usefulness(ctx, capability.AgentDID)
				if err != nil {
					return nil, err
				}
			}
			var row Agent
			address := ""
			if err := i.db.WithContext(ctx).First(&row, "did = ?", capability.AgentDID).Error; err == nil {
				address = row.Address
			}
			agent = agentScores{trust: trust, usefulness: usefulness, address: address}
			scores[capability.AgentDID] = agent
		}
		if agent.trust < q.MinTrust {
			continue
		}

		use := agent.usefulness / 100
		rank := i.cfg.SimilarityWeight*sim + i.cfg.TrustWeight*agent.trust + i.cfg.UsefulnessWeight*use
		results = append(results, Result{
			DID:         capability.AgentDID,
			Address:     agent.address,
			Description: capability.Description,
			Tags:        capability.TagSet(),
			Similarity:  sim,
			Trust:       agent.trust,
			Usefulness:  agent.usefulness,
			Rank:        rank,
		})
	}

	sort.Slice(results, func(a, b int) bool {
		if results[a].Rank != results[b].Rank {
			return results[a].Rank > results[b].Rank
		}
		if results[a].Similarity != results[b].Similarity {
			return results[a].Similarity > results[b].Similarity
		}
		return results[a].DID < results[b].DID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// ExpireAgents purges agents (and their capabilities) whose advertisement
// lapsed at or before now. Returns the number of purged agents.
func (i *Index) ExpireAgents(ctx context.Context) (int, error) {
	now := i.nowFn().UTC()
	var expired []string
	if err := i.db.WithContext(ctx).Model(&Agent{}).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Pluck("did", &expired).Error; err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	err := i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("agent_did IN ?", expired).Delete(&Capability{}).Error; err != nil {
			return err
		}
		return tx.Where("did IN ?", expired).Delete(&Agent{}).Error
	})
	if err != nil {
		return 0, err
	}
	return len(expired), nil
}

func matchesTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, tag := range have {
		set[tag] = struct{}{}
	}
	for _, tag := range want {
		if _, ok := set[tag]; !ok {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for idx := range a {
		dot += float64(a[idx]) * float64(b[idx])
		normA += float64(a[idx]) * float64(a[idx])
		normB += float64(b[idx]) * float64(b[idx])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
