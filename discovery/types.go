package discovery

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrDimensionMismatch rejects embeddings whose length differs from the
	// network-wide dimension fixed at startup.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrEmptyAdvertisement rejects advertisements with no capabilities.
	ErrEmptyAdvertisement = errors.New("advertisement has no capabilities")
	// ErrAgentNotFound is returned for lookups of unknown DIDs.
	ErrAgentNotFound = errors.New("agent not found")
)

// Agent is one registered participant. The row is created on first advertise
// and persists; expires_at advances with every re-advertise.
type Agent struct {
	DID       string `gorm:"column:did;primaryKey"`
	PublicKey []byte `gorm:"not null"`
	Address   string
	FirstSeen time.Time
	LastSeen  time.Time
	ExpiresAt *time.Time `gorm:"index"`
}

// TableName keeps the table name stable.
func (Agent) TableName() string { return "agents" }

// Active reports whether the agent is advertised at the given instant.
func (a *Agent) Active(now time.Time) bool {
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// Capability is one advertised function: a description, its embedding, and
// optional tags. The description always travels with its embedding; an
// embedding alone is invalid.
type Capability struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	AgentDID    string    `gorm:"column:agent_did;index;uniqueIndex:idx_agent_description;not null"`
	Description string    `gorm:"uniqueIndex:idx_agent_description;not null"`
	Embedding   string    `gorm:"not null"` // JSON-encoded []float32
	Tags        string    // JSON-encoded []string
	Version     int
	EvidenceRef string
	CreatedAt   time.Time
}

// TableName keeps the table name stable.
func (Capability) TableName() string { return "capabilities" }

// EmbeddingVec decodes the stored embedding.
func (c *Capability) EmbeddingVec() ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal([]byte(c.Embedding), &vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// TagSet decodes the stored tags.
func (c *Capability) TagSet() []string {
	if c.Tags == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(c.Tags), &tags); err != nil {
		return nil
	}
	return tags
}

// AutoMigrate creates or updates the discovery schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Agent{}, &Capability{})
}

// CapabilityAd is one capability inside an advertisement. A nil embedding is
// filled by the broker through the embedding collaborator.
type CapabilityAd struct {
	Description string    `json:"description"`
	Embedding   []float32 `json:"embedding,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Version     int       `json:"version,omitempty"`
	EvidenceRef string    `json:"evidence_ref,omitempty"`
}

// Advertisement replaces an agent's capability set atomically.
type Advertisement struct {
	DID          string
	PublicKey    []byte
	Address      string
	TTL          time.Duration
	Capabilities []CapabilityAd
}

// Query is one weighted similarity search.
type Query struct {
	Embedding     []float32
	MinSimilarity float64
	Tags          []string
	MinTrust      float64
	Limit         int
}

// Result is one ranked search hit.
type Result struct {
	DID         string  `json:"did"`
	Address     string  `json:"address,omitempty"`
	Description string  `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Similarity  float64 `json:"similarity"`
	Trust       float64 `json:"trust"`
	Usefulness  float64 `json:"usefulness"`
	Rank        float64 `json:"rank"`
}
