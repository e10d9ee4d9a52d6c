package reputation

import (
	"time"

	"gorm.io/gorm"
)

// Vector is the multi-dimensional EWMA reputation of an agent. Every
// dimension lives in [0,1]; fresh agents start at the neutral prior.
type Vector struct {
	AgentDID   string  `gorm:"column:agent_did;primaryKey"`
	Quality    float64 `gorm:"not null"`
	Timeliness float64 `gorm:"not null"`
	Reliability float64 `gorm:"not null"`
	Safety     float64 `gorm:"not null"`
	TruthValue float64 `gorm:"not null"`
	Impact     float64 `gorm:"not null"`
	Efficiency float64 `gorm:"not null"`
	UpdatedAt  time.Time
}

// TableName keeps the table name stable.
func (Vector) TableName() string { return "agent_reputation" }

// NeutralPrior is the starting value for every reputation dimension.
const NeutralPrior = 0.5

func newVector(did string, now time.Time) Vector {
	return Vector{
		AgentDID:    did,
		Quality:     NeutralPrior,
		Timeliness:  NeutralPrior,
		Reliability: NeutralPrior,
		Safety:      NeutralPrior,
		TruthValue:  NeutralPrior,
		Impact:      NeutralPrior,
		Efficiency:  NeutralPrior,
		UpdatedAt:   now,
	}
}

// TrustVector is the scalar trust summary consumed by discovery ranking.
type TrustVector struct {
	AgentDID    string  `gorm:"column:agent_did;primaryKey"`
	Score       float64 `gorm:"not null"`
	Reliability float64 `gorm:"not null"`
	Honesty     float64 `gorm:"not null"`
	Competence  float64 `gorm:"not null"`
	Timeliness  float64 `gorm:"not null"`
	DecayRate   float64 `gorm:"not null;default:1"`
	LastUpdated time.Time
}

// TableName keeps the table name stable.
func (TrustVector) TableName() string { return "trust_vectors" }

// UsefulnessScore is the cached 0–100 blend consumed by discovery ranking,
// materialized by the aggregator job.
type UsefulnessScore struct {
	AgentDID    string  `gorm:"column:agent_did;primaryKey"`
	Score       float64 `gorm:"not null"`
	LastUpdated time.Time
}

// TableName keeps the table name stable.
func (UsefulnessScore) TableName() string { return "usefulness_scores" }

// AutoMigrate creates or updates the reputation schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Vector{}, &TrustVector{}, &UsefulnessScore{})
}
