package receipts

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Receipt statuses.
const (
	StatusPending   = "pending"
	StatusFinalized = "finalized"
	StatusDisputed  = "disputed"
	StatusFailed    = "failed"
)

// Attestation types. The set is open; these are the types the finalizer and
// the reputation mapping understand.
const (
	AttestAccepted   = "ACCEPTED"
	AttestAuditPass  = "AUDIT_PASS"
	AttestSafetyPass = "SAFETY_PASS"
)

var (
	// ErrReceiptNotFound is returned for unknown receipt ids.
	ErrReceiptNotFound = errors.New("receipt not found")
	// ErrDuplicateAttestation enforces (task, attester, type) uniqueness.
	ErrDuplicateAttestation = errors.New("duplicate attestation")
	// ErrQuorumNotMet rejects a manual finalize below the threshold.
	ErrQuorumNotMet = errors.New("quorum not met")
	// ErrAlreadyFinalized guards terminal receipts against re-transition.
	ErrAlreadyFinalized = errors.New("receipt already finalized")
)

// Receipt asserts that a piece of agent work happened. It finalizes once a
// quorum of committee attestations is reached; the sweep never transitions
// out of finalized.
type Receipt struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	NegotiationID string    `gorm:"index"`
	IntentID      string    `gorm:"index"`
	AgentDID      string    `gorm:"index;not null"`
	ClientDID     string    `gorm:"not null"`
	Metrics       string    // JSON object of observed metrics
	AmountAtomic  string    `gorm:"not null;default:'0'"`
	Status        string    `gorm:"index;not null;default:'pending'"`
	Committee     string    `gorm:"not null"` // JSON []string
	K             int       `gorm:"not null"`
	M             int       `gorm:"not null"`
	CommitteeSeed string    `gorm:"not null"`
	FinalizedAt   *time.Time
	CreatedAt     time.Time
}

// TableName keeps the table name stable.
func (Receipt) TableName() string { return "task_receipts" }

// CommitteeDIDs decodes the sampled committee.
func (r *Receipt) CommitteeDIDs() []string {
	var dids []string
	if err := json.Unmarshal([]byte(r.Committee), &dids); err != nil {
		return nil
	}
	return dids
}

// MetricsMap decodes the observed metrics.
func (r *Receipt) MetricsMap() map[string]any {
	if r.Metrics == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(r.Metrics), &m); err != nil {
		return nil
	}
	return m
}

// Attestation is one signed claim about a receipt by one DID.
type Attestation struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	TaskID      uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_task_by_type;index;not null"`
	ByDID       string    `gorm:"column:by_did;uniqueIndex:idx_task_by_type;not null"`
	Type        string    `gorm:"uniqueIndex:idx_task_by_type;not null"`
	Score       *float64
	Confidence  *float64
	EvidenceRef string
	Signature   string
	CreatedAt   time.Time
}

// TableName keeps the table name stable.
func (Attestation) TableName() string { return "attestations" }

// AutoMigrate creates or updates the receipts schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Receipt{}, &Attestation{})
}
