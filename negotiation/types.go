package negotiation

import (
	"encoding/json"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session states.
const (
	StateInitiated       = "initiated"
	StateProposed        = "proposed"
	StateCounterProposed = "counter_proposed"
	StateAccepted        = "accepted"
	StateRejected        = "rejected"
	StateExpired         = "expired"
)

// MaxRoundsHardCap bounds max_rounds regardless of configuration.
const MaxRoundsHardCap = 20

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("negotiation session not found")
	// ErrMaxRoundsExceeded rejects a proposal past the round budget.
	ErrMaxRoundsExceeded = errors.New("max rounds exceeded")
	// ErrSessionExpired rejects operations on an expired session.
	ErrSessionExpired = errors.New("negotiation session expired")
	// ErrInvalidTransition rejects operations the state machine does not
	// permit, including out-of-turn proposals and self-acceptance.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNotParticipant rejects callers outside the session pair.
	ErrNotParticipant = errors.New("caller is not a session participant")
)

// Proposal is one side's offer across the negotiated fields.
type Proposal struct {
	Price        *float64       `json:"price,omitempty"`
	DeliveryTime *float64       `json:"delivery_time,omitempty"`
	QualitySLA   *float64       `json:"quality_sla,omitempty"`
	Custom       map[string]any `json:"custom,omitempty"`
}

// PriceAtomic converts the proposal price to atomic ledger units.
func (p *Proposal) PriceAtomic(unitScale int64) *big.Int {
	if p == nil || p.Price == nil || unitScale <= 0 {
		return big.NewInt(0)
	}
	return big.NewInt(int64(math.Round(*p.Price * float64(unitScale))))
}

// Session is one bilateral bargaining exchange. Rounds are append-only and
// strictly ordered; the session row owns them.
type Session struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	IntentID         string    `gorm:"index"`
	InitiatorDID     string    `gorm:"index;not null"`
	ResponderDID     string    `gorm:"index;not null"`
	State            string    `gorm:"index;not null"`
	ConvergenceScore float64
	CurrentProposal  string // JSON
	FinalProposal    string // JSON
	ReservedAtomic   string `gorm:"not null;default:'0'"`
	MaxRounds        int    `gorm:"not null"`
	RoundCount       int    `gorm:"not null"`
	SettledAt        *time.Time
	CreatedAt        time.Time
	ExpiresAt        time.Time `gorm:"index"`
}

// TableName keeps the table name stable.
func (Session) TableName() string { return "negotiation_sessions" }

// Participant reports whether did belongs to the session pair.
func (s *Session) Participant(did string) bool {
	return did == s.InitiatorDID || did == s.ResponderDID
}

// Terminal reports whether the session can still move.
func (s *Session) Terminal() bool {
	switch s.State {
	case StateRejected, StateExpired:
		return true
	}
	return false
}

// Current decodes the proposal on the table.
func (s *Session) Current() *Proposal {
	return decodeProposal(s.CurrentProposal)
}

// Final decodes the accepted proposal.
func (s *Session) Final() *Proposal {
	return decodeProposal(s.FinalProposal)
}

// ReservedInt parses the escrowed amount.
func (s *Session) ReservedInt() *big.Int {
	val, ok := new(big.Int).SetString(s.ReservedAtomic, 10)
	if !ok {
		return big.NewInt(0)
	}
	return val
}

func decodeProposal(raw string) *Proposal {
	if raw == "" {
		return nil
	}
	var p Proposal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil
	}
	return &p
}

// Round is one appended proposal. round_number starts at 1 and is unique per
// session; convergence_delta is defined from round 2 on.
type Round struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID        uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_session_round;index;not null"`
	RoundNumber      int       `gorm:"uniqueIndex:idx_session_round;not null"`
	ProposerDID      string    `gorm:"not null"`
	Proposal         string    `gorm:"not null"` // JSON
	ConvergenceDelta *float64
	CreatedAt        time.Time
}

// TableName keeps the table name stable.
func (Round) TableName() string { return "negotiation_rounds" }

// AutoMigrate creates or updates the negotiation schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Session{}, &Round{})
}
