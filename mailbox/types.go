package mailbox

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrForbidden is returned when a reader is not a participant of the
	// message or thread it asked for.
	ErrForbidden = errors.New("not a participant")
	// ErrMessageNotFound is returned for unknown message ids.
	ErrMessageNotFound = errors.New("message not found")
	// ErrBadCursor rejects pagination cursors the store did not mint.
	ErrBadCursor = errors.New("malformed cursor")
)

// Message is one durable mailbox row. The participant set is the union of
// from_did and to_did; only participants may read it. Idempotency is keyed by
// the envelope id that carried the message.
type Message struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	EnvelopeID     string    `gorm:"uniqueIndex;not null"`
	ConversationID string    `gorm:"index;not null"`
	FromDID        string    `gorm:"column:from_did;index;not null"`
	ToDID          string    `gorm:"column:to_did;index;not null"`
	Subject        string
	Body           string
	Attachments    string // JSON array
	CreatedAt      time.Time `gorm:"index"`
}

// TableName keeps the table name stable.
func (Message) TableName() string { return "messages" }

// Participant reports whether did may read this message.
func (m *Message) Participant(did string) bool {
	return did == m.FromDID || did == m.ToDID
}

// Flag holds the per-owner view state of a message: read marker and labels.
// Each participant labels and reads independently.
type Flag struct {
	MessageID uuid.UUID `gorm:"type:uuid;primaryKey"`
	OwnerDID  string    `gorm:"column:owner_did;primaryKey"`
	Read      bool      `gorm:"not null;default:false"`
	Labels    string    // JSON array
	UpdatedAt time.Time
}

// TableName keeps the table name stable.
func (Flag) TableName() string { return "message_flags" }

// LabelSet decodes the stored labels.
func (f *Flag) LabelSet() []string {
	if f.Labels == "" {
		return nil
	}
	var labels []string
	if err := json.Unmarshal([]byte(f.Labels), &labels); err != nil {
		return nil
	}
	return labels
}

// View is a message joined with the caller's flags.
type View struct {
	Message
	Read   bool     `json:"read"`
	Labels []string `json:"labels,omitempty"`
}

// AutoMigrate creates or updates the mailbox schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Message{}, &Flag{})
}
