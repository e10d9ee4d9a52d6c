package antifraud

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Contact states.
const (
	ContactUnknown     = "unknown"
	ContactGreylisted  = "greylisted"
	ContactAllowlisted = "allowlisted"
)

// Contact records that owner has previously exchanged mail with peer. A row
// existing at all is what "prior contact" means to the greylist.
type Contact struct {
	OwnerDID  string `gorm:"column:owner_did;primaryKey"`
	PeerDID   string `gorm:"column:peer_did;primaryKey"`
	State     string `gorm:"not null;default:'unknown'"`
	FirstSeen time.Time
	LastSeen  time.Time
}

// TableName keeps the table name stable.
func (Contact) TableName() string { return "contacts" }

// ContactStore persists the contact graph used by the greylist and postage
// guards.
type ContactStore struct {
	db *gorm.DB
}

// NewContactStore wraps the database handle.
func NewContactStore(db *gorm.DB) *ContactStore {
	return &ContactStore{db: db}
}

// AutoMigrateContacts creates or updates the contact schema.
func AutoMigrateContacts(db *gorm.DB) error {
	return db.AutoMigrate(&Contact{})
}

// HasPriorContact reports whether owner has ever received from peer.
func (s *ContactStore) HasPriorContact(ctx context.Context, owner, peer string) (bool, error) {
	var contact Contact
	err := s.db.WithContext(ctx).First(&contact, "owner_did = ? AND peer_did = ?", owner, peer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// State returns the contact state, defaulting to unknown.
func (s *ContactStore) State(ctx context.Context, owner, peer string) (string, error) {
	var contact Contact
	err := s.db.WithContext(ctx).First(&contact, "owner_did = ? AND peer_did = ?", owner, peer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ContactUnknown, nil
	}
	if err != nil {
		return "", err
	}
	return contact.State, nil
}

// Record upserts the contact row, advancing last_seen.
func (s *ContactStore) Record(ctx context.Context, owner, peer, state string, now time.Time) error {
	if state == "" {
		state = ContactUnknown
	}
	contact := Contact{
		OwnerDID:  owner,
		PeerDID:   peer,
		State:     state,
		FirstSeen: now,
		LastSeen:  now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_did"}, {Name: "peer_did"}},
		DoUpdates: clause.Assignments(map[string]any{"last_seen": now, "state": state}),
	}).Create(&contact).Error
}
