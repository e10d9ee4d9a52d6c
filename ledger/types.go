package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Transaction types recorded in the append-only log.
const (
	TxDeposit = "deposit"
	TxReserve = "reserve"
	TxRelease = "release"
	TxEarn    = "earn"
	TxSpend   = "spend"
)

var (
	// ErrInsufficientFunds is returned when a reserve or spend exceeds the
	// available balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAccountNotFound is returned for operations against an unknown DID.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInvalidAmount rejects nil, negative or malformed amounts.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidRelease rejects releases that exceed the reserved balance or
	// spend more than they release.
	ErrInvalidRelease = errors.New("invalid release")
)

// Account is the single durable source of truth for an agent's credits. All
// four fields are non-negative big integers in atomic units, persisted as
// decimal strings.
type Account struct {
	DID       string `gorm:"column:did;primaryKey"`
	Balance   string `gorm:"not null;default:'0'"`
	Reserved  string `gorm:"not null;default:'0'"`
	Earned    string `gorm:"not null;default:'0'"`
	Spent     string `gorm:"not null;default:'0'"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName keeps the historical table name stable across refactors.
func (Account) TableName() string { return "credit_accounts" }

// BalanceInt parses the stored balance.
func (a *Account) BalanceInt() *big.Int { return parseStored(a.Balance) }

// ReservedInt parses the stored reservation total.
func (a *Account) ReservedInt() *big.Int { return parseStored(a.Reserved) }

// EarnedInt parses the lifetime earnings.
func (a *Account) EarnedInt() *big.Int { return parseStored(a.Earned) }

// SpentInt parses the lifetime spend.
func (a *Account) SpentInt() *big.Int { return parseStored(a.Spent) }

// Transaction is one immutable row of the credit log. Every account mutation
// appends exactly one in the same database transaction.
type Transaction struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	AgentDID          string    `gorm:"column:agent_did;index;not null"`
	TxType            string    `gorm:"index;not null"`
	Amount            string    `gorm:"not null"`
	Counterparty      string
	Reference         string
	Category          string
	UsefulnessProofID string
	CreatedAt         time.Time `gorm:"index"`
}

// TableName keeps the historical table name stable across refactors.
func (Transaction) TableName() string { return "credit_transactions" }

// AutoMigrate creates or updates the ledger schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &Transaction{})
}

func parseStored(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	return nil
}
