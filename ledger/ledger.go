package ledger

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ledger owns every credit account mutation. Mutations for one DID are
// serialized through a per-key critical section; the balance change and its
// log row commit in one database transaction so a partial success cannot be
// observed.
type Ledger struct {
	db    *gorm.DB
	log   *slog.Logger
	nowFn func() time.Time
	locks *didLocks
}

// didLocks serializes mutations per DID, shared across transaction-bound
// copies of the ledger.
type didLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (d *didLocks) forDID(did string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.m[did]
	if !ok {
		lock = &sync.Mutex{}
		d.m[did] = lock
	}
	return lock
}

// New constructs a ledger over the given database handle.
func New(db *gorm.DB, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		db:    db,
		log:   log,
		nowFn: time.Now,
		locks: &didLocks{m: make(map[string]*sync.Mutex)},
	}
}

// WithTx returns a ledger bound to an open transaction. Mutations made
// through it join the caller's transaction and commit or roll back with it.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, log: l.log, nowFn: l.nowFn, locks: l.locks}
}

// SetNowFunc overrides the wall clock, for tests.
func (l *Ledger) SetNowFunc(now func() time.Time) { l.nowFn = now }

func (l *Ledger) lockFor(did string) *sync.Mutex {
	return l.locks.forDID(did)
}

// CreateAccount registers an account with an initial balance. Idempotent: an
// existing row is returned unchanged.
func (l *Ledger) CreateAccount(ctx context.Context, did string, initial *big.Int) (*Account, error) {
	if err := checkAmount(initial); err != nil {
		return nil, err
	}
	lock := l.lockFor(did)
	lock.Lock()
	defer lock.Unlock()

	var account Account
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.nowFn().UTC()
		account = Account{
			DID:       did,
			Balance:   initial.String(),
			Reserved:  "0",
			Earned:    "0",
			Spent:     "0",
			CreatedAt: now,
			UpdatedAt: now,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&account)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.First(&account, "did = ?", did).Error
		}
		if initial.Sign() > 0 {
			return l.appendLog(tx, did, TxDeposit, initial, "", "initial_balance", "", "")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// GetAccount returns the account row, or ErrAccountNotFound.
func (l *Ledger) GetAccount(ctx context.Context, did string) (*Account, error) {
	var account Account
	if err := l.db.WithContext(ctx).First(&account, "did = ?", did).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Deposit credits the balance.
func (l *Ledger) Deposit(ctx context.Context, did string, amount *big.Int, reference string) error {
	return l.mutate(ctx, did, func(acct *Account) (string, *big.Int, error) {
		balance := acct.BalanceInt()
		acct.Balance = balance.Add(balance, amount).String()
		return TxDeposit, amount, nil
	}, reference, "", "", "")
}

// Reserve moves amount from balance to reserved iff balance covers it.
func (l *Ledger) Reserve(ctx context.Context, did string, amount *big.Int, reference string) error {
	return l.mutate(ctx, did, func(acct *Account) (string, *big.Int, error) {
		balance := acct.BalanceInt()
		if balance.Cmp(amount) < 0 {
			return "", nil, ErrInsufficientFunds
		}
		reserved := acct.ReservedInt()
		acct.Balance = balance.Sub(balance, amount).String()
		acct.Reserved = reserved.Add(reserved, amount).String()
		return TxReserve, amount, nil
	}, reference, "", "", "")
}

// Release unwinds a reservation: reservedAmount leaves reserved, spendAmount
// of it is spent and the remainder returns to balance.
func (l *Ledger) Release(ctx context.Context, did string, reservedAmount, spendAmount *big.Int, reference string) error {
	if err := checkAmount(spendAmount); err != nil {
		return err
	}
	if spendAmount.Cmp(reservedAmount) > 0 {
		return ErrInvalidRelease
	}
	return l.mutate(ctx, did, func(acct *Account) (string, *big.Int, error) {
		reserved := acct.ReservedInt()
		if reserved.Cmp(reservedAmount) < 0 {
			return "", nil, ErrInvalidRelease
		}
		refund := new(big.Int).Sub(reservedAmount, spendAmount)
		balance := acct.BalanceInt()
		spent := acct.SpentInt()
		acct.Reserved = reserved.Sub(reserved, reservedAmount).String()
		acct.Balance = balance.Add(balance, refund).String()
		acct.Spent = spent.Add(spent, spendAmount).String()
		return TxRelease, reservedAmount, nil
	}, reference, "", "", "")
}

// Earn credits income, optionally linked to a usefulness proof.
func (l *Ledger) Earn(ctx context.Context, did string, amount *big.Int, reference, proofID string) error {
	return l.mutate(ctx, did, func(acct *Account) (string, *big.Int, error) {
		balance := acct.BalanceInt()
		earned := acct.EarnedInt()
		acct.Balance = balance.Add(balance, amount).String()
		acct.Earned = earned.Add(earned, amount).String()
		return TxEarn, amount, nil
	}, reference, "", "", proofID)
}

// Spend debits the balance directly (postage and similar fees).
func (l *Ledger) Spend(ctx context.Context, did string, amount *big.Int, reference, category string) error {
	return l.mutate(ctx, did, func(acct *Account) (string, *big.Int, error) {
		balance := acct.BalanceInt()
		if balance.Cmp(amount) < 0 {
			return "", nil, ErrInsufficientFunds
		}
		spent := acct.SpentInt()
		acct.Balance = balance.Sub(balance, amount).String()
		acct.Spent = spent.Add(spent, amount).String()
		return TxSpend, amount, nil
	}, reference, "", category, "")
}

// TransactionHistory lists the log for one DID, newest first.
func (l *Ledger) TransactionHistory(ctx context.Context, did string, limit, offset int) ([]Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var rows []Transaction
	err := l.db.WithContext(ctx).
		Where("agent_did = ?", did).
		Order("created_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	return rows, err
}

// mutate applies fn to the account row under the per-DID lock and appends the
// log entry fn names, all in one database transaction.
func (l *Ledger) mutate(ctx context.Context, did string, fn func(*Account) (string, *big.Int, error), reference, counterparty, category, proofID string) error {
	lock := l.lockFor(did)
	lock.Lock()
	defer lock.Unlock()

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acct Account
		if err := tx.First(&acct, "did = ?", did).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		txType, amount, err := fn(&acct)
		if err != nil {
			return err
		}
		if err := checkAmount(amount); err != nil {
			return err
		}
		acct.UpdatedAt = l.nowFn().UTC()
		if err := tx.Save(&acct).Error; err != nil {
			return err
		}
		return l.appendLog(tx, did, txType, amount, counterparty, reference, category, proofID)
	})
}

func (l *Ledger) appendLog(tx *gorm.DB, did, txType string, amount *big.Int, counterparty, reference, category, proofID string) error {
	return tx.Create(&Transaction{
		ID:                uuid.New(),
		AgentDID:          did,
		TxType:            txType,
		Amount:            amount.String(),
		Counterparty:      counterparty,
		Reference:         reference,
		Category:          category,
		UsefulnessProofID: proofID,
		CreatedAt:         l.nowFn().UTC(),
	}).Error
}
