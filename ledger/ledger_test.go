package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return New(db, nil)
}

func TestCreateAccountIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	first, err := l.CreateAccount(ctx, "did:key:zAlice", big.NewInt(500))
	require.NoError(t, err)
	require.Equal(t, "500", first.Balance)

	again, err := l.CreateAccount(ctx, "did:key:zAlice", big.NewInt(9999))
	require.NoError(t, err)
	require.Equal(t, "500", again.Balance, "existing account must be returned unchanged")

	history, err := l.TransactionHistory(ctx, "did:key:zAlice", 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, TxDeposit, history[0].TxType)
}

func TestReserveReleaseLifecycle(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	did := "did:key:zInitiator"

	_, err := l.CreateAccount(ctx, did, big.NewInt(1_000_000))
	require.NoError(t, err)

	require.NoError(t, l.Reserve(ctx, did, big.NewInt(90_000), "session-1"))
	acct, err := l.GetAccount(ctx, did)
	require.NoError(t, err)
	require.Equal(t, "910000", acct.Balance)
	require.Equal(t, "90000", acct.Reserved)

	// Settle: spend the full reservation.
	require.NoError(t, l.Release(ctx, did, big.NewInt(90_000), big.NewInt(90_000), "session-1"))
	acct, err = l.GetAccount(ctx, did)
	require.NoError(t, err)
	require.Equal(t, "910000", acct.Balance)
	require.Equal(t, "0", acct.Reserved)
	require.Equal(t, "90000", acct.Spent)
}

func TestReleasePartialRefund(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	did := "did:key:zPartial"

	_, err := l.CreateAccount(ctx, did, big.NewInt(100))
	require.NoError(t, err)
	require.NoError(t, l.Reserve(ctx, did, big.NewInt(100), "s"))
	require.NoError(t, l.Release(ctx, did, big.NewInt(100), big.NewInt(40), "s"))

	acct, err := l.GetAccount(ctx, did)
	require.NoError(t, err)
	require.Equal(t, "60", acct.Balance)
	require.Equal(t, "0", acct.Reserved)
	require.Equal(t, "40", acct.Spent)
}

func TestReleaseRejectsOverSpend(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	did := "did:key:zOver"

	_, err := l.CreateAccount(ctx, did, big.NewInt(100))
	require.NoError(t, err)
	require.NoError(t, l.Reserve(ctx, did, big.NewInt(50), "s"))

	require.ErrorIs(t, l.Release(ctx, did, big.NewInt(60), big.NewInt(10), "s"), ErrInvalidRelease)
	require.ErrorIs(t, l.Release(ctx, did, big.NewInt(50), big.NewInt(60), "s"), ErrInvalidRelease)
}

func TestReserveInsufficientFunds(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	did := "did:key:zPoor"

	_, err := l.CreateAccount(ctx, did, big.NewInt(50_000))
	require.NoError(t, err)
	require.ErrorIs(t, l.Reserve(ctx, did, big.NewInt(100_000), "s"), ErrInsufficientFunds)

	acct, err := l.GetAccount(ctx, did)
	require.NoError(t, err)
	require.Equal(t, "50000", acct.Balance)
	require.Equal(t, "0", acct.Reserved)
}

func TestConcurrentReserveCorrectness(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	did := "did:key:zConcurrent"

	const (
		k = 4
		n = 32
		x = 100
	)
	_, err := l.CreateAccount(ctx, did, big.NewInt(k*x))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- l.Reserve(ctx, did, big.NewInt(x), fmt.Sprintf("ref-%d", i))
		}(i)
	}
	wg.Wait()
	close(results)

	successes, failures := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		default:
			require.ErrorIs(t, err, ErrInsufficientFunds)
			failures++
		}
	}
	require.Equal(t, k, successes)
	require.Equal(t, n-k, failures)

	acct, err := l.GetAccount(ctx, did)
	require.NoError(t, err)
	require.Equal(t, "0", acct.Balance)
	require.Equal(t, fmt.Sprintf("%d", k*x), acct.Reserved)
}

func TestConservation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	did := "did:key:zConserve"

	_, err := l.CreateAccount(ctx, did, big.NewInt(1000))
	require.NoError(t, err)
	require.NoError(t, l.Deposit(ctx, did, big.NewInt(500), "topup"))
	require.NoError(t, l.Earn(ctx, did, big.NewInt(300), "task-1", "proof-1"))
	require.NoError(t, l.Reserve(ctx, did, big.NewInt(400), "s"))
	require.NoError(t, l.Release(ctx, did, big.NewInt(400), big.NewInt(250), "s"))
	require.NoError(t, l.Spend(ctx, did, big.NewInt(100), "postage", "postage"))

	acct, err := l.GetAccount(ctx, did)
	require.NoError(t, err)

	inflow := big.NewInt(1000 + 500 + 300)
	outstanding := new(big.Int).Add(acct.BalanceInt(), acct.ReservedInt())
	outstanding.Add(outstanding, acct.SpentInt())
	require.Zero(t, inflow.Cmp(outstanding), "deposits+earnings must equal balance+reserved+spent")
}

func TestHistoryPaging(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	did := "did:key:zHist"

	_, err := l.CreateAccount(ctx, did, big.NewInt(0))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Deposit(ctx, did, big.NewInt(int64(i+1)), fmt.Sprintf("d%d", i)))
	}

	page, err := l.TransactionHistory(ctx, did, 3, 0)
	require.NoError(t, err)
	require.Len(t, page, 3)

	rest, err := l.TransactionHistory(ctx, did, 3, 3)
	require.NoError(t, err)
	require.Len(t, rest, 2)
}
