package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ainp/ledger"
)

const payer = "did:key:zPayer"

type fixture struct {
	db      *gorm.DB
	service *Service
	ledger  *ledger.Ledger
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	require.NoError(t, ledger.AutoMigrate(db))

	credits := ledger.New(db, nil)
	f := &fixture{
		db:     db,
		ledger: credits,
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.service = NewService(db, credits, map[string]string{"testpay": "shh"}, "https://pay.example.com", nil)
	f.service.SetNowFunc(func() time.Time { return f.now })
	return f
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCreateChallenge(t *testing.T) {
	f := newFixture(t)
	challenge, err := f.service.CreateChallenge(context.Background(), payer, big.NewInt(5_000), "card")
	require.NoError(t, err)
	require.Equal(t, StatusPending, challenge.Status)
	require.Equal(t, "5000", challenge.AmountAtomic)
	require.Equal(t, f.now.Add(DefaultChallengeTTL), challenge.ExpiresAt)
	require.Equal(t, "https://pay.example.com/pay/"+challenge.ID.String(), challenge.PaymentURL)
	require.Contains(t, challenge.WWWAuthenticate(), `AINP-Pay realm="ainp"`)
	require.Contains(t, challenge.WWWAuthenticate(), challenge.ID.String())

	_, err = f.service.CreateChallenge(context.Background(), payer, big.NewInt(0), "")
	require.Error(t, err)
}

func TestWebhookMarksPaidOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	challenge, err := f.service.CreateChallenge(ctx, payer, big.NewInt(5_000), "card")
	require.NoError(t, err)

	body := []byte(fmt.Sprintf(`{"request_id":%q,"status":"paid","provider_ref":"tx-9"}`, challenge.ID))
	paid, err := f.service.HandleWebhook(ctx, "testpay", body, sign("shh", body))
	require.NoError(t, err)
	require.Equal(t, StatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)
	require.Equal(t, "tx-9", paid.ProviderRef)

	account, err := f.ledger.GetAccount(ctx, payer)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(5_000), account.BalanceInt())

	// Redelivery acknowledges without crediting again.
	paid, err = f.service.HandleWebhook(ctx, "testpay", body, sign("shh", body))
	require.NoError(t, err)
	require.Equal(t, StatusPaid, paid.Status)

	account, err = f.ledger.GetAccount(ctx, payer)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(5_000), account.BalanceInt())
}

func TestFailedDepositLeavesChallengePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	challenge, err := f.service.CreateChallenge(ctx, payer, big.NewInt(5_000), "card")
	require.NoError(t, err)

	// Break the ledger so the deposit cannot commit.
	require.NoError(t, f.db.Migrator().DropTable("credit_transactions"))

	body := []byte(fmt.Sprintf(`{"request_id":%q,"status":"paid","provider_ref":"tx-1"}`, challenge.ID))
	_, err = f.service.HandleWebhook(ctx, "testpay", body, sign("shh", body))
	require.Error(t, err)

	// The status flip rolled back with the deposit.
	got, err := f.service.Get(ctx, challenge.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Nil(t, got.PaidAt)
	_, err = f.ledger.GetAccount(ctx, payer)
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)

	// Redelivery after the ledger recovers settles and credits once.
	require.NoError(t, ledger.AutoMigrate(f.db))
	paid, err := f.service.HandleWebhook(ctx, "testpay", body, sign("shh", body))
	require.NoError(t, err)
	require.Equal(t, StatusPaid, paid.Status)

	account, err := f.ledger.GetAccount(ctx, payer)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(5_000), account.BalanceInt())
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	challenge, err := f.service.CreateChallenge(ctx, payer, big.NewInt(5_000), "card")
	require.NoError(t, err)

	body := []byte(fmt.Sprintf(`{"request_id":%q,"status":"paid"}`, challenge.ID))
	_, err = f.service.HandleWebhook(ctx, "testpay", body, sign("wrong", body))
	require.ErrorIs(t, err, ErrBadWebhookSignature)

	_, err = f.service.HandleWebhook(ctx, "testpay", body, "")
	require.ErrorIs(t, err, ErrBadWebhookSignature)
}

func TestWebhookIgnoresNonTerminalStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	challenge, err := f.service.CreateChallenge(ctx, payer, big.NewInt(5_000), "card")
	require.NoError(t, err)

	body := []byte(fmt.Sprintf(`{"request_id":%q,"status":"waiting"}`, challenge.ID))
	got, err := f.service.HandleWebhook(ctx, "testpay", body, sign("shh", body))
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)

	_, err = f.ledger.GetAccount(ctx, payer)
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestExpiredChallengeNotPayable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	challenge, err := f.service.CreateChallenge(ctx, payer, big.NewInt(5_000), "card")
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	_, err = f.service.MarkPaid(ctx, challenge.ID, "tx-1")
	require.ErrorIs(t, err, ErrChallengeExpired)

	n, err := f.service.ExpireSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.service.Get(ctx, challenge.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)
}

func TestUnknownChallenge(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"request_id":"7b9c6a1e-0000-0000-0000-000000000000","status":"paid"}`)
	_, err := f.service.HandleWebhook(context.Background(), "testpay", body, sign("shh", body))
	require.ErrorIs(t, err, ErrChallengeNotFound)
}
