package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"ainp/ledger"
)

// Challenge statuses.
const (
	StatusPending = "pending"
	StatusPaid    = "paid"
	StatusExpired = "expired"
)

// DefaultChallengeTTL bounds how long a payment request stays redeemable.
const DefaultChallengeTTL = 15 * time.Minute

var (
	// ErrChallengeNotFound is returned for unknown request ids.
	ErrChallengeNotFound = errors.New("payment challenge not found")
	// ErrChallengeExpired rejects settlement of a lapsed challenge.
	ErrChallengeExpired = errors.New("payment challenge expired")
	// ErrBadWebhookSignature rejects callbacks that fail the HMAC check.
	ErrBadWebhookSignature = errors.New("webhook signature mismatch")
)

// Challenge is one outstanding 402 payment request. The row is the
// idempotency anchor for webhook callbacks: only the pending→paid transition
// credits the ledger.
type Challenge struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	DID          string    `gorm:"index;not null"`
	AmountAtomic string    `gorm:"not null"`
	Rail         string
	Status       string `gorm:"index;not null;default:'pending'"`
	PaymentURL   string
	ProviderRef  string
	CreatedAt    time.Time
	ExpiresAt    time.Time `gorm:"index"`
	PaidAt       *time.Time
}

// TableName keeps the table name stable.
func (Challenge) TableName() string { return "payment_challenges" }

// AmountInt parses the requested amount.
func (c *Challenge) AmountInt() *big.Int {
	val, ok := new(big.Int).SetString(c.AmountAtomic, 10)
	if !ok {
		return big.NewInt(0)
	}
	return val
}

// WWWAuthenticate renders the 402 challenge header.
func (c *Challenge) WWWAuthenticate() string {
	return fmt.Sprintf("AINP-Pay realm=%q, request_id=%q, rail=%q", "ainp", c.ID.String(), c.Rail)
}

// AutoMigrate creates or updates the payments schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Challenge{})
}

// Service issues payment challenges and settles provider callbacks into the
// ledger.
type Service struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	secrets  map[string]string // provider -> webhook HMAC secret
	baseURL  string
	log      *slog.Logger
	nowFn    func() time.Time
}

// NewService constructs the payment service. baseURL prefixes the hosted
// payment page links handed out in challenges.
func NewService(db *gorm.DB, credits *ledger.Ledger, secrets map[string]string, baseURL string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if secrets == nil {
		secrets = map[string]string{}
	}
	return &Service{db: db, ledger: credits, secrets: secrets, baseURL: strings.TrimRight(baseURL, "/"), log: log, nowFn: time.Now}
}

// SetNowFunc overrides the wall clock, for tests.
func (s *Service) SetNowFunc(now func() time.Time) { s.nowFn = now }

// CreateChallenge issues a pending payment request for did.
func (s *Service) CreateChallenge(ctx context.Context, did string, amount *big.Int, rail string) (*Challenge, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("payments: amount must be positive")
	}
	if rail == "" {
		rail = "credits"
	}
	now := s.nowFn().UTC()
	challenge := Challenge{
		ID:           uuid.New(),
		DID:          did,
		AmountAtomic: amount.String(),
		Rail:         rail,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(DefaultChallengeTTL),
	}
	challenge.PaymentURL = fmt.Sprintf("%s/pay/%s", s.baseURL, challenge.ID)
	if err := s.db.WithContext(ctx).Create(&challenge).Error; err != nil {
		return nil, err
	}
	return &challenge, nil
}

// Get returns a challenge, or ErrChallengeNotFound.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Challenge, error) {
	var challenge Challenge
	if err := s.db.WithContext(ctx).First(&challenge, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, err
	}
	return &challenge, nil
}

// webhookPayload is the provider callback body.
type webhookPayload struct {
	RequestID   string `json:"request_id"`
	Status      string `json:"status"`
	ProviderRef string `json:"provider_ref,omitempty"`
}

// HandleWebhook verifies the callback signature and settles the referenced
// challenge. Redelivered callbacks are acknowledged without crediting twice.
func (s *Service) HandleWebhook(ctx context.Context, provider string, body []byte, signature string) (*Challenge, error) {
	if !verifyHMAC(s.secrets[provider], body, signature) {
		return nil, ErrBadWebhookSignature
	}
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("payments: decode webhook: %w", err)
	}
	id, err := uuid.Parse(payload.RequestID)
	if err != nil {
		return nil, ErrChallengeNotFound
	}
	if !strings.EqualFold(payload.Status, "paid") && !strings.EqualFold(payload.Status, "finished") {
		// Non-terminal provider states are acknowledged and ignored.
		return s.Get(ctx, id)
	}
	return s.MarkPaid(ctx, id, payload.ProviderRef)
}

// MarkPaid transitions a pending challenge to paid and deposits the amount.
// The guarded update makes redelivery a no-op. Status flip and deposit commit
// in one transaction: a failed deposit leaves the challenge pending so the
// provider's redelivery retries the credit.
func (s *Service) MarkPaid(ctx context.Context, id uuid.UUID, providerRef string) (*Challenge, error) {
	challenge, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if challenge.Status == StatusPaid {
		return challenge, nil
	}
	now := s.nowFn().UTC()
	if now.After(challenge.ExpiresAt) {
		return nil, ErrChallengeExpired
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Challenge{}).
			Where("id = ? AND status = ?", id, StatusPending).
			Updates(map[string]any{"status": StatusPaid, "paid_at": now, "provider_ref": providerRef})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Raced with another delivery; the winner already credited.
			return nil
		}
		credits := s.ledger.WithTx(tx)
		if _, err := credits.CreateAccount(ctx, challenge.DID, big.NewInt(0)); err != nil {
			return err
		}
		return credits.Deposit(ctx, challenge.DID, challenge.AmountInt(), id.String())
	})
	if err != nil {
		s.log.Error("payment settlement failed",
			slog.String("challenge", id.String()),
			slog.String("did", challenge.DID),
			slog.String("error", err.Error()))
		return nil, err
	}
	return s.Get(ctx, id)
}

// ExpireSweep lapses pending challenges past their deadline.
func (s *Service) ExpireSweep(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).Model(&Challenge{}).
		Where("status = ? AND expires_at <= ?", StatusPending, s.nowFn().UTC()).
		Update("status", StatusExpired)
	return int(res.RowsAffected), res.Error
}

// verifyHMAC checks the hex HMAC-SHA256 of body against the shared secret.
// An empty secret disables verification for that provider.
func verifyHMAC(secret string, body []byte, provided string) bool {
	if secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	cleaned := strings.TrimSpace(provided)
	cleaned = strings.TrimPrefix(strings.ToLower(cleaned), "0x")
	if cleaned == "" {
		return false
	}
	got, err := hex.DecodeString(cleaned)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
