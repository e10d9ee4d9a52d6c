package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"ainp/config"
	"ainp/ledger"
	"ainp/observability/metrics"
	"ainp/receipts"
	"ainp/reputation"
)

// ReceiptIssuer is the slice of the receipt engine settlement needs.
type ReceiptIssuer interface {
	Create(ctx context.Context, p receipts.CreateParams) (*receipts.Receipt, error)
}

// Engine drives bilateral negotiation sessions: alternating proposals,
// acceptance with credit escrow, settlement with the incentive split, and
// expiry. Session mutations are serialized per session id.
type Engine struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	issuer   ReceiptIssuer
	rep      *reputation.Engine
	cfg      config.Negotiation
	unit     int64
	log      *slog.Logger
	nowFn    func() time.Time
	locksMu  sync.Mutex
	locks    map[uuid.UUID]*sync.Mutex
}

// NewEngine constructs the negotiation engine. unitScale converts proposal
// prices to atomic ledger units.
func NewEngine(db *gorm.DB, credits *ledger.Ledger, issuer ReceiptIssuer, rep *reputation.Engine, cfg config.Negotiation, unitScale int64, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		db:     db,
		ledger: credits,
		issuer: issuer,
		rep:    rep,
		cfg:    cfg,
		unit:   unitScale,
		log:    log,
		nowFn:  time.Now,
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

// SetNowFunc overrides the wall clock, for tests.
func (e *Engine) SetNowFunc(now func() time.Time) { e.nowFn = now }

func (e *Engine) lockFor(id uuid.UUID) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[id] = mu
	}
	return mu
}

// OpenParams starts a session with the initiator's first proposal.
type OpenParams struct {
	IntentID     string
	InitiatorDID string
	ResponderDID string
	Proposal     Proposal
	MaxRounds    int
}

// Open creates a session and appends round 1.
func (e *Engine) Open(ctx context.Context, p OpenParams) (*Session, error) {
	maxRounds := p.MaxRounds
	if maxRounds <= 0 {
		maxRounds = e.cfg.MaxRounds
	}
	if maxRounds > MaxRoundsHardCap {
		maxRounds = MaxRoundsHardCap
	}
	proposalJSON, err := json.Marshal(p.Proposal)
	if err != nil {
		return nil, err
	}
	now := e.nowFn().UTC()
	session := Session{
		ID:              uuid.New(),
		IntentID:        p.IntentID,
		InitiatorDID:    p.InitiatorDID,
		ResponderDID:    p.ResponderDID,
		State:           StateProposed,
		CurrentProposal: string(proposalJSON),
		ReservedAtomic:  "0",
		MaxRounds:       maxRounds,
		RoundCount:      1,
		CreatedAt:       now,
		ExpiresAt:       now.Add(e.cfg.SessionTTL()),
	}
	round := Round{
		ID:          uuid.New(),
		SessionID:   session.ID,
		RoundNumber: 1,
		ProposerDID: p.InitiatorDID,
		Proposal:    string(proposalJSON),
		CreatedAt:   now,
	}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&session).Error; err != nil {
			return err
		}
		return tx.Create(&round).Error
	})
	if err != nil {
		return nil, err
	}
	metrics.Broker().NegotiationsOpen(1)
	return &session, nil
}

// Get returns the session, or ErrSessionNotFound.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	var session Session
	if err := e.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// Rounds lists the session's rounds in order.
func (e *Engine) Rounds(ctx context.Context, id uuid.UUID) ([]Round, error) {
	var rounds []Round
	err := e.db.WithContext(ctx).
		Where("session_id = ?", id).
		Order("round_number ASC").
		Find(&rounds).Error
	return rounds, err
}

// Propose appends a counter-proposal. Proposers strictly alternate; the
// round budget and the session TTL are enforced.
func (e *Engine) Propose(ctx context.Context, id uuid.UUID, proposerDID string, proposal Proposal) (*Session, error) {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	session, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.Participant(proposerDID) {
		return nil, ErrNotParticipant
	}
	if err := e.checkLive(session); err != nil {
		return nil, err
	}
	switch session.State {
	case StateProposed, StateCounterProposed:
	default:
		return nil, ErrInvalidTransition
	}
	last, err := e.lastRound(ctx, id)
	if err != nil {
		return nil, err
	}
	if last.ProposerDID == proposerDID {
		return nil, ErrInvalidTransition
	}
	if session.RoundCount+1 > session.MaxRounds {
		return nil, ErrMaxRoundsExceeded
	}

	proposalJSON, err := json.Marshal(proposal)
	if err != nil {
		return nil, err
	}
	delta := convergence(&proposal, session.Current())
	now := e.nowFn().UTC()
	round := Round{
		ID:               uuid.New(),
		SessionID:        id,
		RoundNumber:      session.RoundCount + 1,
		ProposerDID:      proposerDID,
		Proposal:         string(proposalJSON),
		ConvergenceDelta: &delta,
		CreatedAt:        now,
	}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&round).Error; err != nil {
			return err
		}
		return tx.Model(&Session{}).Where("id = ?", id).Updates(map[string]any{
			"state":             StateCounterProposed,
			"current_proposal":  string(proposalJSON),
			"convergence_score": delta,
			"round_count":       round.RoundNumber,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, id)
}

// Accept commits the proposal on the table and escrows the price from the
// initiator. A reserve failure leaves the session untouched.
func (e *Engine) Accept(ctx context.Context, id uuid.UUID, acceptorDID string) (*Session, error) {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	session, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.Participant(acceptorDID) {
		return nil, ErrNotParticipant
	}
	if err := e.checkLive(session); err != nil {
		return nil, err
	}
	switch session.State {
	case StateProposed, StateCounterProposed:
	default:
		return nil, ErrInvalidTransition
	}
	last, err := e.lastRound(ctx, id)
	if err != nil {
		return nil, err
	}
	// One cannot accept one's own offer.
	if last.ProposerDID == acceptorDID {
		return nil, ErrInvalidTransition
	}

	price := session.Current().PriceAtomic(e.unit)
	if price.Sign() > 0 {
		if err := e.ledger.Reserve(ctx, session.InitiatorDID, price, id.String()); err != nil {
			return nil, err
		}
	}
	err = e.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).Updates(map[string]any{
		"state":           StateAccepted,
		"final_proposal":  session.CurrentProposal,
		"reserved_atomic": price.String(),
	}).Error
	if err != nil {
		// The escrow exists but the transition failed; put the funds back.
		if price.Sign() > 0 {
			if relErr := e.ledger.Release(ctx, session.InitiatorDID, price, big.NewInt(0), id.String()); relErr != nil {
				e.log.Error("escrow rollback failed",
					slog.String("session", id.String()), slog.String("error", relErr.Error()))
			}
		}
		return nil, err
	}
	return e.Get(ctx, id)
}

// Reject terminates a live session.
func (e *Engine) Reject(ctx context.Context, id uuid.UUID, did string) (*Session, error) {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	session, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.Participant(did) {
		return nil, ErrNotParticipant
	}
	if session.Terminal() || session.SettledAt != nil {
		return nil, ErrInvalidTransition
	}
	if session.State == StateAccepted && session.ReservedInt().Sign() > 0 {
		if err := e.ledger.Release(ctx, session.InitiatorDID, session.ReservedInt(), big.NewInt(0), id.String()); err != nil {
			return nil, err
		}
	}
	err = e.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).Updates(map[string]any{
		"state":           StateRejected,
		"reserved_atomic": "0",
	}).Error
	if err != nil {
		return nil, err
	}
	metrics.Broker().NegotiationsOpen(-1)
	return e.Get(ctx, id)
}

// Settlement reports the outcome of a settled session.
type Settlement struct {
	Session     *Session          `json:"session"`
	Receipt     *receipts.Receipt `json:"receipt"`
	Payouts     map[string]string `json:"payouts"`
	PriceAtomic string            `json:"price_atomic"`
}

// Settle completes an accepted session: the escrow is spent, the incentive
// split is paid out, and a pending receipt is emitted.
func (e *Engine) Settle(ctx context.Context, id uuid.UUID, callerDID string) (*Settlement, error) {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	session, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerDID != "" && !session.Participant(callerDID) {
		return nil, ErrNotParticipant
	}
	if session.State != StateAccepted || session.SettledAt != nil {
		return nil, ErrInvalidTransition
	}

	price := session.ReservedInt()
	if price.Sign() > 0 {
		if err := e.ledger.Release(ctx, session.InitiatorDID, price, price, id.String()); err != nil {
			return nil, err
		}
	}

	payouts := e.splitWithAgent(price, session.ResponderDID)
	for did, amount := range payouts {
		if amount.Sign() == 0 {
			continue
		}
		if _, err := e.ledger.CreateAccount(ctx, did, big.NewInt(0)); err != nil {
			e.log.Error("settlement: ensure account", slog.String("did", did), slog.String("error", err.Error()))
			continue
		}
		if err := e.ledger.Earn(ctx, did, amount, id.String(), ""); err != nil {
			e.log.Error("settlement: payout failed",
				slog.String("session", id.String()),
				slog.String("did", did),
				slog.String("error", err.Error()))
		}
	}

	now := e.nowFn().UTC()
	latency := now.Sub(session.CreatedAt).Milliseconds()
	var receipt *receipts.Receipt
	if e.issuer != nil {
		receipt, err = e.issuer.Create(ctx, receipts.CreateParams{
			NegotiationID: id.String(),
			IntentID:      session.IntentID,
			AgentDID:      session.ResponderDID,
			ClientDID:     session.InitiatorDID,
			AmountAtomic:  price,
			Metrics: map[string]any{
				"latency_ms":   float64(latency),
				"price_atomic": price.String(),
			},
		})
		if err != nil {
			e.log.Error("settlement: receipt emit failed",
				slog.String("session", id.String()), slog.String("error", err.Error()))
		}
	}
	if e.rep != nil {
		obs := reputation.Observation{LatencyMillis: &latency}
		if _, err := e.rep.Apply(ctx, session.ResponderDID, obs); err != nil {
			e.log.Error("settlement: reputation update failed",
				slog.String("agent", session.ResponderDID), slog.String("error", err.Error()))
		}
	}

	err = e.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).Updates(map[string]any{
		"settled_at":      now,
		"reserved_atomic": "0",
	}).Error
	if err != nil {
		return nil, err
	}
	metrics.Broker().NegotiationsOpen(-1)

	session, err = e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &Settlement{Session: session, Receipt: receipt, PriceAtomic: price.String(), Payouts: map[string]string{}}
	for did, amount := range payouts {
		out.Payouts[did] = amount.String()
	}
	return out, nil
}

// ExpireSweep moves timed-out live sessions to expired and returns any escrow
// in full. Accepted sessions never expire.
func (e *Engine) ExpireSweep(ctx context.Context) (int, error) {
	var stale []Session
	err := e.db.WithContext(ctx).
		Where("expires_at <= ? AND state NOT IN ?", e.nowFn().UTC(),
			[]string{StateAccepted, StateRejected, StateExpired}).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range stale {
		session := &stale[i]
		mu := e.lockFor(session.ID)
		mu.Lock()
		if reserved := session.ReservedInt(); reserved.Sign() > 0 {
			if err := e.ledger.Release(ctx, session.InitiatorDID, reserved, big.NewInt(0), session.ID.String()); err != nil {
				e.log.Error("expiry: escrow release failed",
					slog.String("session", session.ID.String()), slog.String("error", err.Error()))
				mu.Unlock()
				continue
			}
		}
		err := e.db.WithContext(ctx).Model(&Session{}).
			Where("id = ? AND state NOT IN ?", session.ID, []string{StateAccepted, StateRejected, StateExpired}).
			Updates(map[string]any{"state": StateExpired, "reserved_atomic": "0"}).Error
		mu.Unlock()
		if err != nil {
			e.log.Error("expiry: transition failed",
				slog.String("session", session.ID.String()), slog.String("error", err.Error()))
			continue
		}
		metrics.Broker().NegotiationsOpen(-1)
		expired++
	}
	return expired, nil
}

func (e *Engine) checkLive(session *Session) error {
	if session.Terminal() {
		return ErrInvalidTransition
	}
	if e.nowFn().UTC().After(session.ExpiresAt) && session.State != StateAccepted {
		return ErrSessionExpired
	}
	return nil
}

func (e *Engine) lastRound(ctx context.Context, id uuid.UUID) (*Round, error) {
	var round Round
	err := e.db.WithContext(ctx).
		Where("session_id = ?", id).
		Order("round_number DESC").
		First(&round).Error
	if err != nil {
		return nil, err
	}
	return &round, nil
}

// fixedCut is one non-agent share of the incentive split.
type fixedCut struct {
	did    string
	amount *big.Int
}

// fixedCuts computes the broker, validator and pool amounts of the split.
// Fractional shares round down.
func (e *Engine) fixedCuts(price *big.Int) []fixedCut {
	cuts := make([]fixedCut, 0, 3)
	for _, part := range []struct {
		did   string
		share float64
	}{
		{e.cfg.BrokerDID, e.cfg.Split.Broker},
		{e.cfg.ValidatorDID, e.cfg.Split.Validator},
		{e.cfg.PoolDID, e.cfg.Split.Pool},
	} {
		if part.share <= 0 {
			continue
		}
		bps := big.NewInt(int64(math.Round(part.share * 10000)))
		amount := new(big.Int).Div(new(big.Int).Mul(price, bps), big.NewInt(10000))
		if amount.Sign() > 0 {
			cuts = append(cuts, fixedCut{did: part.did, amount: amount})
		}
	}
	return cuts
}

// splitPayouts routes the fixed cuts to their configured DIDs. A party
// without a configured DID never forfeits its cut to the agent: the cut
// accrues to the treasury account, or is withheld when no treasury is
// configured either.
func (e *Engine) splitPayouts(price *big.Int) map[string]*big.Int {
	payouts := make(map[string]*big.Int)
	if price.Sign() <= 0 {
		return payouts
	}
	for _, cut := range e.fixedCuts(price) {
		did := cut.did
		if did == "" {
			did = e.cfg.TreasuryDID
		}
		if did == "" {
			continue
		}
		if have, ok := payouts[did]; ok {
			have.Add(have, cut.amount)
		} else {
			payouts[did] = cut.amount
		}
	}
	return payouts
}

// splitWithAgent adds the agent's share on top of the fixed payouts: the
// price minus every fixed cut, so rounding dust lands with the agent.
func (e *Engine) splitWithAgent(price *big.Int, agentDID string) map[string]*big.Int {
	payouts := e.splitPayouts(price)
	if price.Sign() <= 0 {
		return payouts
	}
	rest := new(big.Int).Set(price)
	for _, cut := range e.fixedCuts(price) {
		rest.Sub(rest, cut.amount)
	}
	if rest.Sign() > 0 {
		if have, ok := payouts[agentDID]; ok {
			have.Add(have, rest)
		} else {
			payouts[agentDID] = rest
		}
	}
	return payouts
}
