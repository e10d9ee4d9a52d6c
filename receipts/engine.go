package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ainp/config"
	"ainp/observability/metrics"
	"ainp/reputation"
)

// Roster supplies the active agent snapshot committees are sampled from.
type Roster interface {
	ActiveAgentDIDs(ctx context.Context) ([]string, error)
}

// Engine creates receipts, ingests attestations and runs the quorum
// finalization sweep.
type Engine struct {
	db     *gorm.DB
	roster Roster
	rep    *reputation.Engine
	cfg    config.Receipts
	log    *slog.Logger
	nowFn  func() time.Time
}

// NewEngine constructs the receipt engine.
func NewEngine(db *gorm.DB, roster Roster, rep *reputation.Engine, cfg config.Receipts, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{db: db, roster: roster, rep: rep, cfg: cfg, log: log, nowFn: time.Now}
}

// SetNowFunc overrides the wall clock, for tests.
func (e *Engine) SetNowFunc(now func() time.Time) { e.nowFn = now }

// CreateParams describes a new pending receipt.
type CreateParams struct {
	NegotiationID string
	IntentID      string
	AgentDID      string
	ClientDID     string
	AmountAtomic  *big.Int
	Metrics       map[string]any
	K             int // quorum override; 0 uses the configured default
}

// Create stores a pending receipt, sampling a committee when none exists.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*Receipt, error) {
	id := uuid.New()
	seed := committeeSeed(id.String(), e.cfg.CommitteeSalt)

	roster, err := e.roster.ActiveAgentDIDs(ctx)
	if err != nil {
		return nil, err
	}
	committee := sampleCommittee(roster, e.cfg.CommitteeM, seed, p.AgentDID, p.ClientDID)
	committeeJSON, err := json.Marshal(committee)
	if err != nil {
		return nil, err
	}

	k := p.K
	if k <= 0 {
		k = e.cfg.QuorumK
	}
	amount := "0"
	if p.AmountAtomic != nil {
		amount = p.AmountAtomic.String()
	}
	receipt := Receipt{
		ID:            id,
		NegotiationID: p.NegotiationID,
		IntentID:      p.IntentID,
		AgentDID:      p.AgentDID,
		ClientDID:     p.ClientDID,
		AmountAtomic:  amount,
		Status:        StatusPending,
		Committee:     string(committeeJSON),
		K:             k,
		M:             e.cfg.CommitteeM,
		CommitteeSeed: seed,
		CreatedAt:     e.nowFn().UTC(),
	}
	if p.Metrics != nil {
		raw, err := json.Marshal(p.Metrics)
		if err != nil {
			return nil, err
		}
		receipt.Metrics = string(raw)
	}
	if err := e.db.WithContext(ctx).Create(&receipt).Error; err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Get returns the receipt, or ErrReceiptNotFound.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*Receipt, error) {
	var receipt Receipt
	if err := e.db.WithContext(ctx).First(&receipt, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReceiptNotFound
		}
		return nil, err
	}
	return &receipt, nil
}

// Attestations lists all attestations recorded for a receipt.
func (e *Engine) Attestations(ctx context.Context, id uuid.UUID) ([]Attestation, error) {
	var rows []Attestation
	err := e.db.WithContext(ctx).Where("task_id = ?", id).Order("created_at ASC").Find(&rows).Error
	return rows, err
}

// AttestParams is one incoming attestation; ByDID comes from authenticated
// caller context, never from the request body.
type AttestParams struct {
	TaskID      uuid.UUID
	ByDID       string
	Type        string
	Score       *float64
	Confidence  *float64
	EvidenceRef string
	Signature   string
}

// Attest records an attestation. (task, by, type) is unique.
func (e *Engine) Attest(ctx context.Context, p AttestParams) (*Attestation, error) {
	if _, err := e.Get(ctx, p.TaskID); err != nil {
		return nil, err
	}
	attType := strings.ToUpper(strings.TrimSpace(p.Type))
	if attType == "" {
		return nil, errors.New("attestation type required")
	}
	row := Attestation{
		ID:          uuid.New(),
		TaskID:      p.TaskID,
		ByDID:       p.ByDID,
		Type:        attType,
		Score:       p.Score,
		Confidence:  p.Confidence,
		EvidenceRef: p.EvidenceRef,
		Signature:   p.Signature,
		CreatedAt:   e.nowFn().UTC(),
	}
	// Concurrent deliveries race on the unique index; the conflict clause
	// decides the winner instead of surfacing a constraint error.
	res := e.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}, {Name: "by_did"}, {Name: "type"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrDuplicateAttestation
	}
	return &row, nil
}

// QualifyingCount counts attestations toward the quorum: AUDIT_PASS from a
// committee member, plus ACCEPTED from the client.
func (e *Engine) QualifyingCount(receipt *Receipt, attestations []Attestation) int {
	committee := make(map[string]struct{})
	for _, did := range receipt.CommitteeDIDs() {
		committee[did] = struct{}{}
	}
	count := 0
	for _, att := range attestations {
		switch att.Type {
		case AttestAuditPass:
			if _, ok := committee[att.ByDID]; ok {
				count++
			}
		case AttestAccepted:
			if att.ByDID == receipt.ClientDID {
				count++
			}
		}
	}
	return count
}

// Finalize transitions a single receipt if its quorum is met. Used by the
// manual endpoint; the sweep calls the same logic.
func (e *Engine) Finalize(ctx context.Context, id uuid.UUID) (*Receipt, error) {
	receipt, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if receipt.Status == StatusFinalized {
		return nil, ErrAlreadyFinalized
	}
	attestations, err := e.Attestations(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.QualifyingCount(receipt, attestations) < receipt.K {
		return nil, ErrQuorumNotMet
	}
	if err := e.finalize(ctx, receipt, attestations); err != nil {
		return nil, err
	}
	return receipt, nil
}

// FinalizeSweep scans pending receipts and finalizes those at quorum.
// Returns the number finalized; errors on individual receipts are logged and
// retried on the next tick.
func (e *Engine) FinalizeSweep(ctx context.Context) (int, error) {
	batch := e.cfg.FinalizerBatch
	if batch <= 0 {
		batch = 100
	}
	var pending []Receipt
	err := e.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("created_at ASC").
		Limit(batch).
		Find(&pending).Error
	if err != nil {
		return 0, err
	}

	finalized := 0
	for idx := range pending {
		receipt := &pending[idx]
		attestations, err := e.Attestations(ctx, receipt.ID)
		if err != nil {
			e.log.Error("finalizer: load attestations", slog.String("receipt", receipt.ID.String()), slog.String("error", err.Error()))
			continue
		}
		if e.QualifyingCount(receipt, attestations) < receipt.K {
			continue
		}
		if err := e.finalize(ctx, receipt, attestations); err != nil {
			e.log.Error("finalizer: finalize", slog.String("receipt", receipt.ID.String()), slog.String("error", err.Error()))
			continue
		}
		finalized++
	}
	return finalized, nil
}

func (e *Engine) finalize(ctx context.Context, receipt *Receipt, attestations []Attestation) error {
	now := e.nowFn().UTC()
	res := e.db.WithContext(ctx).Model(&Receipt{}).
		Where("id = ? AND status = ?", receipt.ID, StatusPending).
		Updates(map[string]any{"status": StatusFinalized, "finalized_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyFinalized
	}
	receipt.Status = StatusFinalized
	receipt.FinalizedAt = &now
	metrics.Broker().ReceiptFinalized()

	obs := observationFrom(receipt, attestations)
	if _, err := e.rep.Apply(ctx, receipt.AgentDID, obs); err != nil {
		e.log.Error("finalizer: reputation update", slog.String("agent", receipt.AgentDID), slog.String("error", err.Error()))
	}
	return nil
}

// observationFrom maps the attestation set of a finalized receipt onto
// reputation signals.
func observationFrom(receipt *Receipt, attestations []Attestation) reputation.Observation {
	var obs reputation.Observation
	finalized := true
	obs.Finalized = &finalized

	var qualitySum float64
	var qualityN int
	for _, att := range attestations {
		switch att.Type {
		case AttestAccepted, AttestAuditPass:
			if att.Score != nil {
				qualitySum += *att.Score
				qualityN++
			}
			if att.Type == AttestAuditPass && att.Confidence != nil {
				obs.TruthValue = att.Confidence
			}
		case AttestSafetyPass:
			if att.Score != nil {
				obs.Safety = att.Score
			}
		}
	}
	if qualityN > 0 {
		quality := qualitySum / float64(qualityN)
		obs.Quality = &quality
	}
	if m := receipt.MetricsMap(); m != nil {
		if latency, ok := m["latency_ms"].(float64); ok {
			ms := int64(latency)
			obs.LatencyMillis = &ms
		}
	}
	return obs
}
