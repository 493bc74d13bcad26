package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"agentmarket/observability"
	"agentmarket/observability/logging"
	"agentmarket/services/ledgerd/audit"
	"agentmarket/services/ledgerd/ledger"
	"agentmarket/services/ledgerd/models"
)

// Ledger metadata types written by the manager.
const (
	TypeBridgeHold    = "bridge_hold"
	TypeBridgeRelease = "bridge_release"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxReasonLength  = 512
)

var tracer = otel.Tracer("ledgerd/bridge")

var (
	// ErrTransferNotFound is returned for unknown transfer ids.
	ErrTransferNotFound = errors.New("bridge: transfer not found")
	// ErrTransferFinalised is returned when a terminal transfer is asked to
	// move to the other terminal state.
	ErrTransferFinalised = errors.New("bridge: transfer already finalised")
	// ErrReservedCoinBlocked is returned when this instance may not move the reserved coin.
	ErrReservedCoinBlocked = errors.New("bridge: reserved coin transfers are disabled on this instance")
	// ErrInvalidKind rejects unknown transfer kinds.
	ErrInvalidKind = errors.New("bridge: kind must be cross_instance or cashout")
	// ErrDestinationRequired rejects transfers without a destination for their kind.
	ErrDestinationRequired = errors.New("bridge: destination required")
	// ErrReasonRequired rejects rejections without a reason.
	ErrReasonRequired = errors.New("bridge: reject reason required")
)

var errAlreadyTerminal = errors.New("bridge: transfer not pending")

// Options carries instance policy into the manager.
type Options struct {
	// ReservedCoin is the instance's settlement coin. Empty disables the gate.
	ReservedCoin string
	// ReservedCoinAllowed permits bridging the reserved coin.
	ReservedCoinAllowed bool
}

// CreateRequest asks to move value out of this instance.
type CreateRequest struct {
	Kind           models.TransferKind
	FromAgentID    string
	Coin           string
	Amount         int64
	ToInstanceID   string
	ToAgentID      string
	DestinationRef string
	ExternalRef    string
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the manager clock.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRecorder installs the audit sink.
func WithRecorder(recorder audit.Recorder) ManagerOption {
	return func(m *Manager) {
		if recorder != nil {
			m.recorder = recorder
		}
	}
}

// Manager runs the hold, settle and reject flow for outbound transfers.
type Manager struct {
	coord    *ledger.Coordinator
	db       *gorm.DB
	opts     Options
	reserved string
	now      func() time.Time
	metrics  *observability.BridgeMetrics
	recorder audit.Recorder
}

// NewManager constructs a bridge transfer manager.
func NewManager(coord *ledger.Coordinator, db *gorm.DB, opts Options, mopts ...ManagerOption) *Manager {
	m := &Manager{
		coord:    coord,
		db:       db,
		opts:     opts,
		now:      time.Now,
		metrics:  observability.Bridge(),
		recorder: audit.Nop{},
	}
	if symbol, err := ledger.NormalizeSymbol(opts.ReservedCoin); err == nil {
		m.reserved = symbol
	}
	for _, opt := range mopts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Create places a hold on the source wallet and records a pending transfer.
// When ExternalRef was already used for the coin the existing transfer is
// returned with created=false.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.BridgeTransfer, bool, error) {
	ctx, span := tracer.Start(ctx, "bridge.create")
	defer span.End()

	transfer, err := m.prepare(req)
	if err != nil {
		return nil, false, err
	}
	span.SetAttributes(
		attribute.String("bridge.kind", string(transfer.Kind)),
		attribute.String("bridge.coin", transfer.Coin),
	)
	if m.reserved != "" && transfer.Coin == m.reserved && !m.opts.ReservedCoinAllowed {
		m.metrics.RecordBlocked(transfer.Coin)
		return nil, false, ErrReservedCoinBlocked
	}
	if transfer.ExternalRef != nil {
		existing, err := m.findByRef(ctx, transfer.Coin, *transfer.ExternalRef)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return replayTransfer(existing, transfer.FromAgentID)
		}
	}

	err = m.coord.Run(ctx, func(u *ledger.Unit) error {
		_, err := u.Debit(ledger.Posting{
			AgentID:     transfer.FromAgentID,
			Coin:        transfer.Coin,
			Amount:      transfer.AmountCents,
			ExternalRef: "bridge-hold:" + transfer.UUID.String(),
			Metadata: map[string]string{
				"type":     TypeBridgeHold,
				"transfer": transfer.UUID.String(),
				"kind":     string(transfer.Kind),
			},
		})
		if err != nil {
			return err
		}
		return u.DB().Create(transfer).Error
	})
	if err != nil && ledger.IsUniqueViolation(err) && transfer.ExternalRef != nil {
		existing, lookupErr := m.findByRef(ctx, transfer.Coin, *transfer.ExternalRef)
		if lookupErr == nil && existing != nil {
			return replayTransfer(existing, transfer.FromAgentID)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, storageError(err)
	}

	m.metrics.RecordTransition(string(transfer.Kind), transfer.Coin, string(models.TransferPending), transfer.AmountCents)
	audit.Emit(ctx, m.recorder, audit.EventBridgeCreated, transfer.FromAgentID, transfer.UUID.String(), transferAuditMetadata(transfer))
	slog.InfoContext(ctx, "bridge transfer created",
		slog.String("component", "bridge"),
		slog.String("transfer", transfer.UUID.String()),
		slog.String("coin", transfer.Coin),
		logging.MaskField("destination_ref", transfer.DestinationRef))
	return transfer, true, nil
}

// Settle marks a pending transfer settled. The hold becomes final.
func (m *Manager) Settle(ctx context.Context, id uuid.UUID, actor string) (*models.BridgeTransfer, error) {
	ctx, span := tracer.Start(ctx, "bridge.settle", trace.WithAttributes(attribute.String("bridge.transfer", id.String())))
	defer span.End()
	return m.finish(ctx, span, id, models.TransferSettled, "", actor)
}

// Reject marks a pending transfer rejected and releases the hold to the
// source agent in the same transaction.
func (m *Manager) Reject(ctx context.Context, id uuid.UUID, reason, actor string) (*models.BridgeTransfer, error) {
	ctx, span := tracer.Start(ctx, "bridge.reject", trace.WithAttributes(attribute.String("bridge.transfer", id.String())))
	defer span.End()
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	if len(reason) > maxReasonLength {
		reason = reason[:maxReasonLength]
	}
	return m.finish(ctx, span, id, models.TransferRejected, reason, actor)
}

func (m *Manager) finish(ctx context.Context, span trace.Span, id uuid.UUID, target models.TransferStatus, reason, actor string) (*models.BridgeTransfer, error) {
	actor = strings.TrimSpace(actor)
	var transfer models.BridgeTransfer
	err := m.coord.Run(ctx, func(u *ledger.Unit) error {
		if err := u.DB().Where("uuid = ?", id).Take(&transfer).Error; err != nil {
			return err
		}
		updates := map[string]any{
			"status":     target,
			"settled_by": actor,
			"updated_at": m.now().UTC(),
		}
		if target == models.TransferRejected {
			updates["reject_reason"] = reason
		}
		res := u.DB().Model(&models.BridgeTransfer{}).
			Where("id = ? AND status = ?", transfer.ID, models.TransferPending).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errAlreadyTerminal
		}
		if target != models.TransferRejected {
			return nil
		}
		// The pending-only update above guarantees a single release.
		_, err := u.Credit(ledger.Posting{
			AgentID: transfer.FromAgentID,
			Coin:    transfer.Coin,
			Amount:  transfer.AmountCents,
			Actor:   actor,
			Metadata: map[string]string{
				"type":     TypeBridgeRelease,
				"transfer": transfer.UUID.String(),
				"reason":   reason,
			},
		})
		return err
	})
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrTransferNotFound
	case errors.Is(err, errAlreadyTerminal):
		current, getErr := m.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == target {
			return current, nil
		}
		return nil, fmt.Errorf("%w: status %s", ErrTransferFinalised, current.Status)
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, storageError(err)
	}

	updated, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.metrics.RecordTransition(string(updated.Kind), updated.Coin, string(target), updated.AmountCents)
	event := audit.EventBridgeSettled
	if target == models.TransferRejected {
		event = audit.EventBridgeRejected
	}
	meta := transferAuditMetadata(updated)
	if reason != "" {
		meta["reason"] = reason
	}
	audit.Emit(ctx, m.recorder, event, actorOr(actor, updated.FromAgentID), updated.UUID.String(), meta)
	slog.InfoContext(ctx, "bridge transfer finalised",
		slog.String("component", "bridge"),
		slog.String("transfer", updated.UUID.String()),
		slog.String("status", string(target)))
	return updated, nil
}

// Get loads a transfer by uuid.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.BridgeTransfer, error) {
	var transfer models.BridgeTransfer
	err := m.db.WithContext(ctx).Where("uuid = ?", id).Take(&transfer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, storageError(err)
	}
	return &transfer, nil
}

// ListPending returns the oldest pending transfers first.
func (m *Manager) ListPending(ctx context.Context, limit int) ([]models.BridgeTransfer, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var transfers []models.BridgeTransfer
	err := m.db.WithContext(ctx).
		Where("status = ?", models.TransferPending).
		Order("id ASC").
		Limit(limit).
		Find(&transfers).Error
	if err != nil {
		return nil, storageError(err)
	}
	return transfers, nil
}

func (m *Manager) findByRef(ctx context.Context, coin, ref string) (*models.BridgeTransfer, error) {
	var transfer models.BridgeTransfer
	err := m.db.WithContext(ctx).Where("coin = ? AND external_ref = ?", coin, ref).Take(&transfer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError(err)
	}
	return &transfer, nil
}

// replayTransfer returns the transfer already holding the reference, or a
// conflict when it belongs to another agent.
func replayTransfer(existing *models.BridgeTransfer, from string) (*models.BridgeTransfer, bool, error) {
	if existing.FromAgentID != from {
		return nil, false, fmt.Errorf("%w: held by another transfer", ledger.ErrDuplicateExternalRef)
	}
	return existing, false, nil
}

func (m *Manager) prepare(req CreateRequest) (*models.BridgeTransfer, error) {
	if req.Amount < 1 {
		return nil, ledger.ErrInvalidAmount
	}
	from := strings.TrimSpace(req.FromAgentID)
	if from == "" {
		return nil, ledger.ErrInvalidAgent
	}
	coin, err := ledger.NormalizeSymbol(req.Coin)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	transfer := &models.BridgeTransfer{
		UUID:        uuid.New(),
		Kind:        req.Kind,
		FromAgentID: from,
		Coin:        coin,
		AmountCents: req.Amount,
		Status:      models.TransferPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	switch req.Kind {
	case models.KindCrossInstance:
		transfer.ToInstanceID = strings.TrimSpace(req.ToInstanceID)
		transfer.ToAgentID = strings.TrimSpace(req.ToAgentID)
		if transfer.ToInstanceID == "" || transfer.ToAgentID == "" {
			return nil, fmt.Errorf("%w: cross_instance needs to_instance_id and to_agent_id", ErrDestinationRequired)
		}
	case models.KindCashout:
		transfer.DestinationRef = strings.TrimSpace(req.DestinationRef)
		if transfer.DestinationRef == "" {
			return nil, fmt.Errorf("%w: cashout needs destination_ref", ErrDestinationRequired)
		}
	default:
		return nil, ErrInvalidKind
	}
	if ref := strings.TrimSpace(req.ExternalRef); ref != "" {
		if len(ref) > 128 {
			return nil, ledger.ErrInvalidReference
		}
		transfer.ExternalRef = &ref
	}
	return transfer, nil
}

func storageError(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range []error{ErrTransferNotFound, ErrTransferFinalised, ErrReservedCoinBlocked, ErrInvalidKind, ErrDestinationRequired, ErrReasonRequired} {
		if errors.Is(err, target) {
			return err
		}
	}
	if ledger.IsBusinessError(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
}

func transferAuditMetadata(t *models.BridgeTransfer) map[string]string {
	meta := map[string]string{
		"kind":   string(t.Kind),
		"coin":   t.Coin,
		"amount": strconv.FormatInt(t.AmountCents, 10),
		"status": string(t.Status),
	}
	if t.ExternalRef != nil {
		meta["external_ref"] = *t.ExternalRef
	}
	return meta
}

func actorOr(actor, fallback string) string {
	if actor != "" {
		return actor
	}
	return fallback
}
