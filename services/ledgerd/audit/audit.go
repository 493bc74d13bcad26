package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agentmarket/observability"
	"agentmarket/services/ledgerd/models"
)

// Event types written by the engine.
const (
	EventLedgerCredit       = "ledger.credit"
	EventLedgerDebit        = "ledger.debit"
	EventLedgerTransfer     = "ledger.transfer"
	EventExecutionCompleted = "execution.completed"
	EventBridgeCreated      = "bridge.created"
	EventBridgeSettled      = "bridge.settled"
	EventBridgeRejected     = "bridge.rejected"
	EventCoinUpdated        = "coin.updated"
)

// ErrEventTypeRequired is returned when Record is called without an event type.
var ErrEventTypeRequired = errors.New("audit: event type required")

// Recorder is the audit sink. Implementations are called after the financial
// transaction has committed; a failure must never undo it.
type Recorder interface {
	Record(ctx context.Context, eventType, actor, target string, metadata map[string]string) error
}

// Nop discards every event.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, string, string, string, map[string]string) error { return nil }

// Store persists audit events through gorm.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs a gorm-backed audit sink.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Record writes one audit event.
func (s *Store) Record(ctx context.Context, eventType, actor, target string, metadata map[string]string) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}
	event := models.AuditEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Actor:     strings.TrimSpace(actor),
		Target:    strings.TrimSpace(target),
		Metadata:  metadata,
		CreatedAt: s.now().UTC(),
	}
	err := s.db.WithContext(ctx).Create(&event).Error
	observability.Audit().RecordEvent(eventType, err == nil)
	return err
}

// List returns events for a target newest first.
func (s *Store) List(ctx context.Context, target string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var events []models.AuditEvent
	err := s.db.WithContext(ctx).
		Where("target = ?", strings.TrimSpace(target)).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// Emit calls the recorder and logs failures. It never returns an error.
func Emit(ctx context.Context, recorder Recorder, eventType, actor, target string, metadata map[string]string) {
	if recorder == nil {
		return
	}
	if err := recorder.Record(context.WithoutCancel(ctx), eventType, actor, target, metadata); err != nil {
		slog.WarnContext(ctx, "audit event dropped",
			slog.String("component", "audit"),
			slog.String("event", eventType),
			slog.String("target", target),
			slog.String("error", err.Error()))
	}
}
