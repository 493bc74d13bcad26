package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EntryType encodes the direction of a ledger entry. Amounts are always positive.
type EntryType string

// Ledger entry directions.
const (
	EntryCredit EntryType = "credit"
	EntryDebit  EntryType = "debit"
)

// ExecutionStatus tracks a paid service invocation.
type ExecutionStatus string

// Execution states. Success and failed are terminal.
const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// TransferKind distinguishes outbound value movements.
type TransferKind string

// Bridge transfer kinds.
const (
	KindCrossInstance TransferKind = "cross_instance"
	KindCashout       TransferKind = "cashout"
)

// TransferStatus tracks a bridge transfer. Settled and rejected are terminal.
type TransferStatus string

// Bridge transfer states.
const (
	TransferPending  TransferStatus = "pending"
	TransferSettled  TransferStatus = "settled"
	TransferRejected TransferStatus = "rejected"
)

// Coin holds display metadata for a unit of value tracked by the ledger.
type Coin struct {
	Symbol    string `gorm:"primaryKey;size:16"`
	Name      string `gorm:"size:64"`
	Decimals  int    `gorm:"not null;default:2"`
	Prefix    string `gorm:"size:8"`
	Suffix    string `gorm:"size:8"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Wallet is the balance of one agent in one coin.
type Wallet struct {
	AgentID      string `gorm:"primaryKey;size:64"`
	Coin         string `gorm:"primaryKey;size:16"`
	BalanceCents int64  `gorm:"not null;default:0;check:chk_wallet_balance_non_negative,balance_cents >= 0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LedgerEntry is an immutable record of one balance change.
type LedgerEntry struct {
	ID          uint64            `gorm:"primaryKey;autoIncrement"`
	UUID        uuid.UUID         `gorm:"type:uuid;uniqueIndex"`
	AgentID     string            `gorm:"size:64;not null;index:idx_ledger_agent_coin,priority:1"`
	Coin        string            `gorm:"size:16;not null;index:idx_ledger_agent_coin,priority:2;uniqueIndex:idx_ledger_coin_external_ref,priority:1,where:external_ref IS NOT NULL"`
	Type        EntryType         `gorm:"size:8;not null"`
	AmountCents int64             `gorm:"not null;check:chk_ledger_amount_positive,amount_cents > 0"`
	Metadata    map[string]string `gorm:"serializer:json;type:text"`
	ExternalRef *string           `gorm:"size:128;uniqueIndex:idx_ledger_coin_external_ref,priority:2,where:external_ref IS NOT NULL"`
	CreatedAt   time.Time         `gorm:"index"`
}

// Signed returns the amount with the direction applied.
func (e LedgerEntry) Signed() int64 {
	if e.Type == EntryDebit {
		return -e.AmountCents
	}
	return e.AmountCents
}

// Service is a webhook-backed offering that agents pay to invoke.
type Service struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	OwnerAgentID string    `gorm:"size:64;not null;index"`
	Name         string    `gorm:"size:128"`
	EndpointURL  string    `gorm:"size:512;not null"`
	Coin         string    `gorm:"size:16;not null"`
	PriceCents   int64     `gorm:"not null;default:0"`
	TimeoutMS    int64     `gorm:"not null;default:0"`
	Secret       string    `gorm:"size:128" json:"-"`
	Active       bool      `gorm:"not null;default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Execution records one attempted service invocation.
type Execution struct {
	ID               uint64          `gorm:"primaryKey;autoIncrement"`
	UUID             uuid.UUID       `gorm:"type:uuid;uniqueIndex"`
	RequesterAgentID string          `gorm:"size:64;not null;index"`
	ServiceID        uuid.UUID       `gorm:"type:uuid;index"`
	OwnerAgentID     string          `gorm:"size:64;not null"`
	Coin             string          `gorm:"size:16;not null"`
	PriceCents       int64           `gorm:"not null"`
	Status           ExecutionStatus `gorm:"size:16;not null;index"`
	Request          string          `gorm:"type:text"`
	Response         string          `gorm:"type:text"`
	StatusCode       int
	Error            string `gorm:"size:512"`
	LatencyMS        int64
	CreatedAt        time.Time `gorm:"index"`
	CompletedAt      *time.Time
}

// BridgeTransfer is an intent to move value out of this instance.
type BridgeTransfer struct {
	ID             uint64         `gorm:"primaryKey;autoIncrement"`
	UUID           uuid.UUID      `gorm:"type:uuid;uniqueIndex"`
	Kind           TransferKind   `gorm:"size:16;not null"`
	FromAgentID    string         `gorm:"size:64;not null;index"`
	Coin           string         `gorm:"size:16;not null;uniqueIndex:idx_bridge_coin_external_ref,priority:1,where:external_ref IS NOT NULL"`
	AmountCents    int64          `gorm:"not null"`
	ToInstanceID   string         `gorm:"size:128"`
	ToAgentID      string         `gorm:"size:64"`
	DestinationRef string         `gorm:"size:256"`
	Status         TransferStatus `gorm:"size:16;not null;index"`
	RejectReason   string         `gorm:"size:512"`
	ExternalRef    *string        `gorm:"size:128;uniqueIndex:idx_bridge_coin_external_ref,priority:2,where:external_ref IS NOT NULL"`
	SettledBy      string         `gorm:"size:64"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RetiredRef keeps the idempotency key of a ledger entry removed by the
// retention job, so a late retry of the same reference still replays.
type RetiredRef struct {
	Coin           string    `gorm:"primaryKey;size:16"`
	ExternalRef    string    `gorm:"primaryKey;size:128"`
	EntryUUID      uuid.UUID `gorm:"type:uuid"`
	AgentID        string    `gorm:"size:64;not null"`
	Type           EntryType `gorm:"size:8;not null"`
	AmountCents    int64     `gorm:"not null"`
	EntryCreatedAt time.Time
	RetiredAt      time.Time
}

// Entry rebuilds the replay view of the retired entry. Metadata is not kept.
func (r RetiredRef) Entry() *LedgerEntry {
	ref := r.ExternalRef
	return &LedgerEntry{
		UUID:        r.EntryUUID,
		AgentID:     r.AgentID,
		Coin:        r.Coin,
		Type:        r.Type,
		AmountCents: r.AmountCents,
		ExternalRef: &ref,
		CreatedAt:   r.EntryCreatedAt,
	}
}

// AuditEvent is the best-effort audit trail written after financial commits.
type AuditEvent struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	EventType string            `gorm:"size:64;index"`
	Actor     string            `gorm:"size:64;index"`
	Target    string            `gorm:"size:128;index"`
	Metadata  map[string]string `gorm:"serializer:json;type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Coin{},
		&Wallet{},
		&LedgerEntry{},
		&RetiredRef{},
		&Service{},
		&Execution{},
		&BridgeTransfer{},
		&AuditEvent{},
	)
}
