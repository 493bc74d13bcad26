package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agentmarket/services/ledgerd/models"
)

const (
	defaultEntryLimit = 50
	maxEntryLimit     = 500
)

// Journal is the append-only record of balance mutations.
type Journal struct {
	db  *gorm.DB
	now func() time.Time
}

// NewJournal constructs a journal backed by db.
func NewJournal(db *gorm.DB) *Journal {
	return &Journal{db: db, now: time.Now}
}

type draft struct {
	agent     string
	coin      string
	entryType models.EntryType
	amount    int64
	metadata  map[string]string
	ref       *string
}

func (j *Journal) append(tx *gorm.DB, d draft) (*models.LedgerEntry, error) {
	if d.amount < 1 {
		return nil, ErrInvalidAmount
	}
	entry := models.LedgerEntry{
		UUID:        uuid.New(),
		AgentID:     d.agent,
		Coin:        d.coin,
		Type:        d.entryType,
		AmountCents: d.amount,
		Metadata:    d.metadata,
		ExternalRef: d.ref,
		CreatedAt:   j.now().UTC(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// Entries lists the newest entries for a wallet. Limit is clamped to (0, 500].
func (j *Journal) Entries(ctx context.Context, agent, coin string, limit int) ([]models.LedgerEntry, error) {
	agent, coin, err := normalizeKey(agent, coin)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultEntryLimit
	}
	if limit > maxEntryLimit {
		limit = maxEntryLimit
	}
	var entries []models.LedgerEntry
	err = j.db.WithContext(ctx).
		Where("agent_id = ? AND coin = ?", agent, coin).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

// Sum reconstructs a wallet balance from its journal: credits minus debits.
func (j *Journal) Sum(ctx context.Context, agent, coin string) (int64, error) {
	agent, coin, err := normalizeKey(agent, coin)
	if err != nil {
		return 0, err
	}
	var total int64
	err = j.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Select("COALESCE(SUM(CASE WHEN type = ? THEN amount_cents ELSE -amount_cents END), 0)", models.EntryCredit).
		Where("agent_id = ? AND coin = ?", agent, coin).
		Scan(&total).Error
	if err != nil {
		return 0, classify(err)
	}
	return total, nil
}
