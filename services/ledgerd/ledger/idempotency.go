package ledger

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"agentmarket/services/ledgerd/models"
)

const maxExternalRefLength = 128

// Guard answers whether a (coin, external_ref) pair has already been posted.
// The partial unique index on ledger_entries is the final arbiter; the guard
// lets the coordinator answer replays without attempting the insert.
type Guard struct {
	db *gorm.DB
}

// NewGuard constructs a guard backed by db.
func NewGuard(db *gorm.DB) *Guard {
	return &Guard{db: db}
}

// Exists reports whether an entry with the reference exists for coin.
func (g *Guard) Exists(ctx context.Context, coin, externalRef string) (bool, error) {
	symbol, err := NormalizeSymbol(coin)
	if err != nil {
		return false, err
	}
	ref, err := normalizeRef(externalRef)
	if err != nil {
		return false, err
	}
	if ref == nil {
		return false, nil
	}
	entry, err := g.lookup(g.db.WithContext(ctx), symbol, *ref)
	if err != nil {
		return false, classify(err)
	}
	return entry != nil, nil
}

// lookup returns the entry holding the reference or nil when none exists.
// References of entries purged by retention resolve through their tombstone.
func (g *Guard) lookup(tx *gorm.DB, coin, ref string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := tx.Where("coin = ? AND external_ref = ?", coin, ref).Take(&entry).Error
	if err == nil {
		return &entry, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	var retired models.RetiredRef
	err = tx.Where("coin = ? AND external_ref = ?", coin, ref).Take(&retired).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return retired.Entry(), nil
}

func normalizeRef(raw string) (*string, error) {
	ref := strings.TrimSpace(raw)
	if ref == "" {
		return nil, nil
	}
	if len(ref) > maxExternalRefLength {
		return nil, ErrInvalidReference
	}
	return &ref, nil
}
