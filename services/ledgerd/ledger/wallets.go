package ledger

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/holiman/uint256"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agentmarket/services/ledgerd/models"
)

// WalletStore holds per (agent, coin) balances. Reads are open to any caller;
// mutations happen only through the coordinator's transaction handle.
type WalletStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewWalletStore constructs a wallet store backed by db.
func NewWalletStore(db *gorm.DB) *WalletStore {
	return &WalletStore{db: db, now: time.Now}
}

// Balance returns the current balance. A missing wallet reads as zero and is
// not created.
func (s *WalletStore) Balance(ctx context.Context, agent, coin string) (int64, error) {
	agent, coin, err := normalizeKey(agent, coin)
	if err != nil {
		return 0, err
	}
	var wallet models.Wallet
	err = s.db.WithContext(ctx).Where("agent_id = ? AND coin = ?", agent, coin).Take(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, classify(err)
	}
	return wallet.BalanceCents, nil
}

// List returns every wallet held by agent ordered by coin.
func (s *WalletStore) List(ctx context.Context, agent string) ([]models.Wallet, error) {
	agent, err := normalizeAgent(agent)
	if err != nil {
		return nil, err
	}
	var wallets []models.Wallet
	if err := s.db.WithContext(ctx).Where("agent_id = ?", agent).Order("coin ASC").Find(&wallets).Error; err != nil {
		return nil, classify(err)
	}
	return wallets, nil
}

func (s *WalletStore) ensure(tx *gorm.DB, agent, coin string) error {
	now := s.now().UTC()
	wallet := models.Wallet{
		AgentID:   agent,
		Coin:      coin,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&wallet).Error
}

// lock reads the wallet row under an exclusive row lock held until the
// enclosing transaction ends.
func (s *WalletStore) lock(tx *gorm.DB, agent, coin string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("agent_id = ? AND coin = ?", agent, coin).
		Take(&wallet).Error
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// applyDelta adds signed to a locked wallet and persists the result.
func (s *WalletStore) applyDelta(tx *gorm.DB, wallet *models.Wallet, signed int64) (int64, error) {
	next, err := addBalance(wallet.BalanceCents, signed)
	if err != nil {
		return wallet.BalanceCents, err
	}
	err = tx.Model(&models.Wallet{}).
		Where("agent_id = ? AND coin = ?", wallet.AgentID, wallet.Coin).
		Updates(map[string]any{
			"balance_cents": next,
			"updated_at":    s.now().UTC(),
		}).Error
	if err != nil {
		return wallet.BalanceCents, err
	}
	wallet.BalanceCents = next
	return next, nil
}

func addBalance(balance, signed int64) (int64, error) {
	if signed < 0 {
		if balance < -signed {
			return balance, ErrInsufficientBalance
		}
		return balance + signed, nil
	}
	sum, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(uint64(balance)), uint256.NewInt(uint64(signed)))
	if overflow || sum.GtUint64(math.MaxInt64) {
		return balance, ErrBalanceOverflow
	}
	return int64(sum.Uint64()), nil
}
