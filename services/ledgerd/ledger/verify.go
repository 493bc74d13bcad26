package ledger

import (
	"context"

	"gorm.io/gorm"

	"agentmarket/services/ledgerd/models"
)

// Drift reports a wallet whose stored balance disagrees with its journal.
type Drift struct {
	AgentID string `json:"agent_id"`
	Coin    string `json:"coin"`
	Balance int64  `json:"balance"`
	Journal int64  `json:"journal"`
}

// Verifier compares stored balances with journal reconstructions. Journals
// trimmed by the retention job no longer reconstruct older balances, so
// verification is meaningful only for wallets whose history is intact.
type Verifier struct {
	db      *gorm.DB
	journal *Journal
	wallets *WalletStore
}

// NewVerifier constructs a verifier over db.
func NewVerifier(db *gorm.DB) *Verifier {
	return &Verifier{db: db, journal: NewJournal(db), wallets: NewWalletStore(db)}
}

// VerifyWallet returns a drift record, or nil when the wallet reconciles.
func (v *Verifier) VerifyWallet(ctx context.Context, agent, coin string) (*Drift, error) {
	balance, err := v.wallets.Balance(ctx, agent, coin)
	if err != nil {
		return nil, err
	}
	sum, err := v.journal.Sum(ctx, agent, coin)
	if err != nil {
		return nil, err
	}
	if balance == sum {
		return nil, nil
	}
	agent, coin, _ = normalizeKey(agent, coin)
	return &Drift{AgentID: agent, Coin: coin, Balance: balance, Journal: sum}, nil
}

type journalTotal struct {
	AgentID string
	Total   int64
}

// VerifyCoin checks every wallet of a coin in two aggregate queries.
func (v *Verifier) VerifyCoin(ctx context.Context, coin string) ([]Drift, error) {
	symbol, err := NormalizeSymbol(coin)
	if err != nil {
		return nil, err
	}
	var wallets []models.Wallet
	if err := v.db.WithContext(ctx).Where("coin = ?", symbol).Order("agent_id ASC").Find(&wallets).Error; err != nil {
		return nil, classify(err)
	}
	var totals []journalTotal
	err = v.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Select("agent_id, COALESCE(SUM(CASE WHEN type = ? THEN amount_cents ELSE -amount_cents END), 0) AS total", models.EntryCredit).
		Where("coin = ?", symbol).
		Group("agent_id").
		Scan(&totals).Error
	if err != nil {
		return nil, classify(err)
	}
	sums := make(map[string]int64, len(totals))
	for _, t := range totals {
		sums[t.AgentID] = t.Total
	}
	var drifts []Drift
	for _, wallet := range wallets {
		if sum := sums[wallet.AgentID]; sum != wallet.BalanceCents {
			drifts = append(drifts, Drift{AgentID: wallet.AgentID, Coin: symbol, Balance: wallet.BalanceCents, Journal: sum})
		}
		delete(sums, wallet.AgentID)
	}
	for agent, sum := range sums {
		if sum != 0 {
			drifts = append(drifts, Drift{AgentID: agent, Coin: symbol, Journal: sum})
		}
	}
	return drifts, nil
}
