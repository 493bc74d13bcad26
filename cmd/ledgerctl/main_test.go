package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"agentmarket/services/ledgerd/ledger"
	"agentmarket/services/ledgerd/models"
	"agentmarket/services/ledgerd/storage"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, storage.MemoryDSN(uuid.NewString()), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	return db
}

func TestSeedAndBalance(t *testing.T) {
	db := openTestDB(t)
	seed := filepath.Join(t.TempDir(), "coins.toml")
	require.NoError(t, os.WriteFile(seed, []byte(`
[[coin]]
symbol = "usd"
name = "US Dollar"
prefix = "$"
`), 0o600))

	var out bytes.Buffer
	coord := ledger.NewCoordinator(db)
	require.NoError(t, seedCoins(context.Background(), coord.Coins(), seed, &out))
	require.Contains(t, out.String(), "seeded usd")

	_, err := coord.Credit(context.Background(), ledger.Posting{AgentID: "alice", Coin: "USD", Amount: 250})
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, printBalance(context.Background(), coord, "alice", "usd", &out))
	require.Equal(t, "alice USD 250 ($2.50)\n", out.String())
}

func TestVerifyReportsDrift(t *testing.T) {
	db := openTestDB(t)
	coord := ledger.NewCoordinator(db)
	_, err := coord.Credit(context.Background(), ledger.Posting{AgentID: "alice", Coin: "AGO", Amount: 100})
	require.NoError(t, err)

	var out bytes.Buffer
	n, err := verify(context.Background(), ledger.NewVerifier(db), "", "AGO", &out)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, "ok\n", out.String())

	require.NoError(t, db.Model(&models.Wallet{}).Where("agent_id = ?", "alice").Update("balance_cents", 90).Error)
	out.Reset()
	n, err = verify(context.Background(), ledger.NewVerifier(db), "alice", "AGO", &out)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Contains(t, out.String(), "balance=90 journal=100")
}
