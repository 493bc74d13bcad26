package bridge

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"agentmarket/services/ledgerd/ledger"
	"agentmarket/services/ledgerd/models"
	"agentmarket/services/ledgerd/storage"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, storage.MemoryDSN(uuid.NewString()), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	return db
}

func newManager(t *testing.T, opts Options) (*Manager, *ledger.Coordinator) {
	t.Helper()
	db := setupTestDB(t)
	coord := ledger.NewCoordinator(db)
	_, err := coord.Credit(context.Background(), ledger.Posting{AgentID: "agent-a", Coin: "AGOTEST", Amount: 1000})
	require.NoError(t, err)
	return NewManager(coord, db, opts), coord
}

func balance(t *testing.T, coord *ledger.Coordinator, agent string) int64 {
	t.Helper()
	b, err := coord.Wallets().Balance(context.Background(), agent, "AGOTEST")
	require.NoError(t, err)
	return b
}

func cashout(amount int64, ref string) CreateRequest {
	return CreateRequest{
		Kind:           models.KindCashout,
		FromAgentID:    "agent-a",
		Coin:           "agotest",
		Amount:         amount,
		DestinationRef: "iban:DE00123",
		ExternalRef:    ref,
	}
}

func TestHoldThenRejectRestoresBalance(t *testing.T) {
	mgr, coord := newManager(t, Options{})
	ctx := context.Background()

	transfer, created, err := mgr.Create(ctx, cashout(400, ""))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, models.TransferPending, transfer.Status)
	require.Equal(t, int64(600), balance(t, coord, "agent-a"))

	rejected, err := mgr.Reject(ctx, transfer.UUID, "rail closed", "ops-1")
	require.NoError(t, err)
	require.Equal(t, models.TransferRejected, rejected.Status)
	require.Equal(t, "rail closed", rejected.RejectReason)
	require.Equal(t, "ops-1", rejected.SettledBy)
	require.Equal(t, int64(1000), balance(t, coord, "agent-a"))

	entries, err := coord.Journal().Entries(ctx, "agent-a", "AGOTEST", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, TypeBridgeRelease, entries[0].Metadata["type"])
	require.Equal(t, TypeBridgeHold, entries[1].Metadata["type"])

	again, err := mgr.Reject(ctx, transfer.UUID, "rail closed", "ops-1")
	require.NoError(t, err)
	require.Equal(t, models.TransferRejected, again.Status)
	require.Equal(t, int64(1000), balance(t, coord, "agent-a"))

	_, err = mgr.Settle(ctx, transfer.UUID, "ops-1")
	require.ErrorIs(t, err, ErrTransferFinalised)
}

func TestRejectReleasesDespitePlantedReferences(t *testing.T) {
	mgr, coord := newManager(t, Options{})
	ctx := context.Background()

	transfer, _, err := mgr.Create(ctx, cashout(400, ""))
	require.NoError(t, err)

	id := transfer.UUID.String()
	_, err = coord.Transfer(ctx, ledger.TransferRequest{From: "agent-a", To: "agent-b", Coin: "AGOTEST", Amount: 1, ExternalRef: "bridge-release:" + id})
	require.ErrorIs(t, err, ledger.ErrInvalidReference)
	_, err = coord.Transfer(ctx, ledger.TransferRequest{From: "agent-a", To: "agent-b", Coin: "AGOTEST", Amount: 1, ExternalRef: id})
	require.NoError(t, err)
	require.Equal(t, int64(599), balance(t, coord, "agent-a"))

	_, err = mgr.Reject(ctx, transfer.UUID, "rail closed", "ops-1")
	require.NoError(t, err)
	require.Equal(t, int64(999), balance(t, coord, "agent-a"))
	require.Equal(t, int64(1), balance(t, coord, "agent-b"))
}

func TestReplayByAnotherAgentConflicts(t *testing.T) {
	mgr, coord := newManager(t, Options{})
	ctx := context.Background()
	_, err := coord.Credit(ctx, ledger.Posting{AgentID: "agent-b", Coin: "AGOTEST", Amount: 1000})
	require.NoError(t, err)

	_, created, err := mgr.Create(ctx, cashout(300, "co-shared"))
	require.NoError(t, err)
	require.True(t, created)

	other := cashout(300, "co-shared")
	other.FromAgentID = "agent-b"
	got, created, err := mgr.Create(ctx, other)
	require.ErrorIs(t, err, ledger.ErrDuplicateExternalRef)
	require.Nil(t, got)
	require.False(t, created)
	require.Equal(t, int64(1000), balance(t, coord, "agent-b"))
	require.Equal(t, int64(700), balance(t, coord, "agent-a"))
}

func TestSettleKeepsHold(t *testing.T) {
	mgr, coord := newManager(t, Options{})
	ctx := context.Background()

	transfer, _, err := mgr.Create(ctx, CreateRequest{
		Kind:         models.KindCrossInstance,
		FromAgentID:  "agent-a",
		Coin:         "AGOTEST",
		Amount:       250,
		ToInstanceID: "instance-eu",
		ToAgentID:    "agent-z",
	})
	require.NoError(t, err)

	pending, err := mgr.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	settled, err := mgr.Settle(ctx, transfer.UUID, "ops-2")
	require.NoError(t, err)
	require.Equal(t, models.TransferSettled, settled.Status)
	require.Equal(t, int64(750), balance(t, coord, "agent-a"))

	_, err = mgr.Reject(ctx, transfer.UUID, "too late", "ops-2")
	require.ErrorIs(t, err, ErrTransferFinalised)
	require.Equal(t, int64(750), balance(t, coord, "agent-a"))

	pending, err = mgr.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestCreateIsIdempotentOnExternalRef(t *testing.T) {
	mgr, coord := newManager(t, Options{})
	ctx := context.Background()

	first, created, err := mgr.Create(ctx, cashout(100, "payout-7"))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := mgr.Create(ctx, cashout(100, "payout-7"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.UUID, second.UUID)
	require.Equal(t, int64(900), balance(t, coord, "agent-a"))
}

func TestConcurrentCreatesWithSameRefHoldOnce(t *testing.T) {
	mgr, coord := newManager(t, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan uuid.UUID, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			transfer, _, err := mgr.Create(ctx, cashout(100, "payout-race"))
			if err == nil {
				ids <- transfer.UUID
			}
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[uuid.UUID]struct{}{}
	for id := range ids {
		seen[id] = struct{}{}
	}
	require.Len(t, seen, 1)
	require.Equal(t, int64(900), balance(t, coord, "agent-a"))
}

func TestCreateValidation(t *testing.T) {
	mgr, coord := newManager(t, Options{ReservedCoin: "agotest"})
	ctx := context.Background()

	_, _, err := mgr.Create(ctx, cashout(100, ""))
	require.ErrorIs(t, err, ErrReservedCoinBlocked)

	_, _, err = mgr.Create(ctx, CreateRequest{Kind: "teleport", FromAgentID: "agent-a", Coin: "OTHER", Amount: 1})
	require.ErrorIs(t, err, ErrInvalidKind)

	_, _, err = mgr.Create(ctx, CreateRequest{Kind: models.KindCrossInstance, FromAgentID: "agent-a", Coin: "OTHER", Amount: 1, ToInstanceID: "x"})
	require.ErrorIs(t, err, ErrDestinationRequired)

	_, _, err = mgr.Create(ctx, CreateRequest{Kind: models.KindCashout, FromAgentID: "agent-a", Coin: "OTHER", Amount: 0, DestinationRef: "x"})
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, _, err = mgr.Create(ctx, CreateRequest{Kind: models.KindCashout, FromAgentID: "agent-a", Coin: "OTHER", Amount: 5, DestinationRef: "x"})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	_, err = mgr.Reject(ctx, uuid.New(), "", "ops")
	require.ErrorIs(t, err, ErrReasonRequired)
	_, err = mgr.Settle(ctx, uuid.New(), "ops")
	require.ErrorIs(t, err, ErrTransferNotFound)

	require.Equal(t, int64(1000), balance(t, coord, "agent-a"))
}

func TestReservedCoinAllowed(t *testing.T) {
	mgr, coord := newManager(t, Options{ReservedCoin: "AGOTEST", ReservedCoinAllowed: true})
	_, created, err := mgr.Create(context.Background(), cashout(10, ""))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(990), balance(t, coord, "agent-a"))
}
