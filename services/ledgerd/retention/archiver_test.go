package retention

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"lukechampine.com/blake3"

	"agentmarket/services/ledgerd/ledger"
	"agentmarket/services/ledgerd/models"
	"agentmarket/services/ledgerd/storage"
)

func TestArchiverExportsThenPurges(t *testing.T) {
	db, err := storage.Open(storage.DriverSQLite, storage.MemoryDSN(uuid.NewString()), storage.Options{})
	require.NoError(t, err)
	defer storage.Close(db)

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	coord := ledger.NewCoordinator(db, ledger.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := coord.Credit(ctx, ledger.Posting{AgentID: "agent-a", Coin: "AGOTEST", Amount: 10, Metadata: map[string]string{"batch": "old"}})
		require.NoError(t, err)
	}
	now = now.Add(48 * time.Hour)
	_, err = coord.Credit(ctx, ledger.Posting{AgentID: "agent-a", Coin: "AGOTEST", Amount: 10, ExternalRef: "fresh"})
	require.NoError(t, err)

	dir := t.TempDir()
	archiver, err := NewArchiver(db, dir, 2)
	require.NoError(t, err)

	result, err := archiver.Run(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 5, result.Archived)
	require.Equal(t, int64(5), result.Deleted)
	require.FileExists(t, result.Path)

	raw, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	sum := blake3.Sum256(raw)
	require.Equal(t, hex.EncodeToString(sum[:]), result.Checksum)
	sidecar, err := os.ReadFile(result.Path + ".blake3")
	require.NoError(t, err)
	require.Equal(t, result.Checksum+"  "+filepath.Base(result.Path)+"\n", string(sidecar))

	fr, err := local.NewLocalFileReader(result.Path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(entryRow), 1)
	require.NoError(t, err)
	require.Equal(t, int64(5), pr.GetNumRows())
	rows := make([]entryRow, 5)
	require.NoError(t, pr.Read(&rows))
	pr.ReadStop()
	require.Equal(t, "agent-a", rows[0].AgentID)
	require.JSONEq(t, `{"batch":"old"}`, rows[0].Metadata)

	var remaining []models.LedgerEntry
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, "fresh", *remaining[0].ExternalRef)

	balance, err := coord.Wallets().Balance(ctx, "agent-a", "AGOTEST")
	require.NoError(t, err)
	require.Equal(t, int64(60), balance)
}

func TestArchivedReferencesStillReplay(t *testing.T) {
	db, err := storage.Open(storage.DriverSQLite, storage.MemoryDSN(uuid.NewString()), storage.Options{})
	require.NoError(t, err)
	defer storage.Close(db)

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	coord := ledger.NewCoordinator(db, ledger.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	first, err := coord.Credit(ctx, ledger.Posting{AgentID: "agent-a", Coin: "AGOTEST", Amount: 700, ExternalRef: "issuer-1"})
	require.NoError(t, err)
	_, err = coord.Credit(ctx, ledger.Posting{AgentID: "agent-a", Coin: "AGOTEST", Amount: 5})
	require.NoError(t, err)
	now = now.Add(48 * time.Hour)

	archiver, err := NewArchiver(db, t.TempDir(), 10)
	require.NoError(t, err)
	result, err := archiver.Run(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), result.Deleted)

	var retired []models.RetiredRef
	require.NoError(t, db.Find(&retired).Error)
	require.Len(t, retired, 1)
	require.Equal(t, "issuer-1", retired[0].ExternalRef)

	exists, err := coord.Guard().Exists(ctx, "AGOTEST", "issuer-1")
	require.NoError(t, err)
	require.True(t, exists)

	again, err := coord.Credit(ctx, ledger.Posting{AgentID: "agent-a", Coin: "AGOTEST", Amount: 700, ExternalRef: "issuer-1"})
	require.NoError(t, err)
	require.True(t, again.Duplicate)
	require.Equal(t, first.Entry.UUID, again.Entry.UUID)
	require.Equal(t, int64(705), again.Balance)

	_, err = coord.Credit(ctx, ledger.Posting{AgentID: "agent-b", Coin: "AGOTEST", Amount: 700, ExternalRef: "issuer-1"})
	require.ErrorIs(t, err, ledger.ErrDuplicateExternalRef)

	balance, err := coord.Wallets().Balance(ctx, "agent-a", "AGOTEST")
	require.NoError(t, err)
	require.Equal(t, int64(705), balance)
}

func TestArchiverNoopWithoutOldEntries(t *testing.T) {
	db, err := storage.Open(storage.DriverSQLite, storage.MemoryDSN(uuid.NewString()), storage.Options{})
	require.NoError(t, err)
	defer storage.Close(db)

	dir := t.TempDir()
	archiver, err := NewArchiver(db, dir, 0)
	require.NoError(t, err)
	result, err := archiver.Run(context.Background(), time.Now())
	require.NoError(t, err)
	require.Zero(t, result.Archived)
	require.Empty(t, result.Path)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, files)

	_, err = NewArchiver(db, " ", 0)
	require.ErrorIs(t, err, ErrArchiveDirRequired)
}

func TestSchedulerNextRun(t *testing.T) {
	s := NewScheduler(SchedulerConfig{RunHour: 2, RunMinute: 30})
	before := time.Date(2026, 1, 10, 1, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 1, 10, 2, 30, 0, 0, time.UTC), s.nextRun(before))
	after := time.Date(2026, 1, 10, 2, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 1, 11, 2, 30, 0, 0, time.UTC), s.nextRun(after))

	clamped := NewScheduler(SchedulerConfig{RunHour: 42, RunMinute: -3})
	require.Equal(t, 23, clamped.runHour)
	require.Equal(t, 0, clamped.runMinute)
	require.Equal(t, 365*24*time.Hour, clamped.horizon)
}
