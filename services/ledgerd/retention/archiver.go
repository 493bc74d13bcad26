package retention

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"lukechampine.com/blake3"

	"agentmarket/services/ledgerd/models"
)

const defaultBatchSize = 1000

// ErrArchiveDirRequired is returned when no archive directory is configured.
var ErrArchiveDirRequired = errors.New("retention: archive directory required")

// Result summarises one archive run.
type Result struct {
	Cutoff   time.Time
	Archived int
	Deleted  int64
	Path     string
	// Checksum is the hex BLAKE3-256 digest of the archive, also written to Path+".blake3".
	Checksum string
}

// Archiver exports ledger entries older than a cutoff to Parquet and then
// purges them. Entries are only deleted after the file has been closed.
type Archiver struct {
	db        *gorm.DB
	dir       string
	batchSize int
}

// NewArchiver constructs an archiver writing into dir.
func NewArchiver(db *gorm.DB, dir string, batchSize int) (*Archiver, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrArchiveDirRequired
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Archiver{db: db, dir: dir, batchSize: batchSize}, nil
}

// Run archives and deletes every entry created before cutoff.
func (a *Archiver) Run(ctx context.Context, cutoff time.Time) (*Result, error) {
	cutoff = cutoff.UTC()
	result := &Result{Cutoff: cutoff}

	var maxID uint64
	err := a.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Select("COALESCE(MAX(id), 0)").
		Where("created_at < ?", cutoff).
		Scan(&maxID).Error
	if err != nil {
		return nil, fmt.Errorf("retention: scan horizon: %w", err)
	}
	if maxID == 0 {
		return result, nil
	}

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return nil, fmt.Errorf("retention: create archive dir: %w", err)
	}
	path := filepath.Join(a.dir, fmt.Sprintf("ledger_entries_%s.parquet", cutoff.Format("20060102T150405Z")))
	archived, err := a.export(ctx, path, cutoff, maxID)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	result.Archived = archived
	result.Path = path

	checksum, err := writeChecksum(path)
	if err != nil {
		return result, err
	}
	result.Checksum = checksum

	deleted, err := a.purge(ctx, cutoff, maxID)
	result.Deleted = deleted
	if err != nil {
		return result, err
	}
	slog.InfoContext(ctx, "ledger entries archived",
		slog.String("component", "retention"),
		slog.String("path", path),
		slog.Int("archived", archived),
		slog.Int64("deleted", deleted),
		slog.String("blake3", checksum))
	return result, nil
}

func (a *Archiver) export(ctx context.Context, path string, cutoff time.Time, maxID uint64) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("retention: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(entryRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("retention: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	written := 0
	var lastID uint64
	for {
		var batch []models.LedgerEntry
		err := a.db.WithContext(ctx).
			Where("id > ? AND id <= ? AND created_at < ?", lastID, maxID, cutoff).
			Order("id ASC").
			Limit(a.batchSize).
			Find(&batch).Error
		if err != nil {
			pw.WriteStop()
			file.Close()
			return written, fmt.Errorf("retention: read entries: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			if err := pw.Write(toRow(&batch[i])); err != nil {
				pw.WriteStop()
				file.Close()
				return written, fmt.Errorf("retention: write row: %w", err)
			}
			written++
		}
		lastID = batch[len(batch)-1].ID
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return written, fmt.Errorf("retention: finalise parquet: %w", err)
	}
	if err := file.Close(); err != nil {
		return written, fmt.Errorf("retention: close parquet: %w", err)
	}
	return written, nil
}

func (a *Archiver) purge(ctx context.Context, cutoff time.Time, maxID uint64) (int64, error) {
	var deleted int64
	for {
		var batch []models.LedgerEntry
		err := a.db.WithContext(ctx).
			Where("id <= ? AND created_at < ?", maxID, cutoff).
			Order("id ASC").
			Limit(a.batchSize).
			Find(&batch).Error
		if err != nil {
			return deleted, fmt.Errorf("retention: select batch: %w", err)
		}
		if len(batch) == 0 {
			return deleted, nil
		}
		n, err := a.retire(ctx, batch)
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
}

// retire deletes one batch and keeps tombstones for its external references
// in the same transaction.
func (a *Archiver) retire(ctx context.Context, batch []models.LedgerEntry) (int64, error) {
	now := time.Now().UTC()
	ids := make([]uint64, 0, len(batch))
	var tombstones []models.RetiredRef
	for i := range batch {
		entry := &batch[i]
		ids = append(ids, entry.ID)
		if entry.ExternalRef == nil {
			continue
		}
		tombstones = append(tombstones, models.RetiredRef{
			Coin:           entry.Coin,
			ExternalRef:    *entry.ExternalRef,
			EntryUUID:      entry.UUID,
			AgentID:        entry.AgentID,
			Type:           entry.Type,
			AmountCents:    entry.AmountCents,
			EntryCreatedAt: entry.CreatedAt,
			RetiredAt:      now,
		})
	}
	var deleted int64
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(tombstones) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&tombstones).Error; err != nil {
				return fmt.Errorf("retention: keep references: %w", err)
			}
		}
		res := tx.Where("id IN ?", ids).Delete(&models.LedgerEntry{})
		if res.Error != nil {
			return fmt.Errorf("retention: delete batch: %w", res.Error)
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// writeChecksum stores the archive digest in a sidecar file.
func writeChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("retention: open archive: %w", err)
	}
	defer file.Close()
	hasher := blake3.New(32, nil)
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("retention: hash archive: %w", err)
	}
	sum := hex.EncodeToString(hasher.Sum(nil))
	line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(path))
	if err := os.WriteFile(path+".blake3", []byte(line), 0o644); err != nil {
		return "", fmt.Errorf("retention: write checksum: %w", err)
	}
	return sum, nil
}

type entryRow struct {
	ID          int64  `parquet:"name=id, type=INT64"`
	UUID        string `parquet:"name=uuid, type=BYTE_ARRAY, convertedtype=UTF8"`
	AgentID     string `parquet:"name=agent_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Coin        string `parquet:"name=coin, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type        string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountCents int64  `parquet:"name=amount_cents, type=INT64"`
	Metadata    string `parquet:"name=metadata, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExternalRef string `parquet:"name=external_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt   string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func toRow(entry *models.LedgerEntry) *entryRow {
	row := &entryRow{
		ID:          int64(entry.ID),
		UUID:        entry.UUID.String(),
		AgentID:     entry.AgentID,
		Coin:        entry.Coin,
		Type:        string(entry.Type),
		AmountCents: entry.AmountCents,
		CreatedAt:   entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(entry.Metadata) > 0 {
		if raw, err := json.Marshal(entry.Metadata); err == nil {
			row.Metadata = string(raw)
		}
	}
	if entry.ExternalRef != nil {
		row.ExternalRef = *entry.ExternalRef
	}
	return row
}
