package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

const (
	contentTypeJSONL = "application/x-ndjson"

	defaultBatchSize = 500
	// Batches larger than this go through the multipart uploader.
	multipartThreshold = 8 * 1024 * 1024
)

// PositionArchive is the slice of the position store the archiver needs.
type PositionArchive interface {
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]domain.Position, error)
	MarkArchived(ctx context.Context, ids []string) error
}

// PositionArchiver implements domain.Archiver. Each batch of terminal
// positions is written as one JSONL object and only then stamped archived,
// so a failed upload leaves the rows to be picked up by the next run.
type PositionArchiver struct {
	writer    domain.BlobWriter
	positions PositionArchive
	audit     domain.AuditStore
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
}

// NewPositionArchiver creates an archiver. batchSize <= 0 uses the default.
func NewPositionArchiver(writer domain.BlobWriter, positions PositionArchive, audit domain.AuditStore, batchSize int, logger *slog.Logger) *PositionArchiver {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &PositionArchiver{
		writer:    writer,
		positions: positions,
		audit:     audit,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "position_archiver")),
	}
}

// ArchivePositions exports every terminal position closed before the cutoff
// and returns how many were archived.
func (a *PositionArchiver) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	runAt := a.now()
	for batch := 1; ; batch++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		positions, err := a.positions.ListArchivable(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive positions query: %w", err)
		}
		if len(positions) == 0 {
			return total, nil
		}

		buf, err := marshalJSONL(positions)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive positions marshal: %w", err)
		}
		path := archivePath(runAt, batch)
		if len(buf) > multipartThreshold {
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
		} else {
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL)
		}
		if err != nil {
			return total, fmt.Errorf("s3blob: archive positions upload: %w", err)
		}

		ids := make([]string, len(positions))
		for i, p := range positions {
			ids[i] = p.ID
		}
		if err := a.positions.MarkArchived(ctx, ids); err != nil {
			return total, fmt.Errorf("s3blob: archive positions mark: %w", err)
		}
		total += int64(len(positions))

		if err := a.audit.Log(ctx, "archive.positions", map[string]any{
			"path":   path,
			"count":  len(positions),
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			a.logger.WarnContext(ctx, "archive audit log failed", slog.String("error", err.Error()))
		}
		a.logger.InfoContext(ctx, "positions archived",
			slog.String("path", path),
			slog.Int("count", len(positions)),
		)

		if len(positions) < a.batchSize {
			return total, nil
		}
	}
}

// archivePath partitions archive files by run month:
//
//	archive/positions/2026-03/20260301T120000Z-001.jsonl
func archivePath(runAt time.Time, batch int) string {
	runAt = runAt.UTC()
	return fmt.Sprintf("archive/positions/%s/%s-%03d.jsonl",
		runAt.Format("2006-01"), runAt.Format("20060102T150405Z"), batch)
}

// marshalJSONL encodes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*PositionArchiver)(nil)
