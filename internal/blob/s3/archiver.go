package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ward/internal/domain"
)

const (
	contentTypeJSONL = "application/x-ndjson"
	// multipartThreshold switches archive uploads to the multipart manager.
	multipartThreshold = 8 * 1024 * 1024
)

// Archiver implements domain.Archiver. It copies settled claims and
// processed defaults older than a cutoff to JSONL objects under
// archive/<kind>/YYYY-MM.jsonl. Rows are not deleted from the primary store.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	repo   domain.Stores
	logger *slog.Logger
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver. reader may be nil, in which case an
// existing object for the same month is overwritten.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, repo domain.Stores, logger *slog.Logger) *Archiver {
	return &Archiver{writer: writer, reader: reader, repo: repo, logger: logger}
}

// ArchiveClaims uploads claims settled before the cutoff.
func (a *Archiver) ArchiveClaims(ctx context.Context, before time.Time) (int64, error) {
	claims, err := a.repo.Claims().ListSettledBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive claims query: %w", err)
	}
	return archive(ctx, a, "claims", before, claims)
}

// ArchiveDefaults uploads processed defaults detected before the cutoff.
func (a *Archiver) ArchiveDefaults(ctx context.Context, before time.Time) (int64, error) {
	records, err := a.repo.Defaults().ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive defaults query: %w", err)
	}
	return archive(ctx, a, "defaults", before, records)
}

func archive[T any](ctx context.Context, a *Archiver, kind string, before time.Time, records []T) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path, err := a.freePath(ctx, kind, before)
	if err != nil {
		return 0, err
	}
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	a.logger.InfoContext(ctx, "s3blob: archive written",
		slog.String("kind", kind),
		slog.String("path", path),
		slog.Int64("count", count),
	)
	if err := a.repo.Audit().Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.UTC().Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return count, nil
}

// freePath picks archive/<kind>/YYYY-MM.jsonl, or a numbered sibling when
// that month was already archived by an earlier run.
func (a *Archiver) freePath(ctx context.Context, kind string, before time.Time) (string, error) {
	base := archivePath(kind, before)
	if a.reader == nil {
		return base, nil
	}
	path := base
	for n := 1; ; n++ {
		ok, err := a.reader.Exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive %s: %w", kind, err)
		}
		if !ok {
			return path, nil
		}
		path = fmt.Sprintf("archive/%s/%s.%d.jsonl", kind, before.UTC().Format("2006-01"), n)
	}
}

// archivePath partitions by the cutoff month:
//
//	archive/claims/2026-01.jsonl
//	archive/defaults/2026-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

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
