package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ward/internal/domain"
	"github.com/alanyoungcy/ward/internal/store/memory"
)

type memBlobs struct {
	objects   map[string][]byte
	multipart int
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	m.multipart++
	return m.Put(ctx, path, data, contentTypeJSONL)
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(context.Context, string) ([]domain.BlobInfo, error) { return nil, nil }

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

func lines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestArchiver_Claims(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	old := cutoff.Add(-48 * time.Hour)
	recent := cutoff.Add(time.Hour)

	for _, c := range []domain.Claim{
		{ID: "C1", PolicyID: "P1", LoanID: "L1", TxHash: "T1", Status: domain.ClaimStatusSettled, ClaimPayout: 500, SettledAt: &old},
		{ID: "C2", PolicyID: "P1", LoanID: "L2", TxHash: "T2", Status: domain.ClaimStatusSettled, SettledAt: &recent},
		{ID: "C3", PolicyID: "P1", LoanID: "L3", TxHash: "T3", Status: domain.ClaimStatusValidated},
	} {
		require.NoError(t, repo.Claims().Create(ctx, c))
	}

	blobs := newMemBlobs()
	a := NewArchiver(blobs, blobs, repo, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := a.ArchiveClaims(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows := lines(t, blobs.objects["archive/claims/2026-03.jsonl"])
	require.Len(t, rows, 1)
	assert.Equal(t, "C1", rows[0]["claim_id"])
	assert.Zero(t, blobs.multipart)

	n, err = a.ArchiveClaims(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Contains(t, blobs.objects, "archive/claims/2026-03.1.jsonl")

	audit, err := repo.Audit().List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.NotEmpty(t, audit)
	assert.Equal(t, "archive.claims", audit[0].Event)
	assert.Equal(t, "archive/claims/2026-03.1.jsonl", audit[0].Detail["path"])
}

func TestArchiver_DefaultsEmpty(t *testing.T) {
	blobs := newMemBlobs()
	a := NewArchiver(blobs, nil, memory.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := a.ArchiveDefaults(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blobs.objects)
}

func TestArchiver_Defaults(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Defaults().Record(ctx, domain.DefaultRecord{
		LoanID: "L1", TxHash: "T1", VaultLoss: 900, DetectedAt: cutoff.Add(-time.Hour),
	}))
	require.NoError(t, repo.Defaults().Record(ctx, domain.DefaultRecord{
		LoanID: "L2", TxHash: "T2", DetectedAt: cutoff.Add(time.Hour),
	}))

	blobs := newMemBlobs()
	a := NewArchiver(blobs, blobs, repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n, err := a.ArchiveDefaults(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows := lines(t, blobs.objects["archive/defaults/2026-03.jsonl"])
	require.Len(t, rows, 1)
	assert.Equal(t, "L1", rows[0]["loan_id"])
	assert.EqualValues(t, 900, rows[0]["vault_loss"])
}

func TestKeyPrefix(t *testing.T) {
	c := &Client{prefix: normalisePrefix("/ward/")}
	assert.Equal(t, "ward/archive/claims/2026-03.jsonl", c.key("/archive/claims/2026-03.jsonl"))
	assert.Equal(t, "", normalisePrefix(""))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("http://minio:9000", true))
}
