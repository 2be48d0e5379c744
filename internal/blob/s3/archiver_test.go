package s3blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triggerbot/internal/domain"
	"github.com/alanyoungcy/triggerbot/internal/domain/domaintest"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func TestArchiver_RoundTrip(t *testing.T) {
	blobs := newMemBlobs()
	a := NewArchiver(blobs, blobs)
	ctx := context.Background()

	st := domaintest.StopLoss("s1", 95)
	st.Status = domain.StatusExecuted
	execs := []domain.ExecutionRecord{{
		StrategyID:     "s1",
		IdempotencyKey: "k1",
		Side:           domain.SideSell,
		Size:           decimal.RequireFromString("10.5"),
		AttemptCount:   2,
		Outcome:        domain.OutcomeConfirmed,
		TxSignature:    "sig",
		SubmittedAt:    domaintest.Epoch,
		UpdatedAt:      domaintest.Epoch,
	}}

	path, err := a.ArchiveStrategy(ctx, st, execs)
	require.NoError(t, err)
	assert.Equal(t, "archive/strategies/s1.jsonl", path)
	assert.Equal(t, jsonlContentType, blobs.types[path])
	assert.Len(t, strings.Split(strings.TrimSpace(string(blobs.objects[path])), "\n"), 2)

	gotStrategy, gotExecs, err := a.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, gotStrategy.Status)
	require.Len(t, gotExecs, 1)
	assert.Equal(t, "k1", gotExecs[0].IdempotencyKey)
	assert.True(t, gotExecs[0].Size.Equal(decimal.RequireFromString("10.5")))
}

func TestArchiver_LoadMissing(t *testing.T) {
	blobs := newMemBlobs()
	_, _, err := NewArchiver(blobs, blobs).Load(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("localhost:9000", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
}
