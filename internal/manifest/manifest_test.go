package manifest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/pdf-converter/internal/cache"
	"github.com/spherical/pdf-converter/internal/domain"
)

func TestStore_RecordGetDelete(t *testing.T) {
	mem := cache.NewMemoryClient(10)
	defer mem.Close()
	s := NewStore(mem, time.Hour)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	result := &domain.ConversionResult{
		RequestID: "req-1",
		Strategy:  domain.StrategyPDFToPNG,
		State:     domain.StateCompleted,
		Success:   true,
		Inputs:    []string{"a.pdf"},
		Artifacts: []domain.OutputArtifact{
			{Name: "a.png", StoragePath: "req-1/a.png", PublicURL: "/converted/req-1/a.png", ContentType: "image/png", PageIndex: 0},
		},
		Errors:     []domain.FileError{{File: "b.txt", Code: domain.ErrorTypeUnsupportedFormat, Message: "not a PDF"}},
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Second),
	}
	require.NoError(t, s.Record(ctx, result))

	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, result, got)
	assert.Equal(t, 2*time.Second, got.Duration())

	require.NoError(t, s.Delete(ctx, "req-1"))
	_, err = s.Get(ctx, "req-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Expires(t *testing.T) {
	mem := cache.NewMemoryClient(10)
	defer mem.Close()
	s := NewStore(mem, 10*time.Millisecond)

	require.NoError(t, s.Record(context.Background(), &domain.ConversionResult{RequestID: "r"}))
	time.Sleep(30 * time.Millisecond)

	_, err := s.Get(context.Background(), "r")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RequiresRequestID(t *testing.T) {
	s := NewStore(cache.NewMemoryClient(1), time.Minute)
	err := s.Record(context.Background(), &domain.ConversionResult{})
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))
}
