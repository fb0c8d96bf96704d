package service

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal "github.com/mariusoe/inspectIT-sub007/cmr"
	"github.com/mariusoe/inspectIT-sub007/cmr/common"
	"github.com/mariusoe/inspectIT-sub007/cmr/config"
	"github.com/mariusoe/inspectIT-sub007/cmr/sizing"
	"github.com/mariusoe/inspectIT-sub007/cmr/trees"
)

type collectingWriter struct {
	mu  sync.Mutex
	ids []uint64
}

func (w *collectingWriter) Write(_ context.Context, _ uuid.UUID, elements []*trees.Element) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range elements {
		w.ids = append(w.ids, e.ID)
	}
	return nil
}

func (w *collectingWriter) sorted() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := slices.Clone(w.ids)
	slices.Sort(out)
	return out
}

func testConfig(maxBytes uint64) *config.Config {
	return &config.Config{
		Buffer: config.BufferConfig{
			MaxBytes:             maxBytes,
			EvictionLowWatermark: 1,
			EvictionOccupancy:    internal.DefaultEvictionOccupancy,
			CompactionInterval:   time.Hour,
			Profile:              sizing.ProfileStandard,
			PointerWidth:         64,
			TreeShape:            []string{"agent", "kind", "time"},
			TimeBucket:           time.Minute,
		},
		Storage: config.StorageConfig{
			QueueSize: 1024,
			BatchSize: 16,
			Workers:   2,
		},
		Log: config.LogConfig{Level: "error"},
	}
}

func sqlElement(id uint64) *trees.Element {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Second)
	return trees.NewElement(id, id%4+1, 1, 2, ts, &trees.SQLPayload{SQL: "SELECT * FROM orders"})
}

func elementSize(t *testing.T) uint64 {
	t.Helper()
	p, err := sizing.StandardProfile(64)
	require.NoError(t, err)
	est, err := sizing.NewEstimator(p)
	require.NoError(t, err)
	size, err := est.Estimate(sqlElement(1))
	require.NoError(t, err)
	return size
}

func TestService(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"EvictionsArePersistedOnClose", testServicePersistsEvictions},
		{"StorageDisabled", testServiceWithoutStorage},
		{"BackgroundCompaction", testServiceBackgroundCompaction},
		{"InvalidConfiguration", testServiceInvalidConfig},
		{"Lifecycle", testServiceLifecycle},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testServicePersistsEvictions(t *testing.T) {
	size := elementSize(t)
	writer := &collectingWriter{}
	reg := prometheus.NewRegistry()
	svc, err := NewService(context.Background(), testConfig(10*size),
		WithWriter(writer), WithRegisterer(reg), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	for id := uint64(1); id <= 40; id++ {
		_, err := svc.Insert(sqlElement(id))
		require.NoError(t, err)
	}
	assert.Len(t, svc.QueryAll(nil), 10)
	assert.Len(t, svc.QueryAll(trees.NewQueryBuilder().WithSQL("SELECT * FROM orders").WithAgentID(1).Build()), 3)
	assert.Empty(t, svc.Validate())

	stats := svc.Stats()
	require.NotNil(t, stats.Storage)
	assert.Equal(t, 10, stats.Buffer.Elements)

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	var want []uint64
	for id := uint64(1); id <= 30; id++ {
		want = append(want, id)
	}
	assert.Equal(t, want, writer.sorted())
}

func testServiceWithoutStorage(t *testing.T) {
	svc, err := NewService(context.Background(), testConfig(1<<20), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.Insert(sqlElement(1))
	require.NoError(t, err)
	got, ok := svc.Get(sqlElement(1))
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.ID)

	e, ok := svc.EvictOne()
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.ID)
	assert.Nil(t, svc.Stats().Storage)

	_, err = svc.Insert(sqlElement(2))
	require.NoError(t, err)
	svc.Clear()
	assert.Zero(t, svc.Stats().Buffer.Elements)
}

func testServiceBackgroundCompaction(t *testing.T) {
	size := elementSize(t)
	cfg := testConfig(10 * size)
	cfg.Buffer.CompactionInterval = 5 * time.Millisecond
	cfg.Buffer.EvictionOccupancy = 0.5

	svc, err := NewService(context.Background(), cfg, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer svc.Close()

	for id := uint64(1); id <= 10; id++ {
		_, err := svc.Insert(sqlElement(id))
		require.NoError(t, err)
	}
	require.NoError(t, svc.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return svc.Stats().Buffer.Elements == 5
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, svc.Validate())
}

func testServiceInvalidConfig(t *testing.T) {
	_, err := NewService(context.Background(), nil)
	assert.Error(t, err)

	cfg := testConfig(1 << 20)
	cfg.Buffer.Profile = "compressed"
	_, err = NewService(context.Background(), cfg, WithLogger(zerolog.Nop()))
	assert.ErrorIs(t, err, common.ErrInvalidProfile)

	cfg = testConfig(1 << 20)
	cfg.Buffer.TreeShape = []string{"agent", "colour"}
	_, err = NewService(context.Background(), cfg, WithLogger(zerolog.Nop()))
	assert.ErrorIs(t, err, common.ErrInvalidIndexer)

	cfg = testConfig(0)
	_, err = NewService(context.Background(), cfg, WithLogger(zerolog.Nop()))
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func testServiceLifecycle(t *testing.T) {
	svc, err := NewService(context.Background(), testConfig(1<<20), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	require.NoError(t, svc.Start(context.Background()))
	assert.Error(t, svc.Start(context.Background()))
	require.NoError(t, svc.Close())
	assert.Error(t, svc.Start(context.Background()))
}
