package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariusoe/inspectIT-sub007/cmr/trees"
)

func openTestWriter(t *testing.T) *SQLWriter {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "evicted.db")
	w, err := OpenSQLWriter(context.Background(), dsn, zerolog.Nop())
	if err != nil {
		t.Skipf("libsql driver unavailable: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestSQLWriter(t *testing.T) {
	w := openTestWriter(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	batch := uuid.New()
	elements := []*trees.Element{
		trees.NewElement(1, 7, 2, 3, ts, &trees.SQLPayload{SQL: "SELECT 1", Prepared: true}),
		trees.NewElement(2, 7, 2, 0, time.Time{}, &trees.CPUPayload{Count: 2}),
		trees.NewElement(3, 8, 2, 0, ts, nil),
	}
	require.NoError(t, w.Write(ctx, batch, elements))
	require.NoError(t, w.Write(ctx, uuid.New(), nil))

	records, err := w.Records(ctx, 7)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, uint64(1), records[0].ID)
	assert.Equal(t, batch, records[0].BatchID)
	assert.Equal(t, trees.KindSQLStatement, records[0].Kind)
	assert.True(t, ts.Equal(records[0].Timestamp))

	var payload trees.SQLPayload
	require.NoError(t, json.Unmarshal(records[0].Payload, &payload))
	assert.Equal(t, "SELECT 1", payload.SQL)
	assert.True(t, payload.Prepared)

	assert.True(t, records[1].Timestamp.IsZero())
	assert.Equal(t, trees.KindCPUInformation, records[1].Kind)

	others, err := w.Records(ctx, 8)
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Equal(t, trees.KindUnknown, others[0].Kind)
	assert.Nil(t, others[0].Payload)
}
