package usage

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func sampleRecord(requestID string) Record {
	return Record{
		UserID:           "u1",
		ConversationID:   "c1",
		RoundID:          "r1",
		ModelID:          "gpt-4o",
		PromptTokens:     120,
		CompletionTokens: 48,
		LatencyMs:        950,
		Status:           StatusCompleted,
		StatusCode:       200,
		RequestID:        requestID,
	}
}

func TestStore_SaveAndList(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := sampleRecord("req-1")
	require.NoError(t, store.Save(ctx, &first))

	second := sampleRecord("req-2")
	second.Status = StatusFailed
	second.StatusCode = 502
	require.NoError(t, store.Save(ctx, &second))

	records, err := store.ListByRound(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "req-1", records[0].RequestID)
	assert.Equal(t, StatusFailed, records[1].Status)
}

func TestStore_SaveDeduplicatesByRequestID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := sampleRecord("req-1")
	require.NoError(t, store.Save(ctx, &first))

	dup := sampleRecord("req-1")
	dup.CompletionTokens = 9999
	require.NoError(t, store.Save(ctx, &dup))

	records, err := store.ListByRound(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 48, records[0].CompletionTokens)
}

func TestStore_TotalsByUser(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, req := range []string{"req-1", "req-2", "req-3"} {
		r := sampleRecord(req)
		r.PromptTokens = 100 * (i + 1)
		r.CompletionTokens = 10 * (i + 1)
		require.NoError(t, store.Save(ctx, &r))
	}
	other := sampleRecord("req-other")
	other.UserID = "u2"
	require.NoError(t, store.Save(ctx, &other))

	totals, err := store.TotalsByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(600), totals.PromptTokens)
	assert.Equal(t, int64(60), totals.CompletionTokens)
	assert.Equal(t, int64(3), totals.Requests)
}

func TestStoreRecorder_Record(t *testing.T) {
	store := setupTestStore(t)
	recorder := NewStoreRecorder(store, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, recorder.Record(ctx, sampleRecord("req-1")))

	records, err := store.ListByRound(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestNopRecorder(t *testing.T) {
	assert.NoError(t, NopRecorder{}.Record(context.Background(), sampleRecord("req-1")))
}
