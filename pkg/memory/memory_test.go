package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uxmcp/uxmcp/pkg/embedders"
	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/model"
	"github.com/uxmcp/uxmcp/pkg/store"
)

const agentID = "agent-1"

func testManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(store.NewMemStore().Memories(), embedders.NewMock(0))
}

func storeRecord(t *testing.T, m *Manager, content string, importance float64, opts StoreOptions) *model.MemoryRecord {
	t.Helper()
	rec, err := m.Store(context.Background(), &model.MemoryRecord{
		AgentID:    agentID,
		Content:    content,
		Importance: importance,
	}, opts)
	require.NoError(t, err)
	return rec
}

func TestStoreDefaults(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	rec, err := m.Store(ctx, &model.MemoryRecord{
		AgentID: agentID, Content: "hello", Importance: ImportanceUnset,
	}, StoreOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, model.ContentConversation, rec.ContentType)
	assert.Equal(t, 0.5, rec.Importance)

	explicit, err := m.Store(ctx, &model.MemoryRecord{
		AgentID: agentID, Content: "remember this", Importance: ImportanceUnset,
	}, StoreOptions{Explicit: true})
	require.NoError(t, err)
	assert.Equal(t, 0.7, explicit.Importance)

	knowledge, err := m.Store(ctx, &model.MemoryRecord{
		AgentID:     agentID,
		Content:     "the API rate limit is 60 per minute",
		ContentType: model.ContentStoredKnowledge,
		Importance:  ImportanceUnset,
	}, StoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0.9, knowledge.Importance)

	// Zero is a real importance, not "apply the default".
	zero, err := m.Store(ctx, &model.MemoryRecord{
		AgentID: agentID, Content: "ephemeral aside",
	}, StoreOptions{Explicit: true})
	require.NoError(t, err)
	assert.Equal(t, 0.0, zero.Importance)
}

func TestStoreRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	_, err := m.Store(ctx, &model.MemoryRecord{Content: "x"}, StoreOptions{})
	assert.Equal(t, errs.KindValidationFailed, errs.KindOf(err))

	_, err = m.Store(ctx, &model.MemoryRecord{AgentID: agentID, Content: "  "}, StoreOptions{})
	assert.Equal(t, errs.KindValidationFailed, errs.KindOf(err))

	_, err = m.Store(ctx, &model.MemoryRecord{AgentID: agentID, Content: "x", Importance: 1.5}, StoreOptions{})
	assert.Equal(t, errs.KindValidationFailed, errs.KindOf(err))

	_, err = m.Store(ctx, &model.MemoryRecord{AgentID: agentID, Content: "x", Importance: -0.2}, StoreOptions{})
	assert.Equal(t, errs.KindValidationFailed, errs.KindOf(err))
}

func TestRetentionEvictsLowestImportance(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)
	opts := StoreOptions{MaxMemories: 3}

	storeRecord(t, m, "flights must be refundable", 0.9, opts)
	storeRecord(t, m, "budget is four thousand dollars", 0.9, opts)
	weak := storeRecord(t, m, "smalltalk about the weather", 0.5, opts)
	storeRecord(t, m, "prefers aisle seats", 0.9, opts)

	records, err := m.List(ctx, agentID, store.MemoryFilter{}, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		assert.NotEqual(t, weak.ID, r.ID, "the lowest-importance record is evicted")
	}
}

func TestRetentionTieBreaksOldest(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)
	opts := StoreOptions{MaxMemories: 2}

	base := time.Now().UTC().Add(-time.Hour)
	oldest, err := m.Store(ctx, &model.MemoryRecord{
		AgentID: agentID, Content: "first note", Importance: 0.5, CreatedAt: base,
	}, opts)
	require.NoError(t, err)
	_, err = m.Store(ctx, &model.MemoryRecord{
		AgentID: agentID, Content: "second note", Importance: 0.5, CreatedAt: base.Add(time.Minute),
	}, opts)
	require.NoError(t, err)
	_, err = m.Store(ctx, &model.MemoryRecord{
		AgentID: agentID, Content: "third note", Importance: 0.5, CreatedAt: base.Add(2 * time.Minute),
	}, opts)
	require.NoError(t, err)

	records, err := m.List(ctx, agentID, store.MemoryFilter{}, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.NotEqual(t, oldest.ID, r.ID, "equal importance evicts the oldest")
	}
}

func TestSearchFindsStoredContent(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	rec := storeRecord(t, m, "user prefers aisle seats on long flights", 0.8, StoreOptions{})
	storeRecord(t, m, "quarterly revenue grew in march", 0.8, StoreOptions{})

	hits, err := m.Search(ctx, agentID, "user prefers aisle seats on long flights", SearchOptions{K: 5})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, rec.ID, hits[0].Record.ID)
	assert.GreaterOrEqual(t, hits[0].Score, ScoreFloor, "a stored record must be findable above the floor")
}

func TestSearchSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore().Memories()

	first := NewManager(st, embedders.NewMock(0))
	rec, err := first.Store(ctx, &model.MemoryRecord{
		AgentID: agentID, Content: "user prefers aisle seats on long flights", Importance: 0.8,
	}, StoreOptions{})
	require.NoError(t, err)

	// A fresh manager over the same record store models a process restart:
	// the vector index must be rebuilt before it can serve searches.
	second := NewManager(st, embedders.NewMock(0))
	hits, err := second.Search(ctx, agentID, "user prefers aisle seats on long flights", SearchOptions{K: 5})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, rec.ID, hits[0].Record.ID)

	// And writes through the rebuilt index keep both sides consistent.
	_, err = second.Store(ctx, &model.MemoryRecord{
		AgentID: agentID, Content: "quarterly revenue grew in march", Importance: 0.8,
	}, StoreOptions{})
	require.NoError(t, err)
	records, err := second.List(ctx, agentID, store.MemoryFilter{}, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestSearchEmptyAgent(t *testing.T) {
	m := testManager(t)
	hits, err := m.Search(context.Background(), "nobody", "anything", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchFilters(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	_, err := m.Store(ctx, &model.MemoryRecord{
		AgentID: agentID, Content: "prefers window seats", ContentType: model.ContentPreference, Importance: 0.9,
	}, StoreOptions{})
	require.NoError(t, err)
	_, err = m.Store(ctx, &model.MemoryRecord{
		AgentID: agentID, Content: "prefers window seats too", ContentType: model.ContentConversation, Importance: 0.3,
	}, StoreOptions{})
	require.NoError(t, err)

	hits, err := m.Search(ctx, agentID, "prefers window seats", SearchOptions{K: 5, MinImportance: 0.5})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, model.ContentPreference, hits[0].Record.ContentType)

	hits, err = m.Search(ctx, agentID, "prefers window seats", SearchOptions{
		K:            5,
		ContentTypes: []model.ContentType{model.ContentConversation},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, model.ContentConversation, hits[0].Record.ContentType)
}

func TestDeleteAndDeleteAll(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	a := storeRecord(t, m, "keep me around", 0.5, StoreOptions{})
	b := storeRecord(t, m, "drop me soon", 0.5, StoreOptions{})

	n, err := m.Delete(ctx, agentID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	records, err := m.List(ctx, agentID, store.MemoryFilter{}, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, a.ID, records[0].ID)

	n, err = m.Delete(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := m.Search(ctx, agentID, "keep me around", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits, "deleted records never surface in search")
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	empty, err := m.Stats(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Count)
	assert.Nil(t, empty.Oldest)

	_, err = m.Store(ctx, &model.MemoryRecord{
		AgentID: agentID, Content: "a preference", ContentType: model.ContentPreference, Importance: 0.8,
	}, StoreOptions{})
	require.NoError(t, err)
	_, err = m.Store(ctx, &model.MemoryRecord{
		AgentID: agentID, Content: "a chat line", ContentType: model.ContentConversation, Importance: 0.4,
	}, StoreOptions{})
	require.NoError(t, err)

	stats, err := m.Stats(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)
	assert.Equal(t, 1, stats.ByContentType[model.ContentPreference])
	assert.Equal(t, 1, stats.ByContentType[model.ContentConversation])
	assert.InDelta(t, 0.6, stats.AvgImportance, 1e-9)
	require.NotNil(t, stats.Oldest)
	require.NotNil(t, stats.Newest)
	assert.False(t, stats.Newest.Before(*stats.Oldest))
}
