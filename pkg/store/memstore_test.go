package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/model"
)

func TestMemStore_ServiceRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	svc := &model.Service{ID: "svc-1", Name: "add", Kind: model.KindTool, Route: "/math/add", Method: "GET"}
	require.NoError(t, s.Services().Put(ctx, svc))

	assert.False(t, svc.CreatedAt.IsZero(), "Put stamps created_at")
	assert.Equal(t, model.SchemaVersion, svc.SchemaVersion)

	got, err := s.Services().Get(ctx, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, "add", got.Name)

	byName, err := s.Services().GetByName(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, "svc-1", byName.ID)

	_, err = s.Services().Get(ctx, "missing")
	assert.True(t, errs.Is(err, errs.KindUnknownService))

	require.NoError(t, s.Services().Delete(ctx, "svc-1"))
	err = s.Services().Delete(ctx, "svc-1")
	assert.True(t, errs.Is(err, errs.KindUnknownService))
}

func TestMemStore_DuplicateNameConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.Services().Put(ctx, &model.Service{ID: "a", Name: "dup"}))
	err := s.Services().Put(ctx, &model.Service{ID: "b", Name: "dup"})
	assert.True(t, errs.Is(err, errs.KindStoreConflict))

	// Re-put of the same id is an update, not a conflict.
	require.NoError(t, s.Services().Put(ctx, &model.Service{ID: "a", Name: "dup"}))
}

func TestMemStore_ListSortedByName(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, s.Agents().Put(ctx, &model.Agent{ID: name, Name: name}))
	}
	list, err := s.Agents().List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "zeta", list[2].Name)
}

func TestMemStore_MemoryFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now().UTC()

	records := []*model.MemoryRecord{
		{ID: "m1", AgentID: "ag", ContentType: model.ContentConversation, Importance: 0.5, CreatedAt: now.Add(-3 * time.Hour)},
		{ID: "m2", AgentID: "ag", ContentType: model.ContentStoredKnowledge, Importance: 0.9, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "m3", AgentID: "ag", ContentType: model.ContentPreference, Importance: 0.7, CreatedAt: now.Add(-1 * time.Hour)},
		{ID: "m4", AgentID: "other", ContentType: model.ContentConversation, Importance: 0.5, CreatedAt: now},
	}
	for _, r := range records {
		require.NoError(t, s.Memories().Insert(ctx, r))
	}

	n, err := s.Memories().Count(ctx, "ag")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	out, err := s.Memories().List(ctx, "ag", MemoryFilter{MinImportance: 0.6}, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	// Recency descending.
	assert.Equal(t, "m3", out[0].ID)

	out, err = s.Memories().List(ctx, "ag", MemoryFilter{ContentTypes: []model.ContentType{model.ContentStoredKnowledge}}, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "m2", out[0].ID)

	deleted, err := s.Memories().Delete(ctx, "ag", "m1", "m4")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted, "m4 belongs to another agent")
}

func TestMemStore_LogQueryPagination(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	base := time.Now().UTC()

	var entries []model.LogEntry
	for i := 0; i < 10; i++ {
		entries = append(entries, model.LogEntry{
			ID:        string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Level:     "INFO",
			Module:    "registry",
			Message:   "service activated",
		})
	}
	entries = append(entries, model.LogEntry{
		ID: "err", Timestamp: base.Add(time.Hour), Level: "ERROR",
		Module: "codehost", Message: "handler timed out",
	})
	require.NoError(t, s.Logs().Append(ctx, entries))

	out, err := s.Logs().Query(ctx, LogQuery{Level: "ERROR"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "handler timed out", out[0].Message)

	out, err = s.Logs().Query(ctx, LogQuery{Module: "registry", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, out, 3)

	out, err = s.Logs().Query(ctx, LogQuery{Module: "registry", Limit: 3, Offset: 8})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = s.Logs().Query(ctx, LogQuery{Text: "TIMED"})
	require.NoError(t, err)
	assert.Len(t, out, 1, "free-text match is case-insensitive")
}

func TestMemStore_LogDeleteByServiceAge(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	old := time.Now().UTC().AddDate(0, 0, -30)
	require.NoError(t, s.Logs().Append(ctx, []model.LogEntry{
		{ID: "1", Timestamp: old, ServiceID: "svc-1", Message: "old"},
		{ID: "2", Timestamp: old, ServiceID: "svc-2", Message: "old other"},
		{ID: "3", Timestamp: time.Now().UTC(), ServiceID: "svc-1", Message: "fresh"},
	}))

	n, err := s.Logs().DeleteByServiceAge(ctx, "svc-1", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Logs().DeleteByServiceAge(ctx, "svc-1", 1000)
	assert.True(t, errs.Is(err, errs.KindValidationFailed))
}
