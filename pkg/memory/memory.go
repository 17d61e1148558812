// Package memory implements the hybrid vector + document memory subsystem.
//
// Records live in the document store; their embeddings live in one chromem
// collection per agent keyed by record id. Writes for one agent are
// serialised under a per-agent lock so the two sides stay consistent, and
// eviction runs synchronously inside the write that tripped the cap.
package memory

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"

	"github.com/uxmcp/uxmcp/pkg/embedders"
	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/llms"
	"github.com/uxmcp/uxmcp/pkg/model"
	"github.com/uxmcp/uxmcp/pkg/store"
)

// ScoreFloor is the minimum similarity a search hit must reach.
const ScoreFloor = 0.4

// DefaultSearchK is used when an agent's memory config does not set search_k.
const DefaultSearchK = 5

// ImportanceUnset asks Store to apply the content-type default. Zero is a
// valid explicit importance.
const ImportanceUnset = -1

// Manager owns all agent memory.
type Manager struct {
	store    store.Memories
	embedder embedders.Embedder
	db       *chromem.DB

	mu          sync.Mutex
	agentLocks  map[string]*sync.Mutex
	collections map[string]*chromem.Collection
}

// NewManager creates a Manager over the given record store and embedder.
func NewManager(st store.Memories, emb embedders.Embedder) *Manager {
	return &Manager{
		store:       st,
		embedder:    emb,
		db:          chromem.NewDB(),
		agentLocks:  make(map[string]*sync.Mutex),
		collections: make(map[string]*chromem.Collection),
	}
}

func (m *Manager) lockFor(agentID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.agentLocks[agentID]
	if !ok {
		l = &sync.Mutex{}
		m.agentLocks[agentID] = l
	}
	return l
}

func (m *Manager) collectionFor(ctx context.Context, agentID string) (*chromem.Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if col, ok := m.collections[agentID]; ok {
		return col, nil
	}
	col, err := m.db.GetOrCreateCollection("agent-"+agentID, nil, func(ctx context.Context, text string) ([]float32, error) {
		return m.embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, "vector collection", err)
	}
	if err := m.hydrate(ctx, col, agentID); err != nil {
		_ = m.db.DeleteCollection("agent-" + agentID)
		return nil, err
	}
	m.collections[agentID] = col
	return col, nil
}

// hydrate re-indexes records persisted by a previous process. The index is
// in-memory only, so a fresh collection must be rebuilt from the document
// store before it can serve searches.
func (m *Manager) hydrate(ctx context.Context, col *chromem.Collection, agentID string) error {
	records, err := m.store.List(ctx, agentID, store.MemoryFilter{}, 0)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	docs := make([]chromem.Document, 0, len(records))
	for _, rec := range records {
		docs = append(docs, chromem.Document{
			ID:       rec.ID,
			Content:  rec.Content,
			Metadata: map[string]string{"content_type": string(rec.ContentType)},
		})
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, "vector index rebuild", err)
	}
	return nil
}

// StoreOptions tunes one Store call.
type StoreOptions struct {
	// Explicit marks a caller-initiated memory_store (importance default 0.7).
	Explicit bool
	// MaxMemories caps the agent's record count; 0 disables eviction.
	MaxMemories int
}

// Store persists one record and its embedding, evicting synchronously when
// the cap is exceeded.
func (m *Manager) Store(ctx context.Context, rec *model.MemoryRecord, opts StoreOptions) (*model.MemoryRecord, error) {
	if rec.AgentID == "" {
		return nil, errs.ForField("agent_id", "is required")
	}
	if strings.TrimSpace(rec.Content) == "" {
		return nil, errs.ForField("content", "is required")
	}
	if rec.ContentType == "" {
		rec.ContentType = model.ContentConversation
	}
	if rec.Importance == ImportanceUnset {
		rec.Importance = model.DefaultImportance(rec.ContentType, opts.Explicit)
	}
	if rec.Importance < 0 || rec.Importance > 1 {
		return nil, errs.ForField("importance", "must be in [0,1]")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	lock := m.lockFor(rec.AgentID)
	lock.Lock()
	defer lock.Unlock()

	embedding, err := m.embedder.Embed(ctx, rec.Content)
	if err != nil {
		return nil, err
	}
	col, err := m.collectionFor(ctx, rec.AgentID)
	if err != nil {
		return nil, err
	}

	if err := m.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Metadata:  map[string]string{"content_type": string(rec.ContentType)},
		Embedding: embedding,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		// Keep both sides consistent: roll the record back.
		_, _ = m.store.Delete(ctx, rec.AgentID, rec.ID)
		return nil, errs.Wrap(errs.KindStoreUnavailable, "vector upsert", err)
	}

	if opts.MaxMemories > 0 {
		if err := m.evictLocked(ctx, col, rec.AgentID, opts.MaxMemories); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// evictLocked removes lowest-importance (oldest-first among equals) records
// until the agent is back under the cap. Caller holds the agent lock.
func (m *Manager) evictLocked(ctx context.Context, col *chromem.Collection, agentID string, max int) error {
	count, err := m.store.Count(ctx, agentID)
	if err != nil {
		return err
	}
	if count <= max {
		return nil
	}

	records, err := m.store.List(ctx, agentID, store.MemoryFilter{}, 0)
	if err != nil {
		return err
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Importance != records[j].Importance {
			return records[i].Importance < records[j].Importance
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	excess := count - max
	victims := make([]string, 0, excess)
	for _, r := range records[:excess] {
		victims = append(victims, r.ID)
	}
	if _, err := m.store.Delete(ctx, agentID, victims...); err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, victims...); err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, "vector delete", err)
	}
	return nil
}

// Hit is one search result.
type Hit struct {
	Record model.MemoryRecord `json:"record"`
	Score  float64            `json:"score"`
}

// SearchOptions filters a semantic search.
type SearchOptions struct {
	K             int
	MinImportance float64
	ContentTypes  []model.ContentType
	After         time.Time
	Before        time.Time
}

// Search embeds the query and returns the top-k records above the score
// floor, post-filtered, ties broken by importance then recency descending.
func (m *Manager) Search(ctx context.Context, agentID, query string, opts SearchOptions) ([]Hit, error) {
	if opts.K <= 0 {
		opts.K = DefaultSearchK
	}

	count, err := m.store.Count(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	vector, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	col, err := m.collectionFor(ctx, agentID)
	if err != nil {
		return nil, err
	}

	// Over-fetch so post-filters do not starve the result set. The index can
	// briefly trail the document store, so clamp to what it actually holds.
	fetch := opts.K * 4
	if fetch > count {
		fetch = count
	}
	if n := col.Count(); fetch > n {
		fetch = n
	}
	if fetch == 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, vector, fetch, nil, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, "vector search", err)
	}

	wantType := make(map[model.ContentType]bool, len(opts.ContentTypes))
	for _, ct := range opts.ContentTypes {
		wantType[ct] = true
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		if float64(r.Similarity) < ScoreFloor {
			continue
		}
		rec, err := m.store.Get(ctx, agentID, r.ID)
		if err != nil {
			// The vector index can briefly trail a concurrent delete.
			if errs.Is(err, errs.KindUnknownAgent) {
				continue
			}
			return nil, err
		}
		if rec.Importance < opts.MinImportance {
			continue
		}
		if len(wantType) > 0 && !wantType[rec.ContentType] {
			continue
		}
		if !opts.After.IsZero() && rec.CreatedAt.Before(opts.After) {
			continue
		}
		if !opts.Before.IsZero() && rec.CreatedAt.After(opts.Before) {
			continue
		}
		hits = append(hits, Hit{Record: *rec, Score: float64(r.Similarity)})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Record.Importance != hits[j].Record.Importance {
			return hits[i].Record.Importance > hits[j].Record.Importance
		}
		return hits[i].Record.CreatedAt.After(hits[j].Record.CreatedAt)
	})
	if len(hits) > opts.K {
		hits = hits[:opts.K]
	}
	return hits, nil
}

// List returns records newest-first with document-store filtering.
func (m *Manager) List(ctx context.Context, agentID string, f store.MemoryFilter, limit int) ([]*model.MemoryRecord, error) {
	return m.store.List(ctx, agentID, f, limit)
}

// Delete removes the given records, or every record of the agent when no
// ids are passed.
func (m *Manager) Delete(ctx context.Context, agentID string, ids ...string) (int, error) {
	lock := m.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	col, err := m.collectionFor(ctx, agentID)
	if err != nil {
		return 0, err
	}

	if len(ids) == 0 {
		n, err := m.store.DeleteAll(ctx, agentID)
		if err != nil {
			return 0, err
		}
		m.mu.Lock()
		delete(m.collections, agentID)
		m.mu.Unlock()
		if err := m.db.DeleteCollection("agent-" + agentID); err != nil {
			return n, errs.Wrap(errs.KindStoreUnavailable, "vector collection delete", err)
		}
		return n, nil
	}

	n, err := m.store.Delete(ctx, agentID, ids...)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := col.Delete(ctx, nil, nil, ids...); err != nil {
			return n, errs.Wrap(errs.KindStoreUnavailable, "vector delete", err)
		}
	}
	return n, nil
}

// Stats summarises an agent's memory.
type Stats struct {
	Count         int                       `json:"count"`
	ByContentType map[model.ContentType]int `json:"by_content_type"`
	AvgImportance float64                   `json:"avg_importance"`
	Oldest        *time.Time                `json:"oldest,omitempty"`
	Newest        *time.Time                `json:"newest,omitempty"`
}

// Stats computes counts by content type, average importance and the age
// range of an agent's records.
func (m *Manager) Stats(ctx context.Context, agentID string) (*Stats, error) {
	records, err := m.store.List(ctx, agentID, store.MemoryFilter{}, 0)
	if err != nil {
		return nil, err
	}
	out := &Stats{ByContentType: make(map[model.ContentType]int)}
	var total float64
	for _, r := range records {
		out.Count++
		out.ByContentType[r.ContentType]++
		total += r.Importance
		if out.Oldest == nil || r.CreatedAt.Before(*out.Oldest) {
			ts := r.CreatedAt
			out.Oldest = &ts
		}
		if out.Newest == nil || r.CreatedAt.After(*out.Newest) {
			ts := r.CreatedAt
			out.Newest = &ts
		}
	}
	if out.Count > 0 {
		out.AvgImportance = total / float64(out.Count)
	}
	return out, nil
}

// Analyze summarises a window of recent memories with the given provider.
func (m *Manager) Analyze(ctx context.Context, agentID string, window int, provider llms.Provider) (string, error) {
	if window <= 0 {
		window = 20
	}
	records, err := m.store.List(ctx, agentID, store.MemoryFilter{}, window)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "No memories recorded yet.", nil
	}

	var b strings.Builder
	b.WriteString("Summarise the key facts and preferences from these memories, most recent first:\n")
	for _, r := range records {
		fmt.Fprintf(&b, "- [%s, importance %.1f] %s\n", r.ContentType, r.Importance, r.Content)
	}

	resp, err := provider.Complete(ctx, llms.Request{
		Messages: []llms.Message{
			{Role: llms.RoleSystem, Content: "You analyse an agent's episodic memory and produce a concise summary."},
			{Role: llms.RoleUser, Content: b.String()},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}
