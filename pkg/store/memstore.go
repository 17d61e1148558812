package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/model"
)

// MemStore is an in-memory Store used by tests and local fakes. It applies
// the same timestamp/schema-version stamping and uniqueness rules as the
// Mongo implementation.
type MemStore struct {
	mu sync.RWMutex

	services map[string]*model.Service
	agents   map[string]*model.Agent
	profiles map[string]*model.LLMProfile
	memories map[string]*model.MemoryRecord
	logs     []model.LogEntry
	feedback []*model.Feedback
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		services: make(map[string]*model.Service),
		agents:   make(map[string]*model.Agent),
		profiles: make(map[string]*model.LLMProfile),
		memories: make(map[string]*model.MemoryRecord),
	}
}

func (s *MemStore) Services() Services { return (*memServices)(s) }
func (s *MemStore) Agents() Agents     { return (*memAgents)(s) }
func (s *MemStore) Profiles() Profiles { return (*memProfiles)(s) }
func (s *MemStore) Memories() Memories { return (*memMemories)(s) }
func (s *MemStore) Logs() Logs         { return (*memLogs)(s) }
func (s *MemStore) Feedback() Feedback { return (*memFeedback)(s) }

func (s *MemStore) Ping(context.Context) error  { return nil }
func (s *MemStore) Close(context.Context) error { return nil }

type memServices MemStore

func (m *memServices) Put(_ context.Context, svc *model.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.services {
		if id != svc.ID && other.Name == svc.Name {
			return errs.Newf(errs.KindStoreConflict, "duplicate service name %q", svc.Name)
		}
	}
	stamp(&svc.CreatedAt, &svc.UpdatedAt, &svc.SchemaVersion)
	cp := *svc
	m.services[svc.ID] = &cp
	return nil
}

func (m *memServices) Get(_ context.Context, id string) (*model.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if svc, ok := m.services[id]; ok {
		cp := *svc
		return &cp, nil
	}
	return nil, errs.Newf(errs.KindUnknownService, "service %s not found", id)
}

func (m *memServices) GetByName(_ context.Context, name string) (*model.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, svc := range m.services {
		if svc.Name == name {
			cp := *svc
			return &cp, nil
		}
	}
	return nil, errs.Newf(errs.KindUnknownService, "service %q not found", name)
}

func (m *memServices) List(_ context.Context) ([]*model.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Service, 0, len(m.services))
	for _, svc := range m.services {
		cp := *svc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memServices) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[id]; !ok {
		return errs.Newf(errs.KindUnknownService, "service %s not found", id)
	}
	delete(m.services, id)
	return nil
}

type memAgents MemStore

func (m *memAgents) Put(_ context.Context, a *model.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.agents {
		if id != a.ID && other.Name == a.Name {
			return errs.Newf(errs.KindStoreConflict, "duplicate agent name %q", a.Name)
		}
	}
	stamp(&a.CreatedAt, &a.UpdatedAt, &a.SchemaVersion)
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *memAgents) Get(_ context.Context, id string) (*model.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.agents[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, errs.Newf(errs.KindUnknownAgent, "agent %s not found", id)
}

func (m *memAgents) GetByName(_ context.Context, name string) (*model.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.agents {
		if a.Name == name {
			cp := *a
			return &cp, nil
		}
	}
	return nil, errs.Newf(errs.KindUnknownAgent, "agent %q not found", name)
}

func (m *memAgents) List(_ context.Context) ([]*model.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memAgents) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return errs.Newf(errs.KindUnknownAgent, "agent %s not found", id)
	}
	delete(m.agents, id)
	return nil
}

type memProfiles MemStore

func (m *memProfiles) Put(_ context.Context, p *model.LLMProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.profiles {
		if id != p.ID && other.Name == p.Name {
			return errs.Newf(errs.KindStoreConflict, "duplicate profile name %q", p.Name)
		}
	}
	stamp(&p.CreatedAt, &p.UpdatedAt, &p.SchemaVersion)
	cp := *p
	m.profiles[p.ID] = &cp
	return nil
}

func (m *memProfiles) Get(_ context.Context, id string) (*model.LLMProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.profiles[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, errs.Newf(errs.KindUnknownProfile, "profile %s not found", id)
}

func (m *memProfiles) GetByName(_ context.Context, name string) (*model.LLMProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.profiles {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, errs.Newf(errs.KindUnknownProfile, "profile %q not found", name)
}

func (m *memProfiles) List(_ context.Context) ([]*model.LLMProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.LLMProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memProfiles) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[id]; !ok {
		return errs.Newf(errs.KindUnknownProfile, "profile %s not found", id)
	}
	delete(m.profiles, id)
	return nil
}

type memMemories MemStore

func (m *memMemories) Insert(_ context.Context, rec *model.MemoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = model.SchemaVersion
	}
	cp := *rec
	m.memories[rec.ID] = &cp
	return nil
}

func (m *memMemories) Get(_ context.Context, agentID, id string) (*model.MemoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.memories[id]; ok && rec.AgentID == agentID {
		cp := *rec
		return &cp, nil
	}
	return nil, errs.Newf(errs.KindUnknownAgent, "memory %s not found for agent %s", id, agentID)
}

func matchesFilter(rec *model.MemoryRecord, f MemoryFilter) bool {
	if len(f.ContentTypes) > 0 {
		found := false
		for _, ct := range f.ContentTypes {
			if rec.ContentType == ct {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinImportance > 0 && rec.Importance < f.MinImportance {
		return false
	}
	if !f.After.IsZero() && rec.CreatedAt.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && rec.CreatedAt.After(f.Before) {
		return false
	}
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	return true
}

func (m *memMemories) List(_ context.Context, agentID string, f MemoryFilter, limit int) ([]*model.MemoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.MemoryRecord
	for _, rec := range m.memories {
		if rec.AgentID == agentID && matchesFilter(rec, f) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memMemories) Count(_ context.Context, agentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.memories {
		if rec.AgentID == agentID {
			n++
		}
	}
	return n, nil
}

func (m *memMemories) Delete(_ context.Context, agentID string, ids ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if rec, ok := m.memories[id]; ok && rec.AgentID == agentID {
			delete(m.memories, id)
			n++
		}
	}
	return n, nil
}

func (m *memMemories) DeleteAll(_ context.Context, agentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.memories {
		if rec.AgentID == agentID {
			delete(m.memories, id)
			n++
		}
	}
	return n, nil
}

type memLogs MemStore

func (m *memLogs) Append(_ context.Context, entries []model.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entries...)
	return nil
}

func (m *memLogs) Query(_ context.Context, q LogQuery) ([]model.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []model.LogEntry
	for _, e := range m.logs {
		if q.Level != "" && e.Level != q.Level {
			continue
		}
		if q.Module != "" && e.Module != q.Module {
			continue
		}
		if q.ExecutionID != "" && e.ExecutionID != q.ExecutionID {
			continue
		}
		if q.Text != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(q.Text)) {
			continue
		}
		if !q.From.IsZero() && e.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.Timestamp.After(q.To) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	limit := q.Limit
	if limit <= 0 || limit > MaxLogPageSize {
		limit = MaxLogPageSize
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *memLogs) DeleteByServiceAge(_ context.Context, serviceID string, olderThanDays int) (int, error) {
	if olderThanDays < 0 || olderThanDays > MaxLogRetentionDays {
		return 0, errs.Newf(errs.KindValidationFailed, "age_days must be between 0 and %d", MaxLogRetentionDays)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	kept := m.logs[:0]
	n := 0
	for _, e := range m.logs {
		if e.Timestamp.Before(cutoff) && (serviceID == "" || e.ServiceID == serviceID) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.logs = kept
	return n, nil
}

type memFeedback MemStore

func (m *memFeedback) Insert(_ context.Context, f *model.Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if f.SchemaVersion == 0 {
		f.SchemaVersion = model.SchemaVersion
	}
	cp := *f
	m.feedback = append(m.feedback, &cp)
	return nil
}

func (m *memFeedback) List(_ context.Context, agentID string, limit int) ([]*model.Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Feedback
	for _, f := range m.feedback {
		if agentID == "" || f.AgentID == agentID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemStore)(nil)
