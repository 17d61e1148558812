// Package store provides typed persistence over the document database.
//
// The registry holds the authoritative in-memory state; the store is the
// durable mirror. Collections: services, agents, llm_profiles, memories,
// feedback, logs. Two implementations exist: Mongo (production) and an
// in-memory store used by tests and fakes.
package store

import (
	"context"
	"time"

	"github.com/uxmcp/uxmcp/pkg/model"
)

// MaxLogPageSize caps log query pagination.
const MaxLogPageSize = 1000

// MaxLogRetentionDays caps bulk log deletion age.
const MaxLogRetentionDays = 365

// Services persists service records.
type Services interface {
	Put(ctx context.Context, s *model.Service) error
	Get(ctx context.Context, id string) (*model.Service, error)
	GetByName(ctx context.Context, name string) (*model.Service, error)
	List(ctx context.Context) ([]*model.Service, error)
	Delete(ctx context.Context, id string) error
}

// Agents persists agent records.
type Agents interface {
	Put(ctx context.Context, a *model.Agent) error
	Get(ctx context.Context, id string) (*model.Agent, error)
	GetByName(ctx context.Context, name string) (*model.Agent, error)
	List(ctx context.Context) ([]*model.Agent, error)
	Delete(ctx context.Context, id string) error
}

// Profiles persists LLM profile records.
type Profiles interface {
	Put(ctx context.Context, p *model.LLMProfile) error
	Get(ctx context.Context, id string) (*model.LLMProfile, error)
	GetByName(ctx context.Context, name string) (*model.LLMProfile, error)
	List(ctx context.Context) ([]*model.LLMProfile, error)
	Delete(ctx context.Context, id string) error
}

// MemoryFilter narrows memory listings.
type MemoryFilter struct {
	ContentTypes  []model.ContentType
	MinImportance float64
	After         time.Time
	Before        time.Time
	UserID        string
}

// Memories persists memory records. Vector embeddings live in the companion
// vector index keyed by record ID.
type Memories interface {
	Insert(ctx context.Context, m *model.MemoryRecord) error
	Get(ctx context.Context, agentID, id string) (*model.MemoryRecord, error)
	List(ctx context.Context, agentID string, f MemoryFilter, limit int) ([]*model.MemoryRecord, error)
	Count(ctx context.Context, agentID string) (int, error)
	Delete(ctx context.Context, agentID string, ids ...string) (int, error)
	DeleteAll(ctx context.Context, agentID string) (int, error)
}

// LogQuery filters log sink entries.
type LogQuery struct {
	Level       string
	Module      string
	Text        string
	ExecutionID string
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// Logs persists log sink entries.
type Logs interface {
	Append(ctx context.Context, entries []model.LogEntry) error
	Query(ctx context.Context, q LogQuery) ([]model.LogEntry, error)
	DeleteByServiceAge(ctx context.Context, serviceID string, olderThanDays int) (int, error)
}

// Feedback persists operator feedback.
type Feedback interface {
	Insert(ctx context.Context, f *model.Feedback) error
	List(ctx context.Context, agentID string, limit int) ([]*model.Feedback, error)
}

// Store aggregates all collections.
type Store interface {
	Services() Services
	Agents() Agents
	Profiles() Profiles
	Memories() Memories
	Logs() Logs
	Feedback() Feedback

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
