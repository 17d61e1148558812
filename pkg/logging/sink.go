// Package logging implements the structured log sink used across the engine.
//
// Log records flow two ways: process logs go to slog (stderr) as in any
// service, and execution-scoped records are additionally appended to the logs
// collection through an asynchronous buffered writer so they can be queried
// by execution, module, level, text and time range.
package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uxmcp/uxmcp/pkg/model"
	"github.com/uxmcp/uxmcp/pkg/store"
)

// LevelCritical extends slog's levels for invariant violations.
const LevelCritical = slog.LevelError + 4

const (
	flushInterval = 250 * time.Millisecond
	flushBatch    = 64
	bufferSize    = 1024
)

// Scope ties a log entry to an execution and its owning entities.
type Scope struct {
	ExecutionID string
	ServiceID   string
	AgentID     string
}

// Sink is the append-only execution-scoped event store.
type Sink struct {
	logs store.Logs

	mu     sync.Mutex
	buf    []model.LogEntry
	notify chan struct{}
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewSink starts the sink's background writer.
func NewSink(logs store.Logs) *Sink {
	s := &Sink{
		logs:   logs,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

// LevelName renders a slog level in the sink's vocabulary.
func LevelName(l slog.Level) string {
	switch {
	case l >= LevelCritical:
		return "CRITICAL"
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// Log appends one entry. Non-blocking: entries are buffered and written in
// batches; when the process is shutting down Close drains the buffer.
func (s *Sink) Log(level slog.Level, module, message string, details map[string]any, scope Scope) {
	entry := model.LogEntry{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC().Truncate(time.Millisecond),
		Level:       LevelName(level),
		Module:      module,
		Message:     message,
		Details:     details,
		ExecutionID: scope.ExecutionID,
		ServiceID:   scope.ServiceID,
		AgentID:     scope.AgentID,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.buf) >= bufferSize {
		// Shed oldest under pressure rather than blocking callers.
		s.buf = s.buf[1:]
	}
	s.buf = append(s.buf, entry)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Debug, Info, Warn, Error and Critical are convenience wrappers.
func (s *Sink) Debug(module, msg string, details map[string]any, scope Scope) {
	s.Log(slog.LevelDebug, module, msg, details, scope)
}

func (s *Sink) Info(module, msg string, details map[string]any, scope Scope) {
	s.Log(slog.LevelInfo, module, msg, details, scope)
}

func (s *Sink) Warn(module, msg string, details map[string]any, scope Scope) {
	s.Log(slog.LevelWarn, module, msg, details, scope)
}

func (s *Sink) Error(module, msg string, details map[string]any, scope Scope) {
	s.Log(slog.LevelError, module, msg, details, scope)
}

// Critical records an invariant violation. It also mirrors to slog so the
// condition is visible even if the store is down.
func (s *Sink) Critical(module, msg string, details map[string]any, scope Scope) {
	slog.Error("invariant violation", "module", module, "message", msg, "execution_id", scope.ExecutionID)
	s.Log(LevelCritical, module, msg, details, scope)
}

// Query runs a filtered read over the sink.
func (s *Sink) Query(ctx context.Context, q store.LogQuery) ([]model.LogEntry, error) {
	return s.logs.Query(ctx, q)
}

// DeleteByServiceAge bulk-deletes entries for a service older than the given
// number of days (capped by the store layer).
func (s *Sink) DeleteByServiceAge(ctx context.Context, serviceID string, days int) (int, error) {
	return s.logs.DeleteByServiceAge(ctx, serviceID, days)
}

// Flush synchronously writes any buffered entries.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return s.logs.Append(ctx, batch)
}

// Close drains the buffer and stops the writer.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// notify is never closed; a Log racing this shutdown may still send on
	// it harmlessly.
	close(s.done)
	s.wg.Wait()
	return s.Flush(ctx)
}

func (s *Sink) writeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
			s.maybeFlush(flushBatch)
		case <-ticker.C:
			s.maybeFlush(1)
		}
	}
}

func (s *Sink) maybeFlush(threshold int) {
	s.mu.Lock()
	if len(s.buf) < threshold {
		s.mu.Unlock()
		return
	}
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.logs.Append(ctx, batch); err != nil {
		slog.Warn("log sink write failed", "entries", len(batch), "error", err)
	}
}
