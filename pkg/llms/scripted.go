package llms

import (
	"context"
	"sync"

	"github.com/uxmcp/uxmcp/pkg/errs"
)

// Scripted is a Provider that replays a fixed sequence of responses. Tests
// use it to drive the executor and the generation pipeline deterministically.
type Scripted struct {
	mu        sync.Mutex
	responses []*Response
	errors    []error
	calls     []Request
}

// NewScripted creates an empty scripted provider. Queue responses with
// Respond and errors with Fail; they are consumed in order.
func NewScripted() *Scripted {
	return &Scripted{}
}

// Respond appends a successful response to the script.
func (s *Scripted) Respond(r *Response) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, r)
	s.errors = append(s.errors, nil)
	return s
}

// RespondText appends a plain text response.
func (s *Scripted) RespondText(text string) *Scripted {
	return s.Respond(&Response{Text: text, Usage: Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}})
}

// RespondToolCalls appends an assistant turn that requests the given tools.
func (s *Scripted) RespondToolCalls(calls ...ToolCall) *Scripted {
	return s.Respond(&Response{ToolCalls: calls, Usage: Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}})
}

// Fail appends an error step to the script.
func (s *Scripted) Fail(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, nil)
	s.errors = append(s.errors, err)
	return s
}

// Calls returns a copy of every request seen so far.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Scripted) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.KindCancelled, "completion aborted", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)

	if len(s.responses) == 0 {
		return nil, errs.New(errs.KindProviderBadResponse, "scripted provider exhausted")
	}
	resp, err := s.responses[0], s.errors[0]
	s.responses = s.responses[1:]
	s.errors = s.errors[1:]
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Scripted) ModelName() string { return "scripted" }

var _ Provider = (*Scripted)(nil)
