// Package registry owns the service, agent and profile catalogues and the
// dynamic route table.
//
// The in-memory catalogue is authoritative for reads; the document store is
// the durable mirror and is written before memory on every mutation. State
// transitions for one entity are serialised under the registry write lock.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/uxmcp/uxmcp/pkg/codehost"
	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/logging"
	"github.com/uxmcp/uxmcp/pkg/model"
	"github.com/uxmcp/uxmcp/pkg/store"
)

// Listener observes service lifecycle transitions. The MCP view uses this to
// reconcile its surface. ServiceActivated errors roll the activation back.
type Listener interface {
	ServiceActivated(svc *model.Service) error
	ServiceDeactivated(svc *model.Service)
}

// Registry is the synchronisation hub for catalogue state.
type Registry struct {
	store  store.Store
	host   *codehost.Host
	sink   *logging.Sink
	routes *RouteTable

	mu        sync.RWMutex
	services  map[string]*model.Service
	agents    map[string]*model.Agent
	profiles  map[string]*model.LLMProfile
	listeners []Listener
}

// New creates a Registry. Call Load before serving.
func New(st store.Store, host *codehost.Host, sink *logging.Sink) *Registry {
	return &Registry{
		store:    st,
		host:     host,
		sink:     sink,
		routes:   NewRouteTable(),
		services: make(map[string]*model.Service),
		agents:   make(map[string]*model.Agent),
		profiles: make(map[string]*model.LLMProfile),
	}
}

// Routes exposes the route table for request dispatch.
func (r *Registry) Routes() *RouteTable { return r.routes }

// Host exposes the code host for direct invocations.
func (r *Registry) Host() *codehost.Host { return r.host }

// AddListener registers a lifecycle listener. Not safe after serving starts.
func (r *Registry) AddListener(l Listener) {
	r.listeners = append(r.listeners, l)
}

// Load hydrates the catalogue from the store and remounts routes for
// services persisted as active. Services whose routes no longer validate are
// demoted to inactive rather than blocking boot.
func (r *Registry) Load(ctx context.Context) error {
	services, err := r.store.Services().List(ctx)
	if err != nil {
		return err
	}
	agents, err := r.store.Agents().List(ctx)
	if err != nil {
		return err
	}
	profiles, err := r.store.Profiles().List(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range profiles {
		r.profiles[p.ID] = p
	}
	for _, a := range agents {
		r.agents[a.ID] = a
	}
	for _, svc := range services {
		if svc.Active {
			if err := r.mountLocked(svc); err != nil {
				slog.Warn("demoting service on boot", "service", svc.Name, "error", err)
				svc.Active = false
				if perr := r.store.Services().Put(ctx, svc); perr != nil {
					return perr
				}
			}
		}
		r.services[svc.ID] = svc
	}
	return nil
}

// mountLocked mounts routes and notifies listeners, rolling back on failure.
// Caller holds the write lock.
func (r *Registry) mountLocked(svc *model.Service) error {
	if err := r.routes.Mount(svc.ID, svc.Method, svc.Route); err != nil {
		return err
	}
	for i, l := range r.listeners {
		if err := l.ServiceActivated(svc); err != nil {
			for _, prev := range r.listeners[:i] {
				prev.ServiceDeactivated(svc)
			}
			r.routes.Unmount(svc.ID)()
			return err
		}
	}
	return nil
}

// unmountLocked swaps the route out and returns the drain func. The caller
// must run drain after releasing the registry lock so in-flight handlers can
// still read catalogue state while they finish.
func (r *Registry) unmountLocked(svc *model.Service) (drain func()) {
	for _, l := range r.listeners {
		l.ServiceDeactivated(svc)
	}
	return r.routes.Unmount(svc.ID)
}

// ---------------------------------------------------------------------------
// Services

// CreateService persists a new draft service. Services are created inactive.
func (r *Registry) CreateService(ctx context.Context, svc *model.Service) (*model.Service, error) {
	if fe := validateServiceBasics(svc); fe.err() != nil {
		return nil, fe.err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.serviceByNameLocked(svc.Name); existing != nil {
		return nil, errs.Newf(errs.KindNameConflict, "service %q already exists", svc.Name)
	}
	if svc.ID == "" {
		svc.ID = uuid.New().String()
	}
	svc.Active = false
	svc.Method = strings.ToUpper(svc.Method)

	if err := r.store.Services().Put(ctx, svc); err != nil {
		return nil, err
	}
	copied := *svc
	r.services[svc.ID] = &copied
	return svc, nil
}

// UpdateService replaces a draft service's definition. Active services must
// be deactivated first so the route table and MCP view never drift.
func (r *Registry) UpdateService(ctx context.Context, svc *model.Service) (*model.Service, error) {
	if fe := validateServiceBasics(svc); fe.err() != nil {
		return nil, fe.err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.services[svc.ID]
	if !ok {
		return nil, errs.Newf(errs.KindUnknownService, "service %s not found", svc.ID)
	}
	if current.Active {
		return nil, errs.ForField("active", "deactivate the service before updating it")
	}
	if other := r.serviceByNameLocked(svc.Name); other != nil && other.ID != svc.ID {
		return nil, errs.Newf(errs.KindNameConflict, "service %q already exists", svc.Name)
	}

	svc.Active = false
	svc.Method = strings.ToUpper(svc.Method)
	svc.CreatedAt = current.CreatedAt
	if err := r.store.Services().Put(ctx, svc); err != nil {
		return nil, err
	}
	copied := *svc
	r.services[svc.ID] = &copied
	return svc, nil
}

// GetService returns a copy of the service.
func (r *Registry) GetService(id string) (*model.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[id]
	if !ok {
		return nil, errs.Newf(errs.KindUnknownService, "service %s not found", id)
	}
	copied := *svc
	return &copied, nil
}

// GetServiceByName resolves a service by its unique name.
func (r *Registry) GetServiceByName(name string) (*model.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc := r.serviceByNameLocked(name)
	if svc == nil {
		return nil, errs.Newf(errs.KindUnknownService, "service %q not found", name)
	}
	copied := *svc
	return &copied, nil
}

func (r *Registry) serviceByNameLocked(name string) *model.Service {
	for _, svc := range r.services {
		if svc.Name == name {
			return svc
		}
	}
	return nil
}

// ListServices returns all services sorted by name.
func (r *Registry) ListServices() []model.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, *svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ActivateService validates, mounts the route and flips active. Any partial
// state is rolled back on failure.
func (r *Registry) ActivateService(ctx context.Context, id string) (*model.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.services[id]
	if !ok {
		return nil, errs.Newf(errs.KindUnknownService, "service %s not found", id)
	}
	if svc.Active {
		copied := *svc
		return &copied, nil
	}

	if err := r.validateServiceForActivation(svc); err != nil {
		return nil, err
	}
	if err := r.mountLocked(svc); err != nil {
		return nil, err
	}

	updated := *svc
	updated.Active = true
	if err := r.store.Services().Put(ctx, &updated); err != nil {
		r.unmountLocked(svc)()
		return nil, err
	}
	r.services[id] = &updated

	r.sink.Info("registry", "service activated", map[string]any{"service": updated.Name}, logging.Scope{ServiceID: id})
	copied := updated
	return &copied, nil
}

// DeactivateService unbinds the route atomically and flips active off.
// In-flight requests drain before it returns; new requests see 404 as soon
// as the table swap lands.
func (r *Registry) DeactivateService(ctx context.Context, id string) (*model.Service, error) {
	r.mu.Lock()

	svc, ok := r.services[id]
	if !ok {
		r.mu.Unlock()
		return nil, errs.Newf(errs.KindUnknownService, "service %s not found", id)
	}
	if !svc.Active {
		copied := *svc
		r.mu.Unlock()
		return &copied, nil
	}

	updated := *svc
	updated.Active = false
	if err := r.store.Services().Put(ctx, &updated); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	drain := r.unmountLocked(svc)
	r.services[id] = &updated
	r.mu.Unlock()

	// Drain outside the lock: in-flight handlers may still read the
	// catalogue while they finish.
	drain()

	r.sink.Info("registry", "service deactivated", map[string]any{"service": updated.Name}, logging.Scope{ServiceID: id})
	copied := updated
	return &copied, nil
}

// DeleteService removes an inactive service.
func (r *Registry) DeleteService(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.services[id]
	if !ok {
		return errs.Newf(errs.KindUnknownService, "service %s not found", id)
	}
	if svc.Active {
		return errs.ForField("active", "deactivate the service before deleting it")
	}
	if err := r.store.Services().Delete(ctx, id); err != nil {
		return err
	}
	delete(r.services, id)
	return nil
}

// ---------------------------------------------------------------------------
// Agents

// CreateAgent persists a new inactive agent.
func (r *Registry) CreateAgent(ctx context.Context, agent *model.Agent) (*model.Agent, error) {
	if fe := validateAgentBasics(agent); fe.err() != nil {
		return nil, fe.err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.agentByNameLocked(agent.Name); existing != nil {
		return nil, errs.Newf(errs.KindNameConflict, "agent %q already exists", agent.Name)
	}
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	agent.Active = false

	if err := r.store.Agents().Put(ctx, agent); err != nil {
		return nil, err
	}
	copied := *agent
	r.agents[agent.ID] = &copied
	return agent, nil
}

// UpdateAgent replaces an agent definition. Unlike services, agents may be
// updated while active; the executor reads a copy per execution.
func (r *Registry) UpdateAgent(ctx context.Context, agent *model.Agent) (*model.Agent, error) {
	if fe := validateAgentBasics(agent); fe.err() != nil {
		return nil, fe.err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.agents[agent.ID]
	if !ok {
		return nil, errs.Newf(errs.KindUnknownAgent, "agent %s not found", agent.ID)
	}
	if other := r.agentByNameLocked(agent.Name); other != nil && other.ID != agent.ID {
		return nil, errs.Newf(errs.KindNameConflict, "agent %q already exists", agent.Name)
	}
	agent.Active = current.Active
	agent.CreatedAt = current.CreatedAt

	if err := r.store.Agents().Put(ctx, agent); err != nil {
		return nil, err
	}
	copied := *agent
	r.agents[agent.ID] = &copied
	return agent, nil
}

// GetAgent returns a copy of the agent.
func (r *Registry) GetAgent(id string) (*model.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, errs.Newf(errs.KindUnknownAgent, "agent %s not found", id)
	}
	copied := *agent
	return &copied, nil
}

// GetAgentByName resolves an agent by name.
func (r *Registry) GetAgentByName(name string) (*model.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent := r.agentByNameLocked(name)
	if agent == nil {
		return nil, errs.Newf(errs.KindUnknownAgent, "agent %q not found", name)
	}
	copied := *agent
	return &copied, nil
}

func (r *Registry) agentByNameLocked(name string) *model.Agent {
	for _, a := range r.agents {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// ListAgents returns all agents sorted by name.
func (r *Registry) ListAgents() []model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateAgent reports tool resolution and schema problems without mutating
// state. Unresolved tool names block activation; inactive ones are advisory.
func (r *Registry) ValidateAgent(id string) (*AgentReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, errs.Newf(errs.KindUnknownAgent, "agent %s not found", id)
	}

	report := &AgentReport{Valid: true}
	if fe := validateAgentBasics(agent); fe.err() != nil {
		report.Valid = false
		report.Problems = fe.problems
	}
	if _, ok := r.profileByNameLocked(agent.LLMProfile); !ok && agent.LLMProfile != "" {
		report.Valid = false
		report.Problems = append(report.Problems, "llm_profile: profile "+agent.LLMProfile+" not found")
	}
	for _, name := range agent.MCPServices {
		svc := r.serviceByNameLocked(name)
		if svc == nil {
			report.Valid = false
			report.UnresolvedTools = append(report.UnresolvedTools, name)
			continue
		}
		if !svc.Active {
			report.InactiveTools = append(report.InactiveTools, name)
		}
	}
	return report, nil
}

// ActivateAgent validates tool resolution and flips active.
func (r *Registry) ActivateAgent(ctx context.Context, id string) (*model.Agent, error) {
	report, err := r.ValidateAgent(id)
	if err != nil {
		return nil, err
	}
	if !report.Valid {
		detail := strings.Join(report.Problems, "; ")
		if len(report.UnresolvedTools) > 0 {
			detail = "unresolved tools: " + strings.Join(report.UnresolvedTools, ", ")
		}
		return nil, errs.New(errs.KindValidationFailed, detail)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, errs.Newf(errs.KindUnknownAgent, "agent %s not found", id)
	}
	updated := *agent
	updated.Active = true
	if err := r.store.Agents().Put(ctx, &updated); err != nil {
		return nil, err
	}
	r.agents[id] = &updated

	r.sink.Info("registry", "agent activated", map[string]any{"agent": updated.Name}, logging.Scope{AgentID: id})
	copied := updated
	return &copied, nil
}

// DeactivateAgent flips active off.
func (r *Registry) DeactivateAgent(ctx context.Context, id string) (*model.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, errs.Newf(errs.KindUnknownAgent, "agent %s not found", id)
	}
	if !agent.Active {
		copied := *agent
		return &copied, nil
	}
	updated := *agent
	updated.Active = false
	if err := r.store.Agents().Put(ctx, &updated); err != nil {
		return nil, err
	}
	r.agents[id] = &updated
	copied := updated
	return &copied, nil
}

// DeleteAgent removes an inactive agent.
func (r *Registry) DeleteAgent(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return errs.Newf(errs.KindUnknownAgent, "agent %s not found", id)
	}
	if agent.Active {
		return errs.ForField("active", "deactivate the agent before deleting it")
	}
	if err := r.store.Agents().Delete(ctx, id); err != nil {
		return err
	}
	delete(r.agents, id)
	return nil
}

// ---------------------------------------------------------------------------
// LLM profiles

// CreateProfile persists a new completion profile.
func (r *Registry) CreateProfile(ctx context.Context, p *model.LLMProfile) (*model.LLMProfile, error) {
	if err := validateProfile(p); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.profileByNameLocked(p.Name); ok {
		return nil, errs.Newf(errs.KindNameConflict, "profile %q already exists", p.Name)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Mode == "" {
		p.Mode = model.ModeText
	}
	if err := r.store.Profiles().Put(ctx, p); err != nil {
		return nil, err
	}
	copied := *p
	r.profiles[p.ID] = &copied
	return p, nil
}

// UpdateProfile replaces a profile definition.
func (r *Registry) UpdateProfile(ctx context.Context, p *model.LLMProfile) (*model.LLMProfile, error) {
	if err := validateProfile(p); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.profiles[p.ID]
	if !ok {
		return nil, errs.Newf(errs.KindUnknownProfile, "profile %s not found", p.ID)
	}
	if other, ok := r.profileByNameLocked(p.Name); ok && other.ID != p.ID {
		return nil, errs.Newf(errs.KindNameConflict, "profile %q already exists", p.Name)
	}
	p.CreatedAt = current.CreatedAt
	if err := r.store.Profiles().Put(ctx, p); err != nil {
		return nil, err
	}
	copied := *p
	r.profiles[p.ID] = &copied
	return p, nil
}

// GetProfile returns a copy of the profile.
func (r *Registry) GetProfile(id string) (*model.LLMProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil, errs.Newf(errs.KindUnknownProfile, "profile %s not found", id)
	}
	copied := *p
	return &copied, nil
}

// GetProfileByName resolves a profile by name.
func (r *Registry) GetProfileByName(name string) (*model.LLMProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profileByNameLocked(name)
	if !ok {
		return nil, errs.Newf(errs.KindUnknownProfile, "profile %q not found", name)
	}
	copied := *p
	return &copied, nil
}

func (r *Registry) profileByNameLocked(name string) (*model.LLMProfile, bool) {
	for _, p := range r.profiles {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// ListProfiles returns all profiles sorted by name.
func (r *Registry) ListProfiles() []model.LLMProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.LLMProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DeleteProfile removes a profile.
func (r *Registry) DeleteProfile(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.profiles[id]; !ok {
		return errs.Newf(errs.KindUnknownProfile, "profile %s not found", id)
	}
	if err := r.store.Profiles().Delete(ctx, id); err != nil {
		return err
	}
	delete(r.profiles, id)
	return nil
}
