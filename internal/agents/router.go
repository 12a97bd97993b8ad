package agents

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/catalog"
	"github.com/huddlechat/orchestrator/internal/completion"
)

type entry struct {
	id       string
	agent    Agent
	keywords map[string]struct{}
}

// Registry holds the agents addressable in a conversation, in registration order
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds agent under id. Keywords are matched case-insensitively.
func (r *Registry) Register(id string, agent Agent, keywords []string) error {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return apperr.NewValidation("agent_id", "required")
	}
	kw := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		kw[strings.ToLower(k)] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.id == id {
			return apperr.NewValidation("agent_id", "duplicate %q", id)
		}
	}
	r.entries = append(r.entries, entry{id: id, agent: agent, keywords: kw})
	return nil
}

// Get returns the agent registered under id
func (r *Registry) Get(id string) (Agent, bool) {
	id = strings.ToLower(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.id == id {
			return e.agent, true
		}
	}
	return nil, false
}

// IDs lists registered ids in registration order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.id
	}
	return out
}

func (r *Registry) snapshot() []entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Deps are the collaborators agents share
type Deps struct {
	Provider completion.Provider
	History  ContextSource
	Prefs    PreferenceUpdater
	Now      func() time.Time
	// ResponseTimeout overrides DefaultResponseTimeout when positive
	ResponseTimeout time.Duration
	Logger          *zap.Logger
}

// FromCatalog builds a registry with one agent per catalog agent entry
func FromCatalog(c *catalog.Catalog, deps Deps) (*Registry, error) {
	if deps.Provider == nil {
		return nil, apperr.NewValidation("provider", "required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger
	reg := NewRegistry()
	items, err := c.Candidates(catalog.KindAgent)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		var a Agent
		switch it.Kind {
		case catalog.AgentExplorer:
			a = NewExplorer(it.Name, it.Specialties, deps)
		case catalog.AgentFoodie:
			a = NewFoodie(it.Name, it.Specialties, deps)
		case catalog.AgentPlanner:
			a = NewPlanner(it.Name, it.Specialties, deps)
		default:
			return nil, apperr.NewValidation("agents", "%s: unknown agent kind %q", it.ID, it.Kind)
		}
		if err := reg.Register(it.ID, a, it.Keywords); err != nil {
			return nil, err
		}
		logger.Debug("Registered agent", zap.String("agent_id", it.ID), zap.String("kind", it.Kind))
	}
	return reg, nil
}

// Router picks the agent for a message: an explicit @mention wins, otherwise
// the agent with the most keyword hits. Ties go to the earlier registration.
type Router struct {
	registry *Registry
	fallback string
}

// NewRouter creates a router. fallback names the agent used when nothing
// matches; empty means such messages get no agent.
func NewRouter(registry *Registry, fallback string) *Router {
	return &Router{registry: registry, fallback: strings.ToLower(fallback)}
}

// Route returns the chosen agent id and agent
func (r *Router) Route(message string) (string, Agent, bool) {
	entries := r.registry.snapshot()
	if len(entries) == 0 {
		return "", nil, false
	}
	words := tokens(message)

	for _, w := range words {
		if !strings.HasPrefix(w, "@") {
			continue
		}
		name := strings.TrimPrefix(w, "@")
		for _, e := range entries {
			if name == e.id || name == strings.ToLower(e.agent.Name()) {
				return e.id, e.agent, true
			}
		}
	}

	best, bestScore := -1, 0
	for i, e := range entries {
		score := 0
		for _, w := range words {
			if _, ok := e.keywords[strings.TrimPrefix(w, "@")]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best >= 0 {
		return entries[best].id, entries[best].agent, true
	}
	if r.fallback != "" {
		if a, ok := r.registry.Get(r.fallback); ok {
			return r.fallback, a, true
		}
	}
	return "", nil, false
}

func tokens(message string) []string {
	return strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !(r == '@' || r == '-' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}
