// Package catalog loads the agents, chat groups and content items that the
// recommendation service proposes as candidates.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/huddlechat/orchestrator/internal/apperr"
)

// Candidate kinds, named after the preference types they recommend
const (
	KindAgent   = "ai_agent"
	KindGroup   = "chat_group"
	KindContent = "content"
)

// Agent kinds
const (
	AgentExplorer = "explorer"
	AgentFoodie   = "foodie"
	AgentPlanner  = "planner"
)

// Item is one recommendable entry. Features are named numeric vectors,
// e.g. cuisine: {thai: 1, sushi: 0.4}.
type Item struct {
	ID          string                        `yaml:"id" json:"id"`
	Name        string                        `yaml:"name" json:"name"`
	Features    map[string]map[string]float64 `yaml:"features" json:"features,omitempty"`
	Attributes  map[string]string             `yaml:"attributes" json:"attributes,omitempty"`
	TargetUsers []string                      `yaml:"target_users" json:"target_users,omitempty"`
	ValidFrom   time.Time                     `yaml:"valid_from" json:"valid_from,omitempty"`

	// Agent entries only
	Kind        string   `yaml:"kind" json:"kind,omitempty"`
	Specialties []string `yaml:"specialties" json:"specialties,omitempty"`
	Keywords    []string `yaml:"keywords" json:"keywords,omitempty"`
}

// Catalog is the parsed catalog file
type Catalog struct {
	Agents  []Item `yaml:"agents"`
	Groups  []Item `yaml:"groups"`
	Content []Item `yaml:"content"`
}

// Load reads and parses a catalog file
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	c, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates catalog YAML
func Parse(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, apperr.NewValidation("catalog", "invalid yaml: %v", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks ids are present and unique per kind and agent kinds are known
func (c *Catalog) Validate() error {
	for _, section := range []struct {
		kind  string
		items []Item
	}{{KindAgent, c.Agents}, {KindGroup, c.Groups}, {KindContent, c.Content}} {
		seen := make(map[string]struct{}, len(section.items))
		for i, it := range section.items {
			if strings.TrimSpace(it.ID) == "" {
				return apperr.NewValidation(section.kind, "entry %d has no id", i)
			}
			if _, dup := seen[it.ID]; dup {
				return apperr.NewValidation(section.kind, "duplicate id %q", it.ID)
			}
			seen[it.ID] = struct{}{}
			for name, vec := range it.Features {
				if len(vec) == 0 {
					return apperr.NewValidation(section.kind, "%s: feature %q is empty", it.ID, name)
				}
			}
		}
	}
	for _, a := range c.Agents {
		switch a.Kind {
		case AgentExplorer, AgentFoodie, AgentPlanner:
		default:
			return apperr.NewValidation("agents", "%s: unknown agent kind %q", a.ID, a.Kind)
		}
	}
	return nil
}

// Candidates returns a copy of the entries of kind, ordered by id
func (c *Catalog) Candidates(kind string) ([]Item, error) {
	var src []Item
	switch kind {
	case KindAgent:
		src = c.Agents
	case KindGroup:
		src = c.Groups
	case KindContent:
		src = c.Content
	default:
		return nil, &apperr.ValidationError{
			Field:  "recommendation_type",
			Reason: fmt.Sprintf("unsupported kind %q", kind),
			Cause:  apperr.ErrUnsupportedType,
		}
	}
	out := make([]Item, len(src))
	for i, it := range src {
		out[i] = it.clone()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Agent returns the agent entry with id
func (c *Catalog) Agent(id string) (Item, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a.clone(), true
		}
	}
	return Item{}, false
}

func (it Item) clone() Item {
	out := it
	if it.Features != nil {
		out.Features = make(map[string]map[string]float64, len(it.Features))
		for name, vec := range it.Features {
			v := make(map[string]float64, len(vec))
			for k, x := range vec {
				v[k] = x
			}
			out.Features[name] = v
		}
	}
	if it.Attributes != nil {
		out.Attributes = make(map[string]string, len(it.Attributes))
		for k, v := range it.Attributes {
			out.Attributes[k] = v
		}
	}
	out.TargetUsers = append([]string(nil), it.TargetUsers...)
	out.Specialties = append([]string(nil), it.Specialties...)
	out.Keywords = append([]string(nil), it.Keywords...)
	return out
}
