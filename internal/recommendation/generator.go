package recommendation

import (
	"context"
	"time"

	"github.com/huddlechat/orchestrator/internal/catalog"
	"github.com/huddlechat/orchestrator/internal/learning"
)

// Candidate is an unscored item proposed by a generator
type Candidate struct {
	ID          string                        `json:"id"`
	Name        string                        `json:"name"`
	Kind        string                        `json:"kind"`
	Features    map[string]map[string]float64 `json:"features,omitempty"`
	Attributes  map[string]string             `json:"attributes,omitempty"`
	TargetUsers []string                      `json:"target_users,omitempty"`
	ValidFrom   time.Time                     `json:"valid_from,omitempty"`
}

// signature is the flat view compared against preference history for diversity
func (c Candidate) signature() map[string]string {
	out := make(map[string]string, len(c.Attributes)+2)
	for k, v := range c.Attributes {
		out[k] = v
	}
	out["id"] = c.ID
	if c.Name != "" {
		out["name"] = c.Name
	}
	return out
}

// GenerateRequest is everything a generator may use to propose candidates
type GenerateRequest struct {
	UserID      string
	Type        string
	Preferences UserPreferences
	Predictions *learning.Predictions
	Context     *RequestContext
}

// Generator proposes candidates for one recommendation type
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) ([]Candidate, error)
}

// GeneratorFunc adapts a function to Generator
type GeneratorFunc func(ctx context.Context, req GenerateRequest) ([]Candidate, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) ([]Candidate, error) {
	return f(ctx, req)
}

// CatalogGenerator proposes every catalog entry of one kind
type CatalogGenerator struct {
	catalog *catalog.Catalog
	kind    string
}

// NewCatalogGenerator creates a generator over the catalog section for kind
func NewCatalogGenerator(c *catalog.Catalog, kind string) *CatalogGenerator {
	return &CatalogGenerator{catalog: c, kind: kind}
}

func (g *CatalogGenerator) Generate(ctx context.Context, req GenerateRequest) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := g.catalog.Candidates(g.kind)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(items))
	for _, it := range items {
		out = append(out, Candidate{
			ID:          it.ID,
			Name:        it.Name,
			Kind:        g.kind,
			Features:    it.Features,
			Attributes:  it.Attributes,
			TargetUsers: it.TargetUsers,
			ValidFrom:   it.ValidFrom.UTC(),
		})
	}
	return out, nil
}

// RegisterCatalog installs catalog generators for agents, groups and content
func RegisterCatalog(s *Service, c *catalog.Catalog) {
	for _, kind := range []string{catalog.KindAgent, catalog.KindGroup, catalog.KindContent} {
		s.RegisterGenerator(kind, NewCatalogGenerator(c, kind))
	}
}
