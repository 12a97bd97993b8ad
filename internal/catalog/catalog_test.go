package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlechat/orchestrator/internal/apperr"
)

const sample = `
agents:
  - id: foodie
    name: Foodie
    kind: foodie
    specialties: [foodie]
    keywords: [eat, dinner]
content:
  - id: b-item
    name: Second
    features:
      cuisine: {thai: 1}
  - id: a-item
    name: First
    valid_from: 2024-03-08T19:00:00Z
    target_users: [u1]
    attributes: {category: event}
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	items, err := c.Candidates(KindContent)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a-item", items[0].ID)
	assert.Equal(t, time.Date(2024, 3, 8, 19, 0, 0, 0, time.UTC), items[0].ValidFrom.UTC())
	assert.Equal(t, []string{"u1"}, items[0].TargetUsers)
	assert.Equal(t, 1.0, items[1].Features["cuisine"]["thai"])

	items[1].Features["cuisine"]["thai"] = 0
	again, err := c.Candidates(KindContent)
	require.NoError(t, err)
	assert.Equal(t, 1.0, again[1].Features["cuisine"]["thai"], "candidates are copies")

	groups, err := c.Candidates(KindGroup)
	require.NoError(t, err)
	assert.Empty(t, groups)

	_, err = c.Candidates("location")
	assert.True(t, errors.Is(err, apperr.ErrUnsupportedType))

	a, ok := c.Agent("foodie")
	require.True(t, ok)
	assert.Equal(t, AgentFoodie, a.Kind)
	_, ok = c.Agent("nobody")
	assert.False(t, ok)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":      "agents: [",
		"missing id":    "content:\n  - name: x\n",
		"duplicate id":  "groups:\n  - id: g\n  - id: g\n",
		"unknown agent": "agents:\n  - id: a\n    kind: wizard\n",
		"empty feature": "content:\n  - id: c\n    features:\n      cuisine: {}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.True(t, apperr.IsValidation(err))
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, c.Agents, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestShippedCatalogParses(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "config", "catalog.yaml"))
	require.NoError(t, err)
	assert.Len(t, c.Agents, 3)
	assert.NotEmpty(t, c.Groups)
	assert.NotEmpty(t, c.Content)
}
