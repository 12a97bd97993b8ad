// Package vectordb stores message embeddings partitioned by conversation and
// answers nearest-neighbour queries within one partition.
package vectordb

import (
	"context"
	"fmt"
	"sort"

	"github.com/huddlechat/orchestrator/internal/apperr"
)

// Metric selects the similarity function used by Search
type Metric int

const (
	// InnerProduct scores by dot product
	InnerProduct Metric = iota
	// Cosine scores by cosine similarity
	Cosine
)

func (m Metric) String() string {
	switch m {
	case InnerProduct:
		return "inner_product"
	case Cosine:
		return "cosine"
	default:
		return fmt.Sprintf("metric(%d)", int(m))
	}
}

// ParseMetric accepts "cosine", "inner_product" or "dot"
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "cosine", "":
		return Cosine, nil
	case "inner_product", "dot":
		return InnerProduct, nil
	}
	return 0, apperr.NewValidation("metric", "unknown metric %q", s)
}

// Item is one vector to store
type Item struct {
	ID        string
	Partition string
	Vector    []float32
}

// Match is one search hit
type Match struct {
	ID    string
	Score float64
}

// Index is the vector store contract. Search results are best-first; equal
// scores keep insertion order.
type Index interface {
	Store(ctx context.Context, items ...Item) error
	Search(ctx context.Context, partition string, query []float32, limit int, metric Metric) ([]Match, error)
	// Delete removes ids from partition; unknown ids are ignored
	Delete(ctx context.Context, partition string, ids ...string) error
	DropPartition(ctx context.Context, partition string) error
}

// DimensionMismatchError reports a vector whose length differs from the index dimension
type DimensionMismatchError struct {
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("vector dimension %d does not match index dimension %d", e.Got, e.Expected)
}

func checkDimension(field string, vec []float32, dim int) error {
	if dim > 0 && len(vec) != dim {
		return &apperr.ValidationError{
			Field:  field,
			Reason: "dimension mismatch",
			Cause:  &DimensionMismatchError{Expected: dim, Got: len(vec)},
		}
	}
	if len(vec) == 0 {
		return apperr.NewValidation(field, "empty vector")
	}
	return nil
}

func validateItems(items []Item, dim int) error {
	for _, it := range items {
		if it.ID == "" {
			return apperr.NewValidation("id", "required")
		}
		if it.Partition == "" {
			return apperr.NewValidation("partition", "required")
		}
		if err := checkDimension("vector", it.Vector, dim); err != nil {
			return err
		}
	}
	return nil
}

func validateSearch(partition string, query []float32, limit, dim int) error {
	if partition == "" {
		return apperr.NewValidation("partition", "required")
	}
	if limit <= 0 {
		return apperr.NewValidation("limit", "must be positive, got %d", limit)
	}
	return checkDimension("query", query, dim)
}

type ranked struct {
	Match
	seq uint64
}

// rank orders hits best-first with insertion order breaking ties, then truncates to limit
func rank(hits []ranked, limit int) []Match {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].seq < hits[j].seq
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Match, len(hits))
	for i, h := range hits {
		out[i] = h.Match
	}
	return out
}
