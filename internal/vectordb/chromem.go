package vectordb

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/metrics"
	"github.com/huddlechat/orchestrator/internal/tracing"
)

const (
	metaSeq  = "seq"
	metaNorm = "norm"
)

// ChromemIndex is an in-process Index on chromem-go with one collection per partition.
// chromem stores unit vectors; the original norm is kept in metadata so inner
// product scores can be recovered exactly.
type ChromemIndex struct {
	db     *chromem.DB
	dim    int
	seq    atomic.Uint64
	logger *zap.Logger
}

// NewChromemIndex creates an empty in-memory index for vectors of dimension dim
func NewChromemIndex(dim int, logger *zap.Logger) *ChromemIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromemIndex{db: chromem.NewDB(), dim: dim, logger: logger}
}

func collectionName(partition string) string { return "conv_" + partition }

// Store adds or replaces items
func (c *ChromemIndex) Store(ctx context.Context, items ...Item) error {
	if err := validateItems(items, c.dim); err != nil {
		metrics.VectorWrites.WithLabelValues("chromem", "invalid").Inc()
		return err
	}
	byPartition := make(map[string][]chromem.Document)
	for _, it := range items {
		vec := make([]float32, len(it.Vector))
		copy(vec, it.Vector)
		byPartition[it.Partition] = append(byPartition[it.Partition], chromem.Document{
			ID:        it.ID,
			Embedding: vec,
			Metadata: map[string]string{
				metaSeq:  strconv.FormatUint(c.seq.Add(1), 10),
				metaNorm: strconv.FormatFloat(norm(it.Vector), 'g', -1, 64),
			},
		})
	}
	for partition, docs := range byPartition {
		col, err := c.db.GetOrCreateCollection(collectionName(partition), nil, nil)
		if err != nil {
			metrics.VectorWrites.WithLabelValues("chromem", "error").Inc()
			return fmt.Errorf("chromem collection %s: %w", partition, err)
		}
		if err := col.AddDocuments(ctx, docs, 1); err != nil {
			metrics.VectorWrites.WithLabelValues("chromem", "error").Inc()
			return fmt.Errorf("chromem add: %w", err)
		}
	}
	metrics.VectorWrites.WithLabelValues("chromem", "ok").Add(float64(len(items)))
	return nil
}

// Search returns up to limit matches from partition
func (c *ChromemIndex) Search(ctx context.Context, partition string, query []float32, limit int, metric Metric) ([]Match, error) {
	if err := validateSearch(partition, query, limit, c.dim); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, "vectordb.chromem.search")
	defer span.End()
	start := time.Now()

	col := c.db.GetCollection(collectionName(partition), nil)
	if col == nil || col.Count() == 0 {
		metrics.RecordVectorSearchMetrics("chromem", "empty", time.Since(start).Seconds())
		return []Match{}, nil
	}
	q := make([]float32, len(query))
	copy(q, query)

	// chromem orders by similarity without a tie-break, so fetch everything and rank here.
	results, err := col.QueryEmbedding(ctx, q, col.Count(), nil, nil)
	if err != nil {
		metrics.RecordVectorSearchMetrics("chromem", "error", time.Since(start).Seconds())
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	qn := norm(query)
	hits := make([]ranked, 0, len(results))
	for _, r := range results {
		score := float64(r.Similarity)
		if metric == InnerProduct {
			dn, _ := strconv.ParseFloat(r.Metadata[metaNorm], 64)
			score *= qn * dn
		}
		seq, _ := strconv.ParseUint(r.Metadata[metaSeq], 10, 64)
		hits = append(hits, ranked{Match: Match{ID: r.ID, Score: score}, seq: seq})
	}
	metrics.RecordVectorSearchMetrics("chromem", "ok", time.Since(start).Seconds())
	return rank(hits, limit), nil
}

// Delete removes ids from partition
func (c *ChromemIndex) Delete(ctx context.Context, partition string, ids ...string) error {
	if partition == "" {
		return apperr.NewValidation("partition", "required")
	}
	if len(ids) == 0 {
		return nil
	}
	col := c.db.GetCollection(collectionName(partition), nil)
	if col == nil {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		metrics.VectorWrites.WithLabelValues("chromem", "error").Inc()
		return fmt.Errorf("chromem delete: %w", err)
	}
	return nil
}

// DropPartition removes every vector in partition
func (c *ChromemIndex) DropPartition(_ context.Context, partition string) error {
	if partition == "" {
		return apperr.NewValidation("partition", "required")
	}
	if c.db.GetCollection(collectionName(partition), nil) == nil {
		return nil
	}
	if err := c.db.DeleteCollection(collectionName(partition)); err != nil {
		return fmt.Errorf("chromem drop %s: %w", partition, err)
	}
	c.logger.Debug("Dropped vector partition", zap.String("partition", partition))
	return nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
