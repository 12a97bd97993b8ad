package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/metrics"
	"github.com/huddlechat/orchestrator/internal/tracing"
)

// pointNamespace seeds the name-based point ids
var pointNamespace = uuid.MustParse("6f1c2a8e-3d4b-4e8f-9a55-0c7d1e2b9f10")

// Doer is satisfied by *http.Client and *circuitbreaker.HTTPWrapper
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// QdrantConfig controls the Qdrant index
type QdrantConfig struct {
	URL        string
	Collection string
	Dimensions int
	Metric     Metric
}

// QdrantIndex is a minimal Qdrant HTTP client implementing Index. All
// conversations share one collection and are separated by a payload filter.
type QdrantIndex struct {
	cfg    QdrantConfig
	http   Doer
	seq    atomic.Uint64
	logger *zap.Logger
}

// NewQdrantIndex creates a Qdrant-backed index. Call EnsureCollection before first use.
func NewQdrantIndex(cfg QdrantConfig, doer Doer, logger *zap.Logger) *QdrantIndex {
	if cfg.Collection == "" {
		cfg.Collection = "conversation_messages"
	}
	if doer == nil {
		doer = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &QdrantIndex{cfg: cfg, http: doer, logger: logger}
	q.seq.Store(uint64(time.Now().UnixNano()))
	return q
}

type qdrantPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score,omitempty"`
	Vector  []float32              `json:"vector,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

type qdrantSearchResponse struct {
	Result []qdrantPoint `json:"result"`
	Status string        `json:"status"`
}

// qdrantQueryResponse matches /points/query, which nests points one level deeper
type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

func (q *QdrantIndex) distance() string {
	if q.cfg.Metric == InnerProduct {
		return "Dot"
	}
	return "Cosine"
}

func (q *QdrantIndex) url(path string) string {
	return fmt.Sprintf("%s/collections/%s%s", q.cfg.URL, q.cfg.Collection, path)
}

// do sends body as JSON and returns the response body for 2xx responses
func (q *QdrantIndex) do(ctx context.Context, op, method, url string, body interface{}) ([]byte, int, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode qdrant %s: %w", op, err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := q.http.Do(req)
	if err != nil {
		return nil, 0, apperr.NewProviderError("qdrant", op, 0, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, apperr.NewProviderError("qdrant", op, 0, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return data, resp.StatusCode, apperr.NewProviderError("qdrant", op, resp.StatusCode,
			fmt.Errorf("qdrant status %d: %s", resp.StatusCode, truncate(data, 200)))
	}
	return data, resp.StatusCode, nil
}

// EnsureCollection creates the collection when it does not exist
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	_, status, err := q.do(ctx, "get_collection", http.MethodGet, q.url(""), nil)
	if err == nil {
		return nil
	}
	if status != http.StatusNotFound {
		return err
	}
	body := map[string]interface{}{
		"vectors": map[string]interface{}{"size": q.cfg.Dimensions, "distance": q.distance()},
	}
	if _, _, err := q.do(ctx, "create_collection", http.MethodPut, q.url(""), body); err != nil {
		return err
	}
	// Keyword index so the conversation filter stays cheap
	idx := map[string]interface{}{"field_name": "conversation_id", "field_schema": "keyword"}
	if _, _, err := q.do(ctx, "create_index", http.MethodPut, q.url("/index"), idx); err != nil {
		q.logger.Warn("Failed to create payload index", zap.Error(err))
	}
	q.logger.Info("Created Qdrant collection",
		zap.String("collection", q.cfg.Collection),
		zap.Int("dimensions", q.cfg.Dimensions),
		zap.String("distance", q.distance()))
	return nil
}

// PointID derives the Qdrant point id for a message in a partition
func PointID(partition, id string) string {
	return uuid.NewSHA1(pointNamespace, []byte(partition+"/"+id)).String()
}

// Store upserts items
func (q *QdrantIndex) Store(ctx context.Context, items ...Item) error {
	if err := validateItems(items, q.cfg.Dimensions); err != nil {
		metrics.VectorWrites.WithLabelValues("qdrant", "invalid").Inc()
		return err
	}
	url := q.url("/points?wait=true")
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPut, url)
	defer span.End()

	points := make([]qdrantPoint, 0, len(items))
	for _, it := range items {
		points = append(points, qdrantPoint{
			ID:     PointID(it.Partition, it.ID),
			Vector: it.Vector,
			Payload: map[string]interface{}{
				"conversation_id": it.Partition,
				"message_id":      it.ID,
				"seq":             q.seq.Add(1),
			},
		})
	}
	if _, _, err := q.do(ctx, "upsert", http.MethodPut, url, map[string]interface{}{"points": points}); err != nil {
		metrics.VectorWrites.WithLabelValues("qdrant", "error").Inc()
		tracing.RecordError(span, err)
		return err
	}
	metrics.VectorWrites.WithLabelValues("qdrant", "ok").Add(float64(len(items)))
	return nil
}

func partitionFilter(partition string) map[string]interface{} {
	return map[string]interface{}{
		"must": []map[string]interface{}{
			{"key": "conversation_id", "match": map[string]interface{}{"value": partition}},
		},
	}
}

// Search queries one partition. The metric must match the collection distance.
func (q *QdrantIndex) Search(ctx context.Context, partition string, query []float32, limit int, metric Metric) ([]Match, error) {
	if err := validateSearch(partition, query, limit, q.cfg.Dimensions); err != nil {
		return nil, err
	}
	if metric != q.cfg.Metric {
		return nil, apperr.NewValidation("metric", "collection uses %s, got %s", q.cfg.Metric, metric)
	}
	start := time.Now()
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, q.url("/points/query"))
	defer span.End()

	filter := partitionFilter(partition)
	points, err := q.query(ctx, query, limit, filter)
	if err != nil {
		metrics.RecordVectorSearchMetrics("qdrant", "error", time.Since(start).Seconds())
		tracing.RecordError(span, err)
		return nil, err
	}

	hits := make([]ranked, 0, len(points))
	for _, p := range points {
		id, _ := p.Payload["message_id"].(string)
		if id == "" {
			continue
		}
		var seq uint64
		if f, ok := p.Payload["seq"].(float64); ok {
			seq = uint64(f)
		}
		hits = append(hits, ranked{Match: Match{ID: id, Score: p.Score}, seq: seq})
	}
	metrics.RecordVectorSearchMetrics("qdrant", "ok", time.Since(start).Seconds())
	return rank(hits, limit), nil
}

// query prefers /points/query and falls back to the legacy /points/search
func (q *QdrantIndex) query(ctx context.Context, vec []float32, limit int, filter map[string]interface{}) ([]qdrantPoint, error) {
	body := map[string]interface{}{"query": vec, "limit": limit, "with_payload": true, "filter": filter}
	data, status, err := q.do(ctx, "query", http.MethodPost, q.url("/points/query"), body)
	if err == nil {
		var qr qdrantQueryResponse
		if err := json.Unmarshal(data, &qr); err != nil {
			return nil, fmt.Errorf("decode qdrant query: %w", err)
		}
		return qr.Result.Points, nil
	}
	if status != http.StatusNotFound && status != http.StatusBadRequest {
		return nil, err
	}

	legacy := map[string]interface{}{"vector": vec, "limit": limit, "with_payload": true, "filter": filter}
	data, _, err = q.do(ctx, "search", http.MethodPost, q.url("/points/search"), legacy)
	if err != nil {
		return nil, err
	}
	var sr qdrantSearchResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, fmt.Errorf("decode qdrant search: %w", err)
	}
	return sr.Result, nil
}

// Delete removes the points of ids in partition
func (q *QdrantIndex) Delete(ctx context.Context, partition string, ids ...string) error {
	if partition == "" {
		return apperr.NewValidation("partition", "required")
	}
	if len(ids) == 0 {
		return nil
	}
	points := make([]string, len(ids))
	for i, id := range ids {
		points[i] = PointID(partition, id)
	}
	url := q.url("/points/delete?wait=true")
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()
	if _, _, err := q.do(ctx, "delete", http.MethodPost, url, map[string]interface{}{"points": points}); err != nil {
		tracing.RecordError(span, err)
		return err
	}
	return nil
}

// DropPartition deletes every point of a conversation
func (q *QdrantIndex) DropPartition(ctx context.Context, partition string) error {
	if partition == "" {
		return apperr.NewValidation("partition", "required")
	}
	_, _, err := q.do(ctx, "delete", http.MethodPost, q.url("/points/delete?wait=true"),
		map[string]interface{}{"filter": partitionFilter(partition)})
	return err
}

// Ping checks that the collection is reachable
func (q *QdrantIndex) Ping(ctx context.Context) error {
	_, _, err := q.do(ctx, "get_collection", http.MethodGet, q.url(""), nil)
	return err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
