package vectordb

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Buffer batches writes to an underlying Index. Buffered items become
// visible to Search because Search flushes first.
type Buffer struct {
	inner     Index
	batchSize int
	dim       int
	logger    *zap.Logger

	mu      sync.Mutex
	pending []Item
}

// NewBuffer wraps inner. Writes are committed once batchSize items are pending.
func NewBuffer(inner Index, batchSize, dim int, logger *zap.Logger) *Buffer {
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{inner: inner, batchSize: batchSize, dim: dim, logger: logger}
}

// Store validates and queues items, flushing when the batch is full
func (b *Buffer) Store(ctx context.Context, items ...Item) error {
	if err := validateItems(items, b.dim); err != nil {
		return err
	}
	b.mu.Lock()
	b.pending = append(b.pending, items...)
	full := len(b.pending) >= b.batchSize
	b.mu.Unlock()
	if full {
		return b.Flush(ctx)
	}
	return nil
}

// Flush commits pending items. On failure they stay queued for the next flush.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	if err := b.inner.Store(ctx, batch...); err != nil {
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		b.logger.Warn("Vector batch flush failed", zap.Int("items", len(batch)), zap.Error(err))
		return err
	}
	b.logger.Debug("Flushed vector batch", zap.Int("items", len(batch)))
	return nil
}

// Pending returns the number of queued items
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Search flushes pending writes and delegates
func (b *Buffer) Search(ctx context.Context, partition string, query []float32, limit int, metric Metric) ([]Match, error) {
	if err := b.Flush(ctx); err != nil {
		return nil, err
	}
	return b.inner.Search(ctx, partition, query, limit, metric)
}

// Delete discards queued items with ids in partition and deletes them from the inner index
func (b *Buffer) Delete(ctx context.Context, partition string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	gone := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		gone[id] = struct{}{}
	}
	b.mu.Lock()
	kept := b.pending[:0]
	for _, it := range b.pending {
		if _, ok := gone[it.ID]; ok && it.Partition == partition {
			continue
		}
		kept = append(kept, it)
	}
	b.pending = kept
	b.mu.Unlock()
	return b.inner.Delete(ctx, partition, ids...)
}

// DropPartition discards queued items of partition and drops it from the inner index
func (b *Buffer) DropPartition(ctx context.Context, partition string) error {
	b.mu.Lock()
	kept := b.pending[:0]
	for _, it := range b.pending {
		if it.Partition != partition {
			kept = append(kept, it)
		}
	}
	b.pending = kept
	b.mu.Unlock()
	return b.inner.DropPartition(ctx, partition)
}

// Close flushes what is left
func (b *Buffer) Close(ctx context.Context) error {
	return b.Flush(ctx)
}
