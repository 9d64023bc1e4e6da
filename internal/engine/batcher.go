package engine

// BatchConfig bounds how many records one remote task may carry.
type BatchConfig struct {
	MaxBytes int64 // cap on summed record sizes; a larger single file travels alone
	MinBytes int64 // an undersized final batch is merged into its predecessor; 0 disables
	MaxFiles int
}

// DefaultBatchConfig returns the default batching configuration.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxFiles: 100,
		MaxBytes: 100 << 30, // 100 GiB
	}
}

func (c BatchConfig) withDefaults() BatchConfig {
	d := DefaultBatchConfig()
	if c.MaxFiles <= 0 {
		c.MaxFiles = d.MaxFiles
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = d.MaxBytes
	}
	return c
}

// batcher accumulates work items into a batch until a cap is reached.
type batcher struct {
	pending  []WorkItem
	cfg      BatchConfig
	curBytes int64
}

func newBatcher(cfg BatchConfig) *batcher {
	return &batcher{cfg: cfg}
}

// add appends item unless doing so would exceed a cap on a non-empty batch.
func (b *batcher) add(item WorkItem) bool {
	if len(b.pending) > 0 {
		if len(b.pending) >= b.cfg.MaxFiles {
			return false
		}
		if b.curBytes+item.Record.Size > b.cfg.MaxBytes {
			return false
		}
	}
	b.pending = append(b.pending, item)
	b.curBytes += item.Record.Size
	return true
}

func (b *batcher) len() int {
	return len(b.pending)
}

// flush returns the pending items and resets the batcher.
func (b *batcher) flush() []WorkItem {
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = nil
	b.curBytes = 0
	return batch
}

// PlanBatches splits items, in order, into batches within cfg's caps. When
// MinBytes is set and the last batch is smaller, it is folded into the one
// before it, so the final bundle may exceed MaxBytes.
func PlanBatches(items []WorkItem, cfg BatchConfig) [][]WorkItem {
	cfg = cfg.withDefaults()
	b := newBatcher(cfg)

	var batches [][]WorkItem
	for _, item := range items {
		if !b.add(item) {
			batches = append(batches, b.flush())
			b.add(item)
		}
	}
	if b.len() > 0 {
		batches = append(batches, b.flush())
	}

	if n := len(batches); cfg.MinBytes > 0 && n > 1 && batchBytes(batches[n-1]) < cfg.MinBytes {
		batches[n-2] = append(batches[n-2], batches[n-1]...)
		batches = batches[:n-1]
	}
	return batches
}

func batchBytes(items []WorkItem) int64 {
	var n int64
	for _, item := range items {
		n += item.Record.Size
	}
	return n
}
