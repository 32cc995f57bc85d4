package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Export streams matching entries to w as JSON lines, oldest first, in
// batches so large chains never load fully into memory. Hash and
// signature fields are included so exports can be verified offline.
func (c *Chain) Export(ctx context.Context, f Filter, w io.Writer) (int64, error) {
	enc := json.NewEncoder(w)

	f.Ascending = true
	f.Offset = 0

	const batch = 500
	var written int64
	for {
		f.Limit = batch
		entries, _, err := c.store.Query(ctx, f)
		if err != nil {
			return written, fmt.Errorf("export query: %w", err)
		}
		for i := range entries {
			if err := enc.Encode(&entries[i]); err != nil {
				return written, fmt.Errorf("export encode: %w", err)
			}
			written++
		}
		if len(entries) < batch {
			return written, nil
		}
		f.Offset += batch
	}
}

// Query returns matching entries plus the total match count.
func (c *Chain) Query(ctx context.Context, f Filter) ([]Entry, int64, error) {
	return c.store.Query(ctx, f)
}

// Stats summarises the stored chain.
func (c *Chain) Stats(ctx context.Context) (*Stats, error) {
	return c.store.Stats(ctx)
}
