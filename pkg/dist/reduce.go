package dist

import (
	"context"
	"fmt"

	"github.com/cyclopcam/detrain/pkg/detr"
)

// ReduceDict sums the loss terms over all workers, and divides by the world size if average is true.
// Values are reduced in sorted key order, so that every worker packs the same vector,
// regardless of the order in which its criterion produced the terms.
// The returned dict keeps the key order of 'd'.
// With fewer than two workers, a copy of 'd' is returned without communicating.
func ReduceDict(ctx context.Context, pg ProcessGroup, d detr.LossDict, average bool) (detr.LossDict, error) {
	worldSize := pg.WorldSize()
	if worldSize < 2 {
		return d.Clone(), nil
	}
	keys := d.SortedKeys()
	values := make([]float64, len(keys))
	for i, k := range keys {
		values[i] = d.Value(k)
	}
	if err := pg.AllReduceSum(ctx, values); err != nil {
		return detr.LossDict{}, fmt.Errorf("Failed to reduce loss dict: %w", err)
	}
	reduced := map[string]float64{}
	for i, k := range keys {
		v := values[i]
		if average {
			v /= float64(worldSize)
		}
		reduced[k] = v
	}
	out := detr.LossDict{}
	for _, k := range d.Keys() {
		out.Set(k, reduced[k])
	}
	return out, nil
}
