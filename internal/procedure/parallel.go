package procedure

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// runChunks fans chunks out across poolSize goroutines using
// errgroup, joining on first error (or on ctx cancellation), the way
// golang.org/x/sync/errgroup is used for bounded fan-out elsewhere in
// the retrieval pack. errgroup.SetLimit caps in-flight goroutines to
// poolSize regardless of how many chunks were produced.
func runChunks(ctx context.Context, chunks []Chunk, poolSize int, worker func(ctx context.Context, c Chunk) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize)

	for _, c := range chunks {
		c := c
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			return worker(gctx, c)
		})
	}
	return g.Wait()
}
