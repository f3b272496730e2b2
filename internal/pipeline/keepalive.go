package pipeline

import (
	"context"
	"time"

	"github.com/nugget/gatehouse/internal/streamutil"
)

// chunkResult carries either a Chunk or the terminal error from the run
// goroutine down the channel bridging Deps.Run's callback style to a
// streamutil.Stream.
type chunkResult struct {
	chunk Chunk
	err   error
}

// chanStream adapts a channel of chunkResults to a streamutil.Stream.
type chanStream struct {
	ch   <-chan chunkResult
	done bool
}

func (c *chanStream) Next(ctx context.Context) (Chunk, bool, error) {
	if c.done {
		return Chunk{}, false, nil
	}
	select {
	case res, ok := <-c.ch:
		if !ok {
			c.done = true
			return Chunk{}, false, nil
		}
		if res.err != nil {
			c.done = true
			return Chunk{}, false, res.err
		}
		if res.chunk.Done {
			c.done = true
		}
		return res.chunk, true, nil
	case <-ctx.Done():
		return Chunk{}, false, ctx.Err()
	}
}

// RunWithKeepalive runs a pipeline invocation in the background and
// returns a Stream of its Chunks, injecting a synthetic
// Chunk{Status: ...} whenever interval elapses without a real chunk.
// The background run is never cancelled by the caller ceasing to pull
// from the returned stream — matching spec.md's client-disconnect
// policy — because the hand-off of run's chunks is bound to runCtx,
// independent of the context passed to the stream's Next calls. A chunk
// nobody pulls blocks run until runCtx is done.
func RunWithKeepalive(runCtx context.Context, interval time.Duration, status *StatusHolder, run func(onChunk func(Chunk) error) error) streamutil.Stream[Chunk] {
	ch := make(chan chunkResult)

	go func() {
		defer close(ch)
		err := run(func(c Chunk) error {
			select {
			case ch <- chunkResult{chunk: c}:
				return nil
			case <-runCtx.Done():
				return runCtx.Err()
			}
		})
		if err != nil {
			select {
			case ch <- chunkResult{err: err}:
			case <-runCtx.Done():
			}
		}
	}()

	base := &chanStream{ch: ch}
	wrapped := streamutil.EmitKeepalive[Chunk](base, interval)

	return streamutil.Map(wrapped, func(item streamutil.KeepaliveItem[Chunk]) (Chunk, error) {
		if item.IsReal {
			return item.Item, nil
		}
		s := ""
		if status != nil {
			s = status.Get()
		}
		return Chunk{Status: s}, nil
	})
}
