package archon

import (
	"context"
	"time"
)

// sleepCtx blocks for d or until ctx is cancelled, whichever comes
// first. Every wall-clock wait in the exposure/readout/flush/fetch
// procedures goes through this instead of a bare time.Sleep so a
// cancelled context unblocks it promptly, the Go analogue of the
// cancellable asyncio.sleep calls in the Python implementation.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
