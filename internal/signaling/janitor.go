package signaling

import (
	"context"
	"log"
	"time"
)

// CleanupOldCalls deletes call records (and their candidates) created
// before now minus retention.
func (c *Channel) CleanupOldCalls(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := c.store.DeleteCallsBefore(ctx, c.now().Add(-retention))
	if err != nil {
		c.metrics.StoreError(ctx, "delete_calls")
		return 0, wrapWrite("delete_calls", err)
	}
	return n, nil
}

// RunJanitor calls CleanupOldCalls every interval until ctx is done. A zero
// retention disables cleanup and returns immediately.
func (c *Channel) RunJanitor(ctx context.Context, interval, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Hour
	}
	log.Printf("SIGNAL: janitor running every %s, retention %s", interval, retention)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		n, err := c.CleanupOldCalls(ctx, retention)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Printf("SIGNAL: janitor: %v", err)
		case n > 0:
			log.Printf("SIGNAL: janitor removed %d old calls", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
