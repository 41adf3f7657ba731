package presence

import (
	"context"
	"log"
	"time"
)

// DefaultHeartbeatInterval matches the backend's presence TTL window.
const DefaultHeartbeatInterval = 30 * time.Second

// StartHeartbeat runs beat immediately and then on every tick until ctx is
// cancelled or the returned stop function is called. Beat failures are
// logged and retried on the next tick; presence is best-effort.
func StartHeartbeat(ctx context.Context, interval time.Duration, beat func(context.Context) error) (stop func()) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := beat(ctx); err != nil && ctx.Err() == nil {
				log.Printf("PRESENCE: heartbeat failed: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
