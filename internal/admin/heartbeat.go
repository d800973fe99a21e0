package admin

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/nip46"
)

// beat records a heartbeat echo. Called by the RPC handler when the
// channel's own ping arrives back from a relay.
func (c *Channel) beat() {
	c.lastBeat.Store(time.Now().UnixNano())
}

// runHeartbeat publishes a self-addressed ping on a fixed cadence and
// watches for the echoes. Silence past the patience window means every
// relay path is wedged; the process exits non-zero so a supervisor
// restarts it instead of leaving a deaf bunker looking healthy.
func (c *Channel) runHeartbeat(ctx context.Context) {
	send := time.NewTicker(c.heartbeatEvery)
	defer send.Stop()
	// Checking once a second bounds how long a dead channel lingers past
	// the patience window.
	interval := time.Second
	if c.patience < time.Second {
		interval = c.patience / 5
	}
	watch := time.NewTicker(interval)
	defer watch.Stop()

	self := c.ep.Pubkey()
	for {
		select {
		case <-ctx.Done():
			return
		case <-send.C:
			if err := c.ep.Send(ctx, self, nip46.NewRequest("ping")); err != nil {
				c.log.Warn("heartbeat publish failed", zap.Error(err))
			}
		case <-watch.C:
			silence := time.Since(time.Unix(0, c.lastBeat.Load()))
			if silence > c.patience {
				c.log.Error("admin heartbeat lost",
					zap.Duration("silence", silence),
					zap.Duration("patience", c.patience))
				c.exit(1)
				return
			}
		}
	}
}
