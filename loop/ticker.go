package loop

import (
	"context"
	"fmt"
	"time"
)

// Ticker paces the loop. Wait blocks until the next paint tick.
type Ticker interface {
	Wait(ctx context.Context) error
	Stop()
}

// timeTicker wraps time.Ticker. The channel holds one tick, so ticks missed
// while an inference runs are dropped and the loop never bursts to catch up.
type timeTicker struct {
	t *time.Ticker
}

// NewTimeTicker returns a Ticker firing hz times per second.
func NewTimeTicker(hz float64) (Ticker, error) {
	if hz <= 0 || hz > 1000 {
		return nil, fmt.Errorf("loop: invalid refresh rate %.2f Hz (must be 0-1000)", hz)
	}
	return &timeTicker{t: time.NewTicker(time.Duration(float64(time.Second) / hz))}, nil
}

func (t *timeTicker) Wait(ctx context.Context) error {
	select {
	case <-t.t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *timeTicker) Stop() { t.t.Stop() }
