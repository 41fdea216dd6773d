package main

import (
	"context"
	"sync"
	"time"

	"github.com/liquidlogic/ecconet-matrix/internal/node"
)

// startTickLoop drives the node's cooperative core clock at cfg.tickInterval,
// the user-space equivalent of the firmware's periodic Matrix_Clock call from
// its main loop.
func startTickLoop(ctx context.Context, n *node.Coordinator, interval time.Duration, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				n.Clock(now)
			}
		}
	}()
}
