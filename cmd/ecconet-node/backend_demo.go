package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/liquidlogic/ecconet-matrix/internal/hostcap"
	"github.com/liquidlogic/ecconet-matrix/internal/hub"
	"github.com/liquidlogic/ecconet-matrix/internal/node"
	"github.com/liquidlogic/ecconet-matrix/internal/token"
)

// initDemoBackend builds an in-memory loopback bus with cfg.demoNodes total
// simulated devices: one primary, wired the same way a live backend would be
// (its traffic mirrored to the diagnostic hub in both directions) plus
// driven by main's own tick loop, and cfg.demoNodes-1 peers that exist only
// to give the primary realistic bus traffic (status beacons, address
// negotiation) to observe. The peers are driven by a background goroutine
// this function starts, since main only ever drives the primary's Clock.
func initDemoBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (*node.Coordinator, func(), error) {
	bus := hostcap.NewBus()
	now := time.Now()

	primaryHost := hostcap.New(func(t token.Token) {})
	lh := &liveHost{Host: primaryHost, sender: mirroringSender{next: primaryHost, hub: h}}
	primary := newCoordinator(cfg, l, lh, lh)
	bus.Register(primaryHost, mirroringReceiver{next: primary, hub: h})
	primary.Reset(lh, lh, now)

	peers := make([]*node.Coordinator, 0, cfg.demoNodes-1)
	for i := 0; i < cfg.demoNodes-1; i++ {
		peerHost := hostcap.New(nil)
		peer := node.New(node.WithLogger(l))
		bus.Register(peerHost, peer)
		peer.Reset(peerHost, peerHost, now)
		peers = append(peers, peer)
	}
	l.Info("demo_backend_started", "total_nodes", cfg.demoNodes, "peers", len(peers))

	tickCtx, cancel := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(cfg.tickInterval)
		defer t.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case now := <-t.C:
				for _, peer := range peers {
					peer.Clock(now)
				}
				bus.Tick(now)
			}
		}
	}()

	return primary, cancel, nil
}
