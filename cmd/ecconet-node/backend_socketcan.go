//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/liquidlogic/ecconet-matrix/internal/hostcap"
	"github.com/liquidlogic/ecconet-matrix/internal/hub"
	"github.com/liquidlogic/ecconet-matrix/internal/node"
	"github.com/liquidlogic/ecconet-matrix/internal/socketcanbus"
	"github.com/liquidlogic/ecconet-matrix/internal/token"
)

// openSocketCANDevice is a hook for tests.
var openSocketCANDevice = func(iface string) (socketcanbus.Dev, error) { return socketcanbus.Open(iface) }

// initSocketCANBackend builds a Coordinator wired against a raw AF_CAN
// socket, mirroring its traffic to the diagnostic hub in both directions.
func initSocketCANBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (*node.Coordinator, func(), error) {
	dev, err := openSocketCANDevice(cfg.canIf)
	if err != nil {
		return nil, func() {}, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	l.Info("socketcan_open", "if", cfg.canIf)

	lh := &liveHost{Host: hostcap.New(func(t token.Token) {})}
	n := newCoordinator(cfg, l, lh, lh)

	recv := mirroringReceiver{next: n, hub: h}
	bus := socketcanbus.New(ctx, dev, recv, txQueueSize)
	lh.sender = mirroringSender{next: bus, hub: h}

	n.Reset(lh, lh, time.Now())

	cleanup := func() { bus.Close() }
	return n, cleanup, nil
}
