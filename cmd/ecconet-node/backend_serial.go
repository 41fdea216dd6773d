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
	"github.com/liquidlogic/ecconet-matrix/internal/serialbus"
	"github.com/liquidlogic/ecconet-matrix/internal/token"
)

// openSerialPort is a hook for tests.
var openSerialPort = serialbus.Open

// txQueueSize bounds the outbound frame queue each live backend hands to its
// transport's async writer.
const txQueueSize = 256

// initSerialBackend builds a Coordinator wired against a real serial CAN
// transport, mirroring its traffic to the diagnostic hub in both directions.
func initSerialBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (*node.Coordinator, func(), error) {
	port, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)

	lh := &liveHost{Host: hostcap.New(func(t token.Token) {})}
	n := newCoordinator(cfg, l, lh, lh)

	recv := mirroringReceiver{next: n, hub: h}
	bus := serialbus.New(ctx, port, recv, txQueueSize)
	lh.sender = mirroringSender{next: bus, hub: h}

	n.Reset(lh, lh, time.Now())

	cleanup := func() { bus.Close() }
	return n, cleanup, nil
}
