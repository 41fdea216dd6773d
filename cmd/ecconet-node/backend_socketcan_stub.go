//go:build !linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/liquidlogic/ecconet-matrix/internal/hub"
	"github.com/liquidlogic/ecconet-matrix/internal/node"
)

// initSocketCANBackend is unavailable outside Linux; internal/socketcanbus
// itself is built only under linux.
func initSocketCANBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (*node.Coordinator, func(), error) {
	return nil, func() {}, fmt.Errorf("socketcan backend unsupported on this platform")
}
