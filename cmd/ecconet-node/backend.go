package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/liquidlogic/ecconet-matrix/internal/host"
	"github.com/liquidlogic/ecconet-matrix/internal/hub"
	"github.com/liquidlogic/ecconet-matrix/internal/node"
)

// initBackend builds and resets the primary Coordinator against the selected
// CAN transport, wiring its traffic through the diagnostic hub, and starts
// whatever goroutines that transport needs. It returns the live node (so
// main can drive its Clock and route diagnostic-client frame injection into
// it) and a cleanup function.
func initBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (*node.Coordinator, func(), error) {
	switch cfg.backend {
	case "serial":
		return initSerialBackend(ctx, cfg, h, l, wg)
	case "socketcan":
		return initSocketCANBackend(ctx, cfg, h, l, wg)
	case "demo":
		return initDemoBackend(ctx, cfg, h, l, wg)
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q (use serial|socketcan|demo)", cfg.backend)
	}
}

// newCoordinator builds a Coordinator honoring the static-address and
// behavioral-file overrides common to every backend. iface/fs are the host
// this Coordinator will later be Reset against; they're needed here only to
// close over cfg's configured file names for the equation/pattern loaders.
func newCoordinator(cfg *appConfig, l *slog.Logger, iface host.Interface, fs host.FileSystem) *node.Coordinator {
	opts := []node.Option{
		node.WithLogger(l),
		node.WithEquationLoader(namedFileLoader(fs, iface, cfg.equationFile)),
		node.WithPatternLoader(namedFileLoader(fs, iface, cfg.patternFile)),
	}
	if cfg.staticAddr >= 0 {
		opts = append(opts, node.WithStaticAddress(uint8(cfg.staticAddr)))
	}
	return node.New(opts...)
}

// namedFileLoader reads name whole out of the host file system, the same
// shape internal/node's own default loader uses internally, so a
// -equation-file/-pattern-file override behaves identically to the default.
func namedFileLoader(fs host.FileSystem, iface host.Interface, name string) func() ([]byte, bool) {
	return func() ([]byte, bool) {
		meta, loc, ok := fs.Lookup(0, name)
		if !ok || meta.Size == 0 {
			return nil, false
		}
		buf := make([]byte, meta.Size)
		n, _ := iface.FlashRead(0, loc, buf)
		if uint32(n) < meta.Size {
			return nil, false
		}
		return buf, true
	}
}
