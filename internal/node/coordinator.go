// Package node implements the C12 Coordinator: the piece that wires every
// other protocol subsystem (address negotiation, the frame receiver and
// transmitter, the time-logic engine, the pattern sequencer, and the FTP
// client/server) into one cooperative node and drives them through a single
// fixed-order tick, the way matrix.c's Matrix_Clock does.
package node

import (
	"log/slog"
	"time"

	"github.com/liquidlogic/ecconet-matrix/internal/address"
	"github.com/liquidlogic/ecconet-matrix/internal/eventindex"
	"github.com/liquidlogic/ecconet-matrix/internal/ftp"
	"github.com/liquidlogic/ecconet-matrix/internal/host"
	"github.com/liquidlogic/ecconet-matrix/internal/logx"
	"github.com/liquidlogic/ecconet-matrix/internal/receiver"
	"github.com/liquidlogic/ecconet-matrix/internal/sequencer"
	"github.com/liquidlogic/ecconet-matrix/internal/timelogic"
	"github.com/liquidlogic/ecconet-matrix/internal/token"
	"github.com/liquidlogic/ecconet-matrix/internal/transmitter"
)

// statusBeaconInitialDelay is how long after Reset the first periodic status
// broadcast fires.
const statusBeaconInitialDelay = 1200 * time.Millisecond

// statusBeaconBaseInterval plus this node's own address (in milliseconds)
// gives the gap to the next beacon, spreading beacons across addresses so
// they don't all land on the same tick.
const statusBeaconBaseInterval = 940 * time.Millisecond

// Default behavioral file names, read from the host file system when no
// loader override is supplied via WithEquationLoader/WithPatternLoader.
const (
	equationFileName = "equation.btc"
	patternFileName  = "patterns.tbl"
	configVolume     = 0
)

// Coordinator is the node core. Construct with New, wire it against a host
// with Reset, then drive it with Clock and TokenIn.
type Coordinator struct {
	iface host.Interface
	fs    host.FileSystem
	log   *slog.Logger

	staticAddr     uint8
	isStatic       bool
	equationLoader timelogic.Loader
	patternLoader  sequencer.Loader

	events    *eventindex.Index
	addrMgr   *address.Manager
	rx        *receiver.Receiver
	tx        *transmitter.Transmitter
	timeLogic *timelogic.Engine
	seq       *sequencer.Controller
	ftpServer *ftp.Server
	ftpClient *ftp.Client

	busy           bool
	now            time.Time
	nextStatusTime time.Time
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithStaticAddress pins the node to a fixed CAN address instead of
// negotiating one, the same override the firmware's configuration offers.
func WithStaticAddress(addr uint8) Option {
	return func(n *Coordinator) { n.staticAddr, n.isStatic = addr, true }
}

// WithEquationLoader overrides where the time-logic engine loads its
// behavioral equation file from. Default: "equation.btc" off the host file
// system.
func WithEquationLoader(l timelogic.Loader) Option {
	return func(n *Coordinator) { n.equationLoader = l }
}

// WithPatternLoader overrides where the pattern sequencer loads its table
// from. Default: "patterns.tbl" off the host file system.
func WithPatternLoader(l sequencer.Loader) Option {
	return func(n *Coordinator) { n.patternLoader = l }
}

// WithLogger overrides the Coordinator's logger. Default: logx.L().
func WithLogger(l *slog.Logger) Option {
	return func(n *Coordinator) {
		if l != nil {
			n.log = l
		}
	}
}

// New builds a Coordinator. Call Reset before Clock or TokenIn.
func New(opts ...Option) *Coordinator {
	n := &Coordinator{log: logx.L()}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// flashAdapter narrows host.Interface's (int, host.Status) flash read down
// to the (int, int) shape internal/ftp's FlashReader expects; the one call
// site in ftp/server.go discards both return values, so the mapping only
// needs to satisfy the interface, not carry meaning.
type flashAdapter struct{ iface host.Interface }

func (f flashAdapter) FlashRead(volume uint8, addr uint32, buf []byte) (int, int) {
	n, status := f.iface.FlashRead(volume, addr, buf)
	return n, int(status)
}

// fileLoader builds a timelogic.Loader/sequencer.Loader (both are
// func() ([]byte, bool)) that reads name whole out of the host file system.
func fileLoader(fs host.FileSystem, flash flashAdapter, name string) func() ([]byte, bool) {
	return func() ([]byte, bool) {
		meta, loc, ok := fs.Lookup(configVolume, name)
		if !ok || meta.Size == 0 {
			return nil, false
		}
		buf := make([]byte, meta.Size)
		n, _ := flash.FlashRead(configVolume, loc, buf)
		if uint32(n) < meta.Size {
			return nil, false
		}
		return buf, true
	}
}

// sequencerSink adapts *sequencer.Controller's TokenIn (which needs the
// current tick time) to timelogic.Engine's simpler Sequencer interface,
// which doesn't carry one.
type sequencerSink struct{ n *Coordinator }

func (s sequencerSink) TokenIn(t token.Token) { s.n.seq.TokenIn(t, s.n.now) }

// Reset (re)builds every subsystem against iface/fs and arms the first
// status beacon. Ports Matrix_Reset.
func (n *Coordinator) Reset(iface host.Interface, fs host.FileSystem, now time.Time) {
	n.iface = iface
	n.fs = fs
	n.now = now
	n.nextStatusTime = now.Add(statusBeaconInitialDelay)

	n.events = &eventindex.Index{}
	n.addrMgr = address.New(iface.GUID(), n.staticAddr, n.isStatic)
	n.rx = receiver.New(n.addrMgr.Address, n.events)
	n.tx = transmitter.New(n.addrMgr.Address, n.events)

	flash := flashAdapter{iface}

	equationLoader := n.equationLoader
	if equationLoader == nil {
		equationLoader = fileLoader(fs, flash, equationFileName)
	}
	patternLoader := n.patternLoader
	if patternLoader == nil {
		patternLoader = fileLoader(fs, flash, patternFileName)
	}

	n.timeLogic = timelogic.New(equationLoader, sequencerSink{n}, n.tx, iface.TokenCallback)
	n.seq = sequencer.New(patternLoader, n.timeLogic, n, iface.TokenCallback, n.addrMgr.Address)
	n.ftpServer = ftp.NewServer(fs, flash, iface, iface, iface.FTPServerReadHandler)
	n.ftpClient = ftp.NewClient(n.ftpServer.Busy)

	n.timeLogic.Reset()
	n.rx.Reset()
	n.tx.Reset()
	n.addrMgr.Reset(n)
	n.ftpClient.Reset(now)
	n.ftpServer.Reset(now)
	n.seq.Reset()

	n.busy = false

	n.log.Info("matrix node reset", "static", n.isStatic, "addr", n.staticAddr)
}

// ReceiveFrame feeds one raw inbound CAN frame into the node for reassembly
// on the next Clock. The bus driver (internal/serialbus, internal/socketcanbus,
// or a test double) calls this from its read loop; it never blocks.
func (n *Coordinator) ReceiveFrame(id uint32, data []byte, now time.Time) {
	n.rx.Push(id, data, now)
}

// Clock drives one cooperative tick: every subsystem in the firmware's fixed
// order, then the periodic status beacon. Re-entrant calls (Clock invoked
// again before the previous call returns, e.g. from within a TokenCallback)
// are dropped, mirroring Matrix.busy.
func (n *Coordinator) Clock(now time.Time) {
	if n.busy {
		return
	}
	n.busy = true
	defer func() { n.busy = false }()

	n.now = now

	n.rx.Clock(now, n)
	n.tx.Clock(n.iface)
	n.addrMgr.Clock(now, n)
	n.timeLogic.Clock(now)
	n.ftpServer.Clock(now, n.rx)
	n.ftpClient.Clock(now)
	n.seq.Clock(now)

	if now.Before(n.nextStatusTime) {
		return
	}
	if n.rx.FtpLocked() || !n.addrMgr.IsValid() {
		return
	}

	n.nextStatusTime = n.nextStatusTime.Add(time.Duration(n.addrMgr.Address())*time.Millisecond + statusBeaconBaseInterval)

	n.sendStatusBeacon()
}
