//go:build linux

package socketcanbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/liquidlogic/ecconet-matrix/internal/frame"
	"github.com/liquidlogic/ecconet-matrix/internal/logx"
	"github.com/liquidlogic/ecconet-matrix/internal/metrics"
	"github.com/liquidlogic/ecconet-matrix/internal/transport"
)

// ErrTxOverflow is returned by SendFrame when the outbound buffer is full.
var ErrTxOverflow = errors.New("socketcanbus: tx overflow")

// Dev is the minimal device surface Bus needs; satisfied by *Device in
// production and by fakes in tests.
type Dev interface {
	ReadFrame(*frame.Frame) error
	WriteFrame(frame.Frame) error
	Close() error
}

// FrameReceiver is the subset of *internal/node.Coordinator a Bus feeds
// inbound frames into, declared locally to avoid an import cycle (the same
// pattern internal/serialbus and internal/hostcap use).
type FrameReceiver interface {
	ReceiveFrame(id uint32, data []byte, now time.Time)
}

// Bus is a host.Interface-shaped CAN transport over a raw AF_CAN socket.
// Outbound frames are queued through internal/transport's AsyncTx; inbound
// frames are read off a blocking ReadFrame loop and delivered to a
// FrameReceiver.
type Bus struct {
	dev  Dev
	recv FrameReceiver
	now  func() time.Time

	tx *transport.AsyncTx

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a Bus over dev. txBuffer sizes the outbound queue.
func New(parent context.Context, dev Dev, recv FrameReceiver, txBuffer int) *Bus {
	b := &Bus{dev: dev, recv: recv, now: time.Now}

	send := func(fr frame.Frame) error { return dev.WriteFrame(fr) }
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSocketCANWrite)
			logx.L().Error("socketcan_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncSocketCANTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	}
	b.tx = transport.NewAsyncTx(parent, txBuffer, send, hooks)

	ctx, cancel := context.WithCancel(parent)
	b.cancel = cancel
	b.wg.Add(1)
	go b.readLoop(ctx)
	return b
}

// SendFrame queues id/data for asynchronous transmission. It matches
// internal/host.Interface's SendFrame signature.
func (b *Bus) SendFrame(id uint32, data []byte) error {
	var f frame.Frame
	f.ID = id
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	return b.tx.SendFrame(f)
}

func (b *Bus) readLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var f frame.Frame
		if err := b.dev.ReadFrame(&f); err != nil {
			metrics.IncError(metrics.ErrSocketCANRead)
			logx.L().Error("socketcan_read_error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		if !frame.IsKnownType(frame.Decode(f.ID).Type) {
			continue
		}
		metrics.IncSocketCANRx()
		if b.recv != nil {
			b.recv.ReceiveFrame(f.ID, f.Payload(), b.now())
		}
	}
}

// Close stops the read loop and the writer goroutine, then closes the device.
func (b *Bus) Close() {
	b.cancel()
	b.tx.Close()
	_ = b.dev.Close()
	b.wg.Wait()
}
