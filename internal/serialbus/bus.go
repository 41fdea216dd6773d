package serialbus

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/liquidlogic/ecconet-matrix/internal/frame"
	"github.com/liquidlogic/ecconet-matrix/internal/logx"
	"github.com/liquidlogic/ecconet-matrix/internal/metrics"
	"github.com/liquidlogic/ecconet-matrix/internal/transport"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open dials a serial device. readTimeout bounds each Read call so the
// Bus's read loop can periodically check for shutdown.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// ErrTxOverflow is returned by SendFrame when the outbound buffer is full.
var ErrTxOverflow = errors.New("serialbus: tx overflow")

// FrameReceiver is the subset of *internal/node.Coordinator a Bus feeds
// inbound frames into. Declared locally (instead of importing internal/node)
// so the two packages can be wired together by the embedder without either
// depending on the other.
type FrameReceiver interface {
	ReceiveFrame(id uint32, data []byte, now time.Time)
}

// Bus is a host.Interface-shaped CAN transport over a serial port: outbound
// frames are queued through a single writer goroutine (internal/transport's
// AsyncTx), inbound bytes are decoded off a read loop and delivered to a
// FrameReceiver.
type Bus struct {
	port  Port
	codec Codec
	recv  FrameReceiver
	now   func() time.Time

	tx *transport.AsyncTx

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a Bus reading from and writing to port. txBuffer sizes the
// outbound queue; SendFrame returns ErrTxOverflow once it's full rather
// than blocking the caller behind a slow or wedged link.
func New(parent context.Context, port Port, recv FrameReceiver, txBuffer int) *Bus {
	b := &Bus{port: port, recv: recv, now: time.Now}

	send := func(fr frame.Frame) error {
		_, err := port.Write(b.codec.Encode(fr))
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logx.L().Error("serial_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncSerialTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
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
// internal/host.Interface's SendFrame signature so a Bus can back a node's
// CAN transport directly.
func (b *Bus) SendFrame(id uint32, data []byte) error {
	var f frame.Frame
	f.ID = id
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	return b.tx.SendFrame(f)
}

func (b *Bus) readLoop(ctx context.Context) {
	defer b.wg.Done()

	chunk := make([]byte, 256)
	var acc bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := b.port.Read(chunk)
		if n > 0 {
			acc.Write(chunk[:n])
			now := b.now()
			b.codec.DecodeStream(&acc, func(f frame.Frame) {
				if b.recv != nil {
					b.recv.ReceiveFrame(f.ID, f.Payload(), now)
				}
			})
		}
		if err != nil {
			metrics.IncError(metrics.ErrSerialRead)
			logx.L().Error("serial_read_error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}

// Close stops the read loop and the writer goroutine, then closes the port.
func (b *Bus) Close() {
	b.cancel()
	b.tx.Close()
	_ = b.port.Close()
	b.wg.Wait()
}
