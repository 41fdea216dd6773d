//go:build linux

// Package socketcanbus carries Matrix CAN frames over a raw AF_CAN socket:
// the second concrete internal/host.Interface CAN transport, alongside
// internal/serialbus's UART link. A classic CAN frame's 29-bit extended
// identifier and 0..8 byte payload map directly onto this module's
// internal/frame.Frame, so no application-layer framing is needed the way
// internal/serialbus needs one over a byte-stream UART.
package socketcanbus

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/liquidlogic/ecconet-matrix/internal/frame"
)

// Device is a raw AF_CAN socket bound to one interface.
type Device struct {
	fd int
}

// Open binds a raw CAN_RAW socket to iface (e.g. "can0").
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

// Close releases the underlying socket.
func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame reads one classic CAN frame from the socket. Matrix only puts
// its own 29-bit extended identifiers on the bus; frames outside the three
// known frame types are still returned here (Bus.readLoop drops them with
// internal/frame.IsKnownType before delivery).
func (d *Device) ReadFrame(fr *frame.Frame) error {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	if n != unix.CAN_MTU {
		return fmt.Errorf("short read: %d", n)
	}

	// struct can_frame (linux/can.h), host byte order:
	//   can_id u32 [0:4] (includes EFF/RTR/ERR flags), can_dlc u8 [4],
	//   pad [5:8], data [8:16].
	id := binary.LittleEndian.Uint32(buf[0:4])
	dlc := int(buf[4])
	if dlc < 0 || dlc > 8 {
		dlc = 8
	}

	fr.ID = id &^ (1 << 31) // strip CAN_EFF_FLAG; frame.Decode expects the bare 29-bit value
	fr.Len = uint8(dlc)
	copy(fr.Data[:], buf[8:8+dlc])
	return nil
}

// WriteFrame writes one classic CAN frame to the socket, setting the
// extended-frame flag every Matrix identifier requires.
func (d *Device) WriteFrame(fr frame.Frame) error {
	const canEffFlag = 1 << 31
	var buf [unix.CAN_MTU]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.ID|canEffFlag)
	buf[4] = fr.Len
	copy(buf[8:], fr.Data[:fr.Len])
	_, err := unix.Write(d.fd, buf[:])
	return err
}
