package main

import (
	"time"

	"github.com/liquidlogic/ecconet-matrix/internal/frame"
	"github.com/liquidlogic/ecconet-matrix/internal/hostcap"
	"github.com/liquidlogic/ecconet-matrix/internal/hub"
)

// frameSender is the minimal outbound surface a live CAN backend
// (internal/serialbus.Bus, internal/socketcanbus.Bus) or the in-memory demo
// bus exposes. It matches host.Interface.SendFrame's signature exactly.
type frameSender interface {
	SendFrame(id uint32, data []byte) error
}

// frameReceiver is the minimal inbound surface a live CAN backend drives;
// *node.Coordinator satisfies it directly via ReceiveFrame.
type frameReceiver interface {
	ReceiveFrame(id uint32, data []byte, now time.Time)
}

// liveHost composes hostcap.Host's flash/file-system/GUID simulation (there
// is no real flash driver in this port, only a host capability contract) with
// a real outbound transport for SendFrame. hostcap.Host's own SendFrame
// (which talks to its in-memory Bus) is shadowed by this one.
type liveHost struct {
	*hostcap.Host
	sender frameSender
}

func (h *liveHost) SendFrame(id uint32, data []byte) error {
	return h.sender.SendFrame(id, data)
}

// mirroringSender wraps a live frameSender so every frame it successfully
// transmits is also fanned out to the diagnostic hub, the one-way TCP mirror
// that lets tooling observe node traffic without touching the bus.
type mirroringSender struct {
	next frameSender
	hub  *hub.Hub
}

func (m mirroringSender) SendFrame(id uint32, data []byte) error {
	err := m.next.SendFrame(id, data)
	if err == nil {
		m.hub.Broadcast(toWireFrame(id, data))
	}
	return err
}

// mirroringReceiver wraps the node's inbound entry point the same way, so
// frames arriving off the bus are mirrored to the diagnostic hub too.
type mirroringReceiver struct {
	next frameReceiver
	hub  *hub.Hub
}

func (m mirroringReceiver) ReceiveFrame(id uint32, data []byte, now time.Time) {
	m.next.ReceiveFrame(id, data, now)
	m.hub.Broadcast(toWireFrame(id, data))
}

func toWireFrame(id uint32, data []byte) frame.Frame {
	var f frame.Frame
	f.ID = id
	n := copy(f.Data[:], data)
	f.Len = uint8(n)
	return f
}
