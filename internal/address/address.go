// Package address implements Matrix's CAN address self-negotiation: the
// GUID-derived candidate generator, the propose/timeout/adopt state machine,
// and after-the-fact collision detection once an address is assigned.
package address

import (
	"time"

	"github.com/liquidlogic/ecconet-matrix/internal/metrics"
	"github.com/liquidlogic/ecconet-matrix/internal/token"
)

// NumAddressBits is the width of the CAN address field; candidates are
// always in 1..120, never 0 (broadcast) or 121..127 (reserved/pseudo).
const NumAddressBits = 7

const addressMask = (1 << NumAddressBits) - 1

// deviceXorValue seeds the rotating mask applied to each GUID byte.
const deviceXorValue = 0x64

// MaxAssignable is the highest address a node may self-assign.
const MaxAssignable = 120

// ProposalTimeout is how long a proposed address waits for a conflict before
// being adopted.
const ProposalTimeout = 100 * time.Millisecond

// Sender emits an address-negotiation token onto the bus.
type Sender interface {
	SendToken(t token.Token)
}

// Manager runs one node's address-negotiation state machine.
type Manager struct {
	guid [4]uint32

	static  bool
	address uint8

	proposed    uint8
	proposedAt  time.Time
	xorIndex    uint32
	addrOffset  uint32

	assignedAt time.Time
}

// New builds a Manager. If isStatic, addr is adopted immediately and never
// renegotiated; otherwise addr is ignored and a candidate is self-assigned.
func New(guid [4]uint32, addr uint8, isStatic bool) *Manager {
	return &Manager{guid: guid, static: isStatic, address: addr}
}

// Reset restarts negotiation. A static node announces its address once; a
// dynamic node clears to Unassigned and begins proposing on the next Clock.
func (m *Manager) Reset(sender Sender) {
	m.proposed = 0
	m.xorIndex = 0
	m.addrOffset = 0
	if m.static {
		metrics.SetCurrentAddress(m.address)
		sender.SendToken(token.Token{Address: token.AddrBroadcast, Key: token.KeyResponseAddressInUse, Value: int32(m.address)})
	} else {
		m.address = 0
		metrics.SetCurrentAddress(0)
	}
}

// Address returns the node's current working address, or 0 if unassigned.
func (m *Manager) Address() uint8 { return m.address }

// IsValid reports whether the node has a usable address: static, or a
// self-assigned value in 1..120.
func (m *Manager) IsValid() bool {
	return m.static || (m.address >= 1 && m.address <= MaxAssignable)
}

// IsStatic reports whether the address was configured rather than negotiated.
func (m *Manager) IsStatic() bool { return m.static }

// Clock drives the proposal/adoption timer. now is the current tick time.
func (m *Manager) Clock(now time.Time, sender Sender) {
	if m.IsValid() {
		return
	}

	if m.proposed == 0 {
		m.proposed = m.nextCandidate()
		m.proposedAt = now
		metrics.IncAddressProposal()
		sender.SendToken(token.Token{Address: token.AddrBroadcast, Key: token.KeyRequestAddress, Value: int32(m.proposed)})
		return
	}

	if now.Sub(m.proposedAt) >= ProposalTimeout {
		m.address = m.proposed
		m.proposed = 0
		m.assignedAt = now
		metrics.SetCurrentAddress(m.address)
		sender.SendToken(token.Token{Address: token.AddrBroadcast, Key: token.KeyResponseAddressInUse, Value: int32(m.address)})
	}
}

// TokenIn feeds one received token through the negotiation/collision logic.
// sourceAddr is the sender's CAN address, independent of the token's own
// address field (which, for negotiation tokens, carries the address value
// being proposed or claimed).
func (m *Manager) TokenIn(t token.Token, sourceAddr uint8, sender Sender) {
	switch {
	case t.Key == token.KeyResponseAddressInUse && uint8(t.Value) == m.proposed && m.proposed != 0:
		metrics.IncAddressCollision()
		m.address = 0
		m.proposed = 0

	case m.address != 0 && m.address == sourceAddr && !m.static:
		// a frame genuinely from our own working address: someone else has it.
		metrics.IncAddressCollision()
		m.address = 0
		m.proposed = 0
		metrics.SetCurrentAddress(0)

	case t.Key == token.KeyRequestAddress && uint8(t.Value) == m.address && m.address != 0:
		sender.SendToken(token.Token{Address: token.AddrBroadcast, Key: token.KeyResponseAddressInUse, Value: int32(m.address)})
	}
}

// nextCandidate runs the GUID-derived rotating-XOR generator, advancing
// state so repeated calls (after a rejected candidate) progress deterministically.
func (m *Manager) nextCandidate() uint8 {
	var addr uint32
	for {
		var xorValue uint32 = (deviceXorValue >> m.xorIndex) | ((deviceXorValue << (NumAddressBits - m.xorIndex)) & addressMask)

		addr = 0
		for _, word := range m.guid {
			for shift := 0; shift < 32; shift += 8 {
				b := byte(word >> shift)
				addr += uint32(b) ^ xorValue
			}
		}
		addr += m.addrOffset
		addr &= addressMask

		m.xorIndex++
		if m.xorIndex >= NumAddressBits {
			m.xorIndex = 0
			m.addrOffset = (m.addrOffset + 1) & addressMask
		}

		if addr != 0 && addr <= MaxAssignable {
			break
		}
	}
	return uint8(addr)
}
