package node

import (
	"time"

	"github.com/liquidlogic/ecconet-matrix/internal/codec"
	"github.com/liquidlogic/ecconet-matrix/internal/matrixerr"
	"github.com/liquidlogic/ecconet-matrix/internal/token"
)

// delayStatusUpdate15ms pushes the next status beacon out by 15ms if it's
// due sooner than that, so a burst of input events isn't immediately
// followed by a status broadcast stepping on them. Ports
// Matrix_DelayStatusUpdate15mS. Note this never delays input/output events
// themselves, only the periodic beacon.
func (n *Coordinator) delayStatusUpdate15ms() {
	const grace = 15 * time.Millisecond
	if n.nextStatusTime.Sub(n.now) < grace {
		n.nextStatusTime = n.nextStatusTime.Add(grace)
	}
}

// sendCanToken puts a token on the bus addressed at t.Address, triple-sending
// input-status tokens (and bumping the event index and delaying the status
// beacon before doing so). Ports Matrix_PrivateSendCanToken.
func (n *Coordinator) sendCanToken(t token.Token) error {
	if !n.addrMgr.IsValid() && t.Key != token.KeyRequestAddress {
		return matrixerr.ErrCanAddressInvalid
	}

	isInputEvent := token.GetPrefix(t.Key) == token.PrefixInputStatus
	if isInputEvent {
		n.events.Next()
		n.delayStatusUpdate15ms()
	}

	sends := 1
	if isInputEvent {
		sends = 3
	}
	for i := 0; i < sends; i++ {
		n.tx.StartMessageWithKey(t.Address, t.Key)
		n.tx.AddToken(t)
		n.tx.FinishMessage()
	}
	return nil
}

// sendStatusBeacon compresses the time-logic engine's token table and
// broadcasts it. The firmware's equivalent gate also checked
// tokenTableHasBroadcastTokens, but that condition is commented out in the
// shipped source, so the beacon fires here too, unconditionally, same as the
// real devices on the bus.
func (n *Coordinator) sendStatusBeacon() {
	n.tx.StartMessage(token.AddrBroadcast)
	for _, b := range codec.Compress(n.timeLogic.Table().Tokens()) {
		n.tx.AddByte(b)
	}
	n.tx.FinishMessage()
}

// SendToken implements address.Sender: the address manager sends its
// negotiation and collision-defense tokens through the same path as every
// other outbound token.
func (n *Coordinator) SendToken(t token.Token) {
	n.sendCanToken(t)
}

// SendSync implements sequencer.Broadcaster. Ports Matrix_SendSync: the
// pattern enumeration is packed into a PatternSync-prefixed key and sent as
// two raw bytes, never through AddToken (which would append an extra value
// byte no PatternSync message actually carries).
func (n *Coordinator) SendSync(t token.Token) {
	key := token.MakeKey(token.PrefixPatternSync, uint16(t.Value))
	n.tx.StartMessage(token.AddrBroadcast)
	n.tx.AddU16(key)
	n.tx.FinishMessage()
}

// TokenIn handles a token the application hands to the node, routing it to
// the equation processor, a sequencer, or the CAN bus depending on its
// (pseudo-)address. Ports Matrix_TokenIn.
func (n *Coordinator) TokenIn(t token.Token, now time.Time) {
	n.now = now

	switch {
	case t.Address == token.AddrEquationProcessor:
		n.timeLogic.TokenIn(t)

	case t.Address >= token.AddrSequencerBase && t.Address < token.AddrSequencerBase+token.NumSequencers:
		n.seq.TokenIn(t, now)

	case t.Address < 128 && !token.IsLocal(t.Key) && n.addrMgr.IsValid():
		n.sendCanToken(t)
	}
}

// receiveToken handles one token decoded off the bus (or synthesized from a
// PatternSync frame): address management always runs first, then status
// tokens feed the time-logic engine, command tokens feed the sequencer, and
// everything is mirrored to the host, all gated on the node's CAN address
// being valid. Ports Matrix_PrivateReceiveCanToken.
func (n *Coordinator) receiveToken(t token.Token) {
	n.addrMgr.TokenIn(t, t.Address, n)

	if !n.addrMgr.IsValid() {
		return
	}

	prefix := token.GetPrefix(t.Key)
	if prefix == token.PrefixInputStatus || prefix == token.PrefixOutputStatus {
		n.timeLogic.TokenIn(t)
	}
	if prefix == token.PrefixCommand {
		n.seq.TokenIn(t, n.now)
	}
	if n.iface != nil {
		n.iface.TokenCallback(t)
	}
}

// DispatchToken implements receiver.Dispatcher for a regular decoded token.
func (n *Coordinator) DispatchToken(tok token.Token, isEvent bool) {
	n.receiveToken(tok)
}

// DispatchPatternSync implements receiver.Dispatcher for a PatternSync
// frame: it synthesizes the same synthetic sync token matrix_receiver.c
// does (address = sender, raw KeyTokenSequencerSync key, value = pattern
// enumeration) and routes it through the normal receive path.
func (n *Coordinator) DispatchPatternSync(sourceAddr uint8, patternEnum uint16) {
	n.receiveToken(token.Token{
		Address: sourceAddr,
		Key:     token.KeyTokenSequencerSync,
		Value:   int32(patternEnum),
	})
}

// DispatchFtpResponse implements receiver.Dispatcher, forwarding a decoded
// FTP response to the client state machine.
func (n *Coordinator) DispatchFtpResponse(sourceAddr uint8, key uint16, body []byte) {
	n.ftpClient.ServerResponseIn(n.now, n.tx, sourceAddr, key, body)
}

// DispatchFtpRequest implements receiver.Dispatcher, forwarding a decoded
// FTP request to the server state machine.
func (n *Coordinator) DispatchFtpRequest(sourceAddr uint8, key uint16, body []byte) {
	n.ftpServer.ClientRequestIn(n.now, n.tx, n.rx, n.ftpClient.Busy(), sourceAddr, key, body)
}
